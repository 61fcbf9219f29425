package envelope

import "testing"

type echoCtx struct {
	Msg string `json:"msg"`
}

type otherCtx struct {
	Val int `json:"val"`
}

func TestTagUntagRoundTrip(t *testing.T) {
	tagged, err := Tag(echoCtx{Msg: "hi"})
	if err != nil {
		t.Fatalf("Tag: %v", err)
	}
	got, err := Untag[echoCtx](tagged)
	if err != nil {
		t.Fatalf("Untag: %v", err)
	}
	if got.Msg != "hi" {
		t.Fatalf("expected hi, got %q", got.Msg)
	}
}

func TestUntagSchemaMismatchFailsClosed(t *testing.T) {
	tagged, err := Tag(echoCtx{Msg: "hi"})
	if err != nil {
		t.Fatalf("Tag: %v", err)
	}
	if _, err := Untag[otherCtx](tagged); err == nil {
		t.Fatalf("expected schema mismatch error")
	}
}

func TestEnvelopeSerializeDeserializeRoundTrip(t *testing.T) {
	tagged, err := Tag(echoCtx{Msg: "hi"})
	if err != nil {
		t.Fatalf("Tag: %v", err)
	}
	e := Envelope{TaskName: "echo", Context: tagged, AgentID: "agent-1"}

	data, err := Serialize(e)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	got, err := Deserialize(data)
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}
	if got.TaskName != e.TaskName || got.AgentID != e.AgentID || got.Context.Schema != e.Context.Schema {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, e)
	}
	gotCtx, err := Untag[echoCtx](got.Context)
	if err != nil {
		t.Fatalf("Untag: %v", err)
	}
	if gotCtx.Msg != "hi" {
		t.Fatalf("expected hi, got %q", gotCtx.Msg)
	}
}

func TestDeserializeRejectsMissingAgentID(t *testing.T) {
	data := []byte(`{"task_name":"echo","context":{"__schema__":"x","__data__":{}}}`)
	if _, err := Deserialize(data); err == nil {
		t.Fatalf("expected shape validation error for missing agent_id")
	}
}

func TestDeserializeRejectsContextWithoutSchemaTag(t *testing.T) {
	data := []byte(`{"task_name":"echo","agent_id":"a1","context":{"__data__":{}}}`)
	if _, err := Deserialize(data); err == nil {
		t.Fatalf("expected shape validation error for context missing __schema__")
	}
}

func TestDeserializeRejectsNonJSON(t *testing.T) {
	if _, err := Deserialize([]byte("not json")); err == nil {
		t.Fatalf("expected shape validation error for non-JSON input")
	}
}
