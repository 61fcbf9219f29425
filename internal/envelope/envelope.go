// Package envelope implements the schema-tagged serialization used by the
// queue envelope and the result rendezvous (spec.md §3, §6).
//
// The original source looks up a class by its fully-qualified name at
// deserialize time (a `schema_id -> constructor` registry built at process
// start, per spec.md §9 design notes). In Go, generics already pin down the
// concrete type at every call site, so Untag[T] gets its constructor for
// free from the type parameter; the runtime registry collapses to a single
// string comparison that fails closed on a schema mismatch.
package envelope

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/agent-ci/agentexec-go/internal/taskerr"
)

// Tagged is the wire shape for any schema-tagged value: context or result.
type Tagged struct {
	Schema string          `json:"__schema__"`
	Data   json.RawMessage `json:"__data__"`
}

// SchemaID returns the stable schema identifier for T: its fully-qualified
// Go type name, e.g. "github.com/agent-ci/agentexec-go/examples.EchoInput".
func SchemaID[T any]() string {
	var zero T
	t := reflect.TypeOf(zero)
	if t == nil {
		return reflect.TypeOf(&zero).Elem().String()
	}
	return t.String()
}

// Tag serializes v into a Tagged value carrying its schema id.
func Tag[T any](v T) (Tagged, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Tagged{}, fmt.Errorf("%w: marshal %s: %v", taskerr.ErrSerialization, SchemaID[T](), err)
	}
	return Tagged{Schema: SchemaID[T](), Data: data}, nil
}

// Untag reconstructs a T from a Tagged value, failing closed if the tag
// does not match T's schema id.
func Untag[T any](t Tagged) (T, error) {
	var zero T
	want := SchemaID[T]()
	if t.Schema != want {
		return zero, fmt.Errorf("%w: schema %q does not match expected %q", taskerr.ErrSerialization, t.Schema, want)
	}
	var v T
	if err := json.Unmarshal(t.Data, &v); err != nil {
		return zero, fmt.Errorf("%w: unmarshal %s: %v", taskerr.ErrSerialization, want, err)
	}
	return v, nil
}

// Envelope is the only thing that crosses the queue boundary (spec.md §3).
type Envelope struct {
	TaskName string `json:"task_name"`
	Context  Tagged `json:"context"`
	AgentID  string `json:"agent_id"`
}

// Serialize encodes an Envelope as self-describing bytes.
func Serialize(e Envelope) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal envelope: %v", taskerr.ErrSerialization, err)
	}
	return data, nil
}

// Deserialize decodes bytes produced by Serialize. It first validates the
// envelope's structural shape against a fixed JSON Schema, so a malformed
// or non-Go producer writing directly to the backend fails with a precise
// shape error instead of an opaque unmarshal error.
func Deserialize(data []byte) (Envelope, error) {
	if err := validateWireShape(data); err != nil {
		return Envelope{}, err
	}
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("%w: unmarshal envelope: %v", taskerr.ErrSerialization, err)
	}
	return e, nil
}

// ResultKey returns the state-backend key a result is stored/awaited under.
func ResultKey(agentID string) string {
	return "result:" + agentID
}
