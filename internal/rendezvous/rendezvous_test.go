package rendezvous

import (
	"context"
	"errors"
	"log/slog"
	"io"
	"testing"
	"time"

	"github.com/agent-ci/agentexec-go/internal/backend/memorybackend"
	"github.com/agent-ci/agentexec-go/internal/envelope"
	"github.com/agent-ci/agentexec-go/internal/taskerr"
)

type echoResult struct {
	Echoed string `json:"echoed"`
}

func TestSetResultThenWaitReturnsValue(t *testing.T) {
	b := memorybackend.New(nil)
	r := New(b, 10*time.Millisecond)
	ctx := context.Background()

	tagged, err := envelope.Tag(echoResult{Echoed: "hi"})
	if err != nil {
		t.Fatalf("Tag: %v", err)
	}
	if err := r.SetResult(ctx, "agent-1", tagged, time.Minute); err != nil {
		t.Fatalf("SetResult: %v", err)
	}

	got, err := r.Wait(ctx, "agent-1", time.Second)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	result, err := envelope.Untag[echoResult](got)
	if err != nil {
		t.Fatalf("Untag: %v", err)
	}
	if result.Echoed != "hi" {
		t.Fatalf("expected hi, got %q", result.Echoed)
	}
}

func TestWaitTimesOutWhenResultNeverSet(t *testing.T) {
	b := memorybackend.New(nil)
	r := New(b, 10*time.Millisecond)
	ctx := context.Background()

	_, err := r.Wait(ctx, "never-set", 50*time.Millisecond)
	if !errors.Is(err, taskerr.ErrResultTimeout) {
		t.Fatalf("expected ErrResultTimeout, got %v", err)
	}
}

func TestWaitWakesAsSoonAsResultAppears(t *testing.T) {
	b := memorybackend.New(nil)
	r := New(b, 10*time.Millisecond)
	ctx := context.Background()

	go func() {
		time.Sleep(20 * time.Millisecond)
		tagged, _ := envelope.Tag(echoResult{Echoed: "late"})
		_ = r.SetResult(ctx, "agent-2", tagged, time.Minute)
	}()

	got, err := r.Wait(ctx, "agent-2", time.Second)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	result, _ := envelope.Untag[echoResult](got)
	if result.Echoed != "late" {
		t.Fatalf("expected late, got %q", result.Echoed)
	}
}

func TestJoinReturnsInInputOrder(t *testing.T) {
	b := memorybackend.New(nil)
	r := New(b, 10*time.Millisecond)
	ctx := context.Background()

	for i, agentID := range []string{"a", "b", "c"} {
		tagged, _ := envelope.Tag(echoResult{Echoed: agentID})
		if err := r.SetResult(ctx, agentID, tagged, time.Minute); err != nil {
			t.Fatalf("SetResult %d: %v", i, err)
		}
	}

	values, err := r.Join(ctx, []string{"c", "a", "b"}, time.Second)
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	want := []string{"c", "a", "b"}
	for i, v := range values {
		got, err := envelope.Untag[echoResult](v)
		if err != nil {
			t.Fatalf("Untag %d: %v", i, err)
		}
		if got.Echoed != want[i] {
			t.Fatalf("index %d: expected %q, got %q", i, want[i], got.Echoed)
		}
	}
}

func TestJoinFailsIfAnyAgentTimesOut(t *testing.T) {
	b := memorybackend.New(nil)
	r := New(b, 10*time.Millisecond)
	ctx := context.Background()

	tagged, _ := envelope.Tag(echoResult{Echoed: "ready"})
	if err := r.SetResult(ctx, "ready-agent", tagged, time.Minute); err != nil {
		t.Fatalf("SetResult: %v", err)
	}

	_, err := r.Join(ctx, []string{"ready-agent", "never-arrives"}, 50*time.Millisecond)
	if !errors.Is(err, taskerr.ErrResultTimeout) {
		t.Fatalf("expected ErrResultTimeout, got %v", err)
	}
}

func TestWarnIfTTLTooShortDoesNotPanicWithoutLogger(t *testing.T) {
	WarnIfTTLTooShort(nil, time.Second, time.Minute)
}

func TestWarnIfTTLTooShortLogsWarning(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	WarnIfTTLTooShort(logger, time.Second, time.Minute)
}
