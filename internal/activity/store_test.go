package activity

import (
	"context"
	"errors"
	"testing"

	"github.com/agent-ci/agentexec-go/internal/taskerr"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("", "test_")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCreateAndDetail(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Create(ctx, "agent-1", "echo", "queued for run", map[string]string{"tenant": "acme"}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	detail, err := s.Detail(ctx, "agent-1", nil)
	if err != nil {
		t.Fatalf("Detail: %v", err)
	}
	if detail == nil {
		t.Fatal("expected detail, got nil")
	}
	if detail.AgentType != "echo" || len(detail.Logs) != 1 {
		t.Fatalf("unexpected detail: %+v", detail)
	}
	if detail.Logs[0].Status != StatusQueued {
		t.Fatalf("expected queued initial log, got %v", detail.Logs[0].Status)
	}
	if detail.Metadata["tenant"] != "acme" {
		t.Fatalf("expected tenant metadata, got %+v", detail.Metadata)
	}
}

func TestCreateDuplicateAgentFails(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Create(ctx, "agent-1", "echo", "queued", nil); err != nil {
		t.Fatalf("Create: %v", err)
	}
	err := s.Create(ctx, "agent-1", "echo", "queued again", nil)
	if !errors.Is(err, taskerr.ErrDuplicateAgent) {
		t.Fatalf("expected ErrDuplicateAgent, got %v", err)
	}
}

func TestAppendUnknownAgentFails(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.Append(ctx, "ghost", "hi", StatusRunning, nil)
	if !errors.Is(err, taskerr.ErrUnknownAgent) {
		t.Fatalf("expected ErrUnknownAgent, got %v", err)
	}
}

func TestDetailMetadataFilterIndistinguishable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Create(ctx, "agent-1", "echo", "queued", map[string]string{"tenant": "acme"}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	mismatch, err := s.Detail(ctx, "agent-1", map[string]string{"tenant": "other"})
	if err != nil {
		t.Fatalf("Detail: %v", err)
	}
	if mismatch != nil {
		t.Fatalf("expected nil on metadata mismatch, got %+v", mismatch)
	}

	missing, err := s.Detail(ctx, "does-not-exist", nil)
	if err != nil {
		t.Fatalf("Detail: %v", err)
	}
	if missing != nil {
		t.Fatalf("expected nil for missing agent, got %+v", missing)
	}

	match, err := s.Detail(ctx, "agent-1", map[string]string{"tenant": "acme"})
	if err != nil {
		t.Fatalf("Detail: %v", err)
	}
	if match == nil {
		t.Fatal("expected match with correct metadata filter")
	}
}

func TestCountActiveAndCancelPending(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Create(ctx, "agent-1", "echo", "queued", nil); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Create(ctx, "agent-2", "echo", "queued", nil); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Append(ctx, "agent-2", "running now", StatusRunning, nil); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := s.Create(ctx, "agent-3", "echo", "queued", nil); err != nil {
		t.Fatalf("Create: %v", err)
	}
	percent := 100
	if err := s.Append(ctx, "agent-3", "done", StatusComplete, &percent); err != nil {
		t.Fatalf("Append: %v", err)
	}

	active, err := s.CountActive(ctx)
	if err != nil {
		t.Fatalf("CountActive: %v", err)
	}
	if active != 2 {
		t.Fatalf("expected 2 active, got %d", active)
	}

	canceled, err := s.CancelPending(ctx)
	if err != nil {
		t.Fatalf("CancelPending: %v", err)
	}
	if canceled != 2 {
		t.Fatalf("expected 2 canceled, got %d", canceled)
	}

	active, err = s.CountActive(ctx)
	if err != nil {
		t.Fatalf("CountActive: %v", err)
	}
	if active != 0 {
		t.Fatalf("expected 0 active after cancel, got %d", active)
	}
}

func TestListOrdersActiveFirstThenByStartedAtDescending(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Create(ctx, "agent-1", "echo", "queued", nil); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Create(ctx, "agent-2", "echo", "queued", nil); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Append(ctx, "agent-2", "running now", StatusRunning, nil); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := s.Create(ctx, "agent-3", "echo", "queued", nil); err != nil {
		t.Fatalf("Create: %v", err)
	}
	percent := 100
	if err := s.Append(ctx, "agent-3", "done", StatusComplete, &percent); err != nil {
		t.Fatalf("Append: %v", err)
	}

	items, total, err := s.List(ctx, 1, 10, nil)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if total != 3 {
		t.Fatalf("expected total 3, got %d", total)
	}
	if len(items) != 3 {
		t.Fatalf("expected 3 items, got %d", len(items))
	}
	if items[0].AgentID != "agent-2" || items[0].Status != StatusRunning {
		t.Fatalf("expected running agent first, got %+v", items[0])
	}
	if items[1].AgentID != "agent-1" || items[1].Status != StatusQueued {
		t.Fatalf("expected queued agent second, got %+v", items[1])
	}
	if items[2].AgentID != "agent-3" || items[2].Status != StatusComplete {
		t.Fatalf("expected complete agent last, got %+v", items[2])
	}
}

func TestListMetadataFilterConjunction(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Create(ctx, "agent-1", "echo", "queued", map[string]string{"tenant": "acme", "region": "us"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Create(ctx, "agent-2", "echo", "queued", map[string]string{"tenant": "acme", "region": "eu"}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	items, total, err := s.List(ctx, 1, 10, map[string]string{"tenant": "acme", "region": "us"})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if total != 1 || len(items) != 1 || items[0].AgentID != "agent-1" {
		t.Fatalf("expected only agent-1 to match conjunction, got total=%d items=%+v", total, items)
	}
}
