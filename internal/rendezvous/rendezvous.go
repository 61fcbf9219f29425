// Package rendezvous is the Result Rendezvous (spec.md §4.5): a durable,
// TTL'd slot under result:<agent_id> that a handler's return value is
// written to once, and that one or many awaiters can poll for.
//
// Grounded on original_source/src/agentexec/state/backend.py's
// aget/aset pair plus spec.md §4.5's explicit poll interval and join
// semantics.
package rendezvous

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/agent-ci/agentexec-go/internal/backend"
	"github.com/agent-ci/agentexec-go/internal/envelope"
	"github.com/agent-ci/agentexec-go/internal/taskerr"
)

// WarnIfTTLTooShort logs a warning when resultTTL is shorter than
// waitTimeout: a result could expire before a concurrent Wait call's
// deadline, producing a false ResultTimeout even though the handler
// succeeded. spec.md §9 leaves clamping vs. warning to the
// implementation; this module warns and leaves the caller's explicit
// timeout authoritative rather than silently shortening it.
func WarnIfTTLTooShort(logger *slog.Logger, resultTTL, waitTimeout time.Duration) {
	if logger == nil || resultTTL <= 0 || waitTimeout <= 0 {
		return
	}
	if resultTTL < waitTimeout {
		logger.Warn("result_ttl_shorter_than_wait_timeout",
			"result_ttl", resultTTL.String(),
			"wait_timeout", waitTimeout.String(),
		)
	}
}

// DefaultPollInterval is used when Rendezvous is constructed with a
// zero poll interval.
const DefaultPollInterval = 500 * time.Millisecond

// Rendezvous is the result slot backed by a State Backend's KV store.
type Rendezvous struct {
	backend      backend.Backend
	pollInterval time.Duration
}

// New creates a Rendezvous over backend b. A pollInterval <= 0 uses
// DefaultPollInterval.
func New(b backend.Backend, pollInterval time.Duration) *Rendezvous {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &Rendezvous{backend: b, pollInterval: pollInterval}
}

// SetResult schema-tags, serializes, and stores value under
// result:<agentID> with ttl. Idempotent last-writer-wins.
func (r *Rendezvous) SetResult(ctx context.Context, agentID string, value envelope.Tagged, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("%w: marshal result: %v", taskerr.ErrSerialization, err)
	}
	if err := r.backend.Set(ctx, envelope.ResultKey(agentID), data, ttl); err != nil {
		return fmt.Errorf("store result: %w", err)
	}
	return nil
}

// Wait polls for the result of agentID at the configured poll interval
// until it appears, ctx is canceled, or timeout elapses. timeout <= 0
// means no deadline.
func (r *Rendezvous) Wait(ctx context.Context, agentID string, timeout time.Duration) (envelope.Tagged, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	key := envelope.ResultKey(agentID)
	for {
		data, err := r.backend.Get(ctx, key)
		if err != nil {
			return envelope.Tagged{}, fmt.Errorf("get result: %w", err)
		}
		if data != nil {
			var tagged envelope.Tagged
			if err := json.Unmarshal(data, &tagged); err != nil {
				return envelope.Tagged{}, fmt.Errorf("%w: unmarshal result: %v", taskerr.ErrSerialization, err)
			}
			return tagged, nil
		}

		if !deadline.IsZero() && time.Now().After(deadline) {
			return envelope.Tagged{}, taskerr.ErrResultTimeout
		}

		select {
		case <-ctx.Done():
			return envelope.Tagged{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// joinResult pairs a Wait outcome with its input position so Join can
// return results in input order despite resolving them concurrently.
type joinResult struct {
	index int
	value envelope.Tagged
	err   error
}

// Join waits for every agentID in parallel and returns their results in
// input order. If any one fails with ResultTimeout (or any other error),
// the whole join fails; already-ready results are not cached back to the
// caller.
func (r *Rendezvous) Join(ctx context.Context, agentIDs []string, timeout time.Duration) ([]envelope.Tagged, error) {
	results := make(chan joinResult, len(agentIDs))
	for i, agentID := range agentIDs {
		go func(i int, agentID string) {
			value, err := r.Wait(ctx, agentID, timeout)
			results <- joinResult{index: i, value: value, err: err}
		}(i, agentID)
	}

	values := make([]envelope.Tagged, len(agentIDs))
	var firstErr error
	for range agentIDs {
		res := <-results
		if res.err != nil && firstErr == nil {
			firstErr = res.err
		}
		values[res.index] = res.value
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return values, nil
}
