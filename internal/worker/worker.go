// Package worker is the Worker (spec.md §4.6): the loop that dequeues an
// envelope, hydrates it against the registry, and runs it through
// Task.execute.
//
// spec.md describes a worker as "a process (OS-level, not just a
// thread)" — a deliberate choice in the Python original to route around
// the GIL. Go's goroutines already give true parallelism without that
// workaround, so this module runs each worker as a goroutine rather than
// forking a child OS process; the isolation boundary spec.md cares about
// (a worker's own backend handle, its own blocking-pop loop, fatal
// errors killing only that worker) is preserved without the
// fork/exec/pickling machinery the original needed. Recorded as a
// resolved Open Question in DESIGN.md.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/agent-ci/agentexec-go/internal/activity"
	"github.com/agent-ci/agentexec-go/internal/backend"
	"github.com/agent-ci/agentexec-go/internal/envelope"
	"github.com/agent-ci/agentexec-go/internal/shared"
	"github.com/agent-ci/agentexec-go/internal/task"
	"github.com/agent-ci/agentexec-go/internal/taskdef"
)

// LogRecord is the shape a worker publishes onto the log fan-in channel
// (spec.md §4.8): level, message, timestamp, worker identity, trace id.
type LogRecord struct {
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	WorkerID  string    `json:"worker_id"`
	TraceID   string    `json:"trace_id"`
}

// pollTimeout bounds each blocking-pop attempt so the worker can observe
// the shutdown flag between attempts instead of blocking indefinitely.
const pollTimeout = 500 * time.Millisecond

// Worker drains one configured list, hydrating and executing envelopes
// against a shared, read-only task registry.
type Worker struct {
	ID              string
	ListName        string
	ShutdownFlagKey string
	LogChannel      string

	Backend  backend.Backend
	Registry *taskdef.Registry
	Executor *task.Executor
	Logger   *slog.Logger
}

func (w *Worker) publishLog(ctx context.Context, level, message string) {
	if w.Logger != nil {
		w.Logger.Log(ctx, slogLevel(level), message, "worker_id", w.ID, "trace_id", shared.TraceID(ctx))
	}
	record := LogRecord{Level: level, Message: message, Timestamp: time.Now().UTC(), WorkerID: w.ID, TraceID: shared.TraceID(ctx)}
	data, err := json.Marshal(record)
	if err != nil {
		return
	}
	// Fire-and-forget: a publish failure must not block task execution
	// (spec.md §4.8).
	_ = w.Backend.Publish(ctx, w.LogChannel, data)
}

func slogLevel(level string) slog.Level {
	switch level {
	case "error":
		return slog.LevelError
	case "warn":
		return slog.LevelWarn
	case "debug":
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}

func (w *Worker) shutdownRequested(ctx context.Context) bool {
	value, err := w.Backend.Get(ctx, w.ShutdownFlagKey)
	if err != nil {
		return false
	}
	return value != nil
}

// Run loops until the shutdown flag is set or ctx is canceled. A handler
// failure is recorded by Task.execute and never returned from here; only
// a fatal infrastructure error (backend unreachable, activity store
// unreachable) returns non-nil, which the pool treats as this worker's
// death.
func (w *Worker) Run(ctx context.Context) error {
	w.publishLog(ctx, "info", "worker started")
	defer w.publishLog(ctx, "info", "worker stopped")

	for {
		if ctx.Err() != nil {
			return nil
		}
		if w.shutdownRequested(ctx) {
			return nil
		}

		raw, err := w.Backend.BlockingPopTail(ctx, w.ListName, pollTimeout)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			w.publishLog(ctx, "error", "blocking pop failed: "+err.Error())
			return err
		}
		if raw == nil {
			continue
		}

		// Every envelope this worker picks up gets its own trace id,
		// carried on ctx so every log line emitted while handling it —
		// worker, executor, activity — can be correlated back to it
		// (the teacher's gateway and engine do the same at their own
		// unit-of-work boundary; a worker's unit of work is one
		// envelope).
		taskCtx := shared.WithTraceID(ctx, shared.NewTraceID())

		env, err := envelope.Deserialize(raw)
		if err != nil {
			w.publishLog(taskCtx, "error", "dropping undeserializable envelope: "+err.Error())
			continue
		}

		hydrated, err := w.Registry.Hydrate(env)
		if err != nil {
			w.publishLog(taskCtx, "error", "dropping unhydratable envelope "+env.AgentID+": "+err.Error())
			// spec.md §7: a SerializationError discovered during dequeue
			// still has a known agent_id and an existing Queued header
			// (written by the Queue Facade at enqueue time), so it gets
			// a terminal Error log here rather than being left Queued
			// forever.
			if appendErr := w.Executor.Activity.Append(taskCtx, env.AgentID, "dropped: "+err.Error(), activity.StatusError, nil); appendErr != nil {
				w.publishLog(taskCtx, "error", "failed to record drop for "+env.AgentID+": "+appendErr.Error())
			}
			continue
		}

		w.publishLog(taskCtx, "info", "executing "+env.TaskName+" "+env.AgentID)
		if err := w.Executor.Execute(taskCtx, hydrated); err != nil {
			w.publishLog(taskCtx, "error", "fatal executor error: "+err.Error())
			return err
		}
	}
}
