// Package queue is the Queue Facade (spec.md §4.4): the single entry
// point a producer calls to enqueue a typed unit of work.
package queue

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/agent-ci/agentexec-go/internal/activity"
	"github.com/agent-ci/agentexec-go/internal/backend"
	"github.com/agent-ci/agentexec-go/internal/envelope"
	"github.com/agent-ci/agentexec-go/internal/taskdef"
	"github.com/agent-ci/agentexec-go/internal/taskerr"
)

// Priority selects which end of the backend's priority list an envelope
// is pushed onto.
type Priority int

const (
	Low Priority = iota
	High
)

// Queue is the facade producers call to enqueue tasks.
type Queue struct {
	Registry     *taskdef.Registry
	Activity     *activity.Store
	Backend      backend.Backend
	ListName     string
	QueuedMessage string
}

// New constructs a Queue. queuedMessage is the activity log message
// recorded for the initial Queued row (spec.md §5 Configuration).
func New(registry *taskdef.Registry, store *activity.Store, b backend.Backend, listName, queuedMessage string) *Queue {
	if queuedMessage == "" {
		queuedMessage = "Queued"
	}
	return &Queue{Registry: registry, Activity: store, Backend: b, ListName: listName, QueuedMessage: queuedMessage}
}

// Enqueue looks up taskName's descriptor, validates context by tagging it
// against the descriptor's own schema, mints an agent id, creates the
// activity header, serializes the envelope, and pushes it onto the
// configured list by priority. It returns the hydrated Task so the
// caller can later await its result by agent id.
//
// Steps 3-5 of spec.md §4.4 are not atomic: a crash between activity
// creation and the backend push leaves a stranded Queued activity that
// cancel_pending will later sweep. This is acceptable per spec.md.
func (q *Queue) Enqueue(ctx context.Context, taskName string, context_ envelope.Tagged, priority Priority, metadata map[string]string) (taskdef.Task, error) {
	descriptor, ok := q.Registry.Lookup(taskName)
	if !ok {
		return nil, taskerr.ErrUnknownTask
	}
	if context_.Schema != descriptor.ContextSchemaID() {
		return nil, fmt.Errorf("%w: context schema %q does not match %q registered for %q",
			taskerr.ErrSerialization, context_.Schema, descriptor.ContextSchemaID(), taskName)
	}

	agentID := uuid.NewString()
	if err := q.Activity.Create(ctx, agentID, taskName, q.QueuedMessage, metadata); err != nil {
		return nil, fmt.Errorf("create activity: %w", err)
	}

	env := envelope.Envelope{TaskName: taskName, Context: context_, AgentID: agentID}
	data, err := envelope.Serialize(env)
	if err != nil {
		return nil, err
	}

	if priority == High {
		err = q.Backend.PushFront(ctx, q.ListName, data)
	} else {
		err = q.Backend.PushBack(ctx, q.ListName, data)
	}
	if err != nil {
		return nil, fmt.Errorf("push envelope: %w", err)
	}

	return descriptor.Hydrate(env)
}

// Enqueue is the typed convenience entry point for producers that know
// the context type at the call site: it tags value and delegates to
// (*Queue).Enqueue, so a caller passing the wrong C for taskName fails
// the same schema-mismatch check as a dynamically built envelope would.
func Enqueue[C any](ctx context.Context, q *Queue, taskName string, value C, priority Priority, metadata map[string]string) (taskdef.Task, error) {
	tagged, err := envelope.Tag(value)
	if err != nil {
		return nil, err
	}
	return q.Enqueue(ctx, taskName, tagged, priority, metadata)
}
