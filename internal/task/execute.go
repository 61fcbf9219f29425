// Package task implements the Task.execute contract (spec.md §4.6): the
// heart of the worker loop. A handler failure is recorded and swallowed
// so the worker keeps draining the queue; an infrastructure failure
// (activity store or rendezvous unreachable) propagates so the worker
// loop can treat it as fatal, per spec.md §4.6's fatal/per-task split.
package task

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/agent-ci/agentexec-go/internal/activity"
	"github.com/agent-ci/agentexec-go/internal/rendezvous"
	"github.com/agent-ci/agentexec-go/internal/taskdef"
)

// Messages are the configurable activity log templates (spec.md §5
// Configuration: "default activity messages (queued / complete / error,
// the last supporting an {error} template substitution)"). Queued is
// used by the Queue Facade at enqueue time, not here.
type Messages struct {
	Queued   string
	Complete string
	Error    string
}

const defaultRunningMessage = "Running"

// Executor runs hydrated tasks to completion against an Activity Store
// and a Result Rendezvous.
type Executor struct {
	Activity   *activity.Store
	Rendezvous *rendezvous.Rendezvous
	Messages   Messages
	ResultTTL  time.Duration
}

func formatErrorMessage(template string, err error) string {
	if template == "" {
		template = "error: {error}"
	}
	return strings.ReplaceAll(template, "{error}", err.Error())
}

func intPtr(v int) *int { return &v }

// Execute runs t to completion:
//  1. appends a Running log at 0%;
//  2. invokes the handler;
//  3. on success, stores the result and appends a terminal Complete log
//     at 100%;
//  4. on handler error, appends a terminal Error log and returns nil —
//     the failure is recorded, never propagated.
//
// A non-nil return from Execute means the activity store or rendezvous
// itself failed, a fatal condition for the calling worker.
func (e *Executor) Execute(ctx context.Context, t taskdef.Task) error {
	agentID := t.AgentID()

	if err := e.Activity.Append(ctx, agentID, defaultRunningMessage, activity.StatusRunning, intPtr(0)); err != nil {
		return fmt.Errorf("append running log: %w", err)
	}

	result, runErr := t.Run(ctx)
	if runErr != nil {
		message := formatErrorMessage(e.Messages.Error, runErr)
		if err := e.Activity.Append(ctx, agentID, message, activity.StatusError, nil); err != nil {
			return fmt.Errorf("append error log: %w", err)
		}
		return nil
	}

	if err := e.Rendezvous.SetResult(ctx, agentID, result, e.ResultTTL); err != nil {
		return fmt.Errorf("store result: %w", err)
	}

	complete := e.Messages.Complete
	if complete == "" {
		complete = "Complete"
	}
	if err := e.Activity.Append(ctx, agentID, complete, activity.StatusComplete, intPtr(100)); err != nil {
		return fmt.Errorf("append complete log: %w", err)
	}
	return nil
}
