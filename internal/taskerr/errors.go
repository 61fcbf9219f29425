// Package taskerr defines the sentinel error taxonomy shared across the
// task-execution substrate (queue, activity store, worker, pipeline).
package taskerr

import "errors"

var (
	// ErrUnknownTask is returned when enqueue or hydrate references a task
	// name that was never registered.
	ErrUnknownTask = errors.New("taskerr: unknown task")

	// ErrUnknownAgent is returned when an activity operation references an
	// agent_id with no header row.
	ErrUnknownAgent = errors.New("taskerr: unknown agent")

	// ErrDuplicateAgent is returned when Create is called with an agent_id
	// that already has a header row.
	ErrDuplicateAgent = errors.New("taskerr: duplicate agent")

	// ErrBadHandlerSignature is returned at registration when a handler's
	// context or result type is not a structured record type.
	ErrBadHandlerSignature = errors.New("taskerr: bad handler signature")

	// ErrSerialization is returned when an envelope or result cannot be
	// tagged or untagged (unknown schema id, malformed payload).
	ErrSerialization = errors.New("taskerr: serialization error")

	// ErrResultTimeout is returned by wait_result/join when the configured
	// deadline elapses before a value appears.
	ErrResultTimeout = errors.New("taskerr: result timeout")

	// ErrPipelineType is returned at pipeline bind time (or first run) when
	// adjacent step types do not connect.
	ErrPipelineType = errors.New("taskerr: pipeline type mismatch")

	// ErrBackendUnavailable is terminal for the affected worker; it is
	// never caught by Task.Execute and propagates out of the worker loop.
	ErrBackendUnavailable = errors.New("taskerr: backend unavailable")

	// ErrBadConfig is returned when configuration fails to load or
	// validate at process start.
	ErrBadConfig = errors.New("taskerr: bad config")
)
