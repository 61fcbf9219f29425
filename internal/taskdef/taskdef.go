// Package taskdef is the Task Descriptor & Registry (spec.md §4.3).
//
// The distilled spec describes registration as reflecting a handler's
// signature to recover its context and result types. The Python original
// needs that reflection because the language erases types at runtime;
// Go does not, so registration here binds the context and result types
// explicitly as generic type parameters (spec.md §9 design note, resolved
// in DESIGN.md) instead of inspecting a handler value at runtime. The
// BadHandlerSignature failure mode survives for the cases reflection
// can't prevent at compile time: an empty task name, a nil handler, a
// context or result type that isn't a structured record, or registering
// the same name twice.
package taskdef

import (
	"context"
	"reflect"
	"sync"

	"github.com/agent-ci/agentexec-go/internal/envelope"
	"github.com/agent-ci/agentexec-go/internal/taskerr"
)

// Handler is the shape every registered task implements: it receives the
// validated context and returns a result or an error.
type Handler[C any, R any] func(ctx context.Context, taskCtx C) (R, error)

// Task is a hydrated, runnable unit of work bound to one agent id.
type Task interface {
	Name() string
	AgentID() string
	// Run invokes the handler and returns the schema-tagged result.
	// It returns the handler's error unwrapped — callers are responsible
	// for turning it into an Error activity log line (internal/task).
	Run(ctx context.Context) (envelope.Tagged, error)
}

// Descriptor is the registered shape of one task name: its schemas and
// the ability to hydrate a wire envelope into a runnable Task.
type Descriptor interface {
	Name() string
	ContextSchemaID() string
	ResultSchemaID() string
	Hydrate(env envelope.Envelope) (Task, error)
}

type taskImpl[C any, R any] struct {
	name    string
	agentID string
	handler Handler[C, R]
	input   C
}

func (t *taskImpl[C, R]) Name() string    { return t.name }
func (t *taskImpl[C, R]) AgentID() string { return t.agentID }

func (t *taskImpl[C, R]) Run(ctx context.Context) (envelope.Tagged, error) {
	result, err := t.handler(WithAgentID(ctx, t.agentID), t.input)
	if err != nil {
		return envelope.Tagged{}, err
	}
	return envelope.Tag(result)
}

type agentIDContextKey struct{}

// WithAgentID binds agentID into ctx for the duration of one task's
// execution.
func WithAgentID(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, agentIDContextKey{}, agentID)
}

// AgentIDFromContext recovers the agent id bound to the task currently
// executing in ctx. Handlers that need to log their own sub-progress
// (notably internal/pipeline, which logs one activity row per step) use
// this instead of threading agentID through every handler signature.
func AgentIDFromContext(ctx context.Context) (string, bool) {
	agentID, ok := ctx.Value(agentIDContextKey{}).(string)
	return agentID, ok
}

type descriptorImpl[C any, R any] struct {
	name    string
	handler Handler[C, R]
}

func (d *descriptorImpl[C, R]) Name() string            { return d.name }
func (d *descriptorImpl[C, R]) ContextSchemaID() string { return envelope.SchemaID[C]() }
func (d *descriptorImpl[C, R]) ResultSchemaID() string  { return envelope.SchemaID[R]() }

func (d *descriptorImpl[C, R]) Hydrate(env envelope.Envelope) (Task, error) {
	input, err := envelope.Untag[C](env.Context)
	if err != nil {
		return nil, err
	}
	return &taskImpl[C, R]{name: d.name, agentID: env.AgentID, handler: d.handler, input: input}, nil
}

// Registry holds every registered task descriptor, keyed by task name.
type Registry struct {
	mu          sync.RWMutex
	descriptors map[string]Descriptor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{descriptors: make(map[string]Descriptor)}
}

func isStructType[T any]() bool {
	var zero T
	t := reflect.TypeOf(zero)
	return t != nil && t.Kind() == reflect.Struct
}

// Register binds handler under name. It fails with BadHandlerSignature if
// name is empty, handler is nil, C or R is not a structured record type,
// or name is already registered.
func Register[C any, R any](r *Registry, name string, handler Handler[C, R]) error {
	if name == "" || handler == nil {
		return taskerr.ErrBadHandlerSignature
	}
	if !isStructType[C]() || !isStructType[R]() {
		return taskerr.ErrBadHandlerSignature
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.descriptors[name]; exists {
		return taskerr.ErrBadHandlerSignature
	}
	r.descriptors[name] = &descriptorImpl[C, R]{name: name, handler: handler}
	return nil
}

// RegisterDescriptor inserts a pre-built Descriptor under name. It exists
// for callers that cannot express their context/result types as Go type
// parameters at the registration call site — notably internal/pipeline,
// whose step chain (and therefore its input/output types) is only known
// once its steps have been assembled at runtime. Register[C, R] remains
// the preferred path for ordinary handlers.
func (r *Registry) RegisterDescriptor(name string, d Descriptor) error {
	if name == "" || d == nil {
		return taskerr.ErrBadHandlerSignature
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.descriptors[name]; exists {
		return taskerr.ErrBadHandlerSignature
	}
	r.descriptors[name] = d
	return nil
}

// Lookup returns the descriptor registered under name.
func (r *Registry) Lookup(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.descriptors[name]
	return d, ok
}

// Hydrate looks up env.TaskName and binds env into a runnable Task,
// failing with UnknownTask if no descriptor is registered under that
// name.
func (r *Registry) Hydrate(env envelope.Envelope) (Task, error) {
	d, ok := r.Lookup(env.TaskName)
	if !ok {
		return nil, taskerr.ErrUnknownTask
	}
	return d.Hydrate(env)
}
