package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/agent-ci/agentexec-go/internal/envelope"
	"github.com/agent-ci/agentexec-go/internal/taskdef"
	"github.com/agent-ci/agentexec-go/internal/taskerr"
)

// descriptor binds a validated Pipeline into the taskdef.Descriptor
// shape so it can be registered and hydrated exactly like an ordinary
// handler (spec.md §4.9 "Binding"). Its context/result schemas come
// from the first step's parameter type and the last step's return
// type, discovered via reflection rather than Go generics, because a
// pipeline's shape is only known once its steps have been assembled at
// runtime (see internal/taskdef.Registry.RegisterDescriptor).
type descriptor struct {
	pipeline *Pipeline
	name     string
}

// Register validates p and registers it under name, returning the
// descriptor so cmd-level wiring can inspect its schemas if needed. name
// is the "derived name" spec.md mentions a bound pipeline auto-registers
// itself under.
func (p *Pipeline) Register(registry *taskdef.Registry, name string) (taskdef.Descriptor, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	d := &descriptor{pipeline: p, name: name}
	if err := registry.RegisterDescriptor(name, d); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *descriptor) Name() string { return d.name }

func (d *descriptor) ContextSchemaID() string {
	return d.pipeline.steps[0].paramTypes[0].String()
}

func (d *descriptor) ResultSchemaID() string {
	last := d.pipeline.steps[len(d.pipeline.steps)-1]
	return last.returnTypes[0].String()
}

func (d *descriptor) Hydrate(env envelope.Envelope) (taskdef.Task, error) {
	if env.Context.Schema != d.ContextSchemaID() {
		return nil, fmt.Errorf("%w: pipeline %s: context schema %q does not match expected %q",
			taskerr.ErrSerialization, d.name, env.Context.Schema, d.ContextSchemaID())
	}

	paramType := d.pipeline.steps[0].paramTypes[0]
	ptr := reflect.New(paramType)
	if err := json.Unmarshal(env.Context.Data, ptr.Interface()); err != nil {
		return nil, fmt.Errorf("%w: pipeline %s: unmarshal context: %v", taskerr.ErrSerialization, d.name, err)
	}

	return &pipelineTask{
		descriptor: d,
		agentID:    env.AgentID,
		input:      ptr.Elem().Interface(),
	}, nil
}

// pipelineTask is the runnable Task a descriptor.Hydrate produces.
type pipelineTask struct {
	descriptor *descriptor
	agentID    string
	input      any
}

func (t *pipelineTask) Name() string    { return t.descriptor.name }
func (t *pipelineTask) AgentID() string { return t.agentID }

func (t *pipelineTask) Run(ctx context.Context) (envelope.Tagged, error) {
	result, err := t.descriptor.pipeline.Run(ctx, t.agentID, t.input)
	if err != nil {
		return envelope.Tagged{}, err
	}
	data, err := json.Marshal(result)
	if err != nil {
		return envelope.Tagged{}, fmt.Errorf("%w: pipeline %s: marshal result: %v", taskerr.ErrSerialization, t.descriptor.name, err)
	}
	return envelope.Tagged{Schema: t.descriptor.ResultSchemaID(), Data: data}, nil
}
