// Package pipeline is the Pipeline Engine (spec.md §4.9): a named,
// ordered sequence of typed steps, statically chained by return-type to
// next-param-type compatibility, that executes as a single task.
//
// Grounded on original_source/src/agentexec/pipeline.py's Pipeline
// (sorted steps, _verify_type_flow, tuple-unpacking carry propagation,
// per-step "Started <description>" logging at floor(i/N*100)). The
// Python original infers a step's parameter/return types from
// get_type_hints on the decorated method; this package gets the same
// information from reflect.Type on the handler value passed to AddStep,
// which is the systems-language equivalent spec.md §9 calls for (no
// runtime type-hint introspection needed, reflect.TypeOf is exact).
//
// "Any totally ordered key — numeric or lexical" (spec.md §4.9) is
// narrowed to plain int here: Go has no natural "either comparable"
// union short of an ordered-by-string-or-int sum type, and every
// caller in this codebase and its examples orders steps numerically.
// A lexical ordering need can still be expressed by mapping names to
// integers before calling AddStep.
package pipeline

import (
	"context"
	"fmt"
	"reflect"
	"sort"

	"github.com/agent-ci/agentexec-go/internal/activity"
	"github.com/agent-ci/agentexec-go/internal/taskerr"
)

// Pipeline is a named, ordered collection of Steps bound to an Activity
// Store for per-step progress logging.
type Pipeline struct {
	Name     string
	Activity *activity.Store

	steps     []Step
	validated bool
}

// New creates an empty pipeline. Add steps with AddStep, then Validate
// (or let Register/Run validate lazily) before running it.
func New(name string, store *activity.Store) *Pipeline {
	return &Pipeline{Name: name, Activity: store}
}

// AddStep reflects handler's signature and appends it. Steps may be
// added in any order; Validate sorts by Order before checking type
// flow. AddStep fails once the pipeline has already been validated.
func (p *Pipeline) AddStep(order int, description string, handler any) error {
	if p.validated {
		return fmt.Errorf("%w: pipeline %s already validated, cannot add steps", taskerr.ErrPipelineType, p.Name)
	}
	step, err := newStep(order, description, handler)
	if err != nil {
		return err
	}
	p.steps = append(p.steps, step)
	return nil
}

func typeFlowsInto(from, to reflect.Type) bool {
	return from == to || from.AssignableTo(to)
}

// Validate sorts steps by Order and checks that every adjacent pair's
// return types flow into the next step's parameter types: arity must
// match, and each return type must be identical to or assignable to the
// corresponding parameter type. The final step must return exactly one
// struct value so it can be stored as a result.
func (p *Pipeline) Validate() error {
	if p.validated {
		return nil
	}
	if len(p.steps) == 0 {
		return fmt.Errorf("%w: pipeline %s has no steps", taskerr.ErrPipelineType, p.Name)
	}

	sort.SliceStable(p.steps, func(i, j int) bool { return p.steps[i].Order < p.steps[j].Order })

	for i := 0; i < len(p.steps)-1; i++ {
		ret := p.steps[i].returnTypes
		params := p.steps[i+1].paramTypes
		if len(ret) != len(params) {
			return fmt.Errorf("%w: pipeline %s: step %d (%s) returns %d value(s) but step %d (%s) takes %d parameter(s)",
				taskerr.ErrPipelineType, p.Name, i, p.steps[i].Description, len(ret), i+1, p.steps[i+1].Description, len(params))
		}
		for j := range ret {
			if !typeFlowsInto(ret[j], params[j]) {
				return fmt.Errorf("%w: pipeline %s: step %d (%s) return #%d (%s) does not flow into step %d (%s) parameter #%d (%s)",
					taskerr.ErrPipelineType, p.Name, i, p.steps[i].Description, j, ret[j], i+1, p.steps[i+1].Description, j, params[j])
			}
		}
	}

	last := p.steps[len(p.steps)-1]
	if len(last.returnTypes) != 1 || last.returnTypes[0].Kind() != reflect.Struct {
		return fmt.Errorf("%w: pipeline %s: final step must return exactly one struct value, got %d", taskerr.ErrPipelineType, p.Name, len(last.returnTypes))
	}

	p.validated = true
	return nil
}

// Run executes every step in order, starting from input. If the
// previous step's output was a tuple, its elements are mapped
// positionally onto the next step's named parameters; otherwise it is
// passed as the step's sole parameter. Before each step, an activity
// log "Started <description>" is appended at percentage =
// floor(i/N*100), when agentID is non-empty and p.Activity is set. The
// final carry is returned as the task's result.
func (p *Pipeline) Run(ctx context.Context, agentID string, input any) (any, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	carry := []reflect.Value{reflect.ValueOf(input)}
	total := len(p.steps)

	for i, step := range p.steps {
		if p.Activity != nil && agentID != "" {
			percentage := i * 100 / total
			// Best-effort: a logging failure here does not abort the
			// pipeline, mirroring Task.execute's per-task isolation —
			// only the final Task.execute call is the authority on
			// terminal success/failure for this agent id.
			_ = p.Activity.Append(ctx, agentID, "Started "+step.Description, activity.StatusRunning, &percentage)
		}

		out, err := step.call(ctx, carry)
		if err != nil {
			return nil, err
		}
		carry = out
	}

	return carry[0].Interface(), nil
}
