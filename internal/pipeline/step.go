package pipeline

import (
	"context"
	"fmt"
	"reflect"

	"github.com/agent-ci/agentexec-go/internal/taskerr"
)

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

// Step is one named, ordered unit of a Pipeline. Its handler's signature
// is reflected once, at AddStep time, into the parameter and return
// types the type-flow check later compares against its neighbors.
type Step struct {
	Order       int
	Description string

	fn          reflect.Value
	paramTypes  []reflect.Type
	returnTypes []reflect.Type
}

// newStep reflects handler's signature. handler must be a func whose
// first parameter is context.Context and whose last return value is
// error; every other parameter/return value participates in type-flow
// chaining.
func newStep(order int, description string, handler any) (Step, error) {
	fn := reflect.ValueOf(handler)
	if !fn.IsValid() || fn.Kind() != reflect.Func {
		return Step{}, fmt.Errorf("%w: step %q handler must be a function", taskerr.ErrPipelineType, description)
	}
	t := fn.Type()

	if t.NumIn() < 1 || t.In(0) != contextType {
		return Step{}, fmt.Errorf("%w: step %q handler's first parameter must be context.Context", taskerr.ErrPipelineType, description)
	}
	if t.NumOut() < 1 || t.Out(t.NumOut()-1) != errorType {
		return Step{}, fmt.Errorf("%w: step %q handler's last return value must be error", taskerr.ErrPipelineType, description)
	}

	paramTypes := make([]reflect.Type, 0, t.NumIn()-1)
	for i := 1; i < t.NumIn(); i++ {
		paramTypes = append(paramTypes, t.In(i))
	}
	returnTypes := make([]reflect.Type, 0, t.NumOut()-1)
	for i := 0; i < t.NumOut()-1; i++ {
		returnTypes = append(returnTypes, t.Out(i))
	}

	return Step{Order: order, Description: description, fn: fn, paramTypes: paramTypes, returnTypes: returnTypes}, nil
}

// call invokes the step with ctx followed by args, returning its
// non-error return values. The caller has already checked the trailing
// error return.
func (s Step) call(ctx context.Context, args []reflect.Value) ([]reflect.Value, error) {
	in := make([]reflect.Value, 0, len(args)+1)
	in = append(in, reflect.ValueOf(ctx))
	in = append(in, args...)

	out := s.fn.Call(in)
	errVal := out[len(out)-1]
	if !errVal.IsNil() {
		return nil, errVal.Interface().(error)
	}
	return out[:len(out)-1], nil
}
