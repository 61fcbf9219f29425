package main

import (
	"context"
	"strings"

	"github.com/agent-ci/agentexec-go/internal/activity"
	"github.com/agent-ci/agentexec-go/internal/pipeline"
	"github.com/agent-ci/agentexec-go/internal/taskdef"
)


// echoInput/echoOutput are the smallest possible task pair: enough to
// exercise enqueue, dequeue, execution, and rendezvous without a real
// workload. Operators wiring a real agentexecd embed their own task
// packages and call taskdef.Register/pipeline.Register the same way.
type echoInput struct {
	Message string `json:"message"`
}

type echoOutput struct {
	Message string `json:"message"`
}

func echoHandler(_ context.Context, in echoInput) (echoOutput, error) {
	return echoOutput{Message: in.Message}, nil
}

type upperStep struct {
	Message string `json:"message"`
}

func uppercaseStep(_ context.Context, in echoInput) (upperStep, error) {
	return upperStep{Message: strings.ToUpper(in.Message)}, nil
}

func exclaimStep(_ context.Context, in upperStep) (echoOutput, error) {
	return echoOutput{Message: in.Message + "!"}, nil
}

// registerDemoTasks binds the echo handler and a two-step "shout"
// pipeline into registry. shout demonstrates internal/pipeline's
// descriptor binding: its context/result schemas are only known once
// AddStep has run, unlike echo's compile-time Register[C, R] binding.
func registerDemoTasks(registry *taskdef.Registry, store *activity.Store) error {
	if err := taskdef.Register(registry, "echo", taskdef.Handler[echoInput, echoOutput](echoHandler)); err != nil {
		return err
	}

	shout := pipeline.New("shout", store)
	if err := shout.AddStep(1, "uppercase", uppercaseStep); err != nil {
		return err
	}
	if err := shout.AddStep(2, "exclaim", exclaimStep); err != nil {
		return err
	}
	if _, err := shout.Register(registry, "shout"); err != nil {
		return err
	}
	return nil
}
