package main

import (
	"context"
	"testing"

	"github.com/agent-ci/agentexec-go/internal/activity"
	"github.com/agent-ci/agentexec-go/internal/envelope"
	"github.com/agent-ci/agentexec-go/internal/taskdef"
)

func TestRegisterDemoTasksBindsEchoAndShout(t *testing.T) {
	store, err := activity.Open("", "test_")
	if err != nil {
		t.Fatalf("activity.Open: %v", err)
	}
	defer store.Close()

	registry := taskdef.NewRegistry()
	if err := registerDemoTasks(registry, store); err != nil {
		t.Fatalf("registerDemoTasks: %v", err)
	}

	if _, ok := registry.Lookup("echo"); !ok {
		t.Fatalf("expected echo to be registered")
	}
	if _, ok := registry.Lookup("shout"); !ok {
		t.Fatalf("expected shout to be registered")
	}
}

func TestShoutPipelineRunsBothSteps(t *testing.T) {
	store, err := activity.Open("", "test_")
	if err != nil {
		t.Fatalf("activity.Open: %v", err)
	}
	defer store.Close()

	registry := taskdef.NewRegistry()
	if err := registerDemoTasks(registry, store); err != nil {
		t.Fatalf("registerDemoTasks: %v", err)
	}

	ctx := context.Background()
	if err := store.Create(ctx, "agent-shout", "shout", "queued", nil); err != nil {
		t.Fatalf("Create: %v", err)
	}

	tagged, err := envelope.Tag(echoInput{Message: "hi"})
	if err != nil {
		t.Fatalf("Tag: %v", err)
	}
	env := envelope.Envelope{TaskName: "shout", Context: tagged, AgentID: "agent-shout"}

	task, err := registry.Hydrate(env)
	if err != nil {
		t.Fatalf("Hydrate: %v", err)
	}
	resultTagged, err := task.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	result, err := envelope.Untag[echoOutput](resultTagged)
	if err != nil {
		t.Fatalf("Untag: %v", err)
	}
	if result.Message != "HI!" {
		t.Fatalf("expected HI!, got %q", result.Message)
	}
}
