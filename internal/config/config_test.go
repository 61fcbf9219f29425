package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/agent-ci/agentexec-go/internal/taskerr"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.WorkerCount != 4 {
		t.Fatalf("expected default worker count 4, got %d", cfg.WorkerCount)
	}
	if cfg.QueueName == "" {
		t.Fatalf("expected non-empty default queue name")
	}
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := "worker_count: 8\nqueue_name: custom:tasks\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.WorkerCount != 8 {
		t.Fatalf("expected worker count 8, got %d", cfg.WorkerCount)
	}
	if cfg.QueueName != "custom:tasks" {
		t.Fatalf("expected custom:tasks, got %s", cfg.QueueName)
	}
}

func TestEnvOverridesWinOverYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("worker_count: 8\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("AGENTEXEC_WORKER_COUNT", "16")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.WorkerCount != 16 {
		t.Fatalf("expected env override 16, got %d", cfg.WorkerCount)
	}
}

func TestLoadRejectsInvalidWorkerCount(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("worker_count: -1\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	_, err := Load(path)
	if !errors.Is(err, taskerr.ErrBadConfig) {
		t.Fatalf("expected ErrBadConfig, got %v", err)
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/agentexec.yaml")
	if !errors.Is(err, taskerr.ErrBadConfig) {
		t.Fatalf("expected ErrBadConfig, got %v", err)
	}
}
