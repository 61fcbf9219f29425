// Package pool is the Worker Pool (spec.md §4.7) and Log Fan-in (spec.md
// §4.8): it spawns workers, collects their log records onto the
// controlling process's own logger, and coordinates shutdown.
//
// Grounded on the worker lifecycle in
// original_source/src/agentexec/worker/pool.py's WorkerPool (start/run/
// shutdown, join-then-terminate escalation, trailing cancel_pending)
// translated from OS processes to goroutines (see internal/worker's
// package doc comment for why), and on the non-blocking, threshold-
// warned fan-in style of zkoranges-go-claw/internal/bus/bus.go.
package pool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agent-ci/agentexec-go/internal/activity"
	"github.com/agent-ci/agentexec-go/internal/backend"
	"github.com/agent-ci/agentexec-go/internal/task"
	"github.com/agent-ci/agentexec-go/internal/taskdef"
	"github.com/agent-ci/agentexec-go/internal/worker"
)

// Config holds the pool's fixed-at-start configuration (spec.md §5:
// configuration is reloadable only at process start).
type Config struct {
	PoolID          string
	ListName        string
	LogChannel      string
	WorkerCount     int
	ShutdownTimeout time.Duration
}

type workerHandle struct {
	handle *worker.Worker
	cancel context.CancelFunc
	done   chan error
}

// Pool spawns Config.WorkerCount workers over a shared registry, fans
// their logs into Logger, and coordinates graceful-then-forceful
// shutdown.
type Pool struct {
	Config   Config
	Registry *taskdef.Registry
	Backend  backend.Backend
	Activity *activity.Store
	Executor *task.Executor
	Logger   *slog.Logger

	mu       sync.Mutex
	handles  []*workerHandle
	allDone  chan struct{}
	started  bool
}

// New constructs a Pool. Register every task handler on registry before
// calling Start — registration after Start is not propagated to already
// running workers, per spec.md §4.7.
func New(cfg Config, registry *taskdef.Registry, b backend.Backend, store *activity.Store, executor *task.Executor, logger *slog.Logger) *Pool {
	return &Pool{Config: cfg, Registry: registry, Backend: b, Activity: store, Executor: executor, Logger: logger}
}

func (p *Pool) shutdownFlagKey() string {
	return "pool:" + p.Config.PoolID + ":shutdown"
}

// Start clears the shutdown flag and spawns Config.WorkerCount workers
// against ctx, returning immediately. ctx cancellation stops every
// worker.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return fmt.Errorf("pool %s already started", p.Config.PoolID)
	}

	if err := p.Backend.Delete(ctx, p.shutdownFlagKey()); err != nil {
		return fmt.Errorf("clear shutdown flag: %w", err)
	}

	handles := make([]*workerHandle, 0, p.Config.WorkerCount)
	for i := 0; i < p.Config.WorkerCount; i++ {
		wctx, cancel := context.WithCancel(ctx)
		w := &worker.Worker{
			ID:              fmt.Sprintf("%s-%d", p.Config.PoolID, i),
			ListName:        p.Config.ListName,
			ShutdownFlagKey: p.shutdownFlagKey(),
			LogChannel:      p.Config.LogChannel,
			Backend:         p.Backend,
			Registry:        p.Registry,
			Executor:        p.Executor,
			Logger:          p.Logger,
		}
		done := make(chan error, 1)
		go func(w *worker.Worker, wctx context.Context) { done <- w.Run(wctx) }(w, wctx)
		handles = append(handles, &workerHandle{handle: w, cancel: cancel, done: done})
	}
	p.handles = handles
	p.started = true

	allDone := make(chan struct{})
	go func() {
		for _, h := range handles {
			<-h.done
		}
		close(allDone)
	}()
	p.allDone = allDone

	return nil
}

// Run starts the pool, runs the log collector until ctx is canceled,
// then shuts down with Config.ShutdownTimeout.
func (p *Pool) Run(ctx context.Context) (int, error) {
	if err := p.Start(ctx); err != nil {
		return 0, err
	}
	p.collectLogs(ctx)
	return p.Shutdown(context.Background(), p.Config.ShutdownTimeout)
}

// collectLogs subscribes to the log channel and re-emits each record
// into Logger until ctx is canceled or every worker has exited.
// Publication upstream is fire-and-forget, so a dropped record here is
// acceptable and must never block a worker.
func (p *Pool) collectLogs(ctx context.Context) {
	ch, unsubscribe, err := p.Backend.Subscribe(ctx, p.Config.LogChannel)
	if err != nil {
		if p.Logger != nil {
			p.Logger.Error("log collector subscribe failed", "error", err.Error())
		}
		return
	}
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.allDone:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			p.reemit(msg)
		}
	}
}

func (p *Pool) reemit(msg []byte) {
	if p.Logger == nil {
		return
	}
	var record worker.LogRecord
	if err := json.Unmarshal(msg, &record); err != nil {
		return
	}
	p.Logger.Info(record.Message, "worker_id", record.WorkerID, "level", record.Level, "worker_timestamp", record.Timestamp, "trace_id", record.TraceID)
}

// Shutdown sets the shutdown flag, waits up to timeout for every worker
// to exit gracefully, escalates to forceful cancellation for survivors,
// then marks every still-pending activity Canceled in a fresh context.
// It returns the number of activities canceled.
func (p *Pool) Shutdown(ctx context.Context, timeout time.Duration) (int, error) {
	p.mu.Lock()
	handles := p.handles
	allDone := p.allDone
	p.mu.Unlock()

	if err := p.Backend.Set(ctx, p.shutdownFlagKey(), []byte("1"), 0); err != nil {
		return 0, fmt.Errorf("set shutdown flag: %w", err)
	}

	if allDone != nil {
		select {
		case <-allDone:
		case <-time.After(timeout):
			// Escalate: survivors get their context canceled outright.
			for _, h := range handles {
				select {
				case <-h.done:
				default:
					h.cancel()
				}
			}
			const forceJoinTimeout = 5 * time.Second
			select {
			case <-allDone:
			case <-time.After(forceJoinTimeout):
				if p.Logger != nil {
					p.Logger.Warn("worker pool shutdown: some workers did not exit after forceful cancellation")
				}
			}
		}
	}

	canceled, err := p.Activity.CancelPending(ctx)
	if err != nil {
		return 0, fmt.Errorf("cancel pending activities: %w", err)
	}
	return canceled, nil
}
