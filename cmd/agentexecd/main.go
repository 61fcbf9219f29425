// Command agentexecd is an example process wiring the Queue, Worker Pool,
// and Pipeline Engine together over a selectable backend. It replaces the
// teacher's chat-agent daemon with a task-execution daemon: "enqueue"
// submits work, "serve" runs the worker pool, "wait" blocks on a result.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/agent-ci/agentexec-go/internal/activity"
	"github.com/agent-ci/agentexec-go/internal/backend"
	"github.com/agent-ci/agentexec-go/internal/backend/memorybackend"
	"github.com/agent-ci/agentexec-go/internal/backend/sqlbackend"
	"github.com/agent-ci/agentexec-go/internal/config"
	"github.com/agent-ci/agentexec-go/internal/envelope"
	"github.com/agent-ci/agentexec-go/internal/otelx"
	"github.com/agent-ci/agentexec-go/internal/pool"
	"github.com/agent-ci/agentexec-go/internal/queue"
	"github.com/agent-ci/agentexec-go/internal/rendezvous"
	"github.com/agent-ci/agentexec-go/internal/task"
	"github.com/agent-ci/agentexec-go/internal/taskdef"
	"github.com/agent-ci/agentexec-go/internal/telemetry"
	"github.com/google/uuid"
)

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: %s [flags] <subcommand> [args]

SUBCOMMANDS:
  serve                 Run the worker pool until signaled or shut down
  enqueue <message>     Submit an echo task, print its agent id
  wait <agent-id>       Block until the given agent id's result appears

FLAGS:
`, os.Args[0])
	flag.PrintDefaults()
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(os.Stderr, `{"level":"ERROR","msg":"startup failure","reason_code":%q,"error":%q}`+"\n", reasonCode, message)
	}
	os.Exit(1)
}

func main() {
	configPath := flag.String("config", "", "path to config.yaml (optional; env overrides and defaults apply without it)")
	flag.Usage = printUsage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(2)
	}
	subcommand := strings.ToLower(strings.TrimSpace(args[0]))
	subargs := args[1:]

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger := telemetry.NewLogger(os.Stdout, cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	otelProvider, err := otelx.Init(ctx, cfg.Telemetry)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(ctx)

	b, closeBackend, err := openBackend(ctx, cfg, logger)
	if err != nil {
		fatalStartup(logger, "E_BACKEND_OPEN", err)
	}
	defer closeBackend()

	store, err := activity.Open(cfg.DatabasePath, cfg.TablePrefix)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()

	registry := taskdef.NewRegistry()
	if err := registerDemoTasks(registry, store); err != nil {
		fatalStartup(logger, "E_TASK_REGISTER", err)
	}

	rdv := rendezvous.New(b, cfg.WaitResultPollInterval)

	switch subcommand {
	case "help", "-h", "--help":
		printUsage()
	case "serve":
		runServe(ctx, cfg, registry, b, store, rdv, logger)
	case "enqueue":
		runEnqueue(ctx, cfg, registry, b, store, subargs, logger)
	case "wait":
		runWait(ctx, cfg, rdv, subargs, logger)
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", subcommand)
		printUsage()
		os.Exit(2)
	}
}

func openBackend(ctx context.Context, cfg config.Config, logger *slog.Logger) (backend.Backend, func(), error) {
	if strings.HasPrefix(cfg.BackendURL, "memory://") || cfg.BackendURL == "" {
		b := memorybackend.New(logger)
		return b, func() { _ = b.Close() }, nil
	}
	b, err := sqlbackend.Open(ctx, cfg.BackendURL, cfg.TablePrefix, logger)
	if err != nil {
		return nil, func() {}, err
	}
	return b, func() { _ = b.Close() }, nil
}

func runServe(ctx context.Context, cfg config.Config, registry *taskdef.Registry, b backend.Backend, store *activity.Store, rdv *rendezvous.Rendezvous, logger *slog.Logger) {
	executor := &task.Executor{
		Activity:   store,
		Rendezvous: rdv,
		Messages: task.Messages{
			Queued:   cfg.Messages.Queued,
			Complete: cfg.Messages.Complete,
			Error:    cfg.Messages.Error,
		},
		ResultTTL: cfg.ResultTTL,
	}

	p := pool.New(pool.Config{
		PoolID:          uuid.NewString(),
		ListName:        cfg.QueueName,
		LogChannel:      cfg.QueueName + ":logs",
		WorkerCount:     cfg.WorkerCount,
		ShutdownTimeout: cfg.GracefulShutdownTimeout,
	}, registry, b, store, executor, logger)

	logger.Info("agentexecd serving", "queue_name", cfg.QueueName, "worker_count", cfg.WorkerCount)
	canceled, err := p.Run(ctx)
	if err != nil {
		fatalStartup(logger, "E_POOL_RUN", err)
	}
	logger.Info("agentexecd stopped", "activities_canceled", canceled)
}

func runEnqueue(ctx context.Context, cfg config.Config, registry *taskdef.Registry, b backend.Backend, store *activity.Store, args []string, logger *slog.Logger) {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: agentexecd enqueue <message>")
		os.Exit(2)
	}
	q := queue.New(registry, store, b, cfg.QueueName, cfg.Messages.Queued)
	t, err := queue.Enqueue(ctx, q, "echo", echoInput{Message: strings.Join(args, " ")}, queue.Low, nil)
	if err != nil {
		fatalStartup(logger, "E_ENQUEUE", err)
	}
	fmt.Println(t.AgentID())
}

func runWait(ctx context.Context, cfg config.Config, rdv *rendezvous.Rendezvous, args []string, logger *slog.Logger) {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: agentexecd wait <agent-id>")
		os.Exit(2)
	}
	waitTimeout := 30 * time.Second
	rendezvous.WarnIfTTLTooShort(logger, cfg.ResultTTL, waitTimeout)
	tagged, err := rdv.Wait(ctx, args[0], waitTimeout)
	if err != nil {
		fatalStartup(logger, "E_WAIT_RESULT", err)
	}
	result, err := envelope.Untag[echoOutput](tagged)
	if err != nil {
		fatalStartup(logger, "E_RESULT_SCHEMA", err)
	}
	fmt.Println(result.Message)
}
