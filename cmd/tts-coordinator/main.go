// main package for the tts-coordinator
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-coordinator/internal/config"
	"github.com/book-expert/tts-coordinator/internal/fsutil"
)

// Log file names.
const (
	bootstrapLogName = "tts-coordinator-bootstrap.log"
	finalLogName     = "tts-coordinator.log"
)

// Subcommand names.
const (
	cmdRun          = "run"
	cmdResume       = "resume"
	cmdStatus       = "status"
	cmdAssemble     = "assemble"
	cmdDiscard      = "discard"
	cmdWorkers      = "workers"
	cmdWorkerBridge = "worker-bridge"
)

const usage = `Usage: tts-coordinator <command> [flags]

Commands:
  run            start or continue converting a document
  resume         continue an interrupted session by id
  status         list sessions, or show one session in detail
  assemble       mux a finished session into one audiobook
  discard        delete a session and its fragments
  workers        list | add | remove | test the worker registry
  worker-bridge  serve jobs from NATS on this machine
`

var (
	errUsage          = errors.New("invalid usage")
	errUnknownCommand = errors.New("unknown command")
)

func setupLogger(logPath, name string) (*logger.Logger, error) {
	log, err := logger.New(logPath, name)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	return log, nil
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	if len(args) == 0 {
		_, _ = fmt.Fprint(stdout, usage)

		return errUsage
	}

	// 1. Create a temporary logger for the bootstrap process
	bootstrapLog, err := setupLogger(os.TempDir(), bootstrapLogName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to create bootstrap logger: %v\n", err)

		return err
	}

	defer func() { _ = bootstrapLog.Close() }()

	// 2. Load configuration using the central configurator
	cfg, err := config.Load(bootstrapLog, fsutil.DataDir())
	if err != nil {
		bootstrapLog.Error("Failed to load configuration: %v", err)

		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// 3. Initialize the final logger based on the loaded configuration
	finalLog, err := setupLogger(cfg.Paths.BaseLogsDir, finalLogName)
	if err != nil {
		bootstrapLog.Error("Failed to create final logger: %v", err)

		return fmt.Errorf("failed to create final logger: %w", err)
	}

	defer func() {
		closeErr := finalLog.Close()
		if closeErr != nil {
			fmt.Fprintf(os.Stderr, "error closing final logger: %v\n", closeErr)
		}
	}()

	a, err := newApp(cfg, finalLog, stdout)
	if err != nil {
		return err
	}

	finalLog.System("tts-coordinator %s starting (data dir %s)", args[0], cfg.Paths.DataDir)

	return a.dispatch(ctx, args[0], args[1:])
}

func (a *app) dispatch(ctx context.Context, command string, args []string) error {
	switch command {
	case cmdRun:
		return a.cmdRun(ctx, args)
	case cmdResume:
		return a.cmdResume(ctx, args)
	case cmdStatus:
		return a.cmdStatus(ctx, args)
	case cmdAssemble:
		return a.cmdAssemble(ctx, args)
	case cmdDiscard:
		return a.cmdDiscard(ctx, args)
	case cmdWorkers:
		return a.cmdWorkers(ctx, args)
	case cmdWorkerBridge:
		return a.cmdWorkerBridge(ctx, args)
	default:
		_, _ = fmt.Fprint(a.out, usage)

		return fmt.Errorf("%w: %s", errUnknownCommand, command)
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	err := run(ctx, os.Args[1:], os.Stdout)

	stop()

	if err != nil {
		fmt.Fprintf(os.Stderr, "tts-coordinator exited with error: %v\n", err)
		os.Exit(1)
	}
}
