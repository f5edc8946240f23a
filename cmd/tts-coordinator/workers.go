package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/book-expert/tts-coordinator/internal/registry"
	"github.com/book-expert/tts-coordinator/internal/report"
	"github.com/book-expert/tts-coordinator/internal/worker"
)

// workers subcommands.
const (
	workersList   = "list"
	workersAdd    = "add"
	workersRemove = "remove"
	workersTest   = "test"
)

// Worker flag names and descriptions.
const (
	flagName       = "name"
	flagHost       = "host"
	flagPort       = "port"
	flagUser       = "user"
	flagCredential = "credential"
	flagTransport  = "transport"
	flagPriority   = "priority"
	flagMaxJobs    = "max-jobs"
	flagTimeout    = "timeout"
	flagPrefix     = "prefix"
	flagHome       = "home"
	flagBinary     = "binary"

	flagNameDesc       = "Unique worker name"
	flagHostDesc       = "Worker host name or address"
	flagPortDesc       = "SSH port"
	flagUserDesc       = "SSH user"
	flagCredentialDesc = "Private key path, or env:VAR holding a password"
	flagTransportDesc  = "Transport: ssh or nats"
	flagPriorityDesc   = "Scheduling priority, lower is preferred"
	flagMaxJobsDesc    = "Concurrent jobs (0 uses the registry default)"
	flagTimeoutDesc    = "Per-job timeout in seconds (0 uses the registry default)"
	flagPrefixDesc     = "NATS subject prefix"
	flagHomeDesc       = "Worker home directory (defaults to $HOME)"
	flagBinaryDesc     = "Local worker CLI"

	msgWorkerAdded   = "Added worker %s\n"
	msgWorkerRemoved = "Removed worker %s\n"
	msgProbeFailed   = "%s: %v\n"
	errMsgWorkersSub = "expected one of list, add, remove, test"
	errMsgWorkerName = "--name and --host are required"
	errMsgBridgeName = "--name is required"
	errMsgRemoveName = "a worker name is required"
)

func (a *app) cmdWorkers(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("%w: %s", errUsage, errMsgWorkersSub)
	}

	switch args[0] {
	case workersList:
		return a.workersList()
	case workersAdd:
		return a.workersAdd(args[1:])
	case workersRemove:
		return a.workersRemove(args[1:])
	case workersTest:
		return a.workersTest(ctx, args[1:])
	default:
		return fmt.Errorf("%w: %s", errUsage, errMsgWorkersSub)
	}
}

func (a *app) workersList() error {
	file, err := a.loadRegistryFile()
	if err != nil {
		return err
	}

	reg, err := file.Registry()
	if err != nil {
		return err
	}

	return report.WriteWorkers(a.out, reg.List())
}

func (a *app) workersAdd(args []string) error {
	fs := newFlagSet(workersAdd)
	name := fs.String(flagName, "", flagNameDesc)
	host := fs.String(flagHost, "", flagHostDesc)
	port := fs.Int(flagPort, registry.DefaultSSHPort, flagPortDesc)
	user := fs.String(flagUser, "", flagUserDesc)
	credential := fs.String(flagCredential, "", flagCredentialDesc)
	transport := fs.String(flagTransport, "", flagTransportDesc)
	priority := fs.Int(flagPriority, registry.DefaultPriority, flagPriorityDesc)
	maxJobs := fs.Int(flagMaxJobs, 0, flagMaxJobsDesc)
	timeoutSeconds := fs.Int(flagTimeout, 0, flagTimeoutDesc)

	err := fs.Parse(args)
	if err != nil {
		return err
	}

	if *name == "" || *host == "" {
		return fmt.Errorf("%w: %s", errUsage, errMsgWorkerName)
	}

	entry := registry.FileWorker{
		Name:              *name,
		Host:              *host,
		Port:              *port,
		User:              *user,
		CredentialRef:     *credential,
		Transport:         *transport,
		Priority:          *priority,
		MaxConcurrentJobs: nil,
		JobTimeoutSeconds: nil,
	}

	if *maxJobs > 0 {
		entry.MaxConcurrentJobs = maxJobs
	}

	if *timeoutSeconds > 0 {
		entry.JobTimeoutSeconds = timeoutSeconds
	}

	file, err := a.loadRegistryFile()
	if err != nil {
		return err
	}

	err = file.AddWorker(entry)
	if err != nil {
		return err
	}

	err = registry.SaveFile(a.cfg.Paths.WorkersFile, file)
	if err != nil {
		return err
	}

	a.log.Info("Worker %s added at %s", *name, *host)
	_, _ = fmt.Fprintf(a.out, msgWorkerAdded, *name)

	return nil
}

func (a *app) workersRemove(args []string) error {
	fs := newFlagSet(workersRemove)

	err := fs.Parse(args)
	if err != nil {
		return err
	}

	if fs.NArg() != 1 {
		return fmt.Errorf("%w: %s", errUsage, errMsgRemoveName)
	}

	name := fs.Arg(0)

	file, err := a.loadRegistryFile()
	if err != nil {
		return err
	}

	err = file.RemoveWorker(name)
	if err != nil {
		return err
	}

	err = registry.SaveFile(a.cfg.Paths.WorkersFile, file)
	if err != nil {
		return err
	}

	a.log.Info("Worker %s removed", name)
	_, _ = fmt.Fprintf(a.out, msgWorkerRemoved, name)

	return nil
}

// workersTest probes the named workers, or all of them, and prints the
// refreshed registry.
func (a *app) workersTest(ctx context.Context, names []string) error {
	link, err := a.connectNATS()
	if err != nil {
		return err
	}

	defer link.Close()

	workers, err := a.openFleet(link)
	if err != nil {
		return err
	}

	defer workers.Close()

	failures := make(map[string]error)

	if len(names) == 0 {
		failures = workers.prober.ProbeAll(ctx)
	} else {
		for _, name := range names {
			probeErr := workers.prober.Probe(ctx, name)
			if probeErr != nil {
				failures[name] = probeErr
			}
		}
	}

	failed := make([]string, 0, len(failures))
	for name, probeErr := range failures {
		if probeErr != nil {
			failed = append(failed, name)
		}
	}

	sort.Strings(failed)

	for _, name := range failed {
		_, _ = fmt.Fprintf(a.out, msgProbeFailed, name, failures[name])
	}

	return report.WriteWorkers(a.out, workers.reg.List())
}

// cmdWorkerBridge serves NATS-transport jobs on this machine by driving the
// local worker CLI.
func (a *app) cmdWorkerBridge(ctx context.Context, args []string) error {
	fs := newFlagSet(cmdWorkerBridge)
	name := fs.String(flagName, "", flagNameDesc)
	prefix := fs.String(flagPrefix, a.cfg.NATS.TransportSubjectPrefix, flagPrefixDesc)
	home := fs.String(flagHome, "", flagHomeDesc)
	binary := fs.String(flagBinary, worker.DefaultBinary, flagBinaryDesc)
	timeoutSeconds := fs.Int(flagTimeout, a.cfg.Coordinator.JobTimeoutSeconds, flagTimeoutDesc)

	err := fs.Parse(args)
	if err != nil {
		return err
	}

	if *name == "" {
		return fmt.Errorf("%w: %s", errUsage, errMsgBridgeName)
	}

	link, err := a.connectNATS()
	if err != nil {
		return err
	}

	if link == nil {
		return errNATSRequired
	}

	defer link.Close()

	workerHome := *home
	if workerHome == "" {
		workerHome, err = os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("resolve worker home: %w", err)
		}
	}

	bridge, err := worker.NewNatsWorker(link.conn, link.files, worker.NewExecRunner(*binary, workerHome, a.log), worker.Config{
		Name:       *name,
		Prefix:     *prefix,
		Home:       workerHome,
		JobTimeout: time.Duration(*timeoutSeconds) * time.Second,
	}, a.log)
	if err != nil {
		return err
	}

	a.log.System("Worker bridge %s serving on %s.%s.*", *name, *prefix, *name)

	return bridge.Run(ctx)
}
