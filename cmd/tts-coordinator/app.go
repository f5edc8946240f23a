package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-coordinator/internal/assembler"
	"github.com/book-expert/tts-coordinator/internal/config"
	"github.com/book-expert/tts-coordinator/internal/connection"
	"github.com/book-expert/tts-coordinator/internal/coordinator"
	"github.com/book-expert/tts-coordinator/internal/journal"
	"github.com/book-expert/tts-coordinator/internal/metrics"
	"github.com/book-expert/tts-coordinator/internal/natstransport"
	"github.com/book-expert/tts-coordinator/internal/notify"
	"github.com/book-expert/tts-coordinator/internal/objectstore"
	"github.com/book-expert/tts-coordinator/internal/registry"
	"github.com/book-expert/tts-coordinator/internal/session"
	"github.com/book-expert/tts-coordinator/internal/sshtransport"
	"github.com/nats-io/nats.go"
)

const (
	serviceName  = "tts-coordinator"
	natsConnName = "tts-coordinator"
)

var errNATSRequired = errors.New("this command needs [nats] url to be configured")

// app holds what every subcommand shares.
type app struct {
	cfg   *config.Config
	log   *logger.Logger
	store *session.Store
	out   io.Writer
}

func newApp(cfg *config.Config, log *logger.Logger, out io.Writer) (*app, error) {
	store, err := session.NewStore(cfg.Paths.DataDir, log)
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}

	return &app{cfg: cfg, log: log, store: store, out: out}, nil
}

// natsLink is an open NATS connection and its audio bucket.
type natsLink struct {
	conn  *nats.Conn
	files *objectstore.NatsObjectStore
}

func (l *natsLink) Close() {
	if l != nil && l.conn != nil {
		l.conn.Close()
	}
}

// connectNATS returns nil without error when NATS is not configured.
func (a *app) connectNATS() (*natsLink, error) {
	if a.cfg.NATS.URL == "" {
		return nil, nil
	}

	conn, err := nats.Connect(a.cfg.NATS.URL, nats.Name(natsConnName))
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", a.cfg.NATS.URL, err)
	}

	jetstreamContext, err := conn.JetStream()
	if err != nil {
		conn.Close()

		return nil, fmt.Errorf("open JetStream: %w", err)
	}

	files, err := objectstore.New(jetstreamContext, a.cfg.NATS.AudioObjectStoreBucket)
	if err != nil {
		conn.Close()

		return nil, err
	}

	a.log.Info("Connected to NATS at %s (bucket %s)", a.cfg.NATS.URL, files.Bucket())

	return &natsLink{conn: conn, files: files}, nil
}

func (a *app) loadRegistryFile() (registry.File, error) {
	file, err := registry.LoadFile(a.cfg.Paths.WorkersFile)
	if err != nil {
		return registry.File{}, fmt.Errorf("load worker registry %s: %w", a.cfg.Paths.WorkersFile, err)
	}

	return file, nil
}

// fleet is a live registry plus the means to reach its workers.
type fleet struct {
	reg    *registry.Registry
	conns  *connection.Manager
	prober *registry.Prober
}

func (a *app) openFleet(link *natsLink) (*fleet, error) {
	file, err := a.loadRegistryFile()
	if err != nil {
		return nil, err
	}

	reg, err := file.Registry()
	if err != nil {
		return nil, err
	}

	co := a.cfg.Coordinator

	sshDialer := sshtransport.NewDialer(co.ProbeTimeout(), a.log)

	if a.cfg.Paths.KnownHostsFile != "" {
		err = sshDialer.VerifyKnownHosts(a.cfg.Paths.KnownHostsFile)
		if err != nil {
			return nil, err
		}
	} else {
		a.log.Warn("paths.known_hosts_file is not set; worker host keys are not verified")
	}

	dialer := connection.NewMultiDialer().Register(registry.TransportSSH, sshDialer)

	if link != nil {
		dialer.Register(registry.TransportNATS,
			natstransport.NewDialer(link.conn, link.files, a.cfg.NATS.TransportSubjectPrefix, a.log))
	}

	conns := connection.NewManager(dialer, reg, connection.Options{
		BackoffBase:  co.BackoffBase(),
		BackoffCap:   co.BackoffCap(),
		ExcludeAfter: co.ExcludeAfter,
		GiveUpAfter:  co.GiveUpAfter,
	}, a.log)

	return &fleet{
		reg:    reg,
		conns:  conns,
		prober: registry.NewProber(reg, conns, co.ProbeTimeout(), a.log),
	}, nil
}

func (f *fleet) Close() {
	_ = f.conns.Close()
}

func (a *app) openJournal(ctx context.Context) (*journal.Store, error) {
	return journal.Open(ctx, filepath.Join(a.cfg.Paths.DataDir, journal.FileName), a.log)
}

// startMetrics serves Prometheus metrics until ctx ends. It returns a nil
// recorder when no bind address is configured.
func (a *app) startMetrics(ctx context.Context) (coordinator.Recorder, func(), error) {
	bind := a.cfg.Metrics.PrometheusBind
	if bind == "" {
		return nil, func() {}, nil
	}

	provider, err := metrics.NewPrometheusProvider(serviceName)
	if err != nil {
		return nil, nil, err
	}

	recorder, err := metrics.NewRecorder(provider.MeterProvider)
	if err != nil {
		return nil, nil, err
	}

	serveCtx, cancel := context.WithCancel(ctx)

	go func() {
		serveErr := metrics.Serve(serveCtx, bind, provider.Handler, a.log)
		if serveErr != nil {
			a.log.Warn("Metrics endpoint stopped: %v", serveErr)
		}
	}()

	stop := func() {
		cancel()

		_ = provider.Shutdown(context.Background())
	}

	return recorder, stop, nil
}

// runSession drives sess with every configured collaborator wired in.
func (a *app) runSession(ctx context.Context, sess *session.Session) (coordinator.Report, error) {
	link, err := a.connectNATS()
	if err != nil {
		return coordinator.Report{}, err
	}

	defer link.Close()

	workers, err := a.openFleet(link)
	if err != nil {
		return coordinator.Report{}, err
	}

	defer workers.Close()

	timeline, err := a.openJournal(ctx)
	if err != nil {
		return coordinator.Report{}, err
	}

	defer func() { _ = timeline.Close() }()

	recorder, stopMetrics, err := a.startMetrics(ctx)
	if err != nil {
		return coordinator.Report{}, err
	}

	defer stopMetrics()

	deps := coordinator.Deps{
		Registry:    workers.reg,
		Connections: workers.conns,
		Prober:      workers.prober,
		Store:       a.store,
		Archive:     nil,
		Publisher:   nil,
		Journal:     timeline,
		Metrics:     recorder,
		Log:         a.log,
	}

	if link != nil {
		deps.Archive = link.files

		publisher, pubErr := notify.NewNATSPublisher(link.conn, a.cfg.NATS.AudioChunkCreatedSubject, a.log)
		if pubErr != nil {
			return coordinator.Report{}, pubErr
		}

		deps.Publisher = publisher
	}

	co := a.cfg.Coordinator

	coord, err := coordinator.New(coordinator.Config{
		JobTimeout:      co.JobTimeout(),
		MaxRetries:      co.Retries(),
		TickInterval:    co.TickInterval(),
		TransferWorkers: co.TransferWorkers,
		TransferTimeout: co.TransferTimeout(),
		ProbeInterval:   co.ProbeInterval(),
	}, deps)
	if err != nil {
		return coordinator.Report{}, err
	}

	return coord.Run(ctx, sess)
}

func (a *app) newAssembler() (*assembler.Assembler, error) {
	asm := a.cfg.Assembly

	muxer, err := assembler.NewFFmpegMuxer(asm.FFmpegPath, assembler.Encoding{
		Codec:      asm.Codec,
		Bitrate:    asm.Bitrate,
		SampleRate: asm.SampleRate,
		Channels:   asm.Channels,
	}, a.log)
	if err != nil {
		return nil, err
	}

	return assembler.New(muxer, a.log), nil
}
