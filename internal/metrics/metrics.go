// Package metrics records scheduling counters through OpenTelemetry and
// optionally exposes them to Prometheus.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/book-expert/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

// MeterName scopes every instrument of the coordinator.
const MeterName = "github.com/book-expert/tts-coordinator"

// Instrument names.
const (
	nameDispatched = "tts.jobs.dispatched"
	nameSendFailed = "tts.jobs.send_failed"
	nameCompleted  = "tts.jobs.completed"
	nameRetried    = "tts.jobs.retried"
	nameFailed     = "tts.jobs.failed"
	nameInFlight   = "tts.jobs.inflight"
	nameSynthesis  = "tts.jobs.synthesis.duration"
	workerKey      = "worker"
	serviceNameKey = "service.name"
	shutdownGrace  = 5 * time.Second
	readHeaderWait = 5 * time.Second
	metricsPath    = "/metrics"
)

const errFmtInstrument = "create instrument %s: %w"

// Recorder implements the coordinator's metrics hooks on an otel Meter.
type Recorder struct {
	dispatched metric.Int64Counter
	sendFailed metric.Int64Counter
	completed  metric.Int64Counter
	retried    metric.Int64Counter
	failed     metric.Int64Counter
	inFlight   metric.Int64UpDownCounter
	synthesis  metric.Float64Histogram
}

// NewRecorder creates the instruments on provider.
func NewRecorder(provider metric.MeterProvider) (*Recorder, error) {
	meter := provider.Meter(MeterName)

	var (
		rec  Recorder
		errs []error
	)

	counter := func(name, description string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(description), metric.WithUnit("{job}"))
		if err != nil {
			errs = append(errs, fmt.Errorf(errFmtInstrument, name, err))
		}

		return c
	}

	rec.dispatched = counter(nameDispatched, "Jobs accepted by a worker")
	rec.sendFailed = counter(nameSendFailed, "Job deliveries that failed before acceptance")
	rec.completed = counter(nameCompleted, "Jobs whose audio was stored")
	rec.retried = counter(nameRetried, "Attempts returned to pending for another try")
	rec.failed = counter(nameFailed, "Chunks that exhausted their retry budget")

	inFlight, err := meter.Int64UpDownCounter(nameInFlight,
		metric.WithDescription("Jobs currently held by workers"), metric.WithUnit("{job}"))
	if err != nil {
		errs = append(errs, fmt.Errorf(errFmtInstrument, nameInFlight, err))
	}

	rec.inFlight = inFlight

	synthesis, err := meter.Float64Histogram(nameSynthesis,
		metric.WithDescription("Time from dispatch to stored audio"), metric.WithUnit("s"))
	if err != nil {
		errs = append(errs, fmt.Errorf(errFmtInstrument, nameSynthesis, err))
	}

	rec.synthesis = synthesis

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	return &rec, nil
}

func workerAttr(worker string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String(workerKey, worker))
}

// JobDispatched counts an accepted job.
func (r *Recorder) JobDispatched(worker string) {
	r.dispatched.Add(context.Background(), 1, workerAttr(worker))
}

// SendFailed counts a delivery that never reached the worker.
func (r *Recorder) SendFailed(worker string) {
	r.sendFailed.Add(context.Background(), 1, workerAttr(worker))
}

// JobCompleted counts stored audio and records the synthesis time.
func (r *Recorder) JobCompleted(worker string, elapsed time.Duration) {
	ctx := context.Background()
	r.completed.Add(ctx, 1, workerAttr(worker))
	r.synthesis.Record(ctx, elapsed.Seconds(), workerAttr(worker))
}

// JobRetried counts an attempt sent back to pending.
func (r *Recorder) JobRetried(worker string) {
	r.retried.Add(context.Background(), 1, workerAttr(worker))
}

// JobFailed counts a chunk that became terminally failed.
func (r *Recorder) JobFailed(worker string) {
	r.failed.Add(context.Background(), 1, workerAttr(worker))
}

// InFlight adjusts the in-flight gauge.
func (r *Recorder) InFlight(delta int) {
	r.inFlight.Add(context.Background(), int64(delta))
}

// Provider bundles a meter provider with its Prometheus scrape handler.
type Provider struct {
	*sdkmetric.MeterProvider

	Handler http.Handler
}

// NewPrometheusProvider builds a meter provider exporting to a private
// Prometheus registry, so repeated construction never collides with the
// global one.
func NewPrometheusProvider(serviceName string) (*Provider, error) {
	registry := prometheus.NewRegistry()

	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(resource.NewSchemaless(attribute.String(serviceNameKey, serviceName))),
	)

	return &Provider{
		MeterProvider: provider,
		Handler:       promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	}, nil
}

// Serve exposes handler on bind at /metrics until ctx is done.
func Serve(ctx context.Context, bind string, handler http.Handler, log *logger.Logger) error {
	mux := http.NewServeMux()
	mux.Handle(metricsPath, handler)

	server := &http.Server{
		Addr:              bind,
		Handler:           mux,
		ReadHeaderTimeout: readHeaderWait,
	}

	errCh := make(chan error, 1)

	go func() {
		log.Info("Serving metrics on %s%s", bind, metricsPath)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}

		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()

		return server.Shutdown(shutdownCtx)
	}
}
