// Package exporter publishes live telemetry and stress progress as
// Prometheus metrics.
package exporter

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"codeberg.org/mutker/nvidiastress/internal/errors"
	"codeberg.org/mutker/nvidiastress/internal/logger"
	"codeberg.org/mutker/nvidiastress/internal/stress"
	"codeberg.org/mutker/nvidiastress/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace         = "nvidiastress"
	readHeaderTimeout = 5 * time.Second
)

var errFactory = errors.New()

type Exporter struct {
	registry *prometheus.Registry
	server   *http.Server

	utilization *prometheus.GaugeVec
	memUsed     *prometheus.GaugeVec
	memTotal    *prometheus.GaugeVec
	powerDraw   *prometheus.GaugeVec
	powerLimit  *prometheus.GaugeVec
	temperature *prometheus.GaugeVec
	lastPoll    prometheus.Gauge

	state      *prometheus.GaugeVec
	filler     *prometheus.GaugeVec
	iterations *prometheus.CounterVec
}

// New registers every collector on a private registry so multiple exporters
// never collide.
func New() *Exporter {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	gpu := []string{"gpu"}

	return &Exporter{
		registry: reg,
		utilization: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "gpu_utilization_percent",
			Help: "GPU utilization reported by telemetry.",
		}, gpu),
		memUsed: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "gpu_memory_used_bytes",
			Help: "Device memory in use.",
		}, gpu),
		memTotal: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "gpu_memory_total_bytes",
			Help: "Total device memory.",
		}, gpu),
		powerDraw: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "gpu_power_draw_watts",
			Help: "Current board power draw.",
		}, gpu),
		powerLimit: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "gpu_power_limit_watts",
			Help: "Enforced board power limit.",
		}, gpu),
		temperature: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "gpu_temperature_celsius",
			Help: "GPU core temperature.",
		}, gpu),
		lastPoll: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "telemetry_last_poll_timestamp_seconds",
			Help: "Unix time of the last successful telemetry poll.",
		}),
		state: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "driver_state",
			Help: "1 for the state each driver is currently in, 0 otherwise.",
		}, []string{"gpu", "state"}),
		filler: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "driver_filler_bytes",
			Help: "Size of the filler allocation held by each driver.",
		}, gpu),
		iterations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "driver_iterations_total",
			Help: "Completed compute iterations.",
		}, gpu),
	}
}

func (e *Exporter) Registry() *prometheus.Registry {
	return e.registry
}

func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{Registry: e.registry})
}

// Record implements monitor.Sink.
func (e *Exporter) Record(_ context.Context, snap telemetry.Snapshot) error {
	for _, d := range snap.Devices {
		e.utilization.WithLabelValues(d.Index).Set(d.UtilPercent)
		e.memUsed.WithLabelValues(d.Index).Set(float64(d.MemUsedBytes()))
		e.memTotal.WithLabelValues(d.Index).Set(float64(d.MemTotalBytes()))
		e.powerDraw.WithLabelValues(d.Index).Set(d.PowerDrawW)
		e.powerLimit.WithLabelValues(d.Index).Set(d.PowerLimitW)
		e.temperature.WithLabelValues(d.Index).Set(d.TempC)
	}
	e.lastPoll.Set(float64(snap.Timestamp.Unix()))

	return nil
}

func (e *Exporter) StateChanged(device int, state stress.State) {
	gpu := strconv.Itoa(device)
	for _, s := range stress.States() {
		v := 0.0
		if s == state {
			v = 1
		}
		e.state.WithLabelValues(gpu, s.String()).Set(v)
	}
	if state == stress.StateTeardown {
		e.filler.WithLabelValues(gpu).Set(0)
	}
}

func (e *Exporter) FillerAllocated(device int, bytes uint64) {
	e.filler.WithLabelValues(strconv.Itoa(device)).Set(float64(bytes))
}

func (e *Exporter) IterationCompleted(device int) {
	e.iterations.WithLabelValues(strconv.Itoa(device)).Inc()
}

// Serve starts the HTTP endpoint in the background and returns the bound
// address.
func (e *Exporter) Serve(addr string) (string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", errFactory.Wrap(ErrListen, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", e.Handler())
	e.server = &http.Server{Handler: mux, ReadHeaderTimeout: readHeaderTimeout}

	go func() {
		if err := e.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.ErrorWithCode(errFactory.Wrap(ErrServe, err)).Msg("Metrics endpoint stopped")
		}
	}()

	logger.Info().Str("addr", ln.Addr().String()).Msg("Serving metrics")

	return ln.Addr().String(), nil
}

func (e *Exporter) Shutdown(ctx context.Context) error {
	if e.server == nil {
		return nil
	}
	if err := e.server.Shutdown(ctx); err != nil {
		return errFactory.Wrap(ErrShutdown, err)
	}

	return nil
}

var _ stress.Observer = (*Exporter)(nil)
