package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tartampluch/go-contactformatter/internal/config"
)

// Collectors groups the engine's business metrics.
// A nil *Collectors is valid and records nothing.
type Collectors struct {
	Records  *prometheus.CounterVec
	Writes   *prometheus.CounterVec
	Rejected *prometheus.CounterVec
	Duration *prometheus.HistogramVec
	Commits  *prometheus.CounterVec
}

// NewCollectors builds the collectors without registering them.
func NewCollectors() *Collectors {
	return &Collectors{
		Records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: config.MetricsNamespace,
			Name:      "records_ingested_total",
			Help:      "Phone records ingested by refreshes, by parse outcome.",
		}, []string{config.MetricOutcome}),
		Writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: config.MetricsNamespace,
			Name:      "writes_total",
			Help:      "Phone number writes attempted during commits, by result.",
		}, []string{config.MetricResult}),
		Rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: config.MetricsNamespace,
			Name:      "rejected_total",
			Help:      "Operations rejected because another one was in flight.",
		}, []string{config.MetricOperation}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: config.MetricsNamespace,
			Name:      "operation_duration_seconds",
			Help:      "Duration of refreshes and commits.",
			Buckets:   prometheus.DefBuckets,
		}, []string{config.MetricOperation}),
		Commits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: config.MetricsNamespace,
			Name:      "commits_total",
			Help:      "Commits performed, by target format.",
		}, []string{config.LogKeyFormat}),
	}
}

// Register adds every collector to reg. Already registered collectors are accepted.
func (c *Collectors) Register(reg prometheus.Registerer) error {
	for _, col := range []prometheus.Collector{c.Records, c.Writes, c.Rejected, c.Duration, c.Commits} {
		if err := reg.Register(col); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Ingested counts the records of one refresh by parse outcome.
func (c *Collectors) Ingested(valid, invalid int) {
	if c == nil {
		return
	}
	c.Records.WithLabelValues(config.OutcomeValid).Add(float64(valid))
	c.Records.WithLabelValues(config.OutcomeInvalid).Add(float64(invalid))
}

// Write counts one commit write, successful or not.
func (c *Collectors) Write(ok bool) {
	if c == nil {
		return
	}
	result := config.ResultOK
	if !ok {
		result = config.ResultFailed
	}
	c.Writes.WithLabelValues(result).Inc()
}

// Reject counts an operation refused because another was in flight.
func (c *Collectors) Reject(op string) {
	if c == nil {
		return
	}
	c.Rejected.WithLabelValues(op).Inc()
}

// Observe records how long op took.
func (c *Collectors) Observe(op string, d time.Duration) {
	if c == nil {
		return
	}
	c.Duration.WithLabelValues(op).Observe(d.Seconds())
}

// Committed counts a finished commit for its target format.
func (c *Collectors) Committed(format string) {
	if c == nil {
		return
	}
	c.Commits.WithLabelValues(format).Inc()
}

// Options configures the /metrics and /health handler.
type Options struct {
	Registry      *prometheus.Registry
	Register      func(reg prometheus.Registerer) error
	Health        func(ctx context.Context) error
	HealthTimeout time.Duration
}

// NewHandler returns a mux serving /metrics and /health, and the registry it uses.
// A failing Register is logged; /health keeps serving.
func NewHandler(opts Options) (http.Handler, *prometheus.Registry) {
	if opts.HealthTimeout <= 0 {
		opts.HealthTimeout = config.HealthTimeout
	}

	reg := opts.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	_ = reg.Register(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	_ = reg.Register(prometheus.NewGoCollector())

	if opts.Register != nil {
		if err := opts.Register(reg); err != nil {
			slog.Error(config.ErrMetricsRegister,
				config.LogKeyComponent, config.CompMetrics,
				config.LogKeyError, err)
		}
	}

	mux := http.NewServeMux()
	mux.Handle(config.RouteMetrics, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc(config.RouteHealth, func(w http.ResponseWriter, r *http.Request) {
		if opts.Health == nil {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(config.HTTPMsgHealthy))
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), opts.HealthTimeout)
		defer cancel()

		errCh := make(chan error, config.ChannelBufferSize)
		go func() { errCh <- opts.Health(ctx) }()

		select {
		case err := <-errCh:
			if err != nil {
				http.Error(w, config.HTTPMsgUnhealthy+err.Error(), http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(config.HTTPMsgHealthy))
		case <-ctx.Done():
			http.Error(w, config.HTTPMsgUnhealthy+ctx.Err().Error(), http.StatusServiceUnavailable)
		}
	})

	return mux, reg
}
