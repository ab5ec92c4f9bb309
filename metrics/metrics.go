// Package metrics exposes Prometheus metrics for dispatches, fallbacks,
// approvals and task slots. A disabled Metrics value accepts every call and
// records nothing.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hupe1980/agentrelay/core"
	"github.com/hupe1980/agentrelay/engine"
)

// OutcomeSuccess labels successful dispatches; failures use the error kind.
const OutcomeSuccess = "success"

// Config configures Metrics.
type Config struct {
	Enabled   bool
	Namespace string
	// Buckets for the dispatch duration histogram. Defaults to buckets
	// spanning one second to ten minutes.
	Buckets []float64
}

// DefaultConfig enables metrics under the "agentrelay" namespace.
var DefaultConfig = Config{
	Enabled:   true,
	Namespace: "agentrelay",
}

// Metrics holds the collectors on a private registry.
type Metrics struct {
	config Config

	dispatches       *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec
	fallbacks        *prometheus.CounterVec
	busyRejections   prometheus.Counter
	approvals        *prometheus.CounterVec
	activeTasks      prometheus.Gauge
	toolCalls        *prometheus.CounterVec
	sessionCost      *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates the collectors. With cfg.Enabled false it returns a no-op
// instance.
func New(cfg Config) *Metrics {
	if !cfg.Enabled {
		return &Metrics{config: cfg}
	}

	buckets := cfg.Buckets
	if len(buckets) == 0 {
		buckets = []float64{1, 2.5, 5, 10, 30, 60, 120, 300, 600}
	}

	ns := cfg.Namespace
	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		dispatches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "dispatch_total",
				Help:      "Total number of dispatches by backend and outcome",
			},
			[]string{"backend", "outcome"},
		),
		dispatchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: ns,
				Name:      "dispatch_duration_seconds",
				Help:      "Duration of dispatches in seconds",
				Buckets:   buckets,
			},
			[]string{"backend"},
		),
		fallbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "fallback_total",
				Help:      "Total number of fallback attempts",
			},
			[]string{"from", "to"},
		),
		busyRejections: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "busy_rejections_total",
				Help:      "Total number of requests rejected because the scope was busy",
			},
		),
		approvals: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "approvals_total",
				Help:      "Total number of approval requests by resolution",
			},
			[]string{"resolution"},
		),
		activeTasks: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: ns,
				Name:      "active_tasks",
				Help:      "Current number of scopes running a unit of work",
			},
		),
		toolCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "tool_calls_total",
				Help:      "Total number of tool invocations requested by backends",
			},
			[]string{"tool"},
		),
		sessionCost: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "session_cost_usd_total",
				Help:      "Accumulated backend cost in USD",
			},
			[]string{"backend"},
		),
	}

	registry.MustRegister(
		m.dispatches,
		m.dispatchDuration,
		m.fallbacks,
		m.busyRejections,
		m.approvals,
		m.activeTasks,
		m.toolCalls,
		m.sessionCost,
	)

	return m
}

// Enabled reports whether metrics are collected.
func (m *Metrics) Enabled() bool { return m.registry != nil }

// Registry returns the private registry, nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// RecordDispatch records a finished dispatch. A nil err counts as success.
func (m *Metrics) RecordDispatch(backend string, duration time.Duration, err error) {
	if m.dispatches == nil {
		return
	}

	outcome := OutcomeSuccess
	if err != nil {
		outcome = string(core.KindBackendFailure)
		if de, ok := core.AsDispatchError(err); ok {
			outcome = string(de.Kind)
		}
	}

	if outcome == string(core.KindBusy) {
		m.busyRejections.Inc()
	}

	m.dispatches.WithLabelValues(backend, outcome).Inc()
	m.dispatchDuration.WithLabelValues(backend).Observe(duration.Seconds())
}

// RecordFallback counts a fallback from one backend to another.
func (m *Metrics) RecordFallback(from, to string) {
	if m.fallbacks == nil {
		return
	}
	m.fallbacks.WithLabelValues(from, to).Inc()
}

// RecordApproval counts a resolved approval request.
func (m *Metrics) RecordApproval(resolution core.Resolution) {
	if m.approvals == nil {
		return
	}
	m.approvals.WithLabelValues(string(resolution)).Inc()
}

// RecordToolCall counts a requested tool invocation.
func (m *Metrics) RecordToolCall(tool string) {
	if m.toolCalls == nil {
		return
	}
	m.toolCalls.WithLabelValues(tool).Inc()
}

// RecordCost adds cost to the backend's accumulated spend.
func (m *Metrics) RecordCost(backend string, cost float64) {
	if m.sessionCost == nil || cost <= 0 {
		return
	}
	m.sessionCost.WithLabelValues(backend).Add(cost)
}

// SetActiveTasks sets the number of busy scopes.
func (m *Metrics) SetActiveTasks(n int) {
	if m.activeTasks == nil {
		return
	}
	m.activeTasks.Set(float64(n))
}

// Callbacks returns engine callbacks feeding these metrics.
func (m *Metrics) Callbacks() []engine.Callback {
	return []engine.Callback{
		engine.NewFunctionCallback(engine.CallbackAfterDispatch, func(_ context.Context, cc *engine.CallbackContext) error {
			m.RecordDispatch(cc.Backend, cc.Duration, nil)
			if cc.Result != nil {
				m.RecordCost(cc.Result.Backend, cc.Result.Cost)
			}
			return nil
		}),
		engine.NewFunctionCallback(engine.CallbackOnError, func(_ context.Context, cc *engine.CallbackContext) error {
			m.RecordDispatch(cc.Backend, cc.Duration, cc.Err)
			return nil
		}),
		engine.NewFunctionCallback(engine.CallbackOnFallback, func(_ context.Context, cc *engine.CallbackContext) error {
			m.RecordFallback(cc.Backend, cc.Fallback)
			return nil
		}),
		engine.NewFunctionCallback(engine.CallbackOnUpdate, func(_ context.Context, cc *engine.CallbackContext) error {
			if tc, ok := cc.Update.(core.ToolCall); ok && tc.Status == "requested" {
				m.RecordToolCall(tc.Name)
			}
			return nil
		}),
	}
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Serve exposes /metrics on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh
		return nil
	}
}
