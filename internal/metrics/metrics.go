// Package metrics provides Prometheus metrics for the ingestion and snapshot loop.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rewired-gh/floworacle/internal/logger"
	"github.com/rewired-gh/floworacle/internal/models"
)

const namespace = "floworacle"

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	registry *prometheus.Registry

	// Ingestion metrics
	MessagesReceived *prometheus.CounterVec
	EventsParsed     *prometheus.CounterVec
	MessagesSkipped  *prometheus.CounterVec

	// Persistence metrics
	SnapshotsWritten    *prometheus.CounterVec
	PersistenceFailures *prometheus.CounterVec
	HistorySkipped      prometheus.Counter

	// Score metrics
	Confidence   *prometheus.GaugeVec
	LastSnapshot prometheus.Gauge
}

// New creates a Metrics instance on its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		MessagesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "messages_received_total",
			Help:      "Total number of raw messages received by source",
		}, []string{"source"}),
		EventsParsed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "events_parsed_total",
			Help:      "Total number of flow events parsed by category",
		}, []string{"category"}),
		MessagesSkipped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "messages_skipped_total",
			Help:      "Total number of message lines skipped by reason",
		}, []string{"reason"}),
		SnapshotsWritten: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "persist",
			Name:      "snapshots_written_total",
			Help:      "Total number of successful snapshot writes by target",
		}, []string{"target"}),
		PersistenceFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "persist",
			Name:      "failures_total",
			Help:      "Total number of failed snapshot writes by target",
		}, []string{"target"}),
		HistorySkipped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "persist",
			Name:      "history_lines_skipped_total",
			Help:      "Total number of malformed history lines skipped on read",
		}),
		Confidence: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "score",
			Name:      "confidence",
			Help:      "Latest confidence per token and window",
		}, []string{"token", "window"}),
		LastSnapshot: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "last_snapshot_timestamp",
			Help:      "Unix timestamp of the last built snapshot",
		}),
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler returns an HTTP handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordMessage counts a received raw message. All Record and Observe methods are
// no-ops on a nil *Metrics.
func (m *Metrics) RecordMessage(source string) {
	if m == nil {
		return
	}
	m.MessagesReceived.WithLabelValues(source).Inc()
}

// RecordEvent counts a parsed event.
func (m *Metrics) RecordEvent(category string) {
	if m == nil {
		return
	}
	m.EventsParsed.WithLabelValues(category).Inc()
}

// RecordSkip counts a skipped message or line.
func (m *Metrics) RecordSkip(reason string) {
	if m == nil {
		return
	}
	m.MessagesSkipped.WithLabelValues(reason).Inc()
}

// RecordHistorySkipped counts malformed history lines seen by a reader.
func (m *Metrics) RecordHistorySkipped(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.HistorySkipped.Add(float64(n))
}

// ObserveWrite records a snapshot write attempt.
func (m *Metrics) ObserveWrite(target string, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.PersistenceFailures.WithLabelValues(target).Inc()
		return
	}
	m.SnapshotsWritten.WithLabelValues(target).Inc()
}

// ObserveSnapshot updates the confidence gauges.
func (m *Metrics) ObserveSnapshot(snap *models.Snapshot) {
	if m == nil {
		return
	}
	for token, windows := range snap.Agg {
		for w, stat := range windows {
			m.Confidence.WithLabelValues(token, w).Set(stat.Conf)
		}
	}
	m.LastSnapshot.Set(float64(snap.At.Unix()))
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("Metrics listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
