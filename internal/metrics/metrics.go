// Package metrics exposes engine counters over the Prometheus text format.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "himcore"

// Metrics owns a private registry so several engines can coexist in one
// process (and in tests).
type Metrics struct {
	registry *prometheus.Registry

	documents         prometheus.Counter
	removals          prometheus.Counter
	chunks            prometheus.Gauge
	queries           *prometheus.CounterVec
	synthesisFailures prometheus.Counter
	rebuilds          prometheus.Counter
	predictions       *prometheus.CounterVec
	predictionErrors  *prometheus.CounterVec
	predictionLatency prometheus.Histogram
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		documents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "documents_ingested_total",
			Help: "Knowledge documents ingested.",
		}),
		removals: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "documents_removed_total",
			Help: "Knowledge documents removed.",
		}),
		chunks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "chunks",
			Help: "Chunks currently indexed.",
		}),
		queries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "answers_total",
			Help: "Knowledge questions answered, by answer method.",
		}, []string{"method"}),
		synthesisFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "synthesis_failures_total",
			Help: "Synthesis calls that failed or timed out and fell back to extraction.",
		}),
		rebuilds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "index_rebuilds_total",
			Help: "Full re-embeddings of the similarity index.",
		}),
		predictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "predictions_total",
			Help: "Case predictions, by predicted group.",
		}, []string{"group"}),
		predictionErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "prediction_errors_total",
			Help: "Rejected case predictions, by error kind.",
		}, []string{"kind"}),
		predictionLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "prediction_duration_seconds",
			Help:    "Time spent on one case prediction.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 4, 8),
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.documents, m.removals, m.chunks, m.queries, m.synthesisFailures,
		m.rebuilds, m.predictions, m.predictionErrors, m.predictionLatency,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) DocumentIngested(chunks int) {
	m.documents.Inc()
	m.chunks.Add(float64(chunks))
}

func (m *Metrics) DocumentRemoved(chunks int) {
	m.removals.Inc()
	m.chunks.Sub(float64(chunks))
}

// SetChunks overwrites the chunk gauge after a restore or rebuild.
func (m *Metrics) SetChunks(n int) { m.chunks.Set(float64(n)) }

func (m *Metrics) Answered(method string) { m.queries.WithLabelValues(method).Inc() }

func (m *Metrics) SynthesisFailed() { m.synthesisFailures.Inc() }

func (m *Metrics) Rebuilt() { m.rebuilds.Inc() }

func (m *Metrics) Predicted(group string, d time.Duration) {
	m.predictions.WithLabelValues(group).Inc()
	m.predictionLatency.Observe(d.Seconds())
}

func (m *Metrics) PredictionFailed(kind string) { m.predictionErrors.WithLabelValues(kind).Inc() }

// Handler serves the registry at /metrics.
func (m *Metrics) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	return mux
}

// Serve runs the metrics endpoint until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           m.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		logger.Info("metrics listening", "addr", addr)
		errc <- server.ListenAndServe()
	}()
	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}
