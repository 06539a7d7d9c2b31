// Package metrics exposes Prometheus instrumentation for the credential
// sync engine and the standalone metrics listener the HTTP server runs.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TierReadHits counts reads satisfied per tier.
	TierReadHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "credsync_tier_read_hits_total",
		Help: "Reads satisfied by each storage tier.",
	}, []string{"tier"})

	// TierFailures counts per-tier operation failures.
	TierFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "credsync_tier_failures_total",
		Help: "Failed operations per storage tier.",
	}, []string{"tier", "op"})

	// RepairWrites counts opportunistic re-warms of higher tiers on read.
	RepairWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "credsync_tier_repair_writes_total",
		Help: "Opportunistic tier repairs performed during reads.",
	}, []string{"tier"})

	// ConflictsResolved counts write conflicts settled by last-write-wins.
	ConflictsResolved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "credsync_conflicts_resolved_total",
		Help: "Write conflicts resolved by the sync coordinator.",
	})

	// DirtyRetries counts reconciler pushes of unsynced local writes.
	DirtyRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "credsync_dirty_retries_total",
		Help: "Reconciler retries of dirty local records, by outcome.",
	}, []string{"outcome"})

	// DecryptFailures counts envelope decrypt failures observed on reads.
	DecryptFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "credsync_decrypt_failures_total",
		Help: "Envelope decrypt failures, by kind (tampered, malformed).",
	}, []string{"kind"})
)

// MetricsServer serves the Prometheus scrape endpoint on its own
// listener, separate from the API server.
type MetricsServer struct {
	srv *http.Server
}

// New creates a metrics server for the given listen address.
func New(name, addr string) (*MetricsServer, error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	return &MetricsServer{
		srv: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}, nil
}

// ListenAndServe blocks serving scrapes until Shutdown.
func (m *MetricsServer) ListenAndServe() error {
	return m.srv.ListenAndServe()
}

// Shutdown drains the scrape listener.
func (m *MetricsServer) Shutdown(ctx context.Context) error {
	return m.srv.Shutdown(ctx)
}
