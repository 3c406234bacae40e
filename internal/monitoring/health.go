// Package monitoring exposes a running Pipeline's state over HTTP: a
// Kubernetes-style /health(z) check, a detailed /status dump, and a
// Prometheus /metrics endpoint. Grounded on the teacher's HealthMonitor
// (same mux layout, same JSON status shape), generalized from GPU/Metal
// engine fields to the opaque-fragment pipeline's own state machine —
// there is no GPU/engine backend in this module, so the darwin/metal build
// tag and every Metal-specific field are dropped.
package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/23skdu/longbow-pipeline/internal/logger"
	"github.com/23skdu/longbow-pipeline/internal/pipeline"
	"github.com/23skdu/longbow-pipeline/internal/pipelinecfg"
)

// HealthStatus is the JSON body served by /status.
type HealthStatus struct {
	Status      string          `json:"status"`
	Timestamp   time.Time       `json:"timestamp"`
	Uptime      time.Duration   `json:"uptime"`
	Pipeline    PipelineInfo    `json:"pipeline"`
	Performance PerformanceInfo `json:"performance"`
}

// PipelineInfo mirrors the fields SPEC_FULL.md §2 item 10 names: state,
// cache occupancy, and the derived config the pipeline loaded with.
type PipelineInfo struct {
	State          string `json:"state"`
	CacheOccupancy int    `json:"cache_occupancy"`
	CacheLength    int    `json:"cache_length"`
	ContextLength  int    `json:"context_length"`
	VocabSize      int    `json:"vocab_size"`
}

// PerformanceInfo summarizes recent per-token latency.
type PerformanceInfo struct {
	TokensPerSecond float64   `json:"tokens_per_second"`
	AvgLatencyMs    float64   `json:"avg_latency_ms"`
	P95LatencyMs    float64   `json:"p95_latency_ms"`
	LastTokenAt     time.Time `json:"last_token_at"`
}

// PerfPoint is one recorded token-emission latency sample.
type PerfPoint struct {
	Timestamp time.Time
	LatencyMS float64
}

// Server serves health/status/metrics for a Pipeline. It does not own the
// pipeline's lifecycle — callers drive Predict elsewhere and call
// RecordToken after each emitted token.
type Server struct {
	pl *pipeline.Pipeline

	startTime time.Time
	server    *http.Server

	mu          sync.RWMutex
	perfHistory []PerfPoint
	lastToken   time.Time
}

// maxPerfHistory bounds the in-memory latency sample window.
const maxPerfHistory = 1000

// NewServer wraps pl for health/status/metrics reporting.
func NewServer(pl *pipeline.Pipeline) *Server {
	return &Server{pl: pl, startTime: time.Now()}
}

// RecordToken records one emitted token's latency for the rolling
// throughput/percentile window shown by /status.
func (s *Server) RecordToken(latencyMS float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	s.lastToken = now
	s.perfHistory = append(s.perfHistory, PerfPoint{Timestamp: now, LatencyMS: latencyMS})
	if len(s.perfHistory) > maxPerfHistory {
		s.perfHistory = s.perfHistory[1:]
	}
}

// ListenAndServe starts the HTTP server on addr and blocks until it stops
// or ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.Handle("/metrics", promhttp.Handler())

	s.server = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(shutdownCtx)
	}()

	logger.Log.Info("monitoring: status server listening", "addr", addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.healthy()
	if status {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(map[string]string{
		"status":    statusString(status),
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.snapshot())
}

func (s *Server) healthy() bool {
	if s.pl == nil {
		return true
	}
	return s.pl.State() != pipeline.StateFailed
}

func statusString(healthy bool) string {
	if healthy {
		return "healthy"
	}
	return "degraded"
}

func (s *Server) snapshot() HealthStatus {
	var cfg pipelinecfg.Config
	state := pipeline.StateIdle
	occupancy := 0
	if s.pl != nil {
		cfg = s.pl.Config()
		state = s.pl.State()
		occupancy = s.pl.CacheOccupancy()
	}

	return HealthStatus{
		Status:    statusString(s.healthy()),
		Timestamp: time.Now(),
		Uptime:    time.Since(s.startTime),
		Pipeline: PipelineInfo{
			State:          state.String(),
			CacheOccupancy: occupancy,
			CacheLength:    cfg.CacheLength,
			ContextLength:  cfg.ContextLength,
			VocabSize:      cfg.VocabSize,
		},
		Performance: s.performanceInfo(),
	}
}

func (s *Server) performanceInfo() PerformanceInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.perfHistory) == 0 {
		return PerformanceInfo{LastTokenAt: s.lastToken}
	}

	latencies := make([]float64, len(s.perfHistory))
	var total float64
	span := s.perfHistory[len(s.perfHistory)-1].Timestamp.Sub(s.perfHistory[0].Timestamp)
	for i, p := range s.perfHistory {
		latencies[i] = p.LatencyMS
		total += p.LatencyMS
	}
	sort.Float64s(latencies)

	p95Index := int(float64(len(latencies)) * 0.95)
	if p95Index >= len(latencies) {
		p95Index = len(latencies) - 1
	}

	tokensPerSecond := 0.0
	if span > 0 {
		tokensPerSecond = float64(len(s.perfHistory)) / span.Seconds()
	}

	return PerformanceInfo{
		TokensPerSecond: tokensPerSecond,
		AvgLatencyMs:    total / float64(len(latencies)),
		P95LatencyMs:    latencies[p95Index],
		LastTokenAt:     s.lastToken,
	}
}
