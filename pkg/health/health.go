// Package health reports the refresh status of the configuration client
// over the gRPC health protocol and HTTP, and serves Prometheus metrics.
package health

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"globalconf/pkg/conferr"
)

// ServiceName is the gRPC health service name of the client.
const ServiceName = "globalconf"

// Monitor tracks the outcome of the last refresh.
type Monitor struct {
	mu          sync.RWMutex
	lastAttempt time.Time
	lastSuccess time.Time
	lastErr     error
	refreshes   int

	grpcHealth *grpchealth.Server
	logger     *zap.Logger
}

// NewMonitor creates a monitor that reports NOT_SERVING until the first
// successful refresh.
func NewMonitor(logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Monitor{
		grpcHealth: grpchealth.NewServer(),
		logger:     logger,
	}
	m.grpcHealth.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	return m
}

// Record stores the outcome of a refresh finished at.
func (m *Monitor) Record(err error, at time.Time) {
	m.mu.Lock()
	m.lastAttempt = at
	m.lastErr = err
	m.refreshes++
	if err == nil {
		m.lastSuccess = at
	}
	serving := !m.lastSuccess.IsZero()
	m.mu.Unlock()

	// A failed refresh keeps serving the last committed configuration.
	if serving {
		m.grpcHealth.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	}
	if err != nil {
		m.logger.Debug("Refresh failure recorded", zap.String("kind", conferr.Kind(err)), zap.Error(err))
	}
}

// Status is a point-in-time health report.
type Status struct {
	Status      string    `json:"status"`
	LastAttempt time.Time `json:"last_attempt,omitempty"`
	LastSuccess time.Time `json:"last_success,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
	ErrorKind   string    `json:"error_kind,omitempty"`
	Refreshes   int       `json:"refreshes"`
}

// Status returns the current report. The status is "healthy" after a
// successful last refresh, "degraded" when the last refresh failed after an
// earlier success, and "unhealthy" before any success.
func (m *Monitor) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := Status{
		LastAttempt: m.lastAttempt,
		LastSuccess: m.lastSuccess,
		Refreshes:   m.refreshes,
	}
	switch {
	case m.lastSuccess.IsZero():
		s.Status = "unhealthy"
	case m.lastErr != nil:
		s.Status = "degraded"
	default:
		s.Status = "healthy"
	}
	if m.lastErr != nil {
		s.LastError = m.lastErr.Error()
		s.ErrorKind = conferr.Kind(m.lastErr)
	}
	return s
}

// HealthServer returns the gRPC health service.
func (m *Monitor) HealthServer() *grpchealth.Server {
	return m.grpcHealth
}

// Shutdown marks every service as not serving.
func (m *Monitor) Shutdown() {
	m.grpcHealth.Shutdown()
}

// RegisterHandlers registers HTTP handlers
func (m *Monitor) RegisterHandlers(mux *http.ServeMux, gatherer prometheus.Gatherer) {
	mux.HandleFunc("/health", m.handleHealth)
	mux.HandleFunc("/health/live", m.handleLiveness)
	mux.HandleFunc("/health/ready", m.handleReadiness)
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
}

func (m *Monitor) handleHealth(w http.ResponseWriter, r *http.Request) {
	s := m.Status()
	statusCode := http.StatusOK
	if s.Status == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(s)
}

func (m *Monitor) handleLiveness(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (m *Monitor) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if m.Status().Status == "unhealthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("NOT READY"))
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("READY"))
}

// StartMetricsServer serves health and metrics over HTTP on addr.
func StartMetricsServer(addr string, monitor *Monitor, gatherer prometheus.Gatherer, logger *zap.Logger) *http.Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	mux := http.NewServeMux()
	monitor.RegisterHandlers(mux, gatherer)

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Starting metrics server", zap.String("address", addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()

	return server
}

// StartGRPCServer serves the gRPC health service on addr.
func StartGRPCServer(addr string, monitor *Monitor, logger *zap.Logger) (*grpc.Server, net.Addr, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, err
	}

	server := grpc.NewServer()
	healthpb.RegisterHealthServer(server, monitor.HealthServer())

	go func() {
		logger.Info("Starting health server", zap.String("address", listener.Addr().String()))
		if err := server.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			logger.Error("Health server failed", zap.Error(err))
		}
	}()

	return server, listener.Addr(), nil
}
