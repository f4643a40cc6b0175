package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gftdcojp/segment-delivery/internal/config"
	"github.com/nats-io/nats.go"
)

// HealthStatus represents the overall health state.
type HealthStatus struct {
	OK     bool    `json:"ok"`
	Checks []Check `json:"checks,omitempty"`
}

// Check represents an individual health check.
type Check struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// CheckFunc probes one dependency.
type CheckFunc func(ctx context.Context) error

type namedCheck struct {
	name     string
	fn       CheckFunc
	critical bool
}

// HealthChecker runs health probes.
type HealthChecker struct {
	timeout time.Duration

	mu     sync.RWMutex
	checks []namedCheck
}

// NewHealthChecker creates a health checker; every probe runs under timeout.
func NewHealthChecker(timeout time.Duration) *HealthChecker {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HealthChecker{timeout: timeout}
}

// AddCheck registers a probe whose failure makes the service not ready.
func (h *HealthChecker) AddCheck(name string, fn CheckFunc) {
	h.add(namedCheck{name: name, fn: fn, critical: true})
}

// AddInformational registers a probe that is reported but never fails readiness.
func (h *HealthChecker) AddInformational(name string, fn CheckFunc) {
	h.add(namedCheck{name: name, fn: fn})
}

func (h *HealthChecker) add(c namedCheck) {
	h.mu.Lock()
	h.checks = append(h.checks, c)
	h.mu.Unlock()
}

// NATSCheck fails while nc is not connected.
func NATSCheck(nc *nats.Conn) CheckFunc {
	return func(context.Context) error {
		if !nc.IsConnected() {
			return fmt.Errorf("nats connection is %s", nc.Status())
		}
		return nil
	}
}

// Liveness checks if the process is alive.
func (h *HealthChecker) Liveness() HealthStatus {
	return HealthStatus{OK: true}
}

// Readiness checks if the service can handle requests.
func (h *HealthChecker) Readiness(ctx context.Context) HealthStatus {
	h.mu.RLock()
	checks := append([]namedCheck(nil), h.checks...)
	h.mu.RUnlock()

	status := HealthStatus{OK: true}
	for _, c := range checks {
		cctx, cancel := context.WithTimeout(ctx, h.timeout)
		err := c.fn(cctx)
		cancel()

		if err != nil {
			if c.critical {
				status.OK = false
			}
			status.Checks = append(status.Checks, Check{
				Name: c.name, Status: "error", Error: err.Error(),
			})
			continue
		}
		status.Checks = append(status.Checks, Check{Name: c.name, Status: "ok"})
	}
	return status
}

// RunHealthServer starts the health check HTTP server.
func RunHealthServer(ctx context.Context, cfg config.HealthConfig, checker *HealthChecker) error {
	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: checker.Handler(cfg),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Handler serves the liveness and readiness endpoints.
func (h *HealthChecker) Handler(cfg config.HealthConfig) http.Handler {
	livenessPath := cfg.LivenessPath
	if livenessPath == "" {
		livenessPath = "/healthz"
	}
	readinessPath := cfg.ReadinessPath
	if readinessPath == "" {
		readinessPath = "/readyz"
	}

	mux := http.NewServeMux()
	mux.HandleFunc(livenessPath, func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, h.Liveness())
	})
	mux.HandleFunc(readinessPath, func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, h.Readiness(r.Context()))
	})
	return mux
}

func writeStatus(w http.ResponseWriter, status HealthStatus) {
	code := http.StatusOK
	if !status.OK {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(status)
}
