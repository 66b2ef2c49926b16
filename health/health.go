// Package health reports the health of the transport and the request
// engine. Checkers are registered with a Registry, which runs them
// concurrently and serves the aggregate over HTTP.
package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Status is the outcome of a check
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// severity orders statuses from best to worst
func (s Status) severity() int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	default:
		return 2
	}
}

// CheckResult is the outcome of one checker run
type CheckResult struct {
	Name      string         `json:"name"`
	Status    Status         `json:"status"`
	Message   string         `json:"message,omitempty"`
	Error     string         `json:"error,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Duration  time.Duration  `json:"duration"`
	Details   map[string]any `json:"details,omitempty"`
}

// Checker checks one component
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

// Report aggregates the results of all registered checkers. The overall
// status is the worst individual status.
type Report struct {
	Status    Status        `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
	Checks    []CheckResult `json:"checks"`
}

// Registry holds checkers and runs them on demand
type Registry struct {
	mu       sync.RWMutex
	checkers []Checker
	timeout  time.Duration
	logger   *slog.Logger
}

// RegistryOption configures a Registry
type RegistryOption func(*Registry)

// WithCheckTimeout bounds each checker run
func WithCheckTimeout(timeout time.Duration) RegistryOption {
	return func(r *Registry) {
		r.timeout = timeout
	}
}

// WithLogger sets the registry logger
func WithLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger
	}
}

// NewRegistry creates an empty registry
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		timeout: 5 * time.Second,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds checkers to the registry
func (r *Registry) Register(checkers ...Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkers = append(r.checkers, checkers...)
}

// Check runs every checker concurrently and aggregates the results in
// registration order
func (r *Registry) Check(ctx context.Context) Report {
	r.mu.RLock()
	checkers := append([]Checker(nil), r.checkers...)
	r.mu.RUnlock()

	results := make([]CheckResult, len(checkers))
	var g errgroup.Group
	for i, checker := range checkers {
		g.Go(func() error {
			checkCtx, cancel := context.WithTimeout(ctx, r.timeout)
			defer cancel()
			results[i] = checker.Check(checkCtx)
			return nil
		})
	}
	_ = g.Wait()

	report := Report{
		Status:    StatusHealthy,
		Timestamp: time.Now(),
		Checks:    results,
	}
	for _, result := range results {
		if result.Status.severity() > report.Status.severity() {
			report.Status = result.Status
		}
		if result.Status != StatusHealthy {
			r.logger.Warn("health check not healthy",
				"check", result.Name,
				"status", result.Status,
				"message", result.Message,
				"error", result.Error)
		}
	}
	return report
}

// Handler serves the report as JSON: 200 when healthy or degraded, 503 when
// unhealthy
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		report := r.Check(req.Context())

		w.Header().Set("Content-Type", "application/json")
		if report.Status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		if err := json.NewEncoder(w).Encode(report); err != nil {
			r.logger.Warn("failed to write health report", "error", err)
		}
	})
}
