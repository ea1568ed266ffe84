// Package health serves the liveness, readiness and component health
// endpoints.
package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"

	checkTimeout = 5 * time.Second
)

// Check reports the health of one component.
type Check interface {
	HealthCheck(ctx context.Context) error
}

// CheckFunc adapts a function to Check.
type CheckFunc func(ctx context.Context) error

func (f CheckFunc) HealthCheck(ctx context.Context) error {
	return f(ctx)
}

// Config identifies the service in health responses.
type Config struct {
	ServiceName    string
	ServiceVersion string
}

type namedCheck struct {
	name     string
	check    Check
	critical bool
}

// Checker provides health check endpoints
type Checker struct {
	config Config
	logger zerolog.Logger

	mu     sync.RWMutex
	checks []namedCheck
}

// NewChecker creates a new health checker
func NewChecker(config Config, logger zerolog.Logger) *Checker {
	return &Checker{
		config: config,
		logger: logger.With().Str("component", "health-checker").Logger(),
	}
}

// AddCheck registers a component. A failing critical component makes the
// service not ready; any other failure only degrades it.
func (c *Checker) AddCheck(name string, check Check, critical bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks = append(c.checks, namedCheck{name: name, check: check, critical: critical})
}

// ComponentStatus is the result of one check.
type ComponentStatus struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Report represents the health check response
type Report struct {
	Status     string                     `json:"status"`
	Service    string                     `json:"service,omitempty"`
	Version    string                     `json:"version,omitempty"`
	Timestamp  string                     `json:"timestamp"`
	Components map[string]ComponentStatus `json:"components"`
	ready      bool
}

// Run executes every check.
func (c *Checker) Run(ctx context.Context) Report {
	c.mu.RLock()
	checks := append([]namedCheck(nil), c.checks...)
	c.mu.RUnlock()

	report := Report{
		Status:     StatusHealthy,
		Service:    c.config.ServiceName,
		Version:    c.config.ServiceVersion,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		Components: make(map[string]ComponentStatus, len(checks)),
		ready:      true,
	}
	for _, nc := range checks {
		if err := nc.check.HealthCheck(ctx); err != nil {
			report.Components[nc.name] = ComponentStatus{Status: StatusUnhealthy, Error: err.Error()}
			if nc.critical {
				report.Status = StatusUnhealthy
				report.ready = false
			} else if report.Status == StatusHealthy {
				report.Status = StatusDegraded
			}
			c.logger.Debug().Err(err).Str("check", nc.name).Msg("Health check failed")
			continue
		}
		report.Components[nc.name] = ComponentStatus{Status: StatusHealthy}
	}
	return report
}

// HealthHandler returns the overall health status
func (c *Checker) HealthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
	defer cancel()

	report := c.Run(ctx)
	status := http.StatusOK
	if report.Status != StatusHealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

// LiveHandler returns 200 if the process is running
func (c *Checker) LiveHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "alive",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// ReadyHandler returns 200 if every critical component is healthy
func (c *Checker) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
	defer cancel()

	report := c.Run(ctx)
	if !report.ready {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":     "not_ready",
			"timestamp":  report.Timestamp,
			"components": report.Components,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ready",
		"timestamp": report.Timestamp,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
