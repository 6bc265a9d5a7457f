// Package health tracks process lifecycle and upstream outcomes and turns them into a
// health report for GET /health.
package health

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Status values reported by Monitor.
const (
	StatusHealthy      = "healthy"
	StatusDegraded     = "degraded"
	StatusShuttingDown = "shutting-down"
)

// CheckFunc pings a dependency. A nil error means reachable.
type CheckFunc func(ctx context.Context) error

// Config holds the degraded thresholds.
type Config struct {
	// DegradedWindow is the sliding window for the upstream error rate. Zero disables.
	DegradedWindow time.Duration
	// DegradedErrorPct is the error percentage at or above which the service is degraded.
	DegradedErrorPct int
	// DegradedMinRequests is the number of outcomes required before the rate is evaluated.
	DegradedMinRequests int
	// CheckTimeout bounds each dependency check.
	CheckTimeout time.Duration
}

// Report is the computed health state.
type Report struct {
	Status     string
	StatusCode int
	Reason     string
	Checks     map[string]string
}

// Monitor combines the shutdown flag, the upstream outcome tracker and dependency checks.
type Monitor struct {
	cfg          Config
	tracker      *Tracker
	shuttingDown atomic.Bool
	logger       *zap.Logger

	mu         sync.Mutex
	checks     map[string]CheckFunc
	prevStatus string
}

// NewMonitor returns a Monitor. logger may be nil.
func NewMonitor(cfg Config, logger *zap.Logger) *Monitor {
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{cfg: cfg, tracker: NewTracker(), logger: logger, checks: make(map[string]CheckFunc)}
}

// AddCheck registers a dependency check reported under name.
func (m *Monitor) AddCheck(name string, fn CheckFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[name] = fn
}

// SetShuttingDown sets the shutdown flag. Call when SIGTERM/SIGINT is received.
func (m *Monitor) SetShuttingDown(v bool) {
	m.shuttingDown.Store(v)
}

// IsShuttingDown reports whether the process is draining.
func (m *Monitor) IsShuttingDown() bool {
	return m.shuttingDown.Load()
}

// RecordSuccess records a successful upstream-backed request.
func (m *Monitor) RecordSuccess() { m.tracker.RecordSuccess() }

// RecordError records a request that failed upstream.
func (m *Monitor) RecordError() { m.tracker.RecordError() }

// Degraded reports whether the upstream error rate in the window breaches the threshold.
func (m *Monitor) Degraded() bool {
	if m.cfg.DegradedWindow <= 0 || m.cfg.DegradedErrorPct <= 0 {
		return false
	}
	errs, total := m.tracker.ErrorRate(m.cfg.DegradedWindow)
	if total == 0 || total < m.cfg.DegradedMinRequests {
		return false
	}
	return float64(errs)*100/float64(total) >= float64(m.cfg.DegradedErrorPct)
}

// Check computes the current report. Decision order: shutting-down > degraded > healthy.
// Cache and history checks are informational; they never change the status because both
// dependencies are best-effort.
func (m *Monitor) Check(ctx context.Context) Report {
	report := Report{Status: StatusHealthy, StatusCode: http.StatusOK, Checks: map[string]string{"weatherApi": "healthy"}}
	switch {
	case m.IsShuttingDown():
		report.Status, report.StatusCode, report.Reason = StatusShuttingDown, http.StatusServiceUnavailable, "signal"
	case m.Degraded():
		report.Status, report.StatusCode, report.Reason = StatusDegraded, http.StatusServiceUnavailable, "error_rate_breach"
		report.Checks["weatherApi"] = "unhealthy"
	}

	m.mu.Lock()
	checks := make(map[string]CheckFunc, len(m.checks))
	names := make([]string, 0, len(m.checks))
	for name, fn := range m.checks {
		checks[name] = fn
		names = append(names, name)
	}
	m.mu.Unlock()

	sort.Strings(names)
	for _, name := range names {
		checkCtx, cancel := context.WithTimeout(ctx, m.cfg.CheckTimeout)
		if err := checks[name](checkCtx); err != nil {
			report.Checks[name] = "unhealthy"
		} else {
			report.Checks[name] = "healthy"
		}
		cancel()
	}

	m.mu.Lock()
	if m.prevStatus != "" && m.prevStatus != report.Status {
		m.logger.Info("health status transition",
			zap.String("previous_status", m.prevStatus),
			zap.String("current_status", report.Status),
			zap.String("reason", report.Reason))
	}
	m.prevStatus = report.Status
	m.mu.Unlock()
	return report
}
