package health

import (
	"context"
	"errors"
	"time"

	"github.com/theroutercompany/engine_manager/pkg/engine"
)

// Readiness states.
const (
	StatusReady    = "ready"
	StatusDegraded = "degraded"
)

const (
	defaultTimeout = 2 * time.Second
	engineName     = "engine-manager"
)

var errManagerUnavailable = errors.New("engine manager unavailable")

// DependencyReport captures the outcome of probing a single dependency.
type DependencyReport struct {
	Name          string    `json:"name"`
	Healthy       bool      `json:"healthy"`
	EngineVersion *int      `json:"engineVersion,omitempty"`
	Error         string    `json:"error,omitempty"`
	CheckedAt     time.Time `json:"checkedAt"`
}

// Report aggregates readiness across dependencies.
type Report struct {
	Status       string             `json:"status"`
	CheckedAt    time.Time          `json:"checkedAt"`
	Dependencies []DependencyReport `json:"dependencies"`
}

// Ready reports whether every dependency is healthy.
func (r Report) Ready() bool {
	return r.Status == StatusReady
}

// Checker probes the engine manager for readiness. Any answer from the
// manager, including version 0, counts as healthy; a missing client or a
// failed call does not.
type Checker struct {
	svc     engine.Interface
	timeout time.Duration
}

// NewChecker returns a checker over svc. Non-positive timeouts select the
// default.
func NewChecker(svc engine.Interface, timeout time.Duration) *Checker {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Checker{svc: svc, timeout: timeout}
}

// Readiness probes the manager and returns an aggregated report.
func (c *Checker) Readiness(ctx context.Context) Report {
	dep := c.probe(ctx)

	report := Report{
		Status:       StatusReady,
		CheckedAt:    time.Now().UTC(),
		Dependencies: []DependencyReport{dep},
	}
	if !dep.Healthy {
		report.Status = StatusDegraded
	}
	return report
}

func (c *Checker) probe(ctx context.Context) DependencyReport {
	report := DependencyReport{
		Name:      engineName,
		CheckedAt: time.Now().UTC(),
	}

	if c.svc == nil {
		report.Error = errManagerUnavailable.Error()
		return report
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	version, err := c.svc.EngineVersion(reqCtx)
	if err != nil {
		report.Error = err.Error()
		return report
	}

	report.Healthy = true
	report.EngineVersion = &version
	return report
}
