package httpserver

import (
	"context"
	"sync"
)

// Probe checks one dependency.
type Probe func(ctx context.Context) error

// defaultFailureThreshold is how many consecutive probe failures mark a
// dependency unhealthy.
const defaultFailureThreshold = 3

type dependency struct {
	name  string
	probe Probe
}

// HealthTracker probes registered dependencies and counts consecutive
// failures per dependency. A single flaky poll does not flip readiness;
// a dependency reports unhealthy only once it has failed threshold polls
// in a row, and recovers on the first success.
type HealthTracker struct {
	mu        sync.Mutex
	deps      []dependency
	failures  map[string]int
	threshold int
}

// NewHealthTracker builds a tracker. threshold < 1 selects the default.
func NewHealthTracker(threshold int) *HealthTracker {
	if threshold < 1 {
		threshold = defaultFailureThreshold
	}
	return &HealthTracker{
		failures:  make(map[string]int),
		threshold: threshold,
	}
}

// Register adds a named dependency. Registration order is report order.
func (t *HealthTracker) Register(name string, probe Probe) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.deps = append(t.deps, dependency{name: name, probe: probe})
}

// DependencyStatus is one dependency's snapshot after a Check.
type DependencyStatus struct {
	Name                string `json:"name"`
	Healthy             bool   `json:"healthy"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	Error               string `json:"error,omitempty"`
}

// HealthReport aggregates dependency statuses. Overall is healthy iff
// every dependency's consecutive failure count is below the threshold.
type HealthReport struct {
	Overall      bool               `json:"overall"`
	Dependencies []DependencyStatus `json:"dependencies"`
}

// Check probes every dependency once and returns the updated report.
// Checks are serialized so the failure counters stay exact.
func (t *HealthTracker) Check(ctx context.Context) HealthReport {
	t.mu.Lock()
	defer t.mu.Unlock()

	report := HealthReport{Overall: true}
	for _, d := range t.deps {
		status := DependencyStatus{Name: d.name}
		if err := d.probe(ctx); err != nil {
			t.failures[d.name]++
			status.Error = err.Error()
		} else {
			t.failures[d.name] = 0
		}
		status.ConsecutiveFailures = t.failures[d.name]
		status.Healthy = status.ConsecutiveFailures < t.threshold
		if !status.Healthy {
			report.Overall = false
		}
		report.Dependencies = append(report.Dependencies, status)
	}
	return report
}
