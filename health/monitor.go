package health

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/c360/ipfixfwd/component"
)

// Source reports the health of a set of named components.
// *component.Registry implements it.
type Source interface {
	Health() map[string]component.HealthStatus
}

// Recorder receives every status update. *metric.Metrics implements it.
type Recorder interface {
	RecordHealthStatus(component string, healthy bool)
}

// Monitor tracks health of multiple components in a thread-safe manner
type Monitor struct {
	mu       sync.RWMutex
	statuses map[string]Status
	recorder Recorder
}

// NewMonitor creates a new health monitor
func NewMonitor() *Monitor {
	return &Monitor{
		statuses: make(map[string]Status),
	}
}

// SetRecorder forwards every later Update to r
func (m *Monitor) SetRecorder(r Recorder) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recorder = r
}

// Update updates the health status for a named component
func (m *Monitor) Update(name string, status Status) {
	m.mu.Lock()
	defer m.mu.Unlock()

	status.Component = name
	if status.Timestamp.IsZero() {
		status.Timestamp = time.Now()
	}
	m.statuses[name] = status
	if m.recorder != nil {
		m.recorder.RecordHealthStatus(name, status.Healthy)
	}
}

// Get retrieves the health status for a named component
func (m *Monitor) Get(name string) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status, exists := m.statuses[name]
	return status, exists
}

// GetAll returns a copy of all current health statuses
func (m *Monitor) GetAll() map[string]Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return maps.Clone(m.statuses)
}

// Remove removes a component from monitoring
func (m *Monitor) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.statuses, name)
}

// AggregateHealth returns the system status with components sorted by name
func (m *Monitor) AggregateHealth(systemName string) Status {
	m.mu.RLock()
	names := slices.Sorted(maps.Keys(m.statuses))
	subs := make([]Status, 0, len(names))
	for _, name := range names {
		subs = append(subs, m.statuses[name])
	}
	m.mu.RUnlock()

	return Aggregate(systemName, subs)
}

// Refresh replaces the statuses with the current health reported by src
func (m *Monitor) Refresh(src Source) {
	for name, ch := range src.Health() {
		m.Update(name, FromComponentHealth(name, ch))
	}
}

// Watch refreshes from src immediately and then every interval until ctx
// is done
func (m *Monitor) Watch(ctx context.Context, interval time.Duration, src Source) {
	m.Refresh(src)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Refresh(src)
		}
	}
}
