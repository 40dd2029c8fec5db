// Package health tracks the reachability of the driver manager's
// collaborators: the device catalog, the driver repository and the journal.
package health

import (
	"sort"
	"sync"
	"time"

	"github.com/breeze-rmm/drivermgr/internal/logging"
)

var log = logging.L("health")

// Status of one component.
type Status string

const (
	Healthy   Status = "healthy"
	Degraded  Status = "degraded"
	Unhealthy Status = "unhealthy"
	Unknown   Status = "unknown"
)

// Components reported by the orchestrator.
const (
	Catalog    = "device_catalog"
	Repository = "repository"
	Journal    = "journal"
)

// Check is the latest result for one component.
type Check struct {
	Name      string    `json:"name"`
	Status    Status    `json:"status"`
	Message   string    `json:"message,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Monitor is safe for concurrent use. A nil Monitor ignores updates.
type Monitor struct {
	mu     sync.RWMutex
	checks map[string]Check
}

func NewMonitor() *Monitor {
	return &Monitor{checks: make(map[string]Check)}
}

// Update records a result. Only transitions are logged, since the
// orchestrator reports on every rescan and journal write.
func (m *Monitor) Update(name string, status Status, message string) {
	if m == nil {
		return
	}
	switch status {
	case Healthy, Degraded, Unhealthy:
	default:
		status = Unknown
	}

	m.mu.Lock()
	prev, seen := m.checks[name]
	m.checks[name] = Check{Name: name, Status: status, Message: message, UpdatedAt: time.Now()}
	m.mu.Unlock()

	if seen && prev.Status == status {
		return
	}
	if status == Healthy {
		if seen {
			log.Info("component recovered", "component", name)
		}
		return
	}
	log.Warn("component unhealthy", "component", name, "status", string(status), "message", message)
}

func (m *Monitor) Get(name string) (Check, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.checks[name]
	return c, ok
}

// Overall is the worst status across components, or Unknown before the
// first report.
func (m *Monitor) Overall() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.checks) == 0 {
		return Unknown
	}
	worst := Healthy
	for _, c := range m.checks {
		if rank(c.Status) > rank(worst) {
			worst = c.Status
		}
	}
	return worst
}

// All returns the checks sorted by name.
func (m *Monitor) All() []Check {
	m.mu.RLock()
	out := make([]Check, 0, len(m.checks))
	for _, c := range m.checks {
		out = append(out, c)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Report is the body of the health endpoint.
type Report struct {
	Status     Status  `json:"status"`
	Components []Check `json:"components"`
}

func (m *Monitor) Report() Report {
	return Report{Status: m.Overall(), Components: m.All()}
}

func rank(s Status) int {
	switch s {
	case Healthy:
		return 0
	case Degraded:
		return 1
	case Unhealthy:
		return 2
	default:
		return 3
	}
}
