package health

import (
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestOverallEmptyIsUnknown(t *testing.T) {
	m := NewMonitor()
	if got := m.Overall(); got != Unknown {
		t.Fatalf("Overall() = %q, want %q", got, Unknown)
	}
	if r := m.Report(); len(r.Components) != 0 {
		t.Fatalf("Report components = %v, want none", r.Components)
	}
}

func TestOverallReturnsWorstStatus(t *testing.T) {
	tests := []struct {
		name   string
		checks map[string]Status
		want   Status
	}{
		{"all healthy", map[string]Status{Catalog: Healthy, Repository: Healthy}, Healthy},
		{"degraded repository", map[string]Status{Catalog: Healthy, Repository: Degraded}, Degraded},
		{"unhealthy beats degraded", map[string]Status{Repository: Degraded, Catalog: Unhealthy}, Unhealthy},
		{"unknown is worst", map[string]Status{Catalog: Unhealthy, Journal: Unknown}, Unknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMonitor()
			for name, s := range tt.checks {
				m.Update(name, s, "")
			}
			if got := m.Overall(); got != tt.want {
				t.Errorf("Overall() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestUpdateCoercesInvalidStatus(t *testing.T) {
	m := NewMonitor()
	m.Update(Journal, Status("garbage"), "bad value")
	c, ok := m.Get(Journal)
	if !ok {
		t.Fatal("component not found after Update")
	}
	if c.Status != Unknown {
		t.Errorf("Status = %q, want %q", c.Status, Unknown)
	}
}

func TestUpdateReplacesPrevious(t *testing.T) {
	m := NewMonitor()
	m.Update(Repository, Degraded, "2 of 3 lookups failed")
	m.Update(Repository, Healthy, "")
	c, _ := m.Get(Repository)
	if c.Status != Healthy || c.Message != "" {
		t.Errorf("check = %+v, want healthy with no message", c)
	}
}

func TestReportSortedByName(t *testing.T) {
	m := NewMonitor()
	m.Update(Repository, Healthy, "")
	m.Update(Catalog, Healthy, "")
	m.Update(Journal, Degraded, "disk full")

	r := m.Report()
	var names []string
	for _, c := range r.Components {
		names = append(names, c.Name)
	}
	if diff := cmp.Diff([]string{Catalog, Journal, Repository}, names); diff != "" {
		t.Errorf("component order mismatch (-want +got):\n%s", diff)
	}
	if r.Status != Degraded {
		t.Errorf("Status = %q, want %q", r.Status, Degraded)
	}
}

func TestNilMonitorIgnoresUpdates(t *testing.T) {
	var m *Monitor
	m.Update(Catalog, Unhealthy, "ignored")
}

func TestConcurrentUpdates(t *testing.T) {
	m := NewMonitor()
	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if i%2 == 0 {
				m.Update(Repository, Healthy, "")
			} else {
				m.Update(Journal, Degraded, "slow")
			}
			_ = m.Overall()
			_ = m.Report()
		}()
	}
	wg.Wait()
	if got := m.Overall(); got != Degraded {
		t.Errorf("Overall() = %q, want %q", got, Degraded)
	}
}
