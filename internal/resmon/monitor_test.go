package resmon

import (
	"testing"
)

// fixedProbe reports a constant usage reading.
type fixedProbe struct {
	usage float64
}

func (p fixedProbe) UsageMB() float64 { return p.usage }

func TestMonitor_WithinLimit(t *testing.T) {
	tests := []struct {
		name  string
		usage float64
		limit int
		want  bool
	}{
		{"well under", 100, 1024, true},
		{"at limit", 1024, 1024, true},
		{"over limit", 2048, 1024, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := New(fixedProbe{tt.usage}, tt.limit, true, nil)
			if got := m.WithinLimit(); got != tt.want {
				t.Errorf("WithinLimit() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMonitor_RelieveOnlyWhenOver(t *testing.T) {
	under := New(fixedProbe{100}, 1024, true, nil)
	if under.RelieveIfNeeded() {
		t.Error("RelieveIfNeeded() intervened while under the limit")
	}
	if got := under.RelievedCount(); got != 0 {
		t.Errorf("RelievedCount() = %d, want 0", got)
	}

	over := New(fixedProbe{2048}, 1024, true, nil)
	if !over.RelieveIfNeeded() {
		t.Error("RelieveIfNeeded() did not intervene while over the limit")
	}
	if got := over.RelievedCount(); got != 1 {
		t.Errorf("RelievedCount() = %d, want 1", got)
	}
}

func TestMonitor_DisabledAlwaysHasHeadroom(t *testing.T) {
	m := New(fixedProbe{9999}, 10, false, nil)

	if !m.WithinLimit() {
		t.Error("disabled monitor reported pressure")
	}
	if m.RelieveIfNeeded() {
		t.Error("disabled monitor intervened")
	}
	if got := m.UsageMB(); got != 0 {
		t.Errorf("disabled UsageMB() = %v, want 0", got)
	}
}

func TestRuntimeProbe_ReportsPositive(t *testing.T) {
	var p RuntimeProbe
	if got := p.UsageMB(); got <= 0 {
		t.Errorf("UsageMB() = %v, want > 0", got)
	}
}
