package telemetry

import (
	"testing"
	"time"

	"github.com/mechtest/utmlink/internal/protocol/utm"
)

func TestDerive_GeometryUnset(t *testing.T) {
	raw := utm.Telemetry{ForceN: 100, DisplacementMM: 2, State: utm.StateClosing}
	s := Derive(1, raw, Geometry{}, time.Now())
	if s.DerivedValid {
		t.Fatalf("derived fields must be unavailable without geometry")
	}
	if s.ForceN != 100 || s.DisplacementMM != 2 {
		t.Fatalf("raw fields must still be populated: %+v", s)
	}
}

func TestDerive_GeometrySet(t *testing.T) {
	raw := utm.Telemetry{ForceN: 500, DisplacementMM: 0.5}
	s := Derive(1, raw, Geometry{AreaMM2: 10, GaugeLengthMM: 25}, time.Now())
	if !s.DerivedValid {
		t.Fatalf("derived fields must be available")
	}
	if s.StressMPa != 50 {
		t.Fatalf("stress = %v, want 50", s.StressMPa)
	}
	if s.StrainPct != 2 {
		t.Fatalf("strain = %v, want 2", s.StrainPct)
	}
}

func TestHub_DropOldestOnOverflow(t *testing.T) {
	h := NewHub[int](4, nil)
	sub := h.Subscribe()
	defer sub.Cancel()

	for i := 0; i < 10; i++ {
		h.Publish(i)
	}
	// 缓冲 4，应只剩最新 4 个：6 7 8 9
	got := []int{<-sub.C, <-sub.C, <-sub.C, <-sub.C}
	for i, v := range got {
		if v != 6+i {
			t.Fatalf("position %d = %d, want %d", i, v, 6+i)
		}
	}
	if h.Dropped() != 6 {
		t.Fatalf("dropped = %d, want 6", h.Dropped())
	}
}

func TestHub_CloseAllTerminatesStream(t *testing.T) {
	h := NewHub[int](4, nil)
	sub := h.Subscribe()
	h.Publish(1)
	h.CloseAll()

	if v, ok := <-sub.C; !ok || v != 1 {
		t.Fatalf("expected buffered value before close, got %v %v", v, ok)
	}
	if _, ok := <-sub.C; ok {
		t.Fatalf("stream must terminate after CloseAll")
	}
	// 新订阅为新流
	sub2 := h.Subscribe()
	h.Publish(2)
	if v := <-sub2.C; v != 2 {
		t.Fatalf("new stream should receive fresh values, got %d", v)
	}
}

func TestHub_CancelIdempotent(t *testing.T) {
	h := NewHub[int](1, nil)
	sub := h.Subscribe()
	sub.Cancel()
	sub.Cancel()
	if n := h.SubscriberCount(); n != 0 {
		t.Fatalf("subscriber count = %d, want 0", n)
	}
}

func TestMonitor_TripsOnceUntilReset(t *testing.T) {
	trips := 0
	m := NewMonitor(Limits{MaxLoadN: 100, MaxPositionMM: 50, MinPositionMM: -5}, func(string) { trips++ })

	over := Sample{ForceN: 150, DisplacementMM: 10}
	if v := m.Check(over); len(v) == 0 {
		t.Fatalf("expected violation")
	}
	m.Check(over) // 持续越限不重复触发
	if trips != 1 {
		t.Fatalf("trips = %d, want 1", trips)
	}

	// 回到安全区间后复位，再次越限再次触发
	m.Check(Sample{ForceN: 10, DisplacementMM: 10})
	m.Check(Sample{ForceN: 10, DisplacementMM: 60})
	if trips != 2 {
		t.Fatalf("trips = %d, want 2", trips)
	}
}

func TestMonitor_PositionEnvelope(t *testing.T) {
	m := NewMonitor(Limits{MaxLoadN: 1000, MaxPositionMM: 100, MinPositionMM: -5}, nil)
	if v := m.Check(Sample{DisplacementMM: -6}); len(v) != 1 {
		t.Fatalf("expected min position violation, got %v", v)
	}
	if v := m.Check(Sample{DisplacementMM: 0}); v != nil {
		t.Fatalf("expected no violation, got %v", v)
	}
}

func TestMonitor_ZeroLimitsDisableChecks(t *testing.T) {
	// 全零限值表示未配置包络：正常运动不得触发急停
	trips := 0
	m := NewMonitor(Limits{}, func(string) { trips++ })
	if v := m.Check(Sample{ForceN: 500, DisplacementMM: 0.5}); v != nil {
		t.Fatalf("expected no violation with unset limits, got %v", v)
	}
	if v := m.Check(Sample{DisplacementMM: -3}); v != nil {
		t.Fatalf("expected no violation with unset limits, got %v", v)
	}
	if trips != 0 {
		t.Fatalf("trips = %d, want 0", trips)
	}
}
