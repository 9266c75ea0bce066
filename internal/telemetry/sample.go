package telemetry

import (
	"sync"
	"time"

	"github.com/mechtest/utmlink/internal/protocol/utm"
)

// Sample 一条遥测样本。追加只读：生产后不再修改，订阅方不可变更。
// Stress/Strain 仅在 DerivedValid 为 true 时有效；
// 试样几何未设置时不计算派生量，避免输出默认几何下的错误材料数据。
type Sample struct {
	Seq            uint16           `json:"seq"`
	Timestamp      time.Time        `json:"timestamp"`
	ForceN         float64          `json:"force_n"`
	DisplacementMM float64          `json:"displacement_mm"`
	State          utm.MachineState `json:"-"`
	StateName      string           `json:"state"`
	StressMPa      float64          `json:"stress_mpa,omitempty"`
	StrainPct      float64          `json:"strain_pct,omitempty"`
	DerivedValid   bool             `json:"derived_valid"`
}

// Geometry 试样几何：横截面积与标距。两者均为正值才视为已设置。
type Geometry struct {
	AreaMM2       float64 `json:"area_mm2"`
	GaugeLengthMM float64 `json:"gauge_length_mm"`
}

// Set 几何是否已设置
func (g Geometry) Set() bool { return g.AreaMM2 > 0 && g.GaugeLengthMM > 0 }

// GeometryStore 并发安全的几何存取
type GeometryStore struct {
	mu sync.RWMutex
	g  Geometry
}

// Update 更新几何
func (s *GeometryStore) Update(g Geometry) {
	s.mu.Lock()
	s.g = g
	s.mu.Unlock()
}

// Get 读取当前几何
func (s *GeometryStore) Get() Geometry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.g
}

// Derive 由原始遥测与当前几何构造样本。
// 应力 MPa = N / mm²；应变 % = 位移 / 标距 × 100。
func Derive(seq uint16, t utm.Telemetry, g Geometry, at time.Time) Sample {
	s := Sample{
		Seq:            seq,
		Timestamp:      at,
		ForceN:         float64(t.ForceN),
		DisplacementMM: float64(t.DisplacementMM),
		State:          t.State,
		StateName:      t.State.String(),
	}
	if g.Set() {
		s.StressMPa = s.ForceN / g.AreaMM2
		s.StrainPct = s.DisplacementMM / g.GaugeLengthMM * 100
		s.DerivedValid = true
	}
	return s
}
