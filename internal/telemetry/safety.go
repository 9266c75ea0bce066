package telemetry

import (
	"fmt"
	"sync"
)

// Limits 安全限值。UTM 会对试样施加真实机械力，
// 越限必须立即触发急停，而不是等操作员注意到曲线异常。
type Limits struct {
	MaxLoadN      float64
	MaxPositionMM float64
	MinPositionMM float64
}

// Monitor 安全限值监视器。Check 在 I/O worker 上逐样本调用，
// 触发时通过 onTrip 要求上层下发急停；同一越限状态只触发一次，
// 回到安全区间后自动复位。
type Monitor struct {
	limits Limits
	onTrip func(reason string)

	mu      sync.Mutex
	tripped bool
}

// NewMonitor 创建监视器
func NewMonitor(limits Limits, onTrip func(reason string)) *Monitor {
	return &Monitor{limits: limits, onTrip: onTrip}
}

// Check 检查样本是否越限，返回违规描述（无违规为空）
func (m *Monitor) Check(s Sample) []string {
	var violations []string
	if m.limits.MaxLoadN > 0 && abs(s.ForceN) > m.limits.MaxLoadN {
		violations = append(violations,
			fmt.Sprintf("load %.1fN exceeds limit %.1fN", s.ForceN, m.limits.MaxLoadN))
	}
	// 位置包络与载荷限值同语义：全零视为未配置，不做检查
	if m.limits.MaxPositionMM != 0 || m.limits.MinPositionMM != 0 {
		if s.DisplacementMM > m.limits.MaxPositionMM {
			violations = append(violations,
				fmt.Sprintf("position %.2fmm exceeds max %.2fmm", s.DisplacementMM, m.limits.MaxPositionMM))
		}
		if s.DisplacementMM < m.limits.MinPositionMM {
			violations = append(violations,
				fmt.Sprintf("position %.2fmm below min %.2fmm", s.DisplacementMM, m.limits.MinPositionMM))
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(violations) == 0 {
		m.tripped = false
		return nil
	}
	if !m.tripped {
		m.tripped = true
		if m.onTrip != nil {
			m.onTrip(violations[0])
		}
	}
	return violations
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
