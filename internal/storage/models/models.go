package models

import (
	"time"
)

// 注意：
// - 不使用 gorm.Model，显式声明每个字段，避免隐式 DeletedAt
// - samples 表走 pgx CopyFrom 批量写入，gorm 只负责建表与查询

// 试验会话状态
const (
	SessionRunning     = "running"
	SessionCompleted   = "completed"
	SessionInterrupted = "interrupted" // 链路丢失或急停中断
)

// TestSession 映射 test_sessions 表，一次拉伸/压缩试验
type TestSession struct {
	// 会话 UUID，由上位机生成
	ID string `gorm:"column:id;type:uuid;primaryKey"`
	// 操作员给定的试验名称，可空
	Name *string `gorm:"column:name;type:text"`
	// 试样几何（试验开始时的快照，之后几何变更不影响本会话）
	SpecimenAreaMM2  *float64 `gorm:"column:specimen_area_mm2"`
	SpecimenGaugeMM  *float64 `gorm:"column:specimen_gauge_mm"`
	SpecimenMaterial *string  `gorm:"column:specimen_material;type:text"`
	// running / completed / interrupted
	Status string `gorm:"column:status;type:text;not null;default:running"`
	// 汇总统计（会话结束时回填）
	SampleCount   int64    `gorm:"column:sample_count;not null;default:0"`
	MaxForceN     *float64 `gorm:"column:max_force_n"`
	MinForceN     *float64 `gorm:"column:min_force_n"`
	AvgForceN     *float64 `gorm:"column:avg_force_n"`
	MaxDispMM     *float64 `gorm:"column:max_disp_mm"`
	MinDispMM     *float64 `gorm:"column:min_disp_mm"`
	MaxStressMPa  *float64 `gorm:"column:max_stress_mpa"`
	MaxStrainPct  *float64 `gorm:"column:max_strain_pct"`
	InterruptNote *string  `gorm:"column:interrupt_note;type:text"`
	// 时间
	StartedAt time.Time  `gorm:"column:started_at;not null"`
	EndedAt   *time.Time `gorm:"column:ended_at"`
	CreatedAt time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

func (TestSession) TableName() string { return "test_sessions" }

// Sample 映射 samples 表（高频遥测，批量写入）
type Sample struct {
	ID        int64     `gorm:"column:id;primaryKey;autoIncrement"`
	SessionID string    `gorm:"column:session_id;type:uuid;not null;index:idx_samples_session_time,priority:1"`
	Seq       int32     `gorm:"column:seq;not null"`
	At        time.Time `gorm:"column:at;not null;index:idx_samples_session_time,priority:2"`
	ForceN    float64   `gorm:"column:force_n;not null"`
	DispMM    float64   `gorm:"column:disp_mm;not null"`
	State     string    `gorm:"column:state;type:text;not null"`
	// 派生量仅在试样几何已设置时有值
	StressMPa *float64 `gorm:"column:stress_mpa"`
	StrainPct *float64 `gorm:"column:strain_pct"`
}

func (Sample) TableName() string { return "samples" }

// CmdLog 映射 cmd_log 表（下行指令审计）
type CmdLog struct {
	ID         int64     `gorm:"column:id;primaryKey;autoIncrement"`
	HandleID   string    `gorm:"column:handle_id;type:uuid;not null;uniqueIndex"`
	SessionID  *string   `gorm:"column:session_id;type:uuid;index:idx_cmdlog_session,where:session_id IS NOT NULL"`
	Command    string    `gorm:"column:command;type:text;not null"`
	Seq        int32     `gorm:"column:seq;not null"`
	Attempts   int32     `gorm:"column:attempts;not null;default:0"`
	Result     string    `gorm:"column:result;type:text;not null"` // acked/timeout/linklost/failed
	ErrCode    *int32    `gorm:"column:err_code"`
	DurationMs *int32    `gorm:"column:duration_ms"`
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime;index"`
}

func (CmdLog) TableName() string { return "cmd_log" }
