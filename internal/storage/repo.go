package storage

import (
	"context"
	"errors"
	"time"

	"github.com/mechtest/utmlink/internal/storage/models"
)

// ErrNotFound 查询对象不存在
var ErrNotFound = errors.New("storage: not found")

// SessionStats 会话结束时回填的汇总统计
type SessionStats struct {
	SampleCount  int64
	MaxForceN    *float64
	MinForceN    *float64
	AvgForceN    *float64
	MaxDispMM    *float64
	MinDispMM    *float64
	MaxStressMPa *float64
	MaxStrainPct *float64
}

// SessionRepo 试验会话与指令审计的持久化接口。
// 高频样本批量写入走 SampleWriter，不在此接口内。
type SessionRepo interface {
	CreateSession(ctx context.Context, s *models.TestSession) error
	FinishSession(ctx context.Context, id, status string, note *string, endedAt time.Time, stats SessionStats) error
	GetSession(ctx context.Context, id string) (*models.TestSession, error)
	ListSessions(ctx context.Context, limit, offset int) ([]models.TestSession, error)
	ListSamples(ctx context.Context, sessionID string, limit, offset int) ([]models.Sample, error)
	InsertCmdLog(ctx context.Context, l *models.CmdLog) error
	AutoMigrate(ctx context.Context) error
}

// SampleWriter 高频遥测样本的批量写入（pgx CopyFrom）
type SampleWriter interface {
	WriteSamples(ctx context.Context, rows []models.Sample) (int64, error)
}
