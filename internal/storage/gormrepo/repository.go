package gormrepo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/mechtest/utmlink/internal/storage"
	"github.com/mechtest/utmlink/internal/storage/models"
)

// Repository 基于 GORM 的 SessionRepo 实现
type Repository struct {
	db *gorm.DB
}

// New 返回一个使用给定 *gorm.DB 的 SessionRepo 实例。
func New(db *gorm.DB) storage.SessionRepo {
	return &Repository{db: db}
}

// AutoMigrate 建表/补列
func (r *Repository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(
		&models.TestSession{},
		&models.Sample{},
		&models.CmdLog{},
	)
}

// CreateSession 新建试验会话
func (r *Repository) CreateSession(ctx context.Context, s *models.TestSession) error {
	if s.Status == "" {
		s.Status = models.SessionRunning
	}
	return r.db.WithContext(ctx).Create(s).Error
}

// FinishSession 结束会话：写终态、结束时间与汇总统计。
// 只允许从 running 迁出，终态会话不可重复结束。
func (r *Repository) FinishSession(ctx context.Context, id, status string, note *string, endedAt time.Time, stats storage.SessionStats) error {
	res := r.db.WithContext(ctx).
		Model(&models.TestSession{}).
		Where("id = ? AND status = ?", id, models.SessionRunning).
		Updates(map[string]interface{}{
			"status":         status,
			"interrupt_note": note,
			"ended_at":       endedAt,
			"sample_count":   stats.SampleCount,
			"max_force_n":    stats.MaxForceN,
			"min_force_n":    stats.MinForceN,
			"avg_force_n":    stats.AvgForceN,
			"max_disp_mm":    stats.MaxDispMM,
			"min_disp_mm":    stats.MinDispMM,
			"max_stress_mpa": stats.MaxStressMPa,
			"max_strain_pct": stats.MaxStrainPct,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// GetSession 按 UUID 查询会话
func (r *Repository) GetSession(ctx context.Context, id string) (*models.TestSession, error) {
	var s models.TestSession
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// ListSessions 分页返回会话列表，最新在前
func (r *Repository) ListSessions(ctx context.Context, limit, offset int) ([]models.TestSession, error) {
	var out []models.TestSession
	q := r.db.WithContext(ctx).Order("started_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if offset > 0 {
		q = q.Offset(offset)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// ListSamples 按时间顺序分页返回会话样本（CSV 导出按页拉取）
func (r *Repository) ListSamples(ctx context.Context, sessionID string, limit, offset int) ([]models.Sample, error) {
	var out []models.Sample
	q := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("at ASC, id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if offset > 0 {
		q = q.Offset(offset)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// InsertCmdLog 写入一条指令审计
func (r *Repository) InsertCmdLog(ctx context.Context, l *models.CmdLog) error {
	return r.db.WithContext(ctx).Create(l).Error
}
