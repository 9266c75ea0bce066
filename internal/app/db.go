package app

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	gormpg "gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	cfgpkg "github.com/mechtest/utmlink/internal/config"
	"github.com/mechtest/utmlink/internal/storage"
	"github.com/mechtest/utmlink/internal/storage/gormrepo"
	pgstorage "github.com/mechtest/utmlink/internal/storage/pg"
)

// Storage 试验数据归档的两条写路径：
// gorm 负责建表与会话/审计 CRUD，pgx 池负责样本 COPY 批量写入。
type Storage struct {
	Repo   storage.SessionRepo
	Writer storage.SampleWriter
	Pool   *pgxpool.Pool
}

// Close 释放连接
func (s *Storage) Close() {
	if s.Pool != nil {
		s.Pool.Close()
	}
}

// ConnectStorage 建立数据库连接并执行建表迁移。
// cfg.Enable 为 false 时返回 nil Storage，会话功能禁用。
func ConnectStorage(ctx context.Context, cfg cfgpkg.DatabaseConfig, log *zap.Logger) (*Storage, error) {
	if !cfg.Enable {
		log.Info("database is disabled, test sessions unavailable")
		return nil, nil
	}

	pool, err := pgstorage.NewPool(ctx, cfg.DSN, cfg.MaxOpenConns, cfg.MaxIdleConns, cfg.ConnMaxLifetime, log)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(gormpg.Open(cfg.DSN), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		pool.Close()
		return nil, err
	}

	repo := gormrepo.New(db)
	if err := repo.AutoMigrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	log.Info("database ready", zap.String("dsn", MaskDSN(cfg.DSN)))

	return &Storage{
		Repo:   repo,
		Writer: pgstorage.NewSampleWriter(pool),
		Pool:   pool,
	}, nil
}

// MaskDSN 脱敏数据库连接字符串（隐藏密码）
func MaskDSN(dsn string) string {
	if idx := strings.Index(dsn, "@"); idx > 0 {
		if pwdIdx := strings.LastIndex(dsn[:idx], ":"); pwdIdx > 0 {
			return dsn[:pwdIdx+1] + "****" + dsn[idx:]
		}
	}
	return dsn
}
