package pg

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mechtest/utmlink/internal/storage/models"
)

// SampleWriter 通过 pgx CopyFrom 批量写入遥测样本。
// 采样率可达百 Hz 量级，逐行 INSERT 跟不上，COPY 协议一次提交整批。
type SampleWriter struct {
	pool *pgxpool.Pool
}

// NewSampleWriter 创建批量写入器
func NewSampleWriter(pool *pgxpool.Pool) *SampleWriter {
	return &SampleWriter{pool: pool}
}

var sampleColumns = []string{
	"session_id", "seq", "at", "force_n", "disp_mm", "state", "stress_mpa", "strain_pct",
}

// WriteSamples 一次 COPY 写入整批样本，返回写入行数
func (w *SampleWriter) WriteSamples(ctx context.Context, rows []models.Sample) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	src := pgx.CopyFromSlice(len(rows), func(i int) ([]interface{}, error) {
		r := rows[i]
		return []interface{}{
			r.SessionID, r.Seq, r.At, r.ForceN, r.DispMM, r.State, r.StressMPa, r.StrainPct,
		}, nil
	})
	return w.pool.CopyFrom(ctx, pgx.Identifier{"samples"}, sampleColumns, src)
}
