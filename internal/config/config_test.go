package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoad_PathFromEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "utmlink.yaml")
	require.NoError(t, os.WriteFile(path, []byte("serial:\n  baud: 9600\n"), 0o644))

	t.Setenv("UTM_CONFIG", path)
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 9600, cfg.Serial.Baud)
}

func TestValidate_PositionEnvelope(t *testing.T) {
	cfg := &Config{}
	cfg.Safety.MinSpeedRPM = 1
	cfg.Safety.MaxSpeedRPM = 200
	cfg.Safety.DefaultSpeedRPM = 10
	cfg.Link.HeartbeatInterval = 1
	cfg.Link.HeartbeatMissLimit = 3

	// 全零包络合法（禁用位置检查）
	require.NoError(t, cfg.Validate())

	// 配置了边界但 max <= min 必须被拒绝
	cfg.Safety.MaxPositionMM = 0
	cfg.Safety.MinPositionMM = 5
	require.Error(t, cfg.Validate())

	cfg.Safety.MaxPositionMM = 100
	cfg.Safety.MinPositionMM = -5
	require.NoError(t, cfg.Validate())
}
