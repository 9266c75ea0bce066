package health

import (
	"context"
	"time"

	"github.com/mechtest/utmlink/internal/link"
)

// LinkChecker 串口链路健康检查器。
// 链路断开是操作员可选择的正常状态，不算 Unhealthy：
// HTTP API 在无链路时依然要能枚举串口、查询历史会话。
type LinkChecker struct {
	mgr *link.Manager
}

// NewLinkChecker 创建链路健康检查器
func NewLinkChecker(mgr *link.Manager) *LinkChecker {
	return &LinkChecker{mgr: mgr}
}

// Name 返回检查器名称
func (c *LinkChecker) Name() string {
	return "link"
}

// Check 执行健康检查
func (c *LinkChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	info := c.mgr.Snapshot()

	status := StatusHealthy
	switch c.mgr.State() {
	case link.Connected:
		status = StatusHealthy
	default:
		status = StatusDegraded
	}

	return CheckResult{
		Status:  status,
		Message: info.State,
		Details: map[string]interface{}{
			"port":        info.Port,
			"frames_rx":   info.FramesRx,
			"bytes_rx":    info.BytesRx,
			"crc_dropped": info.CRCDropped,
			"reconnects":  info.Reconnects,
			"last_error":  info.LastError,
		},
		Latency: time.Since(start),
	}
}
