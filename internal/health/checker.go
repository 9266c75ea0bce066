package health

import (
	"context"
	"time"
)

// Status 组件健康状态。串口链路断开视为 Degraded 而非 Unhealthy：
// 端口枚举、历史会话查询等能力不依赖在线链路。
type Status string

const (
	StatusHealthy   Status = "healthy"   // 健康
	StatusDegraded  Status = "degraded"  // 降级（部分功能受损但仍可服务）
	StatusUnhealthy Status = "unhealthy" // 不健康（无法服务）
)

// CheckResult 单个组件的检查结果
type CheckResult struct {
	Status  Status                 `json:"status"`
	Message string                 `json:"message,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
	Latency time.Duration          `json:"latency"`
}

// Checker 健康检查器。链路、数据库、Redis 各实现一个
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}
