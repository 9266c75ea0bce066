package health

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// RegisterHTTPRoutes 注册健康检查路由。
// 链路 Degraded 时 /health 仍返回 200：断开的串口不影响 API 可用性。
func RegisterHTTPRoutes(r *gin.Engine, aggregator *Aggregator) {
	// readiness 探针
	r.GET("/health/ready", func(c *gin.Context) {
		if !aggregator.Ready(c.Request.Context()) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "ready": false})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "ready": true})
	})

	// liveness 探针
	r.GET("/health/live", func(c *gin.Context) {
		if !aggregator.Alive() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"alive": false})
			return
		}
		c.JSON(http.StatusOK, gin.H{"alive": true})
	})

	// 按组件展开的详细报告，供排障时人工查看
	r.GET("/health", func(c *gin.Context) {
		results := aggregator.CheckAll(c.Request.Context())

		overall := StatusHealthy
		for _, res := range results {
			if res.Status == StatusUnhealthy {
				overall = StatusUnhealthy
				break
			}
			if res.Status == StatusDegraded {
				overall = StatusDegraded
			}
		}

		code := http.StatusOK
		if overall == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, HealthReport{
			Status:    overall,
			Timestamp: time.Now(),
			Checks:    results,
		})
	})
}
