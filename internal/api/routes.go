package api

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mechtest/utmlink/internal/api/middleware"
)

// RegisterRoutes 注册控制与查询路由
func RegisterRoutes(r *gin.Engine, h *Handler, authCfg middleware.AuthConfig, logger *zap.Logger) {
	if r == nil || h == nil {
		return
	}

	v1 := r.Group("/api/v1")
	if authCfg.Enabled {
		v1.Use(middleware.APIKeyAuth(authCfg, logger))
		logger.Info("api authentication enabled",
			zap.Int("api_keys_count", len(authCfg.APIKeys)))
	} else {
		logger.Warn("api authentication disabled - only for development!")
	}

	// 串口与链路
	v1.GET("/ports", h.ListPorts)
	v1.GET("/link", h.LinkInfo)
	v1.POST("/link/connect", h.Connect)
	v1.POST("/link/disconnect", h.Disconnect)

	// 指令
	v1.POST("/commands", h.SubmitCommand)
	v1.GET("/commands/:id", h.CommandStatus)
	v1.POST("/stop", h.Stop)

	// 遥测
	v1.GET("/telemetry/stream", h.StreamTelemetry)
	v1.GET("/events/stream", h.StreamEvents)

	// 试样与会话
	v1.GET("/specimen", h.GetSpecimen)
	v1.PUT("/specimen", h.PutSpecimen)
	v1.POST("/sessions", h.StartSession)
	v1.POST("/sessions/current/finish", h.FinishSession)
	v1.GET("/sessions", h.ListSessions)
	v1.GET("/sessions/:id", h.GetSession)
	v1.GET("/sessions/:id/export.csv", h.ExportSessionCSV)

	logger.Info("api routes registered", zap.Int("endpoints", 16))
}
