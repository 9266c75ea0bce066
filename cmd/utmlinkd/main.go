package main

import (
	"go.uber.org/zap"

	"github.com/mechtest/utmlink/internal/app/bootstrap"
	cfgpkg "github.com/mechtest/utmlink/internal/config"
	"github.com/mechtest/utmlink/internal/logging"
)

func main() {
	// 1) 加载配置（UTM_CONFIG 或默认搜索路径）
	cfg, err := cfgpkg.Load("")
	if err != nil {
		panic(err)
	}

	// 2) 初始化日志
	logger, err := logging.InitLogger(cfg.Logging)
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	// 3) 启动
	if err := bootstrap.Run(cfg, zap.L()); err != nil {
		zap.L().Fatal("startup failed", zap.Error(err))
	}
}
