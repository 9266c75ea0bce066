package bootstrap

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/mechtest/utmlink/internal/api"
	"github.com/mechtest/utmlink/internal/api/middleware"
	"github.com/mechtest/utmlink/internal/app"
	"github.com/mechtest/utmlink/internal/bridge"
	cfgpkg "github.com/mechtest/utmlink/internal/config"
	"github.com/mechtest/utmlink/internal/dispatch"
	"github.com/mechtest/utmlink/internal/health"
	"github.com/mechtest/utmlink/internal/httpserver"
	"github.com/mechtest/utmlink/internal/link"
	"github.com/mechtest/utmlink/internal/metrics"
	"github.com/mechtest/utmlink/internal/protocol/utm"
	"github.com/mechtest/utmlink/internal/recorder"
	"github.com/mechtest/utmlink/internal/storage"
	"github.com/mechtest/utmlink/internal/telemetry"
)

// Run 统一启动流程
func Run(cfg *cfgpkg.Config, log *zap.Logger) error {
	log.Info("starting utmlink", zap.String("env", cfg.App.Env))

	// ---- 阶段1: 基础组件 ----
	reg := metrics.NewRegistry()
	linkm := metrics.NewLinkMetrics(reg)
	metricsHandler := metrics.Handler(reg)

	faults := utm.DefaultFaultMap()
	if cfg.Protocol.FaultMapPath != "" {
		fm, err := utm.LoadFaultMap(cfg.Protocol.FaultMapPath)
		if err != nil {
			log.Warn("load fault map failed, using builtin table", zap.Error(err))
		} else {
			faults = fm
			log.Info("fault map loaded", zap.String("path", cfg.Protocol.FaultMapPath))
		}
	}

	samples := telemetry.NewHub[telemetry.Sample](cfg.Telemetry.SubscriberBuffer, func() {
		linkm.SamplesDropped.Inc()
	})
	events := telemetry.NewHub[telemetry.MachineEvent](cfg.Telemetry.SubscriberBuffer, nil)
	geometry := &telemetry.GeometryStore{}

	// ---- 阶段2: 指令调度器与安全监视 ----
	disp := dispatch.New(cfg.Dispatch, faults, linkm, log)

	monitor := telemetry.NewMonitor(telemetry.Limits{
		MaxLoadN:      cfg.Safety.MaxLoadN,
		MaxPositionMM: cfg.Safety.MaxPositionMM,
		MinPositionMM: cfg.Safety.MinPositionMM,
	}, func(reason string) {
		linkm.SafetyTripTotal.Inc()
		log.Error("safety limit tripped, issuing emergency stop", zap.String("reason", reason))
		if _, err := disp.Submit(utm.Command{Type: utm.CmdStop}); err != nil {
			log.Error("safety stop submit failed", zap.Error(err))
		}
		events.Publish(telemetry.MachineEvent{
			Time:    time.Now(),
			Kind:    telemetry.EventSafety,
			Message: reason,
		})
	})

	// ---- 阶段3: 试验数据归档（可选）----
	store, err := app.ConnectStorage(context.Background(), cfg.Database, log)
	if err != nil {
		log.Error("database initialization failed", zap.Error(err))
		return err
	}
	var repo storage.SessionRepo
	var writer storage.SampleWriter
	if store != nil {
		defer store.Close()
		repo = store.Repo
		writer = store.Writer
	}
	rec := recorder.New(repo, writer, disp, log)
	defer rec.Close()

	// ---- 阶段4: 串口链路管理器 ----
	lm := link.New(link.Options{
		LinkConfig:   cfg.Link,
		SerialConfig: cfg.Serial,
		MaxFrameLen:  cfg.Protocol.MaxFrameLen,
		Dispatcher:   disp,
		Samples:      samples,
		Events:       events,
		Geometry:     geometry,
		Monitor:      monitor,
		Faults:       faults,
		Metrics:      linkm,
		Logger:       log,
		OnSample:     rec.Ingest,
	})

	// 链路丢失的安全处置挂在事件流上
	lossCtx, lossCancel := context.WithCancel(context.Background())
	defer lossCancel()
	go watchLinkLoss(lossCtx, events, rec, log)

	// ---- 阶段5: Redis 遥测桥接（可选）----
	redisClient, err := app.NewRedisClient(cfg.Redis, log)
	if err != nil {
		log.Error("redis initialization failed", zap.Error(err))
		return err
	}
	if redisClient != nil {
		defer redisClient.Close()
		pub := bridge.New(redisClient, cfg.Redis.Channel, samples, events, log)
		defer pub.Close()
		log.Info("telemetry bridge started", zap.String("channel_prefix", cfg.Redis.Channel))
	}

	// ---- 阶段6: 健康检查与 HTTP 服务 ----
	healthAgg := health.NewAggregator(health.NewLinkChecker(lm))
	if store != nil {
		healthAgg.AddChecker(health.NewDatabaseChecker(store.Pool))
	}
	if redisClient != nil {
		healthAgg.AddChecker(health.NewRedisChecker(redisClient))
	}

	readyFn := func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return healthAgg.Ready(ctx)
	}
	mh := metricsHandler
	if !cfg.Metrics.Enable {
		mh = nil
	}
	httpSrv := httpserver.New(cfg.HTTP, cfg.Metrics.Path, mh, readyFn)

	handler := api.NewHandler(lm, disp, rec, repo, geometry, samples, events, cfg.Safety, log)
	api.RegisterRoutes(httpSrv.Engine(), handler, middleware.AuthConfig{
		APIKeys: cfg.HTTP.APIKeys,
		Enabled: cfg.HTTP.AuthEnabled,
	}, log)
	health.RegisterHTTPRoutes(httpSrv.Engine(), healthAgg)

	go func() {
		if err := httpSrv.Start(); err != nil {
			log.Error("http server error", zap.Error(err))
		}
	}()
	log.Info("http server started", zap.String("addr", cfg.HTTP.Addr))

	// ---- 阶段7: 配置了默认串口则自动建链 ----
	if cfg.Serial.Port != "" {
		if err := lm.Connect(cfg.Serial.Port, cfg.Serial.Baud); err != nil {
			// 自动建链失败不致命，操作员可通过 API 重试
			log.Warn("auto connect failed",
				zap.String("port", cfg.Serial.Port), zap.Error(err))
		}
	}
	log.Info("all services ready")

	// ---- 阶段8: 等待关闭信号 ----
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("received shutdown signal, gracefully shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = lm.Disconnect()
	log.Info("serial link stopped")

	_ = httpSrv.Shutdown(ctx)
	log.Info("http server stopped")

	log.Info("shutdown complete")
	return nil
}

// watchLinkLoss 监听链路丢失事件并执行安全处置
func watchLinkLoss(ctx context.Context, events *telemetry.Hub[telemetry.MachineEvent], rec *recorder.Recorder, log *zap.Logger) {
	sub := events.Subscribe()
	defer sub.Cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			if ev.Kind == telemetry.EventLink && ev.Message == "lost" {
				log.Warn("link lost, running safety teardown")
				hctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				rec.HandleLinkLost(hctx)
				cancel()
			}
		}
	}
}
