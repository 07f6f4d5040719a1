package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"angel-guard/internal/config"
	"angel-guard/internal/emergency"
	"angel-guard/internal/safety"
	"angel-guard/internal/store"
)

// App 聚合核心依赖并驱动系统生命周期。
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *store.Store
}

// New 创建 App 实例。
func New(cfg *config.Config, logger *zap.Logger, store *store.Store) *App {
	return &App{
		cfg:    cfg,
		logger: logger,
		store:  store,
	}
}

// Run 组装紧急控制器与安全监控器，并阻塞推送心跳直到收到退出信号。
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("守护系统已初始化",
		zap.String("environment", a.cfg.App.Environment),
		zap.String("stop_file", a.cfg.Emergency.StopFile),
	)

	journal, err := emergency.NewJournal(a.store, a.logger)
	if err != nil {
		return err
	}

	controller, err := emergency.NewController(a.cfg.Emergency, journal, a.logger)
	if err != nil {
		return err
	}

	monitor, err := safety.NewMonitor(a.cfg.Safety, controller, nil, journal, a.logger)
	if err != nil {
		return err
	}

	// 独立运行时没有真实的下单通道，平仓回调只做记录。外部系统接入后
	// 应替换为券商平仓实现。
	controller.RegisterPositionCloseCallback(func(tradeID, reason string, emergencyClose bool) {
		a.logger.Warn("收到平仓请求",
			zap.String("trade_id", tradeID),
			zap.String("reason", reason),
			zap.Bool("emergency", emergencyClose),
		)
	})

	for _, eventType := range emergency.AllTypes {
		controller.RegisterCallback(eventType, func(event emergency.Event) {
			a.logger.Info("紧急事件回调",
				zap.String("type", string(event.Type)),
				zap.String("level", event.Level.String()),
				zap.Bool("resolved", event.Resolved),
			)
		})
	}

	controller.StartMonitoring()
	monitor.StartMonitoring()
	defer func() {
		monitor.StopMonitoring()
		controller.StopMonitoring()
	}()

	if a.cfg.App.StatusPort > 0 {
		if err := startStatusServer(ctx, controller, monitor, journal, a.cfg.App.StatusPort, a.logger); err != nil {
			return err
		}
	}

	heartbeatInterval := a.cfg.Scheduler.HeartbeatInterval
	if heartbeatInterval <= 0 {
		heartbeatInterval = 5 * time.Second
	}

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("系统异常退出: %w", err)
			}
			a.logger.Info("系统收到退出信号，正在停止")
			return nil
		case <-ticker.C:
			controller.Heartbeat()
		}
	}
}
