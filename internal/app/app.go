// Package app 组装各组件：消息分发、交易引擎、审计、提醒与运维接口。
package app

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"alert-trader/internal/broker"
	"alert-trader/internal/classifier"
	"alert-trader/internal/config"
	"alert-trader/internal/engine"
	"alert-trader/internal/lock"
	"alert-trader/internal/monitor"
	"alert-trader/internal/notify"
	"alert-trader/internal/position"
	"alert-trader/internal/risk"
	"alert-trader/internal/store"
)

// App 聚合核心依赖并驱动系统生命周期。
type App struct {
	cfg        *config.Config
	logger     *zap.Logger
	dispatcher *Dispatcher
	server     *Server
	closers    []io.Closer
}

// New 根据配置创建全部组件。未配置 Alpaca 凭证时实盘频道的交易会被拒绝。
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, db *store.Store) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	positions, err := position.Open(cfg.Positions.Path, logger.Named("position"))
	if err != nil {
		return nil, err
	}

	var live broker.Broker
	if cfg.Broker.Live() {
		live = broker.NewAlpaca(cfg.Broker, logger.Named("alpaca"))
	} else {
		logger.Warn("未配置 Alpaca 凭证，实盘频道将被拒绝")
	}
	simulated := broker.NewSimulated(decimal.NewFromFloat(cfg.Broker.SimulatedEquity), logger.Named("simulated"))

	a := &App{cfg: cfg, logger: logger}

	locker, err := newLocker(ctx, cfg.Lock, logger)
	if err != nil {
		return nil, err
	}
	if c, ok := locker.(io.Closer); ok {
		a.closers = append(a.closers, c)
	}

	client, err := classifier.NewClient(cfg.OpenAI, logger.Named("classifier"))
	if err != nil {
		return nil, err
	}
	parsers, err := classifier.Registry(cfg.Channels, client, logger.Named("classifier"))
	if err != nil {
		return nil, err
	}

	audit, err := monitor.NewService(db, logger.Named("monitor"))
	if err != nil {
		return nil, err
	}

	eng := engine.New(positions, risk.NewSizer(cfg.Sizing), live, simulated, locker, logger.Named("engine"))

	a.dispatcher, err = NewDispatcher(DispatcherDeps{
		Channels: cfg.Channels,
		Workers:  cfg.Workers,
		Parsers:  parsers,
		Engine:   eng,
		Audit:    audit,
		Alerts:   notify.New(cfg.Webhooks, logger.Named("notify")),
	}, logger.Named("dispatcher"))
	if err != nil {
		return nil, err
	}

	a.server = NewServer(a.dispatcher, live, positions, audit, logger.Named("server"))
	return a, nil
}

func newLocker(ctx context.Context, cfg config.LockConfig, logger *zap.Logger) (lock.Locker, error) {
	switch cfg.Backend {
	case config.LockBackendRedis:
		return lock.NewRedis(ctx, cfg, logger.Named("lock"))
	case config.LockBackendLocal, "":
		return lock.NewLocal(), nil
	default:
		return nil, fmt.Errorf("app: 不支持的锁后端 %q", cfg.Backend)
	}
}

// Run 启动消息分发与运维接口，阻塞至收到退出信号。
func (a *App) Run(ctx context.Context) error {
	live, test := 0, 0
	for _, ch := range a.cfg.Channels {
		if ch.Live() {
			live++
		} else {
			test++
		}
	}
	a.logger.Info("交易系统已初始化",
		zap.String("environment", a.cfg.App.Environment),
		zap.Int("live_channels", live),
		zap.Int("test_channels", test),
	)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return a.dispatcher.Run(groupCtx)
	})
	group.Go(func() error {
		return a.server.Serve(groupCtx, a.cfg.Server.Port)
	})

	err := group.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("系统异常退出: %w", err)
	}
	a.logger.Info("系统收到退出信号，正在停止")
	return nil
}

// Close 释放锁后端等资源。
func (a *App) Close() error {
	var err error
	for _, c := range a.closers {
		err = errors.Join(err, c.Close())
	}
	return err
}
