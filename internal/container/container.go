package container

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/shopspring/decimal"

	"paper-trading-go/auth"
	"paper-trading-go/config"
	"paper-trading-go/exec"
	"paper-trading-go/feed"
	"paper-trading-go/gateway"
	"paper-trading-go/infrastructure/logger"
	"paper-trading-go/internal/engine"
	"paper-trading-go/metrics"
	"paper-trading-go/position"
	"paper-trading-go/pubsub"
	"paper-trading-go/store"
)

// Container 依赖注入容器，管理所有组件的生命周期
type Container struct {
	cfg     config.AppConfig
	cfgPath string

	// 基础设施
	logger *logger.Logger

	// 核心服务
	st   store.Store
	bus  *pubsub.Bus
	feed *feed.Feed
	acct *position.Accountant
	sim  *exec.Simulator
	eng  *engine.Engine
	gw   *gateway.Server

	// HTTP服务器
	metricsServer *http.Server

	// 生命周期管理
	lifecycle    *LifecycleManager
	watchCancel  context.CancelFunc
	watchdogStop chan struct{}
}

// New 创建新的Container实例
func New(configPath string) (*Container, error) {
	cfg, err := config.LoadWithEnvOverrides(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config failed: %w", err)
	}

	return &Container{
		cfg:          cfg,
		cfgPath:      configPath,
		lifecycle:    NewLifecycleManager(),
		watchdogStop: make(chan struct{}),
	}, nil
}

// Build 构建所有组件
func (c *Container) Build() error {
	var err error
	c.logger, err = logger.New(c.cfg.Log)
	if err != nil {
		return fmt.Errorf("create logger failed: %w", err)
	}

	if err := c.buildStore(); err != nil {
		return fmt.Errorf("build store failed: %w", err)
	}
	if err := c.buildCoreServices(); err != nil {
		return fmt.Errorf("build core services failed: %w", err)
	}

	c.registerLifecycleComponents()
	c.logger.Info("container built successfully")
	return nil
}

func (c *Container) buildStore() error {
	switch c.cfg.Store.Driver {
	case "sqlite":
		st, err := store.NewSQLiteStore(c.cfg.Store.Path)
		if err != nil {
			return err
		}
		c.st = st
	default:
		c.st = store.NewMemoryStore()
	}
	return nil
}

func (c *Container) buildCoreServices() error {
	c.bus = pubsub.NewBus()
	c.acct = position.NewAccountant(c.st)

	specs := make([]feed.SymbolSpec, 0, len(c.cfg.Symbols))
	for sym, sc := range c.cfg.Symbols {
		specs = append(specs, feed.SymbolSpec{
			Symbol:       sym,
			InitialPrice: sc.InitialPrice,
			DriftPerSec:  sc.DriftPerSec,
			Volatility:   sc.Volatility,
			SpreadBps:    sc.SpreadBps,
			TickSize:     sc.TickSize,
		})
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Symbol < specs[j].Symbol })
	interval := time.Duration(c.cfg.Feed.IntervalMs) * time.Millisecond
	c.feed = feed.New(specs, interval, c.cfg.Feed.Seed, c.logger.Logger)

	simCfg, err := simConfig(c.cfg.Sim)
	if err != nil {
		return err
	}
	c.sim = exec.New(c.st, c.acct, c.bus, simCfg, nil, c.cfg.Sim.Seed, c.logger.Logger)

	// 行情扇出：指标 -> 订阅者 -> 撮合
	c.feed.OnTick(func(tk feed.Tick) {
		last, _ := tk.Last.Float64()
		metrics.UpdateTick(tk.Symbol, last)
		c.bus.PublishTick(tk)
		c.sim.OnTick(tk)
	})

	engCfg := engine.Config{}
	if c.cfg.Limits.MaxQuantity != "" {
		maxQty, err := decimal.NewFromString(c.cfg.Limits.MaxQuantity)
		if err != nil {
			return fmt.Errorf("parse limits.maxQuantity: %w", err)
		}
		engCfg.MaxQuantity = maxQty
	}
	c.eng, err = engine.New(engCfg, engine.Components{
		Store:      c.st,
		Accountant: c.acct,
		Simulator:  c.sim,
		Feed:       c.feed,
		Bus:        c.bus,
		Logger:     c.logger,
	})
	if err != nil {
		return err
	}

	accounts := make([]auth.Account, 0, len(c.cfg.Tokens))
	for _, tc := range c.cfg.Tokens {
		accounts = append(accounts, auth.Account{
			Token:     tc.Token,
			AccountID: tc.AccountID,
			Role:      auth.Role(tc.Role),
		})
	}
	authn := auth.NewStaticAuthenticator(accounts)

	gwCfg := gateway.DefaultConfig()
	gwCfg.Addr = c.cfg.Gateway.Addr
	if c.cfg.Gateway.AuthTimeoutSec > 0 {
		gwCfg.AuthTimeout = time.Duration(c.cfg.Gateway.AuthTimeoutSec) * time.Second
	}
	if c.cfg.Gateway.MessageRate > 0 {
		gwCfg.MessageRate = c.cfg.Gateway.MessageRate
	}
	if c.cfg.Gateway.MessageBurst > 0 {
		gwCfg.MessageBurst = c.cfg.Gateway.MessageBurst
	}
	c.gw = gateway.NewServer(gwCfg, c.eng, authn, c.logger)

	c.logger.Info("core services built")
	return nil
}

func simConfig(sc config.SimConfig) (exec.Config, error) {
	cfg := exec.DefaultConfig()
	if sc.SlippageBps > 0 {
		cfg.SlippageBps = sc.SlippageBps
	}
	cfg.PartialFillFraction = sc.PartialFillFraction
	if sc.MinFillStep != "" {
		step, err := decimal.NewFromString(sc.MinFillStep)
		if err != nil {
			return cfg, fmt.Errorf("parse sim.minFillStep: %w", err)
		}
		cfg.MinFillStep = step
	}
	return cfg, nil
}

func (c *Container) registerLifecycleComponents() {
	c.lifecycle.Register(&httpServerComponent{
		name:    "metrics_server",
		handler: metrics.Handler(),
		addr:    c.cfg.Metrics.Addr,
		logger:  c.logger,
		server:  &c.metricsServer,
	})

	c.lifecycle.Register(&funcComponent{
		name: "engine",
		start: func(ctx context.Context) error {
			return c.eng.Start(ctx)
		},
		stop: func() error {
			c.eng.Stop()
			return nil
		},
	})

	c.lifecycle.Register(&funcComponent{
		name: "feed",
		start: func(ctx context.Context) error {
			c.feed.Start(ctx)
			return nil
		},
		stop: func() error {
			c.feed.Stop()
			return nil
		},
	})

	c.lifecycle.Register(&funcComponent{
		name: "gateway",
		start: func(ctx context.Context) error {
			return c.gw.Start()
		},
		stop: func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return c.gw.Shutdown(ctx)
		},
	})

	c.lifecycle.Register(&funcComponent{
		name: "config_watcher",
		start: func(ctx context.Context) error {
			wctx, cancel := context.WithCancel(context.Background())
			c.watchCancel = cancel
			w := &config.Watcher{Path: c.cfgPath}
			return w.Start(wctx, c.applyConfigUpdate)
		},
		stop: func() error {
			if c.watchCancel != nil {
				c.watchCancel()
			}
			return nil
		},
	})
}

// applyConfigUpdate 热更新只接受撮合参数，其余字段需要重启。
func (c *Container) applyConfigUpdate(cfg config.AppConfig) {
	simCfg, err := simConfig(cfg.Sim)
	if err != nil {
		c.logger.LogError(err, map[string]interface{}{"action": "reload_config"})
		return
	}
	c.sim.SetConfig(simCfg)
	c.logger.Info("simulator config reloaded")
}

// Start 启动所有组件并通知 systemd。
func (c *Container) Start(ctx context.Context) error {
	c.logger.Info("starting container...")

	if err := c.lifecycle.StartAll(ctx); err != nil {
		return fmt.Errorf("start failed: %w", err)
	}

	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		c.logger.LogError(err, map[string]interface{}{"action": "sd_notify"})
	}
	c.startWatchdog()

	c.logger.Info("container started")
	return nil
}

// startWatchdog 按 systemd 配置的间隔喂狗；未启用时直接跳过。
func (c *Container) startWatchdog() {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval / 2)
		defer ticker.Stop()
		for {
			select {
			case <-c.watchdogStop:
				return
			case <-ticker.C:
				if err := c.lifecycle.CheckHealth(); err != nil {
					c.logger.LogError(err, map[string]interface{}{"action": "watchdog"})
					continue
				}
				daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			}
		}
	}()
}

// Stop 逆序停止所有组件并释放资源。
func (c *Container) Stop() error {
	daemon.SdNotify(false, daemon.SdNotifyStopping)
	close(c.watchdogStop)

	c.logger.Info("stopping container...")
	err := c.lifecycle.StopAll()
	if err != nil {
		c.logger.LogError(err, map[string]interface{}{"action": "stop"})
	}

	c.bus.Close()
	if closer, ok := c.st.(interface{ Close() error }); ok {
		if cerr := closer.Close(); cerr != nil {
			c.logger.LogError(cerr, map[string]interface{}{"action": "close_store"})
		}
	}

	c.logger.Info("container stopped")
	c.logger.Close()
	return err
}

// HealthCheck 检查所有组件健康状态。
func (c *Container) HealthCheck() error {
	return c.lifecycle.CheckHealth()
}

// Engine 暴露引擎，供诊断工具使用。
func (c *Container) Engine() *engine.Engine {
	return c.eng
}
