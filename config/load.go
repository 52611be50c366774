package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"paper-trading-go/infrastructure/logger"
)

// AppConfig holds the main runtime configuration.
type AppConfig struct {
	Env     string                  `yaml:"env"`
	Log     logger.Config           `yaml:"log"`
	Metrics MetricsConfig           `yaml:"metrics"`
	Gateway GatewayConfig           `yaml:"gateway"`
	Store   StoreConfig             `yaml:"store"`
	Sim     SimConfig               `yaml:"sim"`
	Feed    FeedConfig              `yaml:"feed"`
	Limits  LimitsConfig            `yaml:"limits"`
	Symbols map[string]SymbolConfig `yaml:"symbols"`
	Tokens  []TokenConfig           `yaml:"tokens"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

type GatewayConfig struct {
	Addr           string  `yaml:"addr"`
	AuthTimeoutSec int     `yaml:"authTimeoutSec"`
	MessageRate    float64 `yaml:"messageRate"`
	MessageBurst   int     `yaml:"messageBurst"`
}

type StoreConfig struct {
	// Driver memory 或 sqlite
	Driver string `yaml:"driver"`
	// Path sqlite 数据库文件
	Path string `yaml:"path"`
}

// SimConfig 撮合参数，支持热更新。
type SimConfig struct {
	SlippageBps         float64 `yaml:"slippageBps"`
	PartialFillFraction float64 `yaml:"partialFillFraction"`
	MinFillStep         string  `yaml:"minFillStep"`
	Seed                int64   `yaml:"seed"`
}

type FeedConfig struct {
	IntervalMs int   `yaml:"intervalMs"`
	Seed       int64 `yaml:"seed"`
}

type LimitsConfig struct {
	// MaxQuantity 单笔数量上限（十进制字符串），空为不限制
	MaxQuantity string `yaml:"maxQuantity"`
}

// SymbolConfig 每个符号的行情参数。
type SymbolConfig struct {
	InitialPrice float64 `yaml:"initialPrice"`
	DriftPerSec  float64 `yaml:"driftPerSec"`
	Volatility   float64 `yaml:"volatility"`
	SpreadBps    float64 `yaml:"spreadBps"`
	TickSize     float64 `yaml:"tickSize"`
}

// TokenConfig 静态令牌表的一行。
type TokenConfig struct {
	Token     string `yaml:"token"`
	AccountID string `yaml:"accountId"`
	Role      string `yaml:"role"`
}

// Load reads YAML config from path and applies basic validation.
func Load(path string) (AppConfig, error) {
	var cfg AppConfig
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse yaml: %w", err)
	}
	applyDefaults(&cfg)
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadWithEnvOverrides loads config then overrides deploy-specific fields from env vars if present.
func LoadWithEnvOverrides(path string) (AppConfig, error) {
	cfg, err := Load(path)
	if err != nil {
		return cfg, err
	}
	if v := os.Getenv("PAPER_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("PAPER_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("PAPER_GATEWAY_ADDR"); v != "" {
		cfg.Gateway.Addr = v
	}
	if v := os.Getenv("PAPER_METRICS_ADDR"); v != "" {
		cfg.Metrics.Addr = v
	}
	return cfg, Validate(cfg)
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Log.Level == "" {
		cfg.Log = logger.DefaultConfig()
	}
	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = ":9100"
	}
	if cfg.Gateway.Addr == "" {
		cfg.Gateway.Addr = ":8080"
	}
	if cfg.Gateway.MessageRate <= 0 {
		cfg.Gateway.MessageRate = 20
	}
	if cfg.Gateway.MessageBurst <= 0 {
		cfg.Gateway.MessageBurst = 40
	}
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = "memory"
	}
	if cfg.Feed.IntervalMs <= 0 {
		cfg.Feed.IntervalMs = 500
	}
}

// Validate ensures required fields are present.
func Validate(cfg AppConfig) error {
	if cfg.Env == "" {
		return errors.New("env is required")
	}
	switch cfg.Store.Driver {
	case "memory":
	case "sqlite":
		if cfg.Store.Path == "" {
			return errors.New("store.path is required for sqlite driver")
		}
	default:
		return fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
	if cfg.Sim.SlippageBps < 0 {
		return errors.New("sim.slippageBps must be >= 0")
	}
	if cfg.Sim.PartialFillFraction < 0 || cfg.Sim.PartialFillFraction >= 1 {
		return errors.New("sim.partialFillFraction must be in [0, 1)")
	}
	if len(cfg.Symbols) == 0 {
		return errors.New("symbols config is required")
	}
	for sym, sc := range cfg.Symbols {
		if sc.InitialPrice <= 0 {
			return fmt.Errorf("symbol %s initialPrice must be > 0", sym)
		}
		if sc.Volatility < 0 {
			return fmt.Errorf("symbol %s volatility must be >= 0", sym)
		}
		if sc.SpreadBps < 0 {
			return fmt.Errorf("symbol %s spreadBps must be >= 0", sym)
		}
		if sc.TickSize <= 0 {
			return fmt.Errorf("symbol %s tickSize must be > 0", sym)
		}
	}
	if len(cfg.Tokens) == 0 {
		return errors.New("tokens config is required")
	}
	seen := make(map[string]struct{}, len(cfg.Tokens))
	for i, tc := range cfg.Tokens {
		if tc.Token == "" || tc.AccountID == "" {
			return fmt.Errorf("tokens[%d]: token and accountId are required", i)
		}
		if _, dup := seen[tc.Token]; dup {
			return fmt.Errorf("tokens[%d]: duplicate token", i)
		}
		seen[tc.Token] = struct{}{}
		switch tc.Role {
		case "trader", "viewer", "admin":
		default:
			return fmt.Errorf("tokens[%d]: unknown role %q", i, tc.Role)
		}
	}
	return nil
}
