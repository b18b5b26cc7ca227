package config

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
)

// ChannelMode 区分实盘频道与测试频道。
type ChannelMode string

const (
	ModeLive ChannelMode = "live"
	ModeTest ChannelMode = "test"
)

// 解析器类型，对应各频道的提醒写法。
const (
	ParserTitled    = "titled"
	ParserOpenClose = "open_close"
	ParserSwing     = "swing"
	ParserFreeform  = "freeform"
	ParserStrict    = "strict"
)

// 锁后端。
const (
	LockBackendLocal = "local"
	LockBackendRedis = "redis"
)

// Config 聚合了系统运行所需的全部配置项。
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	OpenAI    OpenAIConfig    `mapstructure:"openai"`
	Broker    BrokerConfig    `mapstructure:"broker"`
	Sizing    SizingConfig    `mapstructure:"sizing"`
	Channels  []ChannelConfig `mapstructure:"channels"`
	Positions PositionsConfig `mapstructure:"positions"`
	Workers   WorkersConfig   `mapstructure:"workers"`
	Lock      LockConfig      `mapstructure:"lock"`
	Webhooks  WebhookConfig   `mapstructure:"webhooks"`
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
}

// OpenAIConfig 描述大模型调用参数。
type OpenAIConfig struct {
	APIKey  string        `mapstructure:"api_key"`
	BaseURL string        `mapstructure:"base_url"`
	Model   string        `mapstructure:"model"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// BrokerConfig 描述 Alpaca 实盘账户与模拟账户。
type BrokerConfig struct {
	APIKey          string      `mapstructure:"api_key"`
	APISecret       string      `mapstructure:"api_secret"`
	BaseURL         string      `mapstructure:"base_url"`
	SimulatedEquity float64     `mapstructure:"simulated_equity"`
	Retry           RetryConfig `mapstructure:"retry"`
}

// Live 判断是否配置了实盘凭证。
func (b BrokerConfig) Live() bool {
	return b.APIKey != "" && b.APISecret != ""
}

// RetryConfig 统一控制重试机制。
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	MinDelay    time.Duration `mapstructure:"min_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// Budget 返回单次调用在全部重试中最坏的等待总时长。
func (r RetryConfig) Budget() time.Duration {
	if r.MaxAttempts <= 1 {
		return 0
	}
	return time.Duration(r.MaxAttempts-1) * r.MaxDelay
}

// SizingConfig 为全局仓位约束。
type SizingConfig struct {
	MaxPctPortfolio  float64            `mapstructure:"max_pct_portfolio"`
	MaxDollarAmount  float64            `mapstructure:"max_dollar_amount"`
	MinTradeQuantity int64              `mapstructure:"min_trade_quantity"`
	BuyPricePadding  float64            `mapstructure:"buy_price_padding"`
	SizeMultipliers  map[string]float64 `mapstructure:"size_multipliers"`
}

// ChannelConfig 为单个频道的静态风控配置。
type ChannelConfig struct {
	ID                  int64       `mapstructure:"id"`
	Name                string      `mapstructure:"name"`
	Mode                ChannelMode `mapstructure:"mode"`
	Parser              string      `mapstructure:"parser"`
	Multiplier          float64     `mapstructure:"multiplier"`
	InitialStopLoss     float64     `mapstructure:"initial_stop_loss"`
	TrailingStopLossPct float64     `mapstructure:"trailing_stop_loss_pct"`
}

// Live 判断频道是否走实盘。
func (c ChannelConfig) Live() bool {
	return c.Mode == ModeLive
}

// PositionsConfig 描述持仓文件位置。
type PositionsConfig struct {
	Path string `mapstructure:"path"`
}

// WorkersConfig 控制消息处理并发。
type WorkersConfig struct {
	Size      int `mapstructure:"size"`
	QueueSize int `mapstructure:"queue_size"`
}

// LockConfig 控制合约级互斥锁。
type LockConfig struct {
	Backend       string        `mapstructure:"backend"`
	RedisAddr     string        `mapstructure:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db"`
	TTL           time.Duration `mapstructure:"ttl"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
}

// WebhookConfig 为提醒与日志推送地址。
type WebhookConfig struct {
	LivePlay    string        `mapstructure:"live_play"`
	TestLogging string        `mapstructure:"test_logging"`
	LiveLogging string        `mapstructure:"live_logging"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// ServerConfig 控制运维 HTTP 接口。
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// DatabaseConfig 管理数据库连接。
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	InMemory        bool          `mapstructure:"in_memory"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level            string   `mapstructure:"level"`
	Encoding         string   `mapstructure:"encoding"`
	Development      bool     `mapstructure:"development"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
}

// Channel 按 id 查找频道配置。
func (c *Config) Channel(id int64) (ChannelConfig, bool) {
	for _, ch := range c.Channels {
		if ch.ID == id {
			return ch, true
		}
	}
	return ChannelConfig{}, false
}

// Validate 对配置进行基本校验。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}
	if c.OpenAI.APIKey == "" {
		err = multierr.Append(err, errors.New("openai.api_key 不能为空"))
	}
	if c.OpenAI.Model == "" {
		err = multierr.Append(err, errors.New("openai.model 不能为空"))
	}
	if c.OpenAI.Timeout <= 0 {
		err = multierr.Append(err, errors.New("openai.timeout 必须大于0"))
	}
	if (c.Broker.APIKey == "") != (c.Broker.APISecret == "") {
		err = multierr.Append(err, errors.New("broker.api_key 与 broker.api_secret 需同时配置"))
	}
	if c.Broker.SimulatedEquity < 0 {
		err = multierr.Append(err, errors.New("broker.simulated_equity 不能为负"))
	}
	if c.Broker.Retry.MaxAttempts <= 0 {
		err = multierr.Append(err, errors.New("broker.retry.max_attempts 必须大于0"))
	}
	if c.Broker.Retry.MinDelay > c.Broker.Retry.MaxDelay {
		err = multierr.Append(err, errors.New("broker.retry.min_delay 不能大于 max_delay"))
	}
	if c.Sizing.MaxPctPortfolio <= 0 || c.Sizing.MaxPctPortfolio > 1 {
		err = multierr.Append(err, errors.New("sizing.max_pct_portfolio 必须位于(0,1]"))
	}
	if c.Sizing.MaxDollarAmount <= 0 {
		err = multierr.Append(err, errors.New("sizing.max_dollar_amount 必须大于0"))
	}
	if c.Sizing.MinTradeQuantity < 1 {
		err = multierr.Append(err, errors.New("sizing.min_trade_quantity 至少为1"))
	}
	if c.Sizing.BuyPricePadding < 0 || c.Sizing.BuyPricePadding > 0.5 {
		err = multierr.Append(err, errors.New("sizing.buy_price_padding 应位于[0,0.5]"))
	}
	err = multierr.Append(err, c.validateChannels())
	if c.Positions.Path == "" {
		err = multierr.Append(err, errors.New("positions.path 不能为空"))
	}
	if c.Workers.Size <= 0 {
		err = multierr.Append(err, errors.New("workers.size 必须大于0"))
	}
	if c.Workers.QueueSize < 0 {
		err = multierr.Append(err, errors.New("workers.queue_size 不能为负"))
	}
	switch c.Lock.Backend {
	case LockBackendLocal:
	case LockBackendRedis:
		if c.Lock.RedisAddr == "" {
			err = multierr.Append(err, errors.New("lock.redis_addr 不能为空"))
		}
		if c.Lock.TTL <= 0 {
			err = multierr.Append(err, errors.New("lock.ttl 必须大于0"))
		} else if budget := c.Broker.Retry.Budget(); c.Lock.TTL <= budget {
			err = multierr.Append(err, fmt.Errorf("lock.ttl 必须大于单次下单最坏重试耗时 %s", budget))
		}
	default:
		err = multierr.Append(err, fmt.Errorf("lock.backend 不支持 %q", c.Lock.Backend))
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		err = multierr.Append(err, errors.New("server.port 超出范围"))
	}
	if c.Database.Path == "" && !c.Database.InMemory {
		err = multierr.Append(err, errors.New("database.path 不能为空"))
	}
	if c.Database.MaxOpenConns <= 0 {
		err = multierr.Append(err, errors.New("database.max_open_conns 必须大于0"))
	}
	if c.Database.MaxIdleConns < 0 {
		err = multierr.Append(err, errors.New("database.max_idle_conns 不能为负"))
	}
	if c.Database.ConnMaxLifetime < 0 {
		err = multierr.Append(err, errors.New("database.conn_max_lifetime 不能为负"))
	}
	if c.Logging.Level == "" {
		err = multierr.Append(err, errors.New("logging.level 不能为空"))
	}
	if c.Logging.Encoding == "" {
		err = multierr.Append(err, errors.New("logging.encoding 不能为空"))
	}

	return err
}

func (c *Config) validateChannels() error {
	var err error
	if len(c.Channels) == 0 {
		return errors.New("channels 至少配置一个频道")
	}

	seen := make(map[int64]struct{}, len(c.Channels))
	for i, ch := range c.Channels {
		prefix := fmt.Sprintf("channels[%d]", i)
		if ch.ID == 0 {
			err = multierr.Append(err, fmt.Errorf("%s.id 不能为空", prefix))
		}
		if _, dup := seen[ch.ID]; dup {
			err = multierr.Append(err, fmt.Errorf("%s.id %d 重复", prefix, ch.ID))
		}
		seen[ch.ID] = struct{}{}
		if ch.Name == "" {
			err = multierr.Append(err, fmt.Errorf("%s.name 不能为空", prefix))
		}
		if ch.Mode != ModeLive && ch.Mode != ModeTest {
			err = multierr.Append(err, fmt.Errorf("%s.mode 必须为 live 或 test", prefix))
		}
		switch ch.Parser {
		case ParserTitled, ParserOpenClose, ParserSwing, ParserFreeform, ParserStrict:
		default:
			err = multierr.Append(err, fmt.Errorf("%s.parser 不支持 %q", prefix, ch.Parser))
		}
		if ch.Multiplier <= 0 {
			err = multierr.Append(err, fmt.Errorf("%s.multiplier 必须大于0", prefix))
		}
		if ch.InitialStopLoss <= 0 || ch.InitialStopLoss >= 1 {
			err = multierr.Append(err, fmt.Errorf("%s.initial_stop_loss 必须位于(0,1)", prefix))
		}
		if ch.TrailingStopLossPct <= 0 || ch.TrailingStopLossPct >= 1 {
			err = multierr.Append(err, fmt.Errorf("%s.trailing_stop_loss_pct 必须位于(0,1)", prefix))
		}
	}
	return err
}
