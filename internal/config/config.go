// Package config loads the trading core configuration from YAML with
// environment overrides via viper.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config is the root configuration for the trading core.
type Config struct {
	LogLevel     string             `mapstructure:"log_level"`
	Engine       EngineConfig       `mapstructure:"engine"`
	Queue        QueueConfig        `mapstructure:"queue"`
	Settlement   SettlementConfig   `mapstructure:"settlement"`
	Risk         RiskConfig         `mapstructure:"risk"`
	Manipulation ManipulationConfig `mapstructure:"manipulation"`
	MarketData   MarketDataConfig   `mapstructure:"market_data"`
	Distribution DistributionConfig `mapstructure:"distribution"`
}

// EngineConfig configures the matching engine. Each symbol gets its own
// owner goroutine, so concurrency scales with active symbols rather than
// a worker count.
type EngineConfig struct {
	MailboxSize  int           `mapstructure:"mailbox_size"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	DLQPath      string        `mapstructure:"dlq_path"`
	DLQEnabled   bool          `mapstructure:"dlq_enabled"`
}

// QueueConfig configures the order staging queue.
type QueueConfig struct {
	Capacity int `mapstructure:"capacity"`
}

// SettlementConfig configures the atomic transaction manager.
type SettlementConfig struct {
	TransactionTimeout time.Duration `mapstructure:"transaction_timeout"`
}

// RiskConfig configures circuit breakers and position limits.
type RiskConfig struct {
	PriceChangeThreshold  float64       `mapstructure:"price_change_threshold"`  // percent
	VolumeThreshold       float64       `mapstructure:"volume_threshold"`        // quote units
	VolumeSpikeMultiplier float64       `mapstructure:"volume_spike_multiplier"` // vs trailing average
	BreakerCooldown       time.Duration `mapstructure:"breaker_cooldown"`
	ExpirySweepInterval   time.Duration `mapstructure:"expiry_sweep_interval"`
	DefaultMaxPosition    float64       `mapstructure:"default_max_position"` // quote units
	DefaultMarginRatio    float64       `mapstructure:"default_margin_ratio"`
}

// ManipulationConfig configures the anti-manipulation system.
type ManipulationConfig struct {
	HistorySize        int           `mapstructure:"history_size"`
	FlagThreshold      float64       `mapstructure:"flag_threshold"`
	EscalateThreshold  float64       `mapstructure:"escalate_threshold"`
	UserRiskThreshold  float64       `mapstructure:"user_risk_threshold"`
	SweepInterval      time.Duration `mapstructure:"sweep_interval"`
	WashTradeWindow    time.Duration `mapstructure:"wash_trade_window"`
	WashPriceTolerance float64       `mapstructure:"wash_price_tolerance"` // fraction of price
}

// MarketDataConfig configures candles, VWAP and tickers.
type MarketDataConfig struct {
	Intervals       []string      `mapstructure:"intervals"`
	VWAPWindow      time.Duration `mapstructure:"vwap_window"`
	Retention       time.Duration `mapstructure:"retention"`
	SweepInterval   time.Duration `mapstructure:"sweep_interval"`
	SubscriberQueue int           `mapstructure:"subscriber_queue"`
}

// DistributionConfig configures optional external pub/sub mirroring.
type DistributionConfig struct {
	Backend      string   `mapstructure:"backend"` // none, redis, kafka
	RedisAddr    string   `mapstructure:"redis_addr"`
	KafkaBrokers []string `mapstructure:"kafka_brokers"`
	KafkaTopic   string   `mapstructure:"kafka_topic"`
}

// Load reads configuration from the given path (or the default search
// paths when empty), applying defaults and TRADECORE_* env overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("TRADECORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("tradecore")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/tradecore")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read configuration: %w", err)
		}
		// No file is fine, defaults plus env carry the config.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	return &cfg, nil
}

// Default returns the built-in configuration used when no file or env
// overrides are present. Tests rely on these values.
func Default() *Config {
	cfg, _ := Load("")
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")

	v.SetDefault("engine.mailbox_size", 4096)
	v.SetDefault("engine.poll_interval", time.Millisecond)
	v.SetDefault("engine.dlq_enabled", false)
	v.SetDefault("engine.dlq_path", "data/order_dlq")

	v.SetDefault("queue.capacity", 10000)

	v.SetDefault("settlement.transaction_timeout", 5*time.Second)

	v.SetDefault("risk.price_change_threshold", 10.0)
	v.SetDefault("risk.volume_threshold", 1000000.0)
	v.SetDefault("risk.volume_spike_multiplier", 5.0)
	v.SetDefault("risk.breaker_cooldown", 15*time.Minute)
	v.SetDefault("risk.expiry_sweep_interval", 30*time.Second)
	v.SetDefault("risk.default_max_position", 1000000.0)
	v.SetDefault("risk.default_margin_ratio", 0.1)

	v.SetDefault("manipulation.history_size", 1000)
	v.SetDefault("manipulation.flag_threshold", 0.5)
	v.SetDefault("manipulation.escalate_threshold", 0.8)
	v.SetDefault("manipulation.user_risk_threshold", 0.7)
	v.SetDefault("manipulation.sweep_interval", time.Minute)
	v.SetDefault("manipulation.wash_trade_window", 5*time.Minute)
	v.SetDefault("manipulation.wash_price_tolerance", 0.001)

	v.SetDefault("market_data.intervals", []string{"1m", "5m", "15m", "1h", "4h", "1d"})
	v.SetDefault("market_data.vwap_window", 5*time.Minute)
	v.SetDefault("market_data.retention", 24*time.Hour)
	v.SetDefault("market_data.sweep_interval", time.Second)
	v.SetDefault("market_data.subscriber_queue", 1024)

	v.SetDefault("distribution.backend", "none")
	v.SetDefault("distribution.redis_addr", "localhost:6379")
	v.SetDefault("distribution.kafka_brokers", []string{"localhost:9092"})
	v.SetDefault("distribution.kafka_topic", "marketdata")
}

// MaxPositionDecimal returns the default position limit as a decimal.
func (rc RiskConfig) MaxPositionDecimal() decimal.Decimal {
	return decimal.NewFromFloat(rc.DefaultMaxPosition)
}

// MarginRatioDecimal returns the default margin ratio as a decimal.
func (rc RiskConfig) MarginRatioDecimal() decimal.Decimal {
	return decimal.NewFromFloat(rc.DefaultMarginRatio)
}
