// Package config loads process configuration from an optional YAML file and
// DASH_* environment variables, with defaults for every key.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// SymbolConfig describes one tracked instrument.
type SymbolConfig struct {
	Symbol string `mapstructure:"symbol" json:"symbol"` // base symbol, e.g. "BTC"
	Stream string `mapstructure:"stream" json:"stream"` // upstream stream name, e.g. "btcusdt@trade"
	Label  string `mapstructure:"label" json:"label"`
}

// BinanceConfig holds the exchange endpoints.
type BinanceConfig struct {
	RESTURL         string        `mapstructure:"rest_url"`
	StreamURL       string        `mapstructure:"stream_url"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	BreakerFailures int           `mapstructure:"breaker_failures"`
	BreakerReset    time.Duration `mapstructure:"breaker_reset"`
}

// CacheConfig configures the historical bar cache.
type CacheConfig struct {
	TTL  time.Duration `mapstructure:"ttl"`
	Size int           `mapstructure:"size"`
}

// StreamConfig configures the upstream consumer and the fan-out.
type StreamConfig struct {
	LookbackDays           int           `mapstructure:"lookback_days"`
	SendInterval           time.Duration `mapstructure:"send_interval"`
	SendTimeout            time.Duration `mapstructure:"send_timeout"`
	MaxConcurrentSends     int           `mapstructure:"max_concurrent_sends"`
	BackoffMin             time.Duration `mapstructure:"backoff_min"`
	BackoffMax             time.Duration `mapstructure:"backoff_max"`
	MaxConsecutiveFailures int           `mapstructure:"max_consecutive_failures"`
}

// IndicatorConfig configures the indicator engine.
type IndicatorConfig struct {
	MaxPriceDeviation float64 `mapstructure:"max_price_deviation"`
}

// APIConfig configures the boundary HTTP layer.
type APIConfig struct {
	DefaultDays int `mapstructure:"default_days"`
}

// RedisConfig configures the optional tick mirror.
type RedisConfig struct {
	Addr          string `mapstructure:"addr"`
	Password      string `mapstructure:"password"`
	DB            int    `mapstructure:"db"`
	ChannelPrefix string `mapstructure:"channel_prefix"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

// CORSConfig lists the allowed browser origins. Empty allows any origin.
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Config holds all application configuration.
type Config struct {
	ListenAddr  string         `mapstructure:"listen_addr"`
	MetricsAddr string         `mapstructure:"metrics_addr"`
	QuoteAsset  string         `mapstructure:"quote_asset"`
	Symbols     []SymbolConfig `mapstructure:"symbols"`

	Binance   BinanceConfig   `mapstructure:"binance"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Stream    StreamConfig    `mapstructure:"stream"`
	Indicator IndicatorConfig `mapstructure:"indicator"`
	API       APIConfig       `mapstructure:"api"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Log       LogConfig       `mapstructure:"log"`
	CORS      CORSConfig      `mapstructure:"cors"`
}

// DefaultSymbols is the instrument list used when none is configured.
var DefaultSymbols = []SymbolConfig{
	{Symbol: "BTC", Stream: "btcusdt@trade", Label: "Bitcoin"},
	{Symbol: "ETH", Stream: "ethusdt@trade", Label: "Ethereum"},
	{Symbol: "ADA", Stream: "adausdt@trade", Label: "Cardano"},
}

// Load reads config.yaml from dir (and ./config) if present, then applies
// DASH_* environment overrides. An empty dir searches the working directory.
func Load(dir string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if dir != "" {
		v.AddConfigPath(dir)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("DASH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if len(cfg.Symbols) == 0 {
		cfg.Symbols = append([]SymbolConfig(nil), DefaultSymbols...)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":8000")
	v.SetDefault("metrics_addr", ":9090")
	v.SetDefault("quote_asset", "USDT")

	v.SetDefault("binance.rest_url", "https://api.binance.com")
	v.SetDefault("binance.stream_url", "wss://stream.binance.com:9443/stream")
	v.SetDefault("binance.request_timeout", 10*time.Second)
	v.SetDefault("binance.breaker_failures", 5)
	v.SetDefault("binance.breaker_reset", 30*time.Second)

	v.SetDefault("cache.ttl", time.Hour)
	v.SetDefault("cache.size", 256)

	v.SetDefault("stream.lookback_days", 30)
	v.SetDefault("stream.send_interval", time.Second)
	v.SetDefault("stream.send_timeout", 2*time.Second)
	v.SetDefault("stream.max_concurrent_sends", 32)
	v.SetDefault("stream.backoff_min", time.Second)
	v.SetDefault("stream.backoff_max", 30*time.Second)
	v.SetDefault("stream.max_consecutive_failures", 20)

	v.SetDefault("indicator.max_price_deviation", 0.20)
	v.SetDefault("api.default_days", 90)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.channel_prefix", "pub")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("cors.allowed_origins", []string{})
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if len(c.Symbols) == 0 {
		return errors.New("config: no symbols configured")
	}
	for i, s := range c.Symbols {
		if s.Symbol == "" || s.Stream == "" {
			return fmt.Errorf("config: symbols[%d]: symbol and stream are required", i)
		}
	}
	if c.Cache.TTL <= 0 {
		return fmt.Errorf("config: cache.ttl must be positive, got %v", c.Cache.TTL)
	}
	if c.Cache.Size <= 0 {
		return fmt.Errorf("config: cache.size must be positive, got %d", c.Cache.Size)
	}
	if c.Stream.SendInterval <= 0 || c.Stream.SendTimeout <= 0 {
		return errors.New("config: stream.send_interval and stream.send_timeout must be positive")
	}
	if c.Stream.LookbackDays <= 0 || c.API.DefaultDays <= 0 {
		return errors.New("config: lookback days must be positive")
	}
	if c.Stream.BackoffMin <= 0 || c.Stream.BackoffMax < c.Stream.BackoffMin {
		return fmt.Errorf("config: invalid backoff range [%v, %v]", c.Stream.BackoffMin, c.Stream.BackoffMax)
	}
	if c.Indicator.MaxPriceDeviation <= 0 {
		return errors.New("config: indicator.max_price_deviation must be positive")
	}
	return nil
}

// Streams returns the upstream stream names of all tracked symbols.
func (c *Config) Streams() []string {
	out := make([]string, 0, len(c.Symbols))
	for _, s := range c.Symbols {
		out = append(out, strings.ToLower(s.Stream))
	}
	return out
}

// Pairs returns the lowercase exchange pairs ("btcusdt") of all tracked symbols.
func (c *Config) Pairs() []string {
	out := make([]string, 0, len(c.Symbols))
	for _, s := range c.Symbols {
		out = append(out, strings.ToLower(s.Symbol+c.QuoteAsset))
	}
	return out
}
