package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":8000" {
		t.Errorf("ListenAddr = %q, want :8000", cfg.ListenAddr)
	}
	if cfg.Cache.TTL != time.Hour {
		t.Errorf("Cache.TTL = %v, want 1h", cfg.Cache.TTL)
	}
	if cfg.Stream.SendInterval != time.Second {
		t.Errorf("SendInterval = %v, want 1s", cfg.Stream.SendInterval)
	}
	if cfg.Stream.LookbackDays != 30 || cfg.API.DefaultDays != 90 {
		t.Errorf("lookbacks = %d/%d, want 30/90", cfg.Stream.LookbackDays, cfg.API.DefaultDays)
	}
	if cfg.Indicator.MaxPriceDeviation != 0.20 {
		t.Errorf("MaxPriceDeviation = %v, want 0.20", cfg.Indicator.MaxPriceDeviation)
	}
	if len(cfg.Symbols) != 3 {
		t.Fatalf("len(Symbols) = %d, want 3", len(cfg.Symbols))
	}
}

func TestLoad_File(t *testing.T) {
	dir := t.TempDir()
	yaml := `
listen_addr: ":9999"
cache:
  ttl: 5m
symbols:
  - symbol: SOL
    stream: solusdt@trade
    label: Solana
`
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":9999" {
		t.Errorf("ListenAddr = %q", cfg.ListenAddr)
	}
	if cfg.Cache.TTL != 5*time.Minute {
		t.Errorf("Cache.TTL = %v", cfg.Cache.TTL)
	}
	if len(cfg.Symbols) != 1 || cfg.Symbols[0].Symbol != "SOL" {
		t.Errorf("Symbols = %+v", cfg.Symbols)
	}
	if got := cfg.Pairs(); len(got) != 1 || got[0] != "solusdt" {
		t.Errorf("Pairs() = %v", got)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("DASH_STREAM_SEND_INTERVAL", "250ms")
	t.Setenv("DASH_LOG_LEVEL", "debug")

	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Stream.SendInterval != 250*time.Millisecond {
		t.Errorf("SendInterval = %v, want 250ms", cfg.Stream.SendInterval)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want debug", cfg.Log.Level)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Symbols:   DefaultSymbols,
			Cache:     CacheConfig{TTL: time.Hour, Size: 10},
			Stream:    StreamConfig{LookbackDays: 30, SendInterval: time.Second, SendTimeout: time.Second, BackoffMin: time.Second, BackoffMax: time.Second},
			Indicator: IndicatorConfig{MaxPriceDeviation: 0.2},
			API:       APIConfig{DefaultDays: 90},
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"no symbols", func(c *Config) { c.Symbols = nil }, true},
		{"missing stream", func(c *Config) { c.Symbols = []SymbolConfig{{Symbol: "BTC"}} }, true},
		{"zero ttl", func(c *Config) { c.Cache.TTL = 0 }, true},
		{"zero cache size", func(c *Config) { c.Cache.Size = 0 }, true},
		{"zero interval", func(c *Config) { c.Stream.SendInterval = 0 }, true},
		{"inverted backoff", func(c *Config) { c.Stream.BackoffMax = time.Millisecond }, true},
		{"zero deviation", func(c *Config) { c.Indicator.MaxPriceDeviation = 0 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := c.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestStreams(t *testing.T) {
	cfg := &Config{Symbols: []SymbolConfig{{Symbol: "BTC", Stream: "BTCUSDT@trade"}}}
	got := cfg.Streams()
	if len(got) != 1 || got[0] != "btcusdt@trade" {
		t.Errorf("Streams() = %v", got)
	}
}
