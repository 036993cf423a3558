// Package redis mirrors live ticks to Redis: the latest tick per symbol is
// kept under a key with a TTL and every tick is published on a channel.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/Engibee/crypto-dashboard/internal/circuitbreaker"
	"github.com/Engibee/crypto-dashboard/internal/model"
)

const (
	defaultLatestTTL      = 30 * time.Minute
	defaultPublishTimeout = 500 * time.Millisecond
)

// Config configures the publisher.
type Config struct {
	Addr          string // Redis address, e.g. "localhost:6379"
	Password      string
	DB            int
	ChannelPrefix string // default "pub"
}

// Publisher writes ticks through a circuit breaker. It satisfies
// model.TickPublisher.
type Publisher struct {
	client  *goredis.Client
	breaker *circuitbreaker.Breaker
	prefix  string
	log     *zap.Logger
}

// Client returns the underlying Redis client for health checks.
func (p *Publisher) Client() *goredis.Client { return p.client }

// New creates a publisher and pings the server.
func New(cfg Config, breaker *circuitbreaker.Breaker, log *zap.Logger) (*Publisher, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	p := newPublisher(client, cfg.ChannelPrefix, breaker, log)
	p.log.Info("connected", zap.String("addr", cfg.Addr))
	return p, nil
}

func newPublisher(client *goredis.Client, prefix string, breaker *circuitbreaker.Breaker, log *zap.Logger) *Publisher {
	if prefix == "" {
		prefix = "pub"
	}
	if breaker == nil {
		breaker = circuitbreaker.New("redis", 5, 10*time.Second)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Publisher{client: client, breaker: breaker, prefix: prefix, log: log.Named("redis")}
}

// TickChannel returns the pub/sub channel for a symbol.
func (p *Publisher) TickChannel(symbol string) string { return p.prefix + ":tick:" + symbol }

// LatestKey returns the key holding the latest tick for a symbol.
func (p *Publisher) LatestKey(symbol string) string { return "tick:latest:" + symbol }

// PublishTick SETs the latest tick and PUBLISHes it in one pipeline. Calls
// fail fast with circuitbreaker.ErrOpen while Redis is unhealthy.
func (p *Publisher) PublishTick(ctx context.Context, tick model.Tick) error {
	data, err := json.Marshal(tick)
	if err != nil {
		return fmt.Errorf("redis: encode tick: %w", err)
	}
	return p.breaker.Execute(func() error {
		ctx, cancel := context.WithTimeout(ctx, defaultPublishTimeout)
		defer cancel()

		pipe := p.client.Pipeline()
		pipe.Set(ctx, p.LatestKey(tick.Symbol), data, defaultLatestTTL)
		pipe.Publish(ctx, p.TickChannel(tick.Symbol), data)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("redis pipeline for %s: %w", tick.Symbol, err)
		}
		return nil
	})
}

// Close releases the client.
func (p *Publisher) Close() error { return p.client.Close() }
