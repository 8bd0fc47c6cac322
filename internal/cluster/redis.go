/*
Copyright (C) 2026 Tandem FM

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package cluster

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisConfig contains Redis connection configuration.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	Channel string

	PoolSize     int
	MinIdleConns int

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultRedisConfig returns default Redis configuration.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		Channel:      "tandem:groups",
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// RedisChannel implements Channel over one Redis pub/sub channel.
type RedisChannel struct {
	client  *redis.Client
	channel string
	logger  zerolog.Logger

	mu     sync.Mutex
	pubsub *redis.PubSub

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRedisChannel connects to Redis and verifies the connection.
func NewRedisChannel(cfg RedisConfig, logger zerolog.Logger) (*RedisChannel, error) {
	ctx, cancel := context.WithCancel(context.Background())

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	defer pingCancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		cancel()
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	logger.Info().Str("addr", cfg.Addr).Str("channel", cfg.Channel).Msg("redis cluster channel connected")

	return &RedisChannel{
		client:  client,
		channel: cfg.Channel,
		logger:  logger.With().Str("component", "redis_channel").Logger(),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Publish sends one payload on the channel.
func (rc *RedisChannel) Publish(ctx context.Context, data []byte) error {
	return rc.client.Publish(ctx, rc.channel, data).Err()
}

// Subscribe starts a receive goroutine delivering payloads to handler.
func (rc *RedisChannel) Subscribe(handler func(data []byte)) error {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if rc.pubsub != nil {
		return fmt.Errorf("already subscribed to %q", rc.channel)
	}

	rc.pubsub = rc.client.Subscribe(rc.ctx, rc.channel)
	ch := rc.pubsub.Channel()

	rc.wg.Add(1)
	go func() {
		defer rc.wg.Done()
		rc.logger.Debug().Str("channel", rc.channel).Msg("started redis receiver")
		for {
			select {
			case <-rc.ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					rc.logger.Warn().Str("channel", rc.channel).Msg("redis channel closed")
					return
				}
				handler([]byte(msg.Payload))
			}
		}
	}()
	return nil
}

// Close best-effort unsubscribes, waits for the receiver, then
// disconnects.
func (rc *RedisChannel) Close() error {
	rc.cancel()

	rc.mu.Lock()
	if rc.pubsub != nil {
		if err := rc.pubsub.Unsubscribe(context.Background(), rc.channel); err != nil {
			rc.logger.Debug().Err(err).Msg("unsubscribe failed")
		}
		_ = rc.pubsub.Close()
		rc.pubsub = nil
	}
	rc.mu.Unlock()

	rc.wg.Wait()
	return rc.client.Close()
}
