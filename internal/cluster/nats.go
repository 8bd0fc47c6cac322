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

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NATSConfig contains NATS connection configuration.
type NATSConfig struct {
	URL     string
	Channel string

	MaxReconnects int
	ReconnectWait time.Duration
	Timeout       time.Duration
}

// DefaultNATSConfig returns default NATS configuration.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Channel:       "tandem:groups",
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
		Timeout:       5 * time.Second,
	}
}

// NATSChannel implements Channel over a NATS core subject.
type NATSChannel struct {
	conn    *nats.Conn
	subject string
	logger  zerolog.Logger

	mu  sync.Mutex
	sub *nats.Subscription
}

// NewNATSChannel connects to the NATS server.
func NewNATSChannel(cfg NATSConfig, logger zerolog.Logger) (*NATSChannel, error) {
	conn, err := nats.Connect(cfg.URL,
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	subject := "tandem.cluster." + sanitizeSubject(cfg.Channel)
	logger.Info().Str("url", cfg.URL).Str("subject", subject).Msg("nats cluster channel connected")

	return &NATSChannel{
		conn:    conn,
		subject: subject,
		logger:  logger.With().Str("component", "nats_channel").Logger(),
	}, nil
}

// Publish sends one payload on the subject.
func (nc *NATSChannel) Publish(_ context.Context, data []byte) error {
	return nc.conn.Publish(nc.subject, data)
}

// Subscribe delivers payloads to handler until Close.
func (nc *NATSChannel) Subscribe(handler func(data []byte)) error {
	nc.mu.Lock()
	defer nc.mu.Unlock()

	if nc.sub != nil {
		return fmt.Errorf("already subscribed to %q", nc.subject)
	}

	sub, err := nc.conn.Subscribe(nc.subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe %q: %w", nc.subject, err)
	}
	nc.sub = sub
	return nil
}

// Close best-effort unsubscribes and drains the connection.
func (nc *NATSChannel) Close() error {
	nc.mu.Lock()
	if nc.sub != nil {
		if err := nc.sub.Unsubscribe(); err != nil {
			nc.logger.Debug().Err(err).Msg("unsubscribe failed")
		}
		nc.sub = nil
	}
	nc.mu.Unlock()

	if err := nc.conn.Drain(); err != nil {
		nc.conn.Close()
		return err
	}
	return nil
}

// sanitizeSubject maps the configured channel name onto NATS subject
// grammar, which reserves '.', '*', and '>'.
func sanitizeSubject(channel string) string {
	out := []byte(channel)
	for i, c := range out {
		switch c {
		case '.', '*', '>', ' ':
			out[i] = '_'
		}
	}
	return string(out)
}
