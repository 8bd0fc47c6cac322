/*
Copyright (C) 2026 Tandem FM

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package server wires configuration, storage, the session manager, the
// cluster reconciler and the HTTP surface into one runnable unit.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"gorm.io/gorm"

	"github.com/tandemfm/tandem/internal/accounts"
	"github.com/tandemfm/tandem/internal/api"
	"github.com/tandemfm/tandem/internal/cluster"
	"github.com/tandemfm/tandem/internal/config"
	"github.com/tandemfm/tandem/internal/db"
	"github.com/tandemfm/tandem/internal/events"
	"github.com/tandemfm/tandem/internal/groups"
	"github.com/tandemfm/tandem/internal/realtime"
	"github.com/tandemfm/tandem/internal/session"
	"github.com/tandemfm/tandem/internal/telemetry"
)

// Server bundles HTTP and supporting services.
type Server struct {
	cfg        *config.Config
	logger     zerolog.Logger
	router     chi.Router
	httpServer *http.Server
	closers    []func() error

	db         *gorm.DB
	bus        *events.Bus
	hub        *realtime.Hub
	manager    *session.Manager
	reconciler *cluster.Reconciler
	groups     *groups.Service
	accounts   *accounts.Service
	api        *api.API

	bgCancel context.CancelFunc
	bgWG     sync.WaitGroup
}

// New constructs the server and wires dependencies.
func New(cfg *config.Config, logger zerolog.Logger) (*Server, error) {
	router := chi.NewRouter()

	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)
	router.Use(securityHeadersMiddleware)
	router.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "tandem-api")
	})
	router.Use(telemetry.MetricsMiddleware)
	// Skip timeout for WebSocket connections; they are long lived.
	router.Use(func(next http.Handler) http.Handler {
		timeout := middleware.Timeout(60 * time.Second)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Upgrade") == "websocket" {
				next.ServeHTTP(w, r)
				return
			}
			timeout(next).ServeHTTP(w, r)
		})
	})

	srv := &Server{
		cfg:    cfg,
		logger: logger,
		router: router,
		bus:    events.NewBus(),
	}

	if err := srv.initDependencies(); err != nil {
		return nil, err
	}

	srv.api.Routes(srv.router)
	srv.startBackgroundWorkers()

	addr := fmt.Sprintf("%s:%d", cfg.HTTPBind, cfg.HTTPPort)
	srv.httpServer = &http.Server{
		Addr:              addr,
		Handler:           srv.router,
		ReadHeaderTimeout: 15 * time.Second,
		// WriteTimeout stays 0 so websocket sessions are not cut; the
		// middleware timeout covers plain requests.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	return srv, nil
}

func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Content-Security-Policy", "default-src 'self'; frame-ancestors 'none'; base-uri 'self'")

		// Only advertise HSTS for requests served over HTTPS.
		if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) initDependencies() error {
	database, err := db.Connect(s.cfg)
	if err != nil {
		return err
	}
	if err := db.Migrate(database); err != nil {
		return err
	}
	if err := db.RegisterCallbacks(database); err != nil {
		return err
	}
	s.db = database
	s.DeferClose(func() error { return db.Close(database) })

	s.hub = realtime.NewHub(s.logger)

	callbacks := s.hub.Callbacks()
	basePlayAt := callbacks.OnPlayAt
	callbacks.OnPlayAt = func(groupID string, info session.PlayAtInfo) {
		telemetry.ReadyGateOutcomes.WithLabelValues("released").Inc()
		basePlayAt(groupID, info)
	}

	s.manager = session.NewManager(session.Options{
		Callbacks:        callbacks,
		ReadyGateTimeout: s.cfg.ReadyGateTimeout,
		Logger:           s.logger,
	})

	if s.cfg.ClusterEnabled {
		if err := s.initCluster(); err != nil {
			return err
		}
	}

	s.groups = groups.New(database, s.manager, s.bus, s.logger, groups.Options{
		FlushInterval:    s.cfg.FlushInterval,
		StaleMemberAfter: s.cfg.StaleMemberAfter,
	})
	if err := s.groups.HydrateAll(context.Background()); err != nil {
		return err
	}

	s.accounts = accounts.New(database, s.logger)

	wsHandler := realtime.NewHandler(s.hub, s.manager, s.logger)
	s.api = api.New(database, []byte(s.cfg.JWTSigningKey), s.accounts, s.groups, wsHandler, s.logger)

	return nil
}

// initCluster connects the configured broadcast channel and attaches the
// reconciler as the manager's snapshot publisher.
func (s *Server) initCluster() error {
	instanceID := s.cfg.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}

	var (
		channel cluster.Channel
		err     error
	)
	switch s.cfg.ClusterBackend {
	case config.ClusterRedis:
		redisCfg := cluster.DefaultRedisConfig()
		redisCfg.Addr = s.cfg.RedisAddr
		redisCfg.Password = s.cfg.RedisPassword
		redisCfg.DB = s.cfg.RedisDB
		redisCfg.Channel = s.cfg.ClusterChannel
		channel, err = cluster.NewRedisChannel(redisCfg, s.logger)
	case config.ClusterNATS:
		natsCfg := cluster.DefaultNATSConfig()
		natsCfg.URL = s.cfg.NATSURL
		natsCfg.Channel = s.cfg.ClusterChannel
		channel, err = cluster.NewNATSChannel(natsCfg, s.logger)
	default:
		return fmt.Errorf("unknown cluster backend: %s", s.cfg.ClusterBackend)
	}
	if err != nil {
		return fmt.Errorf("connect cluster channel: %w", err)
	}

	s.reconciler = cluster.New(channel, s.manager, instanceID, s.logger)
	if err := s.reconciler.Start(); err != nil {
		channel.Close()
		return err
	}
	s.manager.SetPublisher(s.reconciler)
	s.DeferClose(s.reconciler.Close)

	s.logger.Info().
		Str("backend", string(s.cfg.ClusterBackend)).
		Str("instance_id", instanceID).
		Msg("cluster reconciliation enabled")
	return nil
}

func (s *Server) startBackgroundWorkers() {
	ctx, cancel := context.WithCancel(context.Background())
	s.bgCancel = cancel

	s.bgWG.Add(1)
	go func() {
		defer s.bgWG.Done()
		s.groups.Run(ctx)
	}()

	s.bgWG.Add(1)
	go func() {
		defer s.bgWG.Done()
		telemetry.WatchGroupLifecycle(ctx, s.bus, s.logger)
	}()

	// Metrics listen on their own port so the scrape endpoint is never
	// exposed through the public listener.
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", telemetry.Handler())
	metricsServer := &http.Server{
		Addr:              s.cfg.MetricsBind,
		Handler:           metricsMux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.bgWG.Add(1)
	go func() {
		defer s.bgWG.Done()
		s.logger.Info().Str("addr", s.cfg.MetricsBind).Msg("metrics server listening")
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("metrics server error")
		}
	}()
	s.DeferClose(func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsServer.Shutdown(shutdownCtx)
	})
}

// HTTPServer exposes the configured HTTP server for the command layer.
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

// Router exposes the chi router, used by tests.
func (s *Server) Router() chi.Router {
	return s.router
}

// DeferClose registers a cleanup to run on Close, in reverse order.
func (s *Server) DeferClose(fn func() error) {
	s.closers = append(s.closers, fn)
}

// Close stops background workers and runs deferred cleanups.
func (s *Server) Close() error {
	if s.bgCancel != nil {
		s.bgCancel()
	}
	s.bgWG.Wait()

	var firstErr error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
