// Copyright (C) 2025 Cyril Zhao (cyril@formlink.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package formserver hosts the linkage engine behind an HTTP API.
//
// Each form session pairs a value store with its own engine; the server
// exposes session CRUD, value writes, derived-state reads, a websocket
// state feed and a schema check endpoint. Schemas load from a directory
// and hot-reload on change; sessions persist to BadgerDB so a restart
// restores them.
package formserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/cyrilzhao/formlink/pkg/logging"
	"github.com/cyrilzhao/formlink/services/formserver/registry"
	"github.com/cyrilzhao/formlink/services/formserver/routes"
	"github.com/cyrilzhao/formlink/services/formserver/session"
	"github.com/cyrilzhao/formlink/services/linkage"
	"github.com/cyrilzhao/formlink/services/linkage/schema"
)

// shutdownGrace bounds graceful HTTP shutdown.
const shutdownGrace = 10 * time.Second

// Config controls server construction.
type Config struct {
	// Addr is the HTTP listen address, e.g. ":8080".
	Addr string

	// SchemaDir holds the form schema files. Watched for changes.
	SchemaDir string

	// DataDir holds the BadgerDB session store. Empty disables
	// persistence (sessions are lost on restart).
	DataDir string

	// InMemoryStore runs session persistence in memory. For tests.
	InMemoryStore bool

	// Functions is the derivation function registry shared by all
	// session engines. Nil means no derivation functions.
	Functions *linkage.FunctionRegistry

	// Logger defaults to logging.Default().
	Logger *logging.Logger

	// Registry is the Prometheus registry for server and engine
	// metrics. Nil disables the /metrics endpoint.
	Registry *prometheus.Registry
}

// Server is the form server: router, sessions, schema registry, and the
// schema directory watcher.
type Server struct {
	cfg     Config
	logger  *logging.Logger
	router  *gin.Engine
	manager *session.Manager
	schemas *registry.Registry
	persist *session.Store
	watcher *schema.Watcher
}

// NewServer builds a server: loads the schema directory, opens session
// persistence, restores persisted sessions and wires the routes.
func NewServer(cfg Config) (*Server, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}

	schemas := registry.New()
	if cfg.SchemaDir != "" {
		if err := schemas.LoadDir(cfg.SchemaDir, logger); err != nil {
			return nil, err
		}
	}

	managerOpts := []session.ManagerOption{session.WithLogger(logger)}
	if cfg.Functions != nil {
		managerOpts = append(managerOpts, session.WithFunctions(cfg.Functions))
	}

	var metrics *Metrics
	if cfg.Registry != nil {
		metrics = NewServerMetrics(cfg.Registry)
		managerOpts = append(managerOpts,
			session.WithActiveGauge(metrics.ActiveSessions),
			session.WithEngineMetrics(linkage.NewMetrics(cfg.Registry)))
	}

	var persist *session.Store
	if cfg.DataDir != "" || cfg.InMemoryStore {
		var err error
		persist, err = session.OpenStore(session.StoreConfig{
			Path:       cfg.DataDir,
			InMemory:   cfg.InMemoryStore,
			SyncWrites: !cfg.InMemoryStore,
		})
		if err != nil {
			return nil, err
		}
		managerOpts = append(managerOpts, session.WithPersistence(persist))
	}

	manager := session.NewManager(managerOpts...)
	if persist != nil {
		restored, err := manager.Restore(context.Background(), schemas.Get)
		if err != nil {
			logger.Error("session restore failed", "error", err)
		} else if restored > 0 {
			logger.Info("sessions restored", "count", restored)
		}
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if metrics != nil {
		router.Use(metrics.Middleware())
	}
	var gatherer prometheus.Gatherer
	if cfg.Registry != nil {
		gatherer = cfg.Registry
	}
	routes.SetupRoutes(router, manager, schemas, gatherer, logger)

	return &Server{
		cfg:     cfg,
		logger:  logger,
		router:  router,
		manager: manager,
		schemas: schemas,
		persist: persist,
	}, nil
}

// Router exposes the gin engine, for tests driving it with httptest.
func (s *Server) Router() *gin.Engine { return s.router }

// Manager exposes the session manager.
func (s *Server) Manager() *session.Manager { return s.manager }

// Schemas exposes the schema registry.
func (s *Server) Schemas() *registry.Registry { return s.schemas }

// Run serves HTTP until ctx is cancelled, watching the schema directory
// for hot reloads. Live sessions keep the schema version they were
// created with; new sessions pick up the replacement.
func (s *Server) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)

	if s.cfg.SchemaDir != "" {
		watcher, err := schema.NewWatcher(s.cfg.SchemaDir,
			schema.WithWatcherLogger(s.logger.Slog()))
		if err != nil {
			return fmt.Errorf("watching schema directory: %w", err)
		}
		s.watcher = watcher
		group.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case form, ok := <-watcher.Updates():
					if !ok {
						return nil
					}
					s.schemas.Put(form)
					s.logger.Info("schema reloaded", "form_id", form.FormID)
				}
			}
		})
	}

	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	group.Go(func() error {
		s.logger.Info("form server listening", "addr", s.cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err := group.Wait()
	s.closeResources()
	return err
}

func (s *Server) closeResources() {
	if s.watcher != nil {
		if err := s.watcher.Close(); err != nil && !errors.Is(err, schema.ErrWatcherClosed) {
			s.logger.Error("closing schema watcher failed", "error", err)
		}
	}
	s.manager.Close()
	if s.persist != nil {
		if err := s.persist.Close(); err != nil {
			s.logger.Error("closing session store failed", "error", err)
		}
	}
}
