// Package app wires configuration, logging, tracing and the SQLite-backed
// stores for the command line tools.
package app

import (
	"context"
	"database/sql"

	"github.com/YuminosukeSato/scitrack/config"
	"github.com/YuminosukeSato/scitrack/pkg/errors"
	"github.com/YuminosukeSato/scitrack/pkg/log"
	"github.com/YuminosukeSato/scitrack/registry"
	"github.com/YuminosukeSato/scitrack/storage/sqlite"
	"github.com/YuminosukeSato/scitrack/telemetry"
	"github.com/YuminosukeSato/scitrack/tracking"
)

// Env holds what every tool needs.
type Env struct {
	Config   config.Config
	DB       *sql.DB
	Store    *tracking.SQLiteStore
	Registry *registry.SQLiteRegistry
	Logger   log.Logger

	shutdown telemetry.Shutdown
}

// Open loads configuration from configFile (optional), installs the console
// logger and the tracer, and opens the store at Config.StorePath.
func Open(ctx context.Context, configFile, service string) (*Env, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	return OpenWith(ctx, cfg, service)
}

// OpenWith is Open for an already loaded configuration.
func OpenWith(ctx context.Context, cfg config.Config, service string) (*Env, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.SetupConsoleLogger(cfg.LogLevel)
	logger := log.GetLogger().With(log.ComponentKey, service)

	shutdown, err := telemetry.InitTracer(ctx, telemetry.Config{ServiceName: service, Stdout: cfg.TraceStdout})
	if err != nil {
		return nil, err
	}
	db, err := sqlite.Open(ctx, cfg.StorePath)
	if err != nil {
		_ = shutdown(ctx)
		return nil, errors.Wrapf(err, "open store %s", cfg.StorePath)
	}
	logger.Debug("store opened", "path", cfg.StorePath)

	return &Env{
		Config:   cfg,
		DB:       db,
		Store:    tracking.NewSQLiteStore(db),
		Registry: registry.NewSQLiteRegistry(db, registry.WithLogger(logger)),
		Logger:   logger,
		shutdown: shutdown,
	}, nil
}

// Close flushes spans and closes the database.
func (e *Env) Close(ctx context.Context) error {
	terr := e.shutdown(ctx)
	if err := e.DB.Close(); err != nil {
		return errors.Wrap(err, "close store")
	}
	return terr
}
