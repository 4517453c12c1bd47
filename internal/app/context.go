package app

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"fixline/internal/config"
	"fixline/internal/db"
	"fixline/internal/engine"
	"fixline/internal/logging"
	"fixline/internal/migrate"
)

type Options struct {
	Workspace string
	// LogLevel and LogFormat override the config file when set.
	LogLevel  string
	LogFormat string
}

// Runtime is an opened workspace: config, migrated database, logger and the
// engine wired to them.
type Runtime struct {
	Workspace string
	Config    *config.Config
	DB        *sql.DB
	Engine    engine.Engine
	Logger    *zap.Logger
}

// Open resolves the workspace config, falling back to defaults when
// fixline.yml is absent, then opens and migrates the database.
func Open(ctx context.Context, opts Options) (*Runtime, error) {
	cfg, err := config.LoadOptional(opts.Workspace)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if opts.LogLevel != "" {
		cfg.Log.Level = opts.LogLevel
	}
	if opts.LogFormat != "" {
		cfg.Log.Format = opts.LogFormat
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate %s: %w", db.Path(opts.Workspace), err)
	}
	e, err := engine.New(conn, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	e.Logger = logger.Named("engine")
	return &Runtime{
		Workspace: opts.Workspace,
		Config:    cfg,
		DB:        conn,
		Engine:    e,
		Logger:    logger,
	}, nil
}

func (r *Runtime) Close() error {
	_ = r.Logger.Sync()
	return r.DB.Close()
}
