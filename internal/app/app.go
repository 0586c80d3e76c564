// Package app wires configuration into the concrete pieces of a Quarry
// deployment: logger, storage engine, backup manager, and open stores.
package app

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/quarrydb/quarry/internal/backup"
	"github.com/quarrydb/quarry/internal/config"
	"github.com/quarrydb/quarry/internal/engine"
	"github.com/quarrydb/quarry/internal/engine/bolt"
	"github.com/quarrydb/quarry/internal/engine/memory"
	"github.com/quarrydb/quarry/internal/engine/sqlite"
	"github.com/quarrydb/quarry/pkg/store"
	"github.com/quarrydb/quarry/pkg/types"
)

// App holds the shared resources of a Quarry process.
type App struct {
	cfg    *config.Config
	log    *zap.Logger
	engine engine.Engine
	backup *backup.Manager

	mu     sync.Mutex
	stores map[string]*store.Store
}

// New resolves and validates cfg and builds the shared resources.
func New(cfg *config.Config) (*App, error) {
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	log, err := buildLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	eng, err := buildEngine(cfg)
	if err != nil {
		return nil, err
	}

	mgr, err := buildBackupManager(cfg, log)
	if err != nil {
		return nil, err
	}

	log.Info("quarry initialized",
		zap.String("backend", string(cfg.Engine.Backend)),
		zap.String("data_dir", cfg.DataDir),
	)
	return &App{
		cfg:    cfg,
		log:    log,
		engine: eng,
		backup: mgr,
		stores: make(map[string]*store.Store),
	}, nil
}

// Logger returns the process logger.
func (a *App) Logger() *zap.Logger { return a.log }

// Engine returns the configured storage engine.
func (a *App) Engine() engine.Engine { return a.engine }

// Backup returns the backup manager, or nil when backups are not
// configured.
func (a *App) Backup() *backup.Manager { return a.backup }

// OpenStore opens the store the schema declares, reconciling its
// structure, and tracks it for Close.
func (a *App) OpenStore(ctx context.Context, schema *types.Schema) (*store.Store, error) {
	st, err := store.New(a.engine, schema,
		store.WithLogger(a.log.Named(schema.Name)),
	)
	if err != nil {
		return nil, err
	}
	if err := st.Open(ctx); err != nil {
		return nil, err
	}
	a.mu.Lock()
	a.stores[schema.Name] = st
	a.mu.Unlock()
	return st, nil
}

// Close closes every store opened through the app and flushes the
// logger.
func (a *App) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var firstErr error
	for name, st := range a.stores {
		if err := st.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing store %s: %w", name, err)
		}
		delete(a.stores, name)
	}
	a.log.Sync()
	return firstErr
}

func buildLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	switch cfg.Level {
	case "", "info":
	case "debug":
		level = zapcore.DebugLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	}

	var zcfg zap.Config
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)

	log, err := zcfg.Build()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return log, nil
}

func buildEngine(cfg *config.Config) (engine.Engine, error) {
	switch cfg.Engine.Backend {
	case config.BackendBolt:
		return bolt.New(cfg.Engine.Dir, bolt.Options{Compress: cfg.Engine.Compress})
	case config.BackendMemory:
		return memory.New(), nil
	case config.BackendSQLite:
		return sqlite.New(cfg.Engine.Dir)
	default:
		return nil, fmt.Errorf("unsupported engine backend: %s", cfg.Engine.Backend)
	}
}

func buildBackupManager(cfg *config.Config, log *zap.Logger) (*backup.Manager, error) {
	var (
		objStore backup.ObjectStore
		err      error
	)
	switch cfg.Backup.Storage.Type {
	case "local":
		objStore, err = backup.NewLocalStore(cfg.Backup.Storage.Path)
	case "s3":
		s3cfg := cfg.Backup.Storage.S3
		objStore, err = backup.NewS3Store(context.Background(), s3cfg.Bucket, backup.S3Config{
			Region:       s3cfg.Region,
			Endpoint:     s3cfg.Endpoint,
			UsePathStyle: s3cfg.UsePathStyle,
		})
	default:
		return nil, fmt.Errorf("unsupported backup storage type: %s", cfg.Backup.Storage.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("initializing backup storage: %w", err)
	}
	return backup.NewManager(objStore, cfg.Backup.Prefix, log.Named("backup")), nil
}
