package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/cens-chile/oclfhir/config"
	"github.com/cens-chile/oclfhir/engine"
	"github.com/cens-chile/oclfhir/model"
	"github.com/cens-chile/oclfhir/registry"
	"github.com/cens-chile/oclfhir/repository"
	"github.com/cens-chile/oclfhir/resolver"
	"github.com/cens-chile/oclfhir/sqlstore"
	"github.com/cens-chile/oclfhir/terminology"
)

// app holds the wired components for one command invocation.
type app struct {
	cfg    *config.Config
	logger *zap.Logger
	repo   repository.Repository
	engine *engine.Engine

	closers []func() error
}

// setup connects the repository named by cfg, builds the engine and, when
// Redis is configured, adds the shared resolver cache tier.
func setup(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	repo, err := a.openRepository(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.repo = repo
	a.engine = engine.New(repo, logger.Named("engine"), cfg.Engine.Options()...)

	if cfg.Redis.Enabled() {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		a.closers = append(a.closers, client.Close)
		if err := client.Ping(ctx).Err(); err != nil {
			a.Close()
			return nil, fmt.Errorf("connect redis %s: %w", cfg.Redis.Addr, err)
		}
		a.engine.SetResolver(resolver.New(repo, logger.Named("resolver"),
			resolver.WithOptions(a.engine.Options()),
			resolver.WithMetrics(a.engine.Metrics()),
			resolver.WithSharedCache(resolver.NewRedisKVStore(client, "oclfhir:resolve:")),
		))
		logger.Info("shared resolver cache enabled", zap.String("addr", cfg.Redis.Addr))
	}
	return a, nil
}

func (a *app) openRepository(ctx context.Context) (repository.Repository, error) {
	if a.cfg.Database.Enabled() {
		store, err := openStore(ctx, a.cfg, a.logger, a.cfg.Database.Migrate)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, store.Close)
		return store, nil
	}
	return seedMemory(ctx, a.cfg.Seed, a.logger)
}

func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger, migrate bool) (*sqlstore.Store, error) {
	db := cfg.Database
	store, err := sqlstore.Open(ctx, sqlstore.Config{
		Driver:          db.Driver,
		DSN:             db.GetDSN(),
		MaxOpenConns:    db.MaxOpenConns,
		MaxIdleConns:    db.MaxIdleConns,
		ConnMaxLifetime: db.ConnMaxLifetime,
		Migrate:         migrate,
	}, logger.Named("sqlstore"))
	if err != nil {
		return nil, err
	}
	store.SetMaxHierarchyDepth(cfg.Engine.MaxHierarchyDepth)
	return store, nil
}

// seedMemory builds an in-memory repository from the seed settings: the
// builtin systems, registry packages, then the seed directory.
func seedMemory(ctx context.Context, seed config.SeedConfig, logger *zap.Logger) (*terminology.InMemoryRepository, error) {
	var repo *terminology.InMemoryRepository
	if seed.Builtins {
		repo = terminology.NewWithBuiltins()
	} else {
		repo = terminology.NewInMemoryRepository()
	}
	if seed.Dir == "" && len(seed.Packages) == 0 {
		return repo, nil
	}

	owner, err := model.ParseOwner(seed.Owner)
	if err != nil {
		return nil, fmt.Errorf("seed owner: %w", err)
	}

	if len(seed.Packages) > 0 {
		client := registry.NewClient(
			registry.WithRegistryURL(seed.RegistryURL),
			registry.WithCacheDir(seed.PackageCache),
			registry.WithLogger(logger.Named("registry")),
		)
		for _, spec := range seed.Packages {
			dir, err := client.Open(ctx, spec)
			if err != nil {
				return nil, err
			}
			if err := loadDir(repo, owner, dir, logger); err != nil {
				return nil, err
			}
		}
	}
	if seed.Dir != "" {
		if err := loadDir(repo, owner, seed.Dir, logger); err != nil {
			return nil, err
		}
	}
	return repo, nil
}

func loadDir(repo *terminology.InMemoryRepository, owner model.Owner, dir string, logger *zap.Logger) error {
	stats, err := repo.LoadFromDirectory(owner, dir)
	if err != nil {
		return fmt.Errorf("load %s: %w", dir, err)
	}
	logger.Info("terminology loaded",
		zap.String("dir", dir),
		zap.Stringer("owner", owner),
		zap.Int64("code_systems", stats.CodeSystemsLoaded),
		zap.Int64("value_sets", stats.ValueSetsLoaded),
		zap.Int64("concepts", stats.ConceptsLoaded),
		zap.Int64("errors", stats.Errors),
	)
	return nil
}

// Close releases connections in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
