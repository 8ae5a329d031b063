package main

import (
	"context"
	"fmt"
	"time"

	"github.com/4gveloxtec-del/pscontrolpro-aff0aea0-sub004/internal/config"
	"github.com/4gveloxtec-del/pscontrolpro-aff0aea0-sub004/internal/infrastructure"
	"github.com/4gveloxtec-del/pscontrolpro-aff0aea0-sub004/internal/interfaces"
	"github.com/4gveloxtec-del/pscontrolpro-aff0aea0-sub004/internal/logger"
	"github.com/4gveloxtec-del/pscontrolpro-aff0aea0-sub004/internal/repository"
	"github.com/4gveloxtec-del/pscontrolpro-aff0aea0-sub004/internal/usecases"
)

// stores holds the shared backing services. Close releases them in reverse
// order of creation.
type stores struct {
	cfg    *config.Config
	pg     *infrastructure.PostgresClient
	cache  interfaces.Cache
	locker interfaces.Locker

	closers []func()
}

func openStores(ctx context.Context, cfg *config.Config) (*stores, error) {
	pg, err := infrastructure.NewPostgresClient(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	s := &stores{cfg: cfg, pg: pg}
	s.closers = append(s.closers, pg.Close)

	if err := pg.Migrate(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	if cfg.ValkeyAddr != "" {
		vc, err := infrastructure.NewValkeyClient(infrastructure.ValkeyConfig{
			Address:   cfg.ValkeyAddr,
			Password:  cfg.ValkeyPassword,
			DB:        cfg.ValkeyDB,
			KeyPrefix: cfg.ValkeyPrefix,
		})
		if err != nil {
			s.Close()
			return nil, err
		}
		s.closers = append(s.closers, vc.Close)
		s.cache = infrastructure.NewValkeyCache(vc)
		s.locker = infrastructure.NewValkeyLocker(vc)
		logger.Component("startup").Infof("using valkey at %s for cache and locks", cfg.ValkeyAddr)
	} else {
		s.cache = infrastructure.NewMemoryCache()
		s.locker = infrastructure.NewOperationLock()
		logger.Component("startup").Info("VALKEY_ADDR not set, using in-process cache and locks")
	}
	return s, nil
}

func (s *stores) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}

func (s *stores) onClose(fn func()) {
	s.closers = append(s.closers, fn)
}

func (s *stores) backupUsecase() *usecases.BackupUsecase {
	return usecases.NewBackupUsecase(
		repository.NewTableManager(s.pg.Pool),
		repository.NewTenantManager(s.pg.Pool),
		s.locker,
		s.cfg.BackupDir,
	)
}

// idlePurger is implemented by both bot session stores.
type idlePurger interface {
	PurgeIdle(ctx context.Context, before time.Time) (int64, error)
}

func (s *stores) sessionStore(ctx context.Context, botRepo *repository.BotRepository) (usecases.BotSessionStore, error) {
	if s.cfg.BotSessionStore != "sqlite" {
		return botRepo, nil
	}
	store, err := infrastructure.NewSQLiteSessionStore(ctx, s.cfg.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite session store: %w", err)
	}
	s.onClose(func() {
		if err := store.Close(); err != nil {
			logger.Component("startup").Warnf("close sqlite session store: %v", err)
		}
	})
	return store, nil
}
