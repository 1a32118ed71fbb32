package main

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jonboulle/clockwork"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/hacktracker/go/internal/config"
	"github.com/mcdev12/hacktracker/go/internal/kv"
	"github.com/mcdev12/hacktracker/go/internal/kv/memory"
	"github.com/mcdev12/hacktracker/go/internal/kv/pgstore"
)

// backend is the opened store plus what the change feed needs from it.
type backend struct {
	store kv.Store
	// memory is set on the memory backend, whose changes are relayed in process.
	memory *memory.Store
	// db is the lib/pq handle the outbox listener reads through.
	db    *sql.DB
	ping  func(context.Context) error
	close func()
}

func setupBackend(ctx context.Context, cfg config.Config, clock clockwork.Clock) (*backend, error) {
	if cfg.Backend == config.BackendMemory {
		store := memory.NewStore(memory.WithClock(clock))
		log.Warn().Msg("using the in-memory store; nothing survives a restart")
		return &backend{
			store:  store,
			memory: store,
			ping:   func(context.Context) error { return nil },
			close:  func() {},
		}, nil
	}

	dsn := cfg.Database.DSN()
	pgCfg := pgstore.DefaultConfig(dsn)
	pgCfg.MaxConns = cfg.Database.MaxConns
	pgCfg.MinConns = cfg.Database.MinConns
	pgCfg.MaxConnLifetime = cfg.Database.MaxConnLifetime
	if cfg.Listener.Channel != "" {
		pgCfg.NotifyChannel = cfg.Listener.Channel
	}
	store, err := pgstore.New(ctx, pgCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	if err := store.RunMigrations(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to migrate store: %w", err)
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to create database connection: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		store.Close()
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info().
		Str("host", cfg.Database.Host).
		Int("port", cfg.Database.Port).
		Str("database", cfg.Database.Database).
		Msg("connected to database")
	return &backend{
		store: store,
		db:    db,
		ping:  store.Ping,
		close: func() {
			_ = db.Close()
			store.Close()
		},
	}, nil
}
