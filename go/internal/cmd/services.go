package main

import (
	"context"
	"fmt"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/mcdev12/hacktracker/go/internal/audit"
	"github.com/mcdev12/hacktracker/go/internal/authz"
	"github.com/mcdev12/hacktracker/go/internal/changefeed"
	"github.com/mcdev12/hacktracker/go/internal/config"
	"github.com/mcdev12/hacktracker/go/internal/entities"
	"github.com/mcdev12/hacktracker/go/internal/games"
	"github.com/mcdev12/hacktracker/go/internal/leagues"
	"github.com/mcdev12/hacktracker/go/internal/lifecycle"
	"github.com/mcdev12/hacktracker/go/internal/metrics"
	"github.com/mcdev12/hacktracker/go/internal/mirror"
	"github.com/mcdev12/hacktracker/go/internal/teams"
	"github.com/mcdev12/hacktracker/go/internal/txn"
	"github.com/mcdev12/hacktracker/go/internal/users"
)

// Services holds the catalog core the background workers share and the
// typed apps built on it.
type Services struct {
	Entities   *entities.App
	Audit      *audit.Recorder
	Mirror     *mirror.Engine
	Sweeper    *lifecycle.Sweeper
	Authorizer *authz.Authorizer

	Users   *users.App
	Teams   *teams.App
	Leagues *leagues.App
	Games   *games.App
}

func setupServices(ctx context.Context, cfg config.Config, be *backend, clock clockwork.Clock, m metrics.Collector) (*Services, error) {
	// Wire up dependency injection chain
	// Store → Coordinator → Entities → Audit/Mirror → Sweeper
	coordinator := txn.NewCoordinator(be.store, clock, m)
	ents := entities.NewApp(coordinator, clock)

	var archiver audit.Archiver
	if cfg.Audit.Bucket != "" {
		s3, err := audit.NewS3Archiver(ctx, s3Config(cfg.Audit))
		if err != nil {
			return nil, fmt.Errorf("failed to set up audit archive: %w", err)
		}
		archiver = s3
		log.Info().Str("bucket", cfg.Audit.Bucket).Msg("archiving audit records to S3")
	}
	recorder := audit.NewRecorder(coordinator, archiver, clock)

	engine := mirror.NewEngine(ents, recorder, m, mirrorConfig(cfg.Mirror))
	sweeper := lifecycle.NewSweeper(ents, recorder, engine,
		lifecycle.WithRetention(cfg.Retention.Window),
		lifecycle.WithBatchSize(cfg.Retention.BatchSize),
		lifecycle.WithMetrics(m),
	)

	// Entities → Repositories → Apps, each app authorized and soft-deleting
	// through the sweeper
	authorizer := authz.NewAuthorizer(be.store, cfg.SystemAdmins...)
	usersApp := users.NewApp(users.NewRepository(ents), authorizer, sweeper)
	teamsApp := teams.NewApp(teams.NewRepository(ents), authorizer, sweeper, clock)
	leaguesApp := leagues.NewApp(leagues.NewRepository(ents), authorizer, sweeper)
	gamesApp := games.NewApp(games.NewRepository(ents), authorizer)

	return &Services{
		Entities:   ents,
		Audit:      recorder,
		Mirror:     engine,
		Sweeper:    sweeper,
		Authorizer: authorizer,
		Users:      usersApp,
		Teams:      teamsApp,
		Leagues:    leaguesApp,
		Games:      gamesApp,
	}, nil
}

// run opens the backend and runs every worker until ctx is cancelled or one
// of them fails.
func run(ctx context.Context, cfg config.Config) error {
	clock := clockwork.NewRealClock()
	m := metrics.NewPrometheus(nil)

	be, err := setupBackend(ctx, cfg, clock)
	if err != nil {
		return err
	}
	defer be.close()

	services, err := setupServices(ctx, cfg, be, clock, m)
	if err != nil {
		return err
	}
	scheduler, err := lifecycle.NewScheduler(services.Sweeper, cfg.Retention.Schedule)
	if err != nil {
		return fmt.Errorf("invalid retention schedule: %w", err)
	}
	ops := setupOpsServer(cfg.Ops.Addr, be.ping)

	workers := []func(context.Context) error{scheduler.Run, ops.Run}
	if be.memory != nil {
		relay := changefeed.NewMemoryRelay(be.memory, services.Mirror, clock, 0)
		workers = append(workers, relay.Run)
	} else {
		jsCfg := jetStreamConfig(cfg.NATS)
		nc, js, err := changefeed.Connect(jsCfg)
		if err != nil {
			return err
		}
		defer nc.Close()
		if err := changefeed.EnsureStream(ctx, js, jsCfg); err != nil {
			return err
		}
		listener, err := changefeed.NewListener(be.db, changefeed.NewJetStreamPublisher(js, jsCfg), m, listenerConfig(cfg))
		if err != nil {
			return fmt.Errorf("failed to create outbox listener: %w", err)
		}
		consumer := changefeed.NewConsumer(js, services.Mirror, jsCfg)
		workers = append(workers, listener.Start, consumer.Run)
	}

	errg, ctx := errgroup.WithContext(ctx)
	for _, w := range workers {
		errg.Go(func() error { return w(ctx) })
	}
	log.Info().Str("backend", cfg.Backend).Int("workers", len(workers)).Msg("catalog service started")
	return errg.Wait()
}
