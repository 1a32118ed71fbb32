package changefeed

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
	"github.com/sqlc-dev/pqtype"

	"github.com/mcdev12/hacktracker/go/internal/catalog"
	"github.com/mcdev12/hacktracker/go/internal/kv"
	"github.com/mcdev12/hacktracker/go/internal/metrics"
	"github.com/mcdev12/hacktracker/go/internal/sqlutil"
)

type ListenerConfig struct {
	DatabaseURL      string        // Postgres DSN for LISTEN/NOTIFY
	NotifyChannel    string        // Channel name to LISTEN on
	FallbackInterval time.Duration // How often to poll for missed changes
	MaxRetries       uint
	RetryDelay       time.Duration
	PingInterval     time.Duration
	BatchSize        int // Max changes to fetch per poll
}

func DefaultListenerConfig() ListenerConfig {
	return ListenerConfig{
		NotifyChannel:    "catalog_changes",
		FallbackInterval: 30 * time.Second,
		MaxRetries:       5,
		RetryDelay:       200 * time.Millisecond,
		PingInterval:     90 * time.Second,
		BatchSize:        100,
	}
}

const selectChange = `
	SELECT id, op, entity_type, pk, sk, version, old_attrs, new_attrs, committed_at
	FROM catalog_changes`

// Listener publishes the store's outbox rows as they are committed. Rows are
// announced with NOTIFY; a periodic poll picks up anything missed while the
// connection was down.
type Listener struct {
	db        *sql.DB
	listener  *pq.Listener
	publisher Publisher
	metrics   metrics.Collector
	cfg       ListenerConfig
}

func NewListener(db *sql.DB, publisher Publisher, m metrics.Collector, cfg ListenerConfig) (*Listener, error) {
	if m == nil {
		m = metrics.NoOp{}
	}
	l := pq.NewListener(
		cfg.DatabaseURL,
		10*time.Second,
		time.Minute,
		func(ev pq.ListenerEventType, err error) {
			if err != nil {
				log.Error().Err(err).Msg("listener event")
			}
		},
	)
	if err := l.Listen(cfg.NotifyChannel); err != nil {
		return nil, fmt.Errorf("failed to listen to channel: %w", err)
	}

	log.Info().
		Str("channel", cfg.NotifyChannel).
		Msg("listening for notifications")

	return &Listener{
		db:        db,
		listener:  l,
		publisher: publisher,
		metrics:   m,
		cfg:       cfg,
	}, nil
}

func (l *Listener) Start(ctx context.Context) error {
	log.Info().
		Str("channel", l.cfg.NotifyChannel).
		Dur("ping_interval", l.cfg.PingInterval).
		Dur("fallback_interval", l.cfg.FallbackInterval).
		Msg("listener started")

	pingTicker := time.NewTicker(l.cfg.PingInterval)
	fallbackTicker := time.NewTicker(l.cfg.FallbackInterval)
	defer pingTicker.Stop()
	defer fallbackTicker.Stop()

	// Publish whatever accumulated while nobody was listening.
	if err := l.processUnsent(ctx); err != nil {
		log.Error().Err(err).Msg("failed to process unsent changes")
	}

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("listener shutting down")
			return l.Stop()
		case note := <-l.listener.Notify:
			if note == nil {
				// Reconnected; anything sent meanwhile is only reachable by polling.
				if err := l.processUnsent(ctx); err != nil {
					log.Error().Err(err).Msg("failed to process unsent changes")
				}
				continue
			}
			if err := l.handleNotification(ctx, note.Extra); err != nil {
				log.Error().Err(err).Msg("failed to handle notification")
			}
		case <-fallbackTicker.C:
			if err := l.processUnsent(ctx); err != nil {
				log.Error().Err(err).Msg("failed to process unsent changes")
			}
		case <-pingTicker.C:
			if err := l.listener.Ping(); err != nil {
				log.Error().Err(err).Msg("failed to ping listener")
			}
		}
	}
}

func (l *Listener) Stop() error {
	return l.listener.Close()
}

// handleNotification publishes the change whose id is the notification payload.
func (l *Listener) handleNotification(ctx context.Context, extra string) error {
	id, err := uuid.Parse(extra)
	if err != nil {
		return fmt.Errorf("invalid change id in notification: %w", err)
	}

	ev, err := scanChange(l.db.QueryRowContext(ctx, selectChange+` WHERE id = $1 AND sent_at IS NULL`, id))
	if errors.Is(err, sql.ErrNoRows) {
		// Already relayed by the fallback poll.
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to fetch change: %w", err)
	}
	return l.relay(ctx, ev)
}

// processUnsent publishes every change not yet marked sent, oldest first.
func (l *Listener) processUnsent(ctx context.Context) error {
	rows, err := l.db.QueryContext(ctx, selectChange+` WHERE sent_at IS NULL ORDER BY seq LIMIT $1`, l.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("failed to fetch unsent changes: %w", err)
	}
	var pending []kv.ChangeEvent
	for rows.Next() {
		ev, err := scanChange(rows)
		if err != nil {
			rows.Close()
			return err
		}
		pending = append(pending, ev)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	l.metrics.RecordOutboxLag(len(pending))

	for _, ev := range pending {
		if err := l.relay(ctx, ev); err != nil {
			log.Error().Err(err).Str("change_id", ev.ID).Msg("failed to relay change")
			continue
		}
	}
	return nil
}

// relay publishes ev with retries and marks it sent.
func (l *Listener) relay(ctx context.Context, ev kv.ChangeEvent) error {
	if err := l.publishWithRetry(ctx, ev); err != nil {
		return fmt.Errorf("failed to publish change: %w", err)
	}
	if _, err := l.db.ExecContext(ctx, `UPDATE catalog_changes SET sent_at = now() WHERE id = $1`, ev.ID); err != nil {
		log.Error().Err(err).Str("change_id", ev.ID).Msg("failed to mark change as sent")
		return err
	}
	log.Debug().Str("change_id", ev.ID).Msg("published and marked change as sent")
	return nil
}

// publishWithRetry publishes ev with exponential backoff.
func (l *Listener) publishWithRetry(ctx context.Context, ev kv.ChangeEvent) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.cfg.RetryDelay
	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		start := time.Now()
		err := l.publisher.Publish(ctx, ev)
		l.metrics.RecordPublishAttempt(string(ev.Type), attempt, err == nil)
		l.metrics.RecordEventPublished(string(ev.Type), err == nil, time.Since(start))
		if err != nil {
			log.Warn().
				Err(err).
				Int("attempt", attempt).
				Str("change_id", ev.ID).
				Msg("failed to publish, retrying")
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(l.cfg.MaxRetries+1),
	)
	if err != nil {
		return fmt.Errorf("publish failed after %d attempts: %w", attempt, err)
	}
	if attempt > 1 {
		log.Info().
			Int("attempt", attempt).
			Str("change_id", ev.ID).
			Msg("publish succeeded after retry")
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChange(row rowScanner) (kv.ChangeEvent, error) {
	var (
		ev                 kv.ChangeEvent
		id                 uuid.UUID
		op, typ            string
		oldAttrs, newAttrs pqtype.NullRawMessage
	)
	if err := row.Scan(&id, &op, &typ, &ev.Key.PK, &ev.Key.SK, &ev.Version, &oldAttrs, &newAttrs, &ev.CommittedAt); err != nil {
		return kv.ChangeEvent{}, err
	}
	ev.ID = id.String()
	ev.Op = kv.ChangeOp(op)
	ev.Type = catalog.EntityType(typ)
	var err error
	if ev.Old, err = sqlutil.FromNullJSON(oldAttrs); err != nil {
		return kv.ChangeEvent{}, err
	}
	if ev.New, err = sqlutil.FromNullJSON(newAttrs); err != nil {
		return kv.ChangeEvent{}, err
	}
	return ev, nil
}
