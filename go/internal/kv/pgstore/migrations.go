package pgstore

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS catalog_items (
		pk          TEXT NOT NULL,
		sk          TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		attrs       JSONB NOT NULL,
		indexes     JSONB NOT NULL DEFAULT '[]',
		version     BIGINT NOT NULL,
		updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (pk, sk)
	)`,
	`CREATE TABLE IF NOT EXISTS catalog_index (
		index_name TEXT NOT NULL,
		ipk        TEXT NOT NULL,
		isk        TEXT NOT NULL,
		pk         TEXT NOT NULL,
		sk         TEXT NOT NULL,
		PRIMARY KEY (index_name, ipk, isk, pk, sk),
		FOREIGN KEY (pk, sk) REFERENCES catalog_items (pk, sk) ON DELETE CASCADE
	)`,
	`CREATE TABLE IF NOT EXISTS catalog_changes (
		id           UUID PRIMARY KEY,
		seq          BIGSERIAL,
		op           TEXT NOT NULL,
		entity_type  TEXT NOT NULL,
		pk           TEXT NOT NULL,
		sk           TEXT NOT NULL,
		version      BIGINT NOT NULL,
		old_attrs    JSONB,
		new_attrs    JSONB,
		committed_at TIMESTAMPTZ NOT NULL,
		sent_at      TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_catalog_index_item ON catalog_index (pk, sk)`,
	`CREATE INDEX IF NOT EXISTS idx_catalog_items_deleted ON catalog_items (pk, sk)
		WHERE attrs->>'status' = 'deleted'`,
	`CREATE INDEX IF NOT EXISTS idx_catalog_changes_unsent ON catalog_changes (seq) WHERE sent_at IS NULL`,
}

// RunMigrations creates the catalog tables when missing.
func (s *Store) RunMigrations(ctx context.Context) error {
	for _, migration := range migrations {
		if _, err := s.pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("executing migration: %w", err)
		}
	}
	log.Info().Msg("catalog migrations completed")
	return nil
}
