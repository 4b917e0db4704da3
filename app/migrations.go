package app

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

type migration struct {
	version int
	name    string
	stmts   []string
}

// migrations are applied in order; each runs in its own transaction and is
// recorded in schema_migrations. Never edit a released migration, add one.
var migrations = []migration{
	{
		version: 1,
		name:    "generation tables",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS gen_requests (
				id              BIGSERIAL PRIMARY KEY,
				uuid            UUID NOT NULL UNIQUE,
				user_id         TEXT NOT NULL,
				post_type       TEXT NOT NULL,
				fields          TEXT[] NOT NULL,
				language        TEXT NOT NULL DEFAULT 'en',
				tone            TEXT NOT NULL DEFAULT '',
				instructions    TEXT NOT NULL DEFAULT '',
				status          TEXT NOT NULL DEFAULT 'pending',
				total_items     INT NOT NULL DEFAULT 0,
				completed_items INT NOT NULL DEFAULT 0,
				failed_items    INT NOT NULL DEFAULT 0,
				created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
				updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
			)`,
			`CREATE INDEX IF NOT EXISTS gen_requests_status_idx ON gen_requests (status, created_at DESC)`,
			`CREATE TABLE IF NOT EXISTS jobs (
				id                UUID PRIMARY KEY,
				request_id        BIGINT NOT NULL REFERENCES gen_requests (id) ON DELETE CASCADE,
				total_items       INT NOT NULL,
				batch_size        INT NOT NULL,
				total_batches     INT NOT NULL,
				completed_batches INT NOT NULL DEFAULT 0,
				failed_batches    INT NOT NULL DEFAULT 0,
				status            TEXT NOT NULL DEFAULT 'pending',
				created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
				updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
			)`,
			`CREATE TABLE IF NOT EXISTS gen_requests_posts (
				id              BIGSERIAL PRIMARY KEY,
				request_id      BIGINT NOT NULL REFERENCES gen_requests (id) ON DELETE CASCADE,
				job_id          UUID REFERENCES jobs (id) ON DELETE SET NULL,
				batch_index     INT NOT NULL DEFAULT 0,
				post_id         BIGINT NOT NULL,
				post_type       TEXT NOT NULL,
				field           TEXT NOT NULL,
				status          TEXT NOT NULL DEFAULT 'pending',
				original_value  TEXT NOT NULL DEFAULT '',
				generated_value TEXT NOT NULL DEFAULT '',
				snapshot        JSONB NOT NULL DEFAULT '{}',
				external_id     TEXT,
				error           TEXT NOT NULL DEFAULT '',
				applied         BOOLEAN NOT NULL DEFAULT false,
				applied_at      TIMESTAMPTZ,
				created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
				updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
				UNIQUE (request_id, post_id, field)
			)`,
			`CREATE INDEX IF NOT EXISTS gen_requests_posts_batch_idx ON gen_requests_posts (job_id, batch_index)`,
			`CREATE INDEX IF NOT EXISTS gen_requests_posts_external_idx ON gen_requests_posts (external_id) WHERE external_id IS NOT NULL`,
			`CREATE INDEX IF NOT EXISTS gen_requests_posts_post_idx ON gen_requests_posts (post_id)`,
			`CREATE TABLE IF NOT EXISTS gen_token_usage (
				id                BIGSERIAL PRIMARY KEY,
				request_id        BIGINT NOT NULL REFERENCES gen_requests (id) ON DELETE CASCADE,
				item_id           BIGINT REFERENCES gen_requests_posts (id) ON DELETE SET NULL,
				post_id           BIGINT NOT NULL,
				field             TEXT NOT NULL,
				model             TEXT NOT NULL DEFAULT '',
				prompt_tokens     INT NOT NULL DEFAULT 0,
				completion_tokens INT NOT NULL DEFAULT 0,
				total_tokens      INT NOT NULL DEFAULT 0,
				credits           NUMERIC(12, 4) NOT NULL DEFAULT 0,
				created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
			)`,
			`CREATE TABLE IF NOT EXISTS gen_status (
				post_id    BIGINT NOT NULL,
				field      TEXT NOT NULL,
				post_type  TEXT NOT NULL,
				status     TEXT NOT NULL,
				request_id BIGINT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
				PRIMARY KEY (post_id, field)
			)`,
		},
	},
	{
		version: 2,
		name:    "settings",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS gen_settings (
				key        TEXT PRIMARY KEY,
				value      TEXT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
			)`,
		},
	},
	{
		version: 3,
		name:    "usage reporting index",
		stmts: []string{
			`CREATE INDEX IF NOT EXISTS gen_token_usage_created_idx ON gen_token_usage (created_at)`,
			`CREATE INDEX IF NOT EXISTS gen_token_usage_request_idx ON gen_token_usage (request_id)`,
		},
	},
}

// LatestSchemaVersion is the version Migrate brings the database to.
func LatestSchemaVersion() int {
	return migrations[len(migrations)-1].version
}

// Migrate creates or upgrades the schema. It is safe to run repeatedly.
func Migrate(ctx context.Context) (int, error) {
	if db == nil {
		return 0, ErrDBNotInitialized
	}
	return migrate(ctx, db, migrations)
}

func migrate(ctx context.Context, d *sqlx.DB, list []migration) (int, error) {
	if _, err := d.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INT PRIMARY KEY,
			name       TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`); err != nil {
		return 0, fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := d.GetContext(ctx, &current, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}

	applied := 0
	for _, m := range list {
		if m.version <= current {
			continue
		}
		if err := applyMigration(ctx, d, m); err != nil {
			return applied, fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
		}
		zap.L().Info("applied migration", zap.Int("version", m.version), zap.String("name", m.name))
		applied++
	}
	return applied, nil
}

func applyMigration(ctx context.Context, d *sqlx.DB, m migration) error {
	tx, err := d.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range m.stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, name) VALUES ($1, $2)`, m.version, m.name); err != nil {
		return err
	}
	return tx.Commit()
}
