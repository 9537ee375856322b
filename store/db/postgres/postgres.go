package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"

	// Import the PostgreSQL driver.
	_ "github.com/lib/pq"

	"github.com/clankbot/clank/internal/profile"
)

// DB is the PostgreSQL backend. It carries the same schema and semantics as
// the embedded backend; deployments pick it when several bot instances share
// one database host.
type DB struct {
	db      *sql.DB
	profile *profile.Profile
}

// NewDB opens a PostgreSQL connection pool using the profile DSN.
func NewDB(profile *profile.Profile) (*DB, error) {
	if profile.DSN == "" {
		return nil, errors.New("dsn required")
	}

	pgDB, err := sql.Open("postgres", profile.DSN)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open postgres connection")
	}

	pgDB.SetMaxOpenConns(10)
	pgDB.SetMaxIdleConns(5)
	pgDB.SetConnMaxLifetime(30 * time.Minute)

	return &DB{db: pgDB, profile: profile}, nil
}

func (d *DB) GetDB() *sql.DB {
	return d.db
}

func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS messages (
		id BIGSERIAL PRIMARY KEY,
		message_id TEXT UNIQUE NOT NULL,
		channel TEXT NOT NULL,
		user_id TEXT NOT NULL,
		user_display_name TEXT NOT NULL,
		content TEXT NOT NULL,
		created_ts BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS channel_config (
		channel TEXT PRIMARY KEY,
		message_threshold INTEGER NOT NULL,
		spontaneous_cooldown INTEGER NOT NULL,
		response_cooldown INTEGER NOT NULL,
		context_limit INTEGER NOT NULL,
		model TEXT NOT NULL DEFAULT '',
		message_count INTEGER NOT NULL DEFAULT 0,
		last_spontaneous_ts BIGINT NOT NULL DEFAULT 0,
		created_ts BIGINT NOT NULL,
		updated_ts BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS user_response_cooldowns (
		id BIGSERIAL PRIMARY KEY,
		channel TEXT NOT NULL,
		user_id TEXT NOT NULL,
		last_response_ts BIGINT NOT NULL,
		UNIQUE(channel, user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS bot_metrics (
		id BIGSERIAL PRIMARY KEY,
		channel TEXT NOT NULL,
		metric_type TEXT NOT NULL,
		metric_value DOUBLE PRECISION NOT NULL,
		created_ts BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS auth_tokens (
		id INTEGER PRIMARY KEY,
		access_token TEXT NOT NULL,
		refresh_token TEXT NOT NULL DEFAULT '',
		expires_ts BIGINT NOT NULL DEFAULT 0,
		bot_username TEXT NOT NULL DEFAULT '',
		created_ts BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_channel_ts ON messages (channel, created_ts)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_message_id ON messages (message_id)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_user_id ON messages (user_id)`,
	`CREATE INDEX IF NOT EXISTS idx_cooldowns_channel_user ON user_response_cooldowns (channel, user_id)`,
	`CREATE INDEX IF NOT EXISTS idx_metrics_channel_type_ts ON bot_metrics (channel, metric_type, created_ts)`,
}

// Migrate creates the schema. Statements are idempotent so Migrate is safe to
// run on every startup.
func (d *DB) Migrate(ctx context.Context) error {
	for _, stmt := range migrations {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "failed to run migration")
		}
	}
	return nil
}
