package sqlite

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	"github.com/clankbot/clank/store"
)

func (d *DB) GetUserCooldown(ctx context.Context, channel, userID string) (*store.UserResponseCooldown, error) {
	c := &store.UserResponseCooldown{}
	err := d.db.QueryRowContext(ctx, `
		SELECT id, channel, user_id, last_response_ts
		FROM user_response_cooldowns
		WHERE channel = ? AND user_id = ?`,
		channel, userID,
	).Scan(&c.ID, &c.Channel, &c.UserID, &c.LastResponseTs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get user cooldown")
	}
	return c, nil
}

// StampUserCooldown upserts the per-user stamp. MAX() keeps a slow writer from
// rewinding a newer stamp.
func (d *DB) StampUserCooldown(ctx context.Context, channel, userID string, ts int64) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO user_response_cooldowns (channel, user_id, last_response_ts)
		VALUES (?, ?, ?)
		ON CONFLICT(channel, user_id) DO UPDATE SET last_response_ts = MAX(last_response_ts, excluded.last_response_ts)`,
		channel, userID, ts,
	)
	return errors.Wrap(err, "failed to stamp user cooldown")
}
