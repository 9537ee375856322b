package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"

	"github.com/clankbot/clank/store"
)

// The auth row is a singleton; the bot holds exactly one identity.
const authTokenID = 1

func (d *DB) GetAuthToken(ctx context.Context) (*store.AuthToken, error) {
	t := &store.AuthToken{}
	err := d.db.QueryRowContext(ctx, `
		SELECT id, access_token, refresh_token, expires_ts, bot_username, created_ts
		FROM auth_tokens WHERE id = $1`,
		authTokenID,
	).Scan(&t.ID, &t.AccessToken, &t.RefreshToken, &t.ExpiresTs, &t.BotUsername, &t.CreatedTs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get auth token")
	}
	return t, nil
}

func (d *DB) PutAuthToken(ctx context.Context, token *store.AuthToken) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO auth_tokens (id, access_token, refresh_token, expires_ts, bot_username, created_ts)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			expires_ts = EXCLUDED.expires_ts,
			bot_username = EXCLUDED.bot_username`,
		authTokenID, token.AccessToken, token.RefreshToken, token.ExpiresTs, token.BotUsername, time.Now().Unix(),
	)
	return errors.Wrap(err, "failed to put auth token")
}
