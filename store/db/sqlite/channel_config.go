package sqlite

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/clankbot/clank/store"
)

const channelConfigFields = "channel, message_threshold, spontaneous_cooldown, response_cooldown, context_limit, model, message_count, last_spontaneous_ts, created_ts, updated_ts"

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// ensureChannelConfigTx inserts a config row seeded from defaults unless one
// already exists.
func ensureChannelConfigTx(ctx context.Context, e execer, channel string, defaults store.ConfigDefaults) error {
	now := time.Now().Unix()
	_, err := e.ExecContext(ctx, `
		INSERT OR IGNORE INTO channel_config (`+channelConfigFields+`)
		VALUES (?, ?, ?, ?, ?, '', 0, 0, ?, ?)`,
		channel, defaults.MessageThreshold, defaults.SpontaneousCooldown,
		defaults.ResponseCooldown, defaults.ContextLimit, now, now,
	)
	return errors.Wrap(err, "failed to ensure channel config")
}

func scanChannelConfig(row *sql.Row) (*store.ChannelConfig, error) {
	c := &store.ChannelConfig{}
	err := row.Scan(
		&c.Channel, &c.MessageThreshold, &c.SpontaneousCooldown, &c.ResponseCooldown,
		&c.ContextLimit, &c.Model, &c.MessageCount, &c.LastSpontaneousTs,
		&c.CreatedTs, &c.UpdatedTs,
	)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// GetChannelConfig returns the stored config, or a config synthesized from
// defaults when the channel has never been persisted. The synthesized config
// is not written; persistence happens on first write.
func (d *DB) GetChannelConfig(ctx context.Context, channel string, defaults store.ConfigDefaults) (*store.ChannelConfig, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT `+channelConfigFields+` FROM channel_config WHERE channel = ?`, channel,
	)
	config, err := scanChannelConfig(row)
	if errors.Is(err, sql.ErrNoRows) {
		now := time.Now().Unix()
		return &store.ChannelConfig{
			Channel:             channel,
			MessageThreshold:    defaults.MessageThreshold,
			SpontaneousCooldown: defaults.SpontaneousCooldown,
			ResponseCooldown:    defaults.ResponseCooldown,
			ContextLimit:        defaults.ContextLimit,
			CreatedTs:           now,
			UpdatedTs:           now,
		}, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get channel config")
	}
	return config, nil
}

func (d *DB) UpdateChannelConfig(ctx context.Context, update *store.UpdateChannelConfig, defaults store.ConfigDefaults) (*store.ChannelConfig, error) {
	if err := ensureChannelConfigTx(ctx, d.db, update.Channel, defaults); err != nil {
		return nil, err
	}

	set, args := []string{}, []any{}
	if update.MessageThreshold != nil {
		set, args = append(set, "message_threshold = ?"), append(args, *update.MessageThreshold)
	}
	if update.SpontaneousCooldown != nil {
		set, args = append(set, "spontaneous_cooldown = ?"), append(args, *update.SpontaneousCooldown)
	}
	if update.ResponseCooldown != nil {
		set, args = append(set, "response_cooldown = ?"), append(args, *update.ResponseCooldown)
	}
	if update.ContextLimit != nil {
		set, args = append(set, "context_limit = ?"), append(args, *update.ContextLimit)
	}
	if update.Model != nil {
		set, args = append(set, "model = ?"), append(args, *update.Model)
	}
	if len(set) == 0 {
		return nil, errors.New("no fields to update")
	}
	set, args = append(set, "updated_ts = ?"), append(args, time.Now().Unix())
	args = append(args, update.Channel)

	if _, err := d.db.ExecContext(ctx,
		`UPDATE channel_config SET `+strings.Join(set, ", ")+` WHERE channel = ?`, args...,
	); err != nil {
		return nil, errors.Wrap(err, "failed to update channel config")
	}
	return d.GetChannelConfig(ctx, update.Channel, defaults)
}

// ResetChannelConfig restores defaults for one channel, clearing the model
// override but preserving the counter and spontaneous stamp (those belong to
// the rate-limit discipline, not to tuning).
func (d *DB) ResetChannelConfig(ctx context.Context, channel string, defaults store.ConfigDefaults) error {
	if err := ensureChannelConfigTx(ctx, d.db, channel, defaults); err != nil {
		return err
	}
	_, err := d.db.ExecContext(ctx, `
		UPDATE channel_config
		SET message_threshold = ?, spontaneous_cooldown = ?, response_cooldown = ?,
		    context_limit = ?, model = '', updated_ts = ?
		WHERE channel = ?`,
		defaults.MessageThreshold, defaults.SpontaneousCooldown, defaults.ResponseCooldown,
		defaults.ContextLimit, time.Now().Unix(), channel,
	)
	return errors.Wrap(err, "failed to reset channel config")
}

func (d *DB) ResetMessageCount(ctx context.Context, channel string) error {
	_, err := d.db.ExecContext(ctx,
		`UPDATE channel_config SET message_count = 0, updated_ts = ? WHERE channel = ?`,
		time.Now().Unix(), channel,
	)
	return errors.Wrap(err, "failed to reset message count")
}

// StampSpontaneous records a spontaneous emission: the stamp is monotonic and
// the counter restarts. MAX() keeps a late stamp from moving time backwards.
func (d *DB) StampSpontaneous(ctx context.Context, channel string, ts int64) error {
	_, err := d.db.ExecContext(ctx, `
		UPDATE channel_config
		SET last_spontaneous_ts = MAX(last_spontaneous_ts, ?), message_count = 0, updated_ts = ?
		WHERE channel = ?`,
		ts, time.Now().Unix(), channel,
	)
	return errors.Wrap(err, "failed to stamp spontaneous")
}

func (d *DB) ListChannelConfigs(ctx context.Context) ([]*store.ChannelConfig, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT `+channelConfigFields+` FROM channel_config ORDER BY channel`,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list channel configs")
	}
	defer rows.Close()

	list := []*store.ChannelConfig{}
	for rows.Next() {
		c := &store.ChannelConfig{}
		if err := rows.Scan(
			&c.Channel, &c.MessageThreshold, &c.SpontaneousCooldown, &c.ResponseCooldown,
			&c.ContextLimit, &c.Model, &c.MessageCount, &c.LastSpontaneousTs,
			&c.CreatedTs, &c.UpdatedTs,
		); err != nil {
			return nil, errors.Wrap(err, "failed to scan channel config")
		}
		list = append(list, c)
	}
	return list, errors.Wrap(rows.Err(), "failed to iterate channel configs")
}
