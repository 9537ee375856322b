package postgres

import (
	"context"
	"database/sql"
	"fmt"
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
		INSERT INTO channel_config (`+channelConfigFields+`)
		VALUES ($1, $2, $3, $4, $5, '', 0, 0, $6, $7)
		ON CONFLICT (channel) DO NOTHING`,
		channel, defaults.MessageThreshold, defaults.SpontaneousCooldown,
		defaults.ResponseCooldown, defaults.ContextLimit, now, now,
	)
	return errors.Wrap(err, "failed to ensure channel config")
}

// GetChannelConfig returns the stored config, or a config synthesized from
// defaults when the channel has never been persisted. The synthesized config
// is not written; persistence happens on first write.
func (d *DB) GetChannelConfig(ctx context.Context, channel string, defaults store.ConfigDefaults) (*store.ChannelConfig, error) {
	c := &store.ChannelConfig{}
	err := d.db.QueryRowContext(ctx,
		`SELECT `+channelConfigFields+` FROM channel_config WHERE channel = $1`, channel,
	).Scan(
		&c.Channel, &c.MessageThreshold, &c.SpontaneousCooldown, &c.ResponseCooldown,
		&c.ContextLimit, &c.Model, &c.MessageCount, &c.LastSpontaneousTs,
		&c.CreatedTs, &c.UpdatedTs,
	)
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
	return c, nil
}

func (d *DB) UpdateChannelConfig(ctx context.Context, update *store.UpdateChannelConfig, defaults store.ConfigDefaults) (*store.ChannelConfig, error) {
	if err := ensureChannelConfigTx(ctx, d.db, update.Channel, defaults); err != nil {
		return nil, err
	}

	set, args := []string{}, []any{}
	if update.MessageThreshold != nil {
		args = append(args, *update.MessageThreshold)
		set = append(set, fmt.Sprintf("message_threshold = $%d", len(args)))
	}
	if update.SpontaneousCooldown != nil {
		args = append(args, *update.SpontaneousCooldown)
		set = append(set, fmt.Sprintf("spontaneous_cooldown = $%d", len(args)))
	}
	if update.ResponseCooldown != nil {
		args = append(args, *update.ResponseCooldown)
		set = append(set, fmt.Sprintf("response_cooldown = $%d", len(args)))
	}
	if update.ContextLimit != nil {
		args = append(args, *update.ContextLimit)
		set = append(set, fmt.Sprintf("context_limit = $%d", len(args)))
	}
	if update.Model != nil {
		args = append(args, *update.Model)
		set = append(set, fmt.Sprintf("model = $%d", len(args)))
	}
	if len(set) == 0 {
		return nil, errors.New("no fields to update")
	}
	args = append(args, time.Now().Unix())
	set = append(set, fmt.Sprintf("updated_ts = $%d", len(args)))
	args = append(args, update.Channel)

	query := fmt.Sprintf("UPDATE channel_config SET %s WHERE channel = $%d",
		strings.Join(set, ", "), len(args))
	if _, err := d.db.ExecContext(ctx, query, args...); err != nil {
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
		SET message_threshold = $1, spontaneous_cooldown = $2, response_cooldown = $3,
		    context_limit = $4, model = '', updated_ts = $5
		WHERE channel = $6`,
		defaults.MessageThreshold, defaults.SpontaneousCooldown, defaults.ResponseCooldown,
		defaults.ContextLimit, time.Now().Unix(), channel,
	)
	return errors.Wrap(err, "failed to reset channel config")
}

func (d *DB) ResetMessageCount(ctx context.Context, channel string) error {
	_, err := d.db.ExecContext(ctx,
		`UPDATE channel_config SET message_count = 0, updated_ts = $1 WHERE channel = $2`,
		time.Now().Unix(), channel,
	)
	return errors.Wrap(err, "failed to reset message count")
}

// StampSpontaneous records a spontaneous emission: the stamp is monotonic and
// the counter restarts. GREATEST() keeps a late stamp from moving time
// backwards.
func (d *DB) StampSpontaneous(ctx context.Context, channel string, ts int64) error {
	_, err := d.db.ExecContext(ctx, `
		UPDATE channel_config
		SET last_spontaneous_ts = GREATEST(last_spontaneous_ts, $1), message_count = 0, updated_ts = $2
		WHERE channel = $3`,
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
