package postgres

import (
	"context"

	"github.com/pkg/errors"

	"github.com/clankbot/clank/store"
)

// AppendMessage stores a message and increments the channel counter in one
// transaction. The channel_config row is created from defaults if this is the
// first persisted event for the channel.
func (d *DB) AppendMessage(ctx context.Context, msg *store.Message, defaults store.ConfigDefaults) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	if err := ensureChannelConfigTx(ctx, tx, msg.Channel, defaults); err != nil {
		return err
	}

	result, err := tx.ExecContext(ctx, `
		INSERT INTO messages (message_id, channel, user_id, user_display_name, content, created_ts)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (message_id) DO NOTHING`,
		msg.MessageID, msg.Channel, msg.UserID, msg.UserDisplayName, msg.Content, msg.CreatedTs,
	)
	if err != nil {
		return errors.Wrap(err, "failed to insert message")
	}
	inserted, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read rows affected")
	}
	if inserted == 0 {
		return store.ErrDuplicate
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE channel_config SET message_count = message_count + 1, updated_ts = $1 WHERE channel = $2`,
		msg.CreatedTs, msg.Channel,
	); err != nil {
		return errors.Wrap(err, "failed to increment message count")
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit append")
	}
	return nil
}

// RecentMessages returns up to Limit messages for one channel in
// chronological order.
func (d *DB) RecentMessages(ctx context.Context, find *store.FindMessage) ([]*store.Message, error) {
	limit := find.Limit
	if limit <= 0 {
		return []*store.Message{}, nil
	}
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, message_id, channel, user_id, user_display_name, content, created_ts
		FROM messages
		WHERE channel = $1
		ORDER BY created_ts DESC, id DESC
		LIMIT $2`,
		find.Channel, limit,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query recent messages")
	}
	defer rows.Close()

	list := make([]*store.Message, 0, limit)
	for rows.Next() {
		m := &store.Message{}
		if err := rows.Scan(&m.ID, &m.MessageID, &m.Channel, &m.UserID, &m.UserDisplayName, &m.Content, &m.CreatedTs); err != nil {
			return nil, errors.Wrap(err, "failed to scan message")
		}
		list = append(list, m)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate messages")
	}

	// Reverse to chronological, newest last.
	for i, j := 0, len(list)-1; i < j; i, j = i+1, j-1 {
		list[i], list[j] = list[j], list[i]
	}
	return list, nil
}

func (d *DB) CountRecentMessages(ctx context.Context, channel string) (int, error) {
	var count int
	err := d.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE channel = $1`, channel,
	).Scan(&count)
	if err != nil {
		return 0, errors.Wrap(err, "failed to count messages")
	}
	return count, nil
}

func (d *DB) DeleteMessageByID(ctx context.Context, messageID string) error {
	if _, err := d.db.ExecContext(ctx,
		`DELETE FROM messages WHERE message_id = $1`, messageID,
	); err != nil {
		return errors.Wrap(err, "failed to delete message")
	}
	return nil
}

func (d *DB) DeleteUserMessages(ctx context.Context, channel, userID string) (int64, error) {
	result, err := d.db.ExecContext(ctx,
		`DELETE FROM messages WHERE channel = $1 AND user_id = $2`, channel, userID,
	)
	if err != nil {
		return 0, errors.Wrap(err, "failed to delete user messages")
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to read rows affected")
	}
	return deleted, nil
}

// ClearChannelMessages drops the stored context for one channel. The message
// counter is a trigger input, not a context mirror, and stays put.
func (d *DB) ClearChannelMessages(ctx context.Context, channel string) error {
	_, err := d.db.ExecContext(ctx, `DELETE FROM messages WHERE channel = $1`, channel)
	return errors.Wrap(err, "failed to clear channel messages")
}
