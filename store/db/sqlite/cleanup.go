package sqlite

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/clankbot/clank/store"
)

// deleteBatches deletes rows older than cutoff in batches of size limit until
// a batch comes back short. SQLite builds without DELETE...LIMIT, hence the
// id-subselect form.
func (d *DB) deleteBatches(ctx context.Context, table string, cutoff int64, limit int) (int64, error) {
	var total int64
	for {
		result, err := d.db.ExecContext(ctx,
			`DELETE FROM `+table+` WHERE id IN (SELECT id FROM `+table+` WHERE created_ts < ? LIMIT ?)`,
			cutoff, limit,
		)
		if err != nil {
			return total, errors.Wrapf(err, "failed to clean up %s", table)
		}
		deleted, err := result.RowsAffected()
		if err != nil {
			return total, errors.Wrap(err, "failed to read rows affected")
		}
		total += deleted
		if deleted < int64(limit) {
			return total, nil
		}
	}
}

// Cleanup removes expired messages, metrics, and cooldown stamps. A zero
// retention skips the corresponding table.
func (d *DB) Cleanup(ctx context.Context, opts store.CleanupOptions) (store.CleanupResult, error) {
	var result store.CleanupResult
	now := time.Now()

	if opts.MessageRetention > 0 {
		deleted, err := d.deleteBatches(ctx, "messages", now.Add(-opts.MessageRetention).Unix(), opts.BatchSize)
		result.Messages = deleted
		if err != nil {
			return result, err
		}
	}
	if opts.MetricRetention > 0 {
		deleted, err := d.deleteBatches(ctx, "bot_metrics", now.Add(-opts.MetricRetention).Unix(), opts.BatchSize)
		result.Metrics = deleted
		if err != nil {
			return result, err
		}
	}
	if opts.CooldownRetention > 0 {
		cutoff := now.Add(-opts.CooldownRetention).Unix()
		res, err := d.db.ExecContext(ctx,
			`DELETE FROM user_response_cooldowns WHERE id IN
				(SELECT id FROM user_response_cooldowns WHERE last_response_ts < ? LIMIT ?)`,
			cutoff, opts.BatchSize,
		)
		if err != nil {
			return result, errors.Wrap(err, "failed to clean up cooldowns")
		}
		result.Cooldowns, err = res.RowsAffected()
		if err != nil {
			return result, errors.Wrap(err, "failed to read rows affected")
		}
	}
	return result, nil
}
