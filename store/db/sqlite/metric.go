package sqlite

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	"github.com/clankbot/clank/store"
)

func (d *DB) RecordMetric(ctx context.Context, metric *store.BotMetric) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO bot_metrics (channel, metric_type, metric_value, created_ts)
		VALUES (?, ?, ?, ?)`,
		metric.Channel, metric.MetricType, metric.MetricValue, metric.CreatedTs,
	)
	return errors.Wrap(err, "failed to record metric")
}

func (d *DB) AggregateMetrics(ctx context.Context, channel, metricType string, since int64) (*store.MetricAggregate, error) {
	agg := &store.MetricAggregate{MetricType: metricType}
	var sum, avg sql.NullFloat64
	err := d.db.QueryRowContext(ctx, `
		SELECT COUNT(*), SUM(metric_value), AVG(metric_value)
		FROM bot_metrics
		WHERE channel = ? AND metric_type = ? AND created_ts >= ?`,
		channel, metricType, since,
	).Scan(&agg.Count, &sum, &avg)
	if err != nil {
		return nil, errors.Wrap(err, "failed to aggregate metrics")
	}
	agg.Sum = sum.Float64
	agg.Average = avg.Float64
	return agg, nil
}
