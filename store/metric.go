package store

// Metric type names recorded by the pipeline. Kept as plain strings in the
// bot_metrics table so operators can add kinds without a migration.
const (
	MetricFilterBlockInput    = "filter_block_input"
	MetricFilterBlockOutput   = "filter_block_output"
	MetricGeneratorUnavail    = "generator_unavailable"
	MetricGeneratorInvalid    = "generator_invalid"
	MetricEventDropped        = "event_dropped"
	MetricSpontaneousSent     = "spontaneous_sent"
	MetricResponseSent        = "response_sent"
	MetricGenerationLatencyMs = "generation_latency_ms"
)

// BotMetric is an append-only performance sample, aggregated on read.
type BotMetric struct {
	ID          int64
	Channel     string
	MetricType  string
	MetricValue float64
	CreatedTs   int64
}

// MetricAggregate summarizes samples of one metric type over a window.
type MetricAggregate struct {
	MetricType string
	Count      int64
	Sum        float64
	Average    float64
}
