package sqlite

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/clankbot/clank/internal/profile"
	"github.com/clankbot/clank/store"
)

var testDefaults = store.ConfigDefaults{
	MessageThreshold:    30,
	SpontaneousCooldown: 300,
	ResponseCooldown:    60,
	ContextLimit:        150,
}

func newTestDB(t *testing.T) *DB {
	t.Helper()
	d, err := NewDB(&profile.Profile{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "clank_test.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	require.NoError(t, d.Migrate(context.Background()))
	return d
}

func testMessage(id int, channel, userID string) *store.Message {
	return &store.Message{
		MessageID:       fmt.Sprintf("msg-%s-%d", userID, id),
		Channel:         channel,
		UserID:          userID,
		UserDisplayName: "User_" + userID,
		Content:         fmt.Sprintf("message %d", id),
		CreatedTs:       int64(1700000000 + id),
	}
}

func TestAppendMessageIncrementsCounter(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, d.AppendMessage(ctx, testMessage(i, "c1", "u1"), testDefaults))
	}

	config, err := d.GetChannelConfig(ctx, "c1", testDefaults)
	require.NoError(t, err)
	require.Equal(t, 3, config.MessageCount)
	require.Equal(t, testDefaults.MessageThreshold, config.MessageThreshold)
}

func TestAppendMessageDuplicate(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	msg := testMessage(1, "c1", "u1")
	require.NoError(t, d.AppendMessage(ctx, msg, testDefaults))
	require.ErrorIs(t, d.AppendMessage(ctx, msg, testDefaults), store.ErrDuplicate)

	// The duplicate neither stores a row nor moves the counter.
	count, err := d.CountRecentMessages(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, 1, count)
	config, err := d.GetChannelConfig(ctx, "c1", testDefaults)
	require.NoError(t, err)
	require.Equal(t, 1, config.MessageCount)
}

func TestRecentMessagesChronological(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, d.AppendMessage(ctx, testMessage(i, "c1", "u1"), testDefaults))
	}
	require.NoError(t, d.AppendMessage(ctx, testMessage(9, "other", "u2"), testDefaults))

	msgs, err := d.RecentMessages(ctx, &store.FindMessage{Channel: "c1", Limit: 3})
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	// Newest last, and only the requested channel.
	require.Equal(t, "message 2", msgs[0].Content)
	require.Equal(t, "message 4", msgs[2].Content)
	for _, m := range msgs {
		require.Equal(t, "c1", m.Channel)
	}

	empty, err := d.RecentMessages(ctx, &store.FindMessage{Channel: "c1", Limit: 0})
	require.NoError(t, err)
	require.Empty(t, empty)
}

func TestModerationDeletes(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.NoError(t, d.AppendMessage(ctx, testMessage(i, "c1", "u3"), testDefaults))
	}
	require.NoError(t, d.AppendMessage(ctx, testMessage(10, "c1", "u1"), testDefaults))

	// Single delete by message id.
	require.NoError(t, d.DeleteMessageByID(ctx, "msg-u1-10"))
	msgs, err := d.RecentMessages(ctx, &store.FindMessage{Channel: "c1", Limit: 10})
	require.NoError(t, err)
	for _, m := range msgs {
		require.NotEqual(t, "msg-u1-10", m.MessageID)
	}

	// Ban purge removes all of the user's messages but leaves the counter.
	deleted, err := d.DeleteUserMessages(ctx, "c1", "u3")
	require.NoError(t, err)
	require.EqualValues(t, 4, deleted)
	msgs, err = d.RecentMessages(ctx, &store.FindMessage{Channel: "c1", Limit: 10})
	require.NoError(t, err)
	require.Empty(t, msgs)

	config, err := d.GetChannelConfig(ctx, "c1", testDefaults)
	require.NoError(t, err)
	require.Equal(t, 5, config.MessageCount)
}

func TestClearChannelMessages(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, d.AppendMessage(ctx, testMessage(i, "c1", "u1"), testDefaults))
	}
	require.NoError(t, d.ClearChannelMessages(ctx, "c1"))

	count, err := d.CountRecentMessages(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, 0, count)

	config, err := d.GetChannelConfig(ctx, "c1", testDefaults)
	require.NoError(t, err)
	require.Equal(t, 3, config.MessageCount, "clearing context does not touch the counter")
}

func TestChannelConfigLifecycle(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	// Unknown channels come back synthesized from defaults.
	config, err := d.GetChannelConfig(ctx, "fresh", testDefaults)
	require.NoError(t, err)
	require.Equal(t, testDefaults.MessageThreshold, config.MessageThreshold)
	require.Equal(t, 0, config.MessageCount)

	threshold, model := 50, "mistral:7b"
	updated, err := d.UpdateChannelConfig(ctx, &store.UpdateChannelConfig{
		Channel:          "fresh",
		MessageThreshold: &threshold,
		Model:            &model,
	}, testDefaults)
	require.NoError(t, err)
	require.Equal(t, 50, updated.MessageThreshold)
	require.Equal(t, "mistral:7b", updated.Model)
	require.Equal(t, testDefaults.ContextLimit, updated.ContextLimit, "untouched fields keep defaults")

	require.NoError(t, d.ResetChannelConfig(ctx, "fresh", testDefaults))
	config, err = d.GetChannelConfig(ctx, "fresh", testDefaults)
	require.NoError(t, err)
	require.Equal(t, testDefaults.MessageThreshold, config.MessageThreshold)
	require.Empty(t, config.Model)
}

func TestStampSpontaneousMonotonicAndResetsCounter(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, d.AppendMessage(ctx, testMessage(1, "c1", "u1"), testDefaults))
	require.NoError(t, d.StampSpontaneous(ctx, "c1", 2000))

	config, err := d.GetChannelConfig(ctx, "c1", testDefaults)
	require.NoError(t, err)
	require.EqualValues(t, 2000, config.LastSpontaneousTs)
	require.Equal(t, 0, config.MessageCount)

	// An older stamp cannot move time backwards.
	require.NoError(t, d.StampSpontaneous(ctx, "c1", 1500))
	config, err = d.GetChannelConfig(ctx, "c1", testDefaults)
	require.NoError(t, err)
	require.EqualValues(t, 2000, config.LastSpontaneousTs)
}

func TestUserCooldown(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	_, err := d.GetUserCooldown(ctx, "c1", "u1")
	require.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, d.StampUserCooldown(ctx, "c1", "u1", 100))
	cd, err := d.GetUserCooldown(ctx, "c1", "u1")
	require.NoError(t, err)
	require.EqualValues(t, 100, cd.LastResponseTs)

	require.NoError(t, d.StampUserCooldown(ctx, "c1", "u1", 200))
	require.NoError(t, d.StampUserCooldown(ctx, "c1", "u1", 150))
	cd, err = d.GetUserCooldown(ctx, "c1", "u1")
	require.NoError(t, err)
	require.EqualValues(t, 200, cd.LastResponseTs, "stamps never rewind")

	// Cooldowns are scoped per channel.
	_, err = d.GetUserCooldown(ctx, "c2", "u1")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestAuthTokenSingleton(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	_, err := d.GetAuthToken(ctx)
	require.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, d.PutAuthToken(ctx, &store.AuthToken{
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		ExpiresTs:    999,
		BotUsername:  "clank",
	}))
	require.NoError(t, d.PutAuthToken(ctx, &store.AuthToken{
		AccessToken: "access-2",
		BotUsername: "clank",
	}))

	token, err := d.GetAuthToken(ctx)
	require.NoError(t, err)
	require.Equal(t, "access-2", token.AccessToken)
	require.Empty(t, token.RefreshToken, "the singleton row is fully replaced")
}

func TestMetricsAggregate(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	for i, v := range []float64{100, 200, 300} {
		require.NoError(t, d.RecordMetric(ctx, &store.BotMetric{
			Channel:     "c1",
			MetricType:  store.MetricGenerationLatencyMs,
			MetricValue: v,
			CreatedTs:   int64(1000 + i),
		}))
	}
	require.NoError(t, d.RecordMetric(ctx, &store.BotMetric{
		Channel:     "c1",
		MetricType:  store.MetricGenerationLatencyMs,
		MetricValue: 5000,
		CreatedTs:   10, // outside the window
	}))

	agg, err := d.AggregateMetrics(ctx, "c1", store.MetricGenerationLatencyMs, 1000)
	require.NoError(t, err)
	require.EqualValues(t, 3, agg.Count)
	require.InDelta(t, 600, agg.Sum, 0.001)
	require.InDelta(t, 200, agg.Average, 0.001)

	empty, err := d.AggregateMetrics(ctx, "c1", "no_such_metric", 0)
	require.NoError(t, err)
	require.EqualValues(t, 0, empty.Count)
	require.Zero(t, empty.Sum)
}

func TestCleanup(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	old := time.Now().Add(-48 * time.Hour).Unix()
	for i := 0; i < 7; i++ {
		msg := testMessage(i, "c1", "u1")
		msg.CreatedTs = old
		require.NoError(t, d.AppendMessage(ctx, msg, testDefaults))
	}
	fresh := testMessage(100, "c1", "u1")
	fresh.CreatedTs = time.Now().Unix()
	require.NoError(t, d.AppendMessage(ctx, fresh, testDefaults))
	require.NoError(t, d.RecordMetric(ctx, &store.BotMetric{
		Channel: "c1", MetricType: store.MetricSpontaneousSent, MetricValue: 1, CreatedTs: old,
	}))
	require.NoError(t, d.StampUserCooldown(ctx, "c1", "u1", old))

	result, err := d.Cleanup(ctx, store.CleanupOptions{
		MessageRetention:  24 * time.Hour,
		MetricRetention:   24 * time.Hour,
		CooldownRetention: 24 * time.Hour,
		BatchSize:         2, // force multiple batches
	})
	require.NoError(t, err)
	require.EqualValues(t, 7, result.Messages)
	require.EqualValues(t, 1, result.Metrics)
	require.EqualValues(t, 1, result.Cooldowns)

	count, err := d.CountRecentMessages(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, 1, count, "fresh rows survive")
}
