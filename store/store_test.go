package store_test

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/clankbot/clank/internal/profile"
	"github.com/clankbot/clank/store"
	"github.com/clankbot/clank/store/db/sqlite"
)

var testDefaults = store.ConfigDefaults{
	MessageThreshold:    30,
	SpontaneousCooldown: 300,
	ResponseCooldown:    60,
	ContextLimit:        150,
}

func newTestStore(t *testing.T, tokenKey []byte) (*store.Store, *sqlite.DB) {
	t.Helper()
	driver, err := sqlite.NewDB(&profile.Profile{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "clank_test.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { driver.Close() })
	require.NoError(t, driver.Migrate(context.Background()))

	s, err := store.New(driver, testDefaults, tokenKey)
	require.NoError(t, err)
	return s, driver
}

func TestNewRejectsBadKeyLength(t *testing.T) {
	driver, err := sqlite.NewDB(&profile.Profile{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "clank_test.db"),
	})
	require.NoError(t, err)
	defer driver.Close()

	_, err = store.New(driver, testDefaults, []byte("too short"))
	require.ErrorIs(t, err, store.ErrInvalidKey)
}

func TestAuthTokenEncryptedAtRest(t *testing.T) {
	key := []byte(strings.Repeat("k", store.KeySize))
	s, driver := newTestStore(t, key)
	ctx := context.Background()

	require.NoError(t, s.PutAuthToken(ctx, &store.AuthToken{
		AccessToken:  "access-plain",
		RefreshToken: "refresh-plain",
		BotUsername:  "clank",
	}))

	// The driver sees only ciphertext.
	raw, err := driver.GetAuthToken(ctx)
	require.NoError(t, err)
	require.NotEqual(t, "access-plain", raw.AccessToken)
	require.NotEqual(t, "refresh-plain", raw.RefreshToken)
	require.NotContains(t, raw.AccessToken, "plain")

	// The facade round-trips back to plaintext.
	token, err := s.GetAuthToken(ctx)
	require.NoError(t, err)
	require.Equal(t, "access-plain", token.AccessToken)
	require.Equal(t, "refresh-plain", token.RefreshToken)
	require.Equal(t, "clank", token.BotUsername)
}

func TestAuthTokenPlaintextWithoutKey(t *testing.T) {
	s, driver := newTestStore(t, nil)
	ctx := context.Background()

	require.NoError(t, s.PutAuthToken(ctx, &store.AuthToken{AccessToken: "access-plain"}))
	raw, err := driver.GetAuthToken(ctx)
	require.NoError(t, err)
	require.Equal(t, "access-plain", raw.AccessToken)
}

func TestAggregateMetricsWindow(t *testing.T) {
	s, _ := newTestStore(t, nil)
	ctx := context.Background()

	require.NoError(t, s.RecordMetric(ctx, &store.BotMetric{
		Channel:     "c1",
		MetricType:  store.MetricResponseSent,
		MetricValue: 1,
		CreatedTs:   1, // far outside any reasonable window
	}))

	agg, err := s.AggregateMetrics(ctx, "c1", store.MetricResponseSent, 0)
	require.NoError(t, err)
	require.EqualValues(t, 0, agg.Count)
}
