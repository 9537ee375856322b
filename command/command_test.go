package command

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/clankbot/clank/filter"
	"github.com/clankbot/clank/internal/profile"
	"github.com/clankbot/clank/processing"
	"github.com/clankbot/clank/store"
	"github.com/clankbot/clank/store/db/sqlite"
)

type fakeCatalog struct {
	models    []string
	err       error
	available bool
}

func (c *fakeCatalog) ListModels(context.Context) ([]string, error) { return c.models, c.err }
func (c *fakeCatalog) IsAvailable(context.Context) bool             { return c.available }

type fakeEgress struct {
	mu   sync.Mutex
	sent []string
}

func (e *fakeEgress) Say(channel, text string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sent = append(e.sent, text)
	return nil
}

func (e *fakeEgress) last(t *testing.T) string {
	t.Helper()
	e.mu.Lock()
	defer e.mu.Unlock()
	require.NotEmpty(t, e.sent)
	return e.sent[len(e.sent)-1]
}

func (e *fakeEgress) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sent)
}

type fixture struct {
	handler *Handler
	state   *processing.ChannelState
	egress  *fakeEgress
	clock   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	driver, err := sqlite.NewDB(&profile.Profile{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "clank_test.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { driver.Close() })
	require.NoError(t, driver.Migrate(context.Background()))

	s, err := store.New(driver, store.ConfigDefaults{
		MessageThreshold:    30,
		SpontaneousCooldown: 300,
		ResponseCooldown:    60,
		ContextLimit:        150,
	}, nil)
	require.NoError(t, err)

	termFile := filepath.Join(t.TempDir(), "blocked.txt")
	require.NoError(t, os.WriteFile(termFile, []byte("badterm\n"), 0600))

	fx := &fixture{
		state:  processing.NewChannelState(s),
		egress: &fakeEgress{},
		clock:  time.Unix(1750000000, 0),
	}
	fx.handler = NewHandler(Options{
		State:         fx.state,
		Catalog:       &fakeCatalog{models: []string{"llama3.1:latest", "mistral:7b"}, available: true},
		Egress:        fx.egress,
		Filter:        filter.New(termFile, true, false),
		DefaultModel:  "llama3.1",
		ConfirmWindow: 60 * time.Second,
		Now:           func() time.Time { return fx.clock },
	})
	return fx
}

func modEvent(channel, userID, content string) *processing.Event {
	return &processing.Event{
		Kind:        processing.KindMessage,
		Channel:     channel,
		UserID:      userID,
		UserLogin:   userID,
		Content:     content,
		IsModerator: true,
	}
}

func plainEvent(channel, userID, content string) *processing.Event {
	ev := modEvent(channel, userID, content)
	ev.IsModerator = false
	return ev
}

func TestNonCommandNotConsumed(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	require.False(t, fx.handler.Handle(ctx, modEvent("c1", "mod1", "just chatting")))
	require.False(t, fx.handler.Handle(ctx, modEvent("c1", "mod1", "!other command")))
	require.Zero(t, fx.egress.count())
}

func TestUnprivilegedDroppedSilently(t *testing.T) {
	fx := newFixture(t)

	require.True(t, fx.handler.Handle(context.Background(), plainEvent("c1", "u1", "!clank threshold 50")))
	require.Zero(t, fx.egress.count(), "no reply, no error line")
	require.Equal(t, 30, fx.state.Get(context.Background(), "c1").MessageThreshold)
}

func TestSetAndGetThreshold(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	require.True(t, fx.handler.Handle(ctx, modEvent("c1", "mod1", "!clank threshold 50")))
	require.Equal(t, "threshold set to 50", fx.egress.last(t))
	require.Equal(t, 50, fx.state.Get(ctx, "c1").MessageThreshold)

	require.True(t, fx.handler.Handle(ctx, modEvent("c1", "mod1", "!clank threshold")))
	require.Equal(t, "threshold is 50", fx.egress.last(t))
}

func TestRangeValidation(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		cmd string
	}{
		{"!clank threshold 4"},
		{"!clank threshold 201"},
		{"!clank threshold abc"},
		{"!clank spontaneous 59"},
		{"!clank spontaneous 3601"},
		{"!clank response 9"},
		{"!clank response 1801"},
		{"!clank context 49"},
		{"!clank context 501"},
	}
	for _, tt := range tests {
		require.True(t, fx.handler.Handle(ctx, modEvent("c1", "mod1", tt.cmd)))
		require.Contains(t, fx.egress.last(t), "must be a number between", "command %q", tt.cmd)
	}

	// No state changed.
	config := fx.state.Get(ctx, "c1")
	require.Equal(t, 30, config.MessageThreshold)
	require.Equal(t, 300, config.SpontaneousCooldown)
	require.Equal(t, 60, config.ResponseCooldown)
	require.Equal(t, 150, config.ContextLimit)
}

func TestModelValidatedAgainstCatalog(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	require.True(t, fx.handler.Handle(ctx, modEvent("c1", "mod1", "!clank model mistral:7b")))
	require.Equal(t, "model set to mistral:7b", fx.egress.last(t))
	require.Equal(t, "mistral:7b", fx.state.Get(ctx, "c1").Model)

	require.True(t, fx.handler.Handle(ctx, modEvent("c1", "mod1", "!clank model unknown-model")))
	require.Contains(t, fx.egress.last(t), "unknown model")
	require.Equal(t, "mistral:7b", fx.state.Get(ctx, "c1").Model)

	// The global default is always acceptable even if missing from the catalog.
	require.True(t, fx.handler.Handle(ctx, modEvent("c1", "mod1", "!clank model llama3.1")))
	require.Equal(t, "model set to llama3.1", fx.egress.last(t))
}

func TestModelsListsCatalog(t *testing.T) {
	fx := newFixture(t)

	require.True(t, fx.handler.Handle(context.Background(), modEvent("c1", "mod1", "!clank models")))
	require.Equal(t, "available models: llama3.1:latest, mistral:7b", fx.egress.last(t))
}

func TestStatusSummary(t *testing.T) {
	fx := newFixture(t)

	require.True(t, fx.handler.Handle(context.Background(), modEvent("c1", "mod1", "!clank status")))
	out := fx.egress.last(t)
	require.Contains(t, out, "messages 0/30")
	require.Contains(t, out, "model llama3.1")
	require.Contains(t, out, "generator up")
	require.Contains(t, out, "1 terms")
}

func TestResetRequiresConfirm(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	threshold := 99
	_, err := fx.state.Update(ctx, &store.UpdateChannelConfig{Channel: "c1", MessageThreshold: &threshold})
	require.NoError(t, err)

	require.True(t, fx.handler.Handle(ctx, modEvent("c1", "mod1", "!clank reset")))
	require.Contains(t, fx.egress.last(t), "reset confirm")
	require.Equal(t, 99, fx.state.Get(ctx, "c1").MessageThreshold, "nothing changes before confirm")

	require.True(t, fx.handler.Handle(ctx, modEvent("c1", "mod1", "!clank reset confirm")))
	require.Equal(t, "settings restored to defaults", fx.egress.last(t))
	require.Equal(t, 30, fx.state.Get(ctx, "c1").MessageThreshold)
}

func TestResetConfirmMustBeSameUser(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	require.True(t, fx.handler.Handle(ctx, modEvent("c1", "mod1", "!clank reset")))
	require.True(t, fx.handler.Handle(ctx, modEvent("c1", "mod2", "!clank reset confirm")))
	require.Contains(t, fx.egress.last(t), "nothing to confirm")
}

func TestResetConfirmWindowExpires(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	require.True(t, fx.handler.Handle(ctx, modEvent("c1", "mod1", "!clank reset")))
	fx.clock = fx.clock.Add(61 * time.Second)
	require.True(t, fx.handler.Handle(ctx, modEvent("c1", "mod1", "!clank reset confirm")))
	require.Contains(t, fx.egress.last(t), "nothing to confirm")
}

func TestUnknownKey(t *testing.T) {
	fx := newFixture(t)

	require.True(t, fx.handler.Handle(context.Background(), modEvent("c1", "mod1", "!clank frobnicate 5")))
	require.Contains(t, fx.egress.last(t), "unknown setting")
}

func TestBroadcasterIsPrivileged(t *testing.T) {
	fx := newFixture(t)
	ev := plainEvent("c1", "owner", "!clank threshold 42")
	ev.IsBroadcaster = true

	require.True(t, fx.handler.Handle(context.Background(), ev))
	require.Equal(t, "threshold set to 42", fx.egress.last(t))
}
