package processing

import (
	"context"
	"log/slog"
	"sync"

	"github.com/clankbot/clank/store"
)

// ChannelState is the in-memory view of per-channel configuration and trigger
// counters. Reads are served from memory; every mutation writes through to the
// Store first, so a failed write leaves the view at the last durable value.
type ChannelState struct {
	store *store.Store

	mu       sync.RWMutex
	channels map[string]*store.ChannelConfig
}

func NewChannelState(s *store.Store) *ChannelState {
	return &ChannelState{
		store:    s,
		channels: map[string]*store.ChannelConfig{},
	}
}

// Load populates the view from the Store for every configured channel. Called
// once at startup; counters and spontaneous stamps survive restarts because
// they come back from here.
func (cs *ChannelState) Load(ctx context.Context, channels []string) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	for _, channel := range channels {
		config, err := cs.store.GetChannelConfig(ctx, channel)
		if err != nil {
			return err
		}
		cs.channels[channel] = config
		slog.Info("channel state restored",
			slog.String("channel", channel),
			slog.Int("message_count", config.MessageCount),
			slog.Int64("last_spontaneous_ts", config.LastSpontaneousTs))
	}
	return nil
}

// Get returns a copy of the channel's live view. Unknown channels get the
// global defaults.
func (cs *ChannelState) Get(ctx context.Context, channel string) store.ChannelConfig {
	cs.mu.RLock()
	config, ok := cs.channels[channel]
	cs.mu.RUnlock()
	if ok {
		return *config
	}

	loaded, err := cs.store.GetChannelConfig(ctx, channel)
	if err != nil {
		defaults := cs.store.Defaults()
		return store.ChannelConfig{
			Channel:             channel,
			MessageThreshold:    defaults.MessageThreshold,
			SpontaneousCooldown: defaults.SpontaneousCooldown,
			ResponseCooldown:    defaults.ResponseCooldown,
			ContextLimit:        defaults.ContextLimit,
		}
	}
	cs.mu.Lock()
	cs.channels[channel] = loaded
	cs.mu.Unlock()
	return *loaded
}

// NoteMessage bumps the in-memory counter after a successful durable append.
// The Store increment already happened inside AppendMessage's transaction.
func (cs *ChannelState) NoteMessage(ctx context.Context, channel string) {
	cs.mu.Lock()
	if config, ok := cs.channels[channel]; ok {
		config.MessageCount++
		cs.mu.Unlock()
		return
	}
	cs.mu.Unlock()
	// First event for an uncached channel. The durable view already carries
	// this message's increment.
	cs.Get(ctx, channel)
}

// Update writes a config change through to the Store and refreshes the view.
func (cs *ChannelState) Update(ctx context.Context, update *store.UpdateChannelConfig) (*store.ChannelConfig, error) {
	config, err := cs.store.UpdateChannelConfig(ctx, update)
	if err != nil {
		return nil, err
	}
	cs.mu.Lock()
	cs.channels[update.Channel] = config
	cs.mu.Unlock()
	return config, nil
}

// Reset restores the channel to the global defaults, then refreshes the view.
func (cs *ChannelState) Reset(ctx context.Context, channel string) error {
	if err := cs.store.ResetChannelConfig(ctx, channel); err != nil {
		return err
	}
	config, err := cs.store.GetChannelConfig(ctx, channel)
	if err != nil {
		return err
	}
	cs.mu.Lock()
	cs.channels[channel] = config
	cs.mu.Unlock()
	return nil
}

// StampSpontaneous records a spontaneous emission: durable stamp plus counter
// reset, then the in-memory mirror. A Store failure leaves the view untouched
// so the next trigger evaluation sees the last durable state.
func (cs *ChannelState) StampSpontaneous(ctx context.Context, channel string, ts int64) error {
	if err := cs.store.StampSpontaneous(ctx, channel, ts); err != nil {
		return err
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if config, ok := cs.channels[channel]; ok {
		if ts > config.LastSpontaneousTs {
			config.LastSpontaneousTs = ts
		}
		config.MessageCount = 0
	}
	return nil
}
