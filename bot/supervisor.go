package bot

import (
	"context"
	"log/slog"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/clankbot/clank/command"
	"github.com/clankbot/clank/filter"
	"github.com/clankbot/clank/internal/profile"
	"github.com/clankbot/clank/internal/version"
	"github.com/clankbot/clank/metrics"
	"github.com/clankbot/clank/ollama"
	"github.com/clankbot/clank/processing"
	"github.com/clankbot/clank/server"
	"github.com/clankbot/clank/store"
	"github.com/clankbot/clank/store/db"
)

// shutdownGrace is how long in-flight generations may run after the stop
// signal before the process moves on.
const shutdownGrace = 3 * time.Second

// minOllamaVersion is the oldest backend version the generate options are
// known to work against.
const minOllamaVersion = "0.1.30"

// Supervisor is the composition root. It builds every component, runs the
// strict startup sequence, and owns shutdown.
type Supervisor struct {
	profile *profile.Profile

	store     *store.Store
	filter    *filter.Filter
	generator *ollama.Client
	state     *processing.ChannelState
	processor *processing.Processor
	twitch    *Twitch
	exporter  *metrics.Exporter
	ops       *server.Server
}

func NewSupervisor(p *profile.Profile) *Supervisor {
	return &Supervisor{profile: p}
}

// Run executes the startup sequence and blocks until ctx is cancelled or a
// component fails fatally. Any returned error means a non-zero exit.
func (s *Supervisor) Run(ctx context.Context) error {
	// Store first: everything downstream restores state from it.
	driver, err := db.NewDBDriver(s.profile)
	if err != nil {
		return errors.Wrap(err, "failed to create store driver")
	}
	var tokenKey []byte
	if s.profile.TokenKey != "" {
		tokenKey, err = store.DeriveKey(s.profile.TokenKey)
		if err != nil {
			return errors.Wrap(err, "failed to derive token key")
		}
	}
	s.store, err = store.New(driver, store.ConfigDefaults{
		MessageThreshold:    s.profile.DefaultThreshold,
		SpontaneousCooldown: s.profile.DefaultSpontaneousCooldown,
		ResponseCooldown:    s.profile.DefaultResponseCooldown,
		ContextLimit:        s.profile.DefaultContextLimit,
	}, tokenKey)
	if err != nil {
		return errors.Wrap(err, "failed to create store")
	}
	defer s.store.Close()

	if err := s.store.Migrate(ctx); err != nil {
		return errors.Wrap(err, "schema migration failed")
	}
	if err := s.store.Ping(ctx); err != nil {
		return errors.Wrap(err, "store unreachable")
	}

	// Auth before anything touches the network.
	auth := NewAuthManager(s.store, s.profile.TwitchClientID, s.profile.TwitchSecret)
	token, err := auth.Load(ctx)
	if err != nil {
		return errors.Wrap(err, "auth failed")
	}
	username := token.BotUsername
	if username == "" {
		username = s.profile.BotUsername
	}

	// Generator probe and default-model validation are startup fatal.
	s.generator = ollama.NewClient(s.profile.OllamaURL, s.profile.OllamaTimeout())
	if err := s.generator.ValidateStartupModel(ctx, s.profile.OllamaModel); err != nil {
		return errors.Wrap(err, "generator validation failed")
	}
	if v := s.generator.Version(ctx); v != "" && !version.IsVersionGreaterOrEqualThan(v, minOllamaVersion) {
		slog.Warn("generator backend is older than tested",
			slog.String("version", v),
			slog.String("minimum", minOllamaVersion))
	}

	s.filter = filter.New(s.profile.BlockedWordsFile, s.profile.FilterEnabled, s.profile.FilterStrict)
	s.exporter = metrics.NewExporter(nil)
	s.state = processing.NewChannelState(s.store)

	s.processor = processing.NewProcessor(processing.Options{
		Store:        s.store,
		State:        s.state,
		Filter:       s.filter,
		Generator:    s.generator,
		Exporter:     s.exporter,
		BotUsername:  username,
		KnownBots:    s.profile.KnownBots,
		DefaultModel: s.profile.OllamaModel,
		QueueDepth:   s.profile.QueueDepth,
	})
	s.twitch = NewTwitch(username, token.AccessToken, s.profile.Channels, s.processor, s.exporter)

	// The command handler replies through the same egress as generations but
	// never holds a processor reference.
	s.processor.SetCommands(command.NewHandler(command.Options{
		State:         s.state,
		Catalog:       s.generator,
		Egress:        s.twitch,
		Filter:        s.filter,
		DefaultModel:  s.profile.OllamaModel,
		ConfirmWindow: s.profile.ResetConfirmWindow(),
	}))
	s.processor.SetEgress(s.twitch)

	// Restore counters and stamps before the first event can arrive.
	if err := s.state.Load(ctx, s.profile.Channels); err != nil {
		return errors.Wrap(err, "failed to restore channel state")
	}

	s.ops = server.New(s.profile.OpsAddr, s.store, s.filter, s.generator, s.twitch, s.exporter)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return s.twitch.Run(groupCtx)
	})
	group.Go(func() error {
		return s.ops.Start()
	})
	group.Go(func() error {
		s.cleanupLoop(groupCtx)
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		s.shutdown()
		return nil
	})

	slog.Info("bot running",
		slog.String("version", version.String()),
		slog.String("username", username),
		slog.Any("channels", s.profile.Channels))
	return group.Wait()
}

// cleanupLoop runs retention cleanup on the configured cadence.
func (s *Supervisor) cleanupLoop(ctx context.Context) {
	interval := time.Duration(s.profile.CleanupIntervalMinutes) * time.Minute
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			result, err := s.store.Cleanup(ctx, store.CleanupOptions{
				MessageRetention:  time.Duration(s.profile.RetentionMessageDays) * 24 * time.Hour,
				MetricRetention:   time.Duration(s.profile.RetentionMetricDays) * 24 * time.Hour,
				CooldownRetention: time.Duration(s.profile.RetentionMessageDays) * 24 * time.Hour,
			})
			if err != nil {
				slog.Error("retention cleanup failed", slog.String("error", err.Error()))
				continue
			}
			if result.Messages+result.Metrics+result.Cooldowns > 0 {
				slog.Info("retention cleanup done",
					slog.Int64("messages", result.Messages),
					slog.Int64("metrics", result.Metrics),
					slog.Int64("cooldowns", result.Cooldowns))
			}
		}
	}
}

// shutdown drains the processor within the grace window, then closes the
// outward-facing pieces.
func (s *Supervisor) shutdown() {
	slog.Info("shutting down")

	done := make(chan struct{})
	go func() {
		s.processor.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownGrace):
		slog.Warn("in-flight generations exceeded the grace window")
	}

	if err := s.twitch.Close(); err != nil {
		slog.Error("chat disconnect failed", slog.String("error", err.Error()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.ops.Shutdown(shutdownCtx); err != nil {
		slog.Error("ops shutdown failed", slog.String("error", err.Error()))
	}
}
