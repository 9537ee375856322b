// Package command implements the privileged in-chat configuration surface.
package command

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/clankbot/clank/filter"
	"github.com/clankbot/clank/internal/profile"
	"github.com/clankbot/clank/ollama"
	"github.com/clankbot/clank/processing"
	"github.com/clankbot/clank/store"
)

// Prefix is the command token; everything else in chat is ordinary content.
const Prefix = "!clank"

// ModelCatalog lists the models the generator backend can serve.
type ModelCatalog interface {
	ListModels(ctx context.Context) ([]string, error)
	IsAvailable(ctx context.Context) bool
}

type pendingReset struct {
	userID  string
	expires time.Time
}

// Handler parses and executes !clank commands from broadcasters and
// moderators. Replies go through the normal egress path but are operator
// output: never filtered, never counted.
type Handler struct {
	state         *processing.ChannelState
	catalog       ModelCatalog
	egress        processing.Egress
	filter        *filter.Filter
	defaultModel  string
	confirmWindow time.Duration
	now           func() time.Time

	mu      sync.Mutex
	pending map[string]pendingReset
}

// Options assembles a Handler.
type Options struct {
	State         *processing.ChannelState
	Catalog       ModelCatalog
	Egress        processing.Egress
	Filter        *filter.Filter
	DefaultModel  string
	ConfirmWindow time.Duration
	Now           func() time.Time
}

func NewHandler(opts Options) *Handler {
	if opts.ConfirmWindow <= 0 {
		opts.ConfirmWindow = 60 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Handler{
		state:         opts.State,
		catalog:       opts.Catalog,
		egress:        opts.Egress,
		filter:        opts.Filter,
		defaultModel:  opts.DefaultModel,
		confirmWindow: opts.ConfirmWindow,
		now:           opts.Now,
		pending:       map[string]pendingReset{},
	}
}

// Handle returns true when the event is a command. Unprivileged senders are
// dropped silently; their command never reaches the message path.
func (h *Handler) Handle(ctx context.Context, ev *processing.Event) bool {
	fields := strings.Fields(ev.Content)
	if len(fields) == 0 || !strings.EqualFold(fields[0], Prefix) {
		return false
	}
	if !ev.Privileged() {
		slog.Debug("command from unprivileged sender dropped",
			slog.String("channel", ev.Channel),
			slog.String("user_id", ev.UserID))
		return true
	}
	if len(fields) < 2 {
		h.reply(ev.Channel, "usage: !clank <threshold|spontaneous|response|context|model|models|status|reset> [value]")
		return true
	}

	key := strings.ToLower(fields[1])
	value := ""
	if len(fields) > 2 {
		value = fields[2]
	}

	switch key {
	case "threshold":
		h.handleIntKey(ctx, ev, key, value, profile.MinThreshold, profile.MaxThreshold)
	case "spontaneous":
		h.handleIntKey(ctx, ev, key, value, profile.MinSpontaneousCooldown, profile.MaxSpontaneousCooldown)
	case "response":
		h.handleIntKey(ctx, ev, key, value, profile.MinResponseCooldown, profile.MaxResponseCooldown)
	case "context":
		h.handleIntKey(ctx, ev, key, value, profile.MinContextLimit, profile.MaxContextLimit)
	case "model":
		h.handleModel(ctx, ev, value)
	case "models":
		h.handleModels(ctx, ev)
	case "status":
		h.handleStatus(ctx, ev)
	case "reset":
		h.handleReset(ctx, ev, value)
	default:
		h.reply(ev.Channel, fmt.Sprintf("unknown setting %q", key))
	}
	return true
}

func (h *Handler) handleIntKey(ctx context.Context, ev *processing.Event, key, value string, min, max int) {
	config := h.state.Get(ctx, ev.Channel)
	current := map[string]int{
		"threshold":   config.MessageThreshold,
		"spontaneous": config.SpontaneousCooldown,
		"response":    config.ResponseCooldown,
		"context":     config.ContextLimit,
	}[key]

	if value == "" {
		h.reply(ev.Channel, fmt.Sprintf("%s is %d", key, current))
		return
	}

	n, err := strconv.Atoi(value)
	if err != nil || n < min || n > max {
		h.reply(ev.Channel, fmt.Sprintf("%s must be a number between %d and %d", key, min, max))
		return
	}

	update := &store.UpdateChannelConfig{Channel: ev.Channel}
	switch key {
	case "threshold":
		update.MessageThreshold = &n
	case "spontaneous":
		update.SpontaneousCooldown = &n
	case "response":
		update.ResponseCooldown = &n
	case "context":
		update.ContextLimit = &n
	}

	if _, err := h.state.Update(ctx, update); err != nil {
		slog.Error("config update failed",
			slog.String("channel", ev.Channel),
			slog.String("key", key),
			slog.String("error", err.Error()))
		h.reply(ev.Channel, "could not save setting, try again")
		return
	}
	h.reply(ev.Channel, fmt.Sprintf("%s set to %d", key, n))
}

func (h *Handler) handleModel(ctx context.Context, ev *processing.Event, value string) {
	config := h.state.Get(ctx, ev.Channel)
	if value == "" {
		model := config.Model
		if model == "" {
			model = h.defaultModel + " (default)"
		}
		h.reply(ev.Channel, "model is "+model)
		return
	}

	if value != h.defaultModel {
		models, err := h.catalog.ListModels(ctx)
		if err != nil {
			h.reply(ev.Channel, "model catalog unavailable, try again")
			return
		}
		if !ollama.HasModel(models, value) {
			h.reply(ev.Channel, fmt.Sprintf("unknown model %q, see !clank models", value))
			return
		}
	}

	if _, err := h.state.Update(ctx, &store.UpdateChannelConfig{Channel: ev.Channel, Model: &value}); err != nil {
		slog.Error("model update failed",
			slog.String("channel", ev.Channel),
			slog.String("error", err.Error()))
		h.reply(ev.Channel, "could not save setting, try again")
		return
	}
	h.reply(ev.Channel, "model set to "+value)
}

func (h *Handler) handleModels(ctx context.Context, ev *processing.Event) {
	models, err := h.catalog.ListModels(ctx)
	if err != nil {
		h.reply(ev.Channel, "model catalog unavailable, try again")
		return
	}
	if len(models) == 0 {
		h.reply(ev.Channel, "no models installed")
		return
	}
	h.reply(ev.Channel, "available models: "+strings.Join(models, ", "))
}

func (h *Handler) handleStatus(ctx context.Context, ev *processing.Event) {
	config := h.state.Get(ctx, ev.Channel)
	model := config.Model
	if model == "" {
		model = h.defaultModel
	}

	generator := "down"
	if h.catalog.IsAvailable(ctx) {
		generator = "up"
	}
	filterState := "off"
	if stats := h.filter.Stats(); stats.Enabled {
		filterState = fmt.Sprintf("%d terms", stats.Terms)
		if stats.Degraded {
			filterState = "degraded"
		}
	}

	h.reply(ev.Channel, fmt.Sprintf(
		"messages %d/%d, model %s, generator %s, filter %s, spontaneous every %ds, response every %ds",
		config.MessageCount, config.MessageThreshold, model, generator, filterState,
		config.SpontaneousCooldown, config.ResponseCooldown))
}

// handleReset requires a second "reset confirm" from the same user inside the
// confirm window before anything changes.
func (h *Handler) handleReset(ctx context.Context, ev *processing.Event, value string) {
	now := h.now()

	if !strings.EqualFold(value, "confirm") {
		h.mu.Lock()
		h.pending[ev.Channel] = pendingReset{userID: ev.UserID, expires: now.Add(h.confirmWindow)}
		h.mu.Unlock()
		h.reply(ev.Channel, fmt.Sprintf("this restores default settings; send !clank reset confirm within %ds", int(h.confirmWindow.Seconds())))
		return
	}

	h.mu.Lock()
	pending, ok := h.pending[ev.Channel]
	valid := ok && pending.userID == ev.UserID && now.Before(pending.expires)
	if valid {
		delete(h.pending, ev.Channel)
	}
	h.mu.Unlock()

	if !valid {
		h.reply(ev.Channel, "nothing to confirm; send !clank reset first")
		return
	}

	if err := h.state.Reset(ctx, ev.Channel); err != nil {
		slog.Error("config reset failed",
			slog.String("channel", ev.Channel),
			slog.String("error", err.Error()))
		h.reply(ev.Channel, "could not reset settings, try again")
		return
	}
	h.reply(ev.Channel, "settings restored to defaults")
}

func (h *Handler) reply(channel, text string) {
	if err := h.egress.Say(channel, text); err != nil {
		slog.Error("command reply failed",
			slog.String("channel", channel),
			slog.String("error", err.Error()))
	}
}
