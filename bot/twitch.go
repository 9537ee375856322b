// Package bot connects the processing core to the Twitch IRC network and owns
// the process lifecycle around it.
package bot

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gempir/go-twitch-irc/v4"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/clankbot/clank/metrics"
	"github.com/clankbot/clank/processing"
)

// reconnectCap bounds the exponential reconnect backoff.
const reconnectCap = 5 * time.Minute

// Twitch chat allows roughly 20 messages per 30 seconds for a regular bot
// account; the limiter stays under that.
const egressPerSecond = 20.0 / 30.0

// Dispatcher receives normalized inbound events.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev *processing.Event)
}

// Twitch adapts the IRC client: inbound messages become processing events,
// and it implements the egress side with sanitization and rate limiting.
type Twitch struct {
	client     *twitch.Client
	dispatcher Dispatcher
	exporter   *metrics.Exporter
	limiter    *rate.Limiter
	channels   []string
	username   string

	mu        sync.Mutex
	banned    map[string]struct{}
	connected bool
	ctx       context.Context
}

// NewTwitch builds the adapter around an authenticated IRC client. token is
// the raw OAuth access token without the "oauth:" prefix.
func NewTwitch(username, token string, channels []string, dispatcher Dispatcher, exporter *metrics.Exporter) *Twitch {
	t := &Twitch{
		client:     twitch.NewClient(username, "oauth:"+token),
		dispatcher: dispatcher,
		exporter:   exporter,
		limiter:    rate.NewLimiter(rate.Limit(egressPerSecond), 5),
		channels:   channels,
		username:   strings.ToLower(username),
		banned:     map[string]struct{}{},
	}
	t.wireHandlers()
	return t
}

func (t *Twitch) wireHandlers() {
	t.client.OnConnect(func() {
		t.mu.Lock()
		t.connected = true
		t.mu.Unlock()
		t.exporter.SetConnected(true)
		slog.Info("connected to chat", slog.String("username", t.username))
	})

	t.client.OnPrivateMessage(func(msg twitch.PrivateMessage) {
		_, isBroadcaster := msg.User.Badges["broadcaster"]
		_, isModerator := msg.User.Badges["moderator"]
		t.dispatcher.Dispatch(t.context(), &processing.Event{
			Kind:            processing.KindMessage,
			Channel:         msg.Channel,
			MessageID:       msg.ID,
			UserID:          msg.User.ID,
			UserLogin:       msg.User.Name,
			UserDisplayName: msg.User.DisplayName,
			Content:         msg.Message,
			IsBroadcaster:   isBroadcaster,
			IsModerator:     isModerator,
			Time:            msg.Time,
		})
	})

	// CLEARCHAT with a target is a timeout or ban; without one the whole chat
	// was cleared.
	t.client.OnClearChatMessage(func(msg twitch.ClearChatMessage) {
		kind := processing.KindClearUser
		if msg.TargetUserID == "" {
			kind = processing.KindClearChannel
		}
		t.dispatcher.Dispatch(t.context(), &processing.Event{
			Kind:    kind,
			Channel: msg.Channel,
			UserID:  msg.TargetUserID,
			Time:    time.Now(),
		})
	})

	t.client.OnClearMessage(func(msg twitch.ClearMessage) {
		t.dispatcher.Dispatch(t.context(), &processing.Event{
			Kind:      processing.KindDeleteMessage,
			Channel:   msg.Channel,
			MessageID: msg.TargetMsgID,
			Time:      time.Now(),
		})
	})

	t.client.OnNoticeMessage(func(msg twitch.NoticeMessage) {
		switch msg.MsgID {
		case "msg_banned", "msg_channel_suspended":
			t.markBanned(msg.Channel)
		default:
			t.dispatcher.Dispatch(t.context(), &processing.Event{
				Kind:    processing.KindSystem,
				Channel: msg.Channel,
				Content: msg.Message,
				Time:    time.Now(),
			})
		}
	})
}

// setContext publishes the run context to the handler goroutines.
func (t *Twitch) setContext(ctx context.Context) {
	t.mu.Lock()
	t.ctx = ctx
	t.mu.Unlock()
}

// context returns the run context, or Background before Run has started.
func (t *Twitch) context() context.Context {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ctx == nil {
		return context.Background()
	}
	return t.ctx
}

// markBanned records a channel that rejected the bot; it is never rejoined
// until the process restarts.
func (t *Twitch) markBanned(channel string) {
	t.mu.Lock()
	t.banned[channel] = struct{}{}
	t.mu.Unlock()
	t.client.Depart(channel)
	slog.Warn("banned from channel, not retrying", slog.String("channel", channel))
}

func (t *Twitch) isBanned(channel string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, banned := t.banned[channel]
	return banned
}

// BannedChannels lists channels that rejected the bot.
func (t *Twitch) BannedChannels() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	list := make([]string, 0, len(t.banned))
	for channel := range t.banned {
		list = append(list, channel)
	}
	return list
}

// Connected reports the live connection state.
func (t *Twitch) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// Run joins the configured channels and keeps the connection alive,
// reconnecting with exponential backoff capped at five minutes. It returns
// when ctx is cancelled.
func (t *Twitch) Run(ctx context.Context) error {
	t.setContext(ctx)
	backoff := time.Second

	for {
		joined := 0
		for _, channel := range t.channels {
			if t.isBanned(channel) {
				continue
			}
			t.client.Join(channel)
			joined++
		}
		if joined == 0 {
			return errors.New("no joinable channels remain")
		}

		err := t.client.Connect()
		t.mu.Lock()
		wasConnected := t.connected
		t.connected = false
		t.mu.Unlock()
		t.exporter.SetConnected(false)

		if ctx.Err() != nil || errors.Is(err, twitch.ErrClientDisconnected) {
			return nil
		}
		if wasConnected {
			backoff = time.Second
		}
		slog.Warn("chat connection lost, reconnecting",
			slog.Duration("backoff", backoff),
			slog.String("error", errString(err)))

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > reconnectCap {
			backoff = reconnectCap
		}
	}
}

// Close disconnects the IRC client.
func (t *Twitch) Close() error {
	err := t.client.Disconnect()
	if errors.Is(err, twitch.ErrConnectionIsNotOpen) {
		return nil
	}
	return err
}

// Say sends one line to a channel after sanitization and rate limiting. Lines
// to banned channels are dropped.
func (t *Twitch) Say(channel, text string) error {
	if t.isBanned(channel) {
		return errors.Errorf("channel %s has banned the bot", channel)
	}
	text = SanitizeOutbound(text)
	if text == "" {
		return errors.New("empty outbound message")
	}

	if err := t.limiter.Wait(t.context()); err != nil {
		return errors.Wrap(err, "egress rate limit wait interrupted")
	}
	t.client.Say(channel, text)
	return nil
}

// SanitizeOutbound enforces the transport rules: no newlines, no leading
// command characters, at most 500 bytes cut on a word boundary.
func SanitizeOutbound(text string) string {
	// Collapses every whitespace run, including "\r\n", to a single space.
	text = strings.Join(strings.Fields(text), " ")
	// A leading "/" or "." would be parsed as an IRC chat command.
	text = strings.TrimLeft(text, "/.")

	if len(text) > processing.EgressLimit {
		cut := text[:processing.EgressLimit]
		if idx := strings.LastIndex(cut, " "); idx > 0 {
			cut = cut[:idx]
		}
		text = strings.TrimSpace(cut)
	}
	return text
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
