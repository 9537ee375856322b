package processing

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/clankbot/clank/filter"
	"github.com/clankbot/clank/metrics"
	"github.com/clankbot/clank/ollama"
	"github.com/clankbot/clank/store"
)

// EgressLimit is the transport's message size ceiling in bytes.
const EgressLimit = 500

// minContextMessages is the floor of stored context below which a spontaneous
// generation would have nothing to imitate.
const minContextMessages = 10

// Generator produces chat text from recent context.
type Generator interface {
	GenerateSpontaneous(ctx context.Context, model string, lines []ollama.ContextLine, charLimit int) (string, error)
	GenerateResponse(ctx context.Context, model string, lines []ollama.ContextLine, userName, userText string, charLimit int) (string, error)
}

// Egress sends one line to a channel.
type Egress interface {
	Say(channel, text string) error
}

// CommandHandler consumes privileged configuration commands. Handle returns
// true when the event was a command, whether or not it succeeded.
type CommandHandler interface {
	Handle(ctx context.Context, ev *Event) bool
}

// Options assembles a Processor.
type Options struct {
	Store        *store.Store
	State        *ChannelState
	Filter       *filter.Filter
	Generator    Generator
	Commands     CommandHandler
	Egress       Egress
	Exporter     *metrics.Exporter
	BotUsername  string
	KnownBots    []string
	DefaultModel string
	QueueDepth   int
	Now          func() time.Time
}

// Processor is the only component that sequences events and decides when to
// generate. Each channel gets a serialized worker; the worker never blocks on
// the Generator — generation runs beside it, at most one per channel.
type Processor struct {
	store        *store.Store
	state        *ChannelState
	filter       *filter.Filter
	generator    Generator
	commands     CommandHandler
	egress       Egress
	exporter     *metrics.Exporter
	botUsername  string
	knownBots    map[string]struct{}
	defaultModel string
	queueDepth   int
	now          func() time.Time

	mu       sync.Mutex
	queues   map[string]chan *Event
	inFlight map[string]*bool
	closed   bool

	workers sync.WaitGroup
	genWG   sync.WaitGroup
}

func NewProcessor(opts Options) *Processor {
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = 64
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	known := map[string]struct{}{}
	for _, b := range opts.KnownBots {
		known[strings.ToLower(strings.TrimSpace(b))] = struct{}{}
	}
	return &Processor{
		store:        opts.Store,
		state:        opts.State,
		filter:       opts.Filter,
		generator:    opts.Generator,
		commands:     opts.Commands,
		egress:       opts.Egress,
		exporter:     opts.Exporter,
		botUsername:  strings.ToLower(opts.BotUsername),
		knownBots:    known,
		defaultModel: opts.DefaultModel,
		queueDepth:   opts.QueueDepth,
		now:          opts.Now,
		queues:       map[string]chan *Event{},
		inFlight:     map[string]*bool{},
	}
}

// SetEgress wires the outbound side. The adapter needs the Processor as its
// dispatcher, so egress is attached after construction, before any event
// flows.
func (p *Processor) SetEgress(e Egress) { p.egress = e }

// SetCommands wires the command handler, same deal as SetEgress.
func (p *Processor) SetCommands(c CommandHandler) { p.commands = c }

// Dispatch hands an event to its channel's worker. When the queue is full the
// oldest queued event is dropped in favor of the newest; current context beats
// stale context. The enqueue happens under the mutex so it cannot interleave
// with Shutdown closing the queue; both selects are non-blocking, so the lock
// is never held across a wait.
func (p *Processor) Dispatch(ctx context.Context, ev *Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	queue, ok := p.queues[ev.Channel]
	if !ok {
		queue = make(chan *Event, p.queueDepth)
		p.queues[ev.Channel] = queue
		p.workers.Add(1)
		go p.run(ctx, ev.Channel, queue)
	}

	for {
		select {
		case queue <- ev:
			p.exporter.SetQueueDepth(ev.Channel, len(queue))
			return
		default:
		}
		select {
		case dropped := <-queue:
			p.exporter.RecordDropped(ev.Channel)
			p.recordMetric(ctx, ev.Channel, store.MetricEventDropped, 1)
			slog.Warn("event dropped from full queue",
				slog.String("channel", ev.Channel),
				slog.String("kind", dropped.Kind.String()))
		default:
		}
	}
}

// Shutdown stops the workers after draining queued events and waits for
// in-flight generations.
func (p *Processor) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for _, queue := range p.queues {
		close(queue)
	}
	p.mu.Unlock()

	p.workers.Wait()
	p.genWG.Wait()
}

// WaitGenerations blocks until no generation is in flight.
func (p *Processor) WaitGenerations() {
	p.genWG.Wait()
}

func (p *Processor) run(ctx context.Context, channel string, queue chan *Event) {
	defer p.workers.Done()
	for ev := range queue {
		p.exporter.SetQueueDepth(channel, len(queue))
		p.ProcessEvent(ctx, ev)
	}
}

// ProcessEvent handles one event to completion, except for generation, which
// runs beside the worker so a slow backend never stalls the channel's event
// order.
func (p *Processor) ProcessEvent(ctx context.Context, ev *Event) {
	p.exporter.RecordEvent(ev.Channel, ev.Kind.String())

	switch ev.Kind {
	case KindDeleteMessage:
		if err := p.store.DeleteMessageByID(ctx, ev.MessageID); err != nil {
			slog.Error("moderation delete failed",
				slog.String("channel", ev.Channel),
				slog.String("message_id", ev.MessageID),
				slog.String("error", err.Error()))
		}
		return
	case KindClearUser:
		deleted, err := p.store.DeleteUserMessages(ctx, ev.Channel, ev.UserID)
		if err != nil {
			slog.Error("moderation user clear failed",
				slog.String("channel", ev.Channel),
				slog.String("user_id", ev.UserID),
				slog.String("error", err.Error()))
			return
		}
		slog.Info("moderation purged user context",
			slog.String("channel", ev.Channel),
			slog.String("user_id", ev.UserID),
			slog.Int64("deleted", deleted))
		return
	case KindClearChannel:
		if err := p.store.ClearChannelMessages(ctx, ev.Channel); err != nil {
			slog.Error("moderation channel clear failed",
				slog.String("channel", ev.Channel),
				slog.String("error", err.Error()))
		}
		return
	case KindSystem:
		return
	}

	login := strings.ToLower(ev.UserLogin)
	if login == p.botUsername {
		return
	}
	if _, known := p.knownBots[login]; known {
		return
	}
	if ev.UserID == "" {
		return
	}

	if p.commands != nil && p.commands.Handle(ctx, ev) {
		return
	}

	p.processUserMessage(ctx, ev)
}

func (p *Processor) processUserMessage(ctx context.Context, ev *Event) {
	if p.filter.Classify(ev.Content) == filter.Blocked {
		p.exporter.RecordFilterBlock(ev.Channel, "input")
		p.recordMetric(ctx, ev.Channel, store.MetricFilterBlockInput, 1)
		slog.Warn("input blocked by filter",
			slog.String("channel", ev.Channel),
			slog.String("user_id", ev.UserID),
			slog.String("content", ev.Content))
		return
	}

	mention := p.isMention(ev.Content)

	err := p.store.AppendMessage(ctx, &store.Message{
		MessageID:       ev.MessageID,
		Channel:         ev.Channel,
		UserID:          ev.UserID,
		UserDisplayName: ev.UserDisplayName,
		Content:         ev.Content,
		CreatedTs:       ev.Time.Unix(),
	})
	if errors.Is(err, store.ErrDuplicate) {
		return
	}
	if err != nil {
		// Not stored means not counted; the trigger discipline only sees
		// durable messages.
		slog.Error("message append failed",
			slog.String("channel", ev.Channel),
			slog.String("error", err.Error()))
		return
	}
	p.state.NoteMessage(ctx, ev.Channel)

	config := p.state.Get(ctx, ev.Channel)
	now := p.now()

	if mention && p.responseAllowed(ctx, ev, &config, now) {
		p.startGeneration(ctx, ev, &config, triggerResponse)
		return
	}
	if p.spontaneousAllowed(ctx, ev.Channel, &config, now) {
		p.startGeneration(ctx, ev, &config, triggerSpontaneous)
	}
}

// isMention reports whether the bot is directly addressed: either "@bot" at
// the start or "bot" as the first token, case-insensitive.
func (p *Processor) isMention(content string) bool {
	fields := strings.Fields(strings.ToLower(content))
	if len(fields) == 0 {
		return false
	}
	first := strings.TrimRight(fields[0], ",:!?.")
	return first == "@"+p.botUsername || first == p.botUsername
}

func (p *Processor) responseAllowed(ctx context.Context, ev *Event, config *store.ChannelConfig, now time.Time) bool {
	cooldown, err := p.store.GetUserCooldown(ctx, ev.Channel, ev.UserID)
	if errors.Is(err, store.ErrNotFound) {
		return true
	}
	if err != nil {
		slog.Error("cooldown lookup failed",
			slog.String("channel", ev.Channel),
			slog.String("user_id", ev.UserID),
			slog.String("error", err.Error()))
		return false
	}
	return now.Unix()-cooldown.LastResponseTs >= int64(config.ResponseCooldown)
}

func (p *Processor) spontaneousAllowed(ctx context.Context, channel string, config *store.ChannelConfig, now time.Time) bool {
	if config.ContextLimit <= 0 {
		return false
	}
	if config.MessageCount < config.MessageThreshold {
		return false
	}
	if now.Unix()-config.LastSpontaneousTs < int64(config.SpontaneousCooldown) {
		return false
	}
	available, err := p.store.CountRecentMessages(ctx, channel)
	if err != nil {
		slog.Error("context count failed",
			slog.String("channel", channel),
			slog.String("error", err.Error()))
		return false
	}
	return available >= minContextMessages
}

type trigger string

const (
	triggerSpontaneous trigger = "spontaneous"
	triggerResponse    trigger = "response"
)

// startGeneration launches the generation beside the worker. At most one
// generation runs per channel; a second qualifying event while one is in
// flight simply declines and the next event re-evaluates.
func (p *Processor) startGeneration(ctx context.Context, ev *Event, config *store.ChannelConfig, kind trigger) {
	p.mu.Lock()
	flag, ok := p.inFlight[ev.Channel]
	if !ok {
		flag = new(bool)
		p.inFlight[ev.Channel] = flag
	}
	if *flag {
		p.mu.Unlock()
		return
	}
	*flag = true
	p.genWG.Add(1)
	p.mu.Unlock()

	model := config.Model
	if model == "" {
		model = p.defaultModel
	}
	snapshot := *config
	event := *ev

	go func() {
		defer func() {
			p.mu.Lock()
			*flag = false
			p.mu.Unlock()
			p.genWG.Done()
		}()
		p.generate(ctx, &event, &snapshot, model, kind)
	}()
}

func (p *Processor) generate(ctx context.Context, ev *Event, config *store.ChannelConfig, model string, kind trigger) {
	correlationID := uuid.NewString()
	logger := slog.With(
		slog.String("channel", ev.Channel),
		slog.String("trigger", string(kind)),
		slog.String("correlation_id", correlationID))

	recent, err := p.store.RecentMessages(ctx, ev.Channel, config.ContextLimit)
	if err != nil || len(recent) == 0 {
		logger.Warn("no adequate context for generation")
		p.exporter.RecordGeneratorFailure(ev.Channel, "no_context")
		return
	}
	lines := make([]ollama.ContextLine, 0, len(recent))
	for _, m := range recent {
		lines = append(lines, ollama.ContextLine{DisplayName: m.UserDisplayName, Content: m.Content})
	}

	start := p.now()
	var text string
	switch kind {
	case triggerResponse:
		text, err = p.generator.GenerateResponse(ctx, model, lines, ev.UserDisplayName, ev.Content, EgressLimit)
	default:
		text, err = p.generator.GenerateSpontaneous(ctx, model, lines, EgressLimit)
	}
	elapsed := p.now().Sub(start)
	p.exporter.ObserveGenerationLatency(ev.Channel, string(kind), elapsed.Seconds())
	p.recordMetric(ctx, ev.Channel, store.MetricGenerationLatencyMs, float64(elapsed.Milliseconds()))

	if err != nil {
		reason := "unavailable"
		metricType := store.MetricGeneratorUnavail
		if errors.Is(err, ollama.ErrInvalid) {
			reason = "invalid"
			metricType = store.MetricGeneratorInvalid
		}
		p.exporter.RecordGeneratorFailure(ev.Channel, reason)
		p.recordMetric(ctx, ev.Channel, metricType, 1)
		logger.Warn("generation failed", slog.String("reason", reason))
		return
	}

	if p.filter.Classify(text) == filter.Blocked {
		p.exporter.RecordFilterBlock(ev.Channel, "output")
		p.recordMetric(ctx, ev.Channel, store.MetricFilterBlockOutput, 1)
		// The only place blocked generated content may appear is this log line.
		logger.Warn("output blocked by filter", slog.String("content", text))
		return
	}

	if err := p.egress.Say(ev.Channel, text); err != nil {
		logger.Error("egress failed", slog.String("error", err.Error()))
		return
	}

	now := p.now().Unix()
	switch kind {
	case triggerResponse:
		if err := p.store.StampUserCooldown(ctx, ev.Channel, ev.UserID, now); err != nil {
			logger.Error("cooldown stamp failed", slog.String("error", err.Error()))
		}
		p.exporter.RecordSent(ev.Channel, string(triggerResponse))
		p.recordMetric(ctx, ev.Channel, store.MetricResponseSent, 1)
	default:
		if err := p.state.StampSpontaneous(ctx, ev.Channel, now); err != nil {
			logger.Error("spontaneous stamp failed", slog.String("error", err.Error()))
		}
		p.exporter.RecordSent(ev.Channel, string(triggerSpontaneous))
		p.recordMetric(ctx, ev.Channel, store.MetricSpontaneousSent, 1)
	}
	logger.Info("message sent", slog.Int("chars", len(text)))
}

func (p *Processor) recordMetric(ctx context.Context, channel, metricType string, value float64) {
	err := p.store.RecordMetric(ctx, &store.BotMetric{
		Channel:     channel,
		MetricType:  metricType,
		MetricValue: value,
		CreatedTs:   p.now().Unix(),
	})
	if err != nil {
		slog.Debug("metric write failed",
			slog.String("metric_type", metricType),
			slog.String("error", err.Error()))
	}
}
