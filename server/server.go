// Package server exposes the operational HTTP surface: health, metrics, and
// per-channel status. It is read-only; all control stays in chat commands.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/clankbot/clank/filter"
	"github.com/clankbot/clank/internal/version"
	"github.com/clankbot/clank/metrics"
	"github.com/clankbot/clank/ollama"
	"github.com/clankbot/clank/store"
)

// ChatStatus reports the chat connection for the health surface.
type ChatStatus interface {
	Connected() bool
	BannedChannels() []string
}

// Server is the ops endpoint.
type Server struct {
	echo    *echo.Echo
	store   *store.Store
	filter  *filter.Filter
	ollama  *ollama.Client
	chat    ChatStatus
	addr    string
}

func New(addr string, s *store.Store, f *filter.Filter, o *ollama.Client, chat ChatStatus, exporter *metrics.Exporter) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	srv := &Server{echo: e, store: s, filter: f, ollama: o, chat: chat, addr: addr}

	e.GET("/healthz", srv.healthz)
	e.GET("/metrics", echo.WrapHandler(exporter.Handler()))
	e.GET("/api/v1/status/:channel", srv.channelStatus)

	return srv
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	slog.Info("ops endpoint listening", slog.String("addr", s.addr))
	err := s.echo.Start(s.addr)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) healthz(c echo.Context) error {
	ctx := c.Request().Context()

	status := http.StatusOK
	storeOK := s.store.Ping(ctx) == nil
	if !storeOK {
		status = http.StatusServiceUnavailable
	}

	return c.JSON(status, map[string]any{
		"version":         version.String(),
		"store":           storeOK,
		"generator":       s.ollama.IsAvailable(ctx),
		"chat_connected":  s.chat.Connected(),
		"banned_channels": s.chat.BannedChannels(),
		"filter":          s.filter.Stats(),
	})
}

func (s *Server) channelStatus(c echo.Context) error {
	ctx := c.Request().Context()
	channel := c.Param("channel")

	config, err := s.store.GetChannelConfig(ctx, channel)
	if err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "store unavailable")
	}
	stored, err := s.store.CountRecentMessages(ctx, channel)
	if err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "store unavailable")
	}

	window := 24 * time.Hour
	aggregates := map[string]*store.MetricAggregate{}
	for _, metricType := range []string{
		store.MetricSpontaneousSent,
		store.MetricResponseSent,
		store.MetricFilterBlockInput,
		store.MetricFilterBlockOutput,
		store.MetricGeneratorUnavail,
		store.MetricGenerationLatencyMs,
	} {
		agg, err := s.store.AggregateMetrics(ctx, channel, metricType, window)
		if err != nil {
			continue
		}
		aggregates[metricType] = agg
	}

	return c.JSON(http.StatusOK, map[string]any{
		"channel":              channel,
		"message_count":        config.MessageCount,
		"message_threshold":    config.MessageThreshold,
		"spontaneous_cooldown": config.SpontaneousCooldown,
		"response_cooldown":    config.ResponseCooldown,
		"context_limit":        config.ContextLimit,
		"model":                config.Model,
		"last_spontaneous_ts":  config.LastSpontaneousTs,
		"stored_messages":      stored,
		"metrics_24h":          aggregates,
	})
}
