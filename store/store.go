package store

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// Sentinel errors surfaced by drivers and matched by callers. The processor
// treats everything that is not one of these as backend unavailability.
var (
	// ErrDuplicate is returned when a message with the same message_id is
	// already stored. Appends are idempotent on message_id.
	ErrDuplicate = errors.New("duplicate message")
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")
)

// Driver provides database access for one backend. Schema and semantics are
// identical across backends; selection happens once at startup.
type Driver interface {
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error

	// Messages. AppendMessage ensures the channel_config row exists, inserts
	// the message, and increments message_count in a single transaction.
	AppendMessage(ctx context.Context, msg *Message, defaults ConfigDefaults) error
	RecentMessages(ctx context.Context, find *FindMessage) ([]*Message, error)
	CountRecentMessages(ctx context.Context, channel string) (int, error)
	DeleteMessageByID(ctx context.Context, messageID string) error
	DeleteUserMessages(ctx context.Context, channel, userID string) (int64, error)
	ClearChannelMessages(ctx context.Context, channel string) error

	// Channel configuration.
	GetChannelConfig(ctx context.Context, channel string, defaults ConfigDefaults) (*ChannelConfig, error)
	UpdateChannelConfig(ctx context.Context, update *UpdateChannelConfig, defaults ConfigDefaults) (*ChannelConfig, error)
	ResetChannelConfig(ctx context.Context, channel string, defaults ConfigDefaults) error
	ResetMessageCount(ctx context.Context, channel string) error
	StampSpontaneous(ctx context.Context, channel string, ts int64) error
	ListChannelConfigs(ctx context.Context) ([]*ChannelConfig, error)

	// Per-user response cooldowns.
	GetUserCooldown(ctx context.Context, channel, userID string) (*UserResponseCooldown, error)
	StampUserCooldown(ctx context.Context, channel, userID string, ts int64) error

	// Auth material. The facade encrypts token fields before calling these.
	GetAuthToken(ctx context.Context) (*AuthToken, error)
	PutAuthToken(ctx context.Context, token *AuthToken) error

	// Metrics.
	RecordMetric(ctx context.Context, metric *BotMetric) error
	AggregateMetrics(ctx context.Context, channel, metricType string, since int64) (*MetricAggregate, error)

	// Cleanup deletes expired rows in bounded batches and reports how many
	// rows went away.
	Cleanup(ctx context.Context, opts CleanupOptions) (CleanupResult, error)
}

// CleanupOptions bounds the retention cleanup pass.
type CleanupOptions struct {
	MessageRetention  time.Duration
	MetricRetention   time.Duration
	CooldownRetention time.Duration
	BatchSize         int
}

// CleanupResult reports rows removed per table.
type CleanupResult struct {
	Messages  int64
	Metrics   int64
	Cooldowns int64
}

// Store provides persistence for all bot state. It wraps a Driver with the
// global channel defaults and at-rest encryption of auth tokens.
type Store struct {
	driver   Driver
	defaults ConfigDefaults
	tokenKey []byte // nil disables encryption (embedded backend only)
}

// New creates a Store over the given driver. tokenKey must be nil or exactly
// 32 bytes.
func New(driver Driver, defaults ConfigDefaults, tokenKey []byte) (*Store, error) {
	if len(tokenKey) != 0 && len(tokenKey) != KeySize {
		return nil, ErrInvalidKey
	}
	return &Store{driver: driver, defaults: defaults, tokenKey: tokenKey}, nil
}

// Defaults returns the global channel defaults the store seeds new channels
// with.
func (s *Store) Defaults() ConfigDefaults { return s.defaults }

func (s *Store) Migrate(ctx context.Context) error { return s.driver.Migrate(ctx) }

func (s *Store) Ping(ctx context.Context) error { return s.driver.Ping(ctx) }

func (s *Store) Close() error { return s.driver.Close() }

func (s *Store) AppendMessage(ctx context.Context, msg *Message) error {
	return s.driver.AppendMessage(ctx, msg, s.defaults)
}

func (s *Store) RecentMessages(ctx context.Context, channel string, limit int) ([]*Message, error) {
	return s.driver.RecentMessages(ctx, &FindMessage{Channel: channel, Limit: limit})
}

func (s *Store) CountRecentMessages(ctx context.Context, channel string) (int, error) {
	return s.driver.CountRecentMessages(ctx, channel)
}

func (s *Store) DeleteMessageByID(ctx context.Context, messageID string) error {
	return s.driver.DeleteMessageByID(ctx, messageID)
}

func (s *Store) DeleteUserMessages(ctx context.Context, channel, userID string) (int64, error) {
	return s.driver.DeleteUserMessages(ctx, channel, userID)
}

func (s *Store) ClearChannelMessages(ctx context.Context, channel string) error {
	return s.driver.ClearChannelMessages(ctx, channel)
}

func (s *Store) GetChannelConfig(ctx context.Context, channel string) (*ChannelConfig, error) {
	return s.driver.GetChannelConfig(ctx, channel, s.defaults)
}

func (s *Store) UpdateChannelConfig(ctx context.Context, update *UpdateChannelConfig) (*ChannelConfig, error) {
	return s.driver.UpdateChannelConfig(ctx, update, s.defaults)
}

func (s *Store) ResetChannelConfig(ctx context.Context, channel string) error {
	return s.driver.ResetChannelConfig(ctx, channel, s.defaults)
}

func (s *Store) ResetMessageCount(ctx context.Context, channel string) error {
	return s.driver.ResetMessageCount(ctx, channel)
}

func (s *Store) StampSpontaneous(ctx context.Context, channel string, ts int64) error {
	return s.driver.StampSpontaneous(ctx, channel, ts)
}

func (s *Store) ListChannelConfigs(ctx context.Context) ([]*ChannelConfig, error) {
	return s.driver.ListChannelConfigs(ctx)
}

func (s *Store) GetUserCooldown(ctx context.Context, channel, userID string) (*UserResponseCooldown, error) {
	return s.driver.GetUserCooldown(ctx, channel, userID)
}

func (s *Store) StampUserCooldown(ctx context.Context, channel, userID string, ts int64) error {
	return s.driver.StampUserCooldown(ctx, channel, userID, ts)
}

// GetAuthToken loads and, when a key is configured, decrypts the stored token
// material.
func (s *Store) GetAuthToken(ctx context.Context) (*AuthToken, error) {
	token, err := s.driver.GetAuthToken(ctx)
	if err != nil {
		return nil, err
	}
	if len(s.tokenKey) == 0 {
		return token, nil
	}
	access, err := Decrypt(token.AccessToken, s.tokenKey)
	if err != nil {
		return nil, errors.Wrap(err, "failed to decrypt access token")
	}
	token.AccessToken = access
	if token.RefreshToken != "" {
		refresh, err := Decrypt(token.RefreshToken, s.tokenKey)
		if err != nil {
			return nil, errors.Wrap(err, "failed to decrypt refresh token")
		}
		token.RefreshToken = refresh
	}
	return token, nil
}

// PutAuthToken encrypts token fields when a key is configured and persists the
// single auth row.
func (s *Store) PutAuthToken(ctx context.Context, token *AuthToken) error {
	stored := *token
	if len(s.tokenKey) != 0 {
		access, err := Encrypt(token.AccessToken, s.tokenKey)
		if err != nil {
			return errors.Wrap(err, "failed to encrypt access token")
		}
		stored.AccessToken = access
		if token.RefreshToken != "" {
			refresh, err := Encrypt(token.RefreshToken, s.tokenKey)
			if err != nil {
				return errors.Wrap(err, "failed to encrypt refresh token")
			}
			stored.RefreshToken = refresh
		}
	}
	return s.driver.PutAuthToken(ctx, &stored)
}

func (s *Store) RecordMetric(ctx context.Context, metric *BotMetric) error {
	return s.driver.RecordMetric(ctx, metric)
}

func (s *Store) AggregateMetrics(ctx context.Context, channel, metricType string, window time.Duration) (*MetricAggregate, error) {
	since := time.Now().Add(-window).Unix()
	return s.driver.AggregateMetrics(ctx, channel, metricType, since)
}

func (s *Store) Cleanup(ctx context.Context, opts CleanupOptions) (CleanupResult, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 500
	}
	return s.driver.Cleanup(ctx, opts)
}
