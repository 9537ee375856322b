package profile

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func validProfile(t *testing.T) *Profile {
	t.Helper()
	return &Profile{
		Mode:                       "dev",
		Driver:                     "sqlite",
		Data:                       t.TempDir(),
		BotUsername:                "clankbot",
		Channels:                   []string{"somechannel"},
		OllamaModel:                "llama3",
		DefaultThreshold:           25,
		DefaultSpontaneousCooldown: 300,
		DefaultResponseCooldown:    60,
		DefaultContextLimit:        100,
	}
}

func TestValidateFillsDefaults(t *testing.T) {
	p := validProfile(t)
	require.NoError(t, p.Validate())

	require.Equal(t, 64, p.QueueDepth)
	require.Equal(t, 60, p.ResetConfirmWindowSeconds)
	require.Equal(t, 30, p.OllamaTimeoutSeconds)
	require.Equal(t, 60, p.CleanupIntervalMinutes)
	require.Equal(t, filepath.Join(p.Data, "clank_dev.db"), p.DSN)
}

func TestValidateNormalizesUnknownMode(t *testing.T) {
	p := validProfile(t)
	p.Mode = "staging"
	require.NoError(t, p.Validate())
	require.Equal(t, "demo", p.Mode)
}

func TestValidateRejectsUnknownDriver(t *testing.T) {
	p := validProfile(t)
	p.Driver = "mysql"
	require.Error(t, p.Validate())
}

func TestValidatePostgresRequiresTokenKey(t *testing.T) {
	p := validProfile(t)
	p.Driver = "postgres"
	p.DSN = "postgres://clank@localhost/clank"
	require.Error(t, p.Validate())

	p.TokenKey = "passphrase"
	require.NoError(t, p.Validate())
}

func TestValidateRequiredFields(t *testing.T) {
	for name, mutate := range map[string]func(*Profile){
		"model":    func(p *Profile) { p.OllamaModel = "" },
		"channels": func(p *Profile) { p.Channels = nil },
		"username": func(p *Profile) { p.BotUsername = "" },
	} {
		t.Run(name, func(t *testing.T) {
			p := validProfile(t)
			mutate(p)
			require.Error(t, p.Validate())
		})
	}
}

func TestValidateRangeChecks(t *testing.T) {
	for name, mutate := range map[string]func(*Profile){
		"threshold low":    func(p *Profile) { p.DefaultThreshold = MinThreshold - 1 },
		"threshold high":   func(p *Profile) { p.DefaultThreshold = MaxThreshold + 1 },
		"spontaneous low":  func(p *Profile) { p.DefaultSpontaneousCooldown = MinSpontaneousCooldown - 1 },
		"response high":    func(p *Profile) { p.DefaultResponseCooldown = MaxResponseCooldown + 1 },
		"context low":      func(p *Profile) { p.DefaultContextLimit = MinContextLimit - 1 },
		"context high":     func(p *Profile) { p.DefaultContextLimit = MaxContextLimit + 1 },
	} {
		t.Run(name, func(t *testing.T) {
			p := validProfile(t)
			mutate(p)
			require.Error(t, p.Validate())
		})
	}
}
