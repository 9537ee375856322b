package profile

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Profile is configuration to start the bot.
type Profile struct {
	Mode    string // demo, dev, prod
	Data    string // data directory for the embedded database
	Driver  string // sqlite, postgres
	DSN     string
	Version string

	// IRC identity and channel set.
	BotUsername    string
	TwitchClientID string
	TwitchSecret   string
	Channels       []string
	KnownBots      []string

	// Generator backend.
	OllamaURL            string
	OllamaModel          string
	OllamaTimeoutSeconds int

	// Content filter.
	FilterEnabled    bool
	BlockedWordsFile string
	FilterStrict     bool

	// Per-channel defaults, overridable at runtime via chat commands.
	DefaultThreshold           int
	DefaultSpontaneousCooldown int
	DefaultResponseCooldown    int
	DefaultContextLimit        int

	// Retention and housekeeping.
	RetentionMessageDays   int
	RetentionMetricDays    int
	CleanupIntervalMinutes int

	// Token encryption passphrase. Required for networked backends.
	TokenKey string

	ResetConfirmWindowSeconds int
	QueueDepth                int

	// Operational HTTP endpoint (health, metrics, status).
	OpsAddr string

	LogLevel  string
	LogFormat string
}

func (p *Profile) IsDev() bool {
	return p.Mode != "prod"
}

// OllamaTimeout returns the generation timeout as a duration.
func (p *Profile) OllamaTimeout() time.Duration {
	return time.Duration(p.OllamaTimeoutSeconds) * time.Second
}

// ResetConfirmWindow returns how long a reset confirmation stays valid.
func (p *Profile) ResetConfirmWindow() time.Duration {
	return time.Duration(p.ResetConfirmWindowSeconds) * time.Second
}

func checkDataDir(dataDir string) (string, error) {
	// Convert to absolute path if relative path is supplied.
	if !filepath.IsAbs(dataDir) {
		relativeDir := filepath.Join(filepath.Dir(os.Args[0]), dataDir)
		absDir, err := filepath.Abs(relativeDir)
		if err != nil {
			return "", err
		}
		dataDir = absDir
	}

	// Trim trailing \ or / in case user supplies
	dataDir = strings.TrimRight(dataDir, "\\/")
	if _, err := os.Stat(dataDir); err != nil {
		return "", errors.Wrapf(err, "unable to access data folder %s", dataDir)
	}
	return dataDir, nil
}

// Validate normalizes the profile and rejects configurations the bot cannot
// run with.
func (p *Profile) Validate() error {
	if p.Mode != "demo" && p.Mode != "dev" && p.Mode != "prod" {
		p.Mode = "demo"
	}

	if p.Driver != "sqlite" && p.Driver != "postgres" {
		return errors.Errorf("unsupported database driver: %s", p.Driver)
	}

	if p.Mode == "prod" && p.Data == "" {
		if runtime.GOOS == "windows" {
			p.Data = filepath.Join(os.Getenv("ProgramData"), "clank")
			if _, err := os.Stat(p.Data); os.IsNotExist(err) {
				if err := os.MkdirAll(p.Data, 0770); err != nil {
					return errors.Wrapf(err, "failed to create data directory %s", p.Data)
				}
			}
		} else {
			p.Data = "/var/opt/clank"
		}
	}

	if p.Driver == "sqlite" {
		dataDir, err := checkDataDir(p.Data)
		if err != nil {
			return err
		}
		p.Data = dataDir
		if p.DSN == "" {
			p.DSN = filepath.Join(dataDir, fmt.Sprintf("clank_%s.db", p.Mode))
		}
	}

	if p.Driver == "postgres" && p.TokenKey == "" {
		// Tokens on a shared database host must not be stored in the clear.
		return errors.New("token key required for the postgres driver")
	}

	if p.OllamaModel == "" {
		return errors.New("ollama model required")
	}
	if len(p.Channels) == 0 {
		return errors.New("at least one channel required")
	}
	if p.BotUsername == "" {
		return errors.New("bot username required")
	}

	if p.DefaultThreshold < MinThreshold || p.DefaultThreshold > MaxThreshold {
		return errors.Errorf("default threshold out of range [%d, %d]", MinThreshold, MaxThreshold)
	}
	if p.DefaultSpontaneousCooldown < MinSpontaneousCooldown || p.DefaultSpontaneousCooldown > MaxSpontaneousCooldown {
		return errors.Errorf("default spontaneous cooldown out of range [%d, %d]", MinSpontaneousCooldown, MaxSpontaneousCooldown)
	}
	if p.DefaultResponseCooldown < MinResponseCooldown || p.DefaultResponseCooldown > MaxResponseCooldown {
		return errors.Errorf("default response cooldown out of range [%d, %d]", MinResponseCooldown, MaxResponseCooldown)
	}
	if p.DefaultContextLimit < MinContextLimit || p.DefaultContextLimit > MaxContextLimit {
		return errors.Errorf("default context limit out of range [%d, %d]", MinContextLimit, MaxContextLimit)
	}

	if p.QueueDepth <= 0 {
		p.QueueDepth = 64
	}
	if p.ResetConfirmWindowSeconds <= 0 {
		p.ResetConfirmWindowSeconds = 60
	}
	if p.OllamaTimeoutSeconds <= 0 {
		p.OllamaTimeoutSeconds = 30
	}
	if p.CleanupIntervalMinutes <= 0 {
		p.CleanupIntervalMinutes = 60
	}

	return nil
}

// Bounds for the tunable channel settings. Commands and profile validation
// share them.
const (
	MinThreshold = 5
	MaxThreshold = 200

	MinSpontaneousCooldown = 60
	MaxSpontaneousCooldown = 3600

	MinResponseCooldown = 10
	MaxResponseCooldown = 1800

	MinContextLimit = 50
	MaxContextLimit = 500
)
