package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/clankbot/clank/bot"
	"github.com/clankbot/clank/internal/profile"
	"github.com/clankbot/clank/internal/version"
	"github.com/clankbot/clank/store"
	"github.com/clankbot/clank/store/db"
)

var (
	rootCmd = &cobra.Command{
		Use:   "clank",
		Short: `A multi-channel Twitch chat bot that joins conversations with generated messages from a local Ollama backend.`,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			// Only load .env for direct binary execution (not when running as systemd service)
			if !isRunningAsSystemdService() {
				// Try to load .env file from current directory (ignore error if file doesn't exist)
				_ = godotenv.Load()
			}
			setupLogger(viper.GetString("log-level"), viper.GetString("log-format"))
			return nil
		},
		Run: func(_ *cobra.Command, _ []string) {
			instanceProfile := profileFromViper()
			if err := instanceProfile.Validate(); err != nil {
				slog.Error("invalid configuration", "error", err)
				os.Exit(1)
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			c := make(chan os.Signal, 1)
			// Trigger graceful shutdown on SIGINT or SIGTERM.
			// The default signal sent by the `kill` command is SIGTERM,
			// which is taken as the graceful shutdown signal for many systems, eg., Kubernetes, Gunicorn.
			signal.Notify(c, terminationSignals...)
			go func() {
				<-c
				cancel()
			}()

			printGreetings(instanceProfile)

			if err := bot.NewSupervisor(instanceProfile).Run(ctx); err != nil {
				slog.Error("bot exited with error", "error", err)
				os.Exit(1)
			}
		},
	}

	genkeyCmd = &cobra.Command{
		Use:   "genkey",
		Short: "Generate a random token encryption key for CLANK_TOKEN_KEY",
		RunE: func(_ *cobra.Command, _ []string) error {
			key, err := store.GenerateKey()
			if err != nil {
				return err
			}
			fmt.Println(key)
			return nil
		},
	}

	authCmd = &cobra.Command{
		Use:   "auth",
		Short: "Store initial Twitch token material in the database",
		RunE: func(cmd *cobra.Command, _ []string) error {
			instanceProfile := profileFromViper()
			if err := instanceProfile.Validate(); err != nil {
				return err
			}

			accessToken, _ := cmd.Flags().GetString("access-token")
			refreshToken, _ := cmd.Flags().GetString("refresh-token")
			username, _ := cmd.Flags().GetString("username")
			expiresIn, _ := cmd.Flags().GetInt("expires-in")
			if accessToken == "" {
				return fmt.Errorf("--access-token is required")
			}
			if username == "" {
				username = instanceProfile.BotUsername
			}

			ctx := context.Background()
			dbDriver, err := db.NewDBDriver(instanceProfile)
			if err != nil {
				return err
			}
			var tokenKey []byte
			if instanceProfile.TokenKey != "" {
				tokenKey, err = store.DeriveKey(instanceProfile.TokenKey)
				if err != nil {
					return err
				}
			}
			storeInstance, err := store.New(dbDriver, store.ConfigDefaults{
				MessageThreshold:    instanceProfile.DefaultThreshold,
				SpontaneousCooldown: instanceProfile.DefaultSpontaneousCooldown,
				ResponseCooldown:    instanceProfile.DefaultResponseCooldown,
				ContextLimit:        instanceProfile.DefaultContextLimit,
			}, tokenKey)
			if err != nil {
				return err
			}
			defer storeInstance.Close()
			if err := storeInstance.Migrate(ctx); err != nil {
				return err
			}

			auth := bot.NewAuthManager(storeInstance, instanceProfile.TwitchClientID, instanceProfile.TwitchSecret)
			if err := auth.Seed(ctx, accessToken, refreshToken, username, time.Duration(expiresIn)*time.Second); err != nil {
				return err
			}
			fmt.Printf("Token stored for %s\n", username)
			return nil
		},
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version of clank",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Println(version.StringFull())
		},
	}
)

// profileFromViper assembles the runtime profile from bound flags and
// environment variables.
func profileFromViper() *profile.Profile {
	return &profile.Profile{
		Mode:    viper.GetString("mode"),
		Data:    viper.GetString("data"),
		Driver:  viper.GetString("driver"),
		DSN:     viper.GetString("dsn"),
		Version: version.String(),

		BotUsername:    viper.GetString("bot-username"),
		TwitchClientID: viper.GetString("twitch-client-id"),
		TwitchSecret:   viper.GetString("twitch-secret"),
		Channels:       splitList(viper.GetString("channels")),
		KnownBots:      splitList(viper.GetString("known-bots")),

		OllamaURL:            viper.GetString("ollama-url"),
		OllamaModel:          viper.GetString("ollama-model"),
		OllamaTimeoutSeconds: viper.GetInt("ollama-timeout-seconds"),

		FilterEnabled:    viper.GetBool("filter-enabled"),
		BlockedWordsFile: viper.GetString("blocked-words-file"),
		FilterStrict:     viper.GetBool("filter-strict"),

		DefaultThreshold:           viper.GetInt("default-threshold"),
		DefaultSpontaneousCooldown: viper.GetInt("default-spontaneous-cooldown"),
		DefaultResponseCooldown:    viper.GetInt("default-response-cooldown"),
		DefaultContextLimit:        viper.GetInt("default-context-limit"),

		RetentionMessageDays:   viper.GetInt("retention-message-days"),
		RetentionMetricDays:    viper.GetInt("retention-metric-days"),
		CleanupIntervalMinutes: viper.GetInt("cleanup-interval-minutes"),

		TokenKey: viper.GetString("token-key"),

		ResetConfirmWindowSeconds: viper.GetInt("reset-confirm-window"),
		QueueDepth:                viper.GetInt("queue-depth"),

		OpsAddr: viper.GetString("ops-addr"),

		LogLevel:  viper.GetString("log-level"),
		LogFormat: viper.GetString("log-format"),
	}
}

// splitList parses a comma-separated value into trimmed lowercase entries.
func splitList(value string) []string {
	var list []string
	for _, item := range strings.Split(value, ",") {
		item = strings.ToLower(strings.TrimSpace(item))
		if item != "" {
			list = append(list, item)
		}
	}
	return list
}

func setupLogger(level, format string) {
	var slogLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		slogLevel = slog.LevelDebug
	case "warn":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: slogLevel}
	var handler slog.Handler
	if strings.ToLower(format) == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func init() {
	viper.SetDefault("mode", "dev")
	viper.SetDefault("driver", "sqlite")
	viper.SetDefault("data", ".")
	viper.SetDefault("ollama-url", "http://localhost:11434")
	viper.SetDefault("ollama-timeout-seconds", 30)
	viper.SetDefault("filter-enabled", true)
	viper.SetDefault("default-threshold", 25)
	viper.SetDefault("default-spontaneous-cooldown", 300)
	viper.SetDefault("default-response-cooldown", 60)
	viper.SetDefault("default-context-limit", 100)
	viper.SetDefault("retention-message-days", 7)
	viper.SetDefault("retention-metric-days", 30)
	viper.SetDefault("cleanup-interval-minutes", 60)
	viper.SetDefault("reset-confirm-window", 60)
	viper.SetDefault("queue-depth", 64)
	viper.SetDefault("ops-addr", ":9190")
	viper.SetDefault("log-level", "info")
	viper.SetDefault("log-format", "text")

	flags := rootCmd.PersistentFlags()
	flags.String("mode", "dev", `mode of the bot, can be "prod" or "dev" or "demo"`)
	flags.String("data", ".", "data directory for the embedded database")
	flags.String("driver", "sqlite", "database driver (sqlite, postgres)")
	flags.String("dsn", "", "database source name (aka. DSN)")
	flags.String("bot-username", "", "Twitch login name of the bot account")
	flags.String("twitch-client-id", "", "Twitch application client id used for token refresh")
	flags.String("twitch-secret", "", "Twitch application client secret used for token refresh")
	flags.String("channels", "", "comma-separated list of channels to join")
	flags.String("known-bots", "", "comma-separated list of bot accounts to ignore")
	flags.String("ollama-url", "http://localhost:11434", "base URL of the Ollama backend")
	flags.String("ollama-model", "", "default generation model, must exist in the Ollama catalog")
	flags.Int("ollama-timeout-seconds", 30, "wall-clock deadline for generation requests")
	flags.Bool("filter-enabled", true, "enable the content filter")
	flags.String("blocked-words-file", "", "path to the blocked words list")
	flags.Bool("filter-strict", false, "also block substring matches of blocked terms")
	flags.Int("default-threshold", 25, "messages before a spontaneous generation may fire")
	flags.Int("default-spontaneous-cooldown", 300, "seconds of channel cooldown after a spontaneous message")
	flags.Int("default-response-cooldown", 60, "seconds of per-user cooldown after a mention response")
	flags.Int("default-context-limit", 100, "recent messages handed to the generator as context")
	flags.Int("retention-message-days", 7, "days to keep stored chat messages")
	flags.Int("retention-metric-days", 30, "days to keep performance metrics")
	flags.Int("cleanup-interval-minutes", 60, "minutes between retention cleanup runs")
	flags.String("token-key", "", "passphrase for encrypting stored tokens, required for postgres")
	flags.Int("reset-confirm-window", 60, "seconds a `reset` stays confirmable")
	flags.Int("queue-depth", 64, "per-channel event queue capacity")
	flags.String("ops-addr", ":9190", "listen address of the operational HTTP endpoint")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("log-format", "text", "log format (text, json)")

	for _, key := range []string{
		"mode", "data", "driver", "dsn",
		"bot-username", "twitch-client-id", "twitch-secret", "channels", "known-bots",
		"ollama-url", "ollama-model", "ollama-timeout-seconds",
		"filter-enabled", "blocked-words-file", "filter-strict",
		"default-threshold", "default-spontaneous-cooldown", "default-response-cooldown", "default-context-limit",
		"retention-message-days", "retention-metric-days", "cleanup-interval-minutes",
		"token-key", "reset-confirm-window", "queue-depth", "ops-addr",
		"log-level", "log-format",
	} {
		if err := viper.BindPFlag(key, flags.Lookup(key)); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("clank")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	authCmd.Flags().String("access-token", "", "OAuth access token for the bot account")
	authCmd.Flags().String("refresh-token", "", "OAuth refresh token for the bot account")
	authCmd.Flags().String("username", "", "bot login the token belongs to, defaults to --bot-username")
	authCmd.Flags().Int("expires-in", 0, "token lifetime in seconds as reported by Twitch")

	rootCmd.AddCommand(genkeyCmd, authCmd, versionCmd)
}

func printGreetings(profile *profile.Profile) {
	fmt.Printf("clank %s starting\n", version.String())
	fmt.Printf("Data directory: %s\n", profile.Data)
	fmt.Printf("Database driver: %s\n", profile.Driver)
	fmt.Printf("Mode: %s\n", profile.Mode)
	fmt.Printf("Channels: %s\n", strings.Join(profile.Channels, ", "))
	fmt.Printf("Model: %s\n", profile.OllamaModel)
	fmt.Printf("Ops endpoint: http://localhost%s\n", profile.OpsAddr)
}

// isRunningAsSystemdService detects if the process is running under systemd
func isRunningAsSystemdService() bool {
	// Check if invoked by systemd (environment variables set by systemd)
	return os.Getenv("INVOCATION_ID") != "" || os.Getenv("WATCHDOG_USEC") != ""
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
