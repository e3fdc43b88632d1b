package cli

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/akmhq/akm/internal/config"
)

var (
	cfgFile    string
	envFile    string
	appVersion string // set in Execute, reported by serve and mcp

	// logLevel is shared by every logger the CLI builds so a config file
	// edit can change verbosity without a restart.
	logLevel = new(slog.LevelVar)
)

// Execute creates the root command tree and runs it.
func Execute(version, commit, date string) error {
	appVersion = version
	rootCmd := newRootCmd(version, commit, date)
	return rootCmd.Execute()
}

func newRootCmd(version, commit, date string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "akm",
		Short: "API key and session token manager",
		Long: `akm issues, validates, rotates and revokes API keys, and signs users in
with short-lived session tokens.

It serves a REST API for key management, guards a protected route prefix with
per-key permissions, IP and user-agent allowlists and rate limits, and keeps an
audit trail of every decision.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./akm.yaml)")
	cmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "data directory for the SQLite database (default: ~/.akm)")
	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the config")

	cobra.OnInitialize(initConfig)

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newVersionCmd(version, commit, date))
	cmd.AddCommand(newKeyCmd())
	cmd.AddCommand(newUserCmd())
	cmd.AddCommand(newSweepCmd())
	cmd.AddCommand(newConfigCmd())
	cmd.AddCommand(newMCPCmd())

	return cmd
}

func initConfig() {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			slog.Warn("could not load env file", "path", envFile, "error", err)
		}
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("akm")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.akm")
	}

	viper.SetEnvPrefix("AKM")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	config.SetDefaults(viper.GetViper())
	viper.ReadInConfig() // Ignore error - config file is optional

	applyLogLevel()
	if viper.ConfigFileUsed() != "" {
		viper.OnConfigChange(func(e fsnotify.Event) {
			if e.Has(fsnotify.Write) || e.Has(fsnotify.Create) {
				applyLogLevel()
			}
		})
		viper.WatchConfig()
	}
}

// applyLogLevel sets logLevel from log.level. An invalid value keeps the
// current level.
func applyLogLevel() {
	lvl, err := config.ParseLevel(viper.GetString("log.level"))
	if err != nil {
		slog.Warn("ignoring log level", "error", err)
		return
	}
	if lvl != logLevel.Level() {
		logLevel.Set(lvl)
		slog.Info("log level set", "level", lvl.String())
	}
}

// newLogger builds a logger on stderr honoring log.format and the shared
// level.
func newLogger(s *config.Settings) *slog.Logger {
	return config.NewLogger(os.Stderr, s.LogFormat, logLevel)
}
