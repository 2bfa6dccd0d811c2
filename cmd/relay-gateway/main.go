// Command relay-gateway serves Anthropic, OpenAI and Gemini compatible APIs
// on top of a pool of backend accounts.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/compresr/relay-gateway/internal/config"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

type rootFlags struct {
	configPath string
	debug      bool
}

func main() {
	flags := &rootFlags{}
	root := newRootCommand(flags)
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand(flags *rootFlags) *cobra.Command {
	root := &cobra.Command{
		Use:           "relay-gateway",
		Short:         "Multi-account relay for Claude, OpenAI and Gemini compatible clients.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), flags)
		},
	}
	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "config file (default "+config.DefaultPath()+")")
	root.PersistentFlags().BoolVarP(&flags.debug, "debug", "d", false, "enable debug logging")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Start the gateway (default)",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runServe(cmd.Context(), flags)
			},
		},
		newAccountsCommand(flags),
		&cobra.Command{
			Use:   "version",
			Short: "Print the version",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "relay-gateway %s\n", version)
			},
		},
	)
	return root
}

// loadConfig loads .env files, the config file, and configures logging.
func loadConfig(flags *rootFlags) (*config.Config, error) {
	loadDotEnv(flags.configPath)
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, err
	}
	setupLogging(cfg.Monitoring.LogLevel, flags.debug)
	return cfg, nil
}

// loadDotEnv loads .env from the working directory, then from the config dir.
// Variables already set win.
func loadDotEnv(configPath string) {
	if configPath == "" {
		configPath = config.DefaultPath()
	}
	for _, path := range []string{".env", filepath.Join(filepath.Dir(configPath), ".env")} {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to load %s: %v\n", path, err)
		}
	}
}

func setupLogging(level string, debug bool) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	if debug {
		lvl = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(lvl)

	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly})
		return
	}
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
}
