// Command inferd runs the encrypted multi-tenant inference server and its
// key management utilities.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"inferd/internal/config"
)

var version = "dev"

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	envFile    string
	logLevel   string
	logFormat  string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "inferd",
		Short:         "Encrypted multi-tenant inference server",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "path to config file (.yaml, .json or .toml)")
	root.PersistentFlags().StringVar(&g.envFile, "env-file", ".env", "dotenv file loaded before the environment overrides")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "log level: debug|info|warn|error (overrides config)")
	root.PersistentFlags().StringVar(&g.logFormat, "log-format", "", "log format: json|console (overrides config)")

	root.AddCommand(newServeCmd(g), newGenKeysCmd(g), newKeysCmd(g))
	return root
}

// load reads the configuration the way every subcommand needs it: file over
// defaults, then dotenv and environment overrides, then flag overrides.
func (g *globalFlags) load() (config.Config, zerolog.Logger, error) {
	cfg := config.Default()
	if g.configPath != "" {
		var err error
		if cfg, err = config.Load(g.configPath); err != nil {
			return cfg, zerolog.Nop(), fmt.Errorf("load config: %w", err)
		}
	}
	if err := config.LoadDotEnv(g.envFile); err != nil {
		return cfg, zerolog.Nop(), err
	}
	cfg.ApplyEnv(os.LookupEnv)
	if g.logLevel != "" {
		cfg.LogLevel = g.logLevel
	}
	if g.logFormat != "" {
		cfg.LogFormat = g.logFormat
	}
	log := newLogger(cfg.LogLevel, cfg.LogFormat)
	if err := cfg.ExpandPaths(); err != nil {
		return cfg, log, err
	}
	for _, w := range cfg.Normalize() {
		log.Warn().Msg(w)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, log, err
	}
	return cfg, log, nil
}

func newLogger(level, format string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	var log zerolog.Logger
	if format == "console" {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	} else {
		log = zerolog.New(os.Stderr)
	}
	return log.Level(lvl).With().Timestamp().Logger()
}

// splitCSV splits a comma separated flag value, dropping empty items.
func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
