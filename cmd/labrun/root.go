package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/aretw0/labrun/internal/config"
	"github.com/aretw0/labrun/internal/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var rootCmd = &cobra.Command{
	Use:   "labrun",
	Short: "labrun coordinates laboratory protocol runs",
	Long: `labrun starts protocol runs on a remote execution backend or in-process,
follows their progress, and keeps a replayable audit trail of every operation.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	addConfigFlags(rootCmd.PersistentFlags())
}

func addConfigFlags(flags *pflag.FlagSet) {
	flags.String("config", "", "YAML configuration file")
	flags.String("env-file", ".env", "dotenv file with LABRUN_ variables")
	flags.StringArray("set", nil, "Override a setting, e.g. --set remote.timeout=5s (repeatable)")
	flags.String("log-level", "", "Log level: debug, info, warn, error")
	flags.String("log-format", "", "Log format: text or json")
	flags.String("mode", "", "Default execution mode: remote or local")
	flags.String("dir", "", "Directory containing local protocols")
	flags.String("store", "", "Run store: memory, file, redis or sql")
}

// loadConfig layers the configuration sources and then the flags of cmd.
func loadConfig(cmd *cobra.Command) (config.Config, *slog.Logger, error) {
	flags := cmd.Flags()
	file, _ := flags.GetString("config")
	envFile, _ := flags.GetString("env-file")

	cfg, err := config.Load(cmd.Context(), config.Options{File: file, EnvFile: envFile})
	if err != nil {
		return config.Config{}, nil, err
	}

	sets, _ := flags.GetStringArray("set")
	if err := cfg.Override(sets); err != nil {
		return config.Config{}, nil, err
	}

	for flag, target := range map[string]*string{
		"log-level":  &cfg.LogLevel,
		"log-format": &cfg.LogFormat,
		"mode":       &cfg.Mode,
		"dir":        &cfg.Local.ProtocolDir,
		"store":      &cfg.Store.Driver,
	} {
		if flags.Changed(flag) {
			*target, _ = flags.GetString(flag)
		}
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, nil, err
	}

	logger := logging.New(logging.ParseLevel(cfg.LogLevel), cfg.LogFormat)
	slog.SetDefault(logger)
	return cfg, logger, nil
}
