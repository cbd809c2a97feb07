package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"modelhub/internal/config"
)

// cliFlags holds flag values that override the config file when set.
type cliFlags struct {
	configPath  string
	addr        string
	logLevel    string
	capacity    string
	headroom    string
	defaultMode string
	statsPath   string
	corsEnabled bool
	corsOrigins []string
	noDocker    bool
}

func defaultConfigPath() string {
	if v := os.Getenv("MODELHUB_CONFIG"); v != "" {
		return v
	}
	return "modelhub.yaml"
}

// buildRootCmd constructs the command tree. Actions go through the fn*
// variables so tests can stub them.
func buildRootCmd() *cobra.Command {
	f := &cliFlags{}
	root := &cobra.Command{
		Use:           "modelhub",
		Short:         "Route inference across models sharing one GPU memory budget",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&f.configPath, "config", "c", defaultConfigPath(), "Config file (.yaml, .json or .toml); defaults to MODELHUB_CONFIG")
	root.PersistentFlags().StringVar(&f.logLevel, "log-level", "", "Log level: debug|info|warn|error (overrides config)")

	serve := &cobra.Command{
		Use:     "serve",
		Short:   "Start the control API",
		Example: "  modelhub serve -c modelhub.yaml --addr :8080",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, f)
			if err != nil {
				return err
			}
			return fnServe(cmd.Context(), cfg, f.noDocker)
		},
	}
	serve.Flags().StringVar(&f.addr, "addr", "", "HTTP listen address, e.g. :8080")
	serve.Flags().StringVar(&f.capacity, "capacity", "", "GPU memory capacity, e.g. 24GiB")
	serve.Flags().StringVar(&f.headroom, "headroom", "", "Memory kept free, e.g. 1GiB")
	serve.Flags().StringVar(&f.defaultMode, "default-mode", "", "Mode applied at startup")
	serve.Flags().StringVar(&f.statsPath, "stats-path", "", "SQLite file for usage stats (empty disables)")
	serve.Flags().BoolVar(&f.corsEnabled, "cors-enabled", false, "Enable CORS")
	serve.Flags().StringSliceVar(&f.corsOrigins, "cors-origins", nil, "Comma separated allowed origins")
	serve.Flags().BoolVar(&f.noDocker, "no-docker", false, "Do not inspect containers through the docker daemon")

	validate := &cobra.Command{
		Use:   "validate",
		Short: "Check the config file and catalog without starting",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, f)
			if err != nil {
				return err
			}
			warnings, err := fnValidate(cfg)
			if err != nil {
				return err
			}
			for _, w := range warnings {
				fmt.Fprintf(cmd.OutOrStdout(), "warning: %s\n", w)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config ok: %d models, %d modes, capacity %s, headroom %s\n",
				len(cfg.Models), len(cfg.Modes), cfg.Capacity, cfg.Headroom)
			return nil
		},
	}

	root.AddCommand(serve, validate)
	return root
}

// loadConfig reads the file, applies flags the user set explicitly, then
// fills defaults.
func loadConfig(cmd *cobra.Command, f *cliFlags) (config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return cfg, err
	}
	flags := cmd.Flags()
	if flags.Changed("addr") {
		cfg.Addr = f.addr
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = f.logLevel
	}
	if flags.Changed("capacity") {
		if err := cfg.Capacity.UnmarshalText([]byte(f.capacity)); err != nil {
			return cfg, fmt.Errorf("--capacity: %w", err)
		}
	}
	if flags.Changed("headroom") {
		if err := cfg.Headroom.UnmarshalText([]byte(f.headroom)); err != nil {
			return cfg, fmt.Errorf("--headroom: %w", err)
		}
	}
	if flags.Changed("default-mode") {
		cfg.DefaultMode = f.defaultMode
	}
	if flags.Changed("stats-path") {
		cfg.StatsPath = f.statsPath
	}
	if flags.Changed("cors-enabled") {
		cfg.CORS.Enabled = f.corsEnabled
	}
	if flags.Changed("cors-origins") {
		cfg.CORS.AllowedOrigins = f.corsOrigins
	}
	cfg.ApplyDefaults()
	return cfg, nil
}
