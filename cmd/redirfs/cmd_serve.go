package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jingkaihe/redirfs/internal/errx"
	"github.com/jingkaihe/redirfs/pkg/api"
	"github.com/jingkaihe/redirfs/pkg/daemon"
	"github.com/jingkaihe/redirfs/pkg/filters/audit"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Build the filtered namespace and serve it",
	Long: `Build the namespace described by the config file, register its filters,
bind their paths and serve the control socket. The namespace is exposed on a
FUSE mountpoint and metrics on an HTTP endpoint when configured.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringP("config", "c", "", "Config file (YAML or JSON)")
	serveCmd.Flags().String("hook-mode", "", "Table rewriting mode: default, per-object or shared")
	serveCmd.Flags().String("fuse-mount", "", "Expose the namespace on this directory")
	serveCmd.Flags().String("metrics-listen", "", "Serve Prometheus metrics on this address")
	serveCmd.Flags().String("log-level", "", "Log level: debug, info, warn or error")
	serveCmd.Flags().String("log-format", "", "Log format: text or json")

	viper.BindPFlag("hook_mode", serveCmd.Flags().Lookup("hook-mode"))
	viper.BindPFlag("fuse.mountpoint", serveCmd.Flags().Lookup("fuse-mount"))
	viper.BindPFlag("metrics.listen", serveCmd.Flags().Lookup("metrics-listen"))
	viper.BindPFlag("logging.level", serveCmd.Flags().Lookup("log-level"))
	viper.BindPFlag("logging.format", serveCmd.Flags().Lookup("log-format"))

	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := loadConfig(path)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	d, err := daemon.New(cfg, logger)
	if err != nil {
		return errx.Wrap(ErrStartDaemon, err)
	}
	defer d.Close()

	if err := d.Start(ctx); err != nil {
		return errx.Wrap(ErrStartDaemon, err)
	}
	logger.Info("redirfs serving", "hook_mode", d.Engine().HookMode().String(), "filters", len(d.Engine().Filters()))

	d.Wait(ctx)
	logger.Info("shutting down")
	return nil
}

// loadConfig reads path, if any, and overlays flags and REDIRFS_* variables.
func loadConfig(path string) (*api.Config, error) {
	if path != "" {
		viper.SetConfigFile(path)
		if err := viper.ReadInConfig(); err != nil {
			return nil, errx.Wrap(api.ErrReadConfig, err)
		}
	}

	cfg := api.DefaultConfig()
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, errx.Wrap(ErrLoadConfig, err)
	}
	if cfg.Backing.Type == "" {
		cfg.Backing.Type = "memory"
	}
	if err := cfg.Validate(); err != nil {
		return nil, errx.Wrap(ErrLoadConfig, err)
	}
	return cfg, nil
}

func newLogger(lc api.LoggingConfig) (*slog.Logger, error) {
	level, err := audit.ParseLevel(lc.Level)
	if err != nil {
		return nil, errx.Wrap(ErrLoadConfig, err)
	}
	opts := &slog.HandlerOptions{Level: level}
	if lc.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
}
