package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"globalconf/pkg/anchor"
	"globalconf/pkg/client"
	"globalconf/pkg/config"
	"globalconf/pkg/download"
	"globalconf/pkg/health"
)

var (
	configFile string
	verbose    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "globalconf",
		Short: "Global configuration client",
		Long: `Downloads signed global configuration from the mirrors named by the
configuration anchor, verifies it and keeps a local configuration directory
up to date for readers.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")

	rootCmd.AddCommand(
		runCmd(),
		downloadCmd(),
		anchorCmd(),
		statusCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Keep the configuration directory up to date",
		Long: `Refresh the configuration directory every refresh interval until
interrupted. Health is served over gRPC and HTTP, metrics over HTTP.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			registry := prometheus.NewRegistry()
			registry.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)
			monitor := health.NewMonitor(logger)

			c, err := client.New(cfg,
				client.WithLogger(logger),
				client.WithMetrics(download.NewMetrics(registry)),
				client.WithMonitor(monitor))
			if err != nil {
				return err
			}

			metricsServer := health.StartMetricsServer(cfg.MetricsAddress, monitor, registry, logger)
			healthServer, healthAddr, err := health.StartGRPCServer(cfg.HealthAddress, monitor, logger)
			if err != nil {
				metricsServer.Close()
				return fmt.Errorf("failed to start health server: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger.Info("Starting configuration client",
				zap.String("anchor", cfg.AnchorPath),
				zap.String("configuration_dir", cfg.ConfigurationDir),
				zap.Duration("refresh_interval", cfg.RefreshInterval),
				zap.Stringer("health_address", healthAddr))

			runErr := c.Run(ctx)

			logger.Info("Shutting down configuration client")
			monitor.Shutdown()
			healthServer.GracefulStop()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := metricsServer.Shutdown(shutdownCtx); err != nil {
				logger.Warn("Metrics server shutdown failed", zap.Error(err))
			}
			return runErr
		},
	}
}

func downloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "download",
		Short: "Refresh the configuration directory once",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			c, err := client.New(cfg, client.WithLogger(logger))
			if err != nil {
				return err
			}

			report, err := c.Refresh(cmd.Context())
			if report != nil {
				printReport(report)
			}
			return err
		},
	}
}

func anchorCmd() *cobra.Command {
	var version int

	cmd := &cobra.Command{
		Use:   "anchor [path]",
		Short: "Validate and print a configuration anchor",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			} else {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				path = cfg.AnchorPath
			}

			var (
				a   *anchor.Anchor
				err error
			)
			switch version {
			case 0:
				a, err = anchor.Load(path)
			case anchor.Version1:
				a, err = anchor.LoadV1(path)
			case anchor.Version2:
				a, err = anchor.LoadV2(path)
			default:
				return fmt.Errorf("unsupported anchor version %d", version)
			}
			if err != nil {
				return err
			}

			printAnchor(path, a)
			return nil
		},
	}

	cmd.Flags().IntVar(&version, "anchor-version", 0, "read the anchor as this version (default: detect)")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the state of the configuration directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			status, err := collectStatus(cfg, time.Now())
			if err != nil {
				return err
			}
			printStatus(status)
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("Global Configuration Client v0.1.0")
		},
	}
}

func setupLogger(verbose bool) *zap.Logger {
	config := zap.NewProductionConfig()
	if verbose {
		config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else {
		config.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}

	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, _ := config.Build()
	return logger
}
