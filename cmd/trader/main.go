// Command trader runs the autonomous trading core: analyst pipeline,
// risk sentinel, executor and scheduler under one process.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/southquant/tradecore/internal/config"
	"github.com/southquant/tradecore/internal/core"
)

const (
	exitOK      = 0
	exitConfig  = 1
	exitRuntime = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	var configPath string
	exit := exitOK

	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the trading core and run until SIGINT/SIGTERM",
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := start(configPath)
			exit = code
			return err
		},
	}

	rootCmd := &cobra.Command{
		Use:           "trader",
		Short:         "Autonomous cryptocurrency trading core",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          startCmd.RunE,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")
	rootCmd.AddCommand(startCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "trader:", err)
		if exit == exitOK {
			exit = exitConfig
		}
	}
	return exit
}

func start(configPath string) (int, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return exitConfig, err
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return exitConfig, err
	}

	config.InitLogger(cfg.App.LogLevel, cfg.App.LogFormat)
	log := config.NewLogger("trader")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := core.New(ctx, cfg, config.NewLogger("core"))
	if err != nil {
		return exitRuntime, err
	}

	if cfg.Monitoring.EnableMetrics {
		go serveMetrics(cfg.Monitoring.PrometheusPort)
	}

	log.Info().
		Str("stage", cfg.Trading.Stage).
		Str("exchange", cfg.Exchange.Kind).
		Bool("simulation", cfg.Trading.SimulationMode).
		Msg("Trading core starting")

	if err := c.Run(ctx); err != nil {
		log.Error().Err(err).Msg("Trading core stopped fatally")
		return exitRuntime, err
	}
	log.Info().Msg("Trading core stopped")
	return exitOK, nil
}

// applyEnvOverrides maps the short operational environment variables
// onto the loaded config. They win over both file and defaults.
func applyEnvOverrides(cfg *config.Config) {
	if v := os.Getenv("STAGE"); v != "" {
		cfg.Trading.Stage = v
	}
	if v := os.Getenv("SIMULATION_MODE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Trading.SimulationMode = b
			if b && cfg.Exchange.Kind == "real" {
				cfg.Exchange.Kind = "simulation"
			}
		}
	}
	if v := os.Getenv("EXCHANGE"); v != "" {
		cfg.Exchange.Kind = v
	}
	if v := os.Getenv("CYCLE_INTERVAL_MINUTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Trading.CycleIntervalMinutes = n
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.App.LogLevel = v
	}
}

func serveMetrics(port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	addr := fmt.Sprintf(":%d", port)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger := config.NewLogger("metrics")
		logger.Error().Err(err).Str("addr", addr).Msg("Metrics server failed")
	}
}
