package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/gregtusar/smacross/api"
	"github.com/gregtusar/smacross/internal/config"
	"github.com/gregtusar/smacross/pkg/position"
	"github.com/gregtusar/smacross/pkg/trader"
	"github.com/logrusorgru/aurora"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	cfgFile string
	cfg     *config.Config
	logger  *logrus.Logger
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "sma-trader",
		Short: "Moving-average crossover trading engine",
		Long: `Ingests prices, computes short and long simple moving averages, and opens or closes
simulated positions when the averages cross.`,
		SilenceUsage:      true,
		PersistentPreRunE: setup,
	}
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")

	var reportAsset string
	reportCmd := &cobra.Command{
		Use:   "report",
		Short: "Print the balance and one asset's trade state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReport(cmd.Context(), cmd.OutOrStdout(), reportAsset)
		},
	}
	reportCmd.Flags().StringVar(&reportAsset, "asset", "", "asset to report (default is the first configured asset)")

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Ingest, compute averages and run cycles on a schedule, and serve the report API",
			RunE:  func(cmd *cobra.Command, args []string) error { return runServe() },
		},
		&cobra.Command{
			Use:   "cycle",
			Short: "Run one evaluation cycle over all assets",
			RunE:  func(cmd *cobra.Command, args []string) error { return runCycle(cmd.Context(), cmd.OutOrStdout()) },
		},
		&cobra.Command{
			Use:   "sma",
			Short: "Compute and store the moving averages once",
			RunE:  func(cmd *cobra.Command, args []string) error { return runSMA(cmd.Context()) },
		},
		&cobra.Command{
			Use:   "ingest",
			Short: "Fetch current prices once and append them to the time-series store",
			RunE:  func(cmd *cobra.Command, args []string) error { return runIngest(cmd.Context()) },
		},
		reportCmd,
		&cobra.Command{
			Use:   "config",
			Short: "Print the effective configuration",
			RunE: func(cmd *cobra.Command, args []string) error {
				out, err := yaml.Marshal(cfg)
				if err != nil {
					return err
				}
				_, err = cmd.OutOrStdout().Write(out)
				return err
			},
		},
	)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setup(cmd *cobra.Command, args []string) error {
	logger = logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	var err error
	cfg, err = config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	level, err := logrus.ParseLevel(cfg.Logging.Level)
	if err != nil {
		logger.WithError(err).Error("Invalid log level, using INFO")
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if cfg.Logging.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	if cfg.Logging.File != "" {
		f, err := os.OpenFile(cfg.Logging.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		logger.SetOutput(io.MultiWriter(os.Stderr, f))
	}
	return nil
}

func runServe() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	jobs := []trader.Job{
		app.smaJob(cfg.Schedule.SMAInterval),
		app.coordinator.CycleJob(cfg.Schedule.CycleInterval),
	}
	if cfg.Feed.Mode == "poll" {
		job, err := app.ingestJob(cfg.Schedule.IngestInterval)
		if err != nil {
			return err
		}
		jobs = append(jobs, job)
	} else {
		if err := app.startStream(ctx); err != nil {
			return err
		}
	}

	scheduler := trader.NewScheduler(logger, jobs...)
	if err := scheduler.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	apiServer := api.NewServer(app.coordinator, logger, cfg.Server.Port)
	apiErr := make(chan error, 1)
	go func() { apiErr <- apiServer.Start(ctx) }()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("SMA trader is running. Press Ctrl+C to stop.")

	select {
	case sig := <-sigChan:
		logger.WithField("signal", sig.String()).Info("Received shutdown signal")
	case err := <-apiErr:
		logger.WithError(err).Error("API server stopped")
	}

	cancel()
	scheduler.Stop()
	if err := <-apiErr; err != nil && !errors.Is(err, context.Canceled) {
		logger.WithError(err).Warn("API server shutdown")
	}

	logger.Info("SMA trader stopped")
	return nil
}

func runCycle(ctx context.Context, out io.Writer) error {
	app, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	report, cycleErr := app.coordinator.RunCycle(ctx)
	for _, o := range report.Outcomes {
		line := fmt.Sprintf("%-10s %-14s %-6s", o.Asset, o.Signal, o.Action)
		switch {
		case o.Err != nil:
			fmt.Fprintf(out, "%s %s\n", line, aurora.Red(o.Err.Error()))
		case o.Action == position.ActionClose:
			fmt.Fprintf(out, "%s pnl %s\n", line, colorPnL(o.PnL.String(), o.PnL.IsNegative()))
		case o.Reason != "":
			fmt.Fprintf(out, "%s %s\n", line, aurora.Faint(o.Reason))
		default:
			fmt.Fprintln(out, line)
		}
	}
	fmt.Fprintf(out, "balance %s\n", aurora.Bold(aurora.Green(report.Balance.Value.StringFixed(2))))
	return cycleErr
}

func runSMA(ctx context.Context) error {
	app, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	_, err = app.engine.Run(ctx)
	return err
}

func runIngest(ctx context.Context) error {
	app, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	job, err := app.ingestJob(cfg.Schedule.IngestInterval)
	if err != nil {
		return err
	}
	return job.Run(ctx)
}

func runReport(ctx context.Context, out io.Writer, asset string) error {
	app, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	if asset == "" {
		asset = cfg.Assets[0]
	}
	report, err := app.coordinator.Report(ctx, asset)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Balance: %s\n", aurora.Bold(aurora.Green(fmt.Sprintf("%s USD", report.Balance.Value.StringFixed(2)))))
	if report.TradeState.Holding {
		fmt.Fprintf(out, "%s: %s (entry cost %s USD)\n", asset, aurora.Bold(aurora.Yellow("HOLDING")), report.TradeState.EntryPrice.StringFixed(2))
	} else {
		fmt.Fprintf(out, "%s: %s\n", asset, aurora.Bold(aurora.Blue("FLAT")))
	}
	return nil
}

func colorPnL(s string, negative bool) aurora.Value {
	if negative {
		return aurora.Bold(aurora.Red(s))
	}
	return aurora.Bold(aurora.Green(s))
}
