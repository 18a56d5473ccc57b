// rm-etl pulls one day of per-listing metrics from the listings API and
// writes them as Parquet files under <data_dir>/raw.
//
// Usage:
//
//	rm-etl etl [--date YYYY-MM-DD] [--config path]
//	rm-etl version
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"rmcopilot/internal/config"
	"rmcopilot/internal/gather/wheelhouse"
	"rmcopilot/internal/metrics"
	"rmcopilot/internal/store"
	"rmcopilot/internal/util"
	api "rmcopilot/pkg/wheelhouse"
)

const version = "0.1.0"

// Exit codes.
const (
	exitOK    = 0
	exitError = 1
	exitUsage = 2
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr, time.Now)
	cancel()
	os.Exit(code)
}

func usage(w io.Writer) {
	fmt.Fprintf(w, "Usage: rm-etl <command> [options]\n\n")
	fmt.Fprintf(w, "Commands:\n")
	fmt.Fprintf(w, "  etl        Fetch one day of listing metrics and write Parquet files\n")
	fmt.Fprintf(w, "  version    Print the version\n")
	fmt.Fprintf(w, "\n")
}

// run dispatches a subcommand and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer, now util.Clock) int {
	if len(args) < 1 {
		usage(stderr)
		return exitUsage
	}

	switch args[0] {
	case "version":
		fmt.Fprintf(stdout, "rm-etl %s\n", version)
		return exitOK

	case "etl":
		return runETL(ctx, args[1:], stdout, stderr, now)

	case "-h", "--help", "help":
		usage(stdout)
		return exitOK

	default:
		fmt.Fprintf(stderr, "unknown command: %s\n\n", args[0])
		usage(stderr)
		return exitUsage
	}
}

func runETL(ctx context.Context, args []string, stdout, stderr io.Writer, now util.Clock) int {
	fs := flag.NewFlagSet("etl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	dateFlag := fs.String("date", "", "target date as YYYY-MM-DD (default: yesterday)")
	cfgFlag := fs.String("config", "", "path to YAML config (default: $RMCOPILOT_CONFIG or "+config.DefaultPath+")")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}

	// A malformed date is a usage error and is reported before anything
	// else is looked at.
	if *dateFlag != "" {
		if _, err := util.ParseDate(*dateFlag); err != nil {
			fmt.Fprintf(stderr, "Invalid date format: %s. Use YYYY-MM-DD.\n", *dateFlag)
			return exitUsage
		}
	}

	cfgPath := *cfgFlag
	if cfgPath == "" {
		cfgPath = os.Getenv("RMCOPILOT_CONFIG")
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}

	logger := util.NewLoggerTo(stderr, cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	loc, err := util.LoadLocation(cfg.ETL.Timezone)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}
	date, err := util.ResolveDate(*dateFlag, now, loc)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitUsage
	}

	m := metrics.New()
	client := api.NewClient(cfg.API.BaseURL,
		api.WithAPIKey(cfg.API.APIKey),
		api.WithTimeout(cfg.API.Timeout),
		api.WithRetry(cfg.API.MaxAttempts, cfg.API.BackoffBase),
		api.WithRateLimiter(util.NewRateLimiter(cfg.API.RateLimitPerMin)),
		api.WithObserver(m.Observer()),
		api.WithLogger(logger),
	)
	ps := store.NewParquetStore(cfg.Storage.DataDir)

	g := wheelhouse.NewMetricsGatherer(client, ps, date, stdout, m)
	runErr := g.Run(ctx)

	if cfg.Metrics.PushgatewayURL != "" {
		pushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		if err := m.Push(pushCtx, cfg.Metrics.PushgatewayURL, cfg.Metrics.Job); err != nil {
			slog.Warn("metrics push failed", "error", err)
		}
		cancel()
	}

	if runErr != nil {
		slog.Error("etl run failed", "run_id", g.RunID(), "date", date.Format(util.DateLayout), "error", runErr)
		fmt.Fprintf(stderr, "Error: %v\n", runErr)
		return exitError
	}
	return exitOK
}
