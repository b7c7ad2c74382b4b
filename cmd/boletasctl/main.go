package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/aguarural/boletas/cmd/boletasctl/cli"
	"github.com/aguarural/boletas/internal/app"
	"github.com/aguarural/boletas/internal/billing"
	"github.com/aguarural/boletas/internal/platform/cache"
	"github.com/aguarural/boletas/internal/platform/db"
)

const usage = `usage: boletasctl <command> [flags]

commands:
  run        preview or persist a period in-process (--period YYYY-MM [--persist] [--individual] [--overwrite] [--json])
  enqueue    queue persist-mode generation on the worker (--period YYYY-MM [--overwrite])
  reconcile  queue payment reconciliation for a customer (--customer ID)
  queue      show default queue statistics
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)

	cmd, args := os.Args[1], os.Args[2:]
	switch cmd {
	case "run":
		os.Exit(runBilling(ctx, cfg, logger, args))
	case "enqueue", "reconcile", "queue":
		os.Exit(runJobs(ctx, cfg, cmd, args))
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
}

func runBilling(ctx context.Context, cfg *app.Config, logger *slog.Logger, args []string) int {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	opts := cli.RunOptions{}
	fs.StringVar(&opts.Period, "period", "", "billing period YYYY-MM")
	fs.BoolVar(&opts.Persist, "persist", false, "write bills instead of previewing")
	fs.BoolVar(&opts.Individual, "individual", false, "write each bill as soon as it is assembled")
	fs.BoolVar(&opts.Overwrite, "overwrite", false, "replace bills already issued for the period")
	fs.BoolVar(&opts.JSONOutput, "json", false, "print the run result as JSON")
	_ = fs.Parse(args)

	settings, err := cfg.BillingSettings()
	if err != nil {
		logger.Error("billing settings", slog.Any("error", err))
		return 1
	}
	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		return 1
	}
	defer pool.Close()

	var lock billing.Locker
	if opts.Persist {
		redisClient, err := cache.New(ctx, cfg.RedisAddr)
		if err != nil {
			logger.Error("connect redis", slog.Any("error", err))
			return 1
		}
		defer redisClient.Close()
		lock = cache.NewRunLock(redisClient, cfg.BillingRunLockTTL)
	}

	billingCLI, err := cli.NewBillingCLI(billing.NewService(billing.NewRepository(pool), lock, settings, logger))
	if err != nil {
		logger.Error("init billing cli", slog.Any("error", err))
		return 1
	}
	return billingCLI.RunCommand(ctx, opts)
}

func runJobs(ctx context.Context, cfg *app.Config, cmd string, args []string) int {
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	period := fs.String("period", "", "billing period YYYY-MM")
	overwrite := fs.Bool("overwrite", false, "replace bills already issued for the period")
	customer := fs.Int64("customer", 0, "customer id")
	_ = fs.Parse(args)

	jobsCLI := cli.NewJobsCLI(cfg.RedisAddr)
	defer jobsCLI.Close()

	switch cmd {
	case "enqueue":
		id, err := jobsCLI.EnqueueGenerate(ctx, *period, *overwrite)
		if err != nil {
			fmt.Fprintf(os.Stderr, "enqueue: %v\n", err)
			return 1
		}
		fmt.Printf("queued %s\n", id)
	case "reconcile":
		id, err := jobsCLI.EnqueueReconcile(ctx, *customer)
		if err != nil {
			fmt.Fprintf(os.Stderr, "reconcile: %v\n", err)
			return 1
		}
		fmt.Printf("queued %s\n", id)
	case "queue":
		stats, err := jobsCLI.InspectQueue(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "queue: %v\n", err)
			return 1
		}
		fmt.Printf("%s pending=%d active=%d scheduled=%d retry=%d archived=%d\n",
			stats.Queue, stats.Pending, stats.Active, stats.Scheduled, stats.Retry, stats.Archived)
	}
	return 0
}
