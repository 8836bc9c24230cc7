// Command reaper cancels abandoned purchases once and exits.
//
// Usage:
//
//	go run ./cmd/reaper                       # Cancel stale transactions
//	go run ./cmd/reaper --dry-run             # Report what would be cancelled
//	go run ./cmd/reaper --pending-timeout=45m --limit=100
//
// It reads the same environment as the server: DATABASE_URL is required, and
// PENDING_TIMEOUT, PROCESSING_TIMEOUT and REFUND_ITEM_POLICY set the flag
// defaults. Exit status is 0 on success and 1 if the sweep could not run or
// any cancellation failed.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/accountbazaar/escrowd/internal/chatgate"
	"github.com/accountbazaar/escrowd/internal/config"
	"github.com/accountbazaar/escrowd/internal/logging"
	"github.com/accountbazaar/escrowd/internal/reaper"
	"github.com/accountbazaar/escrowd/internal/server"
	"github.com/accountbazaar/escrowd/internal/trade"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Read()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return 1
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	opts, policy, err := parseFlags(cfg, os.Args[1:], os.Stderr)
	if err != nil {
		logger.Error("invalid arguments", "error", err)
		return 1
	}
	if cfg.DatabaseURL == "" {
		logger.Error("DATABASE_URL environment variable is required")
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := server.OpenDB(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("database unavailable", "error", err)
		return 1
	}
	defer func() { _ = db.Close() }()

	sm := trade.NewStateMachine(policy)
	sm.Observe(trade.Notifier{})
	sm.Observe(chatgate.Observer{})

	report, err := reaper.New(trade.NewPostgresStore(db), sm, logger).Sweep(ctx, opts)
	if err != nil {
		logger.Error("sweep failed", "error", err)
		return 1
	}

	verb := "cancelled"
	if report.DryRun {
		verb = "would cancel"
	}
	fmt.Printf("%s %d transaction(s); skipped %d, failed %d\n", verb, report.Affected(), report.Skipped, report.Failed)
	if report.Failed > 0 {
		return 1
	}
	return 0
}

// parseFlags reads the sweep options. Defaults come from cfg so a scheduled
// run and the server's reaper timer agree unless a flag overrides them.
func parseFlags(cfg *config.Config, args []string, output io.Writer) (reaper.Options, trade.RefundItemPolicy, error) {
	fs := flag.NewFlagSet("reaper", flag.ContinueOnError)
	fs.SetOutput(output)

	var opts reaper.Options
	fs.BoolVar(&opts.DryRun, "dry-run", false, "report candidates without cancelling")
	fs.DurationVar(&opts.PendingTimeout, "pending-timeout", orDefault(cfg.PendingTimeout, reaper.DefaultPendingTimeout), "age after which an unpaid purchase is cancelled")
	fs.DurationVar(&opts.ProcessingTimeout, "processing-timeout", orDefault(cfg.ProcessingTimeout, reaper.DefaultProcessingTimeout), "age after which an unfunded processing transaction is cancelled")
	fs.IntVar(&opts.Limit, "limit", reaper.DefaultLimit, "maximum transactions examined per status")
	policy := fs.String("refund-item-policy", orDefault(cfg.RefundItemPolicy, string(trade.RefundRelist)), "item handling on refund (relist or remove)")
	if err := fs.Parse(args); err != nil {
		return reaper.Options{}, "", err
	}

	if opts.PendingTimeout <= 0 || opts.ProcessingTimeout <= 0 {
		return reaper.Options{}, "", fmt.Errorf("timeouts must be positive")
	}
	if opts.Limit <= 0 {
		return reaper.Options{}, "", fmt.Errorf("limit must be positive")
	}
	p := trade.RefundItemPolicy(*policy)
	if !p.Valid() {
		return reaper.Options{}, "", fmt.Errorf("refund item policy must be relist or remove, got %q", *policy)
	}
	return opts, p, nil
}

func orDefault[T comparable](v, fallback T) T {
	var zero T
	if v == zero {
		return fallback
	}
	return v
}
