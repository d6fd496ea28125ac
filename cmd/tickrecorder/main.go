package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gw/quantnest-sync/internal/bus"
	"github.com/gw/quantnest-sync/internal/collector"
	"github.com/gw/quantnest-sync/internal/config"
	"github.com/gw/quantnest-sync/internal/marketfeed"
	"github.com/gw/quantnest-sync/internal/papertrade"
	"github.com/gw/quantnest-sync/internal/quotes"
	"golang.org/x/sync/errgroup"
)

func main() {
	output := flag.String("output", "", "output directory for JSONL files")
	symbols := flag.String("symbols", "", "comma-separated symbols to record (default from config)")
	interval := flag.Duration("interval", time.Second, "board snapshot interval")
	raw := flag.Bool("raw", false, "keep the raw tick payload in each record")
	maxBytes := flag.Int64("max-bytes", 256<<20, "start a new part file past this size (0 = unlimited)")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	// Logging
	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	// Load config
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}
	if err := cfg.RequireToken(); err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	// CLI overrides
	if *output != "" {
		cfg.OutputDir = *output
	}
	if *symbols != "" {
		cfg.Symbols = config.SplitSymbols(*symbols)
	}
	if len(cfg.Symbols) == 0 {
		slog.Error("no symbols to record; pass -symbols or set QUANTNEST_SYMBOLS")
		os.Exit(1)
	}

	slog.Info("tick recorder starting",
		"ws", cfg.WSBaseURL(),
		"symbols", cfg.Symbols,
		"output", cfg.OutputDir,
	)

	client, err := papertrade.NewClient(cfg)
	if err != nil {
		slog.Error("paper client init failed", "err", err)
		os.Exit(1)
	}

	// Context with graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	events := bus.New()
	defer events.Close()

	board := quotes.NewBoard(client)
	feed := marketfeed.New(marketfeed.Options{
		URL:          cfg.WSBaseURL(),
		Token:        cfg.AccessToken,
		Exchange:     cfg.Exchange,
		Symbols:      cfg.Symbols,
		MinBackoff:   cfg.ReconnectMin,
		MaxBackoff:   cfg.ReconnectMax,
		DegradeAfter: cfg.DegradeAfter,
		Bus:          events,
	})

	loc := time.UTC
	if cfg.Exchange == "NSE" || cfg.Exchange == "BSE" {
		loc = collector.IST
	}
	writer, err := collector.NewWriter(collector.WriterOptions{
		Dir:      cfg.OutputDir,
		Prefix:   "ticks",
		Location: loc,
		MaxBytes: *maxBytes,
	})
	if err != nil {
		slog.Error("writer init failed", "err", err)
		os.Exit(1)
	}
	defer writer.Close()

	// Subscribe before the feed starts so the first ticks are kept.
	boardSub := events.Subscribe(256, bus.Kinds(bus.KindTick))
	recordSub := events.Subscribe(1024, bus.Kinds(bus.KindTick, bus.KindConnection))
	rec := collector.NewRecorder(recordSub, board, writer, *interval, *raw)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return feed.Run(gctx) })
	g.Go(func() error { return board.Run(gctx, boardSub) })
	g.Go(func() error { return rec.Run(gctx) })

	waitForFeed(gctx, feed)

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		slog.Error("recorder error", "err", err)
		os.Exit(1)
	}

	slog.Info("recorder stopped", "records", writer.Records(), "dropped", events.Dropped())
}

func waitForFeed(ctx context.Context, feed *marketfeed.Feed) {
	deadline := time.After(10 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline:
			slog.Warn("timed out waiting for market feed", "state", feed.State().String())
			return
		case <-tick.C:
			if feed.Connected() {
				slog.Info("market feed connected", "symbols", len(feed.Symbols()))
				return
			}
		}
	}
}
