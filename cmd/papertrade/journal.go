package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/gw/quantnest-sync/internal/config"
	"github.com/gw/quantnest-sync/internal/papertrade"
	"github.com/gw/quantnest-sync/internal/tradelog"
)

func openJournal(cfg *config.Config) *tradelog.Store {
	store, err := tradelog.Open(cfg.DBPath)
	if err != nil {
		slog.Error("opening db", "err", err)
		os.Exit(1)
	}
	return store
}

func limitArg(args []string) int {
	limit := 50
	if len(args) > 0 {
		if n, err := strconv.Atoi(args[0]); err == nil && n > 0 {
			limit = n
		}
	}
	return limit
}

func runSync(args []string) {
	fs, debug := newFlags("sync")
	fs.Parse(args)
	setupLogging(*debug)

	cfg := loadConfig(true)
	client, err := papertrade.NewClient(cfg)
	if err != nil {
		slog.Error("paper client init", "err", err)
		os.Exit(1)
	}

	store := openJournal(cfg)
	defer store.Close()

	ctx, cancel := signalContext()
	defer cancel()
	if err := tradelog.Sync(ctx, client, store); err != nil {
		slog.Error("sync failed", "err", err)
		os.Exit(1)
	}

	fmt.Println("Sync complete.")
}

func runOrders(args []string) {
	fs, debug := newFlags("orders")
	fs.Parse(args)
	setupLogging(*debug)

	store := openJournal(loadConfig(false))
	defer store.Close()

	rows, err := store.RecentOrders(context.Background(), limitArg(fs.Args()))
	if err != nil {
		slog.Error("query failed", "err", err)
		os.Exit(1)
	}
	if len(rows) == 0 {
		fmt.Println("No orders. Run 'papertrade sync' first.")
		return
	}

	fmt.Printf("%-20s %8s %-12s %-5s %6s %6s %-7s %10s %10s %-9s %-5s\n",
		"Time", "ID", "Symbol", "Side", "Qty", "Filled", "Type", "Price", "AvgFill", "Status", "Tag")
	fmt.Println("----------------------------------------------------------------------------------------------------------")
	for _, o := range rows {
		fmt.Printf("%-20s %8d %-12s %-5s %6d %6d %-7s %10s %10s %-9s %-5s\n",
			o.CreatedTime.Local().Format("2006-01-02 15:04:05"),
			o.OrderID,
			o.Symbol,
			o.Side,
			o.Qty,
			o.FilledQty,
			o.OrderType,
			nullFixed(o.Price),
			nullFixed(o.AvgFillPrice),
			o.Status,
			o.OrderTag,
		)
	}
}

func runTrades(args []string) {
	fs, debug := newFlags("trades")
	fs.Parse(args)
	setupLogging(*debug)

	store := openJournal(loadConfig(false))
	defer store.Close()

	fills, err := store.RecentTrades(context.Background(), limitArg(fs.Args()))
	if err != nil {
		slog.Error("query failed", "err", err)
		os.Exit(1)
	}
	if len(fills) == 0 {
		fmt.Println("No trades. Run 'papertrade sync' first.")
		return
	}

	fmt.Printf("%-20s %8s %-12s %-5s %6s %12s\n", "Time", "Order", "Symbol", "Side", "Qty", "Price")
	fmt.Println("---------------------------------------------------------------------")
	for _, f := range fills {
		fmt.Printf("%-20s %8d %-12s %-5s %6d %12s\n",
			f.CreatedTime.Local().Format("2006-01-02 15:04:05"),
			f.OrderID,
			f.Symbol,
			f.Side,
			f.Qty,
			f.Price.StringFixed(2),
		)
	}
}

func runPositions(args []string) {
	fs, debug := newFlags("positions")
	openOnly := fs.Bool("open", false, "only non-flat positions")
	fs.Parse(args)
	setupLogging(*debug)

	store := openJournal(loadConfig(false))
	defer store.Close()

	rows, err := store.GetPositions(context.Background(), *openOnly)
	if err != nil {
		slog.Error("query failed", "err", err)
		os.Exit(1)
	}
	if len(rows) == 0 {
		if *openOnly {
			fmt.Println("No open positions.")
		} else {
			fmt.Println("No positions. Run 'papertrade sync' first.")
		}
		return
	}

	fmt.Printf("%8s %-12s %6s %12s %12s %12s %10s %10s\n",
		"ID", "Symbol", "Qty", "AvgPrice", "Realized", "Unrealized", "SL", "TP")
	fmt.Println("---------------------------------------------------------------------------------------------")
	for _, p := range rows {
		fmt.Printf("%8d %-12s %6d %12s %12s %12s %10s %10s\n",
			p.PositionID,
			p.Symbol,
			p.Qty,
			p.AvgPrice.StringFixed(2),
			rupees(p.RealizedPnL),
			rupees(p.UnrealizedPnL),
			nullFixed(p.SLPrice),
			nullFixed(p.TPPrice),
		)
	}
}

func runSummary(args []string) {
	fs, debug := newFlags("summary")
	fs.Parse(args)
	setupLogging(*debug)

	store := openJournal(loadConfig(false))
	defer store.Close()

	ctx := context.Background()
	symbols, err := store.GetSymbolSummary(ctx)
	if err != nil {
		slog.Error("query failed", "err", err)
		os.Exit(1)
	}
	days, err := store.GetDailyTurnover(ctx)
	if err != nil {
		slog.Error("query failed", "err", err)
		os.Exit(1)
	}
	if len(symbols) == 0 {
		fmt.Println("No trades. Run 'papertrade sync' first.")
		return
	}

	fmt.Printf("%-12s %8s %8s %14s %6s\n", "Symbol", "Bought", "Sold", "CashFlow", "Trades")
	fmt.Println("--------------------------------------------------")
	for _, s := range symbols {
		fmt.Printf("%-12s %8d %8d %14.2f %6d\n", s.Symbol, s.Bought, s.Sold, s.CashFlow, s.Trades)
	}

	fmt.Println()
	fmt.Printf("%-12s %14s %8s %6s\n", "Date", "Turnover", "Volume", "Trades")
	fmt.Println("------------------------------------------")
	var total float64
	var totalTrades int
	for _, d := range days {
		fmt.Printf("%-12s %14.2f %8d %6d\n", d.Date, d.Turnover, d.Volume, d.Trades)
		total += d.Turnover
		totalTrades += d.Trades
	}
	fmt.Println("------------------------------------------")
	fmt.Printf("%-12s %14.2f %8s %6d\n", "TOTAL", total, "", totalTrades)
}

func runHistory(args []string) {
	fs, debug := newFlags("history")
	fs.Parse(args)
	setupLogging(*debug)
	id := argID(fs, "order")

	store := openJournal(loadConfig(false))
	defer store.Close()

	entries, err := store.AuditTrail(context.Background(), id)
	if err != nil {
		slog.Error("query failed", "err", err)
		os.Exit(1)
	}
	if len(entries) == 0 {
		fmt.Printf("No journaled audit entries for order #%d.\n", id)
		return
	}
	for _, e := range entries {
		fmt.Printf("%-20s %-16s %s\n", e.LoggedTime.Local().Format("2006-01-02 15:04:05"), e.Action, e.Details)
	}
}
