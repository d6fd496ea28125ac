package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gw/quantnest-sync/internal/bus"
	"github.com/gw/quantnest-sync/internal/config"
	"github.com/gw/quantnest-sync/internal/orderentry"
	"github.com/gw/quantnest-sync/internal/papertrade"
	"github.com/gw/quantnest-sync/internal/terminal"
	"github.com/gw/quantnest-sync/internal/tradestate"
	"github.com/shopspring/decimal"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cmd, args := os.Args[1], os.Args[2:]

	switch cmd {
	case "watch":
		runWatch(args)
	case "place":
		runPlace(args)
	case "cancel":
		runCancel(args)
	case "modify":
		runModify(args)
	case "stops":
		runStops(args)
	case "book":
		runBook(args)
	case "audit":
		runAudit(args)
	case "account":
		runAccount(args)
	case "sync":
		runSync(args)
	case "orders":
		runOrders(args)
	case "trades":
		runTrades(args)
	case "positions":
		runPositions(args)
	case "summary":
		runSummary(args)
	case "history":
		runHistory(args)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `Usage: papertrade <command> [flags]

Live:
  watch         Stream ticks and keep orders/positions/trades in sync
  place         Place a simple, bracket or cover order
  cancel ID     Cancel an open order
  modify ID     Change price and/or qty of an open order
  stops ID      Set or clear a position's stop-loss / take-profit
  book SYMBOL   Show the order book
  audit         Show the audit log
  account       Show balance, equity and margin

Journal:
  sync          Fetch orders, positions, trades and audit log into sqlite
  orders [N]    Show last N journaled orders (default 50)
  trades [N]    Show last N journaled fills (default 50)
  positions     Show journaled positions (-open for non-flat only)
  summary       Show per-symbol and daily turnover
  history ID    Show the journaled audit trail of one order

Every command accepts -debug.`)
}

func newFlags(name string) (*flag.FlagSet, *bool) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	debug := fs.Bool("debug", false, "enable debug logging")
	return fs, debug
}

func setupLogging(debug bool) {
	logLevel := slog.LevelInfo
	if debug {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
}

func loadConfig(needToken bool) *config.Config {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}
	if needToken {
		if err := cfg.RequireToken(); err != nil {
			slog.Error("config error", "err", err)
			os.Exit(1)
		}
	}
	return cfg
}

// openStore builds a client-backed store for one-shot commands.
func openStore(cfg *config.Config) *tradestate.Store {
	client, err := papertrade.NewClient(cfg)
	if err != nil {
		slog.Error("paper client init", "err", err)
		os.Exit(1)
	}
	return tradestate.New(client, tradestate.Options{TradeCap: cfg.TradeCap})
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()
	return ctx, cancel
}

// fail prints the backend's message for err and exits.
func fail(what string, err error) {
	slog.Error(what, "kind", papertrade.KindOf(err).String(), "err", err)
	fmt.Fprintf(os.Stderr, "%s: %s\n", what, papertrade.DetailOf(err))
	os.Exit(1)
}

func argID(fs *flag.FlagSet, what string) int64 {
	if fs.NArg() < 1 {
		fmt.Fprintf(os.Stderr, "%s id required\n", what)
		os.Exit(1)
	}
	id, err := strconv.ParseInt(fs.Arg(0), 10, 64)
	if err != nil || id <= 0 {
		fmt.Fprintf(os.Stderr, "invalid %s id: %s\n", what, fs.Arg(0))
		os.Exit(1)
	}
	return id
}

// optAmount parses an optional price flag; empty means unset.
func optAmount(name, raw string) *papertrade.Amount {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid %s: %s\n", name, raw)
		os.Exit(1)
	}
	return papertrade.NewAmount(d)
}

func runWatch(args []string) {
	fs, debug := newFlags("watch")
	symbols := fs.String("symbols", "", "comma-separated symbols (default from config)")
	journal := fs.Bool("journal", false, "mirror refreshes into the sqlite journal")
	status := fs.String("status", "", "serve the status API on this address")
	fs.Parse(args)
	setupLogging(*debug)

	cfg := loadConfig(true)
	if *symbols != "" {
		cfg.Symbols = config.SplitSymbols(*symbols)
	}
	if *status != "" {
		cfg.StatusAddr = *status
	}

	term, err := terminal.New(cfg, terminal.Options{Journal: *journal, Status: cfg.StatusAddr != ""})
	if err != nil {
		slog.Error("terminal init failed", "err", err)
		os.Exit(1)
	}

	ctx, cancel := signalContext()
	defer cancel()

	events := term.Bus.Subscribe(512, nil)
	if err := term.Open(ctx); err != nil {
		slog.Error("terminal open failed", "err", err)
		os.Exit(1)
	}
	printSnapshot(term.Store.Snapshot())

	for {
		select {
		case <-ctx.Done():
			if err := term.Close(); err != nil {
				slog.Error("terminal close", "err", err)
			}
			slog.Info("watch stopped", "refetches", term.RefetchCount(), "dropped", term.Bus.Dropped())
			return
		case ev, ok := <-events.C:
			if !ok {
				return
			}
			switch ev.Kind {
			case bus.KindTick:
				fmt.Printf("%s %-12s %12s %10s %8s%%\n",
					ev.Tick.Timestamp.Local().Format("15:04:05"),
					ev.Symbol,
					ev.Tick.Price.StringFixed(2),
					ev.Tick.Change.StringFixed(2),
					ev.Tick.ChangePercent.StringFixed(2),
				)
			case bus.KindConnection:
				slog.Info("connection", "state", ev.State)
			case bus.KindRefreshed:
				printSnapshot(term.Store.Snapshot())
			}
		}
	}
}

func printSnapshot(s tradestate.Snapshot) {
	open := 0
	for i := range s.Orders {
		if s.Orders[i].Open() {
			open++
		}
	}
	slog.Info("state",
		"orders", len(s.Orders),
		"open", open,
		"positions", len(s.Positions),
		"trades", len(s.Trades),
		"refreshes", s.Refreshes,
	)
}

func runPlace(args []string) {
	fs, debug := newFlags("place")
	var in orderentry.Intent
	side := fs.String("side", "BUY", "BUY or SELL")
	orderType := fs.String("type", "MARKET", "MARKET, LIMIT, SL or SL-M")
	fs.StringVar(&in.Symbol, "symbol", "", "symbol, e.g. RELIANCE")
	fs.StringVar(&in.Qty, "qty", "", "quantity")
	fs.StringVar(&in.Price, "price", "", "limit or entry price")
	fs.StringVar(&in.TriggerPrice, "trigger", "", "trigger price for SL / SL-M")
	fs.StringVar(&in.TakeProfit, "tp", "", "bracket take-profit")
	fs.StringVar(&in.StopLoss, "sl", "", "bracket / cover stop-loss")
	fs.StringVar(&in.ProductType, "product", "", "product type, e.g. MIS or CNC")
	fs.BoolVar(&in.Bracket, "bracket", false, "place a bracket order")
	fs.BoolVar(&in.Cover, "cover", false, "place a cover order")
	fs.BoolVar(&in.ShortSell, "short", false, "short sell (forces SELL)")
	fs.BoolVar(&in.StopIsMarket, "slm", false, "bracket stop leg triggers a market order")
	fs.Parse(args)
	setupLogging(*debug)

	ot, ok := papertrade.ParseOrderType(*orderType)
	if !ok {
		fmt.Fprintf(os.Stderr, "invalid order type: %s\n", *orderType)
		os.Exit(1)
	}
	in.OrderType = ot
	in.Side = papertrade.Side(strings.ToUpper(*side))

	cfg := loadConfig(true)
	store := openStore(cfg)
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	res, err := orderentry.Submit(ctx, store, in)
	if err != nil {
		fail("order rejected", err)
	}
	fmt.Printf("Placed %s order #%d.\n", res.Kind, res.EntryID())
	switch {
	case res.Bracket != nil:
		fmt.Printf("  take-profit #%d, stop-loss #%d\n", res.Bracket.TPID, res.Bracket.SLID)
	case res.Cover != nil:
		fmt.Printf("  stop-loss #%d\n", res.Cover.SLChild)
	}
	printOrders(store.OpenOrders())
}

func runCancel(args []string) {
	fs, debug := newFlags("cancel")
	fs.Parse(args)
	setupLogging(*debug)
	id := argID(fs, "order")

	store := openStore(loadConfig(true))
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := store.CancelOrder(ctx, id); err != nil {
		fail("cancel failed", err)
	}
	fmt.Printf("Cancelled order #%d.\n", id)
}

func runModify(args []string) {
	fs, debug := newFlags("modify")
	price := fs.String("price", "", "new price")
	qty := fs.Int("qty", 0, "new quantity")
	fs.Parse(args)
	setupLogging(*debug)
	id := argID(fs, "order")

	patch := papertrade.OrderPatch{Price: optAmount("price", *price)}
	if *qty > 0 {
		patch.Qty = qty
	}
	if patch.Price == nil && patch.Qty == nil {
		fmt.Fprintln(os.Stderr, "nothing to modify: pass -price and/or -qty")
		os.Exit(1)
	}

	store := openStore(loadConfig(true))
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	o, err := store.ModifyOrder(ctx, id, patch)
	if err != nil {
		fail("modify failed", err)
	}
	printOrders([]papertrade.Order{*o})
}

func runStops(args []string) {
	fs, debug := newFlags("stops")
	sl := fs.String("sl", "", "stop-loss price (empty clears)")
	tp := fs.String("tp", "", "take-profit price (empty clears)")
	fs.Parse(args)
	setupLogging(*debug)
	id := argID(fs, "position")

	stops := papertrade.PositionStops{
		SLPrice: optAmount("sl", *sl),
		TPPrice: optAmount("tp", *tp),
	}

	store := openStore(loadConfig(true))
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := store.ModifyPositionStops(ctx, id, stops); err != nil {
		fail("stops update failed", err)
	}
	fmt.Printf("Updated stops on position #%d.\n", id)
}

func runBook(args []string) {
	fs, debug := newFlags("book")
	depth := fs.Int("depth", 0, "levels per side (default from config)")
	fs.Parse(args)
	setupLogging(*debug)
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "symbol required")
		os.Exit(1)
	}

	cfg := loadConfig(true)
	if *depth <= 0 {
		*depth = cfg.OrderbookDepth
	}
	store := openStore(cfg)
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	book, err := store.FetchOrderBook(ctx, fs.Arg(0), *depth)
	if err != nil {
		fail("order book", err)
	}

	fmt.Printf("%s  depth %d\n", book.Symbol, book.Depth)
	fmt.Printf("%12s %8s | %-12s %-8s\n", "Bid", "Qty", "Ask", "Qty")
	fmt.Println("----------------------------------------------")
	for i := 0; i < len(book.Bids) || i < len(book.Asks); i++ {
		bid, bq, ask, aq := "", "", "", ""
		if i < len(book.Bids) {
			bid, bq = book.Bids[i].Price.StringFixed(2), strconv.Itoa(book.Bids[i].Qty)
		}
		if i < len(book.Asks) {
			ask, aq = book.Asks[i].Price.StringFixed(2), strconv.Itoa(book.Asks[i].Qty)
		}
		fmt.Printf("%12s %8s | %-12s %-8s\n", bid, bq, ask, aq)
	}
}

func runAudit(args []string) {
	fs, debug := newFlags("audit")
	orderID := fs.Int64("order", 0, "only entries for this order")
	action := fs.String("action", "", "only entries with this action")
	fs.Parse(args)
	setupLogging(*debug)

	store := openStore(loadConfig(true))
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	entries, err := store.FetchAuditLogs(ctx, papertrade.AuditParams{OrderID: *orderID, Action: *action})
	if err != nil {
		fail("audit log", err)
	}
	if len(entries) == 0 {
		fmt.Println("No audit entries.")
		return
	}

	fmt.Printf("%-20s %8s %-16s %s\n", "Time", "Order", "Action", "Details")
	fmt.Println("---------------------------------------------------------------------------------")
	for _, e := range entries {
		order := "-"
		if e.OrderID != nil {
			order = strconv.FormatInt(*e.OrderID, 10)
		}
		fmt.Printf("%-20s %8s %-16s %s\n",
			e.Timestamp.Local().Format("2006-01-02 15:04:05"),
			order,
			e.Action,
			string(e.Details),
		)
	}
}

func runAccount(args []string) {
	fs, debug := newFlags("account")
	fs.Parse(args)
	setupLogging(*debug)

	store := openStore(loadConfig(true))
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	acct, err := store.FetchAccount(ctx)
	if err != nil {
		fail("account", err)
	}
	fmt.Printf("Balance:     %s\n", rupees(acct.Balance))
	fmt.Printf("Equity:      %s\n", rupees(acct.Equity))
	fmt.Printf("Margin used: %s\n", rupees(acct.MarginUsed))
}

func printOrders(orders []papertrade.Order) {
	if len(orders) == 0 {
		fmt.Println("No open orders.")
		return
	}
	fmt.Printf("%8s %-12s %-5s %6s %-7s %10s %10s %-9s %-5s\n",
		"ID", "Symbol", "Side", "Qty", "Type", "Price", "Trigger", "Status", "Tag")
	fmt.Println("---------------------------------------------------------------------------------")
	for _, o := range orders {
		fmt.Printf("%8d %-12s %-5s %6d %-7s %10s %10s %-9s %-5s\n",
			o.ID,
			o.Symbol,
			o.Side,
			o.Qty,
			o.OrderType,
			nullFixed(o.Price),
			nullFixed(o.TriggerPrice),
			o.Status,
			o.OrderTag,
		)
	}
}

func nullFixed(d decimal.NullDecimal) string {
	if !d.Valid {
		return "-"
	}
	return d.Decimal.StringFixed(2)
}

func rupees(d decimal.Decimal) string {
	if d.IsNegative() {
		return "-₹" + d.Neg().StringFixed(2)
	}
	return "₹" + d.StringFixed(2)
}
