// Package collector records the market feed to daily JSONL files.
package collector

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/gw/quantnest-sync/internal/bus"
	"github.com/gw/quantnest-sync/internal/quotes"
	"github.com/shopspring/decimal"
)

// TickRecord is one tick as received.
type TickRecord struct {
	Type          string          `json:"type"`
	Ts            string          `json:"ts"`
	Symbol        string          `json:"symbol"`
	Price         decimal.Decimal `json:"price"`
	Volume        int64           `json:"volume"`
	Change        decimal.Decimal `json:"change"`
	ChangePercent decimal.Decimal `json:"change_percent"`
	TickTime      string          `json:"tick_ts,omitempty"`
	Raw           json.RawMessage `json:"raw,omitempty"`
}

// BoardRecord is a periodic snapshot of every symbol on the quote board.
type BoardRecord struct {
	Type   string               `json:"type"`
	Ts     string               `json:"ts"`
	Quotes []quotes.QuoteHealth `json:"quotes"`
}

// ConnRecord marks a connection state change.
type ConnRecord struct {
	Type  string `json:"type"`
	Ts    string `json:"ts"`
	State string `json:"state"`
}

type Recorder struct {
	sub      *bus.Subscription
	board    *quotes.Board
	writer   *Writer
	interval time.Duration
	keepRaw  bool
}

// NewRecorder writes every event from sub and, when board is non-nil, a
// board snapshot each interval.
func NewRecorder(sub *bus.Subscription, board *quotes.Board, writer *Writer, interval time.Duration, keepRaw bool) *Recorder {
	if interval <= 0 {
		interval = time.Second
	}
	return &Recorder{
		sub:      sub,
		board:    board,
		writer:   writer,
		interval: interval,
		keepRaw:  keepRaw,
	}
}

func (r *Recorder) Run(ctx context.Context) error {
	defer r.sub.Close()
	defer r.flush()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-r.sub.C:
			if !ok {
				return nil
			}
			r.record(ev)
		case <-ticker.C:
			r.snapshot()
			r.flush()
		}
	}
}

func (r *Recorder) record(ev bus.Event) {
	now := time.Now().UTC().Format(time.RFC3339Nano)

	var rec any
	switch ev.Kind {
	case bus.KindTick:
		t := ev.Tick
		tr := TickRecord{
			Type:          "tick",
			Ts:            now,
			Symbol:        t.Symbol,
			Price:         t.Price,
			Volume:        t.Volume,
			Change:        t.Change,
			ChangePercent: t.ChangePercent,
		}
		if !t.Timestamp.IsZero() {
			tr.TickTime = t.Timestamp.UTC().Format(time.RFC3339Nano)
		}
		if r.keepRaw {
			tr.Raw = t.Raw
		}
		rec = tr
	case bus.KindConnection:
		rec = ConnRecord{Type: "connection", Ts: now, State: ev.State}
	default:
		return
	}

	if err := r.writer.Write(rec); err != nil {
		slog.Warn("record: write failed", "err", err)
	}
}

func (r *Recorder) snapshot() {
	if r.board == nil {
		return
	}
	status := r.board.Status()
	if len(status) == 0 {
		return
	}
	rec := BoardRecord{
		Type:   "board",
		Ts:     time.Now().UTC().Format(time.RFC3339Nano),
		Quotes: status,
	}
	if err := r.writer.Write(rec); err != nil {
		slog.Warn("board: write failed", "err", err)
	}
}

func (r *Recorder) flush() {
	if err := r.writer.Flush(); err != nil {
		slog.Warn("record: flush failed", "err", err)
	}
}
