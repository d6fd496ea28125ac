package marketfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gw/quantnest-sync/internal/bus"
	"github.com/gw/quantnest-sync/internal/papertrade"
	"github.com/tidwall/gjson"
)

type wsCommand struct {
	Type       string `json:"type"`
	Instrument string `json:"instrument"`
}

func subscribeCmd(kind, exchange, symbol string) wsCommand {
	return wsCommand{Type: kind, Instrument: papertrade.Instrument(exchange, symbol)}
}

func (f *Feed) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))

		f.handleMessage(msg)
	}
}

// handleMessage routes one frame. Malformed frames are logged and dropped.
func (f *Feed) handleMessage(msg []byte) {
	if !gjson.ValidBytes(msg) {
		slog.Debug("marketfeed: invalid frame", "len", len(msg))
		return
	}
	typ := gjson.GetBytes(msg, "type").String()
	data := gjson.GetBytes(msg, "data")

	switch typ {
	case "tick":
		if !data.IsObject() {
			slog.Debug("marketfeed: tick without data")
			return
		}
		f.handleTick(json.RawMessage(data.Raw))
	case OrderUpdate, PositionUpdate, AccountUpdate:
		f.handleUpdate(typ)
	case "subscription_ack":
		slog.Debug("marketfeed subscription ack", "instrument", gjson.GetBytes(msg, "instrument").String())
	case "error":
		slog.Warn("marketfeed server error", "msg", data.String())
	default:
		slog.Debug("marketfeed: unknown message type", "type", typ)
	}
}

func (f *Feed) handleTick(raw json.RawMessage) {
	var t papertrade.Tick
	if err := json.Unmarshal(raw, &t); err != nil {
		slog.Debug("marketfeed: tick unmarshal error", "err", err)
		return
	}
	if t.Symbol == "" && t.Instrument != "" {
		t.Symbol = papertrade.SymbolFromInstrument(t.Instrument)
	}
	if t.Symbol == "" {
		slog.Debug("marketfeed: tick without symbol")
		return
	}
	t.Symbol = strings.ToUpper(t.Symbol)
	t.Raw = append(json.RawMessage(nil), raw...)

	if f.opts.OnTick != nil {
		f.opts.OnTick(t)
	}
	if f.opts.Bus != nil {
		f.opts.Bus.Publish(bus.Event{Kind: bus.KindTick, Symbol: t.Symbol, Tick: t})
	}
}

func (f *Feed) handleUpdate(update string) {
	slog.Debug("marketfeed state changed", "update", update)
	if f.opts.OnStateChanged != nil {
		f.opts.OnStateChanged(update)
	}
	if f.opts.Bus != nil {
		f.opts.Bus.Publish(bus.Event{Kind: bus.KindStateChanged, Update: update})
	}
}
