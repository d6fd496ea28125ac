// Package orderentry turns an order ticket as typed by the user into exactly
// one backend payload. Only numeric coercion happens here; margin, price
// bands and the rest are the backend's job.
package orderentry

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/gw/quantnest-sync/internal/papertrade"
	"github.com/shopspring/decimal"
)

var ErrBracketAndCover = errors.New("bracket and cover are mutually exclusive")

// Intent is the raw ticket. Numeric fields are kept as entered.
type Intent struct {
	Symbol    string
	Side      papertrade.Side
	ShortSell bool // forces SELL

	Qty          string
	Price        string
	TriggerPrice string
	TakeProfit   string
	StopLoss     string

	OrderType    papertrade.OrderType
	ProductType  string
	Bracket      bool
	Cover        bool
	StopIsMarket bool // bracket stop leg triggers a market order
}

// Payload holds exactly one non-nil request.
type Payload struct {
	Simple  *papertrade.SimpleOrderRequest
	Bracket *papertrade.BracketOrderRequest
	Cover   *papertrade.CoverOrderRequest
}

func (p Payload) Kind() string {
	switch {
	case p.Bracket != nil:
		return "bracket"
	case p.Cover != nil:
		return "cover"
	default:
		return "simple"
	}
}

// EffectiveSide is the side sent to the backend.
func (in Intent) EffectiveSide() papertrade.Side {
	if in.ShortSell {
		return papertrade.Sell
	}
	if in.Side == "" {
		return papertrade.Buy
	}
	return papertrade.Side(strings.ToUpper(string(in.Side)))
}

func Build(in Intent) (Payload, error) {
	symbol := strings.ToUpper(strings.TrimSpace(in.Symbol))
	if symbol == "" {
		return Payload{}, errors.New("symbol required")
	}
	if in.Bracket && in.Cover {
		return Payload{}, ErrBracketAndCover
	}

	qty, err := parseQty(in.Qty)
	if err != nil {
		return Payload{}, err
	}
	orderType := in.OrderType
	if orderType == "" {
		orderType = papertrade.Market
	}
	side := in.EffectiveSide()

	switch {
	case in.Bracket:
		return buildBracket(in, symbol, side, qty, orderType)
	case in.Cover:
		return buildCover(in, symbol, side, qty, orderType)
	}

	req := &papertrade.SimpleOrderRequest{
		Symbol:      symbol,
		Side:        side,
		Qty:         qty,
		OrderType:   orderType,
		ProductType: in.ProductType,
		IsSLM:       orderType == papertrade.StopMarket,
	}
	if orderType == papertrade.Limit {
		if req.Price, err = parseAmount("price", in.Price); err != nil {
			return Payload{}, err
		}
	}
	if orderType == papertrade.Stop || orderType == papertrade.StopMarket {
		if req.TriggerPrice, err = parseAmount("trigger price", in.TriggerPrice); err != nil {
			return Payload{}, err
		}
	}
	return Payload{Simple: req}, nil
}

// entry resolves the entry leg shared by bracket and cover orders.
func entry(in Intent, orderType papertrade.OrderType) (papertrade.OrderType, *papertrade.Amount, error) {
	if orderType != papertrade.Limit {
		return papertrade.Market, nil, nil
	}
	price, err := parseAmount("entry price", in.Price)
	if err != nil {
		return "", nil, err
	}
	return papertrade.Limit, price, nil
}

func buildBracket(in Intent, symbol string, side papertrade.Side, qty int, orderType papertrade.OrderType) (Payload, error) {
	entryType, entryPrice, err := entry(in, orderType)
	if err != nil {
		return Payload{}, err
	}
	tp, err := parseAmount("take profit", in.TakeProfit)
	if err != nil {
		return Payload{}, err
	}
	sl, err := parseAmount("stop loss", in.StopLoss)
	if err != nil {
		return Payload{}, err
	}
	return Payload{Bracket: &papertrade.BracketOrderRequest{
		Symbol:     symbol,
		Side:       side,
		Qty:        qty,
		EntryType:  entryType,
		EntryPrice: entryPrice,
		TPPrice:    *tp,
		SLPrice:    *sl,
		SLIsSLM:    in.StopIsMarket,
	}}, nil
}

// Cover orders always protect with a stop-market leg.
func buildCover(in Intent, symbol string, side papertrade.Side, qty int, orderType papertrade.OrderType) (Payload, error) {
	entryType, entryPrice, err := entry(in, orderType)
	if err != nil {
		return Payload{}, err
	}
	sl, err := parseAmount("stop loss", in.StopLoss)
	if err != nil {
		return Payload{}, err
	}
	return Payload{Cover: &papertrade.CoverOrderRequest{
		Symbol:     symbol,
		Side:       side,
		Qty:        qty,
		EntryType:  entryType,
		EntryPrice: entryPrice,
		SLPrice:    *sl,
		SLIsSLM:    true,
	}}, nil
}

func parseQty(s string) (int, error) {
	qty, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("qty: %q is not a whole number", s)
	}
	return qty, nil
}

func parseAmount(field, s string) (*papertrade.Amount, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("%s: %q is not a number", field, s)
	}
	return papertrade.NewAmount(d), nil
}

// Placer dispatches payloads. *tradestate.Store satisfies it.
type Placer interface {
	PlaceOrder(ctx context.Context, req *papertrade.SimpleOrderRequest) (*papertrade.Order, error)
	PlaceBracketOrder(ctx context.Context, req *papertrade.BracketOrderRequest) (*papertrade.BracketResult, error)
	PlaceCoverOrder(ctx context.Context, req *papertrade.CoverOrderRequest) (*papertrade.CoverResult, error)
}

// Result is the backend's answer to whichever payload was sent.
type Result struct {
	Kind    string
	Order   *papertrade.Order
	Bracket *papertrade.BracketResult
	Cover   *papertrade.CoverResult
}

// EntryID is the id of the entry order, whatever the shape.
func (r Result) EntryID() int64 {
	switch {
	case r.Order != nil:
		return r.Order.ID
	case r.Bracket != nil:
		return r.Bracket.Entry.ID
	case r.Cover != nil:
		return r.Cover.Entry.ID
	}
	return 0
}

// Submit builds the payload and dispatches it. Backend errors are returned
// unchanged; papertrade.DetailOf gives the display string.
func Submit(ctx context.Context, p Placer, in Intent) (Result, error) {
	payload, err := Build(in)
	if err != nil {
		return Result{}, err
	}

	res := Result{Kind: payload.Kind()}
	switch {
	case payload.Bracket != nil:
		res.Bracket, err = p.PlaceBracketOrder(ctx, payload.Bracket)
	case payload.Cover != nil:
		res.Cover, err = p.PlaceCoverOrder(ctx, payload.Cover)
	default:
		res.Order, err = p.PlaceOrder(ctx, payload.Simple)
	}
	if err != nil {
		return Result{}, err
	}
	return res, nil
}
