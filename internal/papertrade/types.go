package papertrade

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

type OrderType string

const (
	Market     OrderType = "MARKET"
	Limit      OrderType = "LIMIT"
	Stop       OrderType = "SL"   // stop-limit
	StopMarket OrderType = "SL-M" // market on trigger
)

// ParseOrderType accepts the backend codes plus the long names used in forms.
func ParseOrderType(s string) (OrderType, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "MARKET", "":
		return Market, true
	case "LIMIT":
		return Limit, true
	case "SL", "STOP", "STOP-LIMIT":
		return Stop, true
	case "SL-M", "SLM", "STOP-MARKET":
		return StopMarket, true
	}
	return "", false
}

type OrderStatus string

const (
	StatusPending   OrderStatus = "PENDING"
	StatusPartial   OrderStatus = "PARTIAL"
	StatusFilled    OrderStatus = "FILLED"
	StatusCancelled OrderStatus = "CANCELLED"
	StatusRejected  OrderStatus = "REJECTED"
)

// Amount is a decimal that encodes as a bare JSON number. The backend
// accepts numbers for every price field on write.
type Amount struct {
	decimal.Decimal
}

func NewAmount(d decimal.Decimal) *Amount {
	return &Amount{Decimal: d}
}

func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(a.Decimal.String()), nil
}

// --- Read models ---

type Order struct {
	ID           int64               `json:"id"`
	Symbol       string              `json:"symbol"`
	Side         Side                `json:"side"`
	Qty          int                 `json:"qty"`
	FilledQty    int                 `json:"filled_qty"`
	RemainingQty int                 `json:"remaining_qty"`
	OrderType    OrderType           `json:"order_type"`
	ProductType  string              `json:"product_type"`
	Price        decimal.NullDecimal `json:"price"`
	TriggerPrice decimal.NullDecimal `json:"trigger_price"`
	Status       OrderStatus         `json:"status"`
	AvgFillPrice decimal.NullDecimal `json:"avg_fill_price"`
	OrderTag     string              `json:"order_tag"`
	OCOGroup     string              `json:"oco_group"`
	ParentID     *int64              `json:"parent"`
	TPPrice      decimal.NullDecimal `json:"tp_price"`
	SLPrice      decimal.NullDecimal `json:"sl_price"`
	IsSLM        bool                `json:"is_slm"`
	CreatedAt    time.Time           `json:"created_at"`
	UpdatedAt    time.Time           `json:"updated_at"`
}

// Open reports whether the order can still be cancelled or modified.
func (o *Order) Open() bool {
	return o.Status == StatusPending || o.Status == StatusPartial
}

type Position struct {
	ID            int64               `json:"id"`
	Symbol        string              `json:"symbol"`
	Qty           int                 `json:"qty"` // positive long, negative short
	AvgPrice      decimal.Decimal     `json:"avg_price"`
	RealizedPnL   decimal.Decimal     `json:"realized_pnl"`
	UnrealizedPnL decimal.Decimal     `json:"unrealized_pnl"`
	SLPrice       decimal.NullDecimal `json:"sl_price"`
	TPPrice       decimal.NullDecimal `json:"tp_price"`
}

func (p *Position) Direction() string {
	switch {
	case p.Qty > 0:
		return "LONG"
	case p.Qty < 0:
		return "SHORT"
	default:
		return "FLAT"
	}
}

// Trade is an immutable execution record.
type Trade struct {
	ID        int64           `json:"id"`
	OrderID   int64           `json:"order_id"`
	Symbol    string          `json:"symbol,omitempty"`
	Qty       int             `json:"qty"`
	Price     decimal.Decimal `json:"price"`
	Timestamp time.Time       `json:"ts"`
}

type AuditLogEntry struct {
	ID          int64           `json:"id"`
	OrderID     *int64          `json:"order"`
	Action      string          `json:"action"`
	PerformedBy *int64          `json:"performed_by"`
	Timestamp   time.Time       `json:"timestamp"`
	Details     json.RawMessage `json:"details"`
}

type BookLevel struct {
	Price     decimal.Decimal `json:"price"`
	Qty       int             `json:"qty"`
	OrderID   int64           `json:"order_id,omitempty"`
	Timestamp string          `json:"ts,omitempty"`
}

// OrderBook is replaced wholesale on every fetch.
type OrderBook struct {
	Symbol string      `json:"symbol"`
	Depth  int         `json:"depth"`
	Bids   []BookLevel `json:"bids"`
	Asks   []BookLevel `json:"asks"`
}

type Account struct {
	Balance    decimal.Decimal `json:"balance"`
	Equity     decimal.Decimal `json:"equity"`
	MarginUsed decimal.Decimal `json:"margin_used"`
}

// Tick is one real-time price update pushed over the market-data socket.
type Tick struct {
	Symbol        string          `json:"symbol"`
	Instrument    string          `json:"instrument,omitempty"`
	Price         decimal.Decimal `json:"price"`
	Timestamp     time.Time       `json:"timestamp"`
	Volume        int64           `json:"volume"`
	Change        decimal.Decimal `json:"change"`
	ChangePercent decimal.Decimal `json:"change_percent"`

	// Raw is the payload exactly as received.
	Raw json.RawMessage `json:"-"`
}

// SymbolFromInstrument maps "NSE:RELIANCE-EQ" to "RELIANCE".
func SymbolFromInstrument(instrument string) string {
	s := instrument
	if i := strings.IndexByte(s, ':'); i >= 0 {
		s = s[i+1:]
	}
	if i := strings.IndexByte(s, '-'); i >= 0 {
		s = s[:i]
	}
	return strings.ToUpper(strings.TrimSpace(s))
}

// Instrument is the inverse of SymbolFromInstrument.
func Instrument(exchange, symbol string) string {
	return exchange + ":" + strings.ToUpper(symbol) + "-EQ"
}

// --- Write models ---

type SimpleOrderRequest struct {
	Symbol       string    `json:"symbol"`
	Side         Side      `json:"side"`
	Qty          int       `json:"qty"`
	OrderType    OrderType `json:"order_type"`
	ProductType  string    `json:"product_type,omitempty"`
	Price        *Amount   `json:"price"`
	TriggerPrice *Amount   `json:"trigger_price"`
	IsSLM        bool      `json:"is_slm"`
}

// BracketOrderRequest places an entry with take-profit and stop-loss legs.
type BracketOrderRequest struct {
	Symbol     string    `json:"symbol"`
	Side       Side      `json:"side"`
	Qty        int       `json:"qty"`
	EntryType  OrderType `json:"entry_type"`
	EntryPrice *Amount   `json:"entry_price,omitempty"`
	TPPrice    Amount    `json:"tp_price"`
	SLPrice    Amount    `json:"sl_price"`
	SLIsSLM    bool      `json:"sl_is_slm"`
}

// CoverOrderRequest places an entry with a mandatory stop-loss leg.
type CoverOrderRequest struct {
	Symbol     string    `json:"symbol"`
	Side       Side      `json:"side"`
	Qty        int       `json:"qty"`
	EntryType  OrderType `json:"entry_type"`
	EntryPrice *Amount   `json:"entry_price,omitempty"`
	SLPrice    Amount    `json:"sl_price"`
	SLIsSLM    bool      `json:"sl_is_slm"`
}

// OrderPatch carries the fields ModifyOrder may change; nil means unchanged.
type OrderPatch struct {
	Price *Amount `json:"price,omitempty"`
	Qty   *int    `json:"qty,omitempty"`
}

// PositionStops sets or clears (nil) a position's stop-loss and take-profit.
type PositionStops struct {
	SLPrice *Amount `json:"sl_price"`
	TPPrice *Amount `json:"tp_price"`
}

type BracketResult struct {
	Entry Order `json:"entry"`
	TPID  int64 `json:"tp_id"`
	SLID  int64 `json:"sl_id"`
}

type CoverResult struct {
	Entry   Order `json:"entry"`
	SLChild int64 `json:"sl_child"`
}

type CancelResult struct {
	OK bool `json:"ok"`
}

// AuditParams filters audit log queries.
type AuditParams struct {
	OrderID int64
	Action  string
}
