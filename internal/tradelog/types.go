package tradelog

import (
	"time"

	"github.com/shopspring/decimal"
)

type Order struct {
	OrderID      int64
	Symbol       string
	Side         string // "BUY" or "SELL"
	OrderType    string // "MARKET", "LIMIT", "SL", "SL-M"
	ProductType  string
	Qty          int
	FilledQty    int
	RemainingQty int
	Price        decimal.NullDecimal
	TriggerPrice decimal.NullDecimal
	AvgFillPrice decimal.NullDecimal
	Status       string
	OrderTag     string // "ENTRY", "TP", "SL" for bracket legs
	OCOGroup     string
	ParentID     *int64
	CreatedTime  time.Time
	UpdatedTime  time.Time
}

// Trade is a row from the v_trades view; Side comes from the parent order.
type Trade struct {
	TradeID     int64
	OrderID     int64
	Symbol      string
	Side        string
	Qty         int
	Price       decimal.Decimal
	CreatedTime time.Time
}

type Position struct {
	PositionID    int64
	Symbol        string
	Qty           int
	AvgPrice      decimal.Decimal
	RealizedPnL   decimal.Decimal
	UnrealizedPnL decimal.Decimal
	SLPrice       decimal.NullDecimal
	TPPrice       decimal.NullDecimal
	SyncedTime    time.Time
}

type AuditEntry struct {
	EntryID     int64
	OrderID     *int64
	Action      string
	PerformedBy *int64
	Details     string
	LoggedTime  time.Time
}

// DailyTurnover is a row from the v_daily_turnover view.
type DailyTurnover struct {
	Date     string
	Turnover float64
	Volume   int
	Trades   int
}

// SymbolSummary is a row from the v_symbol_summary view.
type SymbolSummary struct {
	Symbol   string
	Bought   int
	Sold     int
	CashFlow float64
	Trades   int
}
