package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a trade.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Valid reports whether the side is BUY or SELL.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Sign returns +1 for BUY and -1 for SELL.
func (s Side) Sign() decimal.Decimal {
	if s == SideSell {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// Opposite returns the closing side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "pending"
	OrderStatusSubmitted       OrderStatus = "submitted"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCancelled       OrderStatus = "cancelled"
	OrderStatusRejected        OrderStatus = "rejected"
	OrderStatusPendingUnknown  OrderStatus = "pending_unknown"
)

// IsTerminal reports whether no further transition is possible.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected:
		return true
	default:
		return false
	}
}

// TradeIntent is a strategy's request to trade. Exactly one of Quantity and
// Notional is set. Intents execute as market orders; PriceHint converts a
// notional into a quantity and is never sent to the venue as a limit.
type TradeIntent struct {
	ID         string          `json:"id"`
	StrategyID string          `json:"strategy_id"`
	Symbol     string          `json:"symbol"`
	Venue      string          `json:"venue"`
	Side       Side            `json:"side"`
	Quantity   decimal.Decimal `json:"quantity"`
	Notional   decimal.Decimal `json:"notional"`
	PriceHint  decimal.Decimal `json:"price_hint"`
	Confidence float64         `json:"confidence"`
	Timestamp  time.Time       `json:"timestamp"`
	ReduceOnly bool            `json:"reduce_only"`
	Flatten    bool            `json:"flatten"`
}

// Order is one version of an order record. Every transition appends a new
// version; earlier versions are never rewritten. Price is a limit price and
// stays zero for the market orders routed from intents.
type Order struct {
	OrderID        string          `json:"order_id"`
	IntentID       string          `json:"intent_id"`
	StrategyID     string          `json:"strategy_id"`
	Venue          string          `json:"venue"`
	Symbol         string          `json:"symbol"`
	Side           Side            `json:"side"`
	Quantity       decimal.Decimal `json:"quantity"`
	Price          decimal.Decimal `json:"price"`
	Status         OrderStatus     `json:"status"`
	SubmittedAt    time.Time       `json:"submitted_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	IdempotencyKey string          `json:"idempotency_key"`
	VenueOrderID   string          `json:"venue_order_id,omitempty"`
	FilledQty      decimal.Decimal `json:"filled_qty"`
	Reason         string          `json:"reason,omitempty"`
	ReasonCode     string          `json:"reason_code,omitempty"`
	Version        uint32          `json:"version"`
}

// IsMarket reports whether the order carries no limit price.
func (o Order) IsMarket() bool {
	return o.Price.IsZero()
}

// Fill is an execution reported by a venue.
type Fill struct {
	FillID         string          `json:"fill_id"`
	OrderID        string          `json:"order_id"`
	Venue          string          `json:"venue"`
	Symbol         string          `json:"symbol"`
	Side           Side            `json:"side"`
	Quantity       decimal.Decimal `json:"quantity"`
	Price          decimal.Decimal `json:"price"`
	Fee            decimal.Decimal `json:"fee"`
	VenueTimestamp time.Time       `json:"venue_timestamp"`
	ReceivedAt     time.Time       `json:"received_at"`
}

// Notional returns quantity * price.
func (f Fill) Notional() decimal.Decimal {
	return f.Quantity.Mul(f.Price)
}

// Position is derived from fills and never edited directly.
type Position struct {
	Symbol            string          `json:"symbol"`
	Venue             string          `json:"venue"`
	Quantity          decimal.Decimal `json:"quantity"`
	AverageEntryPrice decimal.Decimal `json:"average_entry_price"`
	RealizedPnL       decimal.Decimal `json:"realized_pnl"`
}

// EquitySnapshot is a point of the equity series.
type EquitySnapshot struct {
	Timestamp      time.Time       `json:"timestamp"`
	EquityUSD      decimal.Decimal `json:"equity_usd"`
	CashUSD        decimal.Decimal `json:"cash_usd"`
	MarketValueUSD decimal.Decimal `json:"market_value_usd"`
}

// Deposit moves external cash into (or out of, when negative) the ledger.
type Deposit struct {
	Venue  string          `json:"venue"`
	Amount decimal.Decimal `json:"amount"`
	At     time.Time       `json:"at"`
	Note   string          `json:"note,omitempty"`
}

// Tick is a market price update.
type Tick struct {
	Venue     string          `json:"venue"`
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Quantity  decimal.Decimal `json:"quantity"`
	Timestamp time.Time       `json:"timestamp"`
}

// ExternalEvent is a non-price event from an external feed.
type ExternalEvent struct {
	Source    string    `json:"source"`
	Symbol    string    `json:"symbol"`
	Kind      string    `json:"kind"`
	Score     float64   `json:"score"`
	Payload   string    `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// CommandKind is an operator control action.
type CommandKind string

const (
	CommandPause   CommandKind = "pause"
	CommandResume  CommandKind = "resume"
	CommandFlatten CommandKind = "flatten"
	CommandKill    CommandKind = "kill"
)

// RequiresApproval reports whether the command is capital-destructive.
func (c CommandKind) RequiresApproval() bool {
	return c == CommandFlatten || c == CommandKill
}

// ControlCommand is an operator (or system) request to change trading status.
type ControlCommand struct {
	Command        CommandKind `json:"command"`
	Actor          string      `json:"actor"`
	Approver       string      `json:"approver,omitempty"`
	IdempotencyKey string      `json:"idempotency_key"`
	Reason         string      `json:"reason,omitempty"`
	IssuedAt       time.Time   `json:"issued_at"`
}

// TradingStatus is the control plane state.
type TradingStatus string

const (
	StatusRunning    TradingStatus = "RUNNING"
	StatusPaused     TradingStatus = "PAUSED"
	StatusFlattening TradingStatus = "FLATTENING"
	StatusKilled     TradingStatus = "KILLED"
)
