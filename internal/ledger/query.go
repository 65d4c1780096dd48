package ledger

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"

	"tradecore/internal/schema"
	"tradecore/pkg/exception"
)

// Snapshot is a consistent copy of the ledger's derived state. Exposure,
// Marks and LastFill are keyed by venue, then symbol. Marks under the empty
// venue apply to every venue without its own.
type Snapshot struct {
	Seq            uint64                                `json:"seq"`
	At             time.Time                             `json:"at"`
	Cash           decimal.Decimal                       `json:"cash"`
	Fees           decimal.Decimal                       `json:"fees"`
	Realized       decimal.Decimal                       `json:"realized_pnl"`
	Unrealized     decimal.Decimal                       `json:"unrealized_pnl"`
	MarketValue    decimal.Decimal                       `json:"market_value"`
	GrossExposure  decimal.Decimal                       `json:"gross_exposure"`
	Equity         decimal.Decimal                       `json:"equity"`
	PeakEquity     decimal.Decimal                       `json:"peak_equity"`
	Positions      []schema.Position                     `json:"positions"`
	Exposure       map[string]map[string]decimal.Decimal `json:"exposure"`
	Marks          map[string]map[string]decimal.Decimal `json:"marks"`
	LastFill       map[string]map[string]time.Time       `json:"last_fill"`
	OpenOrders     int                                   `json:"open_orders"`
	PendingUnknown int                                   `json:"pending_unknown"`
}

// Position returns the position for venue and symbol, zero if none.
func (s Snapshot) Position(venue, symbol string) schema.Position {
	for _, pos := range s.Positions {
		if pos.Venue == venue && pos.Symbol == symbol {
			return pos
		}
	}
	return schema.Position{Venue: venue, Symbol: symbol}
}

// Mark returns the valuation price of symbol on venue, falling back to the
// venue-agnostic mark. Zero if unknown.
func (s Snapshot) Mark(venue, symbol string) decimal.Decimal {
	if mark, ok := s.Marks[venue][symbol]; ok {
		return mark
	}
	return s.Marks[""][symbol]
}

// Snapshot copies the derived state under the read lock.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()

	now := l.cfg.Clock()
	v := l.book.value(l.markOf)
	cash := l.book.Cash()
	equity := cash.Add(v.MarketValue)

	return Snapshot{
		Seq:            l.seq,
		At:             now,
		Cash:           cash,
		Fees:           l.book.fees,
		Realized:       l.book.realized,
		Unrealized:     v.Unrealized,
		MarketValue:    v.MarketValue,
		GrossExposure:  v.Gross,
		Equity:         equity,
		PeakEquity:     l.peakLocked(now, equity),
		Positions:      l.book.Positions(),
		Exposure:       v.Exposure,
		Marks:          nest(l.marks),
		LastFill:       nest(l.lastFill),
		OpenOrders:     l.openOrders,
		PendingUnknown: l.pendingUnknown,
	}
}

func nest[V any](flat map[positionKey]V) map[string]map[string]V {
	out := make(map[string]map[string]V)
	for key, value := range flat {
		byVenue := out[key.Venue]
		if byVenue == nil {
			byVenue = make(map[string]V)
			out[key.Venue] = byVenue
		}
		byVenue[key.Symbol] = value
	}
	return out
}

// RiskView is the slice of ledger state a pre-trade check needs for one
// venue and symbol.
type RiskView struct {
	Position      schema.Position
	Mark          decimal.Decimal
	Exposure      decimal.Decimal
	GrossExposure decimal.Decimal
	Equity        decimal.Decimal
	PeakEquity    decimal.Decimal
	LastFill      time.Time
}

// RiskView values the book for a pre-trade check. It walks positions only,
// never the order or equity history.
func (l *Ledger) RiskView(venue, symbol string) RiskView {
	l.mu.RLock()
	defer l.mu.RUnlock()

	key := positionKey{Venue: venue, Symbol: symbol}
	view := RiskView{
		Position: schema.Position{Venue: venue, Symbol: symbol},
		Mark:     l.markOf(venue, symbol),
		LastFill: l.lastFill[key],
	}
	if pos, ok := l.book.positions[key]; ok {
		view.Position = *pos
	}
	marketValue := decimal.Zero
	for k, pos := range l.book.positions {
		if pos.Quantity.IsZero() {
			continue
		}
		mv := pos.Quantity.Mul(valuationMark(*pos, l.markOf(k.Venue, k.Symbol)))
		marketValue = marketValue.Add(mv)
		view.GrossExposure = view.GrossExposure.Add(mv.Abs())
		if k == key {
			view.Exposure = mv.Abs()
		}
	}
	view.Equity = l.book.Cash().Add(marketValue)
	view.PeakEquity = l.peakLocked(l.cfg.Clock(), view.Equity)
	return view
}

// peakLocked returns the highest equity among snapshots inside the drawdown
// window ending at now, or current if that is higher.
func (l *Ledger) peakLocked(now time.Time, current decimal.Decimal) decimal.Decimal {
	peak := current
	var since time.Time
	if l.cfg.DrawdownWindow > 0 {
		since = now.Add(-l.cfg.DrawdownWindow)
	}
	for _, point := range l.peaks {
		if !since.IsZero() && point.Timestamp.Before(since) {
			continue
		}
		if point.EquityUSD.GreaterThan(peak) {
			peak = point.EquityUSD
		}
		break
	}
	return peak
}

func (l *Ledger) latest(id string) schema.Order {
	history := l.orders[id]
	return history[len(history)-1]
}

// Query filters orders and fills. Zero fields match everything; From and To
// are inclusive.
type Query struct {
	Symbol string
	Venue  string
	Status schema.OrderStatus
	From   time.Time
	To     time.Time
	Limit  int
}

func (q Query) matchTime(t time.Time) bool {
	if !q.From.IsZero() && t.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && t.After(q.To) {
		return false
	}
	return true
}

func (q Query) full(n int) bool {
	return q.Limit > 0 && n >= q.Limit
}

// Orders returns the latest version of matching orders in creation order.
func (l *Ledger) Orders(q Query) []schema.Order {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]schema.Order, 0)
	for _, id := range l.ordered {
		o := l.latest(id)
		if q.Symbol != "" && o.Symbol != q.Symbol {
			continue
		}
		if q.Venue != "" && o.Venue != q.Venue {
			continue
		}
		if q.Status != "" && o.Status != q.Status {
			continue
		}
		if !q.matchTime(o.SubmittedAt) {
			continue
		}
		out = append(out, o)
		if q.full(len(out)) {
			break
		}
	}
	return out
}

// Order returns the latest version of an order.
func (l *Ledger) Order(id string) (schema.Order, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if _, ok := l.orders[id]; !ok {
		return schema.Order{}, false
	}
	return l.latest(id), true
}

// OrderByKey finds an order by its venue idempotency key.
func (l *Ledger) OrderByKey(key string) (schema.Order, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	id, ok := l.byKey[key]
	if !ok {
		return schema.Order{}, false
	}
	return l.latest(id), true
}

// OrderHistory returns every version of an order, oldest first.
func (l *Ledger) OrderHistory(id string) []schema.Order {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]schema.Order(nil), l.orders[id]...)
}

// PendingUnknown returns orders whose venue outcome is not yet known.
func (l *Ledger) PendingUnknown() []schema.Order {
	return l.Orders(Query{Status: schema.OrderStatusPendingUnknown})
}

// Fills returns matching fills in journal order, filtered on ReceivedAt.
func (l *Ledger) Fills(q Query) []schema.Fill {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]schema.Fill, 0)
	for _, f := range l.fills {
		if q.Symbol != "" && f.Symbol != q.Symbol {
			continue
		}
		if q.Venue != "" && f.Venue != q.Venue {
			continue
		}
		if !q.matchTime(f.ReceivedAt) {
			continue
		}
		out = append(out, f)
		if q.full(len(out)) {
			break
		}
	}
	return out
}

// EquitySeries returns snapshots with from <= timestamp <= to. Zero bounds
// are open.
func (l *Ledger) EquitySeries(from, to time.Time) []schema.EquitySnapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	q := Query{From: from, To: to}
	out := make([]schema.EquitySnapshot, 0)
	for _, s := range l.equity {
		if q.matchTime(s.Timestamp) {
			out = append(out, s)
		}
	}
	return out
}

// Positions returns every tracked position sorted by venue and symbol.
func (l *Ledger) Positions() []schema.Position {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.book.Positions()
}

// Audit returns the journaled control commands in order.
func (l *Ledger) Audit() []schema.ControlCommand {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]schema.ControlCommand(nil), l.audit...)
}

// VenueView is the ledger's belief about one venue account.
type VenueView struct {
	Venue     string
	Cash      decimal.Decimal
	Positions map[string]decimal.Decimal
}

// VenueView returns cash and non-zero position quantities held at venue.
func (l *Ledger) VenueView(venue string) VenueView {
	l.mu.RLock()
	defer l.mu.RUnlock()
	view := VenueView{Venue: venue, Cash: l.book.cash[venue], Positions: make(map[string]decimal.Decimal)}
	for key, pos := range l.book.positions {
		if key.Venue == venue && !pos.Quantity.IsZero() {
			view.Positions[key.Symbol] = pos.Quantity
		}
	}
	return view
}

// Verify rebuilds positions and cash from the deposit and fill logs and
// compares them with the incremental state. It also checks that every
// order's filled quantity equals the sum of its fills.
func (l *Ledger) Verify() error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	rebuilt := newPositionBook()
	for _, dep := range l.deposits {
		rebuilt.ApplyDeposit(dep)
	}
	filled := make(map[string]decimal.Decimal, len(l.orders))
	for _, f := range l.fills {
		rebuilt.ApplyFill(f)
		filled[f.OrderID] = filled[f.OrderID].Add(f.Quantity)
	}
	if what, differs := l.book.diff(rebuilt, l.cfg.Epsilon); differs {
		return errors.Wrap(exception.ErrLedgerInconsistent, what)
	}
	open, pending := 0, 0
	for id := range l.orders {
		o := l.latest(id)
		if !o.FilledQty.Equal(filled[id]) {
			return errors.Wrapf(exception.ErrLedgerInconsistent, "order %s filled %s, fills sum %s", id, o.FilledQty, filled[id])
		}
		if !o.Status.IsTerminal() {
			open++
		}
		if o.Status == schema.OrderStatusPendingUnknown {
			pending++
		}
	}
	if open != l.openOrders || pending != l.pendingUnknown {
		return errors.Wrapf(exception.ErrLedgerInconsistent, "order counters open %d pending %d, scan %d/%d",
			l.openOrders, l.pendingUnknown, open, pending)
	}
	return nil
}
