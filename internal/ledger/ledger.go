package ledger

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"tradecore/internal/codec"
	"tradecore/internal/og"
	"tradecore/internal/schema"
	"tradecore/pkg/exception"
)

var defaultEpsilon = decimal.New(1, -6)

// Config controls ledger accounting.
type Config struct {
	// InitialCash is deposited into InitialVenue when the journal is empty.
	InitialCash  decimal.Decimal
	InitialVenue string
	// Epsilon bounds rounding differences tolerated by the equity invariant
	// and by Verify.
	Epsilon decimal.Decimal
	// DrawdownWindow bounds the rolling peak equity. Zero keeps the all-time
	// peak.
	DrawdownWindow time.Duration
	Clock          func() time.Time
}

func (c Config) withDefaults() Config {
	if !c.Epsilon.IsPositive() {
		c.Epsilon = defaultEpsilon
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	return c
}

// Ledger is the single writer of orders, fills, deposits, equity snapshots
// and control audit records. Every write is appended to the journal before
// the in-memory indexes change, so a failed append leaves no trace.
type Ledger struct {
	cfg     Config
	journal Journal

	mu        sync.RWMutex
	seq       uint64
	closed    bool
	orders    map[string][]schema.Order
	ordered   []string
	byKey     map[string]string
	lifecycle *og.StateMachine
	fills     []schema.Fill
	fillIDs   map[string]struct{}
	deposits  []schema.Deposit
	audit     []schema.ControlCommand
	book      *positionBook
	marks     map[positionKey]decimal.Decimal
	equity    []schema.EquitySnapshot
	lastFill  map[positionKey]time.Time

	openOrders     int
	pendingUnknown int
	// peaks holds equity snapshots with strictly decreasing equity, oldest
	// first, so the rolling peak is the first one still inside the window.
	peaks []schema.EquitySnapshot
}

// Open replays journal into a new ledger.
func Open(ctx context.Context, journal Journal, cfg Config) (*Ledger, error) {
	if journal == nil {
		return nil, errors.Wrap(exception.ErrNilInstance, "ledger journal")
	}
	l := newLedger(journal, cfg.withDefaults())

	err := journal.Replay(ctx, func(rec Record) error {
		if rec.Seq <= l.seq {
			return errors.Errorf("journal sequence %d after %d", rec.Seq, l.seq)
		}
		if err := l.replay(rec); err != nil {
			return errors.Wrapf(err, "replay seq %d (%s)", rec.Seq, rec.Type)
		}
		l.seq = rec.Seq
		return nil
	})
	if err != nil {
		return nil, err
	}
	logs.Infof("ledger: replayed %d records, %d orders, %d fills", l.seq, len(l.ordered), len(l.fills))

	if l.seq == 0 && l.cfg.InitialCash.IsPositive() {
		if err := l.Deposit(ctx, schema.Deposit{
			Venue:  l.cfg.InitialVenue,
			Amount: l.cfg.InitialCash,
			At:     l.cfg.Clock(),
			Note:   "initial capital",
		}); err != nil {
			return nil, err
		}
	}
	return l, nil
}

func newLedger(journal Journal, cfg Config) *Ledger {
	return &Ledger{
		cfg:       cfg,
		journal:   journal,
		orders:    make(map[string][]schema.Order),
		byKey:     make(map[string]string),
		lifecycle: og.NewStateMachine(),
		fillIDs:   make(map[string]struct{}),
		book:      newPositionBook(),
		marks:     make(map[positionKey]decimal.Decimal),
		lastFill:  make(map[positionKey]time.Time),
	}
}

func (l *Ledger) replay(rec Record) error {
	switch rec.Type {
	case schema.EventOrder:
		order, err := codec.DecodeOrder(rec.Payload)
		if err != nil {
			return err
		}
		if err := l.checkOrder(order); err != nil {
			return err
		}
		l.commitOrder(order)
	case schema.EventFill:
		fill, err := codec.DecodeFill(rec.Payload)
		if err != nil {
			return err
		}
		if _, dup := l.fillIDs[fill.FillID]; dup {
			return errors.Wrapf(exception.ErrLedgerInvalidFill, "duplicate fill %s in journal", fill.FillID)
		}
		if err := l.checkFill(fill); err != nil {
			return err
		}
		l.commitFill(fill)
	case schema.EventDeposit:
		dep, err := codec.DecodeDeposit(rec.Payload)
		if err != nil {
			return err
		}
		l.commitDeposit(dep)
	case schema.EventEquity:
		snap, err := codec.DecodeEquity(rec.Payload)
		if err != nil {
			return err
		}
		l.equity = append(l.equity, snap)
		l.pushPeak(snap)
	case schema.EventControl:
		cmd, err := codec.DecodeControl(rec.Payload)
		if err != nil {
			return err
		}
		l.audit = append(l.audit, cmd)
	default:
		return errors.Errorf("unknown record type %d", rec.Type)
	}
	return nil
}

// append journals v under the write lock. Callers commit to memory only when
// it succeeds.
func (l *Ledger) append(ctx context.Context, v any, at time.Time) error {
	if l.closed {
		return exception.ErrLedgerClosed
	}
	payload, err := codec.Encode(v)
	if err != nil {
		return err
	}
	rec := Record{Seq: l.seq + 1, Type: codec.EventTypeOf(v), At: at, Payload: payload}
	if err := l.journal.Append(ctx, rec); err != nil {
		return errors.Wrapf(err, "journal %s", rec.Type)
	}
	l.seq = rec.Seq
	return nil
}

// RecordOrder appends a new version of an order. A new order must be
// pending; later versions must follow the lifecycle and, when order.Version
// is set, must be exactly one ahead of the stored version. Filled quantity is
// owned by the ledger and derived from fills.
func (l *Ledger) RecordOrder(ctx context.Context, order schema.Order) (schema.Order, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.cfg.Clock()
	if order.UpdatedAt.IsZero() {
		order.UpdatedAt = now
	}
	if history, ok := l.orders[order.OrderID]; ok {
		prev := history[len(history)-1]
		if order.Version == 0 {
			order.Version = prev.Version + 1
		}
		order.IntentID, order.StrategyID = prev.IntentID, prev.StrategyID
		order.Venue, order.Symbol, order.Side = prev.Venue, prev.Symbol, prev.Side
		order.Quantity, order.Price = prev.Quantity, prev.Price
		order.FilledQty = prev.FilledQty
		order.SubmittedAt = prev.SubmittedAt
		order.IdempotencyKey = prev.IdempotencyKey
		if order.VenueOrderID == "" {
			order.VenueOrderID = prev.VenueOrderID
		}
	} else {
		order.Version = 1
		order.FilledQty = decimal.Zero
		if order.SubmittedAt.IsZero() {
			order.SubmittedAt = now
		}
	}

	if err := l.checkOrder(order); err != nil {
		return schema.Order{}, err
	}
	if err := l.append(ctx, order, order.UpdatedAt); err != nil {
		return schema.Order{}, err
	}
	l.commitOrder(order)
	return order, nil
}

func (l *Ledger) checkOrder(order schema.Order) error {
	if order.OrderID == "" {
		return errors.Wrap(exception.ErrInvalidArgument, "order id is empty")
	}
	history, ok := l.orders[order.OrderID]
	if !ok {
		if order.Version != 1 {
			return errors.Wrapf(exception.ErrLedgerUnknownOrder, "order %s version %d", order.OrderID, order.Version)
		}
		if order.Status != schema.OrderStatusPending {
			return errors.Wrapf(exception.ErrInvalidArgument, "new order %s must be pending, got %s", order.OrderID, order.Status)
		}
		if !order.Side.Valid() || order.Symbol == "" || order.Venue == "" || !order.Quantity.IsPositive() {
			return errors.Wrapf(exception.ErrInvalidArgument, "order %s is incomplete", order.OrderID)
		}
		if order.IdempotencyKey != "" {
			if owner, dup := l.byKey[order.IdempotencyKey]; dup {
				return errors.Wrapf(exception.ErrLedgerDuplicateOrder, "idempotency key %s owned by %s", order.IdempotencyKey, owner)
			}
		}
		return nil
	}

	prev := history[len(history)-1]
	if order.Version != prev.Version+1 {
		return errors.Wrapf(exception.ErrLedgerStaleVersion, "order %s version %d, stored %d", order.OrderID, order.Version, prev.Version)
	}
	if order.Status == prev.Status {
		if prev.Status.IsTerminal() {
			return errors.Wrapf(og.ErrInvalidTransition, "order %s is %s", order.OrderID, prev.Status)
		}
		return nil
	}
	if !og.CanTransition(prev.Status, order.Status) {
		return errors.Wrapf(og.ErrInvalidTransition, "order %s %s -> %s", order.OrderID, prev.Status, order.Status)
	}
	if order.Status == schema.OrderStatusFilled && !prev.FilledQty.Equal(prev.Quantity) {
		return errors.Wrapf(og.ErrInvalidTransition, "order %s cannot be filled without fills", order.OrderID)
	}
	return nil
}

func (l *Ledger) commitOrder(order schema.Order) {
	history, ok := l.orders[order.OrderID]
	if !ok {
		_, _ = l.lifecycle.ApplyNew(order)
		l.ordered = append(l.ordered, order.OrderID)
		if order.IdempotencyKey != "" {
			l.byKey[order.IdempotencyKey] = order.OrderID
		}
		l.count(order.Status, 1)
	} else if prev := history[len(history)-1].Status; order.Status != prev {
		_, _ = l.lifecycle.ApplyStatus(order.OrderID, order.Status)
		l.count(prev, -1)
		l.count(order.Status, 1)
	}
	l.orders[order.OrderID] = append(history, order)
}

// count keeps the open and pending_unknown order counters in step with
// status changes.
func (l *Ledger) count(status schema.OrderStatus, delta int) {
	if !status.IsTerminal() {
		l.openOrders += delta
	}
	if status == schema.OrderStatusPendingUnknown {
		l.pendingUnknown += delta
	}
}

// RecordFill appends a fill, updates positions and cash, and derives the
// order's fill status. A fill ID seen before is ignored and reported with
// applied=false.
func (l *Ledger) RecordFill(ctx context.Context, fill schema.Fill) (schema.Order, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if fill.FillID == "" {
		return schema.Order{}, false, errors.Wrap(exception.ErrLedgerInvalidFill, "fill id is empty")
	}
	history, ok := l.orders[fill.OrderID]
	if !ok {
		return schema.Order{}, false, errors.Wrapf(exception.ErrLedgerUnknownOrder, "fill %s for order %s", fill.FillID, fill.OrderID)
	}
	current := history[len(history)-1]
	if _, dup := l.fillIDs[fill.FillID]; dup {
		return current, false, nil
	}
	if fill.Venue == "" {
		fill.Venue = current.Venue
	}
	if fill.Symbol == "" {
		fill.Symbol = current.Symbol
	}
	if fill.Side == "" {
		fill.Side = current.Side
	}
	if fill.ReceivedAt.IsZero() {
		fill.ReceivedAt = l.cfg.Clock()
	}

	if err := l.checkFill(fill); err != nil {
		return current, false, err
	}
	if err := l.append(ctx, fill, fill.ReceivedAt); err != nil {
		return current, false, err
	}
	return l.commitFill(fill), true, nil
}

func (l *Ledger) checkFill(fill schema.Fill) error {
	history, ok := l.orders[fill.OrderID]
	if !ok {
		return errors.Wrapf(exception.ErrLedgerUnknownOrder, "fill %s for order %s", fill.FillID, fill.OrderID)
	}
	order := history[len(history)-1]
	if fill.Venue != order.Venue || fill.Symbol != order.Symbol || fill.Side != order.Side {
		return errors.Wrapf(exception.ErrLedgerInvalidFill, "fill %s does not match order %s", fill.FillID, order.OrderID)
	}
	if !fill.Price.IsPositive() || fill.Fee.IsNegative() {
		return errors.Wrapf(exception.ErrLedgerInvalidFill, "fill %s price %s fee %s", fill.FillID, fill.Price, fill.Fee)
	}
	if order.Status.IsTerminal() {
		return errors.Wrapf(exception.ErrLedgerInvalidFill, "fill %s for %s order %s", fill.FillID, order.Status, order.OrderID)
	}
	if !fill.Quantity.IsPositive() || order.FilledQty.Add(fill.Quantity).GreaterThan(order.Quantity) {
		return errors.Wrapf(exception.ErrLedgerInvalidFill, "fill %s qty %s overfills order %s (%s/%s)",
			fill.FillID, fill.Quantity, order.OrderID, order.FilledQty, order.Quantity)
	}
	return nil
}

func (l *Ledger) commitFill(fill schema.Fill) schema.Order {
	l.fills = append(l.fills, fill)
	l.fillIDs[fill.FillID] = struct{}{}
	l.book.ApplyFill(fill)
	key := positionKey{Venue: fill.Venue, Symbol: fill.Symbol}
	if last := l.lastFill[key]; fill.ReceivedAt.After(last) {
		l.lastFill[key] = fill.ReceivedAt
	}

	state, err := l.lifecycle.ApplyFill(fill.OrderID, fill.Quantity)
	if err != nil {
		logs.Errorf("ledger: lifecycle rejected checked fill %s: %+v", fill.FillID, err)
	}
	history := l.orders[fill.OrderID]
	next := history[len(history)-1]
	if next.Status != state.Status {
		l.count(next.Status, -1)
		l.count(state.Status, 1)
	}
	next.Version++
	next.FilledQty = state.FilledQty
	next.Status = state.Status
	next.UpdatedAt = fill.ReceivedAt
	l.orders[fill.OrderID] = append(history, next)
	return next
}

// Deposit moves external cash into a venue account. A negative amount is a
// withdrawal.
func (l *Ledger) Deposit(ctx context.Context, dep schema.Deposit) error {
	if dep.Amount.IsZero() || dep.Venue == "" {
		return errors.Wrap(exception.ErrInvalidArgument, "deposit needs a venue and a non-zero amount")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if dep.At.IsZero() {
		dep.At = l.cfg.Clock()
	}
	if err := l.append(ctx, dep, dep.At); err != nil {
		return err
	}
	l.commitDeposit(dep)
	return nil
}

func (l *Ledger) commitDeposit(dep schema.Deposit) {
	l.deposits = append(l.deposits, dep)
	l.book.ApplyDeposit(dep)
}

// AppendAudit durably records a control command.
func (l *Ledger) AppendAudit(ctx context.Context, cmd schema.ControlCommand) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cmd.IssuedAt.IsZero() {
		cmd.IssuedAt = l.cfg.Clock()
	}
	if err := l.append(ctx, cmd, cmd.IssuedAt); err != nil {
		return err
	}
	l.audit = append(l.audit, cmd)
	return nil
}

// MarkPrice updates the valuation price of symbol on venue. An empty venue
// sets a price used by every venue without its own mark. Marks are market
// data and are not journaled.
func (l *Ledger) MarkPrice(venue, symbol string, price decimal.Decimal) {
	if symbol == "" || !price.IsPositive() {
		return
	}
	l.mu.Lock()
	l.marks[positionKey{Venue: venue, Symbol: symbol}] = price
	l.mu.Unlock()
}

func (l *Ledger) markOf(venue, symbol string) decimal.Decimal {
	if mark, ok := l.marks[positionKey{Venue: venue, Symbol: symbol}]; ok {
		return mark
	}
	return l.marks[positionKey{Symbol: symbol}]
}

// TakeEquitySnapshot values the book, checks the equity invariant and appends
// a snapshot. Timestamps are strictly increasing; a clock that steps back is
// clamped just after the previous snapshot.
func (l *Ledger) TakeEquitySnapshot(ctx context.Context, now time.Time) (schema.EquitySnapshot, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	snap, err := l.equityLocked(now)
	if err != nil {
		return schema.EquitySnapshot{}, err
	}
	if n := len(l.equity); n > 0 && !snap.Timestamp.After(l.equity[n-1].Timestamp) {
		snap.Timestamp = l.equity[n-1].Timestamp.Add(time.Microsecond)
	}
	if err := l.append(ctx, snap, snap.Timestamp); err != nil {
		return schema.EquitySnapshot{}, err
	}
	l.equity = append(l.equity, snap)
	l.pushPeak(snap)
	return snap, nil
}

func (l *Ledger) pushPeak(snap schema.EquitySnapshot) {
	n := len(l.peaks)
	for n > 0 && l.peaks[n-1].EquityUSD.LessThanOrEqual(snap.EquityUSD) {
		n--
	}
	l.peaks = append(l.peaks[:n], snap)
	if l.cfg.DrawdownWindow <= 0 {
		return
	}
	since := snap.Timestamp.Add(-l.cfg.DrawdownWindow)
	i := 0
	for i < len(l.peaks)-1 && l.peaks[i].Timestamp.Before(since) {
		i++
	}
	l.peaks = l.peaks[i:]
}

// CheckEquity evaluates the equity invariant without recording anything.
func (l *Ledger) CheckEquity() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, err := l.equityLocked(l.cfg.Clock())
	return err
}

func (l *Ledger) equityLocked(now time.Time) (schema.EquitySnapshot, error) {
	v := l.book.value(l.markOf)
	cash := l.book.Cash()
	byBalance := cash.Add(v.MarketValue)
	byPnL := l.book.deposits.Add(l.book.realized).Add(v.Unrealized).Sub(l.book.fees)
	if byBalance.Sub(byPnL).Abs().GreaterThan(l.cfg.Epsilon) {
		return schema.EquitySnapshot{}, errors.Wrapf(exception.ErrLedgerEquityInvariant,
			"cash+market value %s, capital+pnl-fees %s", byBalance, byPnL)
	}
	return schema.EquitySnapshot{
		Timestamp:      now.UTC(),
		EquityUSD:      byBalance,
		CashUSD:        cash,
		MarketValueUSD: v.MarketValue,
	}, nil
}

// Seq returns the sequence of the last journaled record.
func (l *Ledger) Seq() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.seq
}

// Close closes the journal. Later writes fail with ErrLedgerClosed.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.journal.Close()
}

// IsInvariantError reports whether err is an equity invariant or replay
// consistency failure.
func IsInvariantError(err error) bool {
	return stderrors.Is(err, exception.ErrLedgerEquityInvariant) || stderrors.Is(err, exception.ErrLedgerInconsistent)
}
