package paper

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tradecore/internal/schema"
	"tradecore/internal/venue"
)

var bps = decimal.NewFromInt(10000)

// Config describes a simulated venue.
type Config struct {
	Name        string
	FeeBps      decimal.Decimal
	InitialCash decimal.Decimal
	// Symbols restricts tradable symbols. Empty accepts any symbol with a mark.
	Symbols []string
	Latency time.Duration
	Clock   func() time.Time
}

type order struct {
	report venue.Report
	req    venue.SubmitRequest
}

// Venue is an in-process simulated venue. It dedupes by idempotency key,
// fills marketable orders at the last mark and keeps its own account.
type Venue struct {
	cfg Config

	mu        sync.Mutex
	marks     map[string]decimal.Decimal
	symbols   map[string]struct{}
	orders    map[string]*order
	cancels   map[string]venue.Report
	cash      decimal.Decimal
	positions map[string]decimal.Decimal
	rejects   map[string]string
	down      bool
	nextID    uint64
	fillSeq   uint64
	submits   int
}

// New creates a paper venue.
func New(cfg Config) *Venue {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	v := &Venue{
		cfg:       cfg,
		marks:     make(map[string]decimal.Decimal),
		orders:    make(map[string]*order),
		cancels:   make(map[string]venue.Report),
		cash:      cfg.InitialCash,
		positions: make(map[string]decimal.Decimal),
		rejects:   make(map[string]string),
	}
	if len(cfg.Symbols) > 0 {
		v.symbols = make(map[string]struct{}, len(cfg.Symbols))
		for _, s := range cfg.Symbols {
			v.symbols[s] = struct{}{}
		}
	}
	return v
}

// Name returns the venue name.
func (v *Venue) Name() string {
	return v.cfg.Name
}

// SetMark updates the price of symbol and fills resting limit orders that
// become marketable.
func (v *Venue) SetMark(symbol string, price decimal.Decimal) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.marks[symbol] = price
	for _, o := range v.orders {
		if o.req.Symbol != symbol || o.report.Status != schema.OrderStatusSubmitted {
			continue
		}
		if v.marketable(o.req, price) {
			v.fill(o, price)
		}
	}
}

// RejectSymbol makes every later submit on symbol fail permanently with
// reason. An empty reason clears it.
func (v *Venue) RejectSymbol(symbol, reason string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if reason == "" {
		delete(v.rejects, symbol)
		return
	}
	v.rejects[symbol] = reason
}

// SetDown makes every call fail with a transient error while down.
func (v *Venue) SetDown(down bool) {
	v.mu.Lock()
	v.down = down
	v.mu.Unlock()
}

// Deposit credits cash to the account.
func (v *Venue) Deposit(amount decimal.Decimal) {
	v.mu.Lock()
	v.cash = v.cash.Add(amount)
	v.mu.Unlock()
}

// Submits returns how many distinct orders the venue accepted.
func (v *Venue) Submits() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.submits
}

func (v *Venue) wait(ctx context.Context) error {
	if v.cfg.Latency <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(v.cfg.Latency)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", venue.ErrAmbiguous, ctx.Err())
	case <-timer.C:
		return nil
	}
}

// Submit places an order. A repeated idempotency key returns the original
// order without placing a new one.
func (v *Venue) Submit(ctx context.Context, req venue.SubmitRequest) (venue.Report, error) {
	if err := v.wait(ctx); err != nil {
		return venue.Report{}, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.down {
		return venue.Report{}, fmt.Errorf("%w: %s unavailable", venue.ErrTransient, v.cfg.Name)
	}
	if existing, ok := v.orders[req.IdempotencyKey]; ok {
		return cloneReport(existing.report), nil
	}

	if reason, ok := v.rejects[req.Symbol]; ok {
		return venue.Report{}, venue.Reject(v.cfg.Name, reason)
	}
	if v.symbols != nil {
		if _, ok := v.symbols[req.Symbol]; !ok {
			return venue.Report{}, &venue.RejectError{Venue: v.cfg.Name, Code: venue.CodeUnknownSymbol, Reason: "unknown symbol " + req.Symbol}
		}
	}
	mark, ok := v.marks[req.Symbol]
	if !ok {
		return venue.Report{}, &venue.RejectError{Venue: v.cfg.Name, Code: venue.CodeUnknownSymbol, Reason: "no market for symbol " + req.Symbol}
	}
	if !req.Quantity.IsPositive() || !req.Side.Valid() {
		return venue.Report{}, &venue.RejectError{Venue: v.cfg.Name, Code: venue.CodeInvalidQuantity, Reason: "invalid quantity " + req.Quantity.String()}
	}
	if req.Side == schema.SideBuy {
		price := mark
		if !req.Price.IsZero() {
			price = req.Price
		}
		cost := req.Quantity.Mul(price)
		if cost.Add(v.fee(cost)).GreaterThan(v.cash) {
			return venue.Report{}, &venue.RejectError{Venue: v.cfg.Name, Code: venue.CodeInsufficientBalance, Reason: "insufficient balance for " + cost.String()}
		}
	}

	v.nextID++
	v.submits++
	o := &order{
		req: req,
		report: venue.Report{
			VenueOrderID:   fmt.Sprintf("%s-%d", v.cfg.Name, v.nextID),
			IdempotencyKey: req.IdempotencyKey,
			Status:         schema.OrderStatusSubmitted,
			FilledQty:      decimal.Zero,
		},
	}
	v.orders[req.IdempotencyKey] = o
	if v.marketable(req, mark) {
		v.fill(o, mark)
	}
	return cloneReport(o.report), nil
}

// Cancel cancels a resting order. Cancels are deduped by their own key.
func (v *Venue) Cancel(ctx context.Context, req venue.CancelRequest) (venue.Report, error) {
	if err := v.wait(ctx); err != nil {
		return venue.Report{}, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.down {
		return venue.Report{}, fmt.Errorf("%w: %s unavailable", venue.ErrTransient, v.cfg.Name)
	}
	if done, ok := v.cancels[req.IdempotencyKey]; ok {
		return cloneReport(done), nil
	}
	o, ok := v.orders[req.OrderKey]
	if !ok {
		return venue.Report{}, venue.ErrOrderNotFound
	}
	if o.report.Status.IsTerminal() {
		return venue.Report{}, &venue.RejectError{Venue: v.cfg.Name, Code: venue.CodeOrderNotOpen, Reason: "order is " + string(o.report.Status)}
	}
	o.report.Status = schema.OrderStatusCancelled
	report := cloneReport(o.report)
	v.cancels[req.IdempotencyKey] = report
	return report, nil
}

// Query returns the order placed under key.
func (v *Venue) Query(ctx context.Context, key string) (venue.Report, error) {
	if err := v.wait(ctx); err != nil {
		return venue.Report{}, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.down {
		return venue.Report{}, fmt.Errorf("%w: %s unavailable", venue.ErrTransient, v.cfg.Name)
	}
	o, ok := v.orders[key]
	if !ok {
		return venue.Report{}, venue.ErrOrderNotFound
	}
	return cloneReport(o.report), nil
}

// Balances returns the simulated account.
func (v *Venue) Balances(ctx context.Context) (venue.Balances, error) {
	if err := v.wait(ctx); err != nil {
		return venue.Balances{}, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.down {
		return venue.Balances{}, fmt.Errorf("%w: %s unavailable", venue.ErrTransient, v.cfg.Name)
	}
	positions := make(map[string]decimal.Decimal, len(v.positions))
	for symbol, qty := range v.positions {
		if !qty.IsZero() {
			positions[symbol] = qty
		}
	}
	return venue.Balances{Venue: v.cfg.Name, Cash: v.cash, Positions: positions, At: v.cfg.Clock()}, nil
}

func (v *Venue) marketable(req venue.SubmitRequest, mark decimal.Decimal) bool {
	switch {
	case req.Price.IsZero():
		return true
	case req.Side == schema.SideBuy:
		return req.Price.GreaterThanOrEqual(mark)
	default:
		return req.Price.LessThanOrEqual(mark)
	}
}

func (v *Venue) fee(notional decimal.Decimal) decimal.Decimal {
	if !v.cfg.FeeBps.IsPositive() {
		return decimal.Zero
	}
	return notional.Mul(v.cfg.FeeBps).Div(bps)
}

func (v *Venue) fill(o *order, price decimal.Decimal) {
	qty := o.req.Quantity.Sub(o.report.FilledQty)
	notional := qty.Mul(price)
	fee := v.fee(notional)
	v.fillSeq++
	now := v.cfg.Clock()
	o.report.Fills = append(o.report.Fills, schema.Fill{
		FillID:         fmt.Sprintf("%s-f%d", v.cfg.Name, v.fillSeq),
		Venue:          v.cfg.Name,
		Symbol:         o.req.Symbol,
		Side:           o.req.Side,
		Quantity:       qty,
		Price:          price,
		Fee:            fee,
		VenueTimestamp: now,
	})
	o.report.FilledQty = o.report.FilledQty.Add(qty)
	o.report.Status = schema.OrderStatusFilled

	if o.req.Side == schema.SideBuy {
		v.cash = v.cash.Sub(notional)
		v.positions[o.req.Symbol] = v.positions[o.req.Symbol].Add(qty)
	} else {
		v.cash = v.cash.Add(notional)
		v.positions[o.req.Symbol] = v.positions[o.req.Symbol].Sub(qty)
	}
	v.cash = v.cash.Sub(fee)
}

// Marks returns a copy of the current marks.
func (v *Venue) Marks() map[string]decimal.Decimal {
	v.mu.Lock()
	defer v.mu.Unlock()
	return maps.Clone(v.marks)
}

func cloneReport(r venue.Report) venue.Report {
	r.Fills = append([]schema.Fill(nil), r.Fills...)
	return r
}
