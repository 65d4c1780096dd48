package order

import (
	"context"
	stderrors "errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"tradecore/internal/obs"
	"tradecore/internal/risk"
	"tradecore/internal/schema"
	"tradecore/internal/venue"
	"tradecore/pkg/exception"
)

const (
	defaultCallTimeout = 5 * time.Second
	defaultMaxAttempts = 3
	orderIDPrefix      = "ord_"
)

// keyNamespace scopes idempotency keys derived from intents.
var keyNamespace = uuid.MustParse("6f1c1d9e-52a4-4b8e-9a51-4f1c7b0e2d31")

// Config tunes venue calls.
type Config struct {
	CallTimeout time.Duration
	MaxAttempts int
	Backoff     Backoff
}

func (c Config) withDefaults() Config {
	if c.CallTimeout <= 0 {
		c.CallTimeout = defaultCallTimeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.Backoff == (Backoff{}) {
		c.Backoff = DefaultBackoff()
	}
	return c
}

// Admitted is an intent together with the gate's accepting decision.
type Admitted struct {
	Intent   schema.TradeIntent
	Decision risk.Decision
}

// Handle reports where a submission ended.
type Handle struct {
	OrderID        string             `json:"order_id"`
	IdempotencyKey string             `json:"idempotency_key"`
	Status         schema.OrderStatus `json:"status"`
	Attempts       int                `json:"attempts"`
	Duplicate      bool               `json:"duplicate,omitempty"`
	Order          schema.Order       `json:"order"`
}

// Router turns admitted intents into venue orders. Every order is recorded
// pending before the venue sees it, and an order whose venue outcome is not
// known ends in pending_unknown instead of being resent.
type Router struct {
	cfg     Config
	ledger  Ledger
	venues  *venue.Set
	health  *venue.Health
	metrics *obs.Metrics
	apply   Applier
	sleep   func(context.Context, time.Duration) error
}

// NewRouter creates a router. health, metrics and pub may be nil.
func NewRouter(cfg Config, ledger Ledger, venues *venue.Set, health *venue.Health, metrics *obs.Metrics, pub Publisher) *Router {
	return &Router{
		cfg:     cfg.withDefaults(),
		ledger:  ledger,
		venues:  venues,
		health:  health,
		metrics: metrics,
		apply:   Applier{Ledger: ledger, Publisher: pub},
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// IdempotencyKey derives the venue key of an admitted intent. The same intent
// and size always map to the same key.
func IdempotencyKey(intent schema.TradeIntent, qty decimal.Decimal) string {
	parts := []string{
		intent.StrategyID,
		intent.Symbol,
		string(intent.Side),
		qty.String(),
		intent.Timestamp.UTC().Format(time.RFC3339Nano),
		intent.ID,
	}
	return uuid.NewSHA1(keyNamespace, []byte(strings.Join(parts, "|"))).String()
}

// NewOrderID returns a fresh order ID.
func NewOrderID() string {
	return orderIDPrefix + uuid.NewString()
}

// Submit records and sends an admitted intent. Resubmitting the same intent
// returns the existing order. Intents route as market orders: the order
// carries no price and PriceHint only sizes a notional intent. An intent is
// rejected with code venue_unhealthy when the venue's circuit is open before
// the first attempt.
func (r *Router) Submit(ctx context.Context, a Admitted) (Handle, error) {
	if r.ledger == nil {
		return Handle{}, exception.ErrOrderNilLedger
	}
	if !a.Decision.Admitted() {
		return Handle{}, errors.Wrapf(exception.ErrOrderNotAccepted, "decision %s (%s)", a.Decision.Action, a.Decision.Reason)
	}
	intent := a.Intent
	if !a.Decision.Quantity.IsPositive() || !intent.Side.Valid() || intent.Symbol == "" {
		return Handle{}, errors.Wrapf(exception.ErrOrderInvalidIntent, "intent %s", intent.ID)
	}

	key := IdempotencyKey(intent, a.Decision.Quantity)
	if existing, ok := r.ledger.OrderByKey(key); ok {
		return Handle{OrderID: existing.OrderID, IdempotencyKey: key, Status: existing.Status, Duplicate: true, Order: existing}, nil
	}

	return r.submit(ctx, schema.Order{
		OrderID:        NewOrderID(),
		IntentID:       intent.ID,
		StrategyID:     intent.StrategyID,
		Venue:          intent.Venue,
		Symbol:         intent.Symbol,
		Side:           intent.Side,
		Quantity:       a.Decision.Quantity,
		Status:         schema.OrderStatusPending,
		IdempotencyKey: key,
	})
}

func (r *Router) submit(ctx context.Context, order schema.Order) (Handle, error) {
	client, ok := r.venues.Get(order.Venue)
	if !ok {
		return Handle{}, errors.Wrapf(exception.ErrOrderUnknownVenue, "venue %q", order.Venue)
	}

	// ledger writes must land even if the caller gives up mid-flight
	ledgerCtx := context.WithoutCancel(ctx)

	pending, err := r.ledger.RecordOrder(ledgerCtx, order)
	if err != nil {
		return Handle{}, errors.Wrap(err, "record pending order")
	}
	r.apply.publish(schema.TopicOrderUpdate, pending.Symbol, pending)

	req := venue.SubmitRequest{
		IdempotencyKey: pending.IdempotencyKey,
		Symbol:         pending.Symbol,
		Side:           pending.Side,
		Quantity:       pending.Quantity,
		Price:          pending.Price,
	}
	handle := Handle{OrderID: pending.OrderID, IdempotencyKey: pending.IdempotencyKey}

	var lastErr error
	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		if !r.health.Allow(client.Name()) {
			if lastErr == nil {
				r.metrics.IncOrder("rejected")
				logs.Warnf("order: %s not sent, %s circuit open", pending.OrderID, pending.Venue)
				return r.mark(ledgerCtx, handle, pending.OrderID, schema.OrderStatusRejected, "venue circuit open", venue.CodeVenueUnhealthy)
			}
			return r.unknown(ledgerCtx, handle, pending.OrderID, "circuit opened during retries: "+lastErr.Error())
		}
		handle.Attempts = attempt
		report, err := r.call(ctx, client, req)
		switch venue.Classify(err) {
		case venue.ClassNone:
			r.metrics.IncOrder("submitted")
			updated, err := r.apply.Apply(ledgerCtx, pending.OrderID, report)
			if err != nil {
				return r.finish(handle, updated), errors.Wrap(err, "record venue report")
			}
			if updated.Status == schema.OrderStatusFilled {
				r.metrics.IncOrder("filled")
			}
			return r.finish(handle, updated), nil

		case venue.ClassPermanent:
			var reject *venue.RejectError
			code, reason := venue.CodeVenueRejected, err.Error()
			if stderrors.As(err, &reject) {
				code, reason = reject.Code, reject.Reason
			}
			r.metrics.IncOrder("rejected")
			logs.Infof("order: %s rejected by %s: %s (%s)", pending.OrderID, pending.Venue, reason, code)
			return r.mark(ledgerCtx, handle, pending.OrderID, schema.OrderStatusRejected, reason, code)

		case venue.ClassTransient:
			lastErr = err
			if attempt == r.cfg.MaxAttempts {
				break
			}
			r.metrics.IncOrder("retried")
			wait := r.cfg.Backoff.Next(attempt)
			logs.Warnf("order: %s attempt %d on %s failed, retry in %s: %v", pending.OrderID, attempt, pending.Venue, wait, err)
			if sleepErr := r.sleep(ctx, wait); sleepErr != nil {
				return r.unknown(ledgerCtx, handle, pending.OrderID, "retry interrupted: "+err.Error())
			}
			continue

		default:
			return r.unknown(ledgerCtx, handle, pending.OrderID, "venue outcome unknown: "+err.Error())
		}
	}
	return r.unknown(ledgerCtx, handle, pending.OrderID, "retries exhausted: "+lastErr.Error())
}

func (r *Router) call(ctx context.Context, client venue.Client, req venue.SubmitRequest) (venue.Report, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
	defer cancel()
	start := time.Now()
	report, err := client.Submit(callCtx, req)
	r.metrics.ObserveVenueCall(time.Since(start))
	r.health.Record(client.Name(), err)
	return report, err
}

func (r *Router) unknown(ctx context.Context, handle Handle, orderID, reason string) (Handle, error) {
	r.metrics.IncOrder("pending_unknown")
	logs.Warnf("order: %s is pending_unknown: %s", orderID, reason)
	return r.mark(ctx, handle, orderID, schema.OrderStatusPendingUnknown, reason, "")
}

func (r *Router) mark(ctx context.Context, handle Handle, orderID string, status schema.OrderStatus, reason, code string) (Handle, error) {
	current, _ := r.ledger.Order(orderID)
	next := current
	next.Version = 0
	next.Status = status
	next.Reason = reason
	next.ReasonCode = code
	updated, err := r.ledger.RecordOrder(ctx, next)
	if err != nil {
		return r.finish(handle, current), errors.Wrapf(err, "record %s", status)
	}
	r.apply.publish(schema.TopicOrderUpdate, updated.Symbol, updated)
	return r.finish(handle, updated), nil
}

func (r *Router) finish(handle Handle, order schema.Order) Handle {
	handle.Status = order.Status
	handle.Order = order
	return handle
}

// Cancel cancels an open order with key cancel:<order id>. Transient
// failures are retried; any other failure leaves the order as it is.
func (r *Router) Cancel(ctx context.Context, orderID string) (schema.Order, error) {
	current, ok := r.ledger.Order(orderID)
	if !ok {
		return schema.Order{}, errors.Wrapf(exception.ErrOrderNotFound, "order %s", orderID)
	}
	if current.Status.IsTerminal() {
		return current, errors.Wrapf(exception.ErrOrderTerminal, "order %s is %s", orderID, current.Status)
	}
	client, ok := r.venues.Get(current.Venue)
	if !ok {
		return current, errors.Wrapf(exception.ErrOrderUnknownVenue, "venue %q", current.Venue)
	}

	req := venue.CancelRequest{
		IdempotencyKey: "cancel:" + orderID,
		OrderKey:       current.IdempotencyKey,
		VenueOrderID:   current.VenueOrderID,
	}
	var err error
	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		var report venue.Report
		report, err = r.cancelCall(ctx, client, req)
		switch venue.Classify(err) {
		case venue.ClassNone:
			r.metrics.IncOrder("cancelled")
			return r.apply.Apply(context.WithoutCancel(ctx), orderID, report)
		case venue.ClassTransient:
			if attempt == r.cfg.MaxAttempts {
				break
			}
			if sleepErr := r.sleep(ctx, r.cfg.Backoff.Next(attempt)); sleepErr != nil {
				return current, errors.Wrap(err, "cancel interrupted")
			}
			continue
		}
		break
	}
	return current, errors.Wrapf(err, "cancel %s", orderID)
}

func (r *Router) cancelCall(ctx context.Context, client venue.Client, req venue.CancelRequest) (venue.Report, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
	defer cancel()
	start := time.Now()
	report, err := client.Cancel(callCtx, req)
	r.metrics.ObserveVenueCall(time.Since(start))
	r.health.Record(client.Name(), err)
	return report, err
}

// Replace cancels an order and submits a new one for qty at price (zero for
// market) under key replace:<order id>:<version>.
func (r *Router) Replace(ctx context.Context, orderID string, qty, price decimal.Decimal) (Handle, error) {
	if !qty.IsPositive() || price.IsNegative() {
		return Handle{}, errors.Wrapf(exception.ErrInvalidArgument, "replace %s qty %s price %s", orderID, qty, price)
	}
	cancelled, err := r.Cancel(ctx, orderID)
	if err != nil {
		return Handle{}, err
	}
	if cancelled.Status != schema.OrderStatusCancelled {
		return Handle{}, errors.Wrapf(exception.ErrOrderTerminal, "order %s ended %s before replace", orderID, cancelled.Status)
	}

	key := "replace:" + orderID + ":" + strconv.FormatUint(uint64(cancelled.Version), 10)
	if existing, ok := r.ledger.OrderByKey(key); ok {
		return Handle{OrderID: existing.OrderID, IdempotencyKey: key, Status: existing.Status, Duplicate: true, Order: existing}, nil
	}
	return r.submit(ctx, schema.Order{
		OrderID:        NewOrderID(),
		IntentID:       cancelled.IntentID,
		StrategyID:     cancelled.StrategyID,
		Venue:          cancelled.Venue,
		Symbol:         cancelled.Symbol,
		Side:           cancelled.Side,
		Quantity:       qty,
		Price:          price,
		Status:         schema.OrderStatusPending,
		IdempotencyKey: key,
	})
}
