package order

import (
	"context"
	"fmt"
	"time"

	"github.com/yanun0323/errors"

	"tradecore/internal/bus"
	"tradecore/internal/schema"
	"tradecore/internal/venue"
	"tradecore/pkg/exception"
)

// Ledger is the part of the ledger the router writes through.
type Ledger interface {
	RecordOrder(ctx context.Context, order schema.Order) (schema.Order, error)
	RecordFill(ctx context.Context, fill schema.Fill) (schema.Order, bool, error)
	Order(id string) (schema.Order, bool)
	OrderByKey(key string) (schema.Order, bool)
}

// Publisher receives order and fill updates.
type Publisher interface {
	Publish(e bus.Event) error
}

// Applier records venue reports into the ledger and publishes the resulting
// order and fill updates.
type Applier struct {
	Ledger    Ledger
	Publisher Publisher
	Clock     func() time.Time
}

func (a Applier) now() time.Time {
	if a.Clock == nil {
		return time.Now()
	}
	return a.Clock()
}

// Apply records the fills in report and moves the order to the venue's
// status. Fills already recorded are skipped by fill ID.
func (a Applier) Apply(ctx context.Context, orderID string, report venue.Report) (schema.Order, error) {
	current, ok := a.Ledger.Order(orderID)
	if !ok {
		return schema.Order{}, errors.Wrapf(exception.ErrLedgerUnknownOrder, "apply report for order %s", orderID)
	}

	if report.VenueOrderID != "" && current.VenueOrderID == "" && !current.Status.IsTerminal() {
		next := current
		next.Version = 0
		next.VenueOrderID = report.VenueOrderID
		unresolved := current.Status == schema.OrderStatusPending || current.Status == schema.OrderStatusPendingUnknown
		if unresolved && report.Status != schema.OrderStatusRejected {
			next.Status = schema.OrderStatusSubmitted
			next.Reason = ""
		}
		updated, err := a.Ledger.RecordOrder(ctx, next)
		if err != nil {
			return current, err
		}
		current = updated
		a.publish(schema.TopicOrderUpdate, current.Symbol, current)
	}

	for i, fill := range report.Fills {
		fill.OrderID = orderID
		if fill.FillID == "" {
			fill.FillID = fmt.Sprintf("%s:%s:%d", current.Venue, report.VenueOrderID, i)
		}
		if fill.ReceivedAt.IsZero() {
			fill.ReceivedAt = a.now()
		}
		updated, applied, err := a.Ledger.RecordFill(ctx, fill)
		if err != nil {
			return current, err
		}
		current = updated
		if applied {
			a.publish(schema.TopicFill, current.Symbol, fill)
			a.publish(schema.TopicOrderUpdate, current.Symbol, current)
		}
	}

	target := report.Status
	switch {
	case current.Status.IsTerminal(), target == current.Status:
		return current, nil
	case target == schema.OrderStatusSubmitted && current.Status != schema.OrderStatusPending && current.Status != schema.OrderStatusPendingUnknown:
		return current, nil
	case target == schema.OrderStatusCancelled, target == schema.OrderStatusRejected, target == schema.OrderStatusSubmitted:
		next := current
		next.Version = 0
		next.Status = target
		if report.Reason != "" {
			next.Reason = report.Reason
		}
		if target == schema.OrderStatusRejected && next.ReasonCode == "" {
			next.ReasonCode = venue.NormalizeCode(report.Reason)
		}
		updated, err := a.Ledger.RecordOrder(ctx, next)
		if err != nil {
			return current, err
		}
		a.publish(schema.TopicOrderUpdate, updated.Symbol, updated)
		return updated, nil
	default:
		// filled and partially filled follow from the recorded fills
		return current, nil
	}
}

func (a Applier) publish(topic schema.Topic, key string, payload any) {
	if a.Publisher == nil {
		return
	}
	_ = a.Publisher.Publish(bus.Event{Topic: topic, Key: key, Payload: payload})
}
