package rest

import (
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"tradecore/internal/schema"
	"tradecore/internal/venue"
)

// Response is the envelope of every venue reply.
type Response[T any] struct {
	ID    int64         `json:"id"`
	Error ResponseError `json:"error,omitempty"`
	Data  T             `json:"result"`
}

type ResponseError struct {
	Code    int    `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

type ResponseFill struct {
	ID       string          `json:"id"`
	Price    decimal.Decimal `json:"price"`
	Amount   decimal.Decimal `json:"amount"`
	Fee      decimal.Decimal `json:"fee"`
	DealTime int64           `json:"deal_time"`
}

type ResponseOrder struct {
	ID        string          `json:"id"`
	ClientID  string          `json:"client_id"`
	Market    string          `json:"market"`
	Side      string          `json:"side"`
	Status    string          `json:"status"`
	Amount    decimal.Decimal `json:"amount"`
	DealStock decimal.Decimal `json:"deal_stock"`
	Fills     []ResponseFill  `json:"fills"`
	Reason    string          `json:"reason,omitempty"`
}

type ResponseAccount struct {
	Cash      decimal.Decimal            `json:"cash"`
	Positions map[string]decimal.Decimal `json:"positions"`
	Time      int64                      `json:"time"`
}

func orderStatus(s string) schema.OrderStatus {
	switch s {
	case "new", "open":
		return schema.OrderStatusSubmitted
	case "partially_filled", "part_deal":
		return schema.OrderStatusPartiallyFilled
	case "filled", "done":
		return schema.OrderStatusFilled
	case "canceled", "cancelled":
		return schema.OrderStatusCancelled
	case "rejected":
		return schema.OrderStatusRejected
	default:
		return schema.OrderStatusPendingUnknown
	}
}

func side(s string) schema.Side {
	if s == "2" || s == "sell" {
		return schema.SideSell
	}
	return schema.SideBuy
}

func venueSide(s schema.Side) string {
	if s == schema.SideSell {
		return "2"
	}
	return "1"
}

func (o ResponseOrder) report(name string) venue.Report {
	r := venue.Report{
		VenueOrderID:   o.ID,
		IdempotencyKey: o.ClientID,
		Status:         orderStatus(o.Status),
		FilledQty:      o.DealStock,
		Reason:         o.Reason,
	}
	for _, f := range o.Fills {
		r.Fills = append(r.Fills, schema.Fill{
			FillID:         name + "-" + o.ID + "-" + f.ID,
			Venue:          name,
			Symbol:         o.Market,
			Side:           side(o.Side),
			Quantity:       f.Amount,
			Price:          f.Price,
			Fee:            f.Fee,
			VenueTimestamp: time.UnixMilli(f.DealTime).UTC(),
		})
	}
	return r
}

func formatMillis(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}
