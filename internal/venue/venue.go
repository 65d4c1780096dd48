package venue

import (
	"context"
	"errors"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"tradecore/internal/schema"
)

var (
	// ErrTransient marks a call the venue did not execute. It is safe to retry
	// with the same idempotency key.
	ErrTransient = errors.New("venue: transient error")
	// ErrAmbiguous marks a call that may or may not have executed.
	ErrAmbiguous = errors.New("venue: ambiguous outcome")
	// ErrOrderNotFound is returned by Query when the venue has no order for
	// the idempotency key.
	ErrOrderNotFound = errors.New("venue: order not found")
)

// Normalized rejection codes.
const (
	CodeInsufficientBalance = "insufficient_balance"
	CodeUnknownSymbol       = "unknown_symbol"
	CodeInvalidQuantity     = "invalid_quantity"
	CodeOrderNotOpen        = "order_not_open"
	CodeVenueRejected       = "venue_rejected"
	// CodeVenueUnhealthy marks an order never sent because the venue's
	// circuit was open.
	CodeVenueUnhealthy = "venue_unhealthy"
)

// RejectError is a permanent rejection. Reason is the venue's message
// verbatim; Code is normalized.
type RejectError struct {
	Venue  string
	Code   string
	Reason string
}

func (e *RejectError) Error() string {
	return "venue " + e.Venue + " rejected (" + e.Code + "): " + e.Reason
}

// Reject builds a RejectError, deriving the code from reason.
func Reject(venue, reason string) *RejectError {
	return &RejectError{Venue: venue, Code: NormalizeCode(reason), Reason: reason}
}

// NormalizeCode maps a venue message to a stable rejection code.
func NormalizeCode(reason string) string {
	r := strings.ToLower(reason)
	switch {
	case strings.Contains(r, "insufficient"), strings.Contains(r, "balance"), strings.Contains(r, "margin"):
		return CodeInsufficientBalance
	case strings.Contains(r, "symbol"), strings.Contains(r, "instrument"), strings.Contains(r, "market not found"):
		return CodeUnknownSymbol
	case strings.Contains(r, "quantity"), strings.Contains(r, "qty"), strings.Contains(r, "lot"), strings.Contains(r, "size"):
		return CodeInvalidQuantity
	case strings.Contains(r, "not open"), strings.Contains(r, "already"):
		return CodeOrderNotOpen
	default:
		return CodeVenueRejected
	}
}

// Class is the retry class of a venue error.
type Class int

const (
	ClassNone Class = iota
	ClassTransient
	ClassAmbiguous
	ClassPermanent
	ClassNotFound
)

func (c Class) String() string {
	switch c {
	case ClassNone:
		return "ok"
	case ClassTransient:
		return "transient"
	case ClassAmbiguous:
		return "ambiguous"
	case ClassPermanent:
		return "permanent"
	case ClassNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Classify returns the retry class of err. Errors that carry no class are
// ambiguous: the call may have reached the venue.
func Classify(err error) Class {
	if err == nil {
		return ClassNone
	}
	var reject *RejectError
	switch {
	case errors.As(err, &reject):
		return ClassPermanent
	case errors.Is(err, ErrOrderNotFound):
		return ClassNotFound
	case errors.Is(err, ErrTransient):
		return ClassTransient
	case errors.Is(err, ErrAmbiguous), errors.Is(err, context.DeadlineExceeded):
		return ClassAmbiguous
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassAmbiguous
	}
	return ClassAmbiguous
}

// SubmitRequest is a new order sent to a venue.
type SubmitRequest struct {
	IdempotencyKey string
	Symbol         string
	Side           schema.Side
	Quantity       decimal.Decimal
	// Price zero means a market order.
	Price decimal.Decimal
}

// CancelRequest cancels the order submitted under OrderKey.
type CancelRequest struct {
	IdempotencyKey string
	OrderKey       string
	VenueOrderID   string
}

// Report is the venue's view of one order.
type Report struct {
	VenueOrderID   string             `json:"venue_order_id"`
	IdempotencyKey string             `json:"idempotency_key"`
	Status         schema.OrderStatus `json:"status"`
	FilledQty      decimal.Decimal    `json:"filled_qty"`
	Fills          []schema.Fill      `json:"fills"`
	Reason         string             `json:"reason,omitempty"`
}

// Balances is a venue account snapshot.
type Balances struct {
	Venue     string                     `json:"venue"`
	Cash      decimal.Decimal            `json:"cash"`
	Positions map[string]decimal.Decimal `json:"positions"`
	At        time.Time                  `json:"at"`
}

// Client is one trading venue.
type Client interface {
	Name() string
	Submit(ctx context.Context, req SubmitRequest) (Report, error)
	Cancel(ctx context.Context, req CancelRequest) (Report, error)
	Query(ctx context.Context, idempotencyKey string) (Report, error)
	Balances(ctx context.Context) (Balances, error)
}

// Set maps venue names to clients.
type Set struct {
	clients map[string]Client
}

// NewSet indexes clients by name.
func NewSet(clients ...Client) *Set {
	s := &Set{clients: make(map[string]Client, len(clients))}
	for _, c := range clients {
		s.clients[c.Name()] = c
	}
	return s
}

// Get returns the client for name.
func (s *Set) Get(name string) (Client, bool) {
	if s == nil {
		return nil, false
	}
	c, ok := s.clients[name]
	return c, ok
}

// Names returns the venue names, sorted.
func (s *Set) Names() []string {
	if s == nil {
		return nil
	}
	names := make([]string, 0, len(s.clients))
	for name := range s.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
