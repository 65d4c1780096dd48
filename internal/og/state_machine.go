package og

import (
	"errors"

	"github.com/shopspring/decimal"

	"tradecore/internal/schema"
)

var (
	ErrDuplicateOrder    = errors.New("order already exists")
	ErrUnknownOrder      = errors.New("order not found")
	ErrInvalidTransition = errors.New("invalid order state transition")
	ErrInvalidFill       = errors.New("invalid fill quantity")
)

var transitions = map[schema.OrderStatus][]schema.OrderStatus{
	schema.OrderStatusPending: {
		schema.OrderStatusSubmitted,
		schema.OrderStatusPartiallyFilled,
		schema.OrderStatusFilled,
		schema.OrderStatusRejected,
		schema.OrderStatusPendingUnknown,
	},
	schema.OrderStatusSubmitted: {
		schema.OrderStatusPartiallyFilled,
		schema.OrderStatusFilled,
		schema.OrderStatusCancelled,
		schema.OrderStatusRejected,
		schema.OrderStatusPendingUnknown,
	},
	schema.OrderStatusPartiallyFilled: {
		schema.OrderStatusPartiallyFilled,
		schema.OrderStatusFilled,
		schema.OrderStatusCancelled,
		schema.OrderStatusPendingUnknown,
	},
	schema.OrderStatusPendingUnknown: {
		schema.OrderStatusSubmitted,
		schema.OrderStatusPartiallyFilled,
		schema.OrderStatusFilled,
		schema.OrderStatusCancelled,
		schema.OrderStatusRejected,
	},
}

// CanTransition reports whether an order may move from one status to another.
func CanTransition(from, to schema.OrderStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Order holds the lifecycle view of an order.
type Order struct {
	ID        string
	Symbol    string
	Side      schema.Side
	Qty       decimal.Decimal
	FilledQty decimal.Decimal
	Status    schema.OrderStatus
}

// LeavesQty returns the unfilled quantity.
func (o Order) LeavesQty() decimal.Decimal {
	return o.Qty.Sub(o.FilledQty)
}

// StateMachine validates order transitions and tracks filled quantity.
type StateMachine struct {
	orders map[string]*Order
}

// NewStateMachine creates an empty state machine.
func NewStateMachine() *StateMachine {
	return &StateMachine{orders: make(map[string]*Order)}
}

// Order returns a copy of the current order state.
func (m *StateMachine) Order(id string) (Order, bool) {
	o, ok := m.orders[id]
	if !ok {
		return Order{}, false
	}
	return *o, true
}

// Count returns the number of tracked orders.
func (m *StateMachine) Count() int {
	return len(m.orders)
}

// ApplyNew starts tracking an order in pending state.
func (m *StateMachine) ApplyNew(order schema.Order) (Order, error) {
	if order.OrderID == "" {
		return Order{}, ErrUnknownOrder
	}
	if _, ok := m.orders[order.OrderID]; ok {
		return Order{}, ErrDuplicateOrder
	}
	if order.Status != schema.OrderStatusPending {
		return Order{}, ErrInvalidTransition
	}
	o := &Order{
		ID:     order.OrderID,
		Symbol: order.Symbol,
		Side:   order.Side,
		Qty:    order.Quantity,
		Status: schema.OrderStatusPending,
	}
	m.orders[o.ID] = o
	return *o, nil
}

// ApplyStatus moves an order to status if the transition is allowed.
func (m *StateMachine) ApplyStatus(id string, status schema.OrderStatus) (Order, error) {
	o, ok := m.orders[id]
	if !ok {
		return Order{}, ErrUnknownOrder
	}
	if !CanTransition(o.Status, status) {
		return *o, ErrInvalidTransition
	}
	o.Status = status
	return *o, nil
}

// ApplyFill adds qty to the filled quantity and derives the fill status.
func (m *StateMachine) ApplyFill(id string, qty decimal.Decimal) (Order, error) {
	o, ok := m.orders[id]
	if !ok {
		return Order{}, ErrUnknownOrder
	}
	if o.Status.IsTerminal() {
		return *o, ErrInvalidTransition
	}
	if !qty.IsPositive() || o.FilledQty.Add(qty).GreaterThan(o.Qty) {
		return *o, ErrInvalidFill
	}
	o.FilledQty = o.FilledQty.Add(qty)
	if o.FilledQty.Equal(o.Qty) {
		o.Status = schema.OrderStatusFilled
	} else {
		o.Status = schema.OrderStatusPartiallyFilled
	}
	return *o, nil
}

// Open returns the IDs of non-terminal orders.
func (m *StateMachine) Open() []string {
	ids := make([]string, 0)
	for id, o := range m.orders {
		if !o.Status.IsTerminal() {
			ids = append(ids, id)
		}
	}
	return ids
}
