package og

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradecore/internal/schema"
)

func newOrder(id string, qty string) schema.Order {
	return schema.Order{
		OrderID:  id,
		Symbol:   "BTCUSDT",
		Side:     schema.SideBuy,
		Quantity: decimal.RequireFromString(qty),
		Status:   schema.OrderStatusPending,
	}
}

func TestStateMachineFillLifecycle(t *testing.T) {
	m := NewStateMachine()
	_, err := m.ApplyNew(newOrder("o1", "1"))
	require.NoError(t, err)

	_, err = m.ApplyNew(newOrder("o1", "1"))
	assert.ErrorIs(t, err, ErrDuplicateOrder)

	_, err = m.ApplyStatus("o1", schema.OrderStatusSubmitted)
	require.NoError(t, err)

	o, err := m.ApplyFill("o1", decimal.RequireFromString("0.4"))
	require.NoError(t, err)
	assert.Equal(t, schema.OrderStatusPartiallyFilled, o.Status)
	assert.True(t, o.LeavesQty().Equal(decimal.RequireFromString("0.6")))

	_, err = m.ApplyFill("o1", decimal.RequireFromString("0.7"))
	assert.ErrorIs(t, err, ErrInvalidFill)

	o, err = m.ApplyFill("o1", decimal.RequireFromString("0.6"))
	require.NoError(t, err)
	assert.Equal(t, schema.OrderStatusFilled, o.Status)

	_, err = m.ApplyStatus("o1", schema.OrderStatusCancelled)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Empty(t, m.Open())
}

func TestStateMachinePendingUnknownResolution(t *testing.T) {
	testCases := []struct {
		desc string
		to   schema.OrderStatus
		ok   bool
	}{
		{"discovered fill", schema.OrderStatusFilled, true},
		{"confirmed absent", schema.OrderStatusCancelled, true},
		{"resting at venue", schema.OrderStatusSubmitted, true},
		{"back to pending", schema.OrderStatusPending, false},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			m := NewStateMachine()
			_, err := m.ApplyNew(newOrder("o1", "1"))
			require.NoError(t, err)
			_, err = m.ApplyStatus("o1", schema.OrderStatusPendingUnknown)
			require.NoError(t, err)

			_, err = m.ApplyStatus("o1", tc.to)
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidTransition)
			}
		})
	}
}

func TestStateMachineUnknownOrder(t *testing.T) {
	m := NewStateMachine()
	_, err := m.ApplyStatus("missing", schema.OrderStatusSubmitted)
	assert.ErrorIs(t, err, ErrUnknownOrder)
	_, err = m.ApplyFill("missing", decimal.NewFromInt(1))
	assert.ErrorIs(t, err, ErrUnknownOrder)

	bad := newOrder("o2", "1")
	bad.Status = schema.OrderStatusFilled
	_, err = m.ApplyNew(bad)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}
