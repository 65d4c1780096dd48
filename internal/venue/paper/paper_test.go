package paper

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradecore/internal/schema"
	"tradecore/internal/venue"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newVenue() *Venue {
	v := New(Config{Name: "SIM", FeeBps: d("5"), InitialCash: d("10000")})
	v.SetMark("BTCUSDT", d("50000"))
	return v
}

func TestSubmitFillsAtMarkWithFee(t *testing.T) {
	v := newVenue()
	report, err := v.Submit(t.Context(), venue.SubmitRequest{
		IdempotencyKey: "k1", Symbol: "BTCUSDT", Side: schema.SideBuy, Quantity: d("0.0005"),
	})
	require.NoError(t, err)
	assert.Equal(t, schema.OrderStatusFilled, report.Status)
	require.Len(t, report.Fills, 1)
	assert.True(t, report.Fills[0].Price.Equal(d("50000")))
	assert.True(t, report.Fills[0].Fee.Equal(d("0.0125")))

	bal, err := v.Balances(t.Context())
	require.NoError(t, err)
	assert.True(t, bal.Cash.Equal(d("9974.9875")), "cash %s", bal.Cash)
	assert.True(t, bal.Positions["BTCUSDT"].Equal(d("0.0005")))
}

func TestSubmitIsIdempotent(t *testing.T) {
	v := newVenue()
	req := venue.SubmitRequest{IdempotencyKey: "k1", Symbol: "BTCUSDT", Side: schema.SideBuy, Quantity: d("0.001")}
	first, err := v.Submit(t.Context(), req)
	require.NoError(t, err)
	second, err := v.Submit(t.Context(), req)
	require.NoError(t, err)

	assert.Equal(t, first.VenueOrderID, second.VenueOrderID)
	assert.Equal(t, 1, v.Submits())
	bal, err := v.Balances(t.Context())
	require.NoError(t, err)
	assert.True(t, bal.Positions["BTCUSDT"].Equal(d("0.001")))
}

func TestSubmitRejections(t *testing.T) {
	v := newVenue()
	_, err := v.Submit(t.Context(), venue.SubmitRequest{IdempotencyKey: "k1", Symbol: "BTCUSDT", Side: schema.SideBuy, Quantity: d("1")})
	var reject *venue.RejectError
	require.ErrorAs(t, err, &reject)
	assert.Equal(t, venue.CodeInsufficientBalance, reject.Code)
	assert.Equal(t, venue.ClassPermanent, venue.Classify(err))

	_, err = v.Submit(t.Context(), venue.SubmitRequest{IdempotencyKey: "k2", Symbol: "DOGEUSDT", Side: schema.SideBuy, Quantity: d("1")})
	require.ErrorAs(t, err, &reject)
	assert.Equal(t, venue.CodeUnknownSymbol, reject.Code)

	v.RejectSymbol("BTCUSDT", "Order quantity below lot size")
	_, err = v.Submit(t.Context(), venue.SubmitRequest{IdempotencyKey: "k3", Symbol: "BTCUSDT", Side: schema.SideSell, Quantity: d("1")})
	require.ErrorAs(t, err, &reject)
	assert.Equal(t, venue.CodeInvalidQuantity, reject.Code)
	assert.Equal(t, "Order quantity below lot size", reject.Reason)
}

func TestLimitOrderRestsUntilMarketable(t *testing.T) {
	v := newVenue()
	report, err := v.Submit(t.Context(), venue.SubmitRequest{
		IdempotencyKey: "k1", Symbol: "BTCUSDT", Side: schema.SideBuy, Quantity: d("0.01"), Price: d("49000"),
	})
	require.NoError(t, err)
	assert.Equal(t, schema.OrderStatusSubmitted, report.Status)

	v.SetMark("BTCUSDT", d("48900"))
	report, err = v.Query(t.Context(), "k1")
	require.NoError(t, err)
	assert.Equal(t, schema.OrderStatusFilled, report.Status)
	assert.True(t, report.Fills[0].Price.Equal(d("48900")))
}

func TestCancelAndQuery(t *testing.T) {
	v := newVenue()
	_, err := v.Submit(t.Context(), venue.SubmitRequest{
		IdempotencyKey: "k1", Symbol: "BTCUSDT", Side: schema.SideSell, Quantity: d("0.01"), Price: d("60000"),
	})
	require.NoError(t, err)

	report, err := v.Cancel(t.Context(), venue.CancelRequest{IdempotencyKey: "cancel:o1", OrderKey: "k1"})
	require.NoError(t, err)
	assert.Equal(t, schema.OrderStatusCancelled, report.Status)

	again, err := v.Cancel(t.Context(), venue.CancelRequest{IdempotencyKey: "cancel:o1", OrderKey: "k1"})
	require.NoError(t, err)
	assert.Equal(t, report.VenueOrderID, again.VenueOrderID)

	_, err = v.Cancel(t.Context(), venue.CancelRequest{IdempotencyKey: "cancel:o1b", OrderKey: "k1"})
	assert.Equal(t, venue.ClassPermanent, venue.Classify(err))

	_, err = v.Query(t.Context(), "missing")
	assert.ErrorIs(t, err, venue.ErrOrderNotFound)
}

func TestDownVenueIsTransient(t *testing.T) {
	v := newVenue()
	v.SetDown(true)
	_, err := v.Submit(t.Context(), venue.SubmitRequest{IdempotencyKey: "k1", Symbol: "BTCUSDT", Side: schema.SideBuy, Quantity: d("0.001")})
	assert.Equal(t, venue.ClassTransient, venue.Classify(err))
	assert.Equal(t, 0, v.Submits())

	v.SetDown(false)
	_, err = v.Submit(t.Context(), venue.SubmitRequest{IdempotencyKey: "k1", Symbol: "BTCUSDT", Side: schema.SideBuy, Quantity: d("0.001")})
	require.NoError(t, err)
}
