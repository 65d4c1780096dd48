package core

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradecore/internal/control"
	"tradecore/internal/ledger"
	"tradecore/internal/obs"
	"tradecore/internal/order"
	"tradecore/internal/risk"
	"tradecore/internal/schema"
	"tradecore/internal/venue"
	"tradecore/internal/venue/paper"
	"tradecore/pkg/exception"
)

var t0 = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func registry(t *testing.T) *schema.Registry {
	t.Helper()
	reg := schema.NewRegistry()
	require.NoError(t, reg.AddVenue("SIM"))
	require.NoError(t, reg.AddSymbol(schema.Symbol{Name: "BTCUSDT", Venue: "SIM", LotStep: d("0.0001"), MinNotional: d("5")}))
	require.NoError(t, reg.AddSymbol(schema.Symbol{Name: "ETHUSDT", Venue: "SIM", LotStep: d("0.001"), MinNotional: d("5")}))
	return reg
}

func limits() risk.Limits {
	return risk.Limits{
		ExposureCapUSDPerSymbol: d("1000"),
		ExposureCapUSDTotal:     d("5000"),
		EquityDrawdownPctMax:    d("0.2"),
		LeverageCap:             d("3"),
		MinNotionalUSD:          d("5"),
	}
}

type stack struct {
	ledger   *ledger.Ledger
	venue    *paper.Venue
	plane    *control.Plane
	pipeline *Pipeline
	metrics  *obs.Metrics
}

func newStack(t *testing.T) *stack {
	t.Helper()
	clock := func() time.Time { return t0 }
	l, err := ledger.Open(t.Context(), ledger.NewMemoryJournal(), ledger.Config{InitialCash: d("10000"), InitialVenue: "SIM", Clock: clock})
	require.NoError(t, err)
	l.MarkPrice("SIM", "BTCUSDT", d("50000"))

	v := paper.New(paper.Config{Name: "SIM", InitialCash: d("10000"), Clock: clock})
	v.SetMark("BTCUSDT", d("50000"))

	metrics := obs.NewMetrics()
	health := venue.NewHealth(venue.HealthConfig{Clock: clock})
	router := order.NewRouter(order.Config{}, l, venue.NewSet(v), health, metrics, nil)
	plane := control.NewPlane(control.Config{Clock: clock}, l, l, metrics)
	gate := risk.NewGate(risk.NewLimitStore(limits()), metrics)
	p := NewPipeline(Config{Shards: 2, Clock: clock}, registry(t), gate, l, plane, health, router, metrics)
	plane.SetAdmitter(p)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = p.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return &stack{ledger: l, venue: v, plane: plane, pipeline: p, metrics: metrics}
}

func buy(notional string) schema.TradeIntent {
	return schema.TradeIntent{ID: "i-" + notional, StrategyID: "trend", Symbol: "BTCUSDT", Side: schema.SideBuy, Notional: d(notional)}
}

func TestAdmitRoutesToFill(t *testing.T) {
	s := newStack(t)
	adm, err := s.pipeline.Admit(t.Context(), buy("25"))
	require.NoError(t, err)
	require.Equal(t, risk.ActionAccept, adm.Decision.Action)
	assert.Equal(t, schema.OrderStatusFilled, adm.Handle.Status)

	pos := s.ledger.Snapshot().Position("SIM", "BTCUSDT")
	assert.True(t, pos.Quantity.Equal(d("0.0005")), "qty %s", pos.Quantity)
	assert.Equal(t, 1, s.venue.Submits())
}

func TestAdmitRejections(t *testing.T) {
	s := newStack(t)
	ctx := t.Context()

	unknown := buy("25")
	unknown.Symbol = "DOGEUSDT"
	adm, err := s.pipeline.Admit(ctx, unknown)
	require.NoError(t, err)
	assert.Equal(t, risk.ReasonInvalidIntent, adm.Decision.Reason)

	adm, err = s.pipeline.Admit(ctx, buy("5000"))
	require.NoError(t, err)
	assert.Equal(t, risk.ReasonExposureCapExceeded, adm.Decision.Reason)

	_, err = s.plane.Apply(ctx, schema.ControlCommand{Command: schema.CommandPause, Actor: "ops", IdempotencyKey: "p1"})
	require.NoError(t, err)
	adm, err = s.pipeline.Admit(ctx, buy("25"))
	require.NoError(t, err)
	assert.Equal(t, risk.ReasonTradingPaused, adm.Decision.Reason)

	assert.Equal(t, 0, s.venue.Submits())
	assert.Equal(t, uint64(1), s.metrics.Snapshot().Admissions[string(risk.ReasonTradingPaused)])
}

func TestFlattenThroughPipeline(t *testing.T) {
	s := newStack(t)
	ctx := t.Context()
	_, err := s.pipeline.Admit(ctx, buy("25"))
	require.NoError(t, err)

	res, err := s.plane.Apply(ctx, schema.ControlCommand{Command: schema.CommandFlatten, Actor: "alice", Approver: "bob", IdempotencyKey: "flat-1"})
	require.NoError(t, err)
	assert.Equal(t, schema.StatusPaused, res.Status)
	require.Len(t, res.Flatten, 1)
	assert.Equal(t, risk.ActionAccept, res.Flatten[0].Decision)
	assert.Equal(t, schema.OrderStatusFilled, res.Flatten[0].Status)
	assert.Empty(t, res.Flatten[0].Error)

	pos := s.ledger.Snapshot().Position("SIM", "BTCUSDT")
	assert.True(t, pos.Quantity.IsZero(), "qty %s", pos.Quantity)
	assert.NoError(t, s.ledger.Verify())
}

type recordingRouter struct {
	mu  sync.Mutex
	ids []string
}

func (r *recordingRouter) Submit(_ context.Context, a order.Admitted) (order.Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, a.Intent.ID)
	return order.Handle{OrderID: "o-" + a.Intent.ID, Status: schema.OrderStatusSubmitted}, nil
}

func (r *recordingRouter) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ids...)
}

func newStubPipeline(t *testing.T, cfg Config, router Submitter) *Pipeline {
	t.Helper()
	l, err := ledger.Open(t.Context(), ledger.NewMemoryJournal(), ledger.Config{InitialCash: d("10000"), InitialVenue: "SIM"})
	require.NoError(t, err)
	l.MarkPrice("SIM", "BTCUSDT", d("50000"))
	l.MarkPrice("SIM", "ETHUSDT", d("2500"))
	gate := risk.NewGate(risk.NewLimitStore(limits()), nil)
	return NewPipeline(cfg, registry(t), gate, l, nil, nil, router, nil)
}

func TestEmitKeepsPerSymbolOrder(t *testing.T) {
	router := &recordingRouter{}
	p := newStubPipeline(t, Config{Shards: 4}, router)
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	go func() { _ = p.Run(ctx) }()

	want := make([]string, 0, 20)
	for i := range 20 {
		intent := buy("10")
		intent.ID = fmt.Sprintf("btc-%02d", i)
		require.NoError(t, p.Emit(intent))
		want = append(want, intent.ID)
	}

	require.Eventually(t, func() bool { return len(router.seen()) == 20 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, want, router.seen())
}

func TestEmitBusyAndClosed(t *testing.T) {
	p := newStubPipeline(t, Config{Shards: 1, InboxDepth: 1}, &recordingRouter{})

	require.NoError(t, p.Emit(buy("10")))
	err := p.Emit(buy("10"))
	assert.ErrorIs(t, err, exception.ErrPipelineShardBusy)

	p.Close()
	assert.ErrorIs(t, p.Emit(buy("10")), exception.ErrPipelineClosed)
	_, err = p.Admit(t.Context(), buy("10"))
	assert.ErrorIs(t, err, exception.ErrPipelineClosed)
	assert.NoError(t, p.Run(t.Context()))
}

func TestAdmitHonorsContext(t *testing.T) {
	p := newStubPipeline(t, Config{Shards: 1}, &recordingRouter{})
	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Millisecond)
	defer cancel()

	_, err := p.Admit(ctx, buy("10"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestViewPinsLedgerAndHealth(t *testing.T) {
	s := newStack(t)
	_, err := s.pipeline.Admit(t.Context(), buy("25"))
	require.NoError(t, err)

	sym, _ := registry(t).Symbol("SIM", "BTCUSDT")
	view := s.pipeline.View(buy("25"), sym)
	assert.Equal(t, schema.StatusRunning, view.Status)
	assert.True(t, view.VenueHealthy)
	assert.True(t, view.Position.Equal(d("0.0005")))
	assert.True(t, view.SymbolExposure.Equal(d("25")))
	assert.True(t, view.TotalExposure.Equal(d("25")))
	assert.True(t, view.MarkPrice.Equal(d("50000")))
	assert.False(t, view.LastTradeAt.IsZero())
}

func TestSameSymbolOnTwoVenues(t *testing.T) {
	reg := registry(t)
	require.NoError(t, reg.AddVenue("ALT"))
	require.NoError(t, reg.AddSymbol(schema.Symbol{Name: "BTCUSDT", Venue: "ALT", LotStep: d("0.001"), MinNotional: d("10")}))

	l, err := ledger.Open(t.Context(), ledger.NewMemoryJournal(), ledger.Config{InitialCash: d("10000"), InitialVenue: "SIM", Clock: func() time.Time { return t0 }})
	require.NoError(t, err)
	l.MarkPrice("SIM", "BTCUSDT", d("50000"))
	l.MarkPrice("ALT", "BTCUSDT", d("50100"))
	p := NewPipeline(Config{Clock: func() time.Time { return t0 }}, reg, nil, l, nil, nil, nil, nil)

	assert.Empty(t, p.normalize(buy("25")).Venue, "an ambiguous symbol must not pick a venue")
	_, ok := p.symbol(buy("25"))
	assert.False(t, ok)

	alt := buy("25")
	alt.Venue = "ALT"
	sym, ok := p.symbol(alt)
	require.True(t, ok)
	assert.Equal(t, "ALT", sym.Venue)
	assert.True(t, sym.MinNotional.Equal(d("10")))

	rv := l.RiskView("ALT", "BTCUSDT")
	assert.True(t, rv.Mark.Equal(d("50100")))
	assert.True(t, l.RiskView("SIM", "BTCUSDT").Mark.Equal(d("50000")))
}
