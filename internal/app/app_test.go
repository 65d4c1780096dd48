package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradecore/internal/api"
	"tradecore/internal/bus"
	"tradecore/internal/ops"
	"tradecore/internal/reconcile"
	"tradecore/internal/schema"
	"tradecore/pkg/conn"
)

const sessionConfig = `
registry:
  venues:
    - name: SIM
      kind: paper
      initial_cash: "10000"
  symbols:
    - name: BTCUSDT
      venue: SIM
      lot_step: "0.0001"
      min_notional: "5"
    - name: ETHUSDT
      venue: SIM
      lot_step: "0.001"
      min_notional: "5"
risk:
  exposure_cap_usd_per_symbol: "2000"
  exposure_cap_usd_total: "5000"
  leverage_cap: "2"
reconcile:
  interval: 1h
ledger:
  store: memory
feeds:
  synthetic:
    - venue: SIM
      symbols: [ETHUSDT]
      start_price: "3000"
      volatility: 0.001
      interval: 10ms
      seed: 1
`

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func loadSession(t *testing.T) ops.Loaded {
	t.Helper()
	cfg, err := ops.Parse([]byte(sessionConfig), ".yaml")
	require.NoError(t, err)
	loaded, err := ops.Resolve(cfg)
	require.NoError(t, err)
	return loaded
}

func TestSessionTradesFlattensAndReconciles(t *testing.T) {
	a, err := New(t.Context(), loadSession(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	assert.True(t, a.Ledger.Snapshot().Cash.Equal(d("10000")))

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx, RunOptions{}) }()

	require.NoError(t, a.Fabric.Publish(bus.Event{
		Topic:   schema.TopicMarketTick,
		Key:     "BTCUSDT",
		Payload: schema.Tick{Venue: "SIM", Symbol: "BTCUSDT", Price: d("50000"), Timestamp: time.Now()},
	}))
	require.Eventually(t, func() bool {
		return a.Venues.Paper["SIM"].Marks()["BTCUSDT"].Equal(d("50000"))
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return a.Ledger.Snapshot().Mark("SIM", "ETHUSDT").IsPositive()
	}, 2*time.Second, 5*time.Millisecond, "synthetic feed never marked ETHUSDT")

	adm, err := a.Pipeline.Admit(t.Context(), schema.TradeIntent{
		StrategyID: "manual",
		Symbol:     "BTCUSDT",
		Venue:      "SIM",
		Side:       schema.SideBuy,
		Notional:   d("500"),
	})
	require.NoError(t, err)
	require.True(t, adm.Decision.Admitted(), "reason %s", adm.Decision.Reason)
	assert.Equal(t, schema.OrderStatusFilled, adm.Handle.Status)
	assert.True(t, a.Ledger.Snapshot().Position("SIM", "BTCUSDT").Quantity.Equal(d("0.01")))

	report := a.Reconcile.RunOnce(t.Context())
	require.Len(t, report.Venues, 1)
	assert.Equal(t, reconcile.OutcomeOK, report.Venues[0].Outcome)

	req := httptest.NewRequest(http.MethodPost, "/control/flatten", nil)
	req.Header.Set(api.HeaderOperator, "alice")
	req.Header.Set(api.HeaderApprover, "bob")
	req.Header.Set(api.HeaderIdempotencyKey, "flatten-1")
	w := httptest.NewRecorder()
	a.Handler.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	assert.Equal(t, schema.StatusPaused, a.Plane.Status())
	assert.True(t, a.Ledger.Snapshot().Position("SIM", "BTCUSDT").Quantity.IsZero())

	report = a.Reconcile.RunOnce(t.Context())
	assert.Equal(t, reconcile.OutcomeOK, report.Venues[0].Outcome)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop")
	}
}

func TestRunRejectsBrokenFeed(t *testing.T) {
	loaded := loadSession(t)
	loaded.Synthetic[0].Symbols = nil

	a, err := New(t.Context(), loaded)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	assert.Error(t, a.Run(t.Context(), RunOptions{}))
}

func TestNewRestoresControlStatusFromJournal(t *testing.T) {
	loaded := loadSession(t)
	loaded.Ledger.Store = ops.StoreSQLite
	loaded.Ledger.SQL = conn.Option{Driver: conn.DriverSQLite, Path: t.TempDir() + "/journal.db"}

	first, err := New(t.Context(), loaded)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/control/pause", nil)
	req.Header.Set(api.HeaderOperator, "alice")
	req.Header.Set(api.HeaderIdempotencyKey, "pause-1")
	w := httptest.NewRecorder()
	first.Handler.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.NoError(t, first.Close())

	second, err := New(t.Context(), loaded)
	require.NoError(t, err)
	t.Cleanup(func() { _ = second.Close() })

	assert.Equal(t, schema.StatusPaused, second.Plane.Status())
	assert.True(t, second.Ledger.Snapshot().Cash.Equal(d("10000")), "capital must be seeded once")
}
