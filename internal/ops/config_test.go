package ops

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradecore/internal/ledger"
	"tradecore/internal/risk"
	"tradecore/internal/strategy"
	"tradecore/internal/venue/chaos"
	"tradecore/internal/venue/paper"
	"tradecore/pkg/exception"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

const minimalJSON = `{
  "registry": {
    "venues": [{"name": "SIM", "kind": "paper", "initial_cash": "1000"}],
    "symbols": [{"name": "BTCUSDT", "venue": "SIM", "lot_step": "0.001", "min_notional": 5}]
  },
  "risk": {"exposure_cap_usd_per_symbol": "500", "cooldown_window": "1500ms"},
  "router": {"call_timeout": 2000000000, "backoff_max": "1s"},
  "ledger": {"store": "memory"}
}`

func TestLoadExampleConfig(t *testing.T) {
	loaded, err := Load(filepath.Join("..", "..", "configs", "trader.yaml"))
	require.NoError(t, err)

	assert.Equal(t, []string{"SIM", "DRILL"}, loaded.Registry.Venues())
	sym, ok := loaded.Registry.Symbol("DRILL", "SOLUSDT")
	require.True(t, ok)
	assert.Equal(t, "DRILL", sym.Venue)
	assert.True(t, sym.LotStep.Equal(d("0.01")))

	assert.True(t, loaded.Limits.ExposureCapUSDPerSymbol.Equal(d("25000")))
	assert.Equal(t, 2*time.Second, loaded.Limits.CooldownWindow)
	assert.Equal(t, 0.2, loaded.Limits.VenueErrorRateMax)
	assert.Equal(t, 3, loaded.Router.MaxAttempts)
	assert.Equal(t, 2*time.Second, loaded.Router.Backoff.Max)
	assert.Equal(t, 30*time.Second, loaded.Reconcile.Interval)
	assert.True(t, loaded.Reconcile.DriftHardUSD.Equal(d("1000")))
	assert.Equal(t, 24*time.Hour, loaded.Control.IdempotencyTTL)
	assert.Equal(t, StoreWAL, loaded.Ledger.Store)
	assert.Equal(t, "./data/journal", loaded.Ledger.WAL.Dir)
	assert.Equal(t, 24*time.Hour, loaded.Ledger.Accounting.DrawdownWindow)
	assert.Equal(t, ":8080", loaded.HTTPAddr)

	require.Len(t, loaded.Trend, 1)
	assert.Equal(t, 20, loaded.Trend[0].Slow)
	require.Len(t, loaded.Events, 1)
	assert.Equal(t, []string{"news", "sentiment"}, loaded.Events[0].Kinds)
	require.Len(t, loaded.Ticks, 1)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, loaded.Ticks[0].Symbols)
	require.Len(t, loaded.Synthetic, 1)
	assert.Equal(t, 500*time.Millisecond, loaded.Synthetic[0].Interval)
	assert.True(t, loaded.Synthetic[0].StartPrice.Equal(d("150")))
	assert.Equal(t, "/tmp/tradecore-events.sock", loaded.ExternalSocket)

	require.NotNil(t, loaded.Venues[1].Chaos)
	assert.Equal(t, 50*time.Millisecond, loaded.Venues[1].Chaos.Resolve().MaxDelay)
}

func TestParseJSON(t *testing.T) {
	cfg, err := Parse([]byte(minimalJSON), ".json")
	require.NoError(t, err)
	loaded, err := Resolve(cfg)
	require.NoError(t, err)

	sym, ok := loaded.Registry.Symbol("SIM", "BTCUSDT")
	require.True(t, ok)
	assert.True(t, sym.MinNotional.Equal(d("5")))
	assert.Equal(t, 1500*time.Millisecond, loaded.Limits.CooldownWindow)
	assert.Equal(t, 2*time.Second, loaded.Router.CallTimeout)
	assert.Equal(t, time.Second, loaded.Router.Backoff.Max)
	assert.Equal(t, 100*time.Millisecond, loaded.Router.Backoff.Min)
	assert.Equal(t, StoreMemory, loaded.Ledger.Store)
	assert.Equal(t, defaultHTTPAddr, loaded.HTTPAddr)
}

func TestResolveRejects(t *testing.T) {
	testCases := []struct {
		desc string
		edit func(*FileConfig)
	}{
		{desc: "no venues", edit: func(c *FileConfig) { c.Registry.Venues = nil }},
		{desc: "unknown venue kind", edit: func(c *FileConfig) { c.Registry.Venues[0].Kind = "fix" }},
		{desc: "rest without base url", edit: func(c *FileConfig) { c.Registry.Venues[0].Kind = VenueREST }},
		{desc: "symbol on unknown venue", edit: func(c *FileConfig) { c.Registry.Symbols[0].Venue = "NOPE" }},
		{desc: "chaos rate out of range", edit: func(c *FileConfig) { c.Registry.Venues[0].Chaos = &ChaosConfig{ErrorRate: 2} }},
		{desc: "wal without dir", edit: func(c *FileConfig) { c.Ledger.Store = StoreWAL }},
		{desc: "postgres without database", edit: func(c *FileConfig) { c.Ledger.Store = StorePostgres }},
		{desc: "unknown store", edit: func(c *FileConfig) { c.Ledger.Store = "redis" }},
		{desc: "initial venue unknown", edit: func(c *FileConfig) {
			c.Ledger.InitialCash = d("10")
			c.Ledger.InitialVenue = "NOPE"
		}},
		{desc: "trend symbol unknown", edit: func(c *FileConfig) {
			c.Strategies.Trend[0].Symbol = "ETHUSDT"
		}},
		{desc: "synthetic feed without price", edit: func(c *FileConfig) {
			c.Feeds.Synthetic = []SyntheticFeedConfig{{Symbols: []string{"BTCUSDT"}}}
		}},
		{desc: "tick feed without url", edit: func(c *FileConfig) {
			c.Feeds.Ticks = []TickFeedConfig{{Venue: "SIM"}}
		}},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			cfg, err := Parse([]byte(minimalJSON), ".json")
			require.NoError(t, err)
			cfg.Strategies.Trend = append(cfg.Strategies.Trend, trendConfig())
			tc.edit(&cfg)

			_, err = Resolve(cfg)
			require.Error(t, err)
		})
	}
}

func TestResolveInvalidArgument(t *testing.T) {
	cfg, err := Parse([]byte(minimalJSON), ".json")
	require.NoError(t, err)
	cfg.Ledger.Store = "redis"
	_, err = Resolve(cfg)
	assert.ErrorIs(t, err, exception.ErrInvalidArgument)
}

func TestParseBadDuration(t *testing.T) {
	_, err := Parse([]byte(`{"risk": {"cooldown_window": "soon"}}`), ".json")
	require.Error(t, err)

	_, err = Parse([]byte("risk: [\n"), ".yaml")
	require.Error(t, err)
}

func TestBuildVenues(t *testing.T) {
	loaded, err := Load(filepath.Join("..", "..", "configs", "trader.yaml"))
	require.NoError(t, err)

	venues, err := BuildVenues(loaded.Venues, loaded.Registry)
	require.NoError(t, err)
	assert.Equal(t, []string{"DRILL", "SIM"}, venues.Set.Names())

	sim, ok := venues.Set.Get("SIM")
	require.True(t, ok)
	assert.IsType(t, &paper.Venue{}, sim)

	drill, ok := venues.Set.Get("DRILL")
	require.True(t, ok)
	assert.IsType(t, &chaos.Venue{}, drill)
	require.Contains(t, venues.Paper, "DRILL")

	bal, err := venues.Paper["SIM"].Balances(t.Context())
	require.NoError(t, err)
	assert.True(t, bal.Cash.Equal(d("100000")), "cash %s", bal.Cash)
}

func TestSeedCapital(t *testing.T) {
	loaded, err := Load(filepath.Join("..", "..", "configs", "trader.yaml"))
	require.NoError(t, err)

	j, err := OpenJournal(t.Context(), LedgerSpec{Store: StoreMemory})
	require.NoError(t, err)
	l, err := ledger.Open(t.Context(), j, loaded.Ledger.Accounting)
	require.NoError(t, err)
	defer l.Close()

	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, SeedCapital(t.Context(), l, loaded.Venues, now))
	assert.True(t, l.VenueView("SIM").Cash.Equal(d("100000")))
	assert.True(t, l.VenueView("DRILL").Cash.Equal(d("50000")))

	seq := l.Seq()
	require.NoError(t, SeedCapital(t.Context(), l, loaded.Venues, now))
	assert.Equal(t, seq, l.Seq(), "seeding twice must not deposit again")
}

func TestOpenJournalBackends(t *testing.T) {
	testCases := []struct {
		desc string
		spec LedgerSpec
	}{
		{desc: "memory", spec: LedgerSpec{Store: StoreMemory}},
		{desc: "sqlite", spec: LedgerSpec{Store: StoreSQLite}},
	}
	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			j, err := OpenJournal(t.Context(), tc.spec)
			require.NoError(t, err)
			l, err := ledger.Open(t.Context(), j, ledger.Config{InitialCash: d("10"), InitialVenue: "SIM"})
			require.NoError(t, err)
			assert.Equal(t, uint64(1), l.Seq())
			require.NoError(t, l.Close())
		})
	}

	t.Run("wal", func(t *testing.T) {
		cfg, err := Parse([]byte(minimalJSON), ".json")
		require.NoError(t, err)
		cfg.Ledger = LedgerConfig{Store: StoreWAL, WALDir: filepath.Join(t.TempDir(), "journal"), WALNoSync: true}
		loaded, err := Resolve(cfg)
		require.NoError(t, err)
		assert.True(t, loaded.Ledger.WAL.NoSync)

		j, err := OpenJournal(t.Context(), loaded.Ledger)
		require.NoError(t, err)
		require.NoError(t, j.Close())
	})
}

func TestResolvePostgresPool(t *testing.T) {
	cfg, err := Parse([]byte(minimalJSON), ".json")
	require.NoError(t, err)
	cfg.Ledger = LedgerConfig{Store: StorePostgres, Postgres: PostgresConfig{
		Host:            "db.internal",
		Database:        "ledger",
		MaxOpenConns:    8,
		MaxIdleConns:    2,
		ConnMaxLifetime: Duration(time.Minute),
	}}

	loaded, err := Resolve(cfg)
	require.NoError(t, err)
	sql := loaded.Ledger.SQL
	assert.Equal(t, "db.internal", sql.Host)
	assert.Equal(t, "ledger", sql.Database)
	assert.Equal(t, 8, sql.MaxOpenConns)
	assert.Equal(t, 2, sql.MaxIdleConns)
	assert.Equal(t, time.Minute, sql.ConnMaxLifetime)
}

func TestWatchReloadsOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trader.json")
	require.NoError(t, os.WriteFile(path, []byte(minimalJSON), 0o644))

	store := risk.NewLimitStore(risk.Limits{})
	var reloads atomic.Int32
	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan struct{})
	go func() {
		defer close(done)
		Watch(ctx, path, 10*time.Millisecond, func(loaded Loaded) {
			SwapLimits(store, loaded)
			reloads.Add(1)
		})
	}()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), reloads.Load(), "unchanged file must not reload")

	future := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(path, future, future))
	require.Eventually(t, func() bool { return reloads.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, store.Load().ExposureCapUSDPerSymbol.Equal(d("500")))
	assert.Equal(t, uint64(2), store.Load().Version)

	require.NoError(t, os.WriteFile(path, []byte("{"), 0o644))
	later := future.Add(time.Minute)
	require.NoError(t, os.Chtimes(path, later, later))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), reloads.Load(), "broken file keeps the previous config")

	cancel()
	<-done
}

func trendConfig() strategy.TrendConfig {
	return strategy.TrendConfig{Symbol: "BTCUSDT", Venue: "SIM", Fast: 2, Slow: 4, Notional: d("50")}
}
