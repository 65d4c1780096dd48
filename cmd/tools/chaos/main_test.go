package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradecore/internal/ops"
	"tradecore/internal/schema"
	"tradecore/pkg/exception"
)

const drillConfig = `
registry:
  venues:
    - name: SIM
      kind: paper
      initial_cash: "100000"
  symbols:
    - name: BTCUSDT
      venue: SIM
      lot_step: "0.0001"
    - name: ETHUSDT
      venue: SIM
      lot_step: "0.001"
risk:
  cooldown_window: 1m
ledger:
  store: memory
reconcile:
  interval: 1h
`

func writeConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "drill.yaml")
	require.NoError(t, os.WriteFile(path, []byte(drillConfig), 0o600))
	return path
}

func drillOptions(t *testing.T) options {
	return options{
		configPath: writeConfig(t),
		intents:    40,
		notional:   decimal.NewFromInt(50),
		startPrice: decimal.NewFromInt(100),
		seed:       9,
		dropRate:   0.2,
		dupRate:    0.1,
		rounds:     3,
	}
}

func TestDrillResolvesLostResponses(t *testing.T) {
	opt := drillOptions(t)
	res, err := run(t.Context(), opt)
	require.NoError(t, err)

	rejected := 0
	for _, n := range res.Rejected {
		rejected += n
	}
	assert.Equal(t, opt.intents, res.Admitted+res.Failed+rejected)
	assert.Zero(t, res.PendingUnknown)
	assert.Zero(t, res.Orders[schema.OrderStatusPendingUnknown])
	assert.NoError(t, res.Verify)
	assert.NotContains(t, res.Rejected, "cooldown_active")

	var out bytes.Buffer
	report(&out, opt, res)
	assert.Contains(t, out.String(), "drill: seed=9 intents=40")
	assert.Contains(t, out.String(), "pending_unknown=0")
	assert.Contains(t, out.String(), "verify: ok")
}

func TestDrillForcesChaosOnEveryVenue(t *testing.T) {
	loaded, err := ops.Load(writeConfig(t))
	require.NoError(t, err)

	drill(&loaded, drillOptions(t))
	require.Len(t, loaded.Venues, 1)
	require.NotNil(t, loaded.Venues[0].Chaos)
	assert.Equal(t, 0.2, loaded.Venues[0].Chaos.DropRate)
	assert.Equal(t, int64(9), loaded.Venues[0].Chaos.Seed)
	assert.Zero(t, loaded.Limits.CooldownWindow)
	assert.Equal(t, ops.StoreMemory, loaded.Ledger.Store)
}

func TestDrillNeedsIntents(t *testing.T) {
	opt := drillOptions(t)
	opt.intents = 0
	_, err := run(t.Context(), opt)
	assert.ErrorIs(t, err, exception.ErrInvalidArgument)
}
