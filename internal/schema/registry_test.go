package schema

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryListsSymbolOnSeveralVenues(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.AddVenue("SIM"))
	require.NoError(t, r.AddVenue("ALT"))
	require.NoError(t, r.AddSymbol(Symbol{Name: "BTCUSDT", Venue: "SIM", LotStep: decimal.RequireFromString("0.0001")}))
	require.NoError(t, r.AddSymbol(Symbol{Name: "BTCUSDT", Venue: "ALT", LotStep: decimal.RequireFromString("0.001")}))
	require.NoError(t, r.AddSymbol(Symbol{Name: "ETHUSDT", Venue: "SIM"}))

	assert.Error(t, r.AddSymbol(Symbol{Name: "BTCUSDT", Venue: "ALT"}), "duplicate listing")
	assert.Error(t, r.AddSymbol(Symbol{Name: "BTCUSDT", Venue: "NOPE"}))

	alt, ok := r.Symbol("ALT", "BTCUSDT")
	require.True(t, ok)
	assert.True(t, alt.LotStep.Equal(decimal.RequireFromString("0.001")))
	_, ok = r.Symbol("ALT", "ETHUSDT")
	assert.False(t, ok)

	listings := r.Listings("BTCUSDT")
	require.Len(t, listings, 2)
	assert.Equal(t, "SIM", listings[0].Venue)
	assert.Equal(t, "ALT", listings[1].Venue)

	_, ok = r.VenueOf("BTCUSDT")
	assert.False(t, ok, "ambiguous name has no single venue")
	venue, ok := r.VenueOf("ETHUSDT")
	require.True(t, ok)
	assert.Equal(t, "SIM", venue)
	assert.Len(t, r.Symbols(), 3)
}

func TestSymbolRoundLot(t *testing.T) {
	s := Symbol{LotStep: decimal.RequireFromString("0.001")}
	assert.True(t, s.RoundLot(decimal.RequireFromString("0.12345")).Equal(decimal.RequireFromString("0.123")))
	assert.True(t, Symbol{}.RoundLot(decimal.RequireFromString("0.12345")).Equal(decimal.RequireFromString("0.12345")))
}
