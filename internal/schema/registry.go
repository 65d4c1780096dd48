package schema

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Symbol describes a tradable instrument on one venue.
type Symbol struct {
	Name        string
	Venue       string
	LotStep     decimal.Decimal
	MinNotional decimal.Decimal
}

// RoundLot rounds qty down to the symbol's lot step.
func (s Symbol) RoundLot(qty decimal.Decimal) decimal.Decimal {
	if !s.LotStep.IsPositive() {
		return qty
	}
	return qty.Div(s.LotStep).Floor().Mul(s.LotStep)
}

// symbolKey identifies a symbol listing. The same name may be listed on
// several venues.
type symbolKey struct {
	venue string
	name  string
}

// Registry stores venue and symbol definitions.
type Registry struct {
	venues  []string
	symbols []Symbol
	venueIx map[string]int
	symIx   map[symbolKey]int
	byName  map[string][]int
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		venueIx: make(map[string]int),
		symIx:   make(map[symbolKey]int),
		byName:  make(map[string][]int),
	}
}

// AddVenue registers a venue.
func (r *Registry) AddVenue(name string) error {
	if name == "" {
		return fmt.Errorf("venue name is empty")
	}
	if _, ok := r.venueIx[name]; ok {
		return fmt.Errorf("venue already exists: %s", name)
	}
	r.venueIx[name] = len(r.venues)
	r.venues = append(r.venues, name)
	return nil
}

// AddSymbol registers a symbol on an existing venue.
func (r *Registry) AddSymbol(sym Symbol) error {
	if sym.Name == "" {
		return fmt.Errorf("symbol name is empty")
	}
	if _, ok := r.venueIx[sym.Venue]; !ok {
		return fmt.Errorf("venue not found: %s", sym.Venue)
	}
	if sym.LotStep.IsNegative() || sym.MinNotional.IsNegative() {
		return fmt.Errorf("symbol %s: lot step and min notional must be >= 0", sym.Name)
	}
	key := symbolKey{venue: sym.Venue, name: sym.Name}
	if _, ok := r.symIx[key]; ok {
		return fmt.Errorf("symbol already exists: %s on %s", sym.Name, sym.Venue)
	}
	r.symIx[key] = len(r.symbols)
	r.byName[sym.Name] = append(r.byName[sym.Name], len(r.symbols))
	r.symbols = append(r.symbols, sym)
	return nil
}

// HasVenue reports whether the venue is registered.
func (r *Registry) HasVenue(name string) bool {
	_, ok := r.venueIx[name]
	return ok
}

// Symbol returns the listing of name on venue.
func (r *Registry) Symbol(venue, name string) (Symbol, bool) {
	if r == nil {
		return Symbol{}, false
	}
	i, ok := r.symIx[symbolKey{venue: venue, name: name}]
	if !ok {
		return Symbol{}, false
	}
	return r.symbols[i], true
}

// Listings returns every venue listing of name in registration order.
func (r *Registry) Listings(name string) []Symbol {
	if r == nil {
		return nil
	}
	out := make([]Symbol, 0, len(r.byName[name]))
	for _, i := range r.byName[name] {
		out = append(out, r.symbols[i])
	}
	return out
}

// VenueOf returns the venue of name when exactly one venue lists it.
func (r *Registry) VenueOf(name string) (string, bool) {
	if r == nil || len(r.byName[name]) != 1 {
		return "", false
	}
	return r.symbols[r.byName[name][0]].Venue, true
}

// Venues returns registered venue names in registration order.
func (r *Registry) Venues() []string {
	out := make([]string, len(r.venues))
	copy(out, r.venues)
	return out
}

// Symbols returns registered symbols in registration order.
func (r *Registry) Symbols() []Symbol {
	out := make([]Symbol, len(r.symbols))
	copy(out, r.symbols)
	return out
}
