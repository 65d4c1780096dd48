package ledger

import (
	"sort"

	"github.com/shopspring/decimal"

	"tradecore/internal/schema"
)

type positionKey struct {
	Venue  string
	Symbol string
}

// positionBook derives positions and cash from fills and deposits. It is
// never edited any other way, so replaying the same records rebuilds it
// exactly.
type positionBook struct {
	positions map[positionKey]*schema.Position
	cash      map[string]decimal.Decimal
	deposits  decimal.Decimal
	fees      decimal.Decimal
	realized  decimal.Decimal
}

func newPositionBook() *positionBook {
	return &positionBook{
		positions: make(map[positionKey]*schema.Position),
		cash:      make(map[string]decimal.Decimal),
	}
}

// ApplyDeposit moves external cash into a venue account.
func (b *positionBook) ApplyDeposit(dep schema.Deposit) {
	b.cash[dep.Venue] = b.cash[dep.Venue].Add(dep.Amount)
	b.deposits = b.deposits.Add(dep.Amount)
}

// ApplyFill updates the position with average-entry-price accounting and
// returns the new position.
func (b *positionBook) ApplyFill(fill schema.Fill) schema.Position {
	key := positionKey{Venue: fill.Venue, Symbol: fill.Symbol}
	pos, ok := b.positions[key]
	if !ok {
		pos = &schema.Position{Symbol: fill.Symbol, Venue: fill.Venue}
		b.positions[key] = pos
	}

	signed := fill.Side.Sign().Mul(fill.Quantity)
	current := pos.Quantity
	next := current.Add(signed)

	switch {
	case current.IsZero() || current.Sign() == signed.Sign():
		cost := current.Abs().Mul(pos.AverageEntryPrice).Add(fill.Quantity.Mul(fill.Price))
		pos.AverageEntryPrice = cost.Div(next.Abs())
	default:
		closing := decimal.Min(fill.Quantity, current.Abs())
		pnl := fill.Price.Sub(pos.AverageEntryPrice).Mul(closing)
		if current.IsNegative() {
			pnl = pnl.Neg()
		}
		pos.RealizedPnL = pos.RealizedPnL.Add(pnl)
		b.realized = b.realized.Add(pnl)
		switch {
		case next.IsZero():
			pos.AverageEntryPrice = decimal.Zero
		case next.Sign() != current.Sign():
			pos.AverageEntryPrice = fill.Price
		}
	}
	pos.Quantity = next

	notional := fill.Notional()
	cash := b.cash[fill.Venue]
	if fill.Side == schema.SideBuy {
		cash = cash.Sub(notional)
	} else {
		cash = cash.Add(notional)
	}
	b.cash[fill.Venue] = cash.Sub(fill.Fee)
	b.fees = b.fees.Add(fill.Fee)
	return *pos
}

// Position returns the position for a venue and symbol.
func (b *positionBook) Position(venue, symbol string) schema.Position {
	if pos, ok := b.positions[positionKey{Venue: venue, Symbol: symbol}]; ok {
		return *pos
	}
	return schema.Position{Symbol: symbol, Venue: venue}
}

// Positions returns every tracked position sorted by venue and symbol.
func (b *positionBook) Positions() []schema.Position {
	out := make([]schema.Position, 0, len(b.positions))
	for _, pos := range b.positions {
		out = append(out, *pos)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Venue != out[j].Venue {
			return out[i].Venue < out[j].Venue
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out
}

// Cash returns the total cash across venues.
func (b *positionBook) Cash() decimal.Decimal {
	total := decimal.Zero
	for _, c := range b.cash {
		total = total.Add(c)
	}
	return total
}

// Count returns the number of tracked positions.
func (b *positionBook) Count() int {
	return len(b.positions)
}

// valuation prices positions at marks. A position without a mark is valued
// at its entry price.
type valuation struct {
	MarketValue decimal.Decimal
	Unrealized  decimal.Decimal
	Gross       decimal.Decimal
	// Exposure is absolute market value by venue, then symbol.
	Exposure map[string]map[string]decimal.Decimal
}

func (b *positionBook) value(markOf func(venue, symbol string) decimal.Decimal) valuation {
	v := valuation{Exposure: make(map[string]map[string]decimal.Decimal)}
	for _, pos := range b.positions {
		if pos.Quantity.IsZero() {
			continue
		}
		mv := pos.Quantity.Mul(valuationMark(*pos, markOf(pos.Venue, pos.Symbol)))
		v.MarketValue = v.MarketValue.Add(mv)
		v.Unrealized = v.Unrealized.Add(mv.Sub(pos.Quantity.Mul(pos.AverageEntryPrice)))
		v.Gross = v.Gross.Add(mv.Abs())
		byVenue := v.Exposure[pos.Venue]
		if byVenue == nil {
			byVenue = make(map[string]decimal.Decimal)
			v.Exposure[pos.Venue] = byVenue
		}
		byVenue[pos.Symbol] = byVenue[pos.Symbol].Add(mv.Abs())
	}
	return v
}

func valuationMark(pos schema.Position, mark decimal.Decimal) decimal.Decimal {
	if !mark.IsPositive() {
		return pos.AverageEntryPrice
	}
	return mark
}

// diff compares two books and returns the first difference above epsilon.
func (b *positionBook) diff(other *positionBook, epsilon decimal.Decimal) (string, bool) {
	keys := make(map[positionKey]struct{}, len(b.positions)+len(other.positions))
	for k := range b.positions {
		keys[k] = struct{}{}
	}
	for k := range other.positions {
		keys[k] = struct{}{}
	}
	for k := range keys {
		a, c := b.Position(k.Venue, k.Symbol), other.Position(k.Venue, k.Symbol)
		if !a.Quantity.Equal(c.Quantity) {
			return "quantity " + k.Venue + "/" + k.Symbol + " " + a.Quantity.String() + " != " + c.Quantity.String(), true
		}
		if a.AverageEntryPrice.Sub(c.AverageEntryPrice).Abs().GreaterThan(epsilon) {
			return "average entry " + k.Venue + "/" + k.Symbol + " " + a.AverageEntryPrice.String() + " != " + c.AverageEntryPrice.String(), true
		}
		if a.RealizedPnL.Sub(c.RealizedPnL).Abs().GreaterThan(epsilon) {
			return "realized pnl " + k.Venue + "/" + k.Symbol + " " + a.RealizedPnL.String() + " != " + c.RealizedPnL.String(), true
		}
	}
	if b.Cash().Sub(other.Cash()).Abs().GreaterThan(epsilon) {
		return "cash " + b.Cash().String() + " != " + other.Cash().String(), true
	}
	if b.fees.Sub(other.fees).Abs().GreaterThan(epsilon) {
		return "fees " + b.fees.String() + " != " + other.fees.String(), true
	}
	return "", false
}
