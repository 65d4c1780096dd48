package risk

import (
	"time"

	"github.com/shopspring/decimal"

	"tradecore/internal/obs"
	"tradecore/internal/schema"
)

// Action is the admission verdict.
type Action string

const (
	ActionAccept Action = "accept"
	ActionReject Action = "reject"
	ActionResize Action = "resize"
)

// Reason is a stable machine-readable admission reason code.
type Reason string

const (
	ReasonNone                     Reason = ""
	ReasonInvalidIntent            Reason = "invalid_intent"
	ReasonKillSwitch               Reason = "kill_switch_engaged"
	ReasonTradingPaused            Reason = "trading_paused"
	ReasonVenueUnhealthy           Reason = "venue_unhealthy"
	ReasonReduceOnlyViolation      Reason = "reduce_only_violation"
	ReasonExposureCapExceeded      Reason = "exposure_cap_exceeded"
	ReasonTotalExposureCapExceeded Reason = "total_exposure_cap_exceeded"
	ReasonDrawdownLimit            Reason = "drawdown_limit_breached"
	ReasonBelowLotSize             Reason = "below_lot_size"
	ReasonBelowMinNotional         Reason = "below_min_notional"
	ReasonLotSizeRounded           Reason = "lot_size_rounded"
	ReasonCooldownActive           Reason = "cooldown_active"
	ReasonLeverageCapExceeded      Reason = "leverage_cap_exceeded"
)

// Rule names identify which limit a decision evaluated.
const (
	RuleIntentShape         = "intent_shape"
	RuleTradingStatus       = "trading_status"
	RuleVenueCircuitBreaker = "venue_circuit_breaker"
	RuleVenueErrorRate      = "venue_error_rate_max"
	RuleReduceOnly          = "reduce_only"
	RuleExposurePerSymbol   = "exposure_cap_usd_per_symbol"
	RuleExposureTotal       = "exposure_cap_usd_total"
	RuleDrawdown            = "equity_drawdown_pct_max"
	RuleLotSize             = "lot_step"
	RuleMinNotional         = "min_notional_usd"
	RuleCooldown            = "cooldown_window"
	RuleLeverage            = "leverage_cap"
	RuleAllChecksPassed     = "all_checks_passed"
)

const decisionPrecision = 8

// StateView is the consistent portfolio snapshot an intent is evaluated
// against, narrowed to the intent's symbol and venue.
type StateView struct {
	Status         schema.TradingStatus
	VenueHealthy   bool
	VenueErrorRate float64
	Symbol         schema.Symbol
	Position       decimal.Decimal
	MarkPrice      decimal.Decimal
	SymbolExposure decimal.Decimal
	TotalExposure  decimal.Decimal
	Equity         decimal.Decimal
	PeakEquity     decimal.Decimal
	LastTradeAt    time.Time
	Now            time.Time
}

// Decision is the gate's verdict together with the rule and limit that
// produced it.
type Decision struct {
	Action        Action          `json:"action"`
	Reason        Reason          `json:"reason,omitempty"`
	Rule          string          `json:"rule"`
	Limit         decimal.Decimal `json:"limit"`
	Observed      decimal.Decimal `json:"observed"`
	Quantity      decimal.Decimal `json:"quantity"`
	Price         decimal.Decimal `json:"price"`
	Notional      decimal.Decimal `json:"notional"`
	LimitsVersion uint64          `json:"limits_version"`
	Detail        string          `json:"detail,omitempty"`
}

// Admitted reports whether the intent may proceed to the router.
func (d Decision) Admitted() bool {
	return d.Action == ActionAccept || d.Action == ActionResize
}

// Outcome is the metrics label of the decision.
func (d Decision) Outcome() string {
	if d.Action == ActionReject {
		return string(d.Reason)
	}
	return string(d.Action)
}

// Gate evaluates intents against the limits currently held by a LimitStore.
type Gate struct {
	limits  *LimitStore
	metrics *obs.Metrics
}

// NewGate creates a gate reading limits from store.
func NewGate(store *LimitStore, metrics *obs.Metrics) *Gate {
	return &Gate{limits: store, metrics: metrics}
}

// Limits returns the limits a call to Evaluate would pin right now.
func (g *Gate) Limits() Limits {
	return g.limits.Load()
}

// Evaluate pins the active limits and evaluates intent against view.
func (g *Gate) Evaluate(intent schema.TradeIntent, view StateView) Decision {
	start := time.Now()
	d := Evaluate(intent, view, g.limits.Load())
	g.metrics.ObserveAdmission(time.Since(start))
	g.metrics.IncAdmission(d.Outcome())
	return d
}

// Evaluate is the pure admission function. Checks run in a fixed order and
// the first failing check decides.
func Evaluate(intent schema.TradeIntent, view StateView, limits Limits) Decision {
	d := Decision{LimitsVersion: limits.Version}

	price := intent.PriceHint
	if !price.IsPositive() {
		price = view.MarkPrice
	}
	qty, ok := resolveQuantity(intent, price)
	if !ok || !intent.Side.Valid() || intent.Symbol == "" {
		return d.reject(ReasonInvalidIntent, RuleIntentShape, decimal.Zero, decimal.Zero, "intent needs a symbol, a side, exactly one positive size and a reference price")
	}
	d.Price = price
	d.Quantity = qty
	d.Notional = qty.Mul(price)

	switch view.Status {
	case schema.StatusKilled:
		return d.reject(ReasonKillSwitch, RuleTradingStatus, decimal.Zero, decimal.Zero, "trading is killed")
	case schema.StatusPaused:
		return d.reject(ReasonTradingPaused, RuleTradingStatus, decimal.Zero, decimal.Zero, "trading is paused")
	case schema.StatusFlattening:
		if !intent.Flatten {
			return d.reject(ReasonTradingPaused, RuleTradingStatus, decimal.Zero, decimal.Zero, "only flatten intents are admitted while flattening")
		}
	case schema.StatusRunning:
	default:
		return d.reject(ReasonTradingPaused, RuleTradingStatus, decimal.Zero, decimal.Zero, "unknown trading status")
	}

	if !view.VenueHealthy {
		return d.reject(ReasonVenueUnhealthy, RuleVenueCircuitBreaker, decimal.Zero, decimal.Zero, "venue circuit breaker is open")
	}
	if limits.VenueErrorRateMax > 0 && view.VenueErrorRate > limits.VenueErrorRateMax {
		return d.reject(ReasonVenueUnhealthy, RuleVenueErrorRate,
			decimal.NewFromFloat(limits.VenueErrorRateMax), decimal.NewFromFloat(view.VenueErrorRate), "venue error rate above limit")
	}

	postQty := view.Position.Add(intent.Side.Sign().Mul(qty))
	curExposure := view.Position.Abs().Mul(price)
	postExposure := postQty.Abs().Mul(price)
	increasing := postExposure.GreaterThan(curExposure)

	if intent.ReduceOnly || intent.Flatten {
		if increasing || postQty.Sign()*view.Position.Sign() < 0 {
			return d.reject(ReasonReduceOnlyViolation, RuleReduceOnly, view.Position.Abs(), qty, "reduce-only intent would increase or flip the position")
		}
	}

	postTotal := view.TotalExposure.Sub(view.SymbolExposure).Add(postExposure)
	if increasing {
		if limit := limits.ExposureCapUSDPerSymbol; limit.IsPositive() && postExposure.GreaterThan(limit) {
			return d.reject(ReasonExposureCapExceeded, RuleExposurePerSymbol, limit, postExposure, "post-trade symbol exposure above cap")
		}
		if limit := limits.ExposureCapUSDTotal; limit.IsPositive() && postTotal.GreaterThan(limit) {
			return d.reject(ReasonTotalExposureCapExceeded, RuleExposureTotal, limit, postTotal, "post-trade total exposure above cap")
		}
	}

	if limit := limits.EquityDrawdownPctMax; increasing && limit.IsPositive() && view.PeakEquity.IsPositive() {
		drawdown := view.PeakEquity.Sub(view.Equity).Div(view.PeakEquity)
		if drawdown.GreaterThan(limit) {
			return d.reject(ReasonDrawdownLimit, RuleDrawdown, limit, drawdown.Round(decisionPrecision), "drawdown above ceiling, risk-reduce-only mode")
		}
	}

	rounded := view.Symbol.RoundLot(qty)
	if !rounded.IsPositive() {
		return d.reject(ReasonBelowLotSize, RuleLotSize, view.Symbol.LotStep, qty, "quantity rounds to zero lots")
	}
	minNotional := view.Symbol.MinNotional
	if !minNotional.IsPositive() {
		minNotional = limits.MinNotionalUSD
	}
	closesPosition := postQty.IsZero() && !view.Position.IsZero()
	if notional := rounded.Mul(price); minNotional.IsPositive() && notional.LessThan(minNotional) && !closesPosition {
		return d.reject(ReasonBelowMinNotional, RuleMinNotional, minNotional, notional, "order notional below venue minimum")
	}

	if window := limits.CooldownWindow; increasing && window > 0 && !view.LastTradeAt.IsZero() {
		now := view.Now
		if now.IsZero() {
			now = time.Now()
		}
		if elapsed := now.Sub(view.LastTradeAt); elapsed < window {
			return d.reject(ReasonCooldownActive, RuleCooldown,
				decimal.NewFromInt(int64(window/time.Millisecond)), decimal.NewFromInt(int64(elapsed/time.Millisecond)), "symbol traded within cooldown window (ms)")
		}
	}

	if limit := limits.LeverageCap; increasing && limit.IsPositive() {
		if !view.Equity.IsPositive() {
			return d.reject(ReasonLeverageCapExceeded, RuleLeverage, limit, decimal.Zero, "no positive equity to lever")
		}
		leverage := postTotal.Div(view.Equity)
		if leverage.GreaterThan(limit) {
			return d.reject(ReasonLeverageCapExceeded, RuleLeverage, limit, leverage.Round(decisionPrecision), "post-trade leverage above cap")
		}
	}

	if !rounded.Equal(qty) {
		d.Action = ActionResize
		d.Reason = ReasonLotSizeRounded
		d.Rule = RuleLotSize
		d.Limit = view.Symbol.LotStep
		d.Observed = qty
		d.Quantity = rounded
		d.Notional = rounded.Mul(price)
		return d
	}

	d.Action = ActionAccept
	d.Rule = RuleAllChecksPassed
	return d
}

func (d Decision) reject(reason Reason, rule string, limit, observed decimal.Decimal, detail string) Decision {
	d.Action = ActionReject
	d.Reason = reason
	d.Rule = rule
	d.Limit = limit
	d.Observed = observed
	d.Detail = detail
	return d
}

func resolveQuantity(intent schema.TradeIntent, price decimal.Decimal) (decimal.Decimal, bool) {
	hasQty := !intent.Quantity.IsZero()
	hasNotional := !intent.Notional.IsZero()
	switch {
	case hasQty == hasNotional:
		return decimal.Zero, false
	case hasQty:
		return intent.Quantity, intent.Quantity.IsPositive() && price.IsPositive()
	default:
		if !intent.Notional.IsPositive() || !price.IsPositive() {
			return decimal.Zero, false
		}
		return intent.Notional.Div(price), true
	}
}
