package strategy

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"

	"tradecore/internal/bus"
	"tradecore/internal/schema"
	"tradecore/pkg/exception"
)

// TrendConfig configures a TrendFollower.
type TrendConfig struct {
	Name     string          `json:"name" yaml:"name"`
	Symbol   string          `json:"symbol" yaml:"symbol"`
	Venue    string          `json:"venue" yaml:"venue"`
	Fast     int             `json:"fast" yaml:"fast"`
	Slow     int             `json:"slow" yaml:"slow"`
	Notional decimal.Decimal `json:"notional" yaml:"notional"`
	// MinConfidence drops crosses the Signal is not confident about.
	MinConfidence float64 `json:"min_confidence" yaml:"min_confidence"`
}

// Validate checks the windows and size.
func (c TrendConfig) Validate() error {
	switch {
	case c.Symbol == "":
		return errors.Wrap(exception.ErrInvalidArgument, "trend: symbol is empty")
	case c.Fast <= 0 || c.Slow <= c.Fast:
		return errors.Wrapf(exception.ErrInvalidArgument, "trend: need 0 < fast < slow, got %d/%d", c.Fast, c.Slow)
	case !c.Notional.IsPositive():
		return errors.Wrap(exception.ErrInvalidArgument, "trend: notional must be > 0")
	}
	return nil
}

// TrendFollower buys when the fast SMA crosses above the slow SMA and sells
// on the opposite cross. Prices are kept in a ring buffer sized to the slow
// window.
type TrendFollower struct {
	cfg    TrendConfig
	signal Signal

	prices []decimal.Decimal
	head   int
	count  int
	sum    decimal.Decimal

	prevFast decimal.Decimal
	prevSlow decimal.Decimal
	primed   bool
	seq      uint64
}

// NewTrendFollower creates a trend follower. signal may be nil.
func NewTrendFollower(cfg TrendConfig, signal Signal) (*TrendFollower, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Name == "" {
		cfg.Name = "trend-" + cfg.Symbol
	}
	return &TrendFollower{cfg: cfg, signal: signal, prices: make([]decimal.Decimal, cfg.Slow)}, nil
}

func (s *TrendFollower) Name() string { return s.cfg.Name }

func (s *TrendFollower) Topics() []schema.Topic {
	return []schema.Topic{schema.TopicMarketTick}
}

func (s *TrendFollower) OnEvent(_ context.Context, e bus.Event, emit Emitter) error {
	tick, ok := e.Payload.(schema.Tick)
	if !ok || tick.Symbol != s.cfg.Symbol || !tick.Price.IsPositive() {
		return nil
	}
	if s.cfg.Venue != "" && tick.Venue != "" && tick.Venue != s.cfg.Venue {
		return nil
	}

	side, crossed := s.push(tick.Price)
	if !crossed {
		return nil
	}

	confidence := 1.0
	if s.signal != nil {
		if c, ok := s.signal.Confidence(tick.Symbol, side); ok {
			confidence = c
		}
	}
	if confidence < s.cfg.MinConfidence {
		return nil
	}

	s.seq++
	return emit.Emit(schema.TradeIntent{
		ID:         fmt.Sprintf("%s-%d-%d", s.cfg.Name, tick.Timestamp.UnixNano(), s.seq),
		StrategyID: s.cfg.Name,
		Symbol:     s.cfg.Symbol,
		Venue:      s.cfg.Venue,
		Side:       side,
		Notional:   s.cfg.Notional,
		PriceHint:  tick.Price,
		Confidence: confidence,
		Timestamp:  tick.Timestamp,
	})
}

// push adds price and reports a cross of the fast SMA over the slow one.
func (s *TrendFollower) push(price decimal.Decimal) (schema.Side, bool) {
	if s.count == s.cfg.Slow {
		s.sum = s.sum.Sub(s.prices[s.head])
	} else {
		s.count++
	}
	s.prices[s.head] = price
	s.sum = s.sum.Add(price)
	s.head = (s.head + 1) % s.cfg.Slow

	if s.count < s.cfg.Slow {
		return "", false
	}

	fast := s.fastSMA()
	slow := s.sum.Div(decimal.NewFromInt(int64(s.cfg.Slow)))
	defer func() {
		s.prevFast, s.prevSlow, s.primed = fast, slow, true
	}()
	if !s.primed {
		return "", false
	}

	switch {
	case s.prevFast.LessThanOrEqual(s.prevSlow) && fast.GreaterThan(slow):
		return schema.SideBuy, true
	case s.prevFast.GreaterThanOrEqual(s.prevSlow) && fast.LessThan(slow):
		return schema.SideSell, true
	}
	return "", false
}

func (s *TrendFollower) fastSMA() decimal.Decimal {
	sum := decimal.Zero
	idx := s.head
	for range s.cfg.Fast {
		idx--
		if idx < 0 {
			idx = s.cfg.Slow - 1
		}
		sum = sum.Add(s.prices[idx])
	}
	return sum.Div(decimal.NewFromInt(int64(s.cfg.Fast)))
}
