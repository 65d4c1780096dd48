package feed

import (
	"context"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"

	"tradecore/internal/bus"
	"tradecore/internal/schema"
	"tradecore/pkg/exception"
)

const (
	defaultSyntheticInterval = 250 * time.Millisecond
	syntheticPriceDecimals   = 8
)

// SyntheticConfig describes a random-walk tick source for paper sessions and
// drills.
type SyntheticConfig struct {
	Venue   string
	Symbols []string
	// StartPrice seeds every symbol; Volatility is the per-step standard
	// deviation as a fraction of price.
	StartPrice decimal.Decimal
	Volatility float64
	// Drift is the mean per-step return.
	Drift    float64
	Interval time.Duration
	Seed     int64
	Clock    func() time.Time
}

// Synthetic publishes a geometric random walk per symbol, round-robin across
// symbols, one tick per interval.
type Synthetic struct {
	cfg    SyntheticConfig
	pub    Publisher
	rng    *rand.Rand
	prices []float64
	index  int
	ticks  atomic.Uint64
}

// NewSynthetic creates a synthetic tick source.
func NewSynthetic(cfg SyntheticConfig, pub Publisher) (*Synthetic, error) {
	if len(cfg.Symbols) == 0 {
		return nil, errors.Wrap(exception.ErrInvalidArgument, "synthetic feed: no symbols")
	}
	if !cfg.StartPrice.IsPositive() {
		return nil, errors.Wrap(exception.ErrInvalidArgument, "synthetic feed: start price must be > 0")
	}
	if cfg.Volatility < 0 {
		return nil, errors.Wrap(exception.ErrInvalidArgument, "synthetic feed: volatility must be >= 0")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultSyntheticInterval
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UTC().UnixNano()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	start := cfg.StartPrice.InexactFloat64()
	prices := make([]float64, len(cfg.Symbols))
	for i := range prices {
		prices[i] = start
	}
	return &Synthetic{
		cfg:    cfg,
		pub:    pub,
		rng:    rand.New(rand.NewSource(cfg.Seed)),
		prices: prices,
	}, nil
}

// Next advances the walk of the next symbol and returns its tick.
func (s *Synthetic) Next() schema.Tick {
	i := s.index
	s.index = (s.index + 1) % len(s.cfg.Symbols)

	step := s.cfg.Drift + s.cfg.Volatility*s.rng.NormFloat64()
	next := s.prices[i] * (1 + step)
	if next <= 0 {
		next = s.prices[i] / 2
	}
	s.prices[i] = next

	return schema.Tick{
		Venue:     s.cfg.Venue,
		Symbol:    s.cfg.Symbols[i],
		Price:     decimal.NewFromFloat(next).Round(syntheticPriceDecimals),
		Timestamp: s.cfg.Clock(),
	}
}

// Run publishes a tick every interval until ctx is done.
func (s *Synthetic) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			tick := s.Next()
			if err := s.pub.Publish(bus.Event{Topic: schema.TopicMarketTick, Key: tick.Symbol, Payload: tick}); err != nil {
				return errors.Wrap(err, "publish synthetic tick")
			}
			s.ticks.Add(1)
		}
	}
}

// Ticks returns how many ticks were published.
func (s *Synthetic) Ticks() uint64 {
	return s.ticks.Load()
}

// Symbols returns the symbols walked, in round-robin order.
func (s *Synthetic) Symbols() []string {
	return append([]string(nil), s.cfg.Symbols...)
}
