package strategy

import (
	"context"
	"fmt"
	"math"
	"slices"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"

	"tradecore/internal/bus"
	"tradecore/internal/schema"
	"tradecore/pkg/exception"
)

// EventConfig configures an EventReactive strategy.
type EventConfig struct {
	Name string `json:"name" yaml:"name"`
	// Sources and Kinds filter events; empty accepts all.
	Sources   []string        `json:"sources" yaml:"sources"`
	Kinds     []string        `json:"kinds" yaml:"kinds"`
	Symbols   []string        `json:"symbols" yaml:"symbols"`
	Venue     string          `json:"venue" yaml:"venue"`
	Threshold float64         `json:"threshold" yaml:"threshold"`
	Notional  decimal.Decimal `json:"notional" yaml:"notional"`
}

// Validate checks the threshold and size.
func (c EventConfig) Validate() error {
	if c.Threshold <= 0 {
		return errors.Wrap(exception.ErrInvalidArgument, "event: threshold must be > 0")
	}
	if !c.Notional.IsPositive() {
		return errors.Wrap(exception.ErrInvalidArgument, "event: notional must be > 0")
	}
	return nil
}

// EventReactive trades in the direction of external events whose score
// magnitude reaches the threshold. A positive score buys, a negative one
// sells.
type EventReactive struct {
	cfg EventConfig
	seq uint64
}

// NewEventReactive creates an event-driven strategy.
func NewEventReactive(cfg EventConfig) (*EventReactive, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Name == "" {
		cfg.Name = "event"
	}
	return &EventReactive{cfg: cfg}, nil
}

func (s *EventReactive) Name() string { return s.cfg.Name }

func (s *EventReactive) Topics() []schema.Topic {
	return []schema.Topic{schema.TopicExternalFeed}
}

func (s *EventReactive) OnEvent(_ context.Context, e bus.Event, emit Emitter) error {
	ev, ok := e.Payload.(schema.ExternalEvent)
	if !ok || ev.Symbol == "" || !s.accepts(ev) {
		return nil
	}
	magnitude := math.Abs(ev.Score)
	if magnitude < s.cfg.Threshold {
		return nil
	}

	side := schema.SideBuy
	if ev.Score < 0 {
		side = schema.SideSell
	}
	s.seq++
	return emit.Emit(schema.TradeIntent{
		ID:         fmt.Sprintf("%s-%s-%d-%d", s.cfg.Name, ev.Symbol, ev.Timestamp.UnixNano(), s.seq),
		StrategyID: s.cfg.Name,
		Symbol:     ev.Symbol,
		Venue:      s.cfg.Venue,
		Side:       side,
		Notional:   s.cfg.Notional,
		Confidence: math.Min(magnitude, 1),
		Timestamp:  ev.Timestamp,
	})
}

func (s *EventReactive) accepts(ev schema.ExternalEvent) bool {
	if len(s.cfg.Sources) > 0 && !slices.Contains(s.cfg.Sources, ev.Source) {
		return false
	}
	if len(s.cfg.Kinds) > 0 && !slices.Contains(s.cfg.Kinds, ev.Kind) {
		return false
	}
	if len(s.cfg.Symbols) > 0 && !slices.Contains(s.cfg.Symbols, ev.Symbol) {
		return false
	}
	return true
}
