package strategy

import (
	"context"

	"github.com/yanun0323/errors"

	"tradecore/internal/bus"
	"tradecore/internal/schema"
)

// Emitter accepts intents from strategies.
type Emitter interface {
	Emit(intent schema.TradeIntent) error
}

// Strategy turns bus events into trade intents. A strategy only emits
// intents; it never reads or writes the ledger.
type Strategy interface {
	// Name identifies the strategy in intents and subscriptions.
	Name() string
	// Topics lists the bus topics the strategy consumes.
	Topics() []schema.Topic
	// OnEvent handles one event. Calls for one strategy never overlap.
	OnEvent(ctx context.Context, e bus.Event, emit Emitter) error
}

// Signal supplies a confidence in [0, 1] for trading symbol in the given
// direction. ok=false means no opinion.
type Signal interface {
	Confidence(symbol string, side schema.Side) (confidence float64, ok bool)
}

// Attach subscribes every strategy to its topics with a single worker, so
// each strategy sees its events one at a time in publish order.
func Attach(fabric *bus.Fabric, emit Emitter, strategies ...Strategy) error {
	for _, s := range strategies {
		for _, topic := range s.Topics() {
			handler := func(ctx context.Context, e bus.Event) error {
				return s.OnEvent(ctx, e, emit)
			}
			if err := fabric.Subscribe(topic, "strategy."+s.Name(), handler, bus.SubscribeOptions{Workers: 1}); err != nil {
				return errors.Wrapf(err, "attach %s to %s", s.Name(), topic)
			}
		}
	}
	return nil
}
