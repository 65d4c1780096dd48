package bus

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yanun0323/logs"

	"tradecore/internal/obs"
	"tradecore/internal/schema"
)

const (
	defaultWorkers    = 1
	defaultQueueDepth = 1024
)

// Handler processes one event. Errors and panics are logged and counted,
// never propagated to the producer.
type Handler func(ctx context.Context, e Event) error

// SubscribeOptions bounds the worker pool of a subscriber.
type SubscribeOptions struct {
	Workers    int
	QueueDepth int
}

type subscription struct {
	topic   schema.Topic
	name    string
	handler Handler
	lanes   []*Queue
}

// Fabric fans events out to subscribers. Every subscriber owns a fixed set of
// lanes; events with the same key always land on the same lane, which keeps
// per-key order for each subscriber while letting different keys proceed in
// parallel.
type Fabric struct {
	ctx     context.Context
	cancel  context.CancelFunc
	metrics *obs.Metrics

	mu     sync.RWMutex
	subs   map[schema.Topic][]*subscription
	wg     sync.WaitGroup
	closed atomic.Bool
}

// NewFabric creates a fabric whose workers stop when ctx is done or Close is
// called.
func NewFabric(ctx context.Context, metrics *obs.Metrics) *Fabric {
	ctx, cancel := context.WithCancel(ctx)
	return &Fabric{
		ctx:     ctx,
		cancel:  cancel,
		metrics: metrics,
		subs:    make(map[schema.Topic][]*subscription),
	}
}

// Subscribe registers handler under name for topic and starts its workers.
func (f *Fabric) Subscribe(topic schema.Topic, name string, handler Handler, opts SubscribeOptions) error {
	if handler == nil {
		return ErrNilHandler
	}
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = defaultQueueDepth
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed.Load() {
		return ErrFabricClosed
	}
	for _, s := range f.subs[topic] {
		if s.name == name {
			return ErrSubscribed
		}
	}

	sub := &subscription{
		topic:   topic,
		name:    name,
		handler: handler,
		lanes:   make([]*Queue, opts.Workers),
	}
	for i := range sub.lanes {
		lane := NewQueue(opts.QueueDepth)
		sub.lanes[i] = lane
		f.wg.Add(1)
		go func() {
			defer f.wg.Done()
			lane.Run(f.ctx, func(e Event) {
				f.metrics.SetBusDepth(string(topic), name, sub.depth())
				f.dispatch(sub, e)
			})
		}()
	}
	f.subs[topic] = append(f.subs[topic], sub)
	return nil
}

// Publish delivers e to every subscriber of e.Topic without blocking.
func (f *Fabric) Publish(e Event) error {
	if f.closed.Load() {
		return ErrFabricClosed
	}
	if e.PublishedAt.IsZero() {
		e.PublishedAt = time.Now()
	}

	f.mu.RLock()
	subs := f.subs[e.Topic]
	f.mu.RUnlock()

	for _, sub := range subs {
		lane := sub.lanes[laneIndex(e.Key, len(sub.lanes))]
		dropped, err := lane.Publish(e)
		if err != nil {
			return ErrFabricClosed
		}
		if dropped > 0 {
			f.metrics.IncBusDrop(string(e.Topic), sub.name, dropped)
		}
		f.metrics.SetBusDepth(string(e.Topic), sub.name, sub.depth())
	}
	return nil
}

// Depths returns the queued event count per "topic/subscriber".
func (f *Fabric) Depths() map[string]int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make(map[string]int)
	for topic, subs := range f.subs {
		for _, sub := range subs {
			out[string(topic)+"/"+sub.name] = sub.depth()
		}
	}
	return out
}

// Subscribers returns the subscriber names of a topic, sorted.
func (f *Fabric) Subscribers(topic schema.Topic) []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	names := make([]string, 0, len(f.subs[topic]))
	for _, sub := range f.subs[topic] {
		names = append(names, sub.name)
	}
	sort.Strings(names)
	return names
}

// Close stops accepting events, stops the workers and waits for them to exit.
func (f *Fabric) Close() {
	if !f.closed.CompareAndSwap(false, true) {
		return
	}
	f.mu.RLock()
	for _, subs := range f.subs {
		for _, sub := range subs {
			for _, lane := range sub.lanes {
				lane.Close()
			}
		}
	}
	f.mu.RUnlock()
	f.cancel()
	f.wg.Wait()
}

func (f *Fabric) dispatch(sub *subscription, e Event) {
	defer func() {
		if r := recover(); r != nil {
			f.metrics.IncHandlerFailure(string(sub.topic), sub.name)
			logs.Errorf("bus: handler %s panicked on %s key=%s payload=%+v: %v", sub.name, e.Topic, e.Key, e.Payload, r)
		}
	}()

	f.metrics.ObserveDispatch(time.Since(e.PublishedAt))
	if err := sub.handler(f.ctx, e); err != nil {
		f.metrics.IncHandlerFailure(string(sub.topic), sub.name)
		logs.Errorf("bus: handler %s failed on %s key=%s payload=%+v: %+v", sub.name, e.Topic, e.Key, e.Payload, err)
	}
}

func (s *subscription) depth() int {
	n := 0
	for _, lane := range s.lanes {
		n += lane.Len()
	}
	return n
}

func laneIndex(key string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}
