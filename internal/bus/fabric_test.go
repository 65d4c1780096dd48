package bus

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradecore/internal/obs"
	"tradecore/internal/schema"
)

func TestQueueDropsOldest(t *testing.T) {
	q := NewQueue(2)
	total := 0
	for i := range 5 {
		dropped, err := q.Publish(Event{Key: strconv.Itoa(i)})
		require.NoError(t, err)
		total += dropped
	}
	assert.Equal(t, 3, total)
	assert.Equal(t, 2, q.Len())

	q.Close()
	var keys []string
	q.Run(t.Context(), func(e Event) { keys = append(keys, e.Key) })
	assert.Equal(t, []string{"3", "4"}, keys)

	_, err := q.Publish(Event{})
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestFabricPreservesPerKeyOrder(t *testing.T) {
	f := NewFabric(t.Context(), obs.NewMetrics())
	defer f.Close()

	const perKey = 200
	symbols := []string{"BTCUSDT", "ETHUSDT", "SOLUSDT", "XRPUSDT"}

	var mu sync.Mutex
	seen := make(map[string][]int)
	var wg sync.WaitGroup
	wg.Add(perKey * len(symbols))

	err := f.Subscribe(schema.TopicMarketTick, "recorder", func(_ context.Context, e Event) error {
		mu.Lock()
		seen[e.Key] = append(seen[e.Key], e.Payload.(int))
		mu.Unlock()
		wg.Done()
		return nil
	}, SubscribeOptions{Workers: 3, QueueDepth: perKey * len(symbols)})
	require.NoError(t, err)

	for i := range perKey {
		for _, sym := range symbols {
			require.NoError(t, f.Publish(Event{Topic: schema.TopicMarketTick, Key: sym, Payload: i}))
		}
	}
	waitOrFail(t, &wg)

	for _, sym := range symbols {
		got := seen[sym]
		require.Len(t, got, perKey)
		for i, v := range got {
			require.Equalf(t, i, v, "symbol %s out of order at %d", sym, i)
		}
	}
}

func TestFabricSlowSubscriberDoesNotStallOthers(t *testing.T) {
	metrics := obs.NewMetrics()
	f := NewFabric(t.Context(), metrics)
	defer f.Close()

	release := make(chan struct{})
	defer close(release)
	require.NoError(t, f.Subscribe(schema.TopicMarketTick, "slow", func(ctx context.Context, _ Event) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	}, SubscribeOptions{Workers: 1, QueueDepth: 4}))

	var wg sync.WaitGroup
	const n = 50
	wg.Add(n)
	require.NoError(t, f.Subscribe(schema.TopicMarketTick, "fast", func(context.Context, Event) error {
		wg.Done()
		return nil
	}, SubscribeOptions{Workers: 2, QueueDepth: n}))

	done := make(chan struct{})
	go func() {
		for i := range n {
			_ = f.Publish(Event{Topic: schema.TopicMarketTick, Key: "BTCUSDT", Payload: i})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on slow subscriber")
	}
	waitOrFail(t, &wg)

	snap := metrics.Snapshot()
	assert.Greater(t, snap.BusDrops["market.tick/slow"], uint64(0))
	assert.Zero(t, snap.BusDrops["market.tick/fast"])
}

func TestFabricRecoversHandlerPanic(t *testing.T) {
	metrics := obs.NewMetrics()
	f := NewFabric(t.Context(), metrics)
	defer f.Close()

	var wg sync.WaitGroup
	wg.Add(3)
	require.NoError(t, f.Subscribe(schema.TopicExternalFeed, "flaky", func(_ context.Context, e Event) error {
		defer wg.Done()
		switch e.Payload.(int) {
		case 0:
			panic("boom")
		case 1:
			return errors.New("bad event")
		}
		return nil
	}, SubscribeOptions{}))

	for i := range 3 {
		require.NoError(t, f.Publish(Event{Topic: schema.TopicExternalFeed, Key: "news", Payload: i}))
	}
	waitOrFail(t, &wg)

	assert.Eventually(t, func() bool {
		return metrics.Snapshot().HandlerFailures["events.external_feed/flaky"] == 2
	}, time.Second, 5*time.Millisecond)
}

func TestFabricSubscribeErrors(t *testing.T) {
	f := NewFabric(t.Context(), nil)
	noop := func(context.Context, Event) error { return nil }

	assert.ErrorIs(t, f.Subscribe(schema.TopicMarketTick, "a", nil, SubscribeOptions{}), ErrNilHandler)
	require.NoError(t, f.Subscribe(schema.TopicMarketTick, "a", noop, SubscribeOptions{}))
	assert.ErrorIs(t, f.Subscribe(schema.TopicMarketTick, "a", noop, SubscribeOptions{}), ErrSubscribed)
	assert.Equal(t, []string{"a"}, f.Subscribers(schema.TopicMarketTick))

	f.Close()
	assert.ErrorIs(t, f.Publish(Event{Topic: schema.TopicMarketTick}), ErrFabricClosed)
	assert.ErrorIs(t, f.Subscribe(schema.TopicMarketTick, "b", noop, SubscribeOptions{}), ErrFabricClosed)
}

func waitOrFail(t *testing.T, wg *sync.WaitGroup) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for handlers")
	}
}
