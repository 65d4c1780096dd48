package feed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradecore/internal/bus"
	"tradecore/internal/order"
	"tradecore/internal/schema"
	"tradecore/pkg/uds"
)

type sink struct {
	mu     sync.Mutex
	events []bus.Event
}

func (s *sink) Publish(e bus.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *sink) all() []bus.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]bus.Event(nil), s.events...)
}

func TestExternalFeedPublishesEvents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "feed.sock")
	out := &sink{}
	f, err := NewExternal(path, out)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()
	require.Eventually(t, func() bool {
		_, err := os.Stat(path)
		return err == nil
	}, time.Second, 5*time.Millisecond)

	ts := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	err = SendEvents(t.Context(), path,
		schema.ExternalEvent{Source: "wire", Symbol: "BTCUSDT", Kind: "headline", Score: 0.9, Timestamp: ts},
		schema.ExternalEvent{Source: "wire", Symbol: "ETHUSDT", Kind: "headline", Score: -0.7},
	)
	require.NoError(t, err)

	client, err := uds.NewClient(path)
	require.NoError(t, err)
	conn, err := client.Dial(t.Context())
	require.NoError(t, err)
	_, err = conn.Write([]byte("not json\n{\"symbol\":\"BTCUSDT\"}\n\n"))
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool {
		_, invalid := f.Stats()
		return len(out.all()) == 2 && invalid == 2
	}, time.Second, 5*time.Millisecond)

	events := out.all()
	assert.Equal(t, schema.TopicExternalFeed, events[0].Topic)
	assert.Equal(t, "BTCUSDT", events[0].Key)
	first := events[0].Payload.(schema.ExternalEvent)
	assert.Equal(t, ts, first.Timestamp.UTC())
	second := events[1].Payload.(schema.ExternalEvent)
	assert.False(t, second.Timestamp.IsZero())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("external feed did not stop")
	}
}

func TestSendEventsWithoutServer(t *testing.T) {
	err := SendEvents(t.Context(), filepath.Join(t.TempDir(), "none.sock"), schema.ExternalEvent{Symbol: "BTCUSDT", Kind: "x"})
	assert.Error(t, err)
}

func TestTickStreamReconnects(t *testing.T) {
	var connections atomic.Int32
	subscribed := make(chan string, 4)
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		subscribed <- string(msg)

		if connections.Add(1) == 1 {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"symbol":"BTCUSDT","price":"50000","quantity":"0.1"}`))
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`garbage`))
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"venue":"ALT","symbol":"ETHUSDT","price":"2500"}`))
			return
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"symbol":"BTCUSDT","price":"50100"}`))
		time.Sleep(200 * time.Millisecond)
	}))
	defer server.Close()

	out := &sink{}
	stream, err := NewTickStream(TickConfig{
		URL:       "ws" + strings.TrimPrefix(server.URL, "http"),
		Venue:     "SIM",
		Symbols:   []string{"BTCUSDT", "ETHUSDT"},
		Reconnect: order.Backoff{Min: time.Millisecond, Max: 5 * time.Millisecond, Factor: 2},
	}, out)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- stream.Run(ctx) }()

	require.Eventually(t, func() bool { return len(out.all()) == 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Contains(t, <-subscribed, `"op":"subscribe"`)
	connects, ticks := stream.Stats()
	assert.GreaterOrEqual(t, connects, uint64(2))
	assert.Equal(t, uint64(3), ticks)

	events := out.all()
	first := events[0].Payload.(schema.Tick)
	assert.Equal(t, "SIM", first.Venue)
	assert.Equal(t, "50000", first.Price.String())
	assert.Equal(t, "ALT", events[1].Payload.(schema.Tick).Venue)
	assert.Equal(t, "50100", events[2].Payload.(schema.Tick).Price.String())
}

func TestNewTickStreamNeedsURL(t *testing.T) {
	_, err := NewTickStream(TickConfig{}, &sink{})
	assert.Error(t, err)
}

func TestSyntheticWalkIsSeeded(t *testing.T) {
	cfg := SyntheticConfig{
		Venue:      "SIM",
		Symbols:    []string{"BTCUSDT", "ETHUSDT"},
		StartPrice: decimal.NewFromInt(100),
		Volatility: 0.01,
		Seed:       7,
	}
	a, err := NewSynthetic(cfg, &sink{})
	require.NoError(t, err)
	b, err := NewSynthetic(cfg, &sink{})
	require.NoError(t, err)

	for i := range 20 {
		ta, tb := a.Next(), b.Next()
		assert.Equal(t, cfg.Symbols[i%2], ta.Symbol)
		assert.Equal(t, "SIM", ta.Venue)
		assert.True(t, ta.Price.Equal(tb.Price), "step %d: %s != %s", i, ta.Price, tb.Price)
		assert.True(t, ta.Price.IsPositive())
	}
}

func TestSyntheticRunPublishesTicks(t *testing.T) {
	s := &sink{}
	feed, err := NewSynthetic(SyntheticConfig{
		Symbols:    []string{"BTCUSDT"},
		StartPrice: decimal.NewFromInt(50000),
		Interval:   time.Millisecond,
		Seed:       1,
	}, s)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- feed.Run(ctx) }()
	require.Eventually(t, func() bool { return len(s.all()) >= 3 }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	events := s.all()
	assert.Equal(t, schema.TopicMarketTick, events[0].Topic)
	tick := events[0].Payload.(schema.Tick)
	assert.True(t, tick.Price.Equal(decimal.NewFromInt(50000)), "zero volatility keeps the price, got %s", tick.Price)
	assert.GreaterOrEqual(t, feed.Ticks(), uint64(3))
}

func TestSyntheticRejectsBadConfig(t *testing.T) {
	_, err := NewSynthetic(SyntheticConfig{StartPrice: decimal.NewFromInt(1)}, &sink{})
	require.Error(t, err)
	_, err = NewSynthetic(SyntheticConfig{Symbols: []string{"X"}}, &sink{})
	require.Error(t, err)
}
