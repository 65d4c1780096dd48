package feed

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"tradecore/internal/bus"
	"tradecore/internal/codec"
	"tradecore/internal/order"
	"tradecore/internal/schema"
)

const (
	defaultReadTimeout      = 60 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
)

// TickConfig describes a websocket tick source. Messages are JSON ticks,
// one per frame.
type TickConfig struct {
	URL     string
	Venue   string
	Symbols []string
	Header  http.Header

	ReadTimeout time.Duration
	Reconnect   order.Backoff
}

type subscribeMessage struct {
	Op      string   `json:"op"`
	Symbols []string `json:"symbols"`
}

// TickStream keeps a websocket connection open, reconnecting with backoff,
// and publishes every tick on market.tick.
type TickStream struct {
	cfg   TickConfig
	pub   Publisher
	clock func() time.Time

	connects atomic.Uint64
	ticks    atomic.Uint64
}

// NewTickStream creates a tick stream.
func NewTickStream(cfg TickConfig, pub Publisher) (*TickStream, error) {
	if cfg.URL == "" {
		return nil, errors.New("tick stream: empty url")
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if cfg.Reconnect == (order.Backoff{}) {
		cfg.Reconnect = order.Backoff{Min: 500 * time.Millisecond, Max: 30 * time.Second, Factor: 2, Jitter: 0.2}
	}
	return &TickStream{cfg: cfg, pub: pub, clock: time.Now}, nil
}

// Stats returns the number of successful connects and published ticks.
func (s *TickStream) Stats() (connects, ticks uint64) {
	return s.connects.Load(), s.ticks.Load()
}

// Run streams until ctx is done.
func (s *TickStream) Run(ctx context.Context) error {
	retry := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		conn, err := s.connect(ctx)
		if err != nil {
			retry++
			delay := s.cfg.Reconnect.Next(retry)
			logs.Warnf("feed: tick stream %s connect failed (retry %d in %s): %+v", s.cfg.URL, retry, delay, err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
				continue
			}
		}
		retry = 0
		s.connects.Add(1)
		err = s.read(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return nil
		}
		logs.Warnf("feed: tick stream %s dropped: %+v", s.cfg.URL, err)
	}
}

func (s *TickStream) connect(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: defaultHandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, s.cfg.URL, s.cfg.Header)
	if err != nil {
		return nil, errors.Wrap(err, "dial")
	}
	if len(s.cfg.Symbols) > 0 {
		msg, err := codec.Encode(subscribeMessage{Op: "subscribe", Symbols: s.cfg.Symbols})
		if err == nil {
			err = conn.WriteMessage(websocket.TextMessage, msg)
		}
		if err != nil {
			_ = conn.Close()
			return nil, errors.Wrap(err, "subscribe")
		}
	}
	logs.Infof("feed: tick stream connected to %s", s.cfg.URL)
	return conn, nil
}

func (s *TickStream) read(ctx context.Context, conn *websocket.Conn) error {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	for {
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		tick, err := codec.DecodeTick(msg)
		if err != nil || tick.Symbol == "" || !tick.Price.IsPositive() {
			logs.Warnf("feed: drop tick %q: %v", msg, err)
			continue
		}
		if tick.Venue == "" {
			tick.Venue = s.cfg.Venue
		}
		if tick.Timestamp.IsZero() {
			tick.Timestamp = s.clock()
		}
		if err := s.pub.Publish(bus.Event{Topic: schema.TopicMarketTick, Key: tick.Symbol, Payload: tick}); err != nil {
			return errors.Wrap(err, "publish tick")
		}
		s.ticks.Add(1)
	}
}
