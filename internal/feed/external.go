package feed

import (
	"bufio"
	"context"
	stderrors "errors"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"tradecore/internal/bus"
	"tradecore/internal/codec"
	"tradecore/internal/schema"
	"tradecore/pkg/uds"
)

const maxLineBytes = 64 * 1024

// Publisher receives decoded feed events.
type Publisher interface {
	Publish(e bus.Event) error
}

// External reads newline-delimited JSON events from a Unix domain socket
// and publishes them on events.external_feed.
type External struct {
	server *uds.Server
	pub    Publisher
	clock  func() time.Time

	accepted atomic.Uint64
	invalid  atomic.Uint64
}

// NewExternal creates an external feed listening at path.
func NewExternal(path string, pub Publisher) (*External, error) {
	server, err := uds.NewServer(path)
	if err != nil {
		return nil, err
	}
	return &External{server: server, pub: pub, clock: time.Now}, nil
}

// Run listens and serves producers until ctx is done.
func (f *External) Run(ctx context.Context) error {
	if err := f.server.Listen(); err != nil {
		return err
	}
	logs.Infof("feed: external events on %s", f.server.Path())
	return f.server.Serve(ctx, f.handle)
}

// Stats returns how many lines were published and how many were dropped.
func (f *External) Stats() (accepted, invalid uint64) {
	return f.accepted.Load(), f.invalid.Load()
}

func (f *External) handle(_ context.Context, conn net.Conn) {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), maxLineBytes)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		ev, err := codec.DecodeExternalEvent([]byte(line))
		if err == nil && (ev.Symbol == "" || ev.Kind == "") {
			err = errors.New("event needs a symbol and a kind")
		}
		if err != nil {
			f.invalid.Add(1)
			logs.Warnf("feed: drop external event %q: %+v", line, err)
			continue
		}
		if ev.Timestamp.IsZero() {
			ev.Timestamp = f.clock()
		}
		if err := f.pub.Publish(bus.Event{Topic: schema.TopicExternalFeed, Key: ev.Symbol, Payload: ev}); err != nil {
			logs.Errorf("feed: publish external event: %+v", err)
			return
		}
		f.accepted.Add(1)
	}
	if err := scanner.Err(); err != nil && !stderrors.Is(err, net.ErrClosed) {
		logs.Warnf("feed: external producer disconnected: %+v", err)
	}
}

// SendEvents writes events to an external feed socket.
func SendEvents(ctx context.Context, path string, events ...schema.ExternalEvent) error {
	client, err := uds.NewClient(path)
	if err != nil {
		return err
	}
	conn, err := client.Dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	}

	w := bufio.NewWriter(conn)
	for _, ev := range events {
		b, err := codec.Encode(ev)
		if err != nil {
			return err
		}
		if _, err := w.Write(append(b, '\n')); err != nil {
			return errors.Wrap(err, "write event")
		}
	}
	if err := w.Flush(); err != nil {
		return errors.Wrap(err, "flush events")
	}
	return nil
}
