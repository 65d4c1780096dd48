package ledger

import (
	"context"
	"os"
	"sync"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"tradecore/internal/recorder"
	"tradecore/pkg/exception"
)

// WALJournal stores records in checksummed binary WAL segments. Every append
// is flushed and fsynced before it returns unless the config disables sync.
type WALJournal struct {
	cfg recorder.Config

	mu     sync.Mutex
	writer *recorder.Writer
	closed bool
}

// OpenWAL repairs a torn tail left by a crash and opens a writer on a new
// segment.
func OpenWAL(ctx context.Context, cfg recorder.Config) (*WALJournal, error) {
	if cfg.Dir == "" {
		return nil, errors.Wrap(exception.ErrInvalidArgument, "wal dir is empty")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create wal dir %s", cfg.Dir)
	}
	if err := repairTornTail(ctx, cfg); err != nil {
		return nil, err
	}
	writer, err := recorder.NewWriter(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "open wal writer")
	}
	return &WALJournal{cfg: cfg, writer: writer}, nil
}

func repairTornTail(ctx context.Context, cfg recorder.Config) error {
	res, err := recorder.Scan(ctx, recorder.ScanOptions{
		Dir:              cfg.Dir,
		Prefix:           cfg.Prefix,
		TolerateTornTail: true,
	}, func(recorder.Entry) error { return nil })
	if err != nil {
		return errors.Wrap(err, "scan wal")
	}
	if !res.Torn() {
		return nil
	}
	logs.Warnf("ledger: truncating torn wal tail %s at offset %d", res.TornPath, res.TornOffset)
	if err := os.Truncate(res.TornPath, res.TornOffset); err != nil {
		return errors.Wrapf(err, "truncate %s", res.TornPath)
	}
	return nil
}

// Append writes rec durably.
func (j *WALJournal) Append(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return exception.ErrLedgerClosed
	}
	return j.writer.Append(recorder.Entry{Type: rec.Type, Seq: rec.Seq, At: rec.At, Payload: rec.Payload})
}

// Replay reads every segment in order. Records appended by this process are
// included once the writer has flushed them, which Append guarantees.
func (j *WALJournal) Replay(ctx context.Context, fn func(Record) error) error {
	_, err := recorder.Scan(ctx, recorder.ScanOptions{Dir: j.cfg.Dir, Prefix: j.cfg.Prefix}, func(e recorder.Entry) error {
		return fn(Record{
			Seq:     e.Seq,
			Type:    e.Type,
			At:      e.At,
			Payload: append([]byte(nil), e.Payload...),
		})
	})
	return err
}

// Close flushes and closes the active segment.
func (j *WALJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	return j.writer.Close()
}
