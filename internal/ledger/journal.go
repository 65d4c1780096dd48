package ledger

import (
	"context"
	"sync"
	"time"

	"tradecore/internal/schema"
	"tradecore/pkg/exception"
)

// Record is one durable journal entry. Seq is assigned by the ledger and is
// strictly increasing.
type Record struct {
	Seq     uint64
	Type    schema.EventType
	At      time.Time
	Payload []byte
}

// Journal is the durable, ordered and replayable store behind the ledger.
// Append returns only after the record is durable.
type Journal interface {
	Append(ctx context.Context, rec Record) error
	Replay(ctx context.Context, fn func(Record) error) error
	Close() error
}

// MemoryJournal keeps records in process memory.
type MemoryJournal struct {
	mu      sync.Mutex
	records []Record
	failErr error
	closed  bool
}

// NewMemoryJournal creates an empty in-memory journal.
func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{}
}

// Append stores a copy of rec.
func (j *MemoryJournal) Append(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return exception.ErrLedgerClosed
	}
	if j.failErr != nil {
		return j.failErr
	}
	rec.Payload = append([]byte(nil), rec.Payload...)
	j.records = append(j.records, rec)
	return nil
}

// Replay calls fn for every record in append order.
func (j *MemoryJournal) Replay(ctx context.Context, fn func(Record) error) error {
	j.mu.Lock()
	records := append([]Record(nil), j.records...)
	j.mu.Unlock()
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

// Close marks the journal closed. Records stay readable through Replay.
func (j *MemoryJournal) Close() error {
	j.mu.Lock()
	j.closed = true
	j.mu.Unlock()
	return nil
}

// Records returns a copy of the stored records.
func (j *MemoryJournal) Records() []Record {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]Record(nil), j.records...)
}

// FailAppends makes every later Append return err. A nil err heals the
// journal.
func (j *MemoryJournal) FailAppends(err error) {
	j.mu.Lock()
	j.failErr = err
	j.mu.Unlock()
}
