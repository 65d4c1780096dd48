package control

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"tradecore/internal/schema"
	"tradecore/pkg/exception"
)

// idempotencyRecord caches the result of one applied command key.
type idempotencyRecord struct {
	payloadHash string
	result      Result
	expiresAt   time.Time
}

// idempotencyStore remembers command keys for ttl.
type idempotencyStore struct {
	mu      sync.RWMutex
	records map[string]*idempotencyRecord
	ttl     time.Duration
}

func newIdempotencyStore(ttl time.Duration) *idempotencyStore {
	return &idempotencyStore{records: make(map[string]*idempotencyRecord), ttl: ttl}
}

// payloadHash fingerprints the fields that make two commands "the same".
func payloadHash(cmd schema.ControlCommand) string {
	h := sha256.New()
	for _, part := range []string{string(cmd.Command), cmd.Actor, cmd.Approver, cmd.Reason} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// check returns the cached result for a duplicate, a conflict error for a
// reused key, or ok=false when the key is new.
func (s *idempotencyStore) check(cmd schema.ControlCommand, now time.Time) (Result, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, exists := s.records[cmd.IdempotencyKey]
	if !exists || now.After(record.expiresAt) {
		return Result{}, false, nil
	}
	if record.payloadHash != payloadHash(cmd) {
		return Result{}, false, exception.ErrControlIdempotencyConflict
	}
	return record.result, true, nil
}

func (s *idempotencyStore) store(cmd schema.ControlCommand, result Result, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[cmd.IdempotencyKey] = &idempotencyRecord{
		payloadHash: payloadHash(cmd),
		result:      result,
		expiresAt:   now.Add(s.ttl),
	}
}

// cleanup removes expired records.
func (s *idempotencyStore) cleanup(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, record := range s.records {
		if now.After(record.expiresAt) {
			delete(s.records, key)
		}
	}
}

func (s *idempotencyStore) size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
