package recorder

import (
	"time"

	"github.com/yanun0323/errors"

	"tradecore/pkg/exception"
)

const (
	defaultSegmentMaxBytes int64 = 64 << 20
	defaultSegmentMaxAge         = 24 * time.Hour
	defaultBufferSize            = 32 << 10
	defaultPrefix                = "journal"
	segmentExt                   = ".wal"
)

// Config controls how journal segments are written.
type Config struct {
	Dir    string
	Prefix string
	// A segment is sealed once it would grow past SegmentMaxBytes or has been
	// open for SegmentMaxAge. Zero disables the respective limit.
	SegmentMaxBytes int64
	SegmentMaxAge   time.Duration
	BufferSize      int
	// NoSync skips fsync after each append. Entries still reach the OS before
	// Append returns, so only a host crash can lose them.
	NoSync bool
}

// DefaultConfig returns the settings the ledger journals with.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:             dir,
		Prefix:          defaultPrefix,
		SegmentMaxBytes: defaultSegmentMaxBytes,
		SegmentMaxAge:   defaultSegmentMaxAge,
		BufferSize:      defaultBufferSize,
	}
}

func (c Config) normalize() (Config, error) {
	if c.Dir == "" {
		return c, errors.Wrap(exception.ErrInvalidArgument, "journal dir is empty")
	}
	if c.Prefix == "" {
		c.Prefix = defaultPrefix
	}
	if c.BufferSize <= 0 {
		c.BufferSize = defaultBufferSize
	}
	if c.SegmentMaxBytes < 0 || c.SegmentMaxAge < 0 {
		return c, errors.Wrap(exception.ErrInvalidArgument, "segment limits must be >= 0")
	}
	return c, nil
}
