package recorder

import (
	"bufio"
	"encoding/binary"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/yanun0323/errors"
)

var (
	ErrClosed        = errors.New("journal writer closed")
	ErrTooLarge      = errors.New("journal entry too large")
	ErrSegmentExists = errors.New("journal segment already holds entries")
)

// Writer appends entries to size and age bounded segments. Each segment is
// named after the sequence number of its first entry, so lexical order is
// replay order. Append returns after the entry is flushed and, unless NoSync
// is set, fsynced.
type Writer struct {
	cfg Config

	mu     sync.Mutex
	active *segment
	header [frameHeaderSize]byte
	sum    [frameTrailer]byte
	closed bool
	failed error
}

type segment struct {
	path   string
	file   *os.File
	buf    *bufio.Writer
	size   int64
	opened time.Time
}

// NewWriter creates the journal directory if needed. Segments are opened
// lazily by the first Append.
func NewWriter(cfg Config) (*Writer, error) {
	cfg, err := cfg.normalize()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create journal dir %s", cfg.Dir)
	}
	return &Writer{cfg: cfg}, nil
}

// Append writes e durably. After a write error the writer refuses every
// further entry, since the segment tail is no longer trustworthy.
func (w *Writer) Append(e Entry) error {
	if len(e.Payload) > maxFrameLength {
		return ErrTooLarge
	}
	if e.Written.IsZero() {
		e.Written = time.Now()
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	switch {
	case w.closed:
		return ErrClosed
	case w.failed != nil:
		return w.failed
	}
	if err := w.write(e); err != nil {
		w.failed = errors.Wrapf(err, "append seq %d", e.Seq)
		return w.failed
	}
	return nil
}

func (w *Writer) write(e Entry) error {
	size := frameSize(len(e.Payload))
	if w.full(size) {
		if err := w.seal(); err != nil {
			return err
		}
	}
	if w.active == nil {
		seg, err := w.open(e.Seq)
		if err != nil {
			return err
		}
		w.active = seg
	}

	putHeader(w.header[:], e)
	binary.LittleEndian.PutUint32(w.sum[:], frameChecksum(w.header[:], e.Payload))
	for _, part := range [][]byte{w.header[:], e.Payload, w.sum[:]} {
		if _, err := w.active.buf.Write(part); err != nil {
			return err
		}
	}
	if err := w.active.buf.Flush(); err != nil {
		return err
	}
	if !w.cfg.NoSync {
		if err := w.active.file.Sync(); err != nil {
			return err
		}
	}
	w.active.size += size
	return nil
}

func (w *Writer) full(next int64) bool {
	if w.active == nil {
		return false
	}
	if w.cfg.SegmentMaxBytes > 0 && w.active.size > 0 && w.active.size+next > w.cfg.SegmentMaxBytes {
		return true
	}
	return w.cfg.SegmentMaxAge > 0 && time.Since(w.active.opened) >= w.cfg.SegmentMaxAge
}

func (w *Writer) open(firstSeq uint64) (*segment, error) {
	path := filepath.Join(w.cfg.Dir, segmentName(w.cfg.Prefix, firstSeq))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if stderrors.Is(err, os.ErrExist) {
		// a crash between create and the first write leaves an empty segment
		info, statErr := os.Stat(path)
		if statErr != nil || info.Size() > 0 {
			return nil, errors.Wrap(ErrSegmentExists, path)
		}
		file, err = os.OpenFile(path, os.O_WRONLY|os.O_TRUNC, 0o644)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "open segment %s", path)
	}
	return &segment{
		path:   path,
		file:   file,
		buf:    bufio.NewWriterSize(file, w.cfg.BufferSize),
		opened: time.Now(),
	}, nil
}

func (w *Writer) seal() error {
	seg := w.active
	w.active = nil
	if seg == nil {
		return nil
	}
	err := seg.buf.Flush()
	if err == nil {
		err = seg.file.Sync()
	}
	if cerr := seg.file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return errors.Wrapf(err, "seal segment %s", seg.path)
	}
	return nil
}

// Close seals the active segment.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return w.failed
	}
	w.closed = true
	if err := w.seal(); err != nil && w.failed == nil {
		w.failed = err
	}
	return w.failed
}

func segmentName(prefix string, firstSeq uint64) string {
	return fmt.Sprintf("%s-%020d%s", prefix, firstSeq, segmentExt)
}
