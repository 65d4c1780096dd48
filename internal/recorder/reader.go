package recorder

import (
	"bufio"
	"encoding/binary"
	stderrors "errors"
	"io"

	"github.com/yanun0323/errors"
)

var (
	ErrBadMagic   = errors.New("journal frame has bad magic")
	ErrBadVersion = errors.New("journal frame version unsupported")
	ErrChecksum   = errors.New("journal frame checksum mismatch")
	// ErrTorn marks a frame cut short, which is what an interrupted append
	// leaves at the end of the newest segment.
	ErrTorn = errors.New("journal frame torn")
)

// Reader decodes frames from one segment.
type Reader struct {
	src        *bufio.Reader
	maxPayload int
	verify     bool
	header     [frameHeaderSize]byte
	payload    []byte
	offset     int64
}

// NewReader decodes frames from r. maxPayload <= 0 allows any length.
func NewReader(r io.Reader, maxPayload int) *Reader {
	return &Reader{src: bufio.NewReader(r), maxPayload: maxPayload, verify: true}
}

// SkipChecksum disables checksum verification.
func (r *Reader) SkipChecksum() *Reader {
	r.verify = false
	return r
}

// Next returns the next entry, or io.EOF at a clean end of segment. The
// entry's Payload is reused by the following call.
func (r *Reader) Next() (Entry, error) {
	if n, err := io.ReadFull(r.src, r.header[:]); err != nil {
		if err == io.EOF && n == 0 {
			return Entry{}, io.EOF
		}
		return Entry{}, cut(err)
	}
	e, length, err := parseHeader(r.header[:])
	if err != nil {
		return Entry{}, err
	}
	if r.maxPayload > 0 && int64(length) > int64(r.maxPayload) {
		return Entry{}, errors.Wrapf(ErrTooLarge, "seq %d is %d bytes", e.Seq, length)
	}

	if cap(r.payload) < int(length) {
		r.payload = make([]byte, length)
	}
	r.payload = r.payload[:length]
	if _, err := io.ReadFull(r.src, r.payload); err != nil {
		return Entry{}, cut(err)
	}
	var sum [frameTrailer]byte
	if _, err := io.ReadFull(r.src, sum[:]); err != nil {
		return Entry{}, cut(err)
	}
	if r.verify && binary.LittleEndian.Uint32(sum[:]) != frameChecksum(r.header[:], r.payload) {
		return Entry{}, errors.Wrapf(ErrChecksum, "seq %d", e.Seq)
	}

	r.offset += frameSize(int(length))
	e.Payload = r.payload
	return e, nil
}

// Offset is the byte length of the complete frames read so far.
func (r *Reader) Offset() int64 {
	return r.offset
}

func cut(err error) error {
	if stderrors.Is(err, io.ErrUnexpectedEOF) || stderrors.Is(err, io.EOF) {
		return ErrTorn
	}
	return err
}
