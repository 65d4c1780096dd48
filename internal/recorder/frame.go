package recorder

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"time"

	"tradecore/internal/schema"
)

// Frame layout, little endian:
//
//	magic[4] version u16 type u16 length u32 seq u64 at i64 written i64
//	payload[length]
//	crc32c u32 over everything before it
const (
	frameVersion    uint16 = 1
	frameHeaderSize        = 36
	frameTrailer           = 4
	maxFrameLength         = 1<<32 - 1
)

var (
	frameMagic = [4]byte{'T', 'C', 'J', '1'}
	castagnoli = crc32.MakeTable(crc32.Castagnoli)
)

// Entry is one journal record. Payload is opaque to the recorder.
type Entry struct {
	Type    schema.EventType
	Seq     uint64
	At      time.Time
	Written time.Time
	Payload []byte
}

func frameSize(payload int) int64 {
	return int64(frameHeaderSize + payload + frameTrailer)
}

func putHeader(dst []byte, e Entry) {
	copy(dst[0:4], frameMagic[:])
	binary.LittleEndian.PutUint16(dst[4:6], frameVersion)
	binary.LittleEndian.PutUint16(dst[6:8], uint16(e.Type))
	binary.LittleEndian.PutUint32(dst[8:12], uint32(len(e.Payload)))
	binary.LittleEndian.PutUint64(dst[12:20], e.Seq)
	binary.LittleEndian.PutUint64(dst[20:28], uint64(e.At.UnixNano()))
	binary.LittleEndian.PutUint64(dst[28:36], uint64(e.Written.UnixNano()))
}

func parseHeader(src []byte) (Entry, uint32, error) {
	if !bytes.Equal(src[0:4], frameMagic[:]) {
		return Entry{}, 0, ErrBadMagic
	}
	if v := binary.LittleEndian.Uint16(src[4:6]); v != frameVersion {
		return Entry{}, 0, ErrBadVersion
	}
	e := Entry{
		Type:    schema.EventType(binary.LittleEndian.Uint16(src[6:8])),
		Seq:     binary.LittleEndian.Uint64(src[12:20]),
		At:      time.Unix(0, int64(binary.LittleEndian.Uint64(src[20:28]))).UTC(),
		Written: time.Unix(0, int64(binary.LittleEndian.Uint64(src[28:36]))).UTC(),
	}
	return e, binary.LittleEndian.Uint32(src[8:12]), nil
}

func frameChecksum(header, payload []byte) uint32 {
	return crc32.Update(crc32.Update(0, castagnoli, header), castagnoli, payload)
}
