package recorder

import (
	"context"
	stderrors "errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/yanun0323/errors"

	"tradecore/pkg/exception"
)

// ScanOptions controls a replay over every segment of a journal.
type ScanOptions struct {
	Dir          string
	Prefix       string
	MaxPayload   int
	SkipChecksum bool
	// TolerateTornTail ends the scan cleanly when the newest segment stops in
	// the middle of a frame. The position is reported in the result.
	TolerateTornTail bool
}

// ScanResult describes what a scan read.
type ScanResult struct {
	Segments int
	Entries  int
	LastSeq  uint64
	// TornPath and TornOffset locate the end of the last complete frame when
	// a torn tail was tolerated.
	TornPath   string
	TornOffset int64
}

// Torn reports whether the scan stopped at a torn tail.
func (r ScanResult) Torn() bool {
	return r.TornPath != ""
}

// Segments lists segment files of prefix in dir in replay order. A missing
// directory has none.
func Segments(dir, prefix string) ([]string, error) {
	if prefix == "" {
		prefix = defaultPrefix
	}
	entries, err := os.ReadDir(dir)
	if stderrors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "list journal dir %s", dir)
	}
	var out []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, prefix+"-") || !strings.HasSuffix(name, segmentExt) {
			continue
		}
		out = append(out, filepath.Join(dir, name))
	}
	sort.Strings(out)
	return out, nil
}

// Scan calls fn for every entry in sequence order. The entry passed to fn is
// only valid during the call.
func Scan(ctx context.Context, opts ScanOptions, fn func(Entry) error) (ScanResult, error) {
	var res ScanResult
	if opts.Dir == "" {
		return res, errors.Wrap(exception.ErrInvalidArgument, "journal dir is empty")
	}
	paths, err := Segments(opts.Dir, opts.Prefix)
	if err != nil {
		return res, err
	}
	for i, path := range paths {
		res.Segments++
		if err := scanSegment(ctx, opts, path, i == len(paths)-1, &res, fn); err != nil {
			return res, err
		}
		if res.Torn() {
			break
		}
	}
	return res, nil
}

func scanSegment(ctx context.Context, opts ScanOptions, path string, newest bool, res *ScanResult, fn func(Entry) error) error {
	file, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "open segment %s", path)
	}
	defer file.Close()

	r := NewReader(file, opts.MaxPayload)
	if opts.SkipChecksum {
		r.SkipChecksum()
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		e, err := r.Next()
		switch {
		case err == io.EOF:
			return nil
		case stderrors.Is(err, ErrTorn) && newest && opts.TolerateTornTail:
			res.TornPath, res.TornOffset = path, r.Offset()
			return nil
		case err != nil:
			return errors.Wrapf(err, "read %s at offset %d", filepath.Base(path), r.Offset())
		}
		if err := fn(e); err != nil {
			return err
		}
		res.Entries++
		res.LastSeq = e.Seq
	}
}
