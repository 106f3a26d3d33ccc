package audit

import (
	"bufio"
	"encoding/binary"
	stderrors "errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/yanun0323/errors"

	"main/internal/schema"
)

// Filter narrows a query. Zero values match everything.
type Filter struct {
	Kind     schema.AuditKind
	SinceSeq uint64
	Since    time.Time
	Until    time.Time
	Limit    int
}

func (f Filter) matches(entry schema.AuditEntry) bool {
	if f.Kind != "" && entry.Kind != f.Kind {
		return false
	}
	if f.SinceSeq > 0 && entry.Seq < f.SinceSeq {
		return false
	}
	if !f.Since.IsZero() && entry.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && entry.Timestamp.After(f.Until) {
		return false
	}
	return true
}

// Query replays matching entries in ascending sequence order, calling fn for
// each. fn returning false stops the scan early. A truncated tail on the
// newest segment ends the scan cleanly; corruption in the middle is an error.
func (l *Log) Query(filter Filter, fn func(schema.AuditEntry) bool) error {
	// Flush so queries observe every appended record.
	l.mu.Lock()
	if l.seg != nil {
		if err := l.seg.buf.Flush(); err != nil {
			l.mu.Unlock()
			return errors.Wrap(err, "flush before query")
		}
	}
	dir, prefix := l.cfg.Dir, l.cfg.FilePrefix
	l.mu.Unlock()

	files, err := segmentFiles(dir, prefix)
	if err != nil {
		return err
	}
	matched := 0
	for i, path := range files {
		lastSegment := i == len(files)-1
		stop, err := scanSegment(path, lastSegment, func(entry schema.AuditEntry) bool {
			if !filter.matches(entry) {
				return true
			}
			matched++
			if !fn(entry) {
				return false
			}
			return filter.Limit <= 0 || matched < filter.Limit
		})
		if err != nil {
			return err
		}
		if stop {
			return nil
		}
	}
	return nil
}

// Entries collects matching entries into a slice.
func (l *Log) Entries(filter Filter) ([]schema.AuditEntry, error) {
	var out []schema.AuditEntry
	err := l.Query(filter, func(entry schema.AuditEntry) bool {
		out = append(out, entry)
		return true
	})
	return out, err
}

func scanSegment(path string, tolerateTail bool, fn func(schema.AuditEntry) bool) (stopped bool, err error) {
	f, err := os.Open(path)
	if err != nil {
		return false, errors.Wrap(err, "open audit segment")
	}
	defer f.Close()

	r := newSegmentReader(f)
	for {
		rec, err := r.next()
		if err == io.EOF {
			return false, nil
		}
		if err != nil {
			if tolerateTail && isTornTail(err) {
				return false, nil
			}
			return false, errors.Wrap(err, "scan "+filepath.Base(path))
		}
		if !fn(rec) {
			return true, nil
		}
	}
}

// isTornTail reports whether the error is consistent with a crash mid-append.
func isTornTail(err error) bool {
	return err == io.ErrUnexpectedEOF || stderrors.Is(err, ErrChecksumMismatch)
}

func segmentFiles(dir, prefix string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "read audit dir")
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, prefix+"-") && strings.HasSuffix(name, ".log") {
			files = append(files, filepath.Join(dir, name))
		}
	}
	sort.Strings(files)
	return files, nil
}

type segmentReader struct {
	r         *bufio.Reader
	headerBuf []byte
	payload   []byte
}

func newSegmentReader(r io.Reader) *segmentReader {
	return &segmentReader{
		r:         bufio.NewReader(r),
		headerBuf: make([]byte, recordHeaderSize),
	}
}

func (r *segmentReader) next() (schema.AuditEntry, error) {
	n, err := io.ReadFull(r.r, r.headerBuf)
	if err != nil {
		if err == io.EOF && n == 0 {
			return schema.AuditEntry{}, io.EOF
		}
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return schema.AuditEntry{}, err
	}
	seq, tsNanos, kind, payloadLen, err := decodeRecordHeader(r.headerBuf)
	if err != nil {
		return schema.AuditEntry{}, err
	}
	if cap(r.payload) < int(payloadLen) {
		r.payload = make([]byte, payloadLen)
	}
	r.payload = r.payload[:payloadLen]
	if _, err := io.ReadFull(r.r, r.payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return schema.AuditEntry{}, err
	}
	var crcBuf [recordChecksumSize]byte
	if _, err := io.ReadFull(r.r, crcBuf[:]); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return schema.AuditEntry{}, err
	}
	if checksum(r.headerBuf, r.payload) != binary.LittleEndian.Uint32(crcBuf[:]) {
		return schema.AuditEntry{}, ErrChecksumMismatch
	}
	body, err := decodeEntryBody(r.payload)
	if err != nil {
		return schema.AuditEntry{}, err
	}
	return schema.AuditEntry{
		Seq:        seq,
		Timestamp:  time.Unix(0, tsNanos).UTC(),
		Kind:       kind,
		Actor:      body.Actor,
		Payload:    body.Payload,
		ResultCode: body.ResultCode,
	}, nil
}
