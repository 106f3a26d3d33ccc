package audit

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/yanun0323/errors"

	"main/internal/schema"
)

const (
	defaultSegmentMaxBytes int64 = 256 << 20
	defaultBufferSize            = 64 * 1024
	defaultFilePrefix            = "audit"
	maxPayloadLen                = int(^uint32(0) >> 1)
)

var (
	ErrClosed = errors.New("audit: log closed")
)

// Config controls the audit log.
type Config struct {
	Dir             string
	SegmentMaxBytes int64
	BufferSize      int
	FilePrefix      string
	// SyncEveryAppend forces an fsync per record. Without it every record is
	// still flushed to the OS on append, which survives a process crash.
	SyncEveryAppend bool
}

// DefaultConfig returns a baseline configuration for the audit log.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:             dir,
		SegmentMaxBytes: defaultSegmentMaxBytes,
		BufferSize:      defaultBufferSize,
		FilePrefix:      defaultFilePrefix,
	}
}

func (c Config) withDefaults() Config {
	if c.SegmentMaxBytes <= 0 {
		c.SegmentMaxBytes = defaultSegmentMaxBytes
	}
	if c.BufferSize <= 0 {
		c.BufferSize = defaultBufferSize
	}
	if c.FilePrefix == "" {
		c.FilePrefix = defaultFilePrefix
	}
	return c
}

// Validate checks if the configuration is usable.
func (c Config) Validate() error {
	if c.Dir == "" {
		return errors.New("invalid audit config: Dir is empty")
	}
	return nil
}

// Log is the append-only audit trail. Append assigns strictly increasing,
// gapless sequence numbers for the lifetime of the daemon process.
type Log struct {
	cfg Config

	mu    sync.Mutex
	seq   uint64
	seg   *segment
	segID uint64

	headerBuf [recordHeaderSize]byte
	crcBuf    [recordChecksumSize]byte

	closed bool
}

type segment struct {
	file     *os.File
	buf      *bufio.Writer
	size     int64
	openedAt time.Time
}

// Open creates the audit log, ensuring the target directory exists. Sequence
// numbering continues from the highest sequence found in existing segments.
func Open(cfg Config) (*Log, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create audit dir")
	}
	l := &Log{cfg: cfg}
	last, err := lastSequence(cfg.Dir, cfg.FilePrefix)
	if err != nil {
		return nil, err
	}
	l.seq = last
	return l, nil
}

// Seq returns the last assigned sequence number (0 when nothing appended).
func (l *Log) Seq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}

// Append writes one entry and returns its assigned sequence number. The
// record is flushed before Append returns; a failure here must fail the
// surrounding operation.
func (l *Log) Append(kind schema.AuditKind, actor string, payload map[string]any, resultCode string) (uint64, error) {
	body, err := encodeEntryBody(schema.AuditEntry{Actor: actor, Payload: payload, ResultCode: resultCode})
	if err != nil {
		return 0, err
	}
	if len(body) > maxPayloadLen {
		return 0, ErrPayloadTooLarge
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0, ErrClosed
	}

	now := time.Now().UTC()
	if err := l.rotateIfNeeded(now, len(body)); err != nil {
		return 0, err
	}

	seq := l.seq + 1
	encodeRecordHeader(l.headerBuf[:], seq, now.UnixNano(), kind, len(body))
	crc := checksum(l.headerBuf[:], body)
	l.crcBuf[0] = byte(crc)
	l.crcBuf[1] = byte(crc >> 8)
	l.crcBuf[2] = byte(crc >> 16)
	l.crcBuf[3] = byte(crc >> 24)

	if _, err := l.seg.buf.Write(l.headerBuf[:]); err != nil {
		return 0, errors.Wrap(err, "append audit header")
	}
	if _, err := l.seg.buf.Write(body); err != nil {
		return 0, errors.Wrap(err, "append audit payload")
	}
	if _, err := l.seg.buf.Write(l.crcBuf[:]); err != nil {
		return 0, errors.Wrap(err, "append audit checksum")
	}
	if err := l.seg.buf.Flush(); err != nil {
		return 0, errors.Wrap(err, "flush audit record")
	}
	if l.cfg.SyncEveryAppend {
		if err := l.seg.file.Sync(); err != nil {
			return 0, errors.Wrap(err, "sync audit record")
		}
	}

	l.seg.size += int64(recordHeaderSize + len(body) + recordChecksumSize)
	l.seq = seq
	return seq, nil
}

// Close flushes and closes the current segment.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.closeSegment()
}

func (l *Log) rotateIfNeeded(now time.Time, payloadLen int) error {
	recordSize := int64(recordHeaderSize + payloadLen + recordChecksumSize)
	if l.seg != nil && l.seg.size+recordSize > l.cfg.SegmentMaxBytes {
		if err := l.closeSegment(); err != nil {
			return err
		}
	}
	if l.seg == nil {
		return l.openSegment(now)
	}
	return nil
}

func (l *Log) openSegment(now time.Time) error {
	ts := now.Format("20060102-150405")
	for {
		l.segID++
		name := fmt.Sprintf("%s-%s-%06d.log", l.cfg.FilePrefix, ts, l.segID)
		path := filepath.Join(l.cfg.Dir, name)
		file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
		if err != nil {
			if os.IsExist(err) {
				continue
			}
			return errors.Wrap(err, "open audit segment")
		}
		l.seg = &segment{
			file:     file,
			buf:      bufio.NewWriterSize(file, l.cfg.BufferSize),
			openedAt: now,
		}
		return nil
	}
}

func (l *Log) closeSegment() error {
	if l.seg == nil {
		return nil
	}
	seg := l.seg
	l.seg = nil
	if err := seg.buf.Flush(); err != nil {
		_ = seg.file.Close()
		return errors.Wrap(err, "flush audit segment")
	}
	if err := seg.file.Sync(); err != nil {
		_ = seg.file.Close()
		return errors.Wrap(err, "sync audit segment")
	}
	return seg.file.Close()
}

// lastSequence scans existing segments for the highest assigned sequence, so
// a restarted daemon keeps the trail strictly increasing.
func lastSequence(dir, prefix string) (uint64, error) {
	files, err := segmentFiles(dir, prefix)
	if err != nil {
		return 0, err
	}
	var last uint64
	for _, path := range files {
		seq, err := lastSequenceInFile(path)
		if err != nil {
			return 0, err
		}
		if seq > last {
			last = seq
		}
	}
	return last, nil
}

func lastSequenceInFile(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, errors.Wrap(err, "open audit segment")
	}
	defer f.Close()

	r := newSegmentReader(f)
	var last uint64
	for {
		rec, err := r.next()
		if err != nil {
			// A torn tail from a crash ends the scan; everything before it
			// remains valid.
			return last, nil
		}
		last = rec.Seq
	}
}
