// Package wire implements the daemon's transport framing: length-prefixed,
// checksummed binary frames carrying msgpack-serialized envelopes. One
// connection interleaves request/response frames with streamed event frames.
package wire

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"io"

	"github.com/yanun0323/errors"
)

// FrameKind distinguishes the three frame flavors on a connection.
type FrameKind uint16

const (
	FrameUnknown FrameKind = iota
	FrameRequest
	FrameResponse
	FrameEvent
)

const (
	frameVersion    uint16 = 1
	frameHeaderSize        = 16
	frameCRCSize           = 4

	// DefaultMaxPayload bounds a single frame payload.
	DefaultMaxPayload = 4 << 20
)

var (
	frameMagic = [4]byte{'B', 'R', 'K', '1'}
	crcTable   = crc32.MakeTable(crc32.Castagnoli)
)

var (
	ErrInvalidMagic       = errors.New("wire: invalid frame magic")
	ErrUnsupportedVersion = errors.New("wire: unsupported frame version")
	ErrChecksumMismatch   = errors.New("wire: frame checksum mismatch")
	ErrFrameTooLarge      = errors.New("wire: frame payload too large")
)

// Frame is one decoded unit off the connection.
type Frame struct {
	Kind    FrameKind
	Flags   uint16
	Payload []byte
}

func encodeHeader(dst []byte, kind FrameKind, flags uint16, payloadLen int) {
	_ = dst[frameHeaderSize-1]
	copy(dst[0:4], frameMagic[:])
	binary.LittleEndian.PutUint16(dst[4:6], frameVersion)
	binary.LittleEndian.PutUint16(dst[6:8], uint16(kind))
	binary.LittleEndian.PutUint16(dst[8:10], flags)
	binary.LittleEndian.PutUint16(dst[10:12], 0)
	binary.LittleEndian.PutUint32(dst[12:16], uint32(payloadLen))
}

func decodeHeader(src []byte) (FrameKind, uint16, uint32, error) {
	if !bytes.Equal(src[0:4], frameMagic[:]) {
		return FrameUnknown, 0, 0, ErrInvalidMagic
	}
	if ver := binary.LittleEndian.Uint16(src[4:6]); ver != frameVersion {
		return FrameUnknown, 0, 0, ErrUnsupportedVersion
	}
	kind := FrameKind(binary.LittleEndian.Uint16(src[6:8]))
	flags := binary.LittleEndian.Uint16(src[8:10])
	payloadLen := binary.LittleEndian.Uint32(src[12:16])
	return kind, flags, payloadLen, nil
}

// Writer serializes frames onto an io.Writer. It is not safe for concurrent
// use; sessions guard it with their own write lock.
type Writer struct {
	w      io.Writer
	header [frameHeaderSize]byte
	crcBuf [frameCRCSize]byte
}

// NewWriter wraps an io.Writer for frame output.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteFrame emits one frame: header, payload, trailing CRC32C over both.
func (w *Writer) WriteFrame(kind FrameKind, flags uint16, payload []byte) error {
	if len(payload) > DefaultMaxPayload {
		return ErrFrameTooLarge
	}
	encodeHeader(w.header[:], kind, flags, len(payload))
	crc := crc32.Update(0, crcTable, w.header[:])
	crc = crc32.Update(crc, crcTable, payload)
	binary.LittleEndian.PutUint32(w.crcBuf[:], crc)

	if _, err := w.w.Write(w.header[:]); err != nil {
		return errors.Wrap(err, "write frame header")
	}
	if len(payload) > 0 {
		if _, err := w.w.Write(payload); err != nil {
			return errors.Wrap(err, "write frame payload")
		}
	}
	if _, err := w.w.Write(w.crcBuf[:]); err != nil {
		return errors.Wrap(err, "write frame checksum")
	}
	return nil
}

// Reader deserializes frames from an io.Reader.
type Reader struct {
	r          io.Reader
	maxPayload int
	header     [frameHeaderSize]byte
	crcBuf     [frameCRCSize]byte
}

// NewReader wraps an io.Reader for frame input. maxPayload <= 0 selects
// DefaultMaxPayload.
func NewReader(r io.Reader, maxPayload int) *Reader {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}
	return &Reader{r: r, maxPayload: maxPayload}
}

// ReadFrame reads and verifies the next frame. io.EOF at a frame boundary is
// returned as-is; a partial frame surfaces io.ErrUnexpectedEOF.
func (r *Reader) ReadFrame() (Frame, error) {
	if _, err := io.ReadFull(r.r, r.header[:]); err != nil {
		return Frame{}, err
	}
	kind, flags, payloadLen, err := decodeHeader(r.header[:])
	if err != nil {
		return Frame{}, err
	}
	if int(payloadLen) > r.maxPayload {
		return Frame{}, ErrFrameTooLarge
	}
	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(r.r, payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return Frame{}, err
	}
	if _, err := io.ReadFull(r.r, r.crcBuf[:]); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return Frame{}, err
	}
	crc := crc32.Update(0, crcTable, r.header[:])
	crc = crc32.Update(crc, crcTable, payload)
	if crc != binary.LittleEndian.Uint32(r.crcBuf[:]) {
		return Frame{}, ErrChecksumMismatch
	}
	return Frame{Kind: kind, Flags: flags, Payload: payload}, nil
}
