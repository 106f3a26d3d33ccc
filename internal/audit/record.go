// Package audit implements the append-only, crash-durable audit trail:
// segmented log files of checksummed binary records, a sequential reader
// tolerant of a truncated tail, ordered queries, and export streams.
//
// Append is synchronous: every state-changing operation appends its entry
// before the caller-visible result is produced, so the trail is never behind
// observable state.
package audit

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/yanun0323/errors"

	"main/internal/schema"
)

const (
	recordVersion      uint16 = 1
	recordHeaderSize          = 32
	recordChecksumSize        = 4
)

var (
	recordMagic = [4]byte{'A', 'U', 'D', '1'}
	crcTable    = crc32.MakeTable(crc32.Castagnoli)
)

var (
	ErrInvalidMagic            = errors.New("audit: invalid record magic")
	ErrUnsupportedRecordVer    = errors.New("audit: unsupported record version")
	ErrInvalidRecordHeaderSize = errors.New("audit: invalid record header size")
	ErrChecksumMismatch        = errors.New("audit: record checksum mismatch")
	ErrPayloadTooLarge         = errors.New("audit: record payload too large")
)

var kindCodes = map[schema.AuditKind]uint16{
	schema.AuditCommand: 1,
	schema.AuditOrder:   2,
	schema.AuditRisk:    3,
}

var kindNames = map[uint16]schema.AuditKind{
	1: schema.AuditCommand,
	2: schema.AuditOrder,
	3: schema.AuditRisk,
}

func encodeRecordHeader(dst []byte, seq uint64, tsNanos int64, kind schema.AuditKind, payloadLen int) {
	_ = dst[recordHeaderSize-1]
	copy(dst[0:4], recordMagic[:])
	binary.LittleEndian.PutUint16(dst[4:6], recordVersion)
	binary.LittleEndian.PutUint16(dst[6:8], uint16(recordHeaderSize))
	binary.LittleEndian.PutUint16(dst[8:10], kindCodes[kind])
	binary.LittleEndian.PutUint16(dst[10:12], 0)
	binary.LittleEndian.PutUint32(dst[12:16], uint32(payloadLen))
	binary.LittleEndian.PutUint64(dst[16:24], seq)
	binary.LittleEndian.PutUint64(dst[24:32], uint64(tsNanos))
}

func decodeRecordHeader(src []byte) (seq uint64, tsNanos int64, kind schema.AuditKind, payloadLen uint32, err error) {
	if len(src) < recordHeaderSize {
		return 0, 0, "", 0, ErrInvalidRecordHeaderSize
	}
	if !bytes.Equal(src[0:4], recordMagic[:]) {
		return 0, 0, "", 0, ErrInvalidMagic
	}
	if ver := binary.LittleEndian.Uint16(src[4:6]); ver != recordVersion {
		return 0, 0, "", 0, ErrUnsupportedRecordVer
	}
	if headerSize := binary.LittleEndian.Uint16(src[6:8]); headerSize != recordHeaderSize {
		return 0, 0, "", 0, ErrInvalidRecordHeaderSize
	}
	kind, ok := kindNames[binary.LittleEndian.Uint16(src[8:10])]
	if !ok {
		kind = ""
	}
	payloadLen = binary.LittleEndian.Uint32(src[12:16])
	seq = binary.LittleEndian.Uint64(src[16:24])
	tsNanos = int64(binary.LittleEndian.Uint64(src[24:32]))
	return seq, tsNanos, kind, payloadLen, nil
}

func checksum(header []byte, payload []byte) uint32 {
	crc := crc32.Update(0, crcTable, header)
	return crc32.Update(crc, crcTable, payload)
}

// entryBody is the msgpack-serialized portion of an AuditEntry; seq, timestamp
// and kind live in the binary record header.
type entryBody struct {
	Actor      string         `msgpack:"actor"`
	Payload    map[string]any `msgpack:"payload"`
	ResultCode string         `msgpack:"resultCode"`
}

func encodeEntryBody(entry schema.AuditEntry) ([]byte, error) {
	b, err := msgpack.Marshal(entryBody{
		Actor:      entry.Actor,
		Payload:    entry.Payload,
		ResultCode: entry.ResultCode,
	})
	if err != nil {
		return nil, errors.Wrap(err, "encode audit entry")
	}
	return b, nil
}

func decodeEntryBody(payload []byte) (entryBody, error) {
	var body entryBody
	if err := msgpack.Unmarshal(payload, &body); err != nil {
		return entryBody{}, errors.Wrap(err, "decode audit entry")
	}
	return body, nil
}
