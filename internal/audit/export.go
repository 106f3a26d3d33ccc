package audit

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/yanun0323/errors"

	"main/internal/schema"
)

// ExportFormat names a supported export encoding.
type ExportFormat string

const (
	ExportJSONL ExportFormat = "jsonl"
	ExportCSV   ExportFormat = "csv"
)

// IsValid reports whether the format is supported.
func (f ExportFormat) IsValid() bool {
	return f == ExportJSONL || f == ExportCSV
}

// Export streams matching entries to w in the requested format, ascending by
// sequence. JSONL output round-trips through ParseJSONL.
func (l *Log) Export(w io.Writer, format ExportFormat, filter Filter) error {
	switch format {
	case ExportJSONL:
		return l.exportJSONL(w, filter)
	case ExportCSV:
		return l.exportCSV(w, filter)
	default:
		return errors.Errorf("unsupported export format: %s", format)
	}
}

func (l *Log) exportJSONL(w io.Writer, filter Filter) error {
	enc := json.NewEncoder(w)
	var encodeErr error
	err := l.Query(filter, func(entry schema.AuditEntry) bool {
		if err := enc.Encode(entry); err != nil {
			encodeErr = errors.Wrap(err, "encode audit entry")
			return false
		}
		return true
	})
	if err != nil {
		return err
	}
	return encodeErr
}

func (l *Log) exportCSV(w io.Writer, filter Filter) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"seq", "timestamp", "kind", "actor", "result_code", "payload"}); err != nil {
		return errors.Wrap(err, "write csv header")
	}
	var writeErr error
	err := l.Query(filter, func(entry schema.AuditEntry) bool {
		payload, err := json.Marshal(entry.Payload)
		if err != nil {
			writeErr = errors.Wrap(err, "encode csv payload")
			return false
		}
		row := []string{
			strconv.FormatUint(entry.Seq, 10),
			entry.Timestamp.Format(time.RFC3339Nano),
			string(entry.Kind),
			entry.Actor,
			entry.ResultCode,
			string(payload),
		}
		if err := cw.Write(row); err != nil {
			writeErr = errors.Wrap(err, "write csv row")
			return false
		}
		return true
	})
	if err != nil {
		return err
	}
	if writeErr != nil {
		return writeErr
	}
	cw.Flush()
	return cw.Error()
}

// ParseJSONL decodes a JSONL export back into ordered entries.
func ParseJSONL(r io.Reader) ([]schema.AuditEntry, error) {
	dec := json.NewDecoder(r)
	var out []schema.AuditEntry
	for {
		var entry schema.AuditEntry
		if err := dec.Decode(&entry); err != nil {
			if err == io.EOF {
				return out, nil
			}
			return nil, errors.Wrap(err, fmt.Sprintf("parse jsonl entry %d", len(out)+1))
		}
		out = append(out, entry)
	}
}
