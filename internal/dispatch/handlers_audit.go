package dispatch

import (
	"bytes"
	"context"

	"github.com/yanun0323/logs"

	"main/internal/audit"
	"main/internal/schema"
)

const (
	defaultAuditLimit = 100
	maxAuditLimit     = 1000
)

func (d *Dispatcher) auditOrders(_ context.Context, args map[string]any, _ Session) (any, *schema.CodedError) {
	return d.auditQuery(schema.AuditOrder, args)
}

func (d *Dispatcher) auditCommands(_ context.Context, args map[string]any, _ Session) (any, *schema.CodedError) {
	return d.auditQuery(schema.AuditCommand, args)
}

func (d *Dispatcher) auditRisk(_ context.Context, args map[string]any, _ Session) (any, *schema.CodedError) {
	return d.auditQuery(schema.AuditRisk, args)
}

func (d *Dispatcher) auditQuery(kind schema.AuditKind, args map[string]any) (any, *schema.CodedError) {
	filter, cerr := parseAuditFilter(args)
	if cerr != nil {
		return nil, cerr
	}
	filter.Kind = kind
	entries, err := d.deps.Audit.Entries(filter)
	if err != nil {
		logs.Errorf("audit query kind=%s failed: %+v", kind, err)
		return nil, schema.NewCodedError(schema.CodeInternal, "audit query failed")
	}
	return map[string]any{"entries": entries, "seq": d.deps.Audit.Seq()}, nil
}

func (d *Dispatcher) auditExport(_ context.Context, args map[string]any, _ Session) (any, *schema.CodedError) {
	format := audit.ExportFormat(argString(args, "format"))
	if format == "" {
		format = audit.ExportJSONL
	}
	if !format.IsValid() {
		return nil, invalidArgs("format must be jsonl or csv, got %q", argString(args, "format"))
	}
	filter, cerr := parseAuditFilter(args)
	if cerr != nil {
		return nil, cerr
	}
	if raw := argString(args, "kind"); raw != "" {
		kind := schema.AuditKind(raw)
		if !kind.IsValid() {
			return nil, invalidArgs("kind must be command, order, or risk, got %q", raw)
		}
		filter.Kind = kind
	}

	var buf bytes.Buffer
	if err := d.deps.Audit.Export(&buf, format, filter); err != nil {
		logs.Errorf("audit export format=%s failed: %+v", format, err)
		return nil, schema.NewCodedError(schema.CodeInternal, "audit export failed")
	}
	return map[string]any{"format": string(format), "content": buf.String()}, nil
}

func parseAuditFilter(args map[string]any) (audit.Filter, *schema.CodedError) {
	var filter audit.Filter
	if since, ok := argInt(args, "sinceSeq"); ok {
		if since < 0 {
			return filter, invalidArgs("sinceSeq must be non-negative")
		}
		filter.SinceSeq = uint64(since)
	}
	limit, ok := argInt(args, "limit")
	if !ok {
		limit = defaultAuditLimit
	}
	if limit <= 0 || limit > maxAuditLimit {
		return filter, invalidArgs("limit must be in (0, %d], got %d", maxAuditLimit, limit)
	}
	filter.Limit = limit
	return filter, nil
}
