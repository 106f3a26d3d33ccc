// auditdump prints the contents of a brokerd audit directory to stdout, for
// operator inspection without going through the daemon.
package main

import (
	"flag"
	"log"
	"os"
	"time"

	"main/internal/audit"
	"main/internal/schema"
)

func main() {
	dir := flag.String("dir", "audit", "Audit segment directory")
	kind := flag.String("kind", "", "Filter: command, order, or risk (default all)")
	sinceSeq := flag.Uint64("since-seq", 0, "Filter: entries with seq >= this")
	since := flag.String("since", "", "Filter: RFC3339 lower bound on timestamp")
	until := flag.String("until", "", "Filter: RFC3339 upper bound on timestamp")
	limit := flag.Int("limit", 0, "Stop after this many entries (0 = all)")
	format := flag.String("format", "jsonl", "Output format: jsonl or csv")
	flag.Parse()

	filter := audit.Filter{SinceSeq: *sinceSeq, Limit: *limit}
	if *kind != "" {
		k := schema.AuditKind(*kind)
		if !k.IsValid() {
			log.Fatalf("unknown kind %q", *kind)
		}
		filter.Kind = k
	}
	var err error
	if filter.Since, err = parseTime(*since); err != nil {
		log.Fatalf("bad -since: %v", err)
	}
	if filter.Until, err = parseTime(*until); err != nil {
		log.Fatalf("bad -until: %v", err)
	}
	out := audit.ExportFormat(*format)
	if !out.IsValid() {
		log.Fatalf("unknown format %q", *format)
	}

	logFile, err := audit.Open(audit.Config{Dir: *dir})
	if err != nil {
		log.Fatalf("open audit dir failed: %v", err)
	}
	defer func() { _ = logFile.Close() }()

	if err := logFile.Export(os.Stdout, out, filter); err != nil {
		log.Fatalf("export failed: %v", err)
	}
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}
