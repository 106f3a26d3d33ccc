// auditarchive replays brokerd audit segments into a Postgres table so ops
// queries do not have to scan segment files. Safe to re-run: already archived
// sequences are skipped.
package main

import (
	"flag"
	"log"

	"main/internal/archive"
	"main/internal/audit"
)

func main() {
	dir := flag.String("dir", "audit", "Audit segment directory")
	connString := flag.String("pg", "", "Postgres connection string (overrides host flags)")
	host := flag.String("pg-host", "localhost", "Postgres host")
	port := flag.Int("pg-port", 5432, "Postgres port")
	user := flag.String("pg-user", "brokerd", "Postgres user")
	password := flag.String("pg-password", "", "Postgres password")
	database := flag.String("pg-database", "brokerd", "Postgres database")
	fromStart := flag.Bool("from-start", false, "Re-read from seq 1 instead of resuming")
	flag.Parse()

	auditLog, err := audit.Open(audit.Config{Dir: *dir})
	if err != nil {
		log.Fatalf("open audit dir failed: %v", err)
	}
	defer func() { _ = auditLog.Close() }()

	store, err := archive.Open(archive.Option{
		ConnString: *connString,
		Host:       *host,
		Port:       *port,
		User:       *user,
		Password:   *password,
		Database:   *database,
	})
	if err != nil {
		log.Fatalf("open archive failed: %v", err)
	}
	defer func() { _ = store.Close() }()

	sinceSeq := uint64(0)
	if !*fromStart {
		if sinceSeq, err = store.MaxSeq(); err != nil {
			log.Fatalf("resume point lookup failed: %v", err)
		}
	}

	n, err := store.Archive(auditLog, sinceSeq)
	if err != nil {
		log.Fatalf("archive failed after %d rows: %v", n, err)
	}
	log.Printf("archived %d entries (resumed after seq %d)", n, sinceSeq)
}
