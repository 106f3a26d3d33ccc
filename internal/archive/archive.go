// Package archive replays audit log segments into Postgres for long-horizon
// operational queries. It never sits in the daemon's hot path; the segment
// files stay the source of truth.
package archive

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"main/internal/audit"
	"main/internal/schema"
)

const insertBatchSize = 500

// Option configures the Postgres connection. ConnString wins when set.
type Option struct {
	ConnString string
	Host       string
	Port       int
	User       string
	Password   string
	Database   string
	SSLMode    string
}

func (o Option) dsn() string {
	if o.ConnString != "" {
		return o.ConnString
	}
	parts := []string{}
	add := func(key, value string) {
		if value != "" {
			parts = append(parts, key+"="+value)
		}
	}
	add("host", o.Host)
	if o.Port > 0 {
		add("port", fmt.Sprint(o.Port))
	}
	add("user", o.User)
	add("password", o.Password)
	add("dbname", o.Database)
	sslMode := o.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	add("sslmode", sslMode)
	return strings.Join(parts, " ")
}

// AuditRow is the archived form of one audit entry.
type AuditRow struct {
	Seq        uint64    `gorm:"primaryKey;autoIncrement:false"`
	Timestamp  time.Time `gorm:"index"`
	Kind       string    `gorm:"index;size:16"`
	Actor      string    `gorm:"size:128"`
	Payload    string    `gorm:"type:jsonb"`
	ResultCode string    `gorm:"size:32"`
}

// TableName pins the table the ops tooling queries.
func (AuditRow) TableName() string { return "audit_entries" }

// Archiver copies audit entries into the archive table.
type Archiver struct {
	db *gorm.DB
}

// Open connects and migrates the archive table.
func Open(opt Option) (*Archiver, error) {
	db, err := gorm.Open(postgres.Open(opt.dsn()), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, errors.Wrap(err, "open archive database")
	}
	if err := db.AutoMigrate(&AuditRow{}); err != nil {
		return nil, errors.Wrap(err, "migrate audit_entries")
	}
	return &Archiver{db: db}, nil
}

// Close releases the connection pool.
func (a *Archiver) Close() error {
	sqlDB, err := a.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// MaxSeq returns the highest archived sequence, zero for an empty table.
func (a *Archiver) MaxSeq() (uint64, error) {
	var seq *uint64
	if err := a.db.Model(&AuditRow{}).Select("max(seq)").Scan(&seq).Error; err != nil {
		return 0, errors.Wrap(err, "query max archived seq")
	}
	if seq == nil {
		return 0, nil
	}
	return *seq, nil
}

// Archive copies every entry with seq > sinceSeq from the log into the
// table. Re-running is safe: conflicts on seq are skipped.
func (a *Archiver) Archive(log *audit.Log, sinceSeq uint64) (int, error) {
	entries, err := log.Entries(audit.Filter{SinceSeq: sinceSeq + 1})
	if err != nil {
		return 0, errors.Wrap(err, "read audit segments")
	}

	total := 0
	rows := make([]AuditRow, 0, insertBatchSize)
	flush := func() error {
		if len(rows) == 0 {
			return nil
		}
		res := a.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&rows)
		if res.Error != nil {
			return errors.Wrap(res.Error, "insert archive batch")
		}
		total += int(res.RowsAffected)
		rows = rows[:0]
		return nil
	}

	for _, entry := range entries {
		row, err := toRow(entry)
		if err != nil {
			logs.Warnf("skipping unarchivable entry seq=%d: %v", entry.Seq, err)
			continue
		}
		rows = append(rows, row)
		if len(rows) >= insertBatchSize {
			if err := flush(); err != nil {
				return total, err
			}
		}
	}
	if err := flush(); err != nil {
		return total, err
	}
	return total, nil
}

func toRow(entry schema.AuditEntry) (AuditRow, error) {
	payload, err := json.Marshal(entry.Payload)
	if err != nil {
		return AuditRow{}, errors.Wrap(err, "encode payload")
	}
	return AuditRow{
		Seq:        entry.Seq,
		Timestamp:  entry.Timestamp,
		Kind:       string(entry.Kind),
		Actor:      entry.Actor,
		Payload:    string(payload),
		ResultCode: entry.ResultCode,
	}, nil
}
