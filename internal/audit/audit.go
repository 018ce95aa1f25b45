// Package audit implements an append-only receipt log: every successful
// mutating operation's events.Receipt is persisted alongside the acting
// user and rule hash, the durable counterpart to the in-memory
// events.Transcript.
package audit

import (
	"encoding/hex"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/ztrue/tracerr"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/MXWXZ/orgchart/internal/events"
	"github.com/MXWXZ/orgchart/internal/primitives"
)

// Track carries the row's creation timestamp. Audit rows are never
// updated, so there is no updated-at counterpart.
type Track struct {
	CreatedAt time.Time
}

// Record is one persisted row: one event out of a successful receipt.
// TraceID groups every record written by the same Append call, the way a
// host correlates several log lines from one request — a Receipt can
// carry more than one Event, and the autoincrement ID alone doesn't tell
// a reader which rows came from the same operation.
type Record struct {
	ID       int64     `gorm:"primaryKey;autoIncrement"`
	TraceID  uuid.UUID `gorm:"type:varchar(36);not null;index"`
	Kind     string    `gorm:"type:varchar(32);not null;index"`
	User     string    `gorm:"type:varchar(42)"` // hex address, empty for admin actions
	RoleID   string    `gorm:"type:varchar(64);not null;index"`
	RuleHash string    `gorm:"type:varchar(66);not null"`
	Track    Track     `gorm:"embedded"`
}

// Log is the append-only store, a gorm.DB scoped to Record.
type Log struct {
	db *gorm.DB
}

// Open connects to a sqlite-backed audit log at path, auto-migrating the
// Record schema.
func Open(path string) (*Log, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, tracerr.Wrap(err)
	}
	return &Log{db: db}, nil
}

func roleIDHex(id primitives.RoleID) string {
	return hex.EncodeToString(id[:])
}

// Append persists every event in receipt as its own Record, sharing the
// receipt's rule hash.
func (l *Log) Append(receipt events.Receipt) error {
	if len(receipt.Events) == 0 {
		return nil
	}
	trace := uuid.New()
	records := make([]*Record, 0, len(receipt.Events))
	for _, ev := range receipt.Events {
		user := ""
		if ev.Kind == events.KindRoleGranted || ev.Kind == events.KindRoleRevoked {
			user = ev.User.Hex()
		}
		records = append(records, &Record{
			TraceID:  trace,
			Kind:     ev.Kind.String(),
			User:     user,
			RoleID:   roleIDHex(ev.RoleID),
			RuleHash: receipt.RuleHash.Hex(),
		})
	}
	return tracerr.Wrap(l.db.Create(&records).Error)
}

// ByRuleHash returns every record persisted under the given rule hash,
// newest last (insertion order), for audit trail reconstruction.
func (l *Log) ByRuleHash(ruleHash primitives.Hash) ([]*Record, error) {
	var out []*Record
	err := l.db.Where("rule_hash = ?", ruleHash.Hex()).Order("id asc").Find(&out).Error
	return out, tracerr.Wrap(err)
}

// ByUser returns every record touching user, newest last.
func (l *Log) ByUser(user primitives.Address) ([]*Record, error) {
	var out []*Record
	err := l.db.Where("user = ?", user.Hex()).Order("id asc").Find(&out).Error
	return out, tracerr.Wrap(err)
}

// Close releases the underlying connection.
func (l *Log) Close() error {
	sqlDB, err := l.db.DB()
	if err != nil {
		return tracerr.Wrap(err)
	}
	return sqlDB.Close()
}
