// Package auditlog persists audit events to SQL so operators can review the
// history of every payment after the fact.
package auditlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"escrowd/core/events"
	"escrowd/core/types"
	"escrowd/observability"
)

const sinkName = "auditlog"

// DefaultRecent bounds Recent when callers pass a non-positive limit.
const DefaultRecent = 100

var errNilDB = errors.New("auditlog: database not configured")

// Record is the persisted row for one audit event.
type Record struct {
	ID          uint      `gorm:"primaryKey"`
	EventID     uuid.UUID `gorm:"type:uuid;uniqueIndex"`
	Type        string    `gorm:"index;not null"`
	PaymentHash string    `gorm:"index"`
	Actor       string    `gorm:"index"`
	Attributes  string    `gorm:"type:text"`
	CreatedAt   time.Time `gorm:"index"`
}

// TableName pins the table name independent of gorm's pluralisation rules.
func (Record) TableName() string { return "audit_events" }

// Entry is an audit event as returned to readers.
type Entry struct {
	ID         uuid.UUID         `json:"id"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
	RecordedAt time.Time         `json:"recordedAt"`
}

// Open connects to the audit database. DSNs starting with postgres:// or
// postgresql:// use Postgres; anything else is treated as a SQLite path.
func Open(dsn string) (*gorm.DB, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("auditlog: dsn required")
	}
	var dialector gorm.Dialector
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		dialector = postgres.Open(dsn)
	} else {
		dialector = sqlite.Open(dsn)
	}
	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("auditlog: open: %w", err)
	}
	return db, nil
}

// AutoMigrate creates or updates the audit schema.
func AutoMigrate(db *gorm.DB) error {
	if db == nil {
		return errNilDB
	}
	return db.AutoMigrate(&Record{})
}

// Sink is an events.Emitter writing every event it receives to the database.
// Write failures are logged and counted; they never propagate to the emitter
// because events are only delivered after the state change has committed.
type Sink struct {
	db     *gorm.DB
	logger *slog.Logger
	nowFn  func() time.Time
}

// New migrates the schema and returns a sink over db.
func New(db *gorm.DB) (*Sink, error) {
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("auditlog: migrate: %w", err)
	}
	return &Sink{db: db, logger: slog.Default(), nowFn: time.Now}, nil
}

// Close releases the underlying database connections.
func (s *Sink) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("auditlog: close: %w", err)
	}
	return sqlDB.Close()
}

// SetLogger configures the structured logger.
func (s *Sink) SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	s.logger = logger
}

// SetNowFunc overrides the clock used for RecordedAt.
func (s *Sink) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	s.nowFn = now
}

// Emit implements events.Emitter.
func (s *Sink) Emit(evt events.Event) {
	if s == nil || evt == nil {
		return
	}
	payload, ok := evt.(events.Payload)
	if !ok || payload.Event() == nil {
		observability.Events().RecordDropped(evt.EventType(), sinkName)
		s.logger.Warn("audit event without payload", "event", evt.EventType())
		return
	}
	if err := s.Append(context.Background(), payload.Event()); err != nil {
		observability.Events().RecordDropped(evt.EventType(), sinkName)
		s.logger.Error("persist audit event", "event", evt.EventType(), "error", err)
		return
	}
	observability.Events().RecordEmitted(evt.EventType(), sinkName)
}

// Append stores a single rendered event.
func (s *Sink) Append(ctx context.Context, evt *types.Event) error {
	if s == nil || s.db == nil {
		return errNilDB
	}
	attrs, err := json.Marshal(evt.Attributes)
	if err != nil {
		return err
	}
	rec := Record{
		EventID:     uuid.New(),
		Type:        evt.Type,
		PaymentHash: evt.Attributes["paymentHash"],
		Actor:       evt.Attributes["actor"],
		Attributes:  string(attrs),
		CreatedAt:   s.nowFn().UTC(),
	}
	return s.db.WithContext(ctx).Create(&rec).Error
}

// Recent returns up to n most recent events, newest first.
func (s *Sink) Recent(ctx context.Context, n int) ([]Entry, error) {
	if s == nil || s.db == nil {
		return nil, errNilDB
	}
	if n <= 0 {
		n = DefaultRecent
	}
	var rows []Record
	if err := s.db.WithContext(ctx).Order("id desc").Limit(n).Find(&rows).Error; err != nil {
		return nil, err
	}
	return toEntries(rows)
}

// ByPayment returns every event recorded for the payment hash, oldest first.
func (s *Sink) ByPayment(ctx context.Context, hash string) ([]Entry, error) {
	if s == nil || s.db == nil {
		return nil, errNilDB
	}
	var rows []Record
	err := s.db.WithContext(ctx).
		Where("payment_hash = ?", strings.ToLower(strings.TrimSpace(hash))).
		Order("id asc").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return toEntries(rows)
}

func toEntries(rows []Record) ([]Entry, error) {
	out := make([]Entry, 0, len(rows))
	for _, row := range rows {
		attrs := map[string]string{}
		if row.Attributes != "" {
			if err := json.Unmarshal([]byte(row.Attributes), &attrs); err != nil {
				return nil, fmt.Errorf("auditlog: decode event %d: %w", row.ID, err)
			}
		}
		out = append(out, Entry{ID: row.EventID, Type: row.Type, Attributes: attrs, RecordedAt: row.CreatedAt})
	}
	return out, nil
}
