package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"loanledger/core/events"
)

// EventRecord is one archived ledger event. Seq orders events in the order
// they were committed.
type EventRecord struct {
	Seq        uint64    `gorm:"primaryKey;autoIncrement"`
	ID         uuid.UUID `gorm:"type:uuid;uniqueIndex"`
	Type       string    `gorm:"size:64;index"`
	LoanID     string    `gorm:"size:32;index"`
	Attributes string    `gorm:"type:text"`
	CreatedAt  time.Time
}

// Decoded returns the attribute map stored with the record.
func (r EventRecord) Decoded() (map[string]string, error) {
	attrs := make(map[string]string)
	if r.Attributes == "" {
		return attrs, nil
	}
	if err := json.Unmarshal([]byte(r.Attributes), &attrs); err != nil {
		return nil, err
	}
	return attrs, nil
}

// Open connects to the archive database. driver is "sqlite" or "postgres".
func Open(driver, dsn string) (*gorm.DB, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("archive: dsn required")
	}
	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "sqlite":
		return gorm.Open(sqlite.Open(dsn), cfg)
	case "postgres":
		return gorm.Open(postgres.Open(dsn), cfg)
	default:
		return nil, fmt.Errorf("archive: unsupported driver %q", driver)
	}
}

// Archive buffers events emitted by the ledger and writes them once the
// surrounding state change has been committed.
type Archive struct {
	db      *gorm.DB
	logger  *slog.Logger
	mu      sync.Mutex
	pending []EventRecord
	now     func() time.Time
}

// New migrates the archive schema on db.
func New(db *gorm.DB, log *slog.Logger) (*Archive, error) {
	if db == nil {
		return nil, errors.New("archive: database required")
	}
	if log == nil {
		log = slog.Default()
	}
	if err := db.AutoMigrate(&EventRecord{}); err != nil {
		return nil, fmt.Errorf("archive: migrate: %w", err)
	}
	return &Archive{db: db, logger: log, now: time.Now}, nil
}

// Emit implements events.Emitter. Events without a typed payload are kept
// with an empty attribute set.
func (a *Archive) Emit(evt events.Event) {
	if a == nil || evt == nil {
		return
	}
	record := EventRecord{ID: uuid.New(), Type: evt.EventType(), CreatedAt: a.now().UTC()}
	if payload, ok := evt.(events.Payload); ok && payload.Event() != nil {
		attrs := payload.Event().Attributes
		record.LoanID = attrs["loanId"]
		raw, err := json.Marshal(attrs)
		if err != nil {
			a.logger.Warn("archive: encode attributes", "type", record.Type, "error", err)
		} else {
			record.Attributes = string(raw)
		}
	}
	a.mu.Lock()
	a.pending = append(a.pending, record)
	a.mu.Unlock()
}

// Pending reports the number of buffered events.
func (a *Archive) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// Discard drops buffered events.
func (a *Archive) Discard() {
	a.mu.Lock()
	a.pending = nil
	a.mu.Unlock()
}

// Flush writes buffered events in a single transaction.
func (a *Archive) Flush(ctx context.Context) error {
	a.mu.Lock()
	batch := a.pending
	a.pending = nil
	a.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}
	err := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(&batch).Error
	})
	if err != nil {
		return fmt.Errorf("archive: flush %d events: %w", len(batch), err)
	}
	return nil
}

// Query filters List.
type Query struct {
	// After returns events with Seq strictly greater than it.
	After  uint64
	Limit  int
	Type   string
	LoanID string
}

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// List pages through archived events in commit order.
func (a *Archive) List(ctx context.Context, q Query) ([]EventRecord, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	tx := a.db.WithContext(ctx).Model(&EventRecord{}).Where("seq > ?", q.After)
	if q.Type != "" {
		tx = tx.Where("type = ?", q.Type)
	}
	if q.LoanID != "" {
		tx = tx.Where("loan_id = ?", q.LoanID)
	}
	var out []EventRecord
	if err := tx.Order("seq asc").Limit(limit).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("archive: list: %w", err)
	}
	return out, nil
}
