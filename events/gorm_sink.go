package events

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	sqliteDriver "github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type eventRow struct {
	ID        string    `gorm:"primaryKey;size:36"`
	TenantID  string    `gorm:"size:191;index:idx_turn_events_call,priority:1"`
	CallID    string    `gorm:"size:191;index:idx_turn_events_call,priority:2"`
	Turn      int       `gorm:"not null;index:idx_turn_events_call,priority:3"`
	Seq       int       `gorm:"not null"`
	Type      string    `gorm:"size:64;not null;index"`
	Critical  bool      `gorm:"not null"`
	Data      string    `gorm:"type:text"`
	Timestamp time.Time `gorm:"not null"`
}

func (eventRow) TableName() string {
	return "turn_events"
}

func rowFromEvent(e Event) (eventRow, error) {
	data := ""
	if len(e.Data) > 0 {
		raw, err := sonic.MarshalString(e.Data)
		if err != nil {
			return eventRow{}, fmt.Errorf("encode event %s data: %w", e.Type, err)
		}
		data = raw
	}
	return eventRow{
		ID:        e.ID,
		TenantID:  e.TenantID,
		CallID:    e.CallID,
		Turn:      e.Turn,
		Seq:       e.Seq,
		Type:      string(e.Type),
		Critical:  e.Critical,
		Data:      data,
		Timestamp: e.Timestamp,
	}, nil
}

func (r eventRow) toEvent() (Event, error) {
	e := Event{
		ID:        r.ID,
		TenantID:  r.TenantID,
		CallID:    r.CallID,
		Turn:      r.Turn,
		Seq:       r.Seq,
		Type:      Type(r.Type),
		Critical:  r.Critical,
		Timestamp: r.Timestamp,
	}
	if r.Data != "" {
		if err := sonic.UnmarshalString(r.Data, &e.Data); err != nil {
			return Event{}, fmt.Errorf("decode event %s data: %w", r.ID, err)
		}
	}
	return e, nil
}

// GormSink stores events in the turn_events table.
type GormSink struct {
	db *gorm.DB
}

// NewGormSink opens the database and migrates the table.
func NewGormSink(driver, dsn string) (*GormSink, error) {
	db, err := OpenGorm(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open event store: %w", err)
	}
	if err := db.AutoMigrate(&eventRow{}); err != nil {
		return nil, fmt.Errorf("migrate event store: %w", err)
	}
	return &GormSink{db: db}, nil
}

// Write implements Sink. The batch is inserted in one transaction.
func (s *GormSink) Write(ctx context.Context, evs []Event) error {
	if len(evs) == 0 {
		return nil
	}
	rows := make([]eventRow, 0, len(evs))
	for _, e := range evs {
		row, err := rowFromEvent(e)
		if err != nil {
			return err
		}
		rows = append(rows, row)
	}
	if err := s.db.WithContext(ctx).Create(&rows).Error; err != nil {
		return fmt.Errorf("insert events: %w", err)
	}
	return nil
}

// ForCall returns a call's events ordered by turn and sequence.
func (s *GormSink) ForCall(ctx context.Context, tenantID, callID string) ([]Event, error) {
	var rows []eventRow
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND call_id = ?", tenantID, callID).
		Order("turn ASC, seq ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	out := make([]Event, 0, len(rows))
	for _, r := range rows {
		e, err := r.toEvent()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// Close releases the underlying connection pool.
func (s *GormSink) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// OpenGorm opens a sqlite or postgres database.
func OpenGorm(driver, dsn string) (*gorm.DB, error) {
	driver = strings.ToLower(strings.TrimSpace(driver))
	if driver == "" {
		driver = "sqlite"
	}
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		if driver != "sqlite" {
			return nil, fmt.Errorf("dsn is required for driver %q", driver)
		}
		dsn = "events.db"
	}

	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
	switch driver {
	case "sqlite":
		if err := ensureSQLiteDirectory(dsn); err != nil {
			return nil, err
		}
		return gorm.Open(sqliteDriver.Open(dsn), cfg)
	case "postgres":
		return gorm.Open(postgres.Open(dsn), cfg)
	default:
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}
}

func ensureSQLiteDirectory(dsn string) error {
	path, ok := sqliteFilePath(dsn)
	if !ok {
		return nil
	}
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create sqlite db dir: %w", err)
	}
	return nil
}

func sqliteFilePath(dsn string) (string, bool) {
	lower := strings.ToLower(dsn)
	if lower == ":memory:" || strings.HasPrefix(lower, "file::memory:") {
		return "", false
	}
	if !strings.HasPrefix(lower, "file:") {
		return stripQuery(dsn), true
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return stripQuery(strings.TrimPrefix(dsn, "file:")), true
	}
	if strings.EqualFold(parsed.Query().Get("mode"), "memory") {
		return "", false
	}
	if parsed.Path != "" {
		return parsed.Path, true
	}
	if parsed.Opaque != "" {
		return stripQuery(parsed.Opaque), true
	}
	return "", false
}

func stripQuery(v string) string {
	if i := strings.Index(v, "?"); i >= 0 {
		return v[:i]
	}
	return v
}
