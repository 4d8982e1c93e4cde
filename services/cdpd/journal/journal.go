package journal

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
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"usq/native/cdp"
	"usq/observability"
)

// Entry is one persisted engine event.
type Entry struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	Type       string    `gorm:"index;not null"`
	Account    string    `gorm:"index"`
	Collateral string    `gorm:"index"`
	OccurredAt time.Time `gorm:"index"`
	Attributes string    `gorm:"type:text"`
	CreatedAt  time.Time
}

// TableName pins the table name regardless of naming strategy.
func (Entry) TableName() string { return "cdp_events" }

// Decode returns the event attributes.
func (e Entry) Decode() (map[string]string, error) {
	out := map[string]string{}
	if strings.TrimSpace(e.Attributes) == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(e.Attributes), &out); err != nil {
		return nil, fmt.Errorf("journal: decode attributes of %s: %w", e.ID, err)
	}
	return out, nil
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Type    string
	Account string
	Since   time.Time
	Limit   int
}

// Journal appends committed engine events to a SQL table.
type Journal struct {
	db     *gorm.DB
	logger *slog.Logger
}

var _ cdp.EventSink = (*Journal)(nil)

// Open connects to the journal database. DSNs starting with postgres:// or
// postgresql:// use the postgres driver; anything else is a sqlite path.
func Open(dsn string) (*Journal, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, errors.New("journal: dsn required")
	}
	var dialector gorm.Dialector
	if strings.HasPrefix(trimmed, "postgres://") || strings.HasPrefix(trimmed, "postgresql://") {
		dialector = postgres.Open(trimmed)
	} else {
		dialector = sqlite.Open(trimmed)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("journal: open: %w", err)
	}
	return New(db)
}

// New wraps an existing connection and migrates the schema.
func New(db *gorm.DB) (*Journal, error) {
	if db == nil {
		return nil, errors.New("journal: database required")
	}
	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, fmt.Errorf("journal: migrate: %w", err)
	}
	return &Journal{db: db, logger: slog.Default()}, nil
}

// SetLogger overrides the logger used for write failures.
func (j *Journal) SetLogger(logger *slog.Logger) {
	if j != nil && logger != nil {
		j.logger = logger
	}
}

// Emit persists the event. Events are emitted after commit, so a failed
// write is logged and counted rather than surfaced.
func (j *Journal) Emit(ctx context.Context, event cdp.Event) {
	if j == nil {
		return
	}
	observability.Events().RecordEvent(event.Type)
	err := j.Append(ctx, event)
	observability.Events().RecordJournalWrite(err)
	if err != nil {
		j.logger.Warn("journal write failed", "type", event.Type, "id", event.ID.String(), "error", err)
	}
}

// Append inserts the event. Re-appending an event with a known ID is a no-op.
func (j *Journal) Append(ctx context.Context, event cdp.Event) error {
	attrs, err := json.Marshal(event.Attributes)
	if err != nil {
		return fmt.Errorf("journal: encode attributes: %w", err)
	}
	id := event.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	entry := Entry{
		ID:         id,
		Type:       event.Type,
		Account:    strings.ToLower(event.Attributes["user"]),
		Collateral: strings.ToLower(event.Attributes["collateral"]),
		OccurredAt: time.Unix(int64(event.Time), 0).UTC(),
		Attributes: string(attrs),
	}
	return j.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&entry).Error
}

// List returns entries newest first.
func (j *Journal) List(ctx context.Context, filter Filter) ([]Entry, error) {
	query := j.db.WithContext(ctx).Model(&Entry{})
	if filter.Type != "" {
		query = query.Where("type = ?", filter.Type)
	}
	if filter.Account != "" {
		query = query.Where("account = ?", strings.ToLower(filter.Account))
	}
	if !filter.Since.IsZero() {
		query = query.Where("occurred_at >= ?", filter.Since.UTC())
	}
	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var entries []Entry
	if err := query.Order("occurred_at DESC").Order("created_at DESC").Limit(limit).Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("journal: list: %w", err)
	}
	return entries, nil
}

// Close releases the underlying connection.
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
