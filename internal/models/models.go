package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// Properties is an open JSON object attached to an event. The engine never
// interprets its contents; it is stored as a jsonb column.
type Properties map[string]interface{}

// Value implements driver.Valuer for jsonb storage
func (p Properties) Value() (driver.Value, error) {
	if p == nil {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal event properties")
	}
	return data, nil
}

// Scan implements sql.Scanner for jsonb storage
func (p *Properties) Scan(value interface{}) error {
	if value == nil {
		*p = Properties{}
		return nil
	}

	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return errors.Errorf("unsupported type %T for event properties", value)
	}

	// Reset before decoding so a reused receiver never keeps stale keys
	*p = Properties{}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, p); err != nil {
		return errors.Wrap(err, "failed to unmarshal event properties")
	}
	return nil
}

// Event represents a single user-activity event. Rows are immutable: the
// repository exposes no update or delete path, and a conflicting event_id
// insert is silently ignored (first write wins).
type Event struct {
	EventID    uuid.UUID  `gorm:"type:uuid;primaryKey" json:"event_id"`
	OccurredAt time.Time  `gorm:"not null;index;index:idx_events_user_occurred,priority:2" json:"occurred_at"`
	UserID     int64      `gorm:"not null;index:idx_events_user_occurred,priority:1" json:"user_id"`
	EventType  string     `gorm:"type:varchar(100);not null" json:"event_type"`
	Properties Properties `gorm:"type:jsonb" json:"properties"`
}

// TableName sets the table name for the Event model
func (Event) TableName() string {
	return "events"
}

// User represents an API account. Events reference users only by their
// numeric id; the analytics engine never dereferences profile data.
type User struct {
	ID             int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	CreatedAt      time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt      gorm.DeletedAt `gorm:"index" json:"-"`
	Email          string         `gorm:"type:varchar(320);not null;uniqueIndex" json:"email"`
	HashedPassword string         `gorm:"type:varchar(255);not null" json:"-"`
}

// TableName sets the table name for the User model
func (User) TableName() string {
	return "users"
}

// SetupModels runs auto-migration for all models
func SetupModels(db *gorm.DB) error {
	if err := db.AutoMigrate(&User{}, &Event{}); err != nil {
		return errors.Wrap(err, "failed to run migrations")
	}
	return nil
}
