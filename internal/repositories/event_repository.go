package repositories

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/YSAWORK/events-api/internal/models"
)

// DayCount is a per-day distinct user count row
type DayCount struct {
	Day   time.Time `gorm:"column:day"`
	Count int64     `gorm:"column:count"`
}

// TypeCount is a per-event-type occurrence count row
type TypeCount struct {
	EventType string `gorm:"column:event_type"`
	Count     int64  `gorm:"column:count"`
}

// UserWeek pairs a user with a week index relative to a cohort start date
type UserWeek struct {
	UserID int64 `gorm:"column:user_id"`
	Week   int   `gorm:"column:week"`
}

// EventRepository provides access to event data
type EventRepository struct {
	db         *gorm.DB // Write database
	readOnlyDB *gorm.DB // Read-only database
}

// NewEventRepository creates a new event repository
func NewEventRepository(db *gorm.DB, readOnlyDB *gorm.DB) *EventRepository {
	return &EventRepository{
		db:         db,
		readOnlyDB: readOnlyDB,
	}
}

// InsertBatch inserts a chunk of events in a single atomic statement using
// ON CONFLICT (event_id) DO NOTHING and returns the ids that were actually
// written. Conflicting ids are silently skipped; all dedup coordination is
// the unique index, never application-level locking.
func (r *EventRepository) InsertBatch(ctx context.Context, events []models.Event) ([]uuid.UUID, error) {
	if len(events) == 0 {
		return nil, nil
	}

	placeholders := make([]string, 0, len(events))
	args := make([]interface{}, 0, len(events)*5)
	for _, e := range events {
		placeholders = append(placeholders, "(?, ?, ?, ?, ?)")
		args = append(args, e.EventID, e.OccurredAt, e.UserID, e.EventType, e.Properties)
	}

	query := fmt.Sprintf(
		`INSERT INTO events (event_id, occurred_at, user_id, event_type, properties)
		 VALUES %s
		 ON CONFLICT (event_id) DO NOTHING
		 RETURNING event_id`,
		strings.Join(placeholders, ", "),
	)

	var inserted []uuid.UUID
	if err := r.db.WithContext(ctx).Raw(query, args...).Scan(&inserted).Error; err != nil {
		return nil, errors.Wrap(err, "failed to insert event batch")
	}
	return inserted, nil
}

// DailyCounts returns distinct user counts per calendar day in [from, to],
// bucketed in the given timezone. Days without activity are absent from the
// result; zero-filling is the caller's concern.
func (r *EventRepository) DailyCounts(ctx context.Context, from, to time.Time, tz string, segment *Segment) ([]DayCount, error) {
	query := r.readOnlyDB.WithContext(ctx).
		Model(&models.Event{}).
		Select("(occurred_at AT TIME ZONE ?)::date AS day, COUNT(DISTINCT user_id) AS count", tz).
		Where("(occurred_at AT TIME ZONE ?)::date BETWEEN ?::date AND ?::date",
			tz, from.Format("2006-01-02"), to.Format("2006-01-02"))

	query = applySegment(query, segment)

	var rows []DayCount
	if err := query.Group("day").Order("day ASC").Scan(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "failed to query daily active users")
	}
	return rows, nil
}

// TypeCounts returns occurrence counts per event type in [from, to]. Ordering
// and limiting are done by the caller so tie-breaking stays deterministic.
func (r *EventRepository) TypeCounts(ctx context.Context, from, to time.Time, tz string) ([]TypeCount, error) {
	var rows []TypeCount
	err := r.readOnlyDB.WithContext(ctx).
		Model(&models.Event{}).
		Select("event_type, COUNT(*) AS count").
		Where("(occurred_at AT TIME ZONE ?)::date BETWEEN ?::date AND ?::date",
			tz, from.Format("2006-01-02"), to.Format("2006-01-02")).
		Group("event_type").
		Scan(&rows).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to query top events")
	}
	return rows, nil
}

// FirstSeenWeeks returns, for every user whose first-ever event falls inside
// the [start, start+7*window days) span, the week index of that first event.
// First-ever is computed over the user's entire history, so a user first seen
// before start is excluded here by the HAVING clause.
func (r *EventRepository) FirstSeenWeeks(ctx context.Context, start time.Time, window int, tz string) ([]UserWeek, error) {
	startDay := start.Format("2006-01-02")
	endDay := start.AddDate(0, 0, 7*window).Format("2006-01-02")

	var rows []UserWeek
	err := r.readOnlyDB.WithContext(ctx).
		Model(&models.Event{}).
		Select("user_id, ((MIN(occurred_at AT TIME ZONE ?)::date - ?::date) / 7)::int AS week", tz, startDay).
		Group("user_id").
		Having("MIN(occurred_at AT TIME ZONE ?)::date >= ?::date", tz, startDay).
		Having("MIN(occurred_at AT TIME ZONE ?)::date < ?::date", tz, endDay).
		Scan(&rows).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to query first-seen weeks")
	}
	return rows, nil
}

// ActivityWeeks returns distinct (user, week index) activity pairs inside the
// [start, start+7*window days) span.
func (r *EventRepository) ActivityWeeks(ctx context.Context, start time.Time, window int, tz string) ([]UserWeek, error) {
	startDay := start.Format("2006-01-02")
	endDay := start.AddDate(0, 0, 7*window).Format("2006-01-02")

	var rows []UserWeek
	err := r.readOnlyDB.WithContext(ctx).
		Model(&models.Event{}).
		Select("DISTINCT user_id, (((occurred_at AT TIME ZONE ?)::date - ?::date) / 7)::int AS week", tz, startDay).
		Where("(occurred_at AT TIME ZONE ?)::date >= ?::date", tz, startDay).
		Where("(occurred_at AT TIME ZONE ?)::date < ?::date", tz, endDay).
		Scan(&rows).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to query activity weeks")
	}
	return rows, nil
}

// Segment narrows an analytics scan to events matching either an exact
// event_type or a single properties key/value pair.
type Segment struct {
	EventType   string
	PropertyKey string
	PropertyVal string
}

func applySegment(query *gorm.DB, segment *Segment) *gorm.DB {
	if segment == nil {
		return query
	}
	if segment.EventType != "" {
		return query.Where("event_type = ?", segment.EventType)
	}
	if segment.PropertyKey != "" {
		return query.Where("properties ->> ? = ?", segment.PropertyKey, segment.PropertyVal)
	}
	return query
}
