package services

import (
	"context"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/YSAWORK/events-api/internal/cache"
	"github.com/YSAWORK/events-api/internal/metrics"
	"github.com/YSAWORK/events-api/internal/repositories"
)

const dayLayout = "2006-01-02"

// AnalyticsReader is the read-only storage contract for the analytics engine
type AnalyticsReader interface {
	DailyCounts(ctx context.Context, from, to time.Time, tz string, segment *repositories.Segment) ([]repositories.DayCount, error)
	TypeCounts(ctx context.Context, from, to time.Time, tz string) ([]repositories.TypeCount, error)
	FirstSeenWeeks(ctx context.Context, start time.Time, window int, tz string) ([]repositories.UserWeek, error)
	ActivityWeeks(ctx context.Context, start time.Time, window int, tz string) ([]repositories.UserWeek, error)
}

// DAUPoint is one day of the DAU series
type DAUPoint struct {
	Day string `json:"day"`
	DAU int64  `json:"dau"`
}

// EventTypeCount is one ranked entry of the top-events result
type EventTypeCount struct {
	EventType string `json:"event_type"`
	Count     int64  `json:"count"`
}

// Cohort holds one cohort week's size and its retention series. Retention[k]
// is the fraction of the cohort active in week Week+k; cohorts near the end
// of the window observe fewer future weeks.
type Cohort struct {
	Week       int       `json:"week"`
	CohortSize int64     `json:"cohort_size"`
	Retention  []float64 `json:"retention"`
}

// RetentionResult is the full cohort/retention table
type RetentionResult struct {
	StartDate string   `json:"start_date"`
	Window    int      `json:"window"`
	Cohorts   []Cohort `json:"cohorts"`
}

// AnalyticsService answers aggregate queries over the event store. All day
// and week bucketing uses one configured timezone, applied identically in
// SQL and in Go.
type AnalyticsService struct {
	repo      AnalyticsReader
	cache     *cache.RedisCache
	tz        string
	maxLimit  int
	maxWindow int
	cacheTTL  time.Duration
	useCache  bool
}

// NewAnalyticsService creates a new analytics service
func NewAnalyticsService(repo AnalyticsReader, redisCache *cache.RedisCache, tz string, maxLimit, maxWindow int, cacheTTL time.Duration, useCache bool) (*AnalyticsService, error) {
	if _, err := time.LoadLocation(tz); err != nil {
		return nil, errors.Wrapf(err, "unknown analytics timezone %q", tz)
	}
	if maxLimit <= 0 {
		maxLimit = 100
	}
	if maxWindow <= 0 {
		maxWindow = 52
	}
	return &AnalyticsService{
		repo:      repo,
		cache:     redisCache,
		tz:        tz,
		maxLimit:  maxLimit,
		maxWindow: maxWindow,
		cacheTTL:  cacheTTL,
		useCache:  useCache,
	}, nil
}

// Timezone returns the bucketing timezone name
func (s *AnalyticsService) Timezone() string {
	return s.tz
}

// DAU returns one entry per calendar day in [from, to], counting distinct
// active users and zero-filling days without activity. An inverted range
// yields an empty series, not an error.
func (s *AnalyticsService) DAU(ctx context.Context, from, to time.Time, segment *repositories.Segment) ([]DAUPoint, error) {
	if from.After(to) {
		return []DAUPoint{}, nil
	}

	fromDay := from.Format(dayLayout)
	toDay := to.Format(dayLayout)

	cacheKey := cache.DAUCacheKey(fromDay, toDay, s.tz)
	if s.useCache && segment == nil {
		var cached []DAUPoint
		if err := s.cache.Get(ctx, cacheKey, &cached); err == nil {
			metrics.AnalyticsQueries.WithLabelValues("dau").Inc()
			return cached, nil
		}
	}

	rows, err := s.repo.DailyCounts(ctx, from, to, s.tz, segment)
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int64, len(rows))
	for _, row := range rows {
		counts[row.Day.Format(dayLayout)] = row.Count
	}

	series := make([]DAUPoint, 0, len(counts))
	for d := truncateToDay(from); !d.After(truncateToDay(to)); d = d.AddDate(0, 0, 1) {
		day := d.Format(dayLayout)
		series = append(series, DAUPoint{Day: day, DAU: counts[day]})
	}

	if s.useCache && segment == nil {
		if err := s.cache.Set(ctx, cacheKey, series, s.cacheTTL); err != nil {
			log.Warn().Err(err).Msg("Failed to cache DAU series")
		}
	}

	metrics.AnalyticsQueries.WithLabelValues("dau").Inc()
	return series, nil
}

// TopEvents returns the limit most frequent event types in [from, to], ties
// broken by lexical event_type order so the ranking is deterministic.
func (s *AnalyticsService) TopEvents(ctx context.Context, from, to time.Time, limit int) ([]EventTypeCount, error) {
	if limit <= 0 {
		return nil, NewValidationError("limit must be a positive integer")
	}
	if limit > s.maxLimit {
		return nil, NewValidationError("limit exceeds the configured maximum")
	}
	if from.After(to) {
		return []EventTypeCount{}, nil
	}

	rows, err := s.repo.TypeCounts(ctx, from, to, s.tz)
	if err != nil {
		return nil, err
	}

	ranked := make([]EventTypeCount, 0, len(rows))
	for _, row := range rows {
		ranked = append(ranked, EventTypeCount{EventType: row.EventType, Count: row.Count})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Count != ranked[j].Count {
			return ranked[i].Count > ranked[j].Count
		}
		return ranked[i].EventType < ranked[j].EventType
	})
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}

	metrics.AnalyticsQueries.WithLabelValues("top_events").Inc()
	return ranked, nil
}

// Retention computes the weekly cohort/retention table for window weeks from
// startDate. Cohort membership uses each user's first-ever event over their
// entire history, so users first seen before startDate belong to no cohort
// in this window.
func (s *AnalyticsService) Retention(ctx context.Context, startDate time.Time, window int) (*RetentionResult, error) {
	if window < 1 {
		return nil, NewValidationError("window must be a positive number of weeks")
	}
	if window > s.maxWindow {
		return nil, NewValidationError("window exceeds the configured maximum")
	}

	start := truncateToDay(startDate)

	firstSeen, err := s.repo.FirstSeenWeeks(ctx, start, window, s.tz)
	if err != nil {
		return nil, err
	}
	activity, err := s.repo.ActivityWeeks(ctx, start, window, s.tz)
	if err != nil {
		return nil, err
	}

	result := &RetentionResult{
		StartDate: start.Format(dayLayout),
		Window:    window,
		Cohorts:   buildCohorts(firstSeen, activity, window),
	}

	metrics.AnalyticsQueries.WithLabelValues("retention").Inc()
	return result, nil
}

// buildCohorts joins first-seen weeks with distinct weekly activity pairs.
// retained[w][k] counts cohort-w users active in week w+k; a zero cohort
// yields fractions of 0 so the table stays total.
func buildCohorts(firstSeen, activity []repositories.UserWeek, window int) []Cohort {
	cohortOf := make(map[int64]int, len(firstSeen))
	sizes := make([]int64, window)
	for _, row := range firstSeen {
		if row.Week < 0 || row.Week >= window {
			continue
		}
		cohortOf[row.UserID] = row.Week
		sizes[row.Week]++
	}

	retained := make([][]int64, window)
	for w := range retained {
		retained[w] = make([]int64, window-w)
	}
	for _, row := range activity {
		w, ok := cohortOf[row.UserID]
		if !ok || row.Week < w || row.Week >= window {
			continue
		}
		retained[w][row.Week-w]++
	}

	cohorts := make([]Cohort, 0, window)
	for w := 0; w < window; w++ {
		fractions := make([]float64, window-w)
		for k := range fractions {
			if sizes[w] > 0 {
				fractions[k] = float64(retained[w][k]) / float64(sizes[w])
			}
		}
		cohorts = append(cohorts, Cohort{
			Week:       w,
			CohortSize: sizes[w],
			Retention:  fractions,
		})
	}
	return cohorts
}

func truncateToDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
