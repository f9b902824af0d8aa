package metrics

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/scamguard/backend/internal/cache/memory"
	appmetrics "github.com/scamguard/backend/internal/metrics"
	"github.com/scamguard/backend/internal/storage"
	"github.com/scamguard/backend/internal/storage/models"
	apperrors "github.com/scamguard/backend/pkg/errors"
	"github.com/scamguard/backend/pkg/logger"
	"github.com/scamguard/backend/pkg/utils"
)

const (
	DefaultCacheTTL     = 5 * time.Minute
	defaultUsageWindow  = 30 * 24 * time.Hour
	dashboardOverviewID = "dashboard_overview"
)

// Periods accepted by AnalyticsTrends.
var trendPeriods = map[string]time.Duration{
	"day":     24 * time.Hour,
	"week":    7 * 24 * time.Hour,
	"month":   30 * 24 * time.Hour,
	"quarter": 90 * 24 * time.Hour,
	"year":    365 * 24 * time.Hour,
}

// Engine answers metric queries over the interaction store. Cached results
// are shared between callers and must be treated as read-only.
type Engine struct {
	store          storage.Adapter
	metricsTTL     time.Duration
	dashboardTTL   time.Duration
	metricsCache   *memory.Cache
	dashboardCache *memory.Cache
	series         *TimeSeries
	now            func() time.Time
	logger         *zap.Logger
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

func WithCacheTTL(metricsTTL, dashboardTTL time.Duration) Option {
	return func(e *Engine) {
		if metricsTTL > 0 {
			e.metricsTTL = metricsTTL
		}
		if dashboardTTL > 0 {
			e.dashboardTTL = dashboardTTL
		}
	}
}

func WithTimeSeries(ts *TimeSeries) Option {
	return func(e *Engine) {
		e.series = ts
	}
}

func NewEngine(store storage.Adapter, opts ...Option) *Engine {
	e := &Engine{
		store:        store,
		metricsTTL:   DefaultCacheTTL,
		dashboardTTL: DefaultCacheTTL,
		now:          time.Now,
		logger:       logger.Named("metrics_engine"),
	}
	for _, opt := range opts {
		opt(e)
	}

	e.metricsCache = memory.New("metrics", e.metricsTTL, memory.WithClock(e.now), memory.WithLogger(e.logger))
	e.dashboardCache = memory.New("dashboard", e.dashboardTTL, memory.WithClock(e.now), memory.WithLogger(e.logger))
	if e.series == nil {
		e.series = NewTimeSeries(0, e.now)
	}

	return e
}

func (e *Engine) Now() time.Time {
	return e.now()
}

func (e *Engine) Series() *TimeSeries {
	return e.series
}

// Users loads the full user base. Store failures propagate wrapped.
func (e *Engine) Users(ctx context.Context) ([]models.UserRecord, error) {
	users, err := e.store.ListUsers(ctx, storage.UserFilter{})
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	return users, nil
}

func (e *Engine) observe(operation string, started time.Time) {
	appmetrics.AggregationDuration.WithLabelValues(operation).Observe(time.Since(started).Seconds())
}

func (e *Engine) Aggregate(ctx context.Context, q MetricQuery) (*AggregatedMetric, error) {
	if err := q.Range.Validate(); err != nil {
		return nil, err
	}

	key := utils.QueryKey("aggregate:"+SeriesKey(q.Name, q.Aggregation), q.Range.Start, q.Range.End, q.Dimensions)
	return memory.GetOrCompute(e.metricsCache, key, func() (*AggregatedMetric, error) {
		started := time.Now()
		defer e.observe("aggregate", started)

		users, err := e.Users(ctx)
		if err != nil {
			return nil, err
		}

		result, err := AggregateWith(users, q)
		if err != nil {
			return nil, err
		}

		if q.Aggregation != AggregationDistribution {
			e.series.Record(SeriesKey(q.Name, q.Aggregation), q.Range.End, result.Scalar())
		}

		e.logger.Debug("Metric aggregated",
			zap.String("metric", q.Name),
			zap.String("aggregation", string(q.Aggregation)),
			zap.Int("sample_size", result.SampleSize),
		)
		return result, nil
	})
}

// UsageStatistics defaults to the 30 days ending now.
func (e *Engine) UsageStatistics(ctx context.Context, start, end *time.Time) (*UsageStatistics, error) {
	key := "usage:last_30d"
	if start != nil || end != nil {
		r, err := e.resolveRange(start, end, defaultUsageWindow)
		if err != nil {
			return nil, err
		}
		key = utils.QueryKey("usage", r.Start, r.End, nil)
	}

	return memory.GetOrCompute(e.metricsCache, key, func() (*UsageStatistics, error) {
		started := time.Now()
		defer e.observe("usage_statistics", started)

		r, err := e.resolveRange(start, end, defaultUsageWindow)
		if err != nil {
			return nil, err
		}

		users, err := e.Users(ctx)
		if err != nil {
			return nil, err
		}

		stats := ComputeUsageStatistics(users, r)
		e.series.Record(SeriesKey(MetricMessageVolume, AggregationSum), r.End, float64(stats.TotalMessages))
		e.series.Record(SeriesKey(MetricErrorRate, AggregationRate), r.End, stats.ErrorRate)
		e.series.Record(SeriesKey(MetricResponseTime, AggregationAverage), r.End, stats.AvgResponseTime)

		e.logger.Info("Usage statistics computed",
			zap.Time("start", r.Start),
			zap.Time("end", r.End),
			zap.Int("unique_users", stats.UniqueUsers),
			zap.Int("total_messages", stats.TotalMessages),
		)
		return &stats, nil
	})
}

func (e *Engine) DashboardOverview(ctx context.Context) (*DashboardOverview, error) {
	return memory.GetOrCompute(e.dashboardCache, dashboardOverviewID, func() (*DashboardOverview, error) {
		started := time.Now()
		defer e.observe("dashboard_overview", started)

		users, err := e.Users(ctx)
		if err != nil {
			return nil, err
		}

		now := e.now()
		today := TimeRange{Start: truncateDay(now), End: now}
		week := TimeRange{Start: now.Add(-7 * 24 * time.Hour), End: now}

		weekStats := ComputeUsageStatistics(users, week)
		todayEngagement := ComputeUserEngagement(users, today)

		overview := &DashboardOverview{
			GeneratedAt:             now,
			TotalUsers:              len(users),
			BlockedUsers:            weekStats.BlockedUsers,
			ActiveUsersToday:        todayEngagement.ActiveUsers,
			ActiveUsersWeek:         weekStats.UniqueUsers,
			MessagesToday:           todayEngagement.TotalInteractions,
			MessagesWeek:            weekStats.TotalMessages,
			ScamDetectionRate:       ScamDetectionRate(weekStats.ClassificationBreakdown),
			ErrorRate:               weekStats.ErrorRate,
			AvgResponseTime:         weekStats.AvgResponseTime,
			P95ResponseTime:         weekStats.P95ResponseTime,
			ClassificationBreakdown: weekStats.ClassificationBreakdown,
			SystemHealth:            weekStats.SystemHealth,
		}

		e.series.Record(SeriesKey(MetricScamDetectionRate, AggregationRate), now, overview.ScamDetectionRate)
		return overview, nil
	})
}

// ScamDetectionRate is the share of analysed postings labelled Likely Scam, in percent.
func ScamDetectionRate(breakdown map[string]int) float64 {
	total := 0
	for _, n := range breakdown {
		total += n
	}
	if total == 0 {
		return 0
	}
	return float64(breakdown[models.ClassificationLikelyScam]) / float64(total) * 100
}

// AnalyticsTrends builds a per-day view over period (day, week, month, quarter
// or year). Missing bounds are derived from the period length.
func (e *Engine) AnalyticsTrends(ctx context.Context, period string, start, end *time.Time) (*AnalyticsTrends, error) {
	length, ok := trendPeriods[period]
	if !ok {
		return nil, apperrors.NewValidationError("INVALID_PERIOD",
			fmt.Sprintf("unknown period %q, expected day, week, month, quarter or year", period))
	}

	key := "trends:" + period
	if start != nil || end != nil {
		r, err := e.resolveRange(start, end, length)
		if err != nil {
			return nil, err
		}
		key = utils.QueryKey("trends:"+period, r.Start, r.End, nil)
	}

	return memory.GetOrCompute(e.dashboardCache, key, func() (*AnalyticsTrends, error) {
		started := time.Now()
		defer e.observe("analytics_trends", started)

		r, err := e.resolveRange(start, end, length)
		if err != nil {
			return nil, err
		}

		users, err := e.Users(ctx)
		if err != nil {
			return nil, err
		}

		trends := &AnalyticsTrends{
			Period:     period,
			TimePeriod: r,
			Daily:      DailyTrends(users, r),
			PeakHours:  PeakHours(users, r),
		}

		cur := ComputeUserEngagement(users, r).TotalInteractions
		prev := ComputeUserEngagement(users, r.Previous()).TotalInteractions
		trends.VolumeTrend, trends.VolumeDelta = ComputeTrend(float64(cur), float64(prev))

		return trends, nil
	})
}

type dayAccumulator struct {
	messages        int
	failed          int
	responseTotal   float64
	responseCount   int
	users           map[string]struct{}
	classifications map[string]int
}

func DailyTrends(users []models.UserRecord, r TimeRange) []DailyTrend {
	days := calendarDays(r)
	acc := make(map[string]*dayAccumulator, len(days))
	for _, d := range days {
		acc[d] = &dayAccumulator{users: make(map[string]struct{}), classifications: make(map[string]int)}
	}

	loc := r.Start.Location()
	newUsers := make(map[string]int)
	for i := range users {
		first := firstSeen(&users[i])
		if !first.IsZero() && r.Contains(first) {
			newUsers[first.In(loc).Format(dateLayout)]++
		}
	}

	forEachInRange(users, r, func(u *models.UserRecord, in *models.Interaction) {
		a := acc[in.Timestamp.In(loc).Format(dateLayout)]
		if a == nil {
			return
		}
		a.messages++
		a.users[u.PhoneNumber] = struct{}{}
		if !in.WasSuccessful {
			a.failed++
		}
		if in.ResponseTime > 0 {
			a.responseTotal += in.ResponseTime
			a.responseCount++
		}
		if in.HasAnalysis() {
			a.classifications[in.AnalysisResult.Classification]++
		}
	})

	result := make([]DailyTrend, len(days))
	for i, d := range days {
		a := acc[d]
		t := DailyTrend{
			Date:            d,
			Messages:        a.messages,
			ActiveUsers:     len(a.users),
			NewUsers:        newUsers[d],
			Classifications: a.classifications,
		}
		if a.messages > 0 {
			t.ErrorRate = float64(a.failed) / float64(a.messages) * 100
		}
		if a.responseCount > 0 {
			t.AvgResponseTime = a.responseTotal / float64(a.responseCount)
		}
		result[i] = t
	}
	return result
}

func firstSeen(u *models.UserRecord) time.Time {
	if !u.FirstInteraction.IsZero() {
		return u.FirstInteraction
	}
	if len(u.Interactions) > 0 {
		return u.Interactions[0].Timestamp
	}
	return time.Time{}
}

func (e *Engine) resolveRange(start, end *time.Time, length time.Duration) (TimeRange, error) {
	var r TimeRange
	switch {
	case start != nil && end != nil:
		r = TimeRange{Start: *start, End: *end}
	case start != nil:
		r = TimeRange{Start: *start, End: start.Add(length)}
	case end != nil:
		r = TimeRange{Start: end.Add(-length), End: *end}
	default:
		now := e.now()
		r = TimeRange{Start: now.Add(-length), End: now}
	}
	return r, r.Validate()
}
