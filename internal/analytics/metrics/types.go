package metrics

import (
	"time"

	apperrors "github.com/scamguard/backend/pkg/errors"
)

type AggregationType string

const (
	AggregationSum          AggregationType = "sum"
	AggregationAverage      AggregationType = "average"
	AggregationRate         AggregationType = "rate"
	AggregationPercentile   AggregationType = "percentile"
	AggregationDistribution AggregationType = "distribution"
	AggregationUniqueCount  AggregationType = "unique_count"
	AggregationVariance     AggregationType = "variance"
)

// Metric names understood by Aggregate.
const (
	MetricMessageVolume     = "message_volume"
	MetricResponseTime      = "response_time"
	MetricErrorRate         = "error_rate"
	MetricSuccessRate       = "success_rate"
	MetricScamDetectionRate = "scam_detection_rate"
	MetricTrustScore        = "trust_score"
	MetricActiveUsers       = "active_users"
)

// KnownMetrics lists every metric Aggregate accepts.
var KnownMetrics = []string{
	MetricMessageVolume,
	MetricResponseTime,
	MetricErrorRate,
	MetricSuccessRate,
	MetricScamDetectionRate,
	MetricTrustScore,
	MetricActiveUsers,
}

const (
	TrendUp     = "up"
	TrendDown   = "down"
	TrendStable = "stable"
)

const (
	HealthHealthy  = "healthy"
	HealthWarning  = "warning"
	HealthCritical = "critical"
)

// TimeRange is inclusive at both ends.
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func NewTimeRange(start, end time.Time) (TimeRange, error) {
	r := TimeRange{Start: start, End: end}
	return r, r.Validate()
}

func (r TimeRange) Validate() error {
	if r.Start.IsZero() || r.End.IsZero() {
		return apperrors.NewValidationError("INVALID_TIME_RANGE", "start and end are required")
	}
	if r.End.Before(r.Start) {
		return apperrors.NewValidationError("INVALID_TIME_RANGE", "end must not be before start").
			WithDetails(map[string]interface{}{"start": r.Start, "end": r.End})
	}
	return nil
}

func (r TimeRange) Contains(t time.Time) bool {
	return !t.Before(r.Start) && !t.After(r.End)
}

func (r TimeRange) Duration() time.Duration {
	return r.End.Sub(r.Start)
}

// Previous returns the equal-length period immediately before r.
func (r TimeRange) Previous() TimeRange {
	d := r.Duration()
	end := r.Start.Add(-time.Nanosecond)
	return TimeRange{Start: end.Add(-d), End: end}
}

type ConfidenceInterval struct {
	Lower float64 `json:"lower"`
	Upper float64 `json:"upper"`
}

// MetricQuery selects a metric, how to aggregate it, and the window. Dimensions
// filter by message_type and classification; group_by picks the distribution key.
type MetricQuery struct {
	Name        string            `json:"metric_name" validate:"required"`
	Aggregation AggregationType   `json:"aggregation_type" validate:"required,oneof=sum average rate percentile distribution unique_count variance"`
	Range       TimeRange         `json:"time_period"`
	Dimensions  map[string]string `json:"dimensions,omitempty"`
}

// AggregatedMetric carries a scalar float64 value, or a map[string]float64 for
// percentile and distribution aggregations.
type AggregatedMetric struct {
	MetricName         string              `json:"metric_name"`
	AggregationType    AggregationType     `json:"aggregation_type"`
	Value              interface{}         `json:"value"`
	TimePeriod         TimeRange           `json:"time_period"`
	Dimensions         map[string]string   `json:"dimensions"`
	SampleSize         int                 `json:"sample_size"`
	ConfidenceInterval *ConfidenceInterval `json:"confidence_interval,omitempty"`
	TrendDirection     string              `json:"trend_direction,omitempty"`
	TrendStrength      *float64            `json:"trend_strength,omitempty"`
}

// Scalar reduces the value to one number: p95 for percentile sets, the total
// for distributions.
func (m AggregatedMetric) Scalar() float64 {
	switch v := m.Value.(type) {
	case float64:
		return v
	case map[string]float64:
		if p, ok := v["p95"]; ok {
			return p
		}
		total := 0.0
		for _, x := range v {
			total += x
		}
		return total
	}
	return 0
}

type DailyCount struct {
	Date  string `json:"date"`
	Count int    `json:"count"`
}

type WeekdayCount struct {
	Day   string `json:"day"`
	Count int    `json:"count"`
}

type UserEngagement struct {
	ActiveUsers            int     `json:"active_users"`
	AvgInteractionsPerUser float64 `json:"avg_interactions_per_user"`
	RepeatUserRate         float64 `json:"repeat_user_rate"`
	TotalInteractions      int     `json:"total_interactions"`
}

type UsageStatistics struct {
	Period                  TimeRange      `json:"period"`
	UniqueUsers             int            `json:"unique_users"`
	ReturningUsers          int            `json:"returning_users"`
	NewUsers                int            `json:"new_users"`
	BlockedUsers            int            `json:"blocked_users"`
	TotalMessages           int            `json:"total_messages"`
	TextMessages            int            `json:"text_messages"`
	PDFMessages             int            `json:"pdf_messages"`
	SuccessfulMessages      int            `json:"successful_messages"`
	FailedMessages          int            `json:"failed_messages"`
	SuccessRate             float64        `json:"success_rate"`
	ErrorRate               float64        `json:"error_rate"`
	AvgResponseTime         float64        `json:"avg_response_time"`
	MedianResponseTime      float64        `json:"median_response_time"`
	P95ResponseTime         float64        `json:"p95_response_time"`
	ClassificationBreakdown map[string]int `json:"classification_breakdown"`
	ErrorBreakdown          map[string]int `json:"error_breakdown"`
	HourlyDistribution      []int          `json:"hourly_distribution"`
	WeekdayDistribution     []WeekdayCount `json:"weekday_distribution"`
	PeakHours               []int          `json:"peak_hours"`
	Engagement              UserEngagement `json:"engagement"`
	SystemHealth            string         `json:"system_health"`
}

type DashboardOverview struct {
	GeneratedAt             time.Time      `json:"generated_at"`
	TotalUsers              int            `json:"total_users"`
	BlockedUsers            int            `json:"blocked_users"`
	ActiveUsersToday        int            `json:"active_users_today"`
	ActiveUsersWeek         int            `json:"active_users_week"`
	MessagesToday           int            `json:"messages_today"`
	MessagesWeek            int            `json:"messages_week"`
	ScamDetectionRate       float64        `json:"scam_detection_rate"`
	ErrorRate               float64        `json:"error_rate"`
	AvgResponseTime         float64        `json:"avg_response_time"`
	P95ResponseTime         float64        `json:"p95_response_time"`
	ClassificationBreakdown map[string]int `json:"classification_breakdown"`
	SystemHealth            string         `json:"system_health"`
}

// DailyTrend is one day of the trends view.
type DailyTrend struct {
	Date            string         `json:"date"`
	Messages        int            `json:"messages"`
	ActiveUsers     int            `json:"active_users"`
	NewUsers        int            `json:"new_users"`
	ErrorRate       float64        `json:"error_rate"`
	AvgResponseTime float64        `json:"avg_response_time"`
	Classifications map[string]int `json:"classifications"`
}

type AnalyticsTrends struct {
	Period      string       `json:"period"`
	TimePeriod  TimeRange    `json:"time_period"`
	Daily       []DailyTrend `json:"daily"`
	PeakHours   []int        `json:"peak_hours"`
	VolumeTrend string       `json:"volume_trend"`
	VolumeDelta float64      `json:"volume_trend_strength"`
}
