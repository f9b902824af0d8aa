package metrics

import (
	"math"
	"sort"
	"strings"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/scamguard/backend/internal/storage/models"
)

// Error categories in match priority order.
const (
	ErrorCategoryPDF       = "PDF Processing"
	ErrorCategoryAI        = "AI Analysis"
	ErrorCategoryMessaging = "Message Sending"
	ErrorCategoryTimeout   = "Timeout"
	ErrorCategoryOther     = "Other"
)

const dateLayout = "2006-01-02"

// weekdays is Monday-first.
var weekdays = []time.Weekday{
	time.Monday, time.Tuesday, time.Wednesday, time.Thursday,
	time.Friday, time.Saturday, time.Sunday,
}

func weekdayIndex(d time.Weekday) int {
	return (int(d) + 6) % 7
}

// WeekdayName returns the name of the i-th day of a Monday-first week.
func WeekdayName(i int) string {
	return weekdays[i].String()
}

func forEachInRange(users []models.UserRecord, r TimeRange, fn func(u *models.UserRecord, in *models.Interaction)) {
	for i := range users {
		u := &users[i]
		for j := range u.Interactions {
			in := &u.Interactions[j]
			if r.Contains(in.Timestamp) {
				fn(u, in)
			}
		}
	}
}

// ClassificationBreakdown counts analysed interactions in range by label. The
// three known labels are always present; unknown labels are tallied as-is.
func ClassificationBreakdown(users []models.UserRecord, r TimeRange) map[string]int {
	breakdown := make(map[string]int, len(models.KnownClassifications))
	for _, c := range models.KnownClassifications {
		breakdown[c] = 0
	}

	forEachInRange(users, r, func(_ *models.UserRecord, in *models.Interaction) {
		if in.HasAnalysis() {
			breakdown[in.AnalysisResult.Classification]++
		}
	})
	return breakdown
}

// DailyCounts returns one entry per calendar day from start's date to end's
// date inclusive, in start's location.
func DailyCounts(users []models.UserRecord, r TimeRange) []DailyCount {
	days := calendarDays(r)
	counts := make(map[string]int, len(days))
	loc := r.Start.Location()

	forEachInRange(users, r, func(_ *models.UserRecord, in *models.Interaction) {
		counts[in.Timestamp.In(loc).Format(dateLayout)]++
	})

	result := make([]DailyCount, len(days))
	for i, d := range days {
		result[i] = DailyCount{Date: d, Count: counts[d]}
	}
	return result
}

func calendarDays(r TimeRange) []string {
	if r.End.Before(r.Start) {
		return []string{}
	}

	loc := r.Start.Location()
	day := truncateDay(r.Start)
	last := truncateDay(r.End.In(loc))

	var days []string
	for !day.After(last) {
		days = append(days, day.Format(dateLayout))
		day = day.AddDate(0, 0, 1)
	}
	return days
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// PeakHours returns up to three busiest hours, ascending. Ties on count go to
// the lower hour.
func PeakHours(users []models.UserRecord, r TimeRange) []int {
	return peakHours(HourlyDistribution(users, r))
}

func peakHours(hourly []int) []int {
	type hourCount struct {
		hour  int
		count int
	}

	var ranked []hourCount
	for h, c := range hourly {
		if c > 0 {
			ranked = append(ranked, hourCount{hour: h, count: c})
		}
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].count != ranked[j].count {
			return ranked[i].count > ranked[j].count
		}
		return ranked[i].hour < ranked[j].hour
	})

	if len(ranked) > 3 {
		ranked = ranked[:3]
	}

	hours := make([]int, len(ranked))
	for i, hc := range ranked {
		hours[i] = hc.hour
	}
	sort.Ints(hours)
	return hours
}

// HourlyDistribution has 24 buckets indexed by hour of day in start's location.
func HourlyDistribution(users []models.UserRecord, r TimeRange) []int {
	hourly := make([]int, 24)
	loc := r.Start.Location()
	forEachInRange(users, r, func(_ *models.UserRecord, in *models.Interaction) {
		hourly[in.Timestamp.In(loc).Hour()]++
	})
	return hourly
}

func WeekdayDistribution(users []models.UserRecord, r TimeRange) []WeekdayCount {
	counts := make([]int, 7)
	loc := r.Start.Location()
	forEachInRange(users, r, func(_ *models.UserRecord, in *models.Interaction) {
		counts[weekdayIndex(in.Timestamp.In(loc).Weekday())]++
	})

	result := make([]WeekdayCount, 7)
	for i, c := range counts {
		result[i] = WeekdayCount{Day: WeekdayName(i), Count: c}
	}
	return result
}

// ComputeUserEngagement treats a user as repeat when they have more than one
// interaction inside the range.
func ComputeUserEngagement(users []models.UserRecord, r TimeRange) UserEngagement {
	perUser := make(map[string]int)
	forEachInRange(users, r, func(u *models.UserRecord, _ *models.Interaction) {
		perUser[u.PhoneNumber]++
	})

	e := UserEngagement{ActiveUsers: len(perUser)}
	if e.ActiveUsers == 0 {
		return e
	}

	repeat := 0
	for _, n := range perUser {
		e.TotalInteractions += n
		if n > 1 {
			repeat++
		}
	}
	e.AvgInteractionsPerUser = float64(e.TotalInteractions) / float64(e.ActiveUsers)
	e.RepeatUserRate = float64(repeat) / float64(e.ActiveUsers) * 100
	return e
}

// CategorizeError maps error text to a category. First match wins.
func CategorizeError(text string) string {
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "pdf"):
		return ErrorCategoryPDF
	case strings.Contains(lower, "openai"), strings.Contains(lower, "api"):
		return ErrorCategoryAI
	case strings.Contains(lower, "twilio"):
		return ErrorCategoryMessaging
	case strings.Contains(lower, "timeout"):
		return ErrorCategoryTimeout
	default:
		return ErrorCategoryOther
	}
}

func ErrorBreakdown(users []models.UserRecord, r TimeRange) map[string]int {
	breakdown := make(map[string]int)
	forEachInRange(users, r, func(_ *models.UserRecord, in *models.Interaction) {
		if in.Error != "" {
			breakdown[CategorizeError(in.Error)]++
		}
	})
	return breakdown
}

// SystemHealth uses exclusive thresholds: errorRate in percent, avgResponse in seconds.
func SystemHealth(errorRate, avgResponse float64) string {
	switch {
	case errorRate > 10 || avgResponse > 5:
		return HealthCritical
	case errorRate > 5 || avgResponse > 3:
		return HealthWarning
	default:
		return HealthHealthy
	}
}

// ResponseTimes collects measured (non-zero) response times in range.
func ResponseTimes(users []models.UserRecord, r TimeRange) []float64 {
	var times []float64
	forEachInRange(users, r, func(_ *models.UserRecord, in *models.Interaction) {
		if in.ResponseTime > 0 {
			times = append(times, in.ResponseTime)
		}
	})
	return times
}

// Percentile returns the value at index floor(p*n) of the ascending sort,
// clamped to the last element. Empty input yields 0.
func Percentile(values []float64, p float64) float64 {
	n := len(values)
	if n == 0 {
		return 0
	}

	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	idx := int(math.Floor(p * float64(n)))
	if idx >= n {
		idx = n - 1
	}
	if idx < 0 {
		idx = 0
	}
	return sorted[idx]
}

// Median interpolates between the two middle values for even n.
func Median(values []float64) float64 {
	n := len(values)
	if n == 0 {
		return 0
	}

	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	return stat.Mean(values, nil)
}

// Variance is the sample variance; fewer than two values yield 0.
func Variance(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	return stat.Variance(values, nil)
}

func Sum(values []float64) float64 {
	return floats.Sum(values)
}

// MeanConfidenceInterval is the two-sided 95% t interval around the mean.
func MeanConfidenceInterval(values []float64) *ConfidenceInterval {
	n := len(values)
	if n == 0 {
		return nil
	}

	mean, std := stat.MeanStdDev(values, nil)
	if n < 2 {
		return &ConfidenceInterval{Lower: mean, Upper: mean}
	}

	t := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: float64(n - 1)}.Quantile(0.975)
	margin := t * std / math.Sqrt(float64(n))
	return &ConfidenceInterval{Lower: mean - margin, Upper: mean + margin}
}

// ComputeTrend compares a current value to the previous period. Strength is
// the relative change capped at 1; moves within 5% are stable.
func ComputeTrend(current, previous float64) (string, float64) {
	if previous == 0 {
		if current == 0 {
			return TrendStable, 0
		}
		if current > 0 {
			return TrendUp, 1
		}
		return TrendDown, 1
	}

	change := (current - previous) / math.Abs(previous)
	strength := math.Min(1, math.Abs(change))

	switch {
	case change > 0.05:
		return TrendUp, strength
	case change < -0.05:
		return TrendDown, strength
	default:
		return TrendStable, strength
	}
}

// ComputeUsageStatistics is the pure core of UsageStatistics.
func ComputeUsageStatistics(users []models.UserRecord, r TimeRange) UsageStatistics {
	stats := UsageStatistics{
		Period:                  r,
		ClassificationBreakdown: ClassificationBreakdown(users, r),
		ErrorBreakdown:          ErrorBreakdown(users, r),
		HourlyDistribution:      HourlyDistribution(users, r),
		WeekdayDistribution:     WeekdayDistribution(users, r),
		Engagement:              ComputeUserEngagement(users, r),
	}
	stats.PeakHours = peakHours(stats.HourlyDistribution)

	for i := range users {
		u := &users[i]
		if u.Blocked {
			stats.BlockedUsers++
		}

		inRange, before := 0, false
		for j := range u.Interactions {
			in := &u.Interactions[j]
			if in.Timestamp.Before(r.Start) {
				before = true
			}
			if !r.Contains(in.Timestamp) {
				continue
			}

			inRange++
			stats.TotalMessages++
			switch in.MessageType {
			case models.MessageTypePDF:
				stats.PDFMessages++
			default:
				stats.TextMessages++
			}
			if in.WasSuccessful {
				stats.SuccessfulMessages++
			} else {
				stats.FailedMessages++
			}
		}

		if inRange == 0 {
			continue
		}
		stats.UniqueUsers++
		if before {
			stats.ReturningUsers++
		} else {
			stats.NewUsers++
		}
	}

	if stats.TotalMessages > 0 {
		stats.SuccessRate = float64(stats.SuccessfulMessages) / float64(stats.TotalMessages) * 100
		stats.ErrorRate = float64(stats.FailedMessages) / float64(stats.TotalMessages) * 100
	}

	times := ResponseTimes(users, r)
	stats.AvgResponseTime = Mean(times)
	stats.MedianResponseTime = Median(times)
	stats.P95ResponseTime = Percentile(times, 0.95)
	stats.SystemHealth = SystemHealth(stats.ErrorRate, stats.AvgResponseTime)

	return stats
}
