package metrics

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scamguard/backend/internal/storage/models"
)

var baseTime = time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)

func interaction(ts time.Time, classification string) models.Interaction {
	in := models.Interaction{
		Timestamp:     ts,
		MessageType:   models.MessageTypeText,
		WasSuccessful: true,
		ResponseTime:  1.0,
	}
	if classification != "" {
		in.AnalysisResult = &models.AnalysisResult{Classification: classification, TrustScore: 50, Confidence: 0.8}
	}
	return in
}

func user(phone string, interactions ...models.Interaction) models.UserRecord {
	u := models.UserRecord{PhoneNumber: phone, Interactions: interactions}
	if len(interactions) > 0 {
		u.FirstInteraction = interactions[0].Timestamp
		u.LastInteraction = interactions[len(interactions)-1].Timestamp
	}
	return u
}

func TestDailyCountsCompleteness(t *testing.T) {
	users := []models.UserRecord{
		user("a", interaction(baseTime, ""), interaction(baseTime.Add(50*time.Hour), "")),
	}

	ranges := []TimeRange{
		{Start: baseTime, End: baseTime},
		{Start: baseTime, End: baseTime.Add(time.Hour)},
		{Start: baseTime.Add(-7 * 24 * time.Hour), End: baseTime},
		{Start: time.Date(2024, 2, 27, 23, 59, 0, 0, time.UTC), End: time.Date(2024, 3, 2, 0, 1, 0, 0, time.UTC)},
		{Start: baseTime.Add(-400 * 24 * time.Hour), End: baseTime.Add(3 * 24 * time.Hour)},
	}

	for _, r := range ranges {
		counts := DailyCounts(users, r)
		startDay := truncateDay(r.Start)
		endDay := truncateDay(r.End)
		expected := int(endDay.Sub(startDay).Hours()/24) + 1

		require.Len(t, counts, expected, "range %v - %v", r.Start, r.End)
		for _, c := range counts {
			assert.GreaterOrEqual(t, c.Count, 0)
		}
	}
}

func TestDailyCountsValues(t *testing.T) {
	users := []models.UserRecord{
		user("a", interaction(baseTime, ""), interaction(baseTime.Add(time.Hour), "")),
		user("b", interaction(baseTime.Add(48*time.Hour), "")),
	}

	counts := DailyCounts(users, TimeRange{Start: baseTime, End: baseTime.Add(48 * time.Hour)})
	assert.Equal(t, []DailyCount{
		{Date: "2024-03-15", Count: 2},
		{Date: "2024-03-16", Count: 0},
		{Date: "2024-03-17", Count: 1},
	}, counts)

	assert.Empty(t, DailyCounts(users, TimeRange{Start: baseTime, End: baseTime.Add(-time.Hour)}))
}

func TestPercentileMonotonicity(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 200; i++ {
		n := rng.Intn(50) + 1
		values := make([]float64, n)
		for j := range values {
			values[j] = rng.ExpFloat64() * 3
		}

		p50 := Percentile(values, 0.5)
		p95 := Percentile(values, 0.95)
		assert.LessOrEqual(t, p50, p95)
		assert.LessOrEqual(t, Median(values), p95)
	}

	same := []float64{2, 2, 2, 2}
	assert.Equal(t, Percentile(same, 0.5), Percentile(same, 0.95))
}

func TestPercentileFloorIndex(t *testing.T) {
	values := []float64{0.9, 0.5, 5.0, 0.7, 0.6, 0.8}
	assert.Equal(t, 5.0, Percentile(values, 0.95))
	assert.Equal(t, 0.0, Percentile(nil, 0.95))
	assert.Equal(t, 0.0, Median(nil))
	assert.Equal(t, 0.0, Mean(nil))
	assert.Equal(t, 0.0, Variance([]float64{3}))
	assert.InDelta(t, 0.8, Median(values[:4]), 1e-9)
}

func TestClassificationBreakdownTotals(t *testing.T) {
	r := TimeRange{Start: baseTime, End: baseTime.Add(24 * time.Hour)}
	users := []models.UserRecord{
		user("a",
			interaction(baseTime.Add(-time.Second), models.ClassificationLegit),
			interaction(baseTime, models.ClassificationLegit),
			interaction(baseTime.Add(time.Hour), models.ClassificationLikelyScam),
			interaction(baseTime.Add(2*time.Hour), ""),
			interaction(baseTime.Add(3*time.Hour), "Needs Review"),
		),
		user("b",
			interaction(baseTime.Add(24*time.Hour), models.ClassificationSuspicious),
			interaction(baseTime.Add(24*time.Hour+time.Nanosecond), models.ClassificationSuspicious),
		),
	}

	breakdown := ClassificationBreakdown(users, r)

	analysed := 0
	forEachInRange(users, r, func(_ *models.UserRecord, in *models.Interaction) {
		if in.HasAnalysis() {
			analysed++
		}
	})

	total := 0
	for _, n := range breakdown {
		total += n
	}
	assert.Equal(t, analysed, total)
	assert.Equal(t, map[string]int{
		models.ClassificationLegit:      1,
		models.ClassificationSuspicious: 1,
		models.ClassificationLikelyScam: 1,
		"Needs Review":                  1,
	}, breakdown)
}

func TestRangeBoundariesAreInclusive(t *testing.T) {
	r := TimeRange{Start: baseTime, End: baseTime.Add(time.Hour)}
	users := []models.UserRecord{
		user("a",
			interaction(r.Start.Add(-time.Nanosecond), ""),
			interaction(r.Start, ""),
			interaction(r.End, ""),
			interaction(r.End.Add(time.Nanosecond), ""),
		),
	}

	assert.Equal(t, 2, ComputeUserEngagement(users, r).TotalInteractions)
}

func TestPeakHours(t *testing.T) {
	day := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	at := func(hour, n int) []models.Interaction {
		var out []models.Interaction
		for i := 0; i < n; i++ {
			out = append(out, interaction(day.Add(time.Duration(hour)*time.Hour+time.Duration(i)*time.Minute), ""))
		}
		return out
	}

	var ins []models.Interaction
	ins = append(ins, at(3, 2)...)
	ins = append(ins, at(9, 3)...)
	ins = append(ins, at(14, 3)...)
	ins = append(ins, at(20, 2)...)

	r := TimeRange{Start: day, End: day.Add(24*time.Hour - time.Second)}
	assert.Equal(t, []int{3, 9, 14}, PeakHours([]models.UserRecord{user("a", ins...)}, r))
	assert.Empty(t, PeakHours(nil, r))
}

func TestUserEngagement(t *testing.T) {
	r := TimeRange{Start: baseTime, End: baseTime.Add(24 * time.Hour)}
	users := []models.UserRecord{
		user("a", interaction(baseTime, ""), interaction(baseTime.Add(time.Hour), "")),
		user("b", interaction(baseTime.Add(-48*time.Hour), ""), interaction(baseTime.Add(2*time.Hour), "")),
		user("c"),
	}

	e := ComputeUserEngagement(users, r)
	assert.Equal(t, 2, e.ActiveUsers)
	assert.Equal(t, 3, e.TotalInteractions)
	assert.InDelta(t, 1.5, e.AvgInteractionsPerUser, 1e-9)
	assert.InDelta(t, 50.0, e.RepeatUserRate, 1e-9, "repeat is range-local")

	assert.Equal(t, UserEngagement{}, ComputeUserEngagement(nil, r))
}

func TestCategorizeError(t *testing.T) {
	cases := map[string]string{
		"PDF parse failed":         ErrorCategoryPDF,
		"pdf download via API":     ErrorCategoryPDF,
		"OpenAI rate limited":      ErrorCategoryAI,
		"upstream API timeout":     ErrorCategoryAI,
		"Twilio send failed":       ErrorCategoryMessaging,
		"context timeout exceeded": ErrorCategoryTimeout,
		"something broke":          ErrorCategoryOther,
	}
	for text, want := range cases {
		assert.Equal(t, want, CategorizeError(text), text)
	}
}

func TestSystemHealth(t *testing.T) {
	assert.Equal(t, HealthHealthy, SystemHealth(5, 3))
	assert.Equal(t, HealthWarning, SystemHealth(5.1, 0))
	assert.Equal(t, HealthWarning, SystemHealth(0, 3.1))
	assert.Equal(t, HealthWarning, SystemHealth(10, 5))
	assert.Equal(t, HealthCritical, SystemHealth(10.1, 0))
	assert.Equal(t, HealthCritical, SystemHealth(0, 5.5))
}

func TestComputeTrend(t *testing.T) {
	dir, strength := ComputeTrend(150, 100)
	assert.Equal(t, TrendUp, dir)
	assert.InDelta(t, 0.5, strength, 1e-9)

	dir, strength = ComputeTrend(10, 100)
	assert.Equal(t, TrendDown, dir)
	assert.InDelta(t, 0.9, strength, 1e-9)

	dir, _ = ComputeTrend(104, 100)
	assert.Equal(t, TrendStable, dir)

	dir, strength = ComputeTrend(5, 0)
	assert.Equal(t, TrendUp, dir)
	assert.Equal(t, 1.0, strength)

	dir, strength = ComputeTrend(0, 0)
	assert.Equal(t, TrendStable, dir)
	assert.Equal(t, 0.0, strength)
}

func TestComputeUsageStatistics(t *testing.T) {
	r := TimeRange{Start: baseTime, End: baseTime.Add(24 * time.Hour)}

	failed := interaction(baseTime.Add(2*time.Hour), "")
	failed.WasSuccessful = false
	failed.Error = "OpenAI timeout"
	failed.ResponseTime = 0

	pdf := interaction(baseTime.Add(3*time.Hour), models.ClassificationLikelyScam)
	pdf.MessageType = models.MessageTypePDF
	pdf.ResponseTime = 4

	blocked := user("b", interaction(baseTime.Add(-72*time.Hour), ""), interaction(baseTime.Add(time.Hour), models.ClassificationLegit))
	blocked.Blocked = true

	users := []models.UserRecord{
		user("a", interaction(baseTime, ""), failed, pdf),
		blocked,
	}

	stats := ComputeUsageStatistics(users, r)
	assert.Equal(t, 2, stats.UniqueUsers)
	assert.Equal(t, 1, stats.ReturningUsers)
	assert.Equal(t, 1, stats.NewUsers)
	assert.Equal(t, 1, stats.BlockedUsers)
	assert.Equal(t, 4, stats.TotalMessages)
	assert.Equal(t, 3, stats.TextMessages)
	assert.Equal(t, 1, stats.PDFMessages)
	assert.Equal(t, 1, stats.FailedMessages)
	assert.InDelta(t, 25.0, stats.ErrorRate, 1e-9)
	assert.InDelta(t, 75.0, stats.SuccessRate, 1e-9)
	assert.InDelta(t, 2.0, stats.AvgResponseTime, 1e-9)
	assert.InDelta(t, 1.0, stats.MedianResponseTime, 1e-9)
	assert.InDelta(t, 4.0, stats.P95ResponseTime, 1e-9)
	assert.Equal(t, map[string]int{ErrorCategoryAI: 1}, stats.ErrorBreakdown)
	assert.Equal(t, HealthCritical, stats.SystemHealth)
	assert.Len(t, stats.HourlyDistribution, 24)
	require.Len(t, stats.WeekdayDistribution, 7)
	assert.Equal(t, "Monday", stats.WeekdayDistribution[0].Day)
	assert.Equal(t, 4, stats.WeekdayDistribution[4].Count, "2024-03-15 is a Friday")

	empty := ComputeUsageStatistics(nil, r)
	assert.Equal(t, 0, empty.TotalMessages)
	assert.Equal(t, 0.0, empty.P95ResponseTime)
	assert.Equal(t, HealthHealthy, empty.SystemHealth)
}
