package reporting

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/scamguard/backend/internal/analytics/clustering"
	"github.com/scamguard/backend/internal/analytics/insights"
	"github.com/scamguard/backend/internal/analytics/metrics"
	"github.com/scamguard/backend/internal/storage/models"
)

const dayLayout = "2006-01-02"

// sectionContext is shared by every section of one report. Users are loaded
// once; usage statistics are computed on first use.
type sectionContext struct {
	users    []models.UserRecord
	period   metrics.TimeRange
	params   map[string]interface{}
	insights []insights.Insight
	stats    *metrics.UsageStatistics
}

func (sc *sectionContext) usage() *metrics.UsageStatistics {
	if sc.stats == nil {
		s := metrics.ComputeUsageStatistics(sc.users, sc.period)
		sc.stats = &s
	}
	return sc.stats
}

type sectionFunc func(ctx context.Context, sc *sectionContext) (*ReportSection, error)

func (e *Engine) sectionGenerators() map[string]sectionFunc {
	return map[string]sectionFunc{
		SectionOverview:                e.overviewSection,
		SectionKeyMetrics:              e.keyMetricsSection,
		SectionClassificationBreakdown: e.classificationSection,
		SectionInsights:                e.insightsSection,
		SectionResponseTimes:           e.responseTimesSection,
		SectionSystemHealth:            e.systemHealthSection,
		SectionDailyVolume:             e.dailyVolumeSection,
		SectionPatterns:                e.patternsSection,
		SectionScamTrends:              e.scamTrendsSection,
		SectionErrorAnalysis:           e.errorAnalysisSection,
		SectionBlockedUsers:            e.blockedUsersSection,
		SectionUsageOverview:           e.usageOverviewSection,
		SectionUserEngagement:          e.userEngagementSection,
		SectionPeakHours:               e.peakHoursSection,
		SectionUserSegments:            e.userSegmentsSection,
	}
}

func (e *Engine) overviewSection(ctx context.Context, sc *sectionContext) (*ReportSection, error) {
	s := sc.usage()
	text := fmt.Sprintf(
		"Between %s and %s the bot handled %d messages from %d users (%d new, %d returning). "+
			"%.1f%% of messages were processed successfully and system health is %s.",
		sc.period.Start.Format(dayLayout), sc.period.End.Format(dayLayout),
		s.TotalMessages, s.UniqueUsers, s.NewUsers, s.ReturningUsers,
		s.SuccessRate, s.SystemHealth,
	)
	return &ReportSection{Title: "Overview", ContentType: ContentText, Data: text}, nil
}

func (e *Engine) keyMetricsSection(ctx context.Context, sc *sectionContext) (*ReportSection, error) {
	s := sc.usage()
	return &ReportSection{
		Title:       "Key Metrics",
		ContentType: ContentMetric,
		Data: map[string]interface{}{
			"total_messages":      s.TotalMessages,
			"unique_users":        s.UniqueUsers,
			"new_users":           s.NewUsers,
			"blocked_users":       s.BlockedUsers,
			"success_rate":        round2(s.SuccessRate),
			"error_rate":          round2(s.ErrorRate),
			"avg_response_time":   round2(s.AvgResponseTime),
			"p95_response_time":   round2(s.P95ResponseTime),
			"scam_detection_rate": round2(metrics.ScamDetectionRate(s.ClassificationBreakdown)),
			"system_health":       s.SystemHealth,
		},
	}, nil
}

func (e *Engine) classificationSection(ctx context.Context, sc *sectionContext) (*ReportSection, error) {
	breakdown := sc.usage().ClassificationBreakdown
	total := 0
	for _, n := range breakdown {
		total += n
	}

	percentages := make(map[string]float64, len(breakdown))
	for label, n := range breakdown {
		if total > 0 {
			percentages[label] = round2(float64(n) / float64(total) * 100)
		} else {
			percentages[label] = 0
		}
	}

	return &ReportSection{
		Title:       "Classification Breakdown",
		ContentType: ContentChart,
		Data: map[string]interface{}{
			"counts":      breakdown,
			"percentages": percentages,
			"analysed":    total,
		},
		Metadata: map[string]interface{}{"chart_type": "pie"},
	}, nil
}

func (e *Engine) insightsSection(ctx context.Context, sc *sectionContext) (*ReportSection, error) {
	return &ReportSection{
		Title:       "Insights",
		ContentType: ContentInsight,
		Data:        sc.insights,
		Metadata:    map[string]interface{}{"count": len(sc.insights)},
	}, nil
}

func (e *Engine) responseTimesSection(ctx context.Context, sc *sectionContext) (*ReportSection, error) {
	agg, err := metrics.AggregateWith(sc.users, metrics.MetricQuery{
		Name:        metrics.MetricResponseTime,
		Aggregation: metrics.AggregationPercentile,
		Range:       sc.period,
	})
	if err != nil {
		return nil, err
	}

	s := sc.usage()
	data := map[string]interface{}{
		"average":     round2(s.AvgResponseTime),
		"median":      round2(s.MedianResponseTime),
		"percentiles": agg.Value,
		"samples":     agg.SampleSize,
	}
	if agg.TrendDirection != "" {
		data["trend"] = agg.TrendDirection
	}

	return &ReportSection{Title: "Response Times", ContentType: ContentTable, Data: data}, nil
}

func (e *Engine) systemHealthSection(ctx context.Context, sc *sectionContext) (*ReportSection, error) {
	s := sc.usage()
	return &ReportSection{
		Title:       "System Health",
		ContentType: ContentMetric,
		Data: map[string]interface{}{
			"status":            s.SystemHealth,
			"error_rate":        round2(s.ErrorRate),
			"avg_response_time": round2(s.AvgResponseTime),
			"failed_messages":   s.FailedMessages,
			"error_breakdown":   s.ErrorBreakdown,
		},
	}, nil
}

func (e *Engine) dailyVolumeSection(ctx context.Context, sc *sectionContext) (*ReportSection, error) {
	return &ReportSection{
		Title:       "Daily Volume",
		ContentType: ContentChart,
		Data:        metrics.DailyCounts(sc.users, sc.period),
		Metadata:    map[string]interface{}{"chart_type": "line"},
	}, nil
}

// patternsSection runs the detector over the daily message volume of the window.
func (e *Engine) patternsSection(ctx context.Context, sc *sectionContext) (*ReportSection, error) {
	loc := sc.period.Start.Location()
	counts := metrics.DailyCounts(sc.users, sc.period)

	series := make([]metrics.Point, 0, len(counts))
	for _, c := range counts {
		day, err := time.ParseInLocation(dayLayout, c.Date, loc)
		if err != nil {
			return nil, fmt.Errorf("failed to parse day %q: %w", c.Date, err)
		}
		series = append(series, metrics.Point{Timestamp: day, Value: float64(c.Count)})
	}

	// lookback_days counts back from the period end.
	if lookback := intParam(sc.params, ParamLookbackDays, 0); lookback > 0 {
		from := sc.period.End.In(loc).AddDate(0, 0, -lookback)
		cutoff := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, loc)
		kept := series[:0]
		for _, p := range series {
			if !p.Timestamp.Before(cutoff) {
				kept = append(kept, p)
			}
		}
		series = kept
	}

	found := e.patterns.DetectPatterns(series, 0)
	return &ReportSection{
		Title:       "Detected Patterns",
		ContentType: ContentTable,
		Data:        found,
		Metadata: map[string]interface{}{
			"series": metrics.MetricMessageVolume,
			"points": len(series),
		},
	}, nil
}

func (e *Engine) scamTrendsSection(ctx context.Context, sc *sectionContext) (*ReportSection, error) {
	daily := metrics.DailyTrends(sc.users, sc.period)

	rows := make([]map[string]interface{}, len(daily))
	var scams, suspicious []float64
	for i, d := range daily {
		rows[i] = map[string]interface{}{
			"date":        d.Date,
			"likely_scam": d.Classifications[models.ClassificationLikelyScam],
			"suspicious":  d.Classifications[models.ClassificationSuspicious],
			"legit":       d.Classifications[models.ClassificationLegit],
		}
		scams = append(scams, float64(d.Classifications[models.ClassificationLikelyScam]))
		suspicious = append(suspicious, float64(d.Classifications[models.ClassificationSuspicious]))
	}

	half := len(scams) / 2
	direction, strength := metrics.ComputeTrend(metrics.Sum(scams[half:]), metrics.Sum(scams[:half]))

	return &ReportSection{
		Title:       "Scam Trends",
		ContentType: ContentChart,
		Data: map[string]interface{}{
			"daily":            rows,
			"total_scams":      int(metrics.Sum(scams)),
			"total_suspicious": int(metrics.Sum(suspicious)),
			"trend":            direction,
			"trend_strength":   round2(strength),
		},
		Metadata: map[string]interface{}{"chart_type": "stacked_bar"},
	}, nil
}

func (e *Engine) errorAnalysisSection(ctx context.Context, sc *sectionContext) (*ReportSection, error) {
	s := sc.usage()

	categories := make([]string, 0, len(s.ErrorBreakdown))
	for c := range s.ErrorBreakdown {
		categories = append(categories, c)
	}
	sort.Slice(categories, func(i, j int) bool {
		a, b := s.ErrorBreakdown[categories[i]], s.ErrorBreakdown[categories[j]]
		if a != b {
			return a > b
		}
		return categories[i] < categories[j]
	})

	top := ""
	if len(categories) > 0 {
		top = categories[0]
	}

	return &ReportSection{
		Title:       "Error Analysis",
		ContentType: ContentTable,
		Data: map[string]interface{}{
			"failed_messages": s.FailedMessages,
			"error_rate":      round2(s.ErrorRate),
			"categories":      s.ErrorBreakdown,
			"top_category":    top,
		},
	}, nil
}

func (e *Engine) blockedUsersSection(ctx context.Context, sc *sectionContext) (*ReportSection, error) {
	limit := max(0, intParam(sc.params, ParamMaxBlocked, 25))

	blocked := make([]string, 0)
	activeBlocked := 0
	for i := range sc.users {
		u := &sc.users[i]
		if !u.Blocked {
			continue
		}
		blocked = append(blocked, maskPhone(u.PhoneNumber))
		for _, in := range u.Interactions {
			if sc.period.Contains(in.Timestamp) {
				activeBlocked++
				break
			}
		}
	}
	sort.Strings(blocked)

	share := 0.0
	if len(sc.users) > 0 {
		share = float64(len(blocked)) / float64(len(sc.users)) * 100
	}

	return &ReportSection{
		Title:       "Blocked Users",
		ContentType: ContentMetric,
		Data: map[string]interface{}{
			"blocked_users":        len(blocked),
			"blocked_share":        round2(share),
			"active_in_period":     activeBlocked,
			"blocked_phone_masked": blocked[:min(limit, len(blocked))],
		},
	}, nil
}

func (e *Engine) usageOverviewSection(ctx context.Context, sc *sectionContext) (*ReportSection, error) {
	s := sc.usage()
	return &ReportSection{
		Title:       "Usage Overview",
		ContentType: ContentMetric,
		Data: map[string]interface{}{
			"unique_users":    s.UniqueUsers,
			"new_users":       s.NewUsers,
			"returning_users": s.ReturningUsers,
			"total_messages":  s.TotalMessages,
			"text_messages":   s.TextMessages,
			"pdf_messages":    s.PDFMessages,
			"success_rate":    round2(s.SuccessRate),
		},
	}, nil
}

func (e *Engine) userEngagementSection(ctx context.Context, sc *sectionContext) (*ReportSection, error) {
	s := sc.usage()
	return &ReportSection{
		Title:       "User Engagement",
		ContentType: ContentMetric,
		Data:        s.Engagement,
		Metadata:    map[string]interface{}{"weekday_distribution": s.WeekdayDistribution},
	}, nil
}

func (e *Engine) peakHoursSection(ctx context.Context, sc *sectionContext) (*ReportSection, error) {
	s := sc.usage()
	return &ReportSection{
		Title:       "Peak Hours",
		ContentType: ContentChart,
		Data: map[string]interface{}{
			"peak_hours":          s.PeakHours,
			"hourly_distribution": s.HourlyDistribution,
		},
		Metadata: map[string]interface{}{"chart_type": "bar"},
	}, nil
}

func (e *Engine) userSegmentsSection(ctx context.Context, sc *sectionContext) (*ReportSection, error) {
	features := clustering.ExtractFeatures(sc.users, sc.period)
	result := e.clusters.ClusterUsers(features, clustering.DefaultFeatures)

	if !boolParam(sc.params, ParamIncludeMembers) {
		for i := range result.Clusters {
			result.Clusters[i].Members = nil
		}
	}

	data := map[string]interface{}{
		"success":  result.Success,
		"segments": e.clusters.IdentifyUserSegments(result),
	}
	if !result.Success {
		data["reason"] = result.Reason
	} else {
		data["clusters"] = result.Clusters
	}

	return &ReportSection{
		Title:       "User Segments",
		ContentType: ContentTable,
		Data:        data,
		Metadata:    map[string]interface{}{"users": len(features)},
	}, nil
}

// maskPhone keeps the last four digits.
func maskPhone(phone string) string {
	if len(phone) <= 4 {
		return phone
	}
	masked := make([]byte, len(phone))
	for i := range phone {
		if i < len(phone)-4 {
			masked[i] = '*'
		} else {
			masked[i] = phone[i]
		}
	}
	return string(masked)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
