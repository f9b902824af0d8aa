package insights

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"

	"github.com/scamguard/backend/internal/analytics/metrics"
	"github.com/scamguard/backend/internal/cache/memory"
	appmetrics "github.com/scamguard/backend/internal/metrics"
	"github.com/scamguard/backend/internal/storage/models"
	"github.com/scamguard/backend/pkg/logger"
	"github.com/scamguard/backend/pkg/utils"
)

type InsightType string

const (
	InsightAnomaly     InsightType = "anomaly"
	InsightTrend       InsightType = "trend"
	InsightCorrelation InsightType = "correlation"
	InsightPrediction  InsightType = "prediction"
)

type Impact string

const (
	ImpactLow      Impact = "low"
	ImpactMedium   Impact = "medium"
	ImpactHigh     Impact = "high"
	ImpactCritical Impact = "critical"
)

var severity = map[Impact]int{
	ImpactLow:      1,
	ImpactMedium:   2,
	ImpactHigh:     3,
	ImpactCritical: 4,
}

const (
	DefaultCacheTTL    = 15 * time.Minute
	DefaultMaxInsights = 50
	DefaultTolerance   = 5.0
	defaultWindow      = 7 * 24 * time.Hour

	thresholdConfidence   = 0.9
	correlationConfidence = 0.7
	trendMinStrength      = 0.3
	trendHighStrength     = 0.7
	historyPeriods        = 4
	anomalyZ              = 2.5
	criticalZ             = 4.0
	maxPredictedChange    = 0.1
)

// DefaultMetrics are tracked when a caller names none.
var DefaultMetrics = []string{
	metrics.MetricMessageVolume,
	metrics.MetricResponseTime,
	metrics.MetricErrorRate,
	metrics.MetricSuccessRate,
	metrics.MetricScamDetectionRate,
}

type Insight struct {
	Title          string                 `json:"title"`
	Description    string                 `json:"description"`
	InsightType    InsightType            `json:"insight_type"`
	Confidence     float64                `json:"confidence"`
	Impact         Impact                 `json:"impact"`
	Recommendation string                 `json:"recommendation"`
	SupportingData map[string]interface{} `json:"supporting_data"`
	Timestamp      time.Time              `json:"timestamp"`
}

type Generator struct {
	engine      *metrics.Engine
	thresholds  map[string]map[string]float64
	tolerance   float64
	maxInsights int
	ttl         time.Duration
	cache       *memory.Cache
	now         func() time.Time
	logger      *zap.Logger
}

type Option func(*Generator)

func WithThresholds(t map[string]map[string]float64) Option {
	return func(g *Generator) {
		g.thresholds = t
	}
}

// WithCorrelationTolerance sets the absolute distance under which two metric
// values are reported as correlated.
func WithCorrelationTolerance(tol float64) Option {
	return func(g *Generator) {
		g.tolerance = tol
	}
}

func WithMaxInsights(n int) Option {
	return func(g *Generator) {
		if n > 0 {
			g.maxInsights = n
		}
	}
}

func WithCacheTTL(ttl time.Duration) Option {
	return func(g *Generator) {
		if ttl > 0 {
			g.ttl = ttl
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(g *Generator) {
		g.now = now
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(g *Generator) {
		g.logger = l
	}
}

func NewGenerator(engine *metrics.Engine, opts ...Option) *Generator {
	g := &Generator{
		engine:      engine,
		thresholds:  map[string]map[string]float64{},
		tolerance:   DefaultTolerance,
		maxInsights: DefaultMaxInsights,
		ttl:         DefaultCacheTTL,
		now:         time.Now,
		logger:      logger.Named("insights"),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.cache = memory.New("insights", g.ttl, memory.WithClock(g.now), memory.WithLogger(g.logger))
	return g
}

// GenerateInsights evaluates metricNames (DefaultMetrics when empty) over
// period (the trailing week when nil). Results are ranked by impact then
// confidence, capped, and cached per metric set and window.
func (g *Generator) GenerateInsights(ctx context.Context, metricNames []string, period *metrics.TimeRange) ([]Insight, error) {
	if len(metricNames) == 0 {
		metricNames = DefaultMetrics
	}
	names := append([]string(nil), metricNames...)
	sort.Strings(names)

	var key string
	if period == nil {
		key = fmt.Sprintf("insights:%s:trailing:%s", strings.Join(names, ","), defaultWindow)
	} else {
		if err := period.Validate(); err != nil {
			return nil, err
		}
		key = utils.QueryKey("insights:"+strings.Join(names, ","), period.Start, period.End, nil)
	}

	return memory.GetOrCompute(g.cache, key, func() ([]Insight, error) {
		r := metrics.TimeRange{Start: g.now().Add(-defaultWindow), End: g.now()}
		if period != nil {
			r = *period
		}

		users, err := g.engine.Users(ctx)
		if err != nil {
			return nil, err
		}
		return g.Evaluate(users, metricNames, r)
	})
}

// Evaluate is the uncached core of GenerateInsights.
func (g *Generator) Evaluate(users []models.UserRecord, metricNames []string, r metrics.TimeRange) ([]Insight, error) {
	now := g.now()
	var found []Insight
	current := make(map[string]*metrics.AggregatedMetric, len(metricNames))
	order := make([]string, 0, len(metricNames))

	for _, name := range metricNames {
		agg, err := metrics.AggregateWith(users, metrics.MetricQuery{
			Name:        name,
			Aggregation: DefaultAggregation(name),
			Range:       r,
		})
		if err != nil {
			return nil, err
		}
		current[name] = agg
		order = append(order, name)

		found = append(found, g.thresholdInsights(users, agg, now)...)
		found = append(found, trendInsights(agg, now)...)
		found = append(found, historyInsights(users, agg, now)...)
		found = append(found, predictionInsights(agg, now)...)
	}
	found = append(found, g.correlationInsights(order, current, now)...)

	rank(found)
	if len(found) > g.maxInsights {
		found = found[:g.maxInsights]
	}
	for _, in := range found {
		appmetrics.InsightsGenerated.WithLabelValues(string(in.InsightType), string(in.Impact)).Inc()
	}

	g.logger.Debug("Insights generated",
		zap.Strings("metrics", metricNames),
		zap.Time("start", r.Start),
		zap.Time("end", r.End),
		zap.Int("count", len(found)),
	)
	if found == nil {
		found = []Insight{}
	}
	return found, nil
}

// DefaultAggregation is the aggregation insights evaluate for a metric.
func DefaultAggregation(name string) metrics.AggregationType {
	switch name {
	case metrics.MetricMessageVolume:
		return metrics.AggregationSum
	case metrics.MetricResponseTime:
		return metrics.AggregationPercentile
	case metrics.MetricErrorRate, metrics.MetricSuccessRate, metrics.MetricScamDetectionRate:
		return metrics.AggregationRate
	case metrics.MetricActiveUsers:
		return metrics.AggregationUniqueCount
	default:
		return metrics.AggregationAverage
	}
}

// rank orders by impact severity, then confidence, both descending.
func rank(found []Insight) {
	sort.SliceStable(found, func(i, j int) bool {
		si, sj := severity[found[i].Impact], severity[found[j].Impact]
		if si != sj {
			return si > sj
		}
		return found[i].Confidence > found[j].Confidence
	})
}

func humanize(metric string) string {
	words := strings.Split(metric, "_")
	for i, w := range words {
		if w != "" {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return strings.Join(words, " ")
}

// violated reports whether value breaks the named threshold. spike and drop
// compare against the previous period's value.
func violated(name string, threshold, value, previous float64) bool {
	switch {
	case name == "spike":
		return previous > 0 && value/previous > threshold
	case name == "drop":
		return previous > 0 && value/previous < threshold
	case strings.HasPrefix(name, "min_"):
		return value < threshold
	default:
		return value > threshold
	}
}

func (g *Generator) thresholdInsights(users []models.UserRecord, agg *metrics.AggregatedMetric, now time.Time) []Insight {
	limits := g.thresholds[agg.MetricName]
	if len(limits) == 0 || agg.SampleSize == 0 {
		return nil
	}

	value := agg.Scalar()
	previous := 0.0
	if _, ok := limits["spike"]; ok {
		previous = previousValue(users, agg)
	} else if _, ok := limits["drop"]; ok {
		previous = previousValue(users, agg)
	}

	names := make([]string, 0, len(limits))
	for name := range limits {
		names = append(names, name)
	}
	sort.Strings(names)

	var found []Insight
	for _, name := range names {
		threshold := limits[name]
		if !violated(name, threshold, value, previous) {
			continue
		}

		impact := ImpactMedium
		if strings.Contains(name, "critical") {
			impact = ImpactHigh
		}

		found = append(found, Insight{
			Title:          fmt.Sprintf("%s breached %s", humanize(agg.MetricName), strings.ReplaceAll(name, "_", " ")),
			Description:    fmt.Sprintf("%s is %.2f against a %s threshold of %.2f", humanize(agg.MetricName), value, name, threshold),
			InsightType:    InsightAnomaly,
			Confidence:     thresholdConfidence,
			Impact:         impact,
			Recommendation: recommendation(agg.MetricName),
			SupportingData: map[string]interface{}{
				"metric":         agg.MetricName,
				"threshold_name": name,
				"threshold":      threshold,
				"value":          value,
				"previous_value": previous,
			},
			Timestamp: now,
		})
	}
	return found
}

func previousValue(users []models.UserRecord, agg *metrics.AggregatedMetric) float64 {
	prev, err := metrics.AggregateWith(users, metrics.MetricQuery{
		Name:        agg.MetricName,
		Aggregation: agg.AggregationType,
		Range:       agg.TimePeriod.Previous(),
		Dimensions:  agg.Dimensions,
	})
	if err != nil {
		return 0
	}
	return prev.Scalar()
}

func trendInsights(agg *metrics.AggregatedMetric, now time.Time) []Insight {
	if agg.TrendStrength == nil || agg.TrendDirection == metrics.TrendStable || *agg.TrendStrength <= trendMinStrength {
		return nil
	}

	strength := *agg.TrendStrength
	impact := ImpactMedium
	if strength > trendHighStrength {
		impact = ImpactHigh
	}

	direction := "increasing"
	if agg.TrendDirection == metrics.TrendDown {
		direction = "decreasing"
	}

	return []Insight{{
		Title:          fmt.Sprintf("%s is %s", humanize(agg.MetricName), direction),
		Description:    fmt.Sprintf("%s moved %s with strength %.2f compared to the previous period", humanize(agg.MetricName), agg.TrendDirection, strength),
		InsightType:    InsightTrend,
		Confidence:     strength,
		Impact:         impact,
		Recommendation: recommendation(agg.MetricName),
		SupportingData: map[string]interface{}{
			"metric":          agg.MetricName,
			"trend_direction": agg.TrendDirection,
			"trend_strength":  strength,
			"value":           agg.Scalar(),
		},
		Timestamp: now,
	}}
}

// historyInsights compares the value against the four preceding periods of
// the same length.
func historyInsights(users []models.UserRecord, agg *metrics.AggregatedMetric, now time.Time) []Insight {
	if agg.TimePeriod.Duration() <= 0 {
		return nil
	}

	history := make([]float64, 0, historyPeriods)
	window := agg.TimePeriod
	for i := 0; i < historyPeriods; i++ {
		window = window.Previous()
		past, err := metrics.AggregateWith(users, metrics.MetricQuery{
			Name:        agg.MetricName,
			Aggregation: agg.AggregationType,
			Range:       window,
			Dimensions:  agg.Dimensions,
		})
		if err != nil {
			return nil
		}
		history = append(history, past.Scalar())
	}

	mean, std := stat.MeanStdDev(history, nil)
	if std == 0 || math.IsNaN(std) {
		return nil
	}

	value := agg.Scalar()
	z := (value - mean) / std
	if math.Abs(z) <= anomalyZ {
		return nil
	}

	impact := ImpactHigh
	if math.Abs(z) > criticalZ {
		impact = ImpactCritical
	}

	direction := "above"
	if z < 0 {
		direction = "below"
	}

	return []Insight{{
		Title:          fmt.Sprintf("Unusual %s", strings.ToLower(humanize(agg.MetricName))),
		Description:    fmt.Sprintf("%s is %.2f, %.1f standard deviations %s the historical mean of %.2f", humanize(agg.MetricName), value, math.Abs(z), direction, mean),
		InsightType:    InsightAnomaly,
		Confidence:     math.Min(math.Abs(z)/3, 1),
		Impact:         impact,
		Recommendation: recommendation(agg.MetricName),
		SupportingData: map[string]interface{}{
			"metric":          agg.MetricName,
			"value":           value,
			"historical":      history,
			"historical_mean": mean,
			"z_score":         z,
		},
		Timestamp: now,
	}}
}

// correlationInsights pairs metrics whose current values are numerically
// close. This is a proximity heuristic, not a measure of co-variation.
func (g *Generator) correlationInsights(order []string, current map[string]*metrics.AggregatedMetric, now time.Time) []Insight {
	var found []Insight
	for i := 0; i < len(order); i++ {
		for j := i + 1; j < len(order); j++ {
			a, b := current[order[i]], current[order[j]]
			if a.SampleSize == 0 || b.SampleSize == 0 {
				continue
			}

			va, vb := a.Scalar(), b.Scalar()
			if va == 0 || vb == 0 || math.Abs(va-vb) > g.tolerance {
				continue
			}

			found = append(found, Insight{
				Title:          fmt.Sprintf("%s and %s move together", humanize(a.MetricName), humanize(b.MetricName)),
				Description:    fmt.Sprintf("%s (%.2f) and %s (%.2f) are within %.2f of each other", humanize(a.MetricName), va, humanize(b.MetricName), vb, g.tolerance),
				InsightType:    InsightCorrelation,
				Confidence:     correlationConfidence,
				Impact:         ImpactLow,
				Recommendation: "Review both metrics together before acting on either",
				SupportingData: map[string]interface{}{
					"metrics":     []string{a.MetricName, b.MetricName},
					"values":      []float64{va, vb},
					"tolerance":   g.tolerance,
					"method":      "value_proximity",
					"approximate": true,
				},
				Timestamp: now,
			})
		}
	}
	return found
}

// predictionInsights extrapolates one period ahead, capping the change at 10%.
func predictionInsights(agg *metrics.AggregatedMetric, now time.Time) []Insight {
	if agg.TrendStrength == nil || agg.TrendDirection == metrics.TrendStable || *agg.TrendStrength == 0 {
		return nil
	}

	strength := *agg.TrendStrength
	change := math.Min(strength, maxPredictedChange)
	if agg.TrendDirection == metrics.TrendDown {
		change = -change
	}

	value := agg.Scalar()
	predicted := value * (1 + change)

	impact := ImpactLow
	if strength > trendHighStrength {
		impact = ImpactMedium
	}

	return []Insight{{
		Title:          fmt.Sprintf("%s forecast", humanize(agg.MetricName)),
		Description:    fmt.Sprintf("%s is expected to reach %.2f next period (%+.1f%%)", humanize(agg.MetricName), predicted, change*100),
		InsightType:    InsightPrediction,
		Confidence:     strength * 0.8,
		Impact:         impact,
		Recommendation: recommendation(agg.MetricName),
		SupportingData: map[string]interface{}{
			"metric":          agg.MetricName,
			"current_value":   value,
			"predicted_value": predicted,
			"change":          change,
		},
		Timestamp: now,
	}}
}

func recommendation(metric string) string {
	switch metric {
	case metrics.MetricResponseTime:
		return "Check classifier latency and document download times"
	case metrics.MetricErrorRate:
		return "Inspect the error breakdown for the failing integration"
	case metrics.MetricSuccessRate:
		return "Review failed interactions and retry behaviour"
	case metrics.MetricScamDetectionRate:
		return "Review recent Likely Scam postings for a new campaign and consider blocking repeat senders"
	case metrics.MetricMessageVolume:
		return "Confirm capacity and rate limits match the current message volume"
	case metrics.MetricActiveUsers:
		return "Compare against onboarding and outreach activity"
	default:
		return "Monitor this metric over the next period"
	}
}
