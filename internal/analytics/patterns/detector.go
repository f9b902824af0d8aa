package patterns

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/scamguard/backend/internal/analytics/metrics"
	appmetrics "github.com/scamguard/backend/internal/metrics"
	"github.com/scamguard/backend/pkg/logger"
)

type PatternType string

const (
	PatternSeasonal    PatternType = "seasonal"
	PatternCyclical    PatternType = "cyclical"
	PatternTrend       PatternType = "trend"
	PatternSpike       PatternType = "spike"
	PatternDrop        PatternType = "drop"
	PatternPlateau     PatternType = "plateau"
	PatternOscillation PatternType = "oscillation"
	PatternStepChange  PatternType = "step_change"
)

const (
	MinPoints = 10

	trendMaxPValue         = 0.05
	trendMinCorrelation    = 0.5
	dailyCVThreshold       = 0.2
	weeklyCVThreshold      = 0.15
	weeklyMinPoints        = 168
	anomalyZThreshold      = 2.5
	stepThresholdStdDevs   = 3.0
	stepConfirmationStdDev = 2.0
)

type DetectedPattern struct {
	PatternType    PatternType            `json:"pattern_type"`
	Confidence     float64                `json:"confidence"`
	StartTime      time.Time              `json:"start_time"`
	EndTime        time.Time              `json:"end_time"`
	Magnitude      float64                `json:"magnitude"`
	Description    string                 `json:"description"`
	SupportingData map[string]interface{} `json:"supporting_data"`
}

// Detector finds patterns in a single metric series. It holds no state
// between calls.
type Detector struct {
	now    func() time.Time
	logger *zap.Logger
}

type Option func(*Detector)

func WithClock(now func() time.Time) Option {
	return func(d *Detector) {
		d.now = now
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(d *Detector) {
		d.logger = l
	}
}

func NewDetector(opts ...Option) *Detector {
	d := &Detector{
		now:    time.Now,
		logger: logger.Named("pattern_detector"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// DetectPatterns runs every detector over the points inside the lookback
// window and concatenates the results. Overlapping patterns are expected.
// A non-positive lookback uses the whole series.
func (d *Detector) DetectPatterns(series []metrics.Point, lookbackDays int) []DetectedPattern {
	points := d.window(series, lookbackDays)
	if len(points) < MinPoints {
		d.logger.Debug("Not enough points for pattern detection",
			zap.Int("points", len(points)),
			zap.Int("required", MinPoints),
		)
		return []DetectedPattern{}
	}

	found := make([]DetectedPattern, 0)
	found = append(found, detectTrend(points)...)
	found = append(found, detectDailySeasonality(points)...)
	found = append(found, detectWeeklySeasonality(points)...)
	found = append(found, detectAnomalies(points)...)
	found = append(found, detectStepChanges(points)...)

	for _, p := range found {
		appmetrics.PatternsDetected.WithLabelValues(string(p.PatternType)).Inc()
	}

	d.logger.Debug("Pattern detection complete",
		zap.Int("points", len(points)),
		zap.Int("patterns", len(found)),
	)
	return found
}

// PatternsForMetric runs DetectPatterns over a recorded metric history.
func (d *Detector) PatternsForMetric(ts *metrics.TimeSeries, name string, lookbackDays int) []DetectedPattern {
	return d.DetectPatterns(ts.Points(name, time.Time{}), lookbackDays)
}

func (d *Detector) window(series []metrics.Point, lookbackDays int) []metrics.Point {
	points := make([]metrics.Point, 0, len(series))
	if lookbackDays <= 0 {
		points = append(points, series...)
	} else {
		cutoff := d.now().AddDate(0, 0, -lookbackDays)
		for _, p := range series {
			if !p.Timestamp.Before(cutoff) {
				points = append(points, p)
			}
		}
	}

	sort.SliceStable(points, func(i, j int) bool {
		return points[i].Timestamp.Before(points[j].Timestamp)
	})
	return points
}

func values(points []metrics.Point) []float64 {
	v := make([]float64, len(points))
	for i, p := range points {
		v[i] = p.Value
	}
	return v
}

func detectTrend(points []metrics.Point) []DetectedPattern {
	n := len(points)
	y := values(points)
	x := make([]float64, n)
	for i := range x {
		x[i] = float64(i)
	}

	r := stat.Correlation(x, y, nil)
	if math.IsNaN(r) {
		return nil
	}
	_, slope := stat.LinearRegression(x, y, nil, false)
	p := correlationPValue(r, n)

	if p >= trendMaxPValue || math.Abs(r) <= trendMinCorrelation {
		return nil
	}

	direction := "up"
	if slope <= 0 {
		direction = "down"
	}

	return []DetectedPattern{{
		PatternType: PatternTrend,
		Confidence:  math.Min(1, math.Abs(r)),
		StartTime:   points[0].Timestamp,
		EndTime:     points[n-1].Timestamp,
		Magnitude:   math.Abs(slope) * float64(n),
		Description: fmt.Sprintf("Significant %s trend (slope %.4f per point, r=%.2f)", direction, slope, r),
		SupportingData: map[string]interface{}{
			"slope":       slope,
			"r_value":     r,
			"p_value":     p,
			"direction":   direction,
			"data_points": n,
		},
	}}
}

// correlationPValue is the two-sided p-value of Pearson r with n-2 degrees of freedom.
func correlationPValue(r float64, n int) float64 {
	if n < 3 {
		return 1
	}
	if math.Abs(r) >= 1 {
		return 0
	}
	t := r * math.Sqrt(float64(n-2)/(1-r*r))
	dist := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: float64(n - 2)}
	return 2 * (1 - dist.CDF(math.Abs(t)))
}

type bucketStats struct {
	key   int
	mean  float64
	count int
}

// seasonality groups values by key and returns the mean per-bucket coefficient
// of variation. Buckets with fewer than two values or a zero mean are skipped.
func seasonality(points []metrics.Point, keyOf func(time.Time) int) (float64, []bucketStats) {
	groups := make(map[int][]float64)
	for _, p := range points {
		k := keyOf(p.Timestamp)
		groups[k] = append(groups[k], p.Value)
	}

	var cvs []float64
	buckets := make([]bucketStats, 0, len(groups))
	for k, vals := range groups {
		mean := stat.Mean(vals, nil)
		buckets = append(buckets, bucketStats{key: k, mean: mean, count: len(vals)})
		if len(vals) < 2 || mean == 0 {
			continue
		}
		cvs = append(cvs, stat.StdDev(vals, nil)/math.Abs(mean))
	}

	sort.Slice(buckets, func(i, j int) bool {
		if buckets[i].mean != buckets[j].mean {
			return buckets[i].mean > buckets[j].mean
		}
		return buckets[i].key < buckets[j].key
	})

	if len(cvs) == 0 {
		return 0, buckets
	}
	return stat.Mean(cvs, nil), buckets
}

func detectDailySeasonality(points []metrics.Point) []DetectedPattern {
	cv, buckets := seasonality(points, func(t time.Time) int { return t.Hour() })
	if cv <= dailyCVThreshold {
		return nil
	}

	peaks := make([]int, 0, 3)
	for i := 0; i < len(buckets) && i < 3; i++ {
		peaks = append(peaks, buckets[i].key)
	}

	return []DetectedPattern{{
		PatternType: PatternSeasonal,
		Confidence:  math.Min(1, cv),
		StartTime:   points[0].Timestamp,
		EndTime:     points[len(points)-1].Timestamp,
		Magnitude:   cv,
		Description: fmt.Sprintf("Daily pattern with peaks at hours %v", peaks),
		SupportingData: map[string]interface{}{
			"period":     "daily",
			"peak_hours": peaks,
			"mean_cv":    cv,
		},
	}}
}

func detectWeeklySeasonality(points []metrics.Point) []DetectedPattern {
	if len(points) < weeklyMinPoints {
		return nil
	}

	// Monday-first index keeps ties in calendar order.
	cv, buckets := seasonality(points, func(t time.Time) int { return (int(t.Weekday()) + 6) % 7 })
	if cv <= weeklyCVThreshold {
		return nil
	}

	peaks := make([]string, 0, 2)
	for i := 0; i < len(buckets) && i < 2; i++ {
		peaks = append(peaks, metrics.WeekdayName(buckets[i].key))
	}

	return []DetectedPattern{{
		PatternType: PatternSeasonal,
		Confidence:  math.Min(1, cv*1.2),
		StartTime:   points[0].Timestamp,
		EndTime:     points[len(points)-1].Timestamp,
		Magnitude:   cv,
		Description: fmt.Sprintf("Weekly pattern with peaks on %s", strings.Join(peaks, " and ")),
		SupportingData: map[string]interface{}{
			"period":    "weekly",
			"peak_days": peaks,
			"mean_cv":   cv,
		},
	}}
}

func anomalyWindow(n int) int {
	return min(24, max(5, n/10))
}

// detectAnomalies flags points far from a centered rolling mean. Points
// whose window would run past either end are not scored.
func detectAnomalies(points []metrics.Point) []DetectedPattern {
	y := values(points)
	n := len(y)
	w := anomalyWindow(n)

	var found []DetectedPattern
	for i := range y {
		start := i - w/2
		end := start + w - 1
		if start < 0 || end >= n {
			continue
		}

		mean, std := stat.MeanStdDev(y[start:end+1], nil)
		if std == 0 {
			std = 1
		}

		z := (y[i] - mean) / std
		if math.Abs(z) <= anomalyZThreshold {
			continue
		}

		kind, label := PatternSpike, "Spike"
		if z < 0 {
			kind, label = PatternDrop, "Drop"
		}

		found = append(found, DetectedPattern{
			PatternType: kind,
			Confidence:  math.Min(1, math.Abs(z)/5),
			StartTime:   points[i].Timestamp,
			EndTime:     points[i].Timestamp,
			Magnitude:   math.Abs(y[i] - mean),
			Description: fmt.Sprintf("%s detected: value %.2f vs expected %.2f (z=%.2f)", label, y[i], mean, z),
			SupportingData: map[string]interface{}{
				"value":         y[i],
				"expected":      mean,
				"z_score":       z,
				"window_size":   w,
				"rolling_stdev": std,
			},
		})
	}
	return found
}

// detectStepChanges runs a two-sided CUSUM over first differences centered
// on their median. A trigger is confirmed by comparing the segment means on
// either side of it, bounded by the anomaly window.
func detectStepChanges(points []metrics.Point) []DetectedPattern {
	y := values(points)
	n := len(y)

	diff := make([]float64, n-1)
	for i := range diff {
		diff[i] = y[i+1] - y[i]
	}

	sd := stat.StdDev(diff, nil)
	if sd == 0 || math.IsNaN(sd) {
		return nil
	}
	threshold := stepThresholdStdDevs * sd

	sorted := append([]float64(nil), diff...)
	sort.Float64s(sorted)
	center := stat.Quantile(0.5, stat.Empirical, sorted, nil)

	w := anomalyWindow(n)
	last := 0
	var pos, neg float64
	var found []DetectedPattern

	for i, d := range diff {
		pos = math.Max(0, pos+d-center)
		neg = math.Min(0, neg+d-center)
		if pos <= threshold && neg >= -threshold {
			continue
		}
		pos, neg = 0, 0

		cp := i + 1
		before := stat.Mean(y[max(last, cp-w):cp], nil)
		after := stat.Mean(y[cp:min(n, cp+w)], nil)
		change := after - before

		if math.Abs(change) <= stepConfirmationStdDev*sd {
			continue
		}
		last = cp

		found = append(found, DetectedPattern{
			PatternType: PatternStepChange,
			Confidence:  math.Min(1, math.Abs(change)/threshold),
			StartTime:   points[cp].Timestamp,
			EndTime:     points[min(n, cp+w)-1].Timestamp,
			Magnitude:   math.Abs(change),
			Description: fmt.Sprintf("Level shift from %.2f to %.2f", before, after),
			SupportingData: map[string]interface{}{
				"change_index": cp,
				"before_mean":  before,
				"after_mean":   after,
				"threshold":    threshold,
			},
		})
	}
	return found
}
