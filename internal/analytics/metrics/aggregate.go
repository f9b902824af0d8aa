package metrics

import (
	"fmt"

	"github.com/scamguard/backend/internal/storage/models"
	apperrors "github.com/scamguard/backend/pkg/errors"
)

// Dimension keys accepted by MetricQuery.
const (
	DimensionMessageType    = "message_type"
	DimensionClassification = "classification"
	DimensionGroupBy        = "group_by"
)

const unclassified = "Unclassified"

type sampleSet struct {
	values       []float64
	groups       map[string]float64
	users        map[string]struct{}
	interactions int
}

func isKnownMetric(name string) bool {
	for _, m := range KnownMetrics {
		if m == name {
			return true
		}
	}
	return false
}

func SeriesKey(metric string, agg AggregationType) string {
	return metric + ":" + string(agg)
}

func matchesDimensions(in *models.Interaction, dims map[string]string) bool {
	if mt, ok := dims[DimensionMessageType]; ok && mt != "" && string(in.MessageType) != mt {
		return false
	}
	if c, ok := dims[DimensionClassification]; ok && c != "" {
		if !in.HasAnalysis() || in.AnalysisResult.Classification != c {
			return false
		}
	}
	return true
}

func groupKey(in *models.Interaction, r TimeRange, groupBy string) string {
	switch groupBy {
	case DimensionClassification:
		if in.HasAnalysis() {
			return in.AnalysisResult.Classification
		}
		return unclassified
	case "hour":
		return fmt.Sprintf("%02d", in.Timestamp.In(r.Start.Location()).Hour())
	case "weekday":
		return in.Timestamp.In(r.Start.Location()).Weekday().String()
	default:
		return string(in.MessageType)
	}
}

// sampleOf returns the per-interaction sample for rate, score and timing
// metrics, and false when the interaction does not contribute.
func sampleOf(name string, in *models.Interaction) (float64, bool) {
	switch name {
	case MetricResponseTime:
		return in.ResponseTime, in.ResponseTime > 0
	case MetricErrorRate:
		return indicator(!in.WasSuccessful), true
	case MetricSuccessRate:
		return indicator(in.WasSuccessful), true
	case MetricScamDetectionRate:
		if !in.HasAnalysis() {
			return 0, false
		}
		return indicator(in.AnalysisResult.Classification == models.ClassificationLikelyScam), true
	case MetricTrustScore:
		if !in.HasAnalysis() {
			return 0, false
		}
		return in.AnalysisResult.TrustScore, true
	}
	return 0, false
}

func indicator(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func collect(users []models.UserRecord, name string, r TimeRange, dims map[string]string) sampleSet {
	set := sampleSet{
		groups: make(map[string]float64),
		users:  make(map[string]struct{}),
	}
	groupBy := dims[DimensionGroupBy]

	perUser := make(map[string]int)
	perDay := make(map[string]int)
	groupUsers := make(map[string]map[string]struct{})
	loc := r.Start.Location()

	forEachInRange(users, r, func(u *models.UserRecord, in *models.Interaction) {
		if !matchesDimensions(in, dims) {
			return
		}

		switch name {
		case MetricMessageVolume:
			perDay[in.Timestamp.In(loc).Format(dateLayout)]++
		case MetricActiveUsers:
			perUser[u.PhoneNumber]++
			key := groupKey(in, r, groupBy)
			if groupUsers[key] == nil {
				groupUsers[key] = make(map[string]struct{})
			}
			groupUsers[key][u.PhoneNumber] = struct{}{}
		default:
			v, ok := sampleOf(name, in)
			if !ok {
				return
			}
			set.values = append(set.values, v)
		}

		set.interactions++
		set.users[u.PhoneNumber] = struct{}{}
		if name != MetricActiveUsers {
			set.groups[groupKey(in, r, groupBy)]++
		}
	})

	switch name {
	case MetricMessageVolume:
		days := calendarDays(r)
		set.values = make([]float64, len(days))
		for i, d := range days {
			set.values[i] = float64(perDay[d])
		}
	case MetricActiveUsers:
		for _, n := range perUser {
			set.values = append(set.values, float64(n))
		}
		for key, members := range groupUsers {
			set.groups[key] = float64(len(members))
		}
	}

	return set
}

func reduce(agg AggregationType, set sampleSet) (interface{}, *ConfidenceInterval, error) {
	switch agg {
	case AggregationSum:
		return Sum(set.values), nil, nil
	case AggregationAverage:
		return Mean(set.values), MeanConfidenceInterval(set.values), nil
	case AggregationRate:
		return Mean(set.values) * 100, nil, nil
	case AggregationPercentile:
		return map[string]float64{
			"p50": Percentile(set.values, 0.50),
			"p75": Percentile(set.values, 0.75),
			"p90": Percentile(set.values, 0.90),
			"p95": Percentile(set.values, 0.95),
			"p99": Percentile(set.values, 0.99),
		}, nil, nil
	case AggregationDistribution:
		return set.groups, nil, nil
	case AggregationUniqueCount:
		return float64(len(set.users)), nil, nil
	case AggregationVariance:
		return Variance(set.values), nil, nil
	}
	return nil, nil, apperrors.NewValidationError("UNKNOWN_AGGREGATION",
		fmt.Sprintf("unknown aggregation type %q", agg))
}

// AggregateWith computes q over an already loaded user collection. Trend fields
// compare against the preceding equal-length period and are omitted for
// distributions and zero-length windows.
func AggregateWith(users []models.UserRecord, q MetricQuery) (*AggregatedMetric, error) {
	if err := q.Range.Validate(); err != nil {
		return nil, err
	}
	if !isKnownMetric(q.Name) {
		return nil, apperrors.NewValidationError("UNKNOWN_METRIC", fmt.Sprintf("unknown metric %q", q.Name)).
			WithDetails(map[string]interface{}{"known_metrics": KnownMetrics})
	}

	set := collect(users, q.Name, q.Range, q.Dimensions)
	value, ci, err := reduce(q.Aggregation, set)
	if err != nil {
		return nil, err
	}

	dims := make(map[string]string, len(q.Dimensions))
	for k, v := range q.Dimensions {
		dims[k] = v
	}

	result := &AggregatedMetric{
		MetricName:         q.Name,
		AggregationType:    q.Aggregation,
		Value:              value,
		TimePeriod:         q.Range,
		Dimensions:         dims,
		SampleSize:         set.interactions,
		ConfidenceInterval: ci,
	}

	if q.Aggregation != AggregationDistribution && q.Range.Duration() > 0 {
		prevSet := collect(users, q.Name, q.Range.Previous(), q.Dimensions)
		prevValue, _, _ := reduce(q.Aggregation, prevSet)
		prev := AggregatedMetric{Value: prevValue}

		direction, strength := ComputeTrend(result.Scalar(), prev.Scalar())
		result.TrendDirection = direction
		result.TrendStrength = &strength
	}

	return result, nil
}
