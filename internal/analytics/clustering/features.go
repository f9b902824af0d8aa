package clustering

import (
	"github.com/scamguard/backend/internal/analytics/metrics"
	"github.com/scamguard/backend/internal/storage/models"
)

// Behavioral features produced by ExtractFeatures.
const (
	FeatureTotalInteractions = "total_interactions"
	FeaturePDFRatio          = "pdf_ratio"
	FeatureSuccessRate       = "success_rate"
	FeatureAvgResponseTime   = "avg_response_time"
	FeatureScamRate          = "scam_rate"
	FeatureSuspiciousRate    = "suspicious_rate"
	FeatureActiveDays        = "active_days"
)

var DefaultFeatures = []string{
	FeatureTotalInteractions,
	FeaturePDFRatio,
	FeatureSuccessRate,
	FeatureAvgResponseTime,
	FeatureScamRate,
	FeatureSuspiciousRate,
	FeatureActiveDays,
}

// ExtractFeatures builds a feature vector for every user with at least one
// interaction in r. Rates are fractions in [0,1].
func ExtractFeatures(users []models.UserRecord, r metrics.TimeRange) []UserFeatures {
	out := make([]UserFeatures, 0, len(users))
	loc := r.Start.Location()

	for _, u := range users {
		var total, pdf, ok, analysed, scam, suspicious, timed int
		var responseTotal float64
		days := make(map[string]struct{})

		for _, in := range u.Interactions {
			if !r.Contains(in.Timestamp) {
				continue
			}
			total++
			days[in.Timestamp.In(loc).Format("2006-01-02")] = struct{}{}
			if in.MessageType == models.MessageTypePDF {
				pdf++
			}
			if in.WasSuccessful {
				ok++
			}
			if in.ResponseTime > 0 {
				responseTotal += in.ResponseTime
				timed++
			}
			if in.HasAnalysis() {
				analysed++
				switch in.AnalysisResult.Classification {
				case models.ClassificationLikelyScam:
					scam++
				case models.ClassificationSuspicious:
					suspicious++
				}
			}
		}

		if total == 0 {
			continue
		}

		f := map[string]float64{
			FeatureTotalInteractions: float64(total),
			FeaturePDFRatio:          float64(pdf) / float64(total),
			FeatureSuccessRate:       float64(ok) / float64(total),
			FeatureActiveDays:        float64(len(days)),
		}
		f[FeatureAvgResponseTime] = ratio(responseTotal, timed)
		f[FeatureScamRate] = ratio(float64(scam), analysed)
		f[FeatureSuspiciousRate] = ratio(float64(suspicious), analysed)

		out = append(out, UserFeatures{UserID: u.PhoneNumber, Features: f})
	}
	return out
}

func ratio(num float64, den int) float64 {
	if den == 0 {
		return 0
	}
	return num / float64(den)
}
