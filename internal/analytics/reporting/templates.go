package reporting

import (
	"fmt"

	apperrors "github.com/scamguard/backend/pkg/errors"
)

// Section identifiers understood by the engine.
const (
	SectionOverview                = "overview"
	SectionKeyMetrics              = "key_metrics"
	SectionClassificationBreakdown = "classification_breakdown"
	SectionInsights                = "insights"
	SectionResponseTimes           = "response_times"
	SectionSystemHealth            = "system_health"
	SectionDailyVolume             = "daily_volume"
	SectionPatterns                = "patterns"
	SectionScamTrends              = "scam_trends"
	SectionErrorAnalysis           = "error_analysis"
	SectionBlockedUsers            = "blocked_users"
	SectionUsageOverview           = "usage_overview"
	SectionUserEngagement          = "user_engagement"
	SectionPeakHours               = "peak_hours"
	SectionUserSegments            = "user_segments"
)

func builtinTemplates() []Template {
	return []Template{
		{
			Name:       "executive_summary",
			Title:      "Executive Summary",
			ReportType: ReportExecutive,
			Sections: []string{
				SectionOverview,
				SectionKeyMetrics,
				SectionClassificationBreakdown,
				SectionInsights,
			},
			DefaultFormat: FormatHTML,
			Parameters: map[string]interface{}{
				ParamInsightLimit: DefaultInsightLimit,
			},
		},
		{
			Name:       "performance_report",
			Title:      "Performance Report",
			ReportType: ReportPerformance,
			Sections: []string{
				SectionResponseTimes,
				SectionSystemHealth,
				SectionDailyVolume,
				SectionPatterns,
			},
			DefaultFormat: FormatJSON,
			Parameters: map[string]interface{}{
				ParamInsightLimit: DefaultInsightLimit,
				ParamLookbackDays: 0,
			},
		},
		{
			Name:       "security_report",
			Title:      "Security Report",
			ReportType: ReportSecurity,
			Sections: []string{
				SectionClassificationBreakdown,
				SectionScamTrends,
				SectionErrorAnalysis,
				SectionBlockedUsers,
			},
			DefaultFormat: FormatHTML,
			Parameters: map[string]interface{}{
				ParamInsightLimit: DefaultInsightLimit,
				ParamMaxBlocked:   25,
			},
		},
		{
			Name:       "usage_report",
			Title:      "Usage Report",
			ReportType: ReportGeneral,
			Sections: []string{
				SectionUsageOverview,
				SectionUserEngagement,
				SectionPeakHours,
				SectionDailyVolume,
				SectionUserSegments,
			},
			DefaultFormat: FormatCSV,
			Parameters: map[string]interface{}{
				ParamInsightLimit:   DefaultInsightLimit,
				ParamIncludeMembers: false,
			},
		},
	}
}

// mergeParameters overlays call-supplied values on the template defaults.
func mergeParameters(defaults, overrides map[string]interface{}) map[string]interface{} {
	merged := make(map[string]interface{}, len(defaults)+len(overrides))
	for k, v := range defaults {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	return merged
}

// nonNegativeParams must be zero or more when set.
var nonNegativeParams = []string{ParamMaxBlocked, ParamLookbackDays}

func validateParameters(params map[string]interface{}) error {
	for _, key := range nonNegativeParams {
		if _, set := params[key]; !set {
			continue
		}
		if n := intParam(params, key, 0); n < 0 {
			return apperrors.NewValidationError("INVALID_PARAMETER",
				fmt.Sprintf("parameter %q must not be negative, got %d", key, n)).
				WithDetails(map[string]interface{}{"parameter": key})
		}
	}
	return nil
}

func intParam(params map[string]interface{}, key string, def int) int {
	switch v := params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

func boolParam(params map[string]interface{}, key string) bool {
	v, _ := params[key].(bool)
	return v
}

func stringParam(params map[string]interface{}, key, def string) string {
	if v, ok := params[key].(string); ok && v != "" {
		return v
	}
	return def
}
