package handlers

import (
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/scamguard/backend/internal/analytics/clustering"
	"github.com/scamguard/backend/internal/analytics/insights"
	"github.com/scamguard/backend/internal/analytics/metrics"
	"github.com/scamguard/backend/internal/analytics/patterns"
	"github.com/scamguard/backend/internal/middleware/validation"
	apperrors "github.com/scamguard/backend/pkg/errors"
)

type AnalyticsHandler struct {
	metrics  *metrics.Engine
	patterns *patterns.Detector
	clusters *clustering.Engine
	insights *insights.Generator
}

func NewAnalyticsHandler(m *metrics.Engine, p *patterns.Detector, c *clustering.Engine, g *insights.Generator) *AnalyticsHandler {
	return &AnalyticsHandler{
		metrics:  m,
		patterns: p,
		clusters: c,
		insights: g,
	}
}

func (h *AnalyticsHandler) Dashboard(c *fiber.Ctx) error {
	overview, err := h.metrics.DashboardOverview(c.UserContext())
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(overview)
}

func (h *AnalyticsHandler) Trends(c *fiber.Ctx) error {
	start, err := optionalTime(c, "start")
	if err != nil {
		return respondError(c, err)
	}
	end, err := optionalTime(c, "end")
	if err != nil {
		return respondError(c, err)
	}

	trends, err := h.metrics.AnalyticsTrends(c.UserContext(), c.Query("period", "week"), start, end)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(trends)
}

func (h *AnalyticsHandler) Usage(c *fiber.Ctx) error {
	start, err := optionalTime(c, "start")
	if err != nil {
		return respondError(c, err)
	}
	end, err := optionalTime(c, "end")
	if err != nil {
		return respondError(c, err)
	}

	stats, err := h.metrics.UsageStatistics(c.UserContext(), start, end)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(stats)
}

func (h *AnalyticsHandler) Aggregate(c *fiber.Ctx) error {
	var q metrics.MetricQuery
	if err := validation.Bind(c, &q); err != nil {
		return respondError(c, err)
	}

	result, err := h.metrics.Aggregate(c.UserContext(), q)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(result)
}

type patternRequest struct {
	// Metric is a recorded series key such as "message_volume:sum". Points,
	// when given, are analysed instead.
	Metric       string          `json:"metric"`
	Points       []metrics.Point `json:"points"`
	LookbackDays int             `json:"lookback_days" validate:"gte=0"`
}

func (h *AnalyticsHandler) Patterns(c *fiber.Ctx) error {
	var req patternRequest
	if err := validation.Bind(c, &req); err != nil {
		return respondError(c, err)
	}

	series := req.Points
	if len(series) == 0 {
		if req.Metric == "" {
			return respondError(c, apperrors.NewValidationError("MISSING_SERIES", "either metric or points is required"))
		}
		series = h.metrics.Series().Points(req.Metric, time.Time{})
	}

	found := h.patterns.DetectPatterns(series, req.LookbackDays)
	return c.JSON(fiber.Map{
		"points":   len(series),
		"patterns": found,
	})
}

type clusterRequest struct {
	// Users are clustered as given; without them features are extracted
	// from the store for the window.
	Users        []clustering.UserFeatures `json:"users"`
	FeatureNames []string                  `json:"feature_names"`
	Start        *time.Time                `json:"start"`
	End          *time.Time                `json:"end"`
}

func (h *AnalyticsHandler) Clusters(c *fiber.Ctx) error {
	var req clusterRequest
	if err := validation.Bind(c, &req); err != nil {
		return respondError(c, err)
	}

	features := req.FeatureNames
	if len(features) == 0 {
		features = clustering.DefaultFeatures
	}

	users := req.Users
	if len(users) == 0 {
		end := h.metrics.Now()
		if req.End != nil {
			end = *req.End
		}
		start := end.Add(-30 * 24 * time.Hour)
		if req.Start != nil {
			start = *req.Start
		}
		r, err := metrics.NewTimeRange(start, end)
		if err != nil {
			return respondError(c, err)
		}

		records, err := h.metrics.Users(c.UserContext())
		if err != nil {
			return respondError(c, err)
		}
		users = clustering.ExtractFeatures(records, r)
	}

	result := h.clusters.ClusterUsers(users, features)
	return c.JSON(fiber.Map{
		"result":   result,
		"segments": h.clusters.IdentifyUserSegments(result),
	})
}

func (h *AnalyticsHandler) Insights(c *fiber.Ctx) error {
	var names []string
	if raw := validation.Query(c, "metrics"); raw != "" {
		for _, n := range strings.Split(raw, ",") {
			if n = strings.TrimSpace(n); n != "" {
				names = append(names, n)
			}
		}
	}

	start, err := optionalTime(c, "start")
	if err != nil {
		return respondError(c, err)
	}
	end, err := optionalTime(c, "end")
	if err != nil {
		return respondError(c, err)
	}

	var period *metrics.TimeRange
	if start != nil || end != nil {
		if start == nil || end == nil {
			return respondError(c, apperrors.NewValidationError("INVALID_TIME_RANGE", "start and end must be given together"))
		}
		r, err := metrics.NewTimeRange(*start, *end)
		if err != nil {
			return respondError(c, err)
		}
		period = &r
	}

	found, err := h.insights.GenerateInsights(c.UserContext(), names, period)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{
		"count":    len(found),
		"insights": found,
	})
}
