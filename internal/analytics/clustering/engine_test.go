package clustering

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/scamguard/backend/internal/analytics/metrics"
	"github.com/scamguard/backend/internal/storage/models"
)

func syntheticUsers(n int) []UserFeatures {
	users := make([]UserFeatures, n)
	for i := range users {
		var f map[string]float64
		switch i % 3 {
		case 0:
			f = map[string]float64{"total_interactions": 50 + float64(i%5), "scam_rate": 0.9, "pdf_ratio": 0.1}
		case 1:
			f = map[string]float64{"total_interactions": 2 + float64(i%2), "scam_rate": 0.05, "pdf_ratio": 0.8}
		default:
			f = map[string]float64{"total_interactions": 10, "scam_rate": 0.4}
		}
		users[i] = UserFeatures{UserID: fmt.Sprintf("user-%02d", i), Features: f}
	}
	return users
}

func TestClusterUsersInsufficientData(t *testing.T) {
	e := NewEngine(WithLogger(zaptest.NewLogger(t)))

	result := e.ClusterUsers(syntheticUsers(15), []string{"total_interactions"})

	assert.Equal(t, &Result{Success: false, Reason: "Insufficient data for clustering"}, result)
	assert.Empty(t, e.IdentifyUserSegments(result))
}

func TestClusterCount(t *testing.T) {
	assert.Equal(t, 2, ClusterCount(20))
	assert.Equal(t, 2, ClusterCount(29))
	assert.Equal(t, 3, ClusterCount(30))
	assert.Equal(t, 3, ClusterCount(1000))
	assert.Equal(t, 1, ClusterCount(5))
}

func TestClusterUsers(t *testing.T) {
	e := NewEngine(WithLogger(zaptest.NewLogger(t)))
	features := []string{"total_interactions", "scam_rate", "pdf_ratio"}
	users := syntheticUsers(30)

	result := e.ClusterUsers(users, features)
	require.True(t, result.Success)
	assert.Equal(t, 3, result.NClusters)
	require.Len(t, result.Clusters, 3)

	total := 0
	pct := 0.0
	for _, c := range result.Clusters {
		total += c.Size
		pct += c.Percentage
		assert.Len(t, c.Centroid, len(features))
		assert.Len(t, c.FeatureMeans, len(features))
		assert.Equal(t, 10, c.Size, "well separated groups are recovered")
	}
	assert.Equal(t, 30, total)
	assert.InDelta(t, 100, pct, 1e-9)

	again := e.ClusterUsers(users, features)
	assert.Equal(t, result, again, "fixed seed is reproducible")
}

func TestIdentifyUserSegments(t *testing.T) {
	e := NewEngine(WithLogger(zaptest.NewLogger(t)))
	result := &Result{
		Success:      true,
		NClusters:    1,
		TotalUsers:   20,
		FeatureNames: []string{"a_b", "c", "d", "e", "f_g", "h", "i"},
		Clusters: []Cluster{{
			ID: 0, Size: 20, Percentage: 100,
			FeatureMeans: map[string]float64{"a_b": 7, "c": 6, "d": 5, "e": 4, "f_g": 3, "h": 2, "i": 1},
		}},
	}

	segments := e.IdentifyUserSegments(result)
	require.Len(t, segments, 1)
	s := segments[0]
	assert.Equal(t, []string{"High a b", "High c", "High d"}, s.KeyCharacteristics)
	assert.Equal(t, "Segment 1: High a b", s.Name)
	assert.Equal(t, "Users with high a b, high c, high d but low i, low h, low f g", s.Description)

	result.FeatureNames = []string{"x_y", "z"}
	result.Clusters[0].FeatureMeans = map[string]float64{"x_y": 1, "z": 2}
	s = e.IdentifyUserSegments(result)[0]
	assert.Equal(t, []string{"High z", "High x y"}, s.KeyCharacteristics)
	assert.Equal(t, "Users with high z, high x y", s.Description)
}

func TestExtractFeatures(t *testing.T) {
	start := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	r := metrics.TimeRange{Start: start, End: start.Add(72 * time.Hour)}

	users := []models.UserRecord{
		{PhoneNumber: "a", Interactions: []models.Interaction{
			{Timestamp: start.Add(time.Hour), MessageType: models.MessageTypePDF, WasSuccessful: true, ResponseTime: 2,
				AnalysisResult: &models.AnalysisResult{Classification: models.ClassificationLikelyScam}},
			{Timestamp: start.Add(30 * time.Hour), MessageType: models.MessageTypeText, WasSuccessful: false,
				AnalysisResult: &models.AnalysisResult{Classification: models.ClassificationSuspicious}},
		}},
		{PhoneNumber: "b", Interactions: []models.Interaction{
			{Timestamp: start.Add(-time.Hour), MessageType: models.MessageTypeText},
		}},
	}

	features := ExtractFeatures(users, r)
	require.Len(t, features, 1)
	f := features[0].Features
	assert.Equal(t, "a", features[0].UserID)
	assert.Equal(t, 2.0, f[FeatureTotalInteractions])
	assert.Equal(t, 0.5, f[FeaturePDFRatio])
	assert.Equal(t, 0.5, f[FeatureSuccessRate])
	assert.Equal(t, 2.0, f[FeatureAvgResponseTime])
	assert.Equal(t, 0.5, f[FeatureScamRate])
	assert.Equal(t, 0.5, f[FeatureSuspiciousRate])
	assert.Equal(t, 2.0, f[FeatureActiveDays])
	assert.Len(t, f, len(DefaultFeatures))
}
