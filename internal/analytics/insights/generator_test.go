package insights

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/scamguard/backend/internal/analytics/metrics"
	"github.com/scamguard/backend/internal/storage"
	"github.com/scamguard/backend/internal/storage/models"
	"github.com/scamguard/backend/pkg/config"
)

var now = time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)

type fakeStore struct {
	mu    sync.Mutex
	users []models.UserRecord
	calls int
}

func (s *fakeStore) ListUsers(ctx context.Context, filter storage.UserFilter) ([]models.UserRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.users, nil
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func messages(at time.Time, n int, ok bool) []models.Interaction {
	out := make([]models.Interaction, n)
	for i := range out {
		out[i] = models.Interaction{
			Timestamp:     at.Add(time.Duration(i) * time.Second),
			MessageType:   models.MessageTypeText,
			WasSuccessful: ok,
			ResponseTime:  1,
		}
	}
	return out
}

func newTestGenerator(t *testing.T, users ...models.UserRecord) (*Generator, *fakeStore, *clock) {
	store := &fakeStore{users: users}
	c := &clock{t: now}
	log := zaptest.NewLogger(t)
	engine := metrics.NewEngine(store, metrics.WithClock(c.Now), metrics.WithLogger(log))
	g := NewGenerator(engine,
		WithThresholds(config.DefaultThresholds()),
		WithClock(c.Now),
		WithLogger(log),
	)
	return g, store, c
}

func find(found []Insight, kind InsightType, metric string) *Insight {
	for i := range found {
		if found[i].InsightType == kind && found[i].SupportingData["metric"] == metric {
			return &found[i]
		}
	}
	return nil
}

func day() *metrics.TimeRange {
	return &metrics.TimeRange{Start: now.Add(-24 * time.Hour), End: now}
}

func TestThresholdInsights(t *testing.T) {
	var ins []models.Interaction
	ins = append(ins, messages(now.Add(-2*time.Hour), 2, true)...)
	ins = append(ins, messages(now.Add(-time.Hour), 2, false)...)
	g, _, _ := newTestGenerator(t, models.UserRecord{PhoneNumber: "a", Interactions: ins})

	found, err := g.GenerateInsights(context.Background(), []string{metrics.MetricErrorRate, metrics.MetricSuccessRate}, day())
	require.NoError(t, err)

	errRate := find(found, InsightAnomaly, metrics.MetricErrorRate)
	require.NotNil(t, errRate)
	assert.Equal(t, ImpactHigh, errRate.Impact, "critical thresholds are high impact")
	assert.Equal(t, 0.9, errRate.Confidence)
	assert.Equal(t, "critical_rate", errRate.SupportingData["threshold_name"])

	success := find(found, InsightAnomaly, metrics.MetricSuccessRate)
	require.NotNil(t, success)
	assert.Equal(t, ImpactMedium, success.Impact)

	var correlated *Insight
	for i := range found {
		if found[i].InsightType == InsightCorrelation {
			correlated = &found[i]
		}
	}
	require.NotNil(t, correlated, "equal error and success rates are within tolerance")
	assert.Equal(t, 0.7, correlated.Confidence)
	assert.Equal(t, true, correlated.SupportingData["approximate"])
}

func TestHistoricalAnomalyTrendAndPrediction(t *testing.T) {
	var ins []models.Interaction
	ins = append(ins, messages(now.Add(-108*time.Hour), 10, true)...)
	ins = append(ins, messages(now.Add(-84*time.Hour), 8, true)...)
	ins = append(ins, messages(now.Add(-60*time.Hour), 12, true)...)
	ins = append(ins, messages(now.Add(-36*time.Hour), 10, true)...)
	ins = append(ins, messages(now.Add(-12*time.Hour), 40, true)...)
	g, _, _ := newTestGenerator(t, models.UserRecord{PhoneNumber: "a", Interactions: ins})

	found, err := g.GenerateInsights(context.Background(), []string{metrics.MetricMessageVolume}, day())
	require.NoError(t, err)
	require.NotEmpty(t, found)

	top := found[0]
	assert.Equal(t, InsightAnomaly, top.InsightType)
	assert.Equal(t, ImpactCritical, top.Impact)
	assert.Equal(t, 1.0, top.Confidence)
	assert.Equal(t, []float64{10, 12, 8, 10}, top.SupportingData["historical"])

	trend := find(found, InsightTrend, metrics.MetricMessageVolume)
	require.NotNil(t, trend)
	assert.Equal(t, ImpactHigh, trend.Impact)

	spike := find(found, InsightAnomaly, metrics.MetricMessageVolume)
	require.NotNil(t, spike)

	prediction := find(found, InsightPrediction, metrics.MetricMessageVolume)
	require.NotNil(t, prediction)
	assert.InDelta(t, 44.0, prediction.SupportingData["predicted_value"], 1e-9, "change is capped")
	assert.InDelta(t, 0.8, prediction.Confidence, 1e-9)

	for i := 1; i < len(found); i++ {
		prev, cur := found[i-1], found[i]
		assert.GreaterOrEqual(t, severity[prev.Impact], severity[cur.Impact])
		if prev.Impact == cur.Impact {
			assert.GreaterOrEqual(t, prev.Confidence, cur.Confidence)
		}
	}
}

func TestNoDataYieldsNoInsights(t *testing.T) {
	g, _, _ := newTestGenerator(t)

	found, err := g.GenerateInsights(context.Background(), nil, day())
	require.NoError(t, err)
	assert.NotNil(t, found)
	assert.Empty(t, found)
}

func TestInsightsAreCapped(t *testing.T) {
	var ins []models.Interaction
	ins = append(ins, messages(now.Add(-2*time.Hour), 2, true)...)
	ins = append(ins, messages(now.Add(-time.Hour), 2, false)...)

	store := &fakeStore{users: []models.UserRecord{{PhoneNumber: "a", Interactions: ins}}}
	engine := metrics.NewEngine(store, metrics.WithClock(func() time.Time { return now }))
	g := NewGenerator(engine,
		WithThresholds(config.DefaultThresholds()),
		WithMaxInsights(2),
		WithClock(func() time.Time { return now }),
		WithLogger(zaptest.NewLogger(t)),
	)

	found, err := g.GenerateInsights(context.Background(), nil, day())
	require.NoError(t, err)
	assert.Len(t, found, 2)
}

func TestInsightCache(t *testing.T) {
	g, store, c := newTestGenerator(t, models.UserRecord{PhoneNumber: "a", Interactions: messages(now.Add(-time.Hour), 3, true)})
	ctx := context.Background()

	first, err := g.GenerateInsights(ctx, nil, nil)
	require.NoError(t, err)
	second, err := g.GenerateInsights(ctx, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, store.calls)

	c.Advance(14 * time.Minute)
	_, err = g.GenerateInsights(ctx, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, store.calls)

	c.Advance(time.Minute)
	_, err = g.GenerateInsights(ctx, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, store.calls, "insight cache expires after 15 minutes")

	_, err = g.GenerateInsights(ctx, nil, &metrics.TimeRange{Start: now, End: now.Add(-time.Hour)})
	assert.Error(t, err)
}

func TestViolated(t *testing.T) {
	assert.True(t, violated("p95_threshold", 5, 5.1, 0))
	assert.False(t, violated("p95_threshold", 5, 5, 0))
	assert.True(t, violated("min_accuracy", 90, 89, 0))
	assert.False(t, violated("min_accuracy", 90, 90, 0))
	assert.True(t, violated("critical_rate", 10, 11, 0))
	assert.True(t, violated("spike", 3, 31, 10))
	assert.False(t, violated("spike", 3, 31, 0))
	assert.True(t, violated("drop", 0.3, 2, 10))
	assert.False(t, violated("drop", 0.3, 5, 10))
}
