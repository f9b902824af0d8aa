package redis

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/scamguard/backend/internal/analytics/abtest"
)

func setupTestRedis(t *testing.T) (*Client, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)

	client, err := NewClient(mr.Host(), port, "", 0)
	require.NoError(t, err)

	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	return client, mr
}

func TestSaveAndLoadAll(t *testing.T) {
	client, mr := setupTestRedis(t)
	ctx := context.Background()

	start := time.Date(2024, 7, 1, 9, 0, 0, 0, time.UTC)
	test := &abtest.Test{
		ID:     "t-1",
		Name:   "Verdict wording",
		Status: abtest.StatusRunning,
		Variants: []abtest.Variant{
			{ID: "a", Name: "A", Type: abtest.VariantControl, TrafficAllocation: 0.5},
			{ID: "b", Name: "B", TrafficAllocation: 0.5},
		},
		Metrics:   []abtest.Metric{{ID: "helpful", Name: "Helpful", Primary: true}},
		CreatedAt: start,
		StartDate: &start,
		Samples:   map[string]map[string][]float64{"helpful": {"a": {1, 0, 1}}},
	}

	require.NoError(t, client.Save(ctx, test))
	assert.True(t, mr.Exists("abtest:t-1"))

	require.NoError(t, mr.Set("abtest:broken", "{not json"))

	tests, err := client.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, tests, 1)
	assert.Equal(t, "Verdict wording", tests[0].Name)
	assert.Equal(t, []float64{1, 0, 1}, tests[0].Samples["helpful"]["a"])
	assert.True(t, tests[0].StartDate.Equal(start))

	got, ok, err := client.Get(ctx, "t-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, abtest.StatusRunning, got.Status)

	require.NoError(t, client.Delete(ctx, "t-1"))
	_, ok, err = client.Get(ctx, "t-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEngineRestoresFromRedis(t *testing.T) {
	client, _ := setupTestRedis(t)
	ctx := context.Background()
	log := zaptest.NewLogger(t)

	first := abtest.NewEngine(abtest.WithRepository(client), abtest.WithLogger(log))
	created, err := first.CreateTest(ctx, abtest.CreateTestRequest{
		Name: "Reply length",
		Variants: []abtest.Variant{
			{ID: "control", Name: "Control", Type: abtest.VariantControl, TrafficAllocation: 1},
			{ID: "long", Name: "Long", TrafficAllocation: 1},
		},
		Metrics: []abtest.Metric{{ID: "helpful", Name: "Helpful"}},
	})
	require.NoError(t, err)
	_, err = first.StartTest(ctx, created.ID)
	require.NoError(t, err)

	second := abtest.NewEngine(abtest.WithRepository(client), abtest.WithLogger(log))
	n, err := second.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	restored, err := second.GetTest(created.ID)
	require.NoError(t, err)
	assert.Equal(t, abtest.StatusRunning, restored.Status)

	_, err = second.StopTest(ctx, created.ID)
	require.NoError(t, err)
}

func TestNewClientConnectionFailure(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	host := mr.Host()
	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)
	mr.Close()

	_, err = NewClient(host, port, "", 0)
	assert.Error(t, err)
}
