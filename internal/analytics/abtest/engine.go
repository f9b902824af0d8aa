package abtest

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	appmetrics "github.com/scamguard/backend/internal/metrics"
	apperrors "github.com/scamguard/backend/pkg/errors"
	"github.com/scamguard/backend/pkg/logger"
	"github.com/scamguard/backend/pkg/utils"
)

const DefaultSignificanceLevel = 0.05

// weightScale turns fractional allocations into integer weights.
const weightScale = 1000

// MinTrafficAllocation is the smallest allocation that still maps to a
// non-zero bucket weight.
const MinTrafficAllocation = 1.0 / weightScale

type Engine struct {
	mu           sync.Mutex
	tests        map[string]*Test
	significance float64
	repo         Repository
	now          func() time.Time
	logger       *zap.Logger
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

func WithSignificanceLevel(alpha float64) Option {
	return func(e *Engine) {
		if alpha > 0 && alpha < 1 {
			e.significance = alpha
		}
	}
}

func WithRepository(repo Repository) Option {
	return func(e *Engine) {
		e.repo = repo
	}
}

func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		tests:        make(map[string]*Test),
		significance: DefaultSignificanceLevel,
		now:          time.Now,
		logger:       logger.Named("abtest"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Restore loads persisted tests. Tests already in memory are kept.
func (e *Engine) Restore(ctx context.Context) (int, error) {
	if e.repo == nil {
		return 0, nil
	}

	tests, err := e.repo.LoadAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load ab tests: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	restored := 0
	for _, t := range tests {
		if _, exists := e.tests[t.ID]; exists {
			continue
		}
		if t.Samples == nil {
			t.Samples = make(map[string]map[string][]float64)
		}
		e.tests[t.ID] = t
		restored++
	}

	e.logger.Info("AB tests restored", zap.Int("count", restored))
	return restored, nil
}

func validateDefinition(req CreateTestRequest) error {
	if req.Name == "" {
		return apperrors.NewValidationError("INVALID_TEST", "test name is required")
	}
	if len(req.Variants) < 2 {
		return apperrors.NewValidationError("INVALID_TEST", "at least two variants are required")
	}
	if len(req.Metrics) == 0 {
		return apperrors.NewValidationError("INVALID_TEST", "at least one metric is required")
	}

	seen := make(map[string]bool, len(req.Variants))
	for _, v := range req.Variants {
		if v.ID == "" {
			return apperrors.NewValidationError("INVALID_VARIANT", "variant id is required")
		}
		if seen[v.ID] {
			return apperrors.NewValidationError("INVALID_VARIANT", fmt.Sprintf("duplicate variant id %q", v.ID))
		}
		seen[v.ID] = true
		if math.IsNaN(v.TrafficAllocation) || v.TrafficAllocation < MinTrafficAllocation {
			return apperrors.NewValidationError("INVALID_VARIANT",
				fmt.Sprintf("variant %q must have a traffic allocation of at least %g", v.ID, MinTrafficAllocation))
		}
	}

	metricIDs := make(map[string]bool, len(req.Metrics))
	for _, m := range req.Metrics {
		if m.ID == "" {
			return apperrors.NewValidationError("INVALID_METRIC", "metric id is required")
		}
		if metricIDs[m.ID] {
			return apperrors.NewValidationError("INVALID_METRIC", fmt.Sprintf("duplicate metric id %q", m.ID))
		}
		metricIDs[m.ID] = true
	}
	return nil
}

func (e *Engine) CreateTest(ctx context.Context, req CreateTestRequest) (*Test, error) {
	if err := validateDefinition(req); err != nil {
		return nil, err
	}

	t := &Test{
		ID:          uuid.New().String(),
		Name:        req.Name,
		Description: req.Description,
		Variants:    append([]Variant(nil), req.Variants...),
		Metrics:     append([]Metric(nil), req.Metrics...),
		Status:      StatusDraft,
		CreatedAt:   e.now(),
		Samples:     make(map[string]map[string][]float64),
	}

	e.mu.Lock()
	e.tests[t.ID] = t
	snapshot := t.clone()
	e.mu.Unlock()

	e.persist(ctx, snapshot)
	e.logger.Info("AB test created", zap.String("test_id", t.ID), zap.String("name", t.Name), zap.Int("variants", len(t.Variants)))
	return snapshot, nil
}

// StartTest moves a draft test to running.
func (e *Engine) StartTest(ctx context.Context, id string) (*Test, error) {
	return e.transition(ctx, id, StatusDraft, StatusRunning)
}

// StopTest moves a running test to stopped and freezes its results.
func (e *Engine) StopTest(ctx context.Context, id string) (*Test, error) {
	return e.transition(ctx, id, StatusRunning, StatusStopped)
}

// CompleteTest moves a running test to completed and freezes its results.
func (e *Engine) CompleteTest(ctx context.Context, id string) (*Test, error) {
	return e.transition(ctx, id, StatusRunning, StatusCompleted)
}

func (e *Engine) transition(ctx context.Context, id string, from, to Status) (*Test, error) {
	e.mu.Lock()
	t, ok := e.tests[id]
	if !ok {
		e.mu.Unlock()
		return nil, apperrors.NewNotFoundError("ab_test", id)
	}
	if t.Status != from {
		status := t.Status
		e.mu.Unlock()
		return nil, invalidState(id, from, status)
	}

	now := e.now()
	switch to {
	case StatusRunning:
		t.StartDate = &now
	case StatusStopped, StatusCompleted:
		t.EndDate = &now
		t.Results = evaluate(t, e.significance)
	}
	t.Status = to
	snapshot := t.clone()
	e.mu.Unlock()

	e.persist(ctx, snapshot)
	e.logger.Info("AB test status changed",
		zap.String("test_id", id),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
	return snapshot, nil
}

func invalidState(id string, expected, actual Status) error {
	return apperrors.NewValidationError("INVALID_TEST_STATE",
		fmt.Sprintf("test %s must be %s, current status is %s", id, expected, actual)).
		WithDetails(map[string]interface{}{"expected_status": expected, "status": actual})
}

// AssignVariant deterministically maps a user to a variant of a running test.
func (e *Engine) AssignVariant(id, userID string) (Variant, error) {
	if userID == "" {
		return Variant{}, apperrors.NewValidationError("INVALID_USER", "user id is required")
	}

	e.mu.Lock()
	t, ok := e.tests[id]
	if !ok {
		e.mu.Unlock()
		return Variant{}, apperrors.NewNotFoundError("ab_test", id)
	}
	if t.Status != StatusRunning {
		status := t.Status
		e.mu.Unlock()
		return Variant{}, invalidState(id, StatusRunning, status)
	}
	variants := append([]Variant(nil), t.Variants...)
	e.mu.Unlock()

	v := Assign(id, variants, userID)
	appmetrics.ABAssignments.WithLabelValues(id, v.ID).Inc()
	return v, nil
}

// Assign hashes testID:userID with SHA-256 and walks variants in order,
// accumulating integer weights until the running total exceeds the hash
// modulo the total weight.
func Assign(testID string, variants []Variant, userID string) Variant {
	if len(variants) == 0 {
		return Variant{}
	}

	weights := make([]uint64, len(variants))
	var total uint64
	for i, v := range variants {
		weights[i] = uint64(math.Round(v.TrafficAllocation * weightScale))
		total += weights[i]
	}
	if total == 0 {
		return variants[0]
	}

	bucket := utils.StableHash(testID+":"+userID) % total
	var cumulative uint64
	for i, w := range weights {
		cumulative += w
		if cumulative > bucket {
			return variants[i]
		}
	}
	return variants[len(variants)-1]
}

// RecordSample appends an observation for a variant and metric of a running test.
func (e *Engine) RecordSample(ctx context.Context, id, variantID, metricID string, value float64) error {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return apperrors.NewValidationError("INVALID_SAMPLE", "sample value must be finite")
	}

	e.mu.Lock()
	t, ok := e.tests[id]
	if !ok {
		e.mu.Unlock()
		return apperrors.NewNotFoundError("ab_test", id)
	}
	if t.Status != StatusRunning {
		status := t.Status
		e.mu.Unlock()
		return invalidState(id, StatusRunning, status)
	}
	if _, ok := t.variant(variantID); !ok {
		e.mu.Unlock()
		return apperrors.NewValidationError("UNKNOWN_VARIANT", fmt.Sprintf("test %s has no variant %q", id, variantID))
	}
	if !t.hasMetric(metricID) {
		e.mu.Unlock()
		return apperrors.NewValidationError("UNKNOWN_METRIC", fmt.Sprintf("test %s has no metric %q", id, metricID))
	}

	if t.Samples[metricID] == nil {
		t.Samples[metricID] = make(map[string][]float64)
	}
	t.Samples[metricID][variantID] = append(t.Samples[metricID][variantID], value)
	snapshot := t.clone()
	e.mu.Unlock()

	e.persist(ctx, snapshot)
	return nil
}

// EvaluateTest returns live results for a running test and the frozen
// results for a stopped or completed one.
func (e *Engine) EvaluateTest(id string) (map[string][]VariantResult, error) {
	e.mu.Lock()
	t, ok := e.tests[id]
	if !ok {
		e.mu.Unlock()
		return nil, apperrors.NewNotFoundError("ab_test", id)
	}
	snapshot := t.clone()
	e.mu.Unlock()

	switch snapshot.Status {
	case StatusStopped, StatusCompleted:
		return snapshot.Results, nil
	case StatusDraft:
		return nil, invalidState(id, StatusRunning, snapshot.Status)
	}
	return evaluate(snapshot, e.significance), nil
}

func (e *Engine) GetTest(id string) (*Test, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.tests[id]
	if !ok {
		return nil, apperrors.NewNotFoundError("ab_test", id)
	}
	return t.clone(), nil
}

// ListTests returns every test ordered by creation time.
func (e *Engine) ListTests() []*Test {
	e.mu.Lock()
	tests := make([]*Test, 0, len(e.tests))
	for _, t := range e.tests {
		tests = append(tests, t.clone())
	}
	e.mu.Unlock()

	sort.Slice(tests, func(i, j int) bool {
		if !tests[i].CreatedAt.Equal(tests[j].CreatedAt) {
			return tests[i].CreatedAt.Before(tests[j].CreatedAt)
		}
		return tests[i].ID < tests[j].ID
	})
	return tests
}

// persist saves through the repository when one is configured. Persistence
// failures are logged and do not fail the state change.
func (e *Engine) persist(ctx context.Context, t *Test) {
	if e.repo == nil {
		return
	}
	if err := e.repo.Save(ctx, t); err != nil {
		e.logger.Error("Failed to persist AB test", zap.String("test_id", t.ID), zap.Error(err))
	}
}
