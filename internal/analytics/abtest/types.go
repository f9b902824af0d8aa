package abtest

import (
	"context"
	"time"
)

type Status string

const (
	StatusDraft     Status = "draft"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusStopped   Status = "stopped"
)

type VariantType string

const (
	VariantControl   VariantType = "control"
	VariantTreatment VariantType = "treatment"
)

type Variant struct {
	ID                string      `json:"id" validate:"required"`
	Name              string      `json:"name" validate:"required"`
	Type              VariantType `json:"type" validate:"omitempty,oneof=control treatment"`
	TrafficAllocation float64     `json:"traffic_allocation" validate:"gt=0"`
}

type Metric struct {
	ID      string `json:"id" validate:"required"`
	Name    string `json:"name" validate:"required"`
	Primary bool   `json:"primary"`
}

type ConfidenceInterval struct {
	Lower float64 `json:"lower"`
	Upper float64 `json:"upper"`
}

type VariantResult struct {
	VariantID          string             `json:"variant_id"`
	SampleSize         int                `json:"sample_size"`
	Value              float64            `json:"value"`
	ConfidenceInterval ConfidenceInterval `json:"confidence_interval"`
	PValue             float64            `json:"p_value"`
	Significant        bool               `json:"significant"`
	Lift               float64            `json:"lift"`
}

// Test is an experiment definition with its collected samples. Samples are
// keyed by metric id, then variant id.
type Test struct {
	ID          string                          `json:"id"`
	Name        string                          `json:"name"`
	Description string                          `json:"description,omitempty"`
	Variants    []Variant                       `json:"variants"`
	Metrics     []Metric                        `json:"metrics"`
	Status      Status                          `json:"status"`
	CreatedAt   time.Time                       `json:"created_at"`
	StartDate   *time.Time                      `json:"start_date,omitempty"`
	EndDate     *time.Time                      `json:"end_date,omitempty"`
	Results     map[string][]VariantResult      `json:"results,omitempty"`
	Samples     map[string]map[string][]float64 `json:"samples,omitempty"`
}

type CreateTestRequest struct {
	Name        string    `json:"name" validate:"required,max=200"`
	Description string    `json:"description" validate:"max=2000"`
	Variants    []Variant `json:"variants" validate:"required,min=2,dive"`
	Metrics     []Metric  `json:"metrics" validate:"required,min=1,dive"`
}

// Repository persists test definitions across restarts.
type Repository interface {
	Save(ctx context.Context, test *Test) error
	LoadAll(ctx context.Context) ([]*Test, error)
}

func (t *Test) clone() *Test {
	c := *t
	c.Variants = append([]Variant(nil), t.Variants...)
	c.Metrics = append([]Metric(nil), t.Metrics...)
	if t.StartDate != nil {
		s := *t.StartDate
		c.StartDate = &s
	}
	if t.EndDate != nil {
		e := *t.EndDate
		c.EndDate = &e
	}
	if t.Results != nil {
		c.Results = make(map[string][]VariantResult, len(t.Results))
		for k, v := range t.Results {
			c.Results[k] = append([]VariantResult(nil), v...)
		}
	}
	c.Samples = make(map[string]map[string][]float64, len(t.Samples))
	for metric, byVariant := range t.Samples {
		m := make(map[string][]float64, len(byVariant))
		for variant, values := range byVariant {
			m[variant] = append([]float64(nil), values...)
		}
		c.Samples[metric] = m
	}
	return &c
}

func (t *Test) variant(id string) (Variant, bool) {
	for _, v := range t.Variants {
		if v.ID == id {
			return v, true
		}
	}
	return Variant{}, false
}

func (t *Test) hasMetric(id string) bool {
	for _, m := range t.Metrics {
		if m.ID == id {
			return true
		}
	}
	return false
}

// baseline is the first control variant, or the first variant when none is
// marked control.
func (t *Test) baseline() Variant {
	for _, v := range t.Variants {
		if v.Type == VariantControl {
			return v
		}
	}
	return t.Variants[0]
}
