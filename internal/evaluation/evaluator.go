package evaluation

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/scamguard/backend/internal/ingestion"
	"github.com/scamguard/backend/internal/storage/models"
	apperrors "github.com/scamguard/backend/pkg/errors"
	"github.com/scamguard/backend/pkg/logger"
)

// MaxDatasetItems bounds one evaluation run since every item is a classifier call.
const MaxDatasetItems = 200

// Evaluator scores the scam classifier against hand-labelled postings.
type Evaluator struct {
	classifier ingestion.Classifier
	logger     *zap.Logger
}

type Dataset struct {
	Items []DatasetItem `json:"items" validate:"required,min=1,max=200,dive"`
}

type DatasetItem struct {
	Posting string `json:"posting" validate:"required"`
	// Label is the expected classification, one of models.KnownClassifications.
	Label string `json:"label" validate:"required,oneof=Legit Suspicious 'Likely Scam'"`
}

type LabelScore struct {
	Label     string  `json:"label"`
	Support   int     `json:"support"`
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1        float64 `json:"f1"`
}

type Report struct {
	Total         int                       `json:"total"`
	Evaluated     int                       `json:"evaluated"`
	Failed        int                       `json:"failed"`
	Correct       int                       `json:"correct"`
	Accuracy      float64                   `json:"accuracy"`
	AvgConfidence float64                   `json:"avg_confidence"`
	Labels        []LabelScore              `json:"labels"`
	Confusion     map[string]map[string]int `json:"confusion"`
	// MissedScams counts Likely Scam postings classified as Legit, the costliest error.
	MissedScams int `json:"missed_scams"`
}

func NewEvaluator(classifier ingestion.Classifier) *Evaluator {
	return &Evaluator{
		classifier: classifier,
		logger:     logger.Named("evaluation"),
	}
}

// Run classifies every item in order. Classifier failures are counted and
// skipped; a cancelled context stops the run.
func (e *Evaluator) Run(ctx context.Context, dataset Dataset) (*Report, error) {
	if len(dataset.Items) == 0 {
		return nil, apperrors.NewValidationError("EMPTY_DATASET", "dataset has no items")
	}
	if len(dataset.Items) > MaxDatasetItems {
		return nil, apperrors.NewValidationError("DATASET_TOO_LARGE",
			fmt.Sprintf("dataset has %d items, at most %d are allowed", len(dataset.Items), MaxDatasetItems))
	}

	e.logger.Info("Running classifier evaluation", zap.Int("items", len(dataset.Items)))

	report := &Report{
		Total:     len(dataset.Items),
		Confusion: make(map[string]map[string]int),
	}

	var totalConfidence float64
	for i, item := range dataset.Items {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		result, err := e.classifier.ClassifyPosting(ctx, item.Posting)
		if err != nil {
			e.logger.Warn("Failed to classify evaluation item", zap.Int("index", i), zap.Error(err))
			report.Failed++
			continue
		}

		report.Evaluated++
		totalConfidence += result.Confidence

		row, ok := report.Confusion[item.Label]
		if !ok {
			row = make(map[string]int)
			report.Confusion[item.Label] = row
		}
		row[result.Classification]++

		if result.Classification == item.Label {
			report.Correct++
		}
		if item.Label == models.ClassificationLikelyScam && result.Classification == models.ClassificationLegit {
			report.MissedScams++
		}
	}

	if report.Evaluated > 0 {
		report.Accuracy = float64(report.Correct) / float64(report.Evaluated) * 100
		report.AvgConfidence = totalConfidence / float64(report.Evaluated)
	}
	report.Labels = labelScores(report.Confusion)

	e.logger.Info("Classifier evaluation completed",
		zap.Int("evaluated", report.Evaluated),
		zap.Int("failed", report.Failed),
		zap.Float64("accuracy", report.Accuracy),
	)
	return report, nil
}

// labelScores derives per-label precision and recall from the confusion
// matrix, keyed expected -> predicted. Labels without predictions or support
// score 0.
func labelScores(confusion map[string]map[string]int) []LabelScore {
	predicted := make(map[string]int)
	for _, row := range confusion {
		for label, n := range row {
			predicted[label] += n
		}
	}

	var extra []string
	for label := range confusion {
		if !contains(models.KnownClassifications, label) {
			extra = append(extra, label)
		}
	}
	for label := range predicted {
		if !contains(models.KnownClassifications, label) && !contains(extra, label) {
			extra = append(extra, label)
		}
	}
	sort.Strings(extra)
	labels := append(append([]string(nil), models.KnownClassifications...), extra...)

	scores := make([]LabelScore, 0, len(labels))
	for _, label := range labels {
		support := 0
		for _, n := range confusion[label] {
			support += n
		}
		truePositive := confusion[label][label]

		s := LabelScore{Label: label, Support: support}
		if predicted[label] > 0 {
			s.Precision = float64(truePositive) / float64(predicted[label])
		}
		if support > 0 {
			s.Recall = float64(truePositive) / float64(support)
		}
		if s.Precision+s.Recall > 0 {
			s.F1 = 2 * s.Precision * s.Recall / (s.Precision + s.Recall)
		}
		scores = append(scores, s)
	}
	return scores
}

func contains(items []string, v string) bool {
	for _, item := range items {
		if item == v {
			return true
		}
	}
	return false
}

// Summary renders the report as plain text for logs and CLI output.
func (r *Report) Summary() string {
	var b strings.Builder
	b.WriteString("Classifier Evaluation\n=====================\n\n")
	fmt.Fprintf(&b, "Items: %d (evaluated %d, failed %d)\n", r.Total, r.Evaluated, r.Failed)
	fmt.Fprintf(&b, "Accuracy: %.1f%%\n", r.Accuracy)
	fmt.Fprintf(&b, "Average confidence: %.2f\n", r.AvgConfidence)
	fmt.Fprintf(&b, "Missed scams: %d\n\n", r.MissedScams)

	for _, s := range r.Labels {
		fmt.Fprintf(&b, "- %s: precision %.2f, recall %.2f, f1 %.2f (support %d)\n",
			s.Label, s.Precision, s.Recall, s.F1, s.Support)
	}
	return b.String()
}
