package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/scamguard/backend/internal/evaluation"
	"github.com/scamguard/backend/internal/middleware/validation"
)

type EvaluationHandler struct {
	evaluator *evaluation.Evaluator
}

func NewEvaluationHandler(evaluator *evaluation.Evaluator) *EvaluationHandler {
	return &EvaluationHandler{evaluator: evaluator}
}

// Evaluate runs the classifier over a labelled dataset. Each item is a live
// classifier call, so datasets are capped.
func (h *EvaluationHandler) Evaluate(c *fiber.Ctx) error {
	var dataset evaluation.Dataset
	if err := validation.Bind(c, &dataset); err != nil {
		return respondError(c, err)
	}

	report, err := h.evaluator.Run(c.UserContext(), dataset)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(report)
}
