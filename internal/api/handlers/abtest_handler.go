package handlers

import (
	"context"

	"github.com/gofiber/fiber/v2"

	"github.com/scamguard/backend/internal/analytics/abtest"
	"github.com/scamguard/backend/internal/middleware/validation"
)

type ABTestHandler struct {
	engine *abtest.Engine
}

func NewABTestHandler(engine *abtest.Engine) *ABTestHandler {
	return &ABTestHandler{engine: engine}
}

func (h *ABTestHandler) Create(c *fiber.Ctx) error {
	var req abtest.CreateTestRequest
	if err := validation.Bind(c, &req); err != nil {
		return respondError(c, err)
	}

	test, err := h.engine.CreateTest(c.UserContext(), req)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(test)
}

func (h *ABTestHandler) List(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"tests": h.engine.ListTests(),
	})
}

// Get returns the test along with a fresh evaluation of its samples.
func (h *ABTestHandler) Get(c *fiber.Ctx) error {
	test, err := h.engine.GetTest(c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}

	results, err := h.engine.EvaluateTest(test.ID)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{
		"test":    test,
		"results": results,
	})
}

func (h *ABTestHandler) Start(c *fiber.Ctx) error {
	return h.transition(c, h.engine.StartTest)
}

func (h *ABTestHandler) Stop(c *fiber.Ctx) error {
	return h.transition(c, h.engine.StopTest)
}

func (h *ABTestHandler) Complete(c *fiber.Ctx) error {
	return h.transition(c, h.engine.CompleteTest)
}

func (h *ABTestHandler) transition(c *fiber.Ctx, fn func(ctx context.Context, id string) (*abtest.Test, error)) error {
	test, err := fn(c.UserContext(), c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(test)
}

type assignRequest struct {
	UserID string `json:"user_id" validate:"required"`
}

func (h *ABTestHandler) Assign(c *fiber.Ctx) error {
	var req assignRequest
	if err := validation.Bind(c, &req); err != nil {
		return respondError(c, err)
	}

	variant, err := h.engine.AssignVariant(c.Params("id"), req.UserID)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(variant)
}

type sampleRequest struct {
	VariantID string   `json:"variant_id" validate:"required"`
	MetricID  string   `json:"metric_id" validate:"required"`
	Value     *float64 `json:"value" validate:"required"`
}

func (h *ABTestHandler) RecordSample(c *fiber.Ctx) error {
	var req sampleRequest
	if err := validation.Bind(c, &req); err != nil {
		return respondError(c, err)
	}

	if err := h.engine.RecordSample(c.UserContext(), c.Params("id"), req.VariantID, req.MetricID, *req.Value); err != nil {
		return respondError(c, err)
	}
	return c.SendStatus(fiber.StatusAccepted)
}
