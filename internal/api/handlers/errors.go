package handlers

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	apperrors "github.com/scamguard/backend/pkg/errors"
	"github.com/scamguard/backend/pkg/logger"
)

// respondError writes err with the status its AppError type maps to.
// Errors that are not AppErrors are logged and hidden behind a generic message.
func respondError(c *fiber.Ctx, err error) error {
	status := apperrors.HTTPStatus(err)

	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) {
		logger.Error("Request failed", zap.String("path", c.Path()), zap.Error(err))
		return c.Status(status).JSON(fiber.Map{
			"error": "Internal server error",
		})
	}

	if status >= fiber.StatusInternalServerError {
		logger.Error("Request failed", zap.String("path", c.Path()), zap.Error(err))
	}

	body := fiber.Map{
		"error": appErr.Message,
		"code":  appErr.Code,
	}
	if len(appErr.Details) > 0 {
		body["details"] = appErr.Details
	}
	return c.Status(status).JSON(body)
}

// optionalTime parses an RFC 3339 query parameter; empty means nil.
func optionalTime(c *fiber.Ctx, key string) (*time.Time, error) {
	raw := c.Query(key)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, apperrors.NewValidationError("INVALID_TIMESTAMP", key+" must be an RFC 3339 timestamp")
	}
	return &t, nil
}
