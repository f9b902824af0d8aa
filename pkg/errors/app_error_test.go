package errors

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppErrorClassification(t *testing.T) {
	validation := NewValidationError("INVALID_TIME_RANGE", "start must not be after end")
	wrapped := fmt.Errorf("usage statistics: %w", validation)

	assert.True(t, IsValidation(wrapped))
	assert.False(t, IsNotFound(wrapped))
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(wrapped))

	notFound := NewNotFoundError("report", "weekly_20240101_000000")
	assert.True(t, IsNotFound(notFound))
	assert.Equal(t, http.StatusNotFound, HTTPStatus(notFound))
	assert.Contains(t, notFound.Error(), "weekly_20240101_000000")

	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(fmt.Errorf("boom")))
}

func TestAppErrorCause(t *testing.T) {
	cause := fmt.Errorf("database is locked")
	err := NewExternalError("store", "list users failed").WithCause(cause)

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "store: list users failed: database is locked", err.Error())
	assert.Equal(t, http.StatusBadGateway, HTTPStatus(err))
}
