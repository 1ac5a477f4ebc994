package ws

import (
	"errors"
	"log/slog"

	"meeshy/internal/models"
	"meeshy/internal/translate"
)

var ErrHubClosed = errors.New("hub is closed")

// Acknowledgement codes.
const (
	CodeAccessDenied      = "ACCESS_DENIED"
	CodeValidationFailed  = "VALIDATION_FAILED"
	CodeNotFound          = "NOT_FOUND"
	CodeRateLimited       = "RATE_LIMITED"
	CodeTranslationFailed = "TRANSLATION_FAILED"
	CodeInternal          = "INTERNAL"
)

const internalErrorText = "internal error"

// classify maps a handler error to its acknowledgement code and the text
// safe to show the client.
func classify(err error) (code, text string) {
	switch {
	case errors.Is(err, models.ErrAccessDenied):
		return CodeAccessDenied, err.Error()
	case errors.Is(err, models.ErrValidation):
		return CodeValidationFailed, err.Error()
	case errors.Is(err, models.ErrNotFound):
		return CodeNotFound, err.Error()
	case errors.Is(err, models.ErrRateLimited):
		return CodeRateLimited, err.Error()
	case errors.Is(err, translate.ErrUnavailable), errors.Is(err, translate.ErrTimeout):
		return CodeTranslationFailed, "translation unavailable"
	}
	slog.Error("event handling failed", "error", err)
	return CodeInternal, internalErrorText
}
