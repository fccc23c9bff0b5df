package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/sessionkv/internal/domain"
)

const (
	msgMissingID     = "Session id not provided"
	msgNotFound      = "Session not found"
	msgAlreadyExists = "Session already exist"
	msgInvalidBody   = "Invalid request body"
	msgInvalidData   = "Invalid session data"
)

// Envelope is the body of every successful response.
type Envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty" doc:"Operation result, omitted for mutations without one"`
}

// EnvelopeOutput wraps Envelope as a huma response.
type EnvelopeOutput struct {
	Body Envelope
}

func ok(data json.RawMessage) *EnvelopeOutput {
	return &EnvelopeOutput{Body: Envelope{Success: true, Data: data}}
}

// EnvelopeError is the body of every failed response. It replaces huma's
// problem-details error model.
type EnvelopeError struct {
	status  int
	Success bool   `json:"success"`
	Message string `json:"error"`
}

func (e *EnvelopeError) Error() string  { return e.Message }
func (e *EnvelopeError) GetStatus() int { return e.status }

func init() {
	huma.NewError = newError
}

// newError builds every error huma writes, including its own request
// validation and body size failures, which are reported as 400.
func newError(status int, msg string, errs ...error) huma.StatusError {
	switch status {
	case http.StatusUnprocessableEntity, http.StatusRequestEntityTooLarge:
		status = http.StatusBadRequest
	}

	details := make([]string, 0, len(errs))
	for _, err := range errs {
		if err != nil {
			details = append(details, err.Error())
		}
	}
	if len(details) > 0 {
		msg += ": " + strings.Join(details, "; ")
	}

	return &EnvelopeError{status: status, Message: msg}
}

// mapError maps a service error onto a status code and message.
func mapError(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return huma.Error404NotFound(msgNotFound)
	case errors.Is(err, domain.ErrAlreadyExists):
		return huma.Error403Forbidden(msgAlreadyExists)
	case errors.Is(err, domain.ErrInvalidInput):
		return huma.Error400BadRequest(err.Error())
	case errors.Is(err, domain.ErrConflict):
		log.Ctx(ctx).Warn().Err(err).Msg("commit retries exhausted")
		return huma.Error409Conflict(err.Error())
	default:
		log.Ctx(ctx).Error().Err(err).Msg("request failed")
		return huma.Error500InternalServerError(err.Error())
	}
}

func writeFail(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(&EnvelopeError{status: status, Message: msg})
}

// NotFound answers requests for unknown routes.
func NotFound(w http.ResponseWriter, _ *http.Request) {
	writeFail(w, http.StatusNotFound, "route not found")
}

// MethodNotAllowed answers requests with an unsupported method.
func MethodNotAllowed(w http.ResponseWriter, _ *http.Request) {
	writeFail(w, http.StatusMethodNotAllowed, "method not allowed")
}
