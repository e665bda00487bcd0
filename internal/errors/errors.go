// Package errors provides the error envelopes shared by the CLI and the
// HTTP surface.
//
// CLI-facing constructors wrap failures in gofulmen error envelopes so
// exit handling stays uniform across commands. HTTP helpers render the
// same envelope shape as a JSON response body.
package errors

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"

	gferrors "github.com/fulmenhq/gofulmen/errors"
)

// HTTPErrorDetail is the inner error object of an HTTP error response.
type HTTPErrorDetail struct {
	// Code is a stable machine-readable error code (e.g. "NOT_FOUND").
	Code string `json:"code"`

	// Message is a human-readable description.
	Message string `json:"message"`

	// Details carries optional structured context.
	Details map[string]interface{} `json:"details,omitempty"`

	// RequestID correlates the response with server logs.
	RequestID string `json:"request_id,omitempty"`
}

// HTTPErrorResponse is the JSON body written for every HTTP error.
type HTTPErrorResponse struct {
	Error HTTPErrorDetail `json:"error"`
}

// StatusError is an error with an associated HTTP status code.
//
// RespondWithError maps a StatusError onto its declared status; every
// other error becomes a 500.
type StatusError struct {
	Status  int
	Code    string
	Message string
	Details map[string]interface{}
	Err     error
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Code
}

func (e *StatusError) Unwrap() error {
	return e.Err
}

// NewStatusError creates a StatusError with the given status and code.
func NewStatusError(status int, code, message string) *StatusError {
	return &StatusError{Status: status, Code: code, Message: message}
}

// RespondWithError writes err as a JSON HTTPErrorResponse.
//
// StatusError values keep their status, code and details; anything else
// is written as a 500 INTERNAL_ERROR without leaking the error text.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	detail := HTTPErrorDetail{
		Code:    "INTERNAL_ERROR",
		Message: "internal server error",
	}

	var se *StatusError
	if stderrors.As(err, &se) {
		status = se.Status
		detail.Code = se.Code
		detail.Message = se.Message
		detail.Details = se.Details
	}

	if r != nil {
		if reqID := r.Header.Get("X-Request-ID"); reqID != "" {
			detail.RequestID = reqID
		}
	}

	WriteJSONError(w, status, detail)
}

// WriteJSONError writes a single error detail at the given status.
func WriteJSONError(w http.ResponseWriter, status int, detail HTTPErrorDetail) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(HTTPErrorResponse{Error: detail})
}

// EnvelopeError adapts a gofulmen error envelope to the error interface
// so CLI helpers can pass envelopes through ordinary error plumbing.
type EnvelopeError struct {
	Envelope *gferrors.ErrorEnvelope
}

func (e *EnvelopeError) Error() string {
	if e.Envelope == nil {
		return "unknown error"
	}
	return e.Envelope.Code + ": " + e.Envelope.Message
}

// NewExternalServiceError wraps a dependency failure (estimator binary,
// storage backend) in a gofulmen envelope for uniform CLI exit handling.
func NewExternalServiceError(message string) error {
	return &EnvelopeError{Envelope: gferrors.NewErrorEnvelope("EXTERNAL_SERVICE_ERROR", message)}
}

// WrapInternal wraps an unexpected internal failure with a message,
// propagating any correlation ID carried by the context.
func WrapInternal(ctx context.Context, err error, message string) error {
	envelope := gferrors.NewErrorEnvelope("INTERNAL_ERROR", message)
	if err != nil {
		if enriched, cerr := envelope.WithContext(map[string]interface{}{"cause": err.Error()}); cerr == nil {
			envelope = enriched
		}
	}
	if ctx != nil {
		if corrID, ok := ctx.Value(correlationIDKey{}).(string); ok && corrID != "" {
			envelope = envelope.WithCorrelationID(corrID)
		}
	}
	return &EnvelopeError{Envelope: envelope}
}

// correlationIDKey is the context key for request correlation IDs.
type correlationIDKey struct{}

// WithCorrelationID returns a context carrying the correlation ID that
// WrapInternal propagates into envelopes.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey{}, id)
}
