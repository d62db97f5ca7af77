// Package errors renders gofulmen error envelopes as HTTP responses for the
// status server.
package errors

import (
	"encoding/json"
	"net/http"

	"github.com/fulmenhq/gofulmen/errors"
)

// HTTPErrorBody is the wire form of an error envelope.
type HTTPErrorBody struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Severity  string         `json:"severity,omitempty"`
	Timestamp string         `json:"timestamp,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// HTTPErrorResponse is the JSON body of every non-2xx response.
type HTTPErrorResponse struct {
	Error HTTPErrorBody `json:"error"`
}

// NewHTTPError builds an envelope for code and message with optional details.
func NewHTTPError(code, message string, details map[string]any) *errors.ErrorEnvelope {
	env := errors.NewErrorEnvelope(code, message)
	if len(details) > 0 {
		env = env.WithDetails(details)
	}
	return env
}

// BodyFromEnvelope flattens env for the wire. Context entries are merged into
// details; details win on key collisions.
func BodyFromEnvelope(env *errors.ErrorEnvelope) HTTPErrorBody {
	body := HTTPErrorBody{
		Code:      env.Code,
		Message:   env.Message,
		Severity:  string(env.Severity),
		Timestamp: env.Timestamp,
		RequestID: env.CorrelationID,
	}
	if len(env.Details)+len(env.Context) > 0 {
		body.Details = make(map[string]any, len(env.Details)+len(env.Context))
		for k, v := range env.Context {
			body.Details[k] = v
		}
		for k, v := range env.Details {
			body.Details[k] = v
		}
	}
	return body
}

// RespondWithError writes env as a JSON error response with status. A nil
// envelope renders a generic internal error.
func RespondWithError(w http.ResponseWriter, status int, env *errors.ErrorEnvelope) {
	if env == nil {
		env = errors.NewErrorEnvelope("INTERNAL_ERROR", http.StatusText(http.StatusInternalServerError))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(HTTPErrorResponse{Error: BodyFromEnvelope(env)})
}
