package handlers

import (
	"errors"
	"net/http"

	apperrors "github.com/3leaps/imputeflow/internal/errors"
	"github.com/3leaps/imputeflow/internal/server/middleware"
)

// HTTPError is an error carrying its HTTP rendering. The default responder
// turns it into a gofulmen error envelope.
type HTTPError struct {
	Status  int
	Code    string
	Message string
	Details map[string]any
}

func (e *HTTPError) Error() string { return e.Code + ": " + e.Message }

// HTTPErrorResponder renders err as a response.
type HTTPErrorResponder func(w http.ResponseWriter, r *http.Request, err error)

var httpErrorResponder HTTPErrorResponder = defaultErrorResponder

// SetHTTPErrorResponder replaces the error renderer. nil restores the default.
func SetHTTPErrorResponder(fn HTTPErrorResponder) {
	if fn == nil {
		fn = defaultErrorResponder
	}
	httpErrorResponder = fn
}

// ResetHTTPErrorResponder restores the default renderer.
func ResetHTTPErrorResponder() {
	httpErrorResponder = defaultErrorResponder
}

func respondWithError(w http.ResponseWriter, r *http.Request, err error) {
	httpErrorResponder(w, r, err)
}

func defaultErrorResponder(w http.ResponseWriter, r *http.Request, err error) {
	var he *HTTPError
	if !errors.As(err, &he) {
		he = &HTTPError{Status: http.StatusInternalServerError, Code: "INTERNAL_ERROR", Message: err.Error()}
	}
	middleware.WriteError(w, r, he.Status, apperrors.NewHTTPError(he.Code, he.Message, he.Details))
}

// NotFound renders a JSON 404.
func NotFound(w http.ResponseWriter, r *http.Request) {
	respondWithError(w, r, &HTTPError{
		Status:  http.StatusNotFound,
		Code:    "NOT_FOUND",
		Message: "no route for " + r.URL.Path,
	})
}

// MethodNotAllowed renders a JSON 405.
func MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	respondWithError(w, r, &HTTPError{
		Status:  http.StatusMethodNotAllowed,
		Code:    "METHOD_NOT_ALLOWED",
		Message: r.Method + " is not allowed on " + r.URL.Path,
	})
}
