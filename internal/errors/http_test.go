package errors

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/fulmenhq/gofulmen/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRespondWithError(t *testing.T) {
	env := NewHTTPError("SERVICE_UNAVAILABLE", "scheduler unreachable", map[string]any{"stage": "impute"}).
		WithCorrelationID("req-7")

	rec := httptest.NewRecorder()
	RespondWithError(rec, http.StatusServiceUnavailable, env)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body HTTPErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "SERVICE_UNAVAILABLE", body.Error.Code)
	assert.Equal(t, "scheduler unreachable", body.Error.Message)
	assert.Equal(t, "impute", body.Error.Details["stage"])
	assert.Equal(t, "req-7", body.Error.RequestID)
	assert.NotEmpty(t, body.Error.Timestamp)
}

func TestRespondWithError_NilEnvelope(t *testing.T) {
	rec := httptest.NewRecorder()
	RespondWithError(rec, http.StatusInternalServerError, nil)

	var body HTTPErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "INTERNAL_ERROR", body.Error.Code)
}

func TestBodyFromEnvelope(t *testing.T) {
	env, err := errors.NewErrorEnvelope("VALIDATION_ERROR", "invalid input").
		WithDetails(map[string]any{"field": "stage"}).
		WithContext(map[string]any{"field": "ignored", "dataset": "cohortA"})
	require.NoError(t, err)
	env, err = env.WithSeverity(errors.SeverityLow)
	require.NoError(t, err)

	body := BodyFromEnvelope(env)
	assert.Equal(t, "stage", body.Details["field"])
	assert.Equal(t, "cohortA", body.Details["dataset"])
	assert.Equal(t, "low", body.Severity)
	assert.Empty(t, body.RequestID)

	assert.Nil(t, BodyFromEnvelope(errors.NewErrorEnvelope("X", "y")).Details)
}
