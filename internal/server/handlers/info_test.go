package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/imputeflow/pkg/pipeline"
)

type staticSource struct{ snap pipeline.Snapshot }

func (s staticSource) Snapshot() pipeline.Snapshot { return s.snap }

func TestVersionHandler(t *testing.T) {
	SetVersionInfo(VersionInfo{Version: "1.4.0", Commit: "abc123", BuildDate: "2026-01-02"})
	defer SetVersionInfo(VersionInfo{Version: "dev", Commit: "unknown", BuildDate: "unknown"})

	rec := httptest.NewRecorder()
	VersionHandler(rec, httptest.NewRequest(http.MethodGet, "/version", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var v VersionInfo
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v))
	assert.Equal(t, "1.4.0", v.Version)
	assert.Equal(t, "abc123", v.Commit)
	assert.NotEmpty(t, v.GoVersion)
}

func TestStatusHandler(t *testing.T) {
	tracker := pipeline.NewTracker("run-1", "if00000001", "cohort")

	rec := httptest.NewRecorder()
	StatusHandler(tracker)(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var snap pipeline.Snapshot
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&snap))
	assert.Equal(t, "if00000001", snap.Tag)
	assert.Len(t, snap.Stages, 9)
	assert.Equal(t, pipeline.StatusPending, snap.Stages[0].Status)
}

func TestStatusHandler_NoRun(t *testing.T) {
	rec := httptest.NewRecorder()
	StatusHandler(nil)(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStageHandler(t *testing.T) {
	src := staticSource{snap: pipeline.Snapshot{Stages: []pipeline.StageSnapshot{
		{Stage: pipeline.Impute, Ordinal: 4, Status: pipeline.StatusRunning, Jobs: 30},
	}}}

	tests := []struct {
		stage string
		want  int
	}{
		{"impute", http.StatusOK},
		{"merge", http.StatusNotFound},
		{"bogus", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.stage, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h := StageHandler(src, func(*http.Request) string { return tt.stage })
			h(rec, httptest.NewRequest(http.MethodGet, "/status/"+tt.stage, nil))
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}
