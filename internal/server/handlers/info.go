package handlers

import (
	"net/http"
	"runtime"
	"sync"

	"github.com/3leaps/imputeflow/pkg/pipeline"
)

// VersionInfo is the body of /version.
type VersionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
}

var (
	versionMu sync.RWMutex
	version   = VersionInfo{Version: "dev", Commit: "unknown", BuildDate: "unknown"}
)

// SetVersionInfo sets what /version reports.
func SetVersionInfo(v VersionInfo) {
	versionMu.Lock()
	defer versionMu.Unlock()
	version = v
}

// VersionHandler serves build information.
func VersionHandler(w http.ResponseWriter, r *http.Request) {
	versionMu.RLock()
	v := version
	versionMu.RUnlock()
	v.GoVersion = runtime.Version()
	writeJSON(w, http.StatusOK, v)
}

// SnapshotSource supplies the current run state.
type SnapshotSource interface {
	Snapshot() pipeline.Snapshot
}

// StatusHandler serves the run snapshot. With a nil source it reports
// that no run is attached.
func StatusHandler(src SnapshotSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if src == nil {
			respondWithError(w, r, &HTTPError{
				Status:  http.StatusServiceUnavailable,
				Code:    "SERVICE_UNAVAILABLE",
				Message: "no workflow run attached",
			})
			return
		}
		writeJSON(w, http.StatusOK, src.Snapshot())
	}
}

// StageHandler serves one stage of the run snapshot, named by the
// "stage" path value extracted by stageParam.
func StageHandler(src SnapshotSource, stageParam func(*http.Request) string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name, err := pipeline.ParseName(stageParam(r))
		if err != nil {
			respondWithError(w, r, &HTTPError{
				Status:  http.StatusNotFound,
				Code:    "NOT_FOUND",
				Message: err.Error(),
			})
			return
		}
		if src == nil {
			StatusHandler(nil)(w, r)
			return
		}
		for _, st := range src.Snapshot().Stages {
			if st.Stage == name {
				writeJSON(w, http.StatusOK, st)
				return
			}
		}
		NotFound(w, r)
	}
}
