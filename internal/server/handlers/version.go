package handlers

import "net/http"

// BuildInfo identifies the running binary.
type BuildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit,omitempty"`
	BuildDate string `json:"build_date,omitempty"`
}

var buildInfo = BuildInfo{Version: "dev"}

// SetBuildInfo records build metadata for the /version endpoint.
func SetBuildInfo(version, commit, buildDate string) {
	buildInfo = BuildInfo{Version: version, Commit: commit, BuildDate: buildDate}
}

// VersionHandler serves GET /version.
func VersionHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, buildInfo)
}
