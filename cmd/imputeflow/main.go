package main

import (
	"os"

	"github.com/3leaps/imputeflow/internal/cmd"
	"github.com/3leaps/imputeflow/internal/server/handlers"
)

// Set by the linker: -ldflags "-X main.version=..."
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	cmd.SetVersionInfo(version, commit, buildDate)
	handlers.SetVersionInfo(handlers.VersionInfo{
		Version:   version,
		Commit:    commit,
		BuildDate: buildDate,
	})
	os.Exit(cmd.Execute())
}
