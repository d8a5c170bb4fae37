// Package buildinfo carries the link-time stamp every taskloom binary logs
// at startup. The variables are overridden with -ldflags -X by the release
// build; a plain go build reports the dev defaults.
package buildinfo

import (
	"fmt"
	"runtime"

	"github.com/taskloom/taskloom/core/infra/logging"
)

var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

// Info returns a single-line build summary.
func Info() string {
	return fmt.Sprintf("version=%s commit=%s date=%s go=%s", Version, Commit, Date, runtime.Version())
}

// Log emits the build stamp through the service logger so it lands in the
// same stream as everything else the process writes.
func Log(service string) {
	logging.Info(service, "starting",
		"version", Version,
		"commit", Commit,
		"date", Date,
		"go", runtime.Version(),
	)
}
