package config

import (
	"fmt"
	"runtime"
)

// Build metadata, stamped by the release pipeline through -ldflags. The zero
// values identify a plain `go build` from a working tree.
var (
	Version   = "dev"
	Revision  = "unknown"
	BuildTime = "unknown"
)

// ShortRevision trims the revision to the familiar eight-character form.
func ShortRevision() string {
	if len(Revision) <= 8 {
		return Revision
	}
	return Revision[:8]
}

// FullVersion renders the version together with the short revision, as shown
// in logs and the version command.
func FullVersion() string {
	return fmt.Sprintf("%s (%s)", Version, ShortRevision())
}

// GoVersion reports the toolchain the binary was built with.
func GoVersion() string {
	return runtime.Version()
}
