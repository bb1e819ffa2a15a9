package klayquery

import (
	"fmt"
	"runtime/debug"
	"strings"
)

// Version is the module release. Release builds may override it with
// -ldflags "-X github.com/ambiyansyah-risyal/klayquery.Version=v1.2.3".
var Version = "v0.1.0"

// UserAgent is the User-Agent header every Client sends unless WithHeader
// replaces it.
func UserAgent() string {
	return "klayquery/" + strings.TrimPrefix(Version, "v")
}

// GetVersion describes the release and the Go toolchain of the binary.
func GetVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok {
		return fmt.Sprintf("klayquery %s (%s)", Version, info.GoVersion)
	}
	return "klayquery " + Version
}
