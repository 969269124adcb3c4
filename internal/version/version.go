// Package version provides the build version of the server.
package version

import "fmt"

// Version is the semver of the current build.
var Version = "0.3.1"

// DevVersion is the version suffix used in dev mode.
var DevVersion = fmt.Sprintf("%s-dev", Version)

// GetCurrentVersion returns the version string for the given mode.
func GetCurrentVersion(mode string) string {
	if mode == "dev" {
		return DevVersion
	}
	return Version
}
