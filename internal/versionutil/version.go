// Package versionutil holds the build version reported by the CLI and sent
// by agents on registration.
package versionutil

import "strings"

// Version is set at build time with -ldflags "-X ...versionutil.Version=1.2.3".
var Version = "dev"

// EnsureVPrefix returns s with a leading "v" if it doesn't already have one.
func EnsureVPrefix(s string) string {
	if s != "" && s != "dev" && !strings.HasPrefix(s, "v") {
		return "v" + s
	}
	return s
}

// String returns the display form of [Version].
func String() string {
	return EnsureVPrefix(strings.TrimSpace(Version))
}

// UserAgent returns the HTTP User-Agent for component.
func UserAgent(component string) string {
	return "exposebus-" + component + "/" + String()
}
