// Package moxvar provides the version number of a mailstore build, and
// settings shared by packages that open databases.
package moxvar

import (
	"runtime"
	"runtime/debug"
)

// Version is set at runtime based on the Go module used to build. For
// development builds it is the vcs revision.
var Version = "(devel)"

// GoVersion is the version of the Go toolchain used for the build.
var GoVersion = runtime.Version()

func init() {
	buildInfo, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	Version = buildInfo.Main.Version
	if Version != "(devel)" {
		return
	}
	var rev, modified string
	for _, setting := range buildInfo.Settings {
		switch setting.Key {
		case "vcs.revision":
			rev = setting.Value
		case "vcs.modified":
			modified = setting.Value
		}
	}
	if rev == "" {
		return
	}
	Version = rev
	switch modified {
	case "false":
	case "true":
		Version += "+modifications"
	default:
		Version += "+unknown"
	}
}
