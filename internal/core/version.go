package core

import (
	"runtime/debug"
	"strings"

	"golang.org/x/mod/module"
)

// Version is the build version of this binary, "v1.2.3" for tagged
// releases and "devel-<sha>[-dirty]" for local builds.
var Version = "devel"

func init() {
	if info, ok := debug.ReadBuildInfo(); ok {
		Version = versionFromBuildInfo(info)
	}
}

func versionFromBuildInfo(info *debug.BuildInfo) string {
	if v := info.Main.Version; v != "" && v != "(devel)" && !isPseudoVersion(v) {
		return v
	}

	settings := make(map[string]string, len(info.Settings))
	for _, s := range info.Settings {
		settings[s.Key] = s.Value
	}

	revision := settings["vcs.revision"]
	if revision == "" {
		return "devel"
	}
	if len(revision) > 7 {
		revision = revision[:7]
	}

	version := "devel-" + revision
	if settings["vcs.modified"] == "true" {
		version += "-dirty"
	}
	return version
}

// FormatVersion strips the "v" of tagged releases for display
func FormatVersion(v string) string {
	return strings.TrimPrefix(v, "v")
}

// UserAgent identifies frpvisor in requests to the upstream API.
func UserAgent() string {
	return "frpvisor/" + FormatVersion(Version)
}

// isPseudoVersion reports whether v was generated by the go command for an
// untagged commit. Those carry no more information than the VCS stamp.
func isPseudoVersion(v string) bool {
	return module.IsPseudoVersion(v)
}
