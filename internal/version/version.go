// Package version formats the --version line both hatunnel binaries
// print: the values injected at build time via -ldflags, falling back
// to Go module build info when those weren't set.
package version

import (
	"runtime/debug"
	"strings"
)

// String formats a human-friendly version line. It prefers version,
// commit, and date as given (normally -ldflags injected) and fills in
// whatever is blank or a placeholder from the running binary's build
// info.
func String(version, commit, date string) string {
	v, c, d := strings.TrimSpace(version), strings.TrimSpace(commit), strings.TrimSpace(date)

	if info, ok := debug.ReadBuildInfo(); ok {
		if unset(v, "dev", "(devel)") {
			if mv := strings.TrimSpace(info.Main.Version); mv != "" && mv != "(devel)" {
				v = mv
			}
		}
		if unset(c, "unknown") {
			if rev := buildSetting(info, "vcs.revision"); rev != "" {
				c = rev
			}
		}
		if unset(d, "unknown") {
			if t := buildSetting(info, "vcs.time"); t != "" {
				d = t
			}
		}
	}

	out := v
	if out == "" {
		out = "dev"
	}
	if !unset(c, "unknown") {
		out += " (" + c + ")"
	}
	if !unset(d, "unknown") {
		out += " " + d
	}
	return out
}

// unset reports whether s is blank or matches one of placeholders.
func unset(s string, placeholders ...string) bool {
	if s == "" {
		return true
	}
	for _, p := range placeholders {
		if s == p {
			return true
		}
	}
	return false
}

func buildSetting(info *debug.BuildInfo, key string) string {
	for _, s := range info.Settings {
		if s.Key == key {
			return s.Value
		}
	}
	return ""
}
