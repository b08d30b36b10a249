package version

import (
	"runtime/debug"
	"strings"
)

// SemVer is set at build time for releases.
//
//	-ldflags "-X github.com/Oudwins/storyd/internals/version.SemVer=1.2.3"
var SemVer = "0.0.0-dev"

// Version returns SemVer with the vcs revision as build metadata when known,
// e.g. 1.2.3+a1b2c3d4e5f6 or 0.0.0-dev+a1b2c3d4e5f6.dirty.
func Version() string {
	v := strings.TrimSpace(SemVer)
	if v == "" {
		v = "0.0.0-dev"
	}
	rev, dirty := vcsInfo()
	if rev == "" {
		return v
	}
	if dirty {
		rev += ".dirty"
	}
	if strings.Contains(v, "+") {
		return v + "." + rev
	}
	return v + "+" + rev
}

func vcsInfo() (rev12 string, dirty bool) {
	info, ok := debug.ReadBuildInfo()
	if !ok || info == nil {
		return "", false
	}
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			rev12 = strings.TrimSpace(s.Value)
		case "vcs.modified":
			dirty = strings.TrimSpace(s.Value) == "true"
		}
	}
	if len(rev12) > 12 {
		rev12 = rev12[:12]
	}
	return rev12, dirty
}
