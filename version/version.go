// Package version reports the bridge's own build version and the resolved
// versions of every dependency it was compiled against, surfaced at the
// ops server's /version endpoint for operators diagnosing a running binary.
package version

import (
	"runtime/debug"
	"sort"
)

const modulePath = "txbridge.dev"

// Dependency names one resolved module dependency.
type Dependency struct {
	Path    string `json:"path"`
	Version string `json:"version"`
	Replace string `json:"replace,omitempty"`
}

// Info is the full build-time snapshot reported at /version.
type Info struct {
	Version      string       `json:"version"`
	GoVersion    string       `json:"goVersion"`
	Dependencies []Dependency `json:"dependencies"`
}

// Build reads the embedded module build metadata and returns it as an Info.
// Called once per /version request rather than cached, since the value never
// changes within a process lifetime but the cost of re-reading it is
// negligible.
func Build() Info {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return Info{Version: "unknown", GoVersion: "unknown"}
	}

	deps := make([]Dependency, 0, len(bi.Deps))
	for _, d := range bi.Deps {
		dep := Dependency{Path: d.Path, Version: d.Version}
		if d.Replace != nil {
			dep.Replace = d.Replace.Path + "@" + d.Replace.Version
		}
		deps = append(deps, dep)
	}
	sort.Slice(deps, func(i, j int) bool { return deps[i].Path < deps[j].Path })

	return Info{
		Version:      moduleVersion(bi),
		GoVersion:    bi.GoVersion,
		Dependencies: deps,
	}
}

// moduleVersion resolves the bridge's own version from build info: its main
// module version when this module is the main module (the built binary or
// one of its test binaries), or the matching entry in Deps when it is
// imported by another module.
func moduleVersion(bi *debug.BuildInfo) string {
	if bi.Main.Path == modulePath {
		if bi.Main.Version != "" && bi.Main.Version != "(devel)" {
			return bi.Main.Version
		}
		return "dev"
	}
	for _, d := range bi.Deps {
		if d.Path == modulePath {
			if d.Replace != nil {
				return d.Replace.Version + " (replaced)"
			}
			return d.Version
		}
	}
	return "unknown"
}
