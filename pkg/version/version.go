// Package version exposes the gateway's build identity: the /health
// payload embeds the full Build record, logs and user-agent strings use
// the short Full() form.
package version

import "runtime/debug"

// AppName is the application name used in version strings and health responses.
const AppName = "gantry"

// Overridable via -ldflags for container builds where .git is unavailable.
var (
	commitOverride string
	dateOverride   string
)

// Build identifies one compiled gateway binary.
type Build struct {
	Name      string `json:"name"`
	Commit    string `json:"commit"`
	Date      string `json:"date,omitempty"`
	GoVersion string `json:"go_version,omitempty"`
	Modified  bool   `json:"modified,omitempty"`
}

var build = readBuild()

func readBuild() Build {
	b := Build{Name: AppName, Commit: "dev", Date: dateOverride}
	if info, ok := debug.ReadBuildInfo(); ok {
		b.GoVersion = info.GoVersion
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				if s.Value != "" {
					b.Commit = shortRev(s.Value)
				}
			case "vcs.time":
				if b.Date == "" {
					b.Date = s.Value
				}
			case "vcs.modified":
				b.Modified = s.Value == "true"
			}
		}
	}
	if commitOverride != "" {
		b.Commit = shortRev(commitOverride)
	}
	return b
}

func shortRev(rev string) string {
	if len(rev) > 8 {
		return rev[:8]
	}
	return rev
}

// Get returns the build record reported by /health.
func Get() Build {
	return build
}

// Full returns "gantry/<commit>" for logging and user-agent strings.
func Full() string {
	return AppName + "/" + build.Commit
}
