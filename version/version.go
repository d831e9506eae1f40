// Package version exposes build metadata injected at link time.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// Set via -ldflags at build time; "dev" builds keep the zero values.
var (
	Version = "dev"
	Commit  = ""
	Date    = ""
)

// Info is the resolved build description for the running binary.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	Date      string `json:"date"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// Get resolves build info, falling back to the embedded module build info
// for `go install`ed binaries that were built without ldflags.
func Get() Info {
	commit := Commit
	if commit == "" {
		if bi, ok := debug.ReadBuildInfo(); ok {
			for _, s := range bi.Settings {
				if s.Key == "vcs.revision" {
					commit = s.Value
				}
			}
		}
	}
	if commit == "" {
		commit = "unknown"
	}
	return Info{
		Version:   Version,
		Commit:    commit,
		Date:      Date,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}

func (i Info) String() string {
	if i.Date != "" {
		return fmt.Sprintf("caretide %s (commit %s, built %s)", i.Version, i.Short(), i.Date)
	}
	return fmt.Sprintf("caretide %s (commit %s)", i.Version, i.Short())
}

// Short returns the abbreviated commit hash.
func (i Info) Short() string {
	if len(i.Commit) >= 7 {
		return i.Commit[:7]
	}
	return i.Commit
}
