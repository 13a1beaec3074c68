// Package version carries the build identity stamped in via ldflags.
package version

import (
	"fmt"
	"runtime"
)

// Set at build time. A source build without ldflags reports "dev".
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

// Info is the resolved build identity, including the toolchain the
// binary was compiled with.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"buildDate"`
	GoVersion string `json:"goVersion"`
	Platform  string `json:"platform"`
}

func Get() Info {
	return Info{
		Version:   Version,
		Commit:    Commit,
		BuildDate: BuildDate,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}

// String renders the one-line form shown by `bramble version`.
func (i Info) String() string {
	return fmt.Sprintf("bramble %s (commit %s, %s, %s)",
		i.Version, i.shortCommit(), i.BuildDate, i.Platform)
}

func (i Info) shortCommit() string {
	if len(i.Commit) > 12 {
		return i.Commit[:12]
	}
	return i.Commit
}
