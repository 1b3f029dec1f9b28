// Package version tracks build metadata for the application.
package version

import (
	"fmt"
	"runtime"
	"sync"
)

// Info describes build metadata for the application.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
}

// String renders the metadata on a single line for the version command.
func (i Info) String() string {
	return fmt.Sprintf("gpumon %s (commit %s, built %s, %s)", i.Version, orNone(i.Commit), orNone(i.BuildTime), i.GoVersion)
}

func orNone(value string) string {
	if value == "" {
		return "none"
	}
	return value
}

var (
	info      = Info{Version: "dev", GoVersion: runtime.Version()}
	infoMutex sync.RWMutex
)

// Set updates the version metadata exposed by the application.
func Set(v Info) {
	infoMutex.Lock()
	defer infoMutex.Unlock()

	if v.Version == "" {
		v.Version = "dev"
	}
	if v.GoVersion == "" {
		v.GoVersion = runtime.Version()
	}
	info = v
}

// Current returns the currently configured build metadata.
func Current() Info {
	infoMutex.RLock()
	defer infoMutex.RUnlock()
	return info
}
