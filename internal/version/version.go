// Package version reports build information set via -ldflags.
package version

import "runtime/debug"

var (
	Version = "dev"
	Commit  = ""
)

// Info is returned by the version command and the health endpoint.
type Info struct {
	Version  string `json:"version"`
	Commit   string `json:"commit,omitempty"`
	Protocol int    `json:"protocol"`
}

// ProtocolVersion changes when the channel frame format changes.
const ProtocolVersion = 1

func Get() Info {
	info := Info{Version: Version, Commit: Commit, Protocol: ProtocolVersion}
	if info.Commit == "" {
		if bi, ok := debug.ReadBuildInfo(); ok {
			for _, s := range bi.Settings {
				if s.Key == "vcs.revision" && len(s.Value) >= 12 {
					info.Commit = s.Value[:12]
				}
			}
		}
	}
	return info
}
