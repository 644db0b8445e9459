package model

// NodeInfo describes a node's build and capability set.
type NodeInfo struct {
	Version        VersionInfo  `json:"version"`
	BuildTime      int64        `json:"buildTime"` // Unix timestamp in milliseconds
	Git            GitInfo      `json:"git"`
	JVM            string       `json:"jvm"`
	Lavaplayer     string       `json:"lavaplayer"`
	SourceManagers []string     `json:"sourceManagers"`
	Filters        []string     `json:"filters"`
	Plugins        []PluginInfo `json:"plugins"`
}

// VersionInfo is the node's semantic version breakdown.
type VersionInfo struct {
	Semver     string  `json:"semver"`
	Major      int     `json:"major"`
	Minor      int     `json:"minor"`
	Patch      int     `json:"patch"`
	PreRelease *string `json:"preRelease"`
	Build      *string `json:"build"`
}

// GitInfo identifies the commit a node was built from.
type GitInfo struct {
	Branch     string `json:"branch"`
	Commit     string `json:"commit"`
	CommitTime int64  `json:"commitTime"` // Unix timestamp in milliseconds
}

// PluginInfo names a plugin loaded on the node.
type PluginInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}
