// Package version holds the release version reported by the CLI and the server.
package version

// Current is the semantic version of this build.
const Current = "0.1.0"
