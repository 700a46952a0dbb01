// Package buildinfo carries version metadata stamped by the release build.
package buildinfo

// Set with -ldflags, for example:
//
//	-X 'github.com/m3rciful/botrunner/core/buildinfo.Version=v0.4.0'
//	-X 'github.com/m3rciful/botrunner/core/buildinfo.Commit=abcdef0'
//	-X 'github.com/m3rciful/botrunner/core/buildinfo.Date=2026-01-30T12:00:00Z'
var (
	// Version is the release tag.
	Version = "dev"
	// Commit is the source revision.
	Commit = "local"
	// Date is the build timestamp in RFC3339.
	Date = ""
)

// UserAgent identifies the runtime on outbound HTTP calls.
func UserAgent() string {
	return "botrunner/" + Version + " (" + Commit + ")"
}
