package version

// Build metadata, injected with -ldflags "-X watchlist-analyzer/internal/version.Version=...".
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// String renders the metadata on one line for logs.
func String() string {
	return Version + " (" + Commit + ", " + BuildDate + ")"
}
