package version

// Version is the domuser release version, set at build time via
// -ldflags "-X github.com/redswoop/domuser/internal/version.Version=...".
var Version = "0.3.0"
