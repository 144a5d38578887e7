package common

// Build information, set via -ldflags at release time.
var (
	Version = "dev"
	Build   = "unknown"
)
