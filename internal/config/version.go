package config

// Version is set at build time with -ldflags "-X .../internal/config.Version=...".
var Version = "0.1.0-dev"
