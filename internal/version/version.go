package version

// Version is set at build time via -ldflags "-X github.com/hashmap-kz/raygo/internal/version.Version=...".
var Version = "devel"
