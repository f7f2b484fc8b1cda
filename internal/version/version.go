package version

// Version is the polarrouteserver release version reported in API responses.
// Overridden at build time via -ldflags "-X .../internal/version.Version=x.y.z".
var Version = "0.4.0"
