// Package version provides the application version, set at build time via ldflags.
package version

// Version is the application version, set via ldflags at build time.
// Clients of the v1 protocol parse this as dotted decimals, so the
// default must stay numeric.
var Version = "1.0.0"
