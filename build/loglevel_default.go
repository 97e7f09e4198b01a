//go:build !nolog
// +build !nolog

package build

// LogLevel specifies the default log level.
var LogLevel = "info"

// LoggingType is the default log type, writing directly to stdout until the
// daemon installs its own backend.
const LoggingType = LogTypeStdOut
