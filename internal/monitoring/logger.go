// Package monitoring holds the process-wide diagnostic logging seam.
package monitoring

import "log"

// Logf is the package-level diagnostic logger. It defaults to log.Printf and
// may be replaced with SetLogger; the pipeline packages route all of their
// non-fatal diagnostics (dropped frames, force-seals, calibration resets)
// through it so tests can capture or mute them.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil installs a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}
