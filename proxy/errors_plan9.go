//go:build plan9

package proxy

import "strings"

// isEPIPE checks if the underlying error is EPIPE.  Plan 9 relies on error
// strings instead of error codes.
func isEPIPE(err error) (ok bool) {
	return strings.Contains(err.Error(), "write on closed pipe")
}
