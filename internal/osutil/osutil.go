// Package osutil contains utilities for functions requiring system calls and
// other OS-specific APIs, except for network-related ones.
package osutil

import "github.com/AdguardTeam/golibs/errors"

// ErrUnsupported is returned by [Daemonize] on platforms without sessions.
const ErrUnsupported errors.Error = "daemonization is not supported on this platform"

// envDaemonized is the environment variable set for the detached copy of the
// process.
const envDaemonized = "DNSCRYPT_WRAPPER_DAEMONIZED"

// Daemonize detaches the program from the controlling terminal.  The program is
// executed again with the same arguments in a new session, with standard
// streams attached to the null device.  If parent is true, the detached copy
// has been started and the calling process should exit.  In the detached copy,
// Daemonize returns false and nil.
func Daemonize() (parent bool, err error) {
	return daemonize()
}
