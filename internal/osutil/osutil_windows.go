//go:build windows

package osutil

func daemonize() (parent bool, err error) {
	return false, ErrUnsupported
}
