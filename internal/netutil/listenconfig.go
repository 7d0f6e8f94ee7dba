package netutil

import (
	"log/slog"
	"net"
)

// ListenConfig returns the [net.ListenConfig] used by the client-facing
// listeners.  It sets SO_REUSEADDR and SO_REUSEPORT on Unix, so that several
// processes can share the listening address.  l must not be nil.
func ListenConfig(l *slog.Logger) (lc *net.ListenConfig) {
	return &net.ListenConfig{
		Control: listenControl{logger: l}.defaultListenControl,
	}
}

// listenControl is a wrapper struct with logger.
type listenControl struct {
	logger *slog.Logger
}
