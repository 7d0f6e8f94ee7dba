// Package netutil contains network-related utilities common among
// dnscrypt-wrapper packages.
package netutil

import (
	"fmt"
	"net/netip"
	"strings"
)

// DefaultPort is the port used by [ParseAddrPort] when the address has none.
const DefaultPort uint16 = 53

// ParseAddrPort parses s as an IP address with an optional port.  Accepted
// forms are "ip:port", "[ipv6]:port", a bare IPv4 address, and a bare IPv6
// address with or without brackets.  defPort is used when s has no port.
func ParseAddrPort(s string, defPort uint16) (ap netip.AddrPort, err error) {
	if s == "" {
		return netip.AddrPort{}, fmt.Errorf("empty address")
	}

	ap, err = netip.ParseAddrPort(s)
	if err == nil {
		return unmapAddrPort(ap), nil
	}

	host := s
	if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
		host = host[1 : len(host)-1]
	}

	ip, ipErr := netip.ParseAddr(host)
	if ipErr != nil {
		// Report the original error, since it describes the full form.
		return netip.AddrPort{}, fmt.Errorf("parsing address %q: %w", s, err)
	}

	return netip.AddrPortFrom(ip.Unmap(), defPort), nil
}

// unmapAddrPort returns ap with an IPv4-mapped IPv6 address converted to IPv4.
func unmapAddrPort(ap netip.AddrPort) (res netip.AddrPort) {
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}
