//go:build windows

package netutil

import (
	"net"
	"net/netip"
)

func udpGetOOBSize() (oobSize int) {
	return 0
}

func udpSetOptions(_ *net.UDPConn) (err error) {
	return nil
}

func udpRead(
	c *net.UDPConn,
	buf []byte,
	_ int,
) (n int, localIP netip.Addr, remoteAddr netip.AddrPort, err error) {
	n, remoteAddr, err = c.ReadFromUDPAddrPort(buf)

	return n, netip.Addr{}, unmapAddrPort(remoteAddr), err
}

func udpWrite(
	data []byte,
	conn *net.UDPConn,
	remoteAddr netip.AddrPort,
	_ netip.Addr,
) (n int, err error) {
	return conn.WriteToUDPAddrPort(data, remoteAddr)
}
