package netutil

import (
	"net"
	"net/netip"
)

// UDPGetOOBSize returns maximum size of the received OOB data.
func UDPGetOOBSize() (oobSize int) {
	return udpGetOOBSize()
}

// UDPSetOptions sets flag options on a UDP socket to be able to receive the
// necessary OOB data.
func UDPSetOptions(c *net.UDPConn) (err error) {
	return udpSetOptions(c)
}

// UDPRead reads the message from conn using buf and receives a control-message
// payload of size udpOOBSize from it.  It returns the number of bytes copied
// into buf, the destination address of the message, and its source address.
// localIP is invalid if the OOB data doesn't contain it.
func UDPRead(
	conn *net.UDPConn,
	buf []byte,
	udpOOBSize int,
) (n int, localIP netip.Addr, remoteAddr netip.AddrPort, err error) {
	return udpRead(conn, buf, udpOOBSize)
}

// UDPWrite writes the data to the remoteAddr using conn.  If localIP is valid,
// it's used as the source address of the datagram.
func UDPWrite(
	data []byte,
	conn *net.UDPConn,
	remoteAddr netip.AddrPort,
	localIP netip.Addr,
) (n int, err error) {
	return udpWrite(data, conn, remoteAddr, localIP)
}
