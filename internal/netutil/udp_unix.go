//go:build unix

package netutil

import (
	"fmt"
	"net"
	"net/netip"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// These are the set of socket option flags for configuring an IPv[46] UDP
// connection to receive an appropriate OOB data.  For both versions the flags
// are:
//
//   - FlagDst
//   - FlagInterface
const (
	ipv4Flags ipv4.ControlFlags = ipv4.FlagDst | ipv4.FlagInterface
	ipv6Flags ipv6.ControlFlags = ipv6.FlagDst | ipv6.FlagInterface
)

// udpGetOOBSize obtains the destination IP from OOB data.
func udpGetOOBSize() (oobSize int) {
	l4, l6 := len(ipv4.NewControlMessage(ipv4Flags)), len(ipv6.NewControlMessage(ipv6Flags))

	return max(l4, l6)
}

func udpSetOptions(c *net.UDPConn) (err error) {
	err6 := ipv6.NewPacketConn(c).SetControlMessage(ipv6Flags, true)
	err4 := ipv4.NewPacketConn(c).SetControlMessage(ipv4Flags, true)
	if err6 != nil && err4 != nil {
		return fmt.Errorf("failed to call SetControlMessage: ipv4: %w; ipv6: %w", err4, err6)
	}

	return nil
}

// udpGetDstFromOOB returns the destination address from the control message
// or an invalid address if there is none.
func udpGetDstFromOOB(oob []byte) (dst netip.Addr) {
	cm6 := &ipv6.ControlMessage{}
	if cm6.Parse(oob) == nil && cm6.Dst != nil {
		dst, _ = netip.AddrFromSlice(cm6.Dst)

		return dst.Unmap()
	}

	cm4 := &ipv4.ControlMessage{}
	if cm4.Parse(oob) == nil && cm4.Dst != nil {
		dst, _ = netip.AddrFromSlice(cm4.Dst)

		return dst.Unmap()
	}

	return netip.Addr{}
}

func udpRead(
	c *net.UDPConn,
	buf []byte,
	udpOOBSize int,
) (n int, localIP netip.Addr, remoteAddr netip.AddrPort, err error) {
	var oobn int
	oob := make([]byte, udpOOBSize)
	n, oobn, _, remoteAddr, err = c.ReadMsgUDPAddrPort(buf, oob)
	if err != nil {
		return -1, netip.Addr{}, netip.AddrPort{}, err
	}

	return n, udpGetDstFromOOB(oob[:oobn]), unmapAddrPort(remoteAddr), nil
}

func udpWrite(
	data []byte,
	conn *net.UDPConn,
	remoteAddr netip.AddrPort,
	localIP netip.Addr,
) (n int, err error) {
	var oob []byte
	if localIP.IsValid() {
		oob = udpMakeOOBWithSrc(localIP)
	}

	n, _, err = conn.WriteMsgUDPAddrPort(data, oob, remoteAddr)

	return n, err
}
