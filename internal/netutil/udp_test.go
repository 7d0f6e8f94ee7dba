package netutil_test

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/AdguardTeam/dnscrypt-wrapper/internal/netutil"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUDPReadWrite(t *testing.T) {
	lc := netutil.ListenConfig(slogutil.NewDiscardLogger())

	pc, err := lc.ListenPacket(context.Background(), "udp", "127.0.0.1:0")
	require.NoError(t, err)

	conn := testutil.RequireTypeAssert[*net.UDPConn](t, pc)
	testutil.CleanupAndRequireSuccess(t, conn.Close)

	require.NoError(t, netutil.UDPSetOptions(conn))

	client, err := net.DialUDP("udp", nil, testutil.RequireTypeAssert[*net.UDPAddr](t, conn.LocalAddr()))
	require.NoError(t, err)
	testutil.CleanupAndRequireSuccess(t, client.Close)

	_, err = client.Write([]byte("ping"))
	require.NoError(t, err)

	require.NoError(t, conn.SetDeadline(time.Now().Add(time.Second)))

	buf := make([]byte, 16)
	n, localIP, remote, err := netutil.UDPRead(conn, buf, netutil.UDPGetOOBSize())
	require.NoError(t, err)

	assert.Equal(t, "ping", string(buf[:n]))
	assert.Equal(t, client.LocalAddr().(*net.UDPAddr).AddrPort(), remote)
	if localIP.IsValid() {
		assert.Equal(t, netip.MustParseAddr("127.0.0.1"), localIP)
	}

	_, err = netutil.UDPWrite([]byte("pong"), conn, remote, localIP)
	require.NoError(t, err)

	require.NoError(t, client.SetDeadline(time.Now().Add(time.Second)))

	n, err = client.Read(buf)
	require.NoError(t, err)

	assert.Equal(t, "pong", string(buf[:n]))
}
