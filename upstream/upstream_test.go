package upstream_test

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/AdguardTeam/dnscrypt-wrapper/internal/resolvertest"
	"github.com/AdguardTeam/dnscrypt-wrapper/upstream"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/testutil"
	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTimeout = time.Second

// testIP is the address the test resolver answers with.
var testIP = netip.MustParseAddr("192.0.2.1")

// newTestResolver returns a new resolver forwarding to addr.
func newTestResolver(tb testing.TB, addr netip.AddrPort) (r *upstream.Resolver) {
	tb.Helper()

	c := &upstream.Config{
		Logger:  slogutil.NewDiscardLogger(),
		Address: addr,
		Timeout: testTimeout,
	}
	require.NoError(tb, c.Validate())

	r, err := upstream.New(c)
	require.NoError(tb, err)
	testutil.CleanupAndRequireSuccess(tb, r.Close)

	return r
}

// newTestQuery returns a packed A query for example.com.
func newTestQuery(tb testing.TB) (req *dns.Msg, b []byte) {
	tb.Helper()

	req = (&dns.Msg{}).SetQuestion("example.com.", dns.TypeA)

	b, err := req.Pack()
	require.NoError(tb, err)

	return req, b
}

func TestResolver_UDP(t *testing.T) {
	srv := resolvertest.Start(t, resolvertest.AnswerA(testIP))
	r := newTestResolver(t, srv.Addr)

	req, b := newTestQuery(t)
	require.NoError(t, r.SendUDP(b))

	buf := make([]byte, dns.MaxMsgSize)
	n, err := r.ReadUDP(buf)
	require.NoError(t, err)

	resp := &dns.Msg{}
	require.NoError(t, resp.Unpack(buf[:n]))

	assert.Equal(t, req.Id, resp.Id)
	assert.NoError(t, upstream.ValidateResponse(req.Question[0], resp))
}

func TestResolver_ReadUDP_spoof(t *testing.T) {
	srv := resolvertest.Start(t, resolvertest.AnswerA(testIP))
	r := newTestResolver(t, srv.Addr)

	spoofer, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	testutil.CleanupAndRequireSuccess(t, spoofer.Close)

	_, b := newTestQuery(t)
	_, err = spoofer.WriteToUDPAddrPort(b, netip.AddrPortFrom(
		netip.MustParseAddr("127.0.0.1"),
		r.LocalAddr().Port(),
	))
	require.NoError(t, err)

	_, err = r.ReadUDP(make([]byte, dns.MaxMsgSize))
	assert.ErrorIs(t, err, upstream.ErrUpstreamSpoofDetected)
}

func TestResolver_ExchangeTCP(t *testing.T) {
	srv := resolvertest.Start(t, resolvertest.AnswerA(testIP))
	r := newTestResolver(t, srv.Addr)

	req, b := newTestQuery(t)

	ctx := testutil.ContextWithTimeout(t, testTimeout)
	respBytes, err := r.ExchangeTCP(ctx, b)
	require.NoError(t, err)

	resp := &dns.Msg{}
	require.NoError(t, resp.Unpack(respBytes))

	require.Len(t, resp.Answer, 1)

	a := testutil.RequireTypeAssert[*dns.A](t, resp.Answer[0])
	assert.Equal(t, testIP.AsSlice(), []byte(a.A.To4()))
	assert.Equal(t, req.Id, resp.Id)
}

func TestResolver_ExchangeTCP_timeout(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	testutil.CleanupAndRequireSuccess(t, l.Close)

	// Never accept, the kernel completes the handshake anyway.
	addr := testutil.RequireTypeAssert[*net.TCPAddr](t, l.Addr()).AddrPort()
	r := newTestResolver(t, addr)

	_, b := newTestQuery(t)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err = r.ExchangeTCP(ctx, b)
	assert.ErrorIs(t, err, upstream.ErrUpstreamTimeout)
}

func TestValidateResponse(t *testing.T) {
	req := (&dns.Msg{}).SetQuestion("example.com.", dns.TypeA)
	q := req.Question[0]

	testCases := []struct {
		resp    *dns.Msg
		name    string
		wantErr bool
	}{{
		resp:    (&dns.Msg{}).SetReply(req),
		name:    "valid",
		wantErr: false,
	}, {
		resp:    (&dns.Msg{}).SetReply((&dns.Msg{}).SetQuestion("EXAMPLE.com.", dns.TypeA)),
		name:    "case",
		wantErr: false,
	}, {
		resp:    (&dns.Msg{}).SetReply((&dns.Msg{}).SetQuestion("example.org.", dns.TypeA)),
		name:    "name",
		wantErr: true,
	}, {
		resp:    (&dns.Msg{}).SetReply((&dns.Msg{}).SetQuestion("example.com.", dns.TypeAAAA)),
		name:    "type",
		wantErr: true,
	}, {
		resp:    req,
		name:    "not_response",
		wantErr: true,
	}, {
		resp:    &dns.Msg{MsgHdr: dns.MsgHdr{Response: true}},
		name:    "no_question",
		wantErr: true,
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := upstream.ValidateResponse(q, tc.resp)
			if tc.wantErr {
				assert.ErrorIs(t, err, upstream.ErrUpstreamSpoofDetected)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
