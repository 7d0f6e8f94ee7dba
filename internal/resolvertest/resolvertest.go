// Package resolvertest contains a plain DNS resolver for tests.
package resolvertest

import (
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/testutil"
	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

// startTimeout is the timeout for the servers to start.
const startTimeout = time.Second

// Server is a plain DNS resolver listening on UDP and TCP on the same port of
// the loopback address.
type Server struct {
	udpSrv *dns.Server
	tcpSrv *dns.Server

	// Addr is the address the server listens on.
	Addr netip.AddrPort
}

// Start starts a new server on 127.0.0.1 serving queries with h.  The server
// is shut down on tb cleanup.
func Start(tb testing.TB, h dns.Handler) (s *Server) {
	tb.Helper()

	udpListener, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(tb, err)

	addr := testutil.RequireTypeAssert[*net.UDPAddr](tb, udpListener.LocalAddr()).AddrPort()

	tcpListener, err := net.Listen("tcp", addr.String())
	require.NoError(tb, err)

	s = &Server{
		Addr: addr,
	}

	started := make(chan struct{}, 2)
	notify := func() { started <- struct{}{} }

	s.udpSrv = &dns.Server{
		PacketConn:        udpListener,
		Handler:           h,
		NotifyStartedFunc: notify,
	}

	s.tcpSrv = &dns.Server{
		Listener:          tcpListener,
		Handler:           h,
		NotifyStartedFunc: notify,
	}

	go func() {
		pt := testutil.PanicT{}
		require.NoError(pt, s.udpSrv.ActivateAndServe())
	}()

	go func() {
		pt := testutil.PanicT{}
		require.NoError(pt, s.tcpSrv.ActivateAndServe())
	}()

	testutil.RequireReceive(tb, started, startTimeout)
	testutil.RequireReceive(tb, started, startTimeout)

	testutil.CleanupAndRequireSuccess(tb, s.Close)

	return s
}

// Close shuts both servers down.
func (s *Server) Close() (err error) {
	udpErr := s.udpSrv.Shutdown()
	tcpErr := s.tcpSrv.Shutdown()

	return errors.WithDeferred(udpErr, tcpErr)
}

// IsTCP returns true if w serves a query received over TCP.
func IsTCP(w dns.ResponseWriter) (ok bool) {
	_, ok = w.RemoteAddr().(*net.TCPAddr)

	return ok
}

// AnswerA returns a handler answering every A query with ip.
func AnswerA(ip netip.Addr) (h dns.HandlerFunc) {
	return func(w dns.ResponseWriter, req *dns.Msg) {
		resp := NewAResponse(req, ip)

		pt := testutil.PanicT{}
		require.NoError(pt, w.WriteMsg(resp))
	}
}

// NewAResponse returns a response to req with a single A record.
func NewAResponse(req *dns.Msg, ip netip.Addr) (resp *dns.Msg) {
	resp = (&dns.Msg{}).SetReply(req)
	resp.Answer = append(resp.Answer, &dns.A{
		Hdr: dns.RR_Header{
			Name:   req.Question[0].Name,
			Rrtype: dns.TypeA,
			Class:  dns.ClassINET,
			Ttl:    60,
		},
		A: ip.AsSlice(),
	})

	return resp
}
