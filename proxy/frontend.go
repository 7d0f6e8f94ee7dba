package proxy

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/AdguardTeam/dnscrypt-wrapper/internal/certmgr"
	"github.com/AdguardTeam/dnscrypt-wrapper/internal/dnscrypt"
	"github.com/AdguardTeam/dnscrypt-wrapper/internal/dnsmsg"
	"github.com/AdguardTeam/dnscrypt-wrapper/internal/metrics"
	proxynetutil "github.com/AdguardTeam/dnscrypt-wrapper/internal/netutil"
	"github.com/AdguardTeam/dnscrypt-wrapper/internal/session"
	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/optslog"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/netutil"
	"github.com/miekg/dns"
)

// tcpOutBufSize is the capacity of the outbound queue of a client TCP
// connection.
const tcpOutBufSize = 16

// startListeners binds the client-facing UDP and TCP sockets.  If it returns
// an error, the sockets that are already bound should be closed manually.
func (p *Proxy) startListeners(ctx context.Context) (err error) {
	p.udpConn, err = p.listenUDP(ctx, p.listenAddr)
	if err != nil {
		return fmt.Errorf("listening on udp addr %s: %w", p.listenAddr, err)
	}

	// Bind TCP to the same port, since the configured one may be zero.
	tcpAddr := netutil.NetAddrToAddrPort(p.udpConn.LocalAddr()).String()
	p.tcpListen, err = p.listenTCP(ctx, tcpAddr)
	if err != nil {
		return fmt.Errorf("listening on tcp addr %s: %w", tcpAddr, err)
	}

	return nil
}

// listenUDP returns a new UDP socket listening on addr.
func (p *Proxy) listenUDP(ctx context.Context, addr string) (conn *net.UDPConn, err error) {
	p.logger.InfoContext(ctx, "creating udp server socket", "addr", addr)

	conf := proxynetutil.ListenConfig(p.logger)

	var pc net.PacketConn
	err = p.bindWithRetry(ctx, func() (listenErr error) {
		pc, listenErr = conf.ListenPacket(ctx, "udp", addr)

		return listenErr
	})
	if err != nil {
		return nil, fmt.Errorf("listening to udp socket: %w", err)
	}

	conn, ok := pc.(*net.UDPConn)
	if !ok {
		return nil, errors.WithDeferred(fmt.Errorf("bad packet conn type: %T", pc), pc.Close())
	}

	if p.udpBufSize > 0 {
		err = conn.SetReadBuffer(p.udpBufSize)
		if err != nil {
			return nil, errors.WithDeferred(fmt.Errorf("setting udp buf size: %w", err), conn.Close())
		}
	}

	err = proxynetutil.UDPSetOptions(conn)
	if err != nil {
		return nil, errors.WithDeferred(fmt.Errorf("setting udp opts: %w", err), conn.Close())
	}

	p.logger.InfoContext(ctx, "listening to udp", "addr", conn.LocalAddr())

	return conn, nil
}

// listenTCP returns a new TCP listener listening on addr.
func (p *Proxy) listenTCP(ctx context.Context, addr string) (ln *net.TCPListener, err error) {
	p.logger.InfoContext(ctx, "creating tcp server socket", "addr", addr)

	conf := proxynetutil.ListenConfig(p.logger)

	var l net.Listener
	err = p.bindWithRetry(ctx, func() (listenErr error) {
		l, listenErr = conf.Listen(ctx, "tcp", addr)

		return listenErr
	})
	if err != nil {
		return nil, fmt.Errorf("listening to tcp socket: %w", err)
	}

	ln, ok := l.(*net.TCPListener)
	if !ok {
		return nil, errors.WithDeferred(fmt.Errorf("bad listener type: %T", l), l.Close())
	}

	p.logger.InfoContext(ctx, "listening to tcp", "addr", ln.Addr())

	return ln, nil
}

// udpPacketLoop reads client datagrams from conn and passes them to the event
// loop.  Datagrams from rate limited clients are dropped here.
func (p *Proxy) udpPacketLoop(ctx context.Context, conn *net.UDPConn) {
	defer p.wg.Done()
	defer slogutil.RecoverAndLog(ctx, p.logger)

	p.logger.InfoContext(ctx, "entering udp listener loop", "addr", conn.LocalAddr())

	b := make([]byte, dns.MaxMsgSize)
	for {
		n, localIP, remoteAddr, err := proxynetutil.UDPRead(conn, b, p.udpOOBSize)
		if err != nil {
			logUDPConnError(ctx, err, conn, p.logger)

			return
		}

		if p.limiter.IsRatelimited(ctx, remoteAddr.Addr()) {
			p.metrics.IncDropped(metrics.ReasonRatelimit)

			continue
		}

		// Make a copy of all bytes because ReadFrom() will overwrite the
		// contents of b on the next call.
		packet := make([]byte, n)
		copy(packet, b)

		ev := &clientPacketEvent{
			packet: packet,
			from:   remoteAddr,
			local:  localIP,
		}

		if !p.send(ctx, ev) {
			return
		}
	}
}

// logUDPConnError writes suitable log message for given err.
func logUDPConnError(ctx context.Context, err error, conn *net.UDPConn, l *slog.Logger) {
	if errors.Is(err, net.ErrClosed) {
		l.DebugContext(ctx, "udp connection closed", "addr", conn.LocalAddr())
	} else {
		l.ErrorContext(ctx, "reading from udp", slogutil.KeyError, err)
	}
}

// tcpConn is a client TCP connection.  Its reader and writer goroutines exit
// once ctx is canceled.  The writer also exits once out is closed and drained.
type tcpConn struct {
	ctx    context.Context
	cancel context.CancelFunc
	conn   net.Conn

	// out is the queue of the framed responses.  It's only written by the
	// event loop.
	out chan []byte

	remote netip.AddrPort
	id     uint64

	// readDone is true once the client has stopped sending queries.  It's
	// only accessed by the event loop.
	readDone bool
}

// tcpAcceptLoop accepts client TCP connections on l while the number of
// connections is within the limit.
func (p *Proxy) tcpAcceptLoop(ctx context.Context, l *net.TCPListener) {
	defer p.wg.Done()
	defer slogutil.RecoverAndLog(ctx, p.logger)

	p.logger.InfoContext(ctx, "entering tcp listener loop", "addr", l.Addr())

	var lastID uint64
	for {
		err := p.tcpSema.Acquire(ctx)
		if err != nil {
			p.logger.DebugContext(ctx, "acquiring semaphore", slogutil.KeyError, err)

			return
		}

		conn, err := l.Accept()
		if err != nil {
			p.tcpSema.Release()

			if errors.Is(err, net.ErrClosed) {
				p.logger.DebugContext(ctx, "tcp listener closed", "addr", l.Addr())
			} else {
				p.logger.ErrorContext(ctx, "accepting tcp", slogutil.KeyError, err)
			}

			return
		}

		lastID++
		connCtx, cancel := context.WithCancel(ctx)
		c := &tcpConn{
			ctx:    connCtx,
			cancel: cancel,
			conn:   conn,
			out:    make(chan []byte, tcpOutBufSize),
			remote: netutil.NetAddrToAddrPort(conn.RemoteAddr()),
			id:     lastID,
		}

		p.wg.Add(2)
		go p.tcpWriteLoop(c)
		go p.tcpReadLoop(ctx, c)
	}
}

// tcpReadLoop reads framed client queries from c and passes them to the event
// loop until the connection fails or stays idle for too long.
func (p *Proxy) tcpReadLoop(ctx context.Context, c *tcpConn) {
	defer p.wg.Done()
	defer slogutil.RecoverAndLog(ctx, p.logger)

	optslog.Trace1(ctx, p.logger, "handling new tcp connection", "raddr", c.remote)

	if !p.send(ctx, &connOpenEvent{conn: c}) {
		return
	}

	for {
		err := c.conn.SetReadDeadline(time.Now().Add(p.tcpIdleTimeout))
		if err != nil {
			// Consider deadline errors non-critical.
			logWithNonCrit(ctx, err, "setting deadline", p.logger)
		}

		packet, err := readPrefixed(c.conn)
		if err != nil {
			logWithNonCrit(ctx, err, "reading msg", p.logger)

			break
		}

		if !p.send(ctx, &clientPacketEvent{conn: c, packet: packet, from: c.remote}) {
			return
		}
	}

	p.send(ctx, &connCloseEvent{conn: c})
}

// tcpWriteLoop writes framed responses to c until it's canceled or its queue
// is closed.  It closes the connection and releases the connection semaphore
// on exit.
func (p *Proxy) tcpWriteLoop(c *tcpConn) {
	defer p.wg.Done()
	defer slogutil.RecoverAndLog(c.ctx, p.logger)
	defer p.tcpSema.Release()
	defer c.cancel()
	defer func() {
		err := c.conn.Close()
		if err != nil {
			logWithNonCrit(c.ctx, err, "closing conn", p.logger)
		}
	}()

	for {
		select {
		case <-c.ctx.Done():
			return
		case b, ok := <-c.out:
			if !ok {
				optslog.Trace1(c.ctx, p.logger, "tcp connection is done", "raddr", c.remote)

				return
			}

			err := c.conn.SetWriteDeadline(time.Now().Add(p.tcpIdleTimeout))
			if err != nil {
				logWithNonCrit(c.ctx, err, "setting deadline", p.logger)
			}

			err = writePrefixed(b, c.conn)
			if err != nil {
				logWithNonCrit(c.ctx, err, "writing msg", p.logger)
				c.cancel()

				return
			}
		}
	}
}

// unregisterConn removes c from the registry with all of its sessions.  It's
// called by the event loop.
func (p *Proxy) unregisterConn(c *tcpConn) {
	if p.conns[c.id] != c {
		return
	}

	delete(p.conns, c.id)
	c.cancel()

	p.sessions.RemoveConn(c.id)
	p.metrics.SetSessions(p.sessions.Len())
}

// closeConnRead handles the end of the queries from c.  The connection is kept
// open until its sessions are answered or expired.  It's called by the event
// loop.
func (p *Proxy) closeConnRead(c *tcpConn) {
	if p.conns[c.id] != c {
		return
	}

	if c.ctx.Err() != nil {
		// The writer is gone, so nothing can be delivered.
		p.unregisterConn(c)

		return
	}

	c.readDone = true
	p.releaseConn(c.id)
}

// releaseConn closes the outbound queue of the connection with connID once it
// has stopped reading and has no sessions left.  The writer then flushes the
// queue and closes the connection.  It's called by the event loop.
func (p *Proxy) releaseConn(connID uint64) {
	c, ok := p.conns[connID]
	if !ok || !c.readDone || p.sessions.ConnLen(connID) > 0 {
		return
	}

	delete(p.conns, connID)
	close(c.out)
}

// releaseSessionConn calls releaseConn for the connection of s, if any.
func (p *Proxy) releaseSessionConn(s *session.Session) {
	if s.Transport == session.TransportTCP {
		p.releaseConn(s.ConnID)
	}
}

// closeConns cancels all registered client TCP connections.  It's called by
// the event loop on exit.
func (p *Proxy) closeConns() {
	for id, c := range p.conns {
		c.cancel()
		delete(p.conns, id)
	}
}

// readPrefixed reads a DNS message with a 2-byte prefix containing message
// length from conn.
func readPrefixed(conn net.Conn) (b []byte, err error) {
	l := make([]byte, 2)
	_, err = io.ReadFull(conn, l)
	if err != nil {
		return nil, fmt.Errorf("reading len: %w", err)
	}

	b = make([]byte, binary.BigEndian.Uint16(l))
	_, err = io.ReadFull(conn, b)
	if err != nil {
		return nil, fmt.Errorf("reading msg: %w", err)
	}

	return b, nil
}

// writePrefixed writes a DNS message to a TCP connection it first writes
// a 2-byte prefix followed by the message itself.
func writePrefixed(b []byte, conn net.Conn) (err error) {
	l := make([]byte, 2)
	binary.BigEndian.PutUint16(l, uint16(len(b)))
	_, err = (&net.Buffers{l, b}).WriteTo(conn)

	return err
}

// logWithNonCrit logs the error on the appropriate level depending on whether
// err is a critical error or not.
func logWithNonCrit(ctx context.Context, err error, msg string, l *slog.Logger) {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || isEPIPE(err) {
		l.DebugContext(ctx, "connection is closed", "details", msg, slogutil.KeyError, err)
	} else if netErr := net.Error(nil); errors.As(err, &netErr) && netErr.Timeout() {
		l.DebugContext(ctx, "connection timed out", "details", msg, slogutil.KeyError, err)
	} else {
		l.ErrorContext(ctx, msg, slogutil.KeyError, err)
	}
}

// handleClientPacket handles a packet received from a client.  It's called by
// the event loop.  Packets that aren't valid encrypted queries or certificate
// requests are silently dropped.
func (p *Proxy) handleClientPacket(ctx context.Context, ev *clientPacketEvent) {
	now := p.clock.Now()

	magic, ok := dnscrypt.PeekClientMagic(ev.packet)
	if !ok {
		p.handlePlain(ctx, ev)

		return
	}

	cert, ok := p.certs.Lookup(magic, now)
	switch {
	case ok:
		p.handleQuery(ctx, ev, cert, now)
	case cert != nil:
		p.metrics.IncDropped(metrics.ReasonUnknownCert)
		optslog.Trace1(ctx, p.logger, "query for expired certificate", "raddr", ev.from)
	default:
		p.handlePlain(ctx, ev)
	}
}

// handlePlain answers ev if it's a certificate request.
func (p *Proxy) handlePlain(ctx context.Context, ev *clientPacketEvent) {
	req := &dns.Msg{}
	err := req.Unpack(ev.packet)
	if err != nil || !dnsmsg.IsCertRequest(req, p.providerName) {
		p.metrics.IncDropped(metrics.ReasonPlain)
		optslog.Trace1(ctx, p.logger, "dropping plain packet", "raddr", ev.from)

		return
	}

	certs := p.certs.Certificates(p.clock.Now())
	txts := make([]string, 0, len(certs))
	for _, c := range certs {
		txts = append(txts, dnscrypt.PackTXT(c.Marshal()))
	}

	resp := p.messages.NewMsgCertificates(req, txts)
	b, err := resp.Pack()
	if err != nil {
		p.logger.ErrorContext(ctx, "packing certificates", slogutil.KeyError, err)

		return
	}

	t := ev.transport()
	p.metrics.IncCertRequests(t.String())
	p.logger.DebugContext(ctx, "serving certificates", "raddr", ev.from, "proto", t, "num", len(txts))

	var connID uint64
	if ev.conn != nil {
		connID = ev.conn.id
	}

	p.writeToClient(ctx, t, ev.from, ev.local, connID, b)
}

// handleQuery decrypts the encrypted query ev with cert and forwards it to
// the resolver.
func (p *Proxy) handleQuery(
	ctx context.Context,
	ev *clientPacketEvent,
	cert *certmgr.Certificate,
	now time.Time,
) {
	q, err := dnscrypt.ParseQuery(ev.packet)
	if err != nil {
		p.dropQuery(ctx, ev, err)

		return
	}

	packet, key, err := cert.DecryptQuery(q)
	if err != nil {
		p.dropQuery(ctx, ev, err)

		return
	}

	req := &dns.Msg{}
	err = req.Unpack(packet)
	if err != nil {
		p.dropQuery(ctx, ev, fmt.Errorf("%w: unpacking: %w", dnscrypt.ErrMalformedEnvelope, err))

		return
	} else if req.Response || len(req.Question) != 1 {
		p.dropQuery(ctx, ev, fmt.Errorf("%w: not a query", dnscrypt.ErrMalformedEnvelope))

		return
	}

	t := ev.transport()
	s := &session.Session{
		Deadline:    now.Add(p.upstreamTimeout),
		Started:     now,
		Question:    req.Question[0],
		Client:      ev.from,
		Local:       ev.local,
		Key:         key,
		MaxSize:     dnscrypt.MaxPacketSize,
		ClientNonce: q.ClientNonce,
		ClientID:    req.Id,
		EsVersion:   cert.EsVersion(),
		Transport:   t,
		Upstream:    session.TransportUDP,
	}

	if t == session.TransportUDP {
		s.MaxSize = len(ev.packet)
	} else {
		s.ConnID = ev.conn.id
	}

	err = p.sessions.Insert(s)
	if err != nil {
		p.metrics.IncDropped(metrics.ReasonCapacity)
		p.logger.WarnContext(ctx, "dropping query", "proto", t, slogutil.KeyError, err)

		return
	}

	// Keep the query as is and only replace the id.
	s.Query = packet
	binary.BigEndian.PutUint16(s.Query, s.UpstreamID)

	p.metrics.IncQueries(t.String())
	p.metrics.SetSessions(p.sessions.Len())

	optslog.Trace3(ctx, p.logger, "forwarding query", "proto", t, "id", s.UpstreamID, "raddr", ev.from)

	p.forward(ctx, s)
}

// dropQuery records an invalid encrypted query.
func (p *Proxy) dropQuery(ctx context.Context, ev *clientPacketEvent, err error) {
	reason := metrics.ReasonMalformed
	if errors.Is(err, dnscrypt.ErrAuthenticationFailure) {
		reason = metrics.ReasonAuth
	}

	p.metrics.IncDropped(reason)
	optslog.Trace2(ctx, p.logger, "dropping query", "raddr", ev.from, slogutil.KeyError, err)
}

// transport returns the client-facing transport of ev.
func (ev *clientPacketEvent) transport() (t session.Transport) {
	if ev.conn != nil {
		return session.TransportTCP
	}

	return session.TransportUDP
}
