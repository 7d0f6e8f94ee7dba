package proxy

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	"github.com/AdguardTeam/dnscrypt-wrapper/internal/metrics"
	"github.com/AdguardTeam/dnscrypt-wrapper/internal/session"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
)

// rotationRetryIvl is the interval before a failed certificate rotation is
// retried.
const rotationRetryIvl = time.Minute

// event is an input of the event loop.
type event interface {
	// isEvent is only implemented by the event types in this package.
	isEvent()
}

// clientPacketEvent is a packet received from a client.
type clientPacketEvent struct {
	// conn is the connection the packet has been received on.  It's nil for
	// UDP packets.
	conn *tcpConn

	packet []byte
	from   netip.AddrPort

	// local is the destination address of a UDP packet, if known.
	local netip.Addr
}

// connOpenEvent is sent once a client TCP connection is accepted.
type connOpenEvent struct {
	conn *tcpConn
}

// connCloseEvent is sent once a client TCP connection is done reading.
type connCloseEvent struct {
	conn *tcpConn
}

// upstreamPacketEvent is a datagram received from the resolver.
type upstreamPacketEvent struct {
	packet []byte
}

// upstreamTCPEvent is the result of a TCP exchange with the resolver.
type upstreamTCPEvent struct {
	// sess is the session the exchange has been made for.  The result is
	// discarded if it's no longer in the table.
	sess *session.Session

	err    error
	packet []byte
}

func (*clientPacketEvent) isEvent()   {}
func (*connOpenEvent) isEvent()       {}
func (*connCloseEvent) isEvent()      {}
func (*upstreamPacketEvent) isEvent() {}
func (*upstreamTCPEvent) isEvent()    {}

// send passes ev to the event loop.  It returns false if ctx is canceled
// first.
func (p *Proxy) send(ctx context.Context, ev event) (ok bool) {
	select {
	case p.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// loop is the event loop.  It exclusively owns the certificates, the session
// table, the nonce source, and the registry of client TCP connections.
func (p *Proxy) loop(ctx context.Context) {
	defer p.wg.Done()
	defer slogutil.RecoverAndLog(ctx, p.logger)

	sweep := time.NewTicker(p.sweepIvl)
	defer sweep.Stop()

	rotation := time.NewTimer(max(p.certs.NextRotation().Sub(p.clock.Now()), 0))
	defer rotation.Stop()

	for {
		select {
		case <-ctx.Done():
			p.closeConns()

			return
		case ev := <-p.events:
			p.handleEvent(ctx, ev)
		case <-sweep.C:
			p.sweep(ctx)
		case <-rotation.C:
			rotation.Reset(p.rotate(ctx))
		}
	}
}

// handleEvent dispatches ev.
func (p *Proxy) handleEvent(ctx context.Context, ev event) {
	switch ev := ev.(type) {
	case *clientPacketEvent:
		p.handleClientPacket(ctx, ev)
	case *connOpenEvent:
		p.conns[ev.conn.id] = ev.conn
	case *connCloseEvent:
		p.closeConnRead(ev.conn)
	case *upstreamPacketEvent:
		p.handleUpstreamPacket(ctx, ev)
	case *upstreamTCPEvent:
		p.handleUpstreamTCP(ctx, ev)
	default:
		p.logger.ErrorContext(ctx, "unexpected event", "type", fmt.Sprintf("%T", ev))
	}
}

// sweep evicts the expired sessions and certificates.
func (p *Proxy) sweep(ctx context.Context) {
	now := p.clock.Now()

	for _, s := range p.sessions.Sweep(now) {
		p.metrics.IncDropped(metrics.ReasonTimeout)
		p.logger.DebugContext(ctx, "upstream timeout", "id", s.UpstreamID, "proto", s.Transport)

		if p.servFailOnTimeout {
			p.respondSERVFAIL(ctx, s, now)
		}
	}

	p.metrics.SetSessions(p.sessions.Len())

	for id, c := range p.conns {
		if c.readDone {
			p.releaseConn(id)
		}
	}

	if p.certs.Expire(ctx, now) {
		p.logger.ErrorContext(
			ctx,
			"active certificate expired",
			"not_after", p.certs.Current().Cert().ValidUntil(),
		)
	}
}

// rotate rotates the certificate and returns the time until the next
// rotation.
func (p *Proxy) rotate(ctx context.Context) (next time.Duration) {
	now := p.clock.Now()

	c, err := p.certs.Rotate(ctx, now)
	if err != nil {
		p.metrics.IncRotations(metrics.ResultError)
		p.logger.ErrorContext(ctx, "rotating certificate", slogutil.KeyError, err)

		return rotationRetryIvl
	}

	p.metrics.IncRotations(metrics.ResultSuccess)
	p.metrics.SetCertExpiration(c.Cert().ValidUntil())

	return max(p.certs.NextRotation().Sub(now), 0)
}
