package proxy

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/AdguardTeam/dnscrypt-wrapper/internal/metrics"
	"github.com/AdguardTeam/dnscrypt-wrapper/internal/session"
	"github.com/AdguardTeam/dnscrypt-wrapper/upstream"
	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/optslog"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/miekg/dns"
)

// errMalformedResponse is returned when the resolver response can't be
// unpacked.
const errMalformedResponse errors.Error = "malformed upstream response"

// upstreamPacketLoop reads the resolver datagrams and passes them to the event
// loop.
func (p *Proxy) upstreamPacketLoop(ctx context.Context, r *upstream.Resolver) {
	defer p.wg.Done()
	defer slogutil.RecoverAndLog(ctx, p.logger)

	p.logger.InfoContext(ctx, "entering upstream loop", "addr", r.Address())

	b := make([]byte, dns.MaxMsgSize)
	for {
		n, err := r.ReadUDP(b)
		if errors.Is(err, upstream.ErrUpstreamSpoofDetected) {
			p.metrics.IncDropped(metrics.ReasonSpoof)
			p.logger.DebugContext(ctx, "dropping upstream packet", slogutil.KeyError, err)

			continue
		} else if err != nil {
			if errors.Is(err, net.ErrClosed) {
				p.logger.DebugContext(ctx, "upstream connection closed")
			} else {
				p.logger.ErrorContext(ctx, "reading from upstream", slogutil.KeyError, err)
			}

			return
		}

		packet := make([]byte, n)
		copy(packet, b)

		if !p.send(ctx, &upstreamPacketEvent{packet: packet}) {
			return
		}
	}
}

// forward sends the query of s to the resolver.  TCP sessions and all
// sessions in the TCP-only mode are forwarded over TCP.
func (p *Proxy) forward(ctx context.Context, s *session.Session) {
	if p.tcpOnly || s.Transport == session.TransportTCP {
		p.exchangeTCP(ctx, s)

		return
	}

	err := p.resolver.SendUDP(s.Query)
	if err != nil {
		// Keep the session, it's evicted once it times out.
		p.logger.ErrorContext(ctx, "forwarding query", "id", s.UpstreamID, slogutil.KeyError, err)
	}
}

// exchangeTCP starts a TCP exchange with the resolver for s.  The result is
// passed to the event loop.
func (p *Proxy) exchangeTCP(ctx context.Context, s *session.Session) {
	s.Upstream = session.TransportTCP

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer slogutil.RecoverAndLog(ctx, p.logger)

		resp, err := p.resolver.ExchangeTCP(ctx, s.Query)
		p.send(ctx, &upstreamTCPEvent{sess: s, err: err, packet: resp})
	}()
}

// handleUpstreamPacket handles a datagram received from the resolver.  It's
// called by the event loop.
func (p *Proxy) handleUpstreamPacket(ctx context.Context, ev *upstreamPacketEvent) {
	resp := &dns.Msg{}
	err := resp.Unpack(ev.packet)
	if err != nil {
		p.metrics.IncDropped(metrics.ReasonMalformed)
		p.logger.DebugContext(ctx, "unpacking upstream response", slogutil.KeyError, err)

		return
	}

	now := p.clock.Now()
	s, ok := p.sessions.Lookup(resp.Id, now)
	if !ok {
		p.metrics.IncDropped(metrics.ReasonUnmatched)
		optslog.Trace1(ctx, p.logger, "no session for upstream response", "id", resp.Id)

		return
	} else if s.Upstream == session.TransportTCP {
		// The query has never been sent over UDP.
		p.metrics.IncDropped(metrics.ReasonSpoof)
		p.logger.DebugContext(ctx, "unexpected udp response", "id", resp.Id)

		return
	}

	err = upstream.ValidateResponse(s.Question, resp)
	if err != nil {
		// Keep waiting for the genuine response.
		p.metrics.IncDropped(metrics.ReasonSpoof)
		p.logger.DebugContext(ctx, "dropping upstream response", "id", resp.Id, slogutil.KeyError, err)

		return
	}

	if resp.Truncated {
		p.logger.DebugContext(ctx, "truncated upstream response, retrying over tcp", "id", resp.Id)

		s.Deadline = now.Add(p.upstreamTimeout)
		p.exchangeTCP(ctx, s)

		return
	}

	p.metrics.ObserveUpstream(session.TransportUDP.String(), now.Sub(s.Started))
	p.respond(ctx, s, ev.packet, now)
}

// handleUpstreamTCP handles the result of a TCP exchange.  It's called by the
// event loop.
func (p *Proxy) handleUpstreamTCP(ctx context.Context, ev *upstreamTCPEvent) {
	s := ev.sess
	now := p.clock.Now()

	cur, ok := p.sessions.Lookup(s.UpstreamID, now)
	if !ok || cur != s {
		optslog.Trace1(ctx, p.logger, "session is gone", "id", s.UpstreamID)
		p.releaseSessionConn(s)

		return
	}

	if ev.err != nil {
		p.dropSession(ctx, s, now, ev.err)

		return
	}

	resp := &dns.Msg{}
	err := resp.Unpack(ev.packet)
	if err != nil {
		err = fmt.Errorf("%w: unpacking: %w", errMalformedResponse, err)
	} else {
		err = upstream.ValidateResponse(s.Question, resp)
	}

	if err != nil {
		// There is no other response to wait for over TCP.
		p.dropSession(ctx, s, now, err)

		return
	}

	p.metrics.ObserveUpstream(session.TransportTCP.String(), now.Sub(s.Started))
	p.respond(ctx, s, ev.packet, now)
}

// dropSession evicts s after a failed TCP exchange.
func (p *Proxy) dropSession(ctx context.Context, s *session.Session, now time.Time, err error) {
	p.sessions.Remove(s.UpstreamID)
	p.metrics.SetSessions(p.sessions.Len())
	defer p.releaseSessionConn(s)

	reason := metrics.ReasonSend
	switch {
	case errors.Is(err, upstream.ErrUpstreamTimeout):
		reason = metrics.ReasonTimeout
	case errors.Is(err, upstream.ErrUpstreamSpoofDetected):
		reason = metrics.ReasonSpoof
	case errors.Is(err, errMalformedResponse):
		reason = metrics.ReasonMalformed
	}

	p.metrics.IncDropped(reason)
	p.logger.DebugContext(ctx, "upstream tcp exchange failed", "id", s.UpstreamID, slogutil.KeyError, err)

	if p.servFailOnTimeout && reason == metrics.ReasonTimeout {
		p.respondSERVFAIL(ctx, s, now)
	}
}
