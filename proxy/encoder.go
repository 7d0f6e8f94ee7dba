package proxy

import (
	"context"
	"encoding/binary"
	"net/netip"
	"time"

	"github.com/AdguardTeam/dnscrypt-wrapper/internal/dnscrypt"
	"github.com/AdguardTeam/dnscrypt-wrapper/internal/metrics"
	proxynetutil "github.com/AdguardTeam/dnscrypt-wrapper/internal/netutil"
	"github.com/AdguardTeam/dnscrypt-wrapper/internal/session"
	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/optslog"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/miekg/dns"
)

// udpWriteTimeout is the maximum time the event loop waits for a full client
// UDP socket buffer.
const udpWriteTimeout = 100 * time.Millisecond

// respond removes s from the table, encrypts the upstream response packet,
// and sends it to the client.  packet may be modified.
func (p *Proxy) respond(ctx context.Context, s *session.Session, packet []byte, now time.Time) {
	p.sessions.Remove(s.UpstreamID)
	p.metrics.SetSessions(p.sessions.Len())
	defer p.releaseSessionConn(s)

	// Restore the id of the client query.
	binary.BigEndian.PutUint16(packet, s.ClientID)

	b, err := dnscrypt.EncryptResponse(s.EsVersion, &s.Key, p.nonces, now, s.ClientNonce, packet, s.MaxSize)
	if errors.Is(err, dnscrypt.ErrTooLarge) && s.Transport == session.TransportUDP {
		b, err = p.encryptTruncated(s, packet, now)
	}

	if err != nil {
		p.metrics.IncDropped(metrics.ReasonTooLarge)
		p.logger.DebugContext(ctx, "encrypting response", "id", s.UpstreamID, slogutil.KeyError, err)

		return
	}

	p.writeToClient(ctx, s.Transport, s.Client, s.Local, s.ConnID, b)
}

// encryptTruncated encrypts a truncated version of the response packet, which
// makes the client retry over TCP.
func (p *Proxy) encryptTruncated(s *session.Session, packet []byte, now time.Time) (b []byte, err error) {
	resp := &dns.Msg{}
	err = resp.Unpack(packet)
	if err != nil {
		return nil, err
	}

	packet, err = p.messages.NewMsgTruncated(resp).Pack()
	if err != nil {
		return nil, err
	}

	return dnscrypt.EncryptResponse(s.EsVersion, &s.Key, p.nonces, now, s.ClientNonce, packet, s.MaxSize)
}

// respondSERVFAIL sends an encrypted SERVFAIL response for the expired
// session s.
func (p *Proxy) respondSERVFAIL(ctx context.Context, s *session.Session, now time.Time) {
	req := &dns.Msg{}
	err := req.Unpack(s.Query)
	if err != nil {
		p.logger.ErrorContext(ctx, "unpacking query", "id", s.UpstreamID, slogutil.KeyError, err)

		return
	}

	req.Id = s.ClientID
	packet, err := p.messages.NewMsgSERVFAIL(req).Pack()
	if err != nil {
		p.logger.ErrorContext(ctx, "packing servfail", "id", s.UpstreamID, slogutil.KeyError, err)

		return
	}

	b, err := dnscrypt.EncryptResponse(s.EsVersion, &s.Key, p.nonces, now, s.ClientNonce, packet, s.MaxSize)
	if err != nil {
		p.logger.ErrorContext(ctx, "encrypting servfail", "id", s.UpstreamID, slogutil.KeyError, err)

		return
	}

	p.writeToClient(ctx, s.Transport, s.Client, s.Local, s.ConnID, b)
}

// writeToClient sends b to the client.  UDP datagrams are written directly,
// TCP messages are queued to the connection with connID.  It's called by the
// event loop.
func (p *Proxy) writeToClient(
	ctx context.Context,
	t session.Transport,
	client netip.AddrPort,
	local netip.Addr,
	connID uint64,
	b []byte,
) {
	switch t {
	case session.TransportUDP:
		err := p.udpConn.SetWriteDeadline(time.Now().Add(udpWriteTimeout))
		if err != nil {
			// Consider deadline errors non-critical.
			logWithNonCrit(ctx, err, "setting deadline", p.logger)
		}

		_, err = proxynetutil.UDPWrite(b, p.udpConn, client, local)
		if err != nil {
			p.metrics.IncDropped(metrics.ReasonSend)
			logWithNonCrit(ctx, err, "writing udp response", p.logger)

			return
		}
	case session.TransportTCP:
		c, ok := p.conns[connID]
		if !ok {
			p.metrics.IncDropped(metrics.ReasonSend)
			optslog.Trace1(ctx, p.logger, "client connection is gone", "raddr", client)

			return
		}

		select {
		case c.out <- b:
		default:
			// The client doesn't read its responses, so give up on it.
			p.metrics.IncDropped(metrics.ReasonSend)
			p.logger.DebugContext(ctx, "client connection is stalled", "raddr", client)
			p.unregisterConn(c)

			return
		}
	default:
		p.logger.ErrorContext(ctx, "unexpected transport", "proto", t)

		return
	}

	p.metrics.IncResponses(t.String())
}
