// Package upstream implements the plain DNS client used to forward decrypted
// queries to the resolver.
package upstream

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/validate"
	"github.com/miekg/dns"
)

const (
	// ErrUpstreamTimeout is returned when the resolver doesn't answer in
	// time.
	ErrUpstreamTimeout errors.Error = "upstream timeout"

	// ErrUpstreamSpoofDetected is returned when a response doesn't come from
	// the resolver or doesn't match the query.
	ErrUpstreamSpoofDetected errors.Error = "upstream spoof detected"
)

// errQuestion is returned when a message has malformed question section.
const errQuestion errors.Error = "bad question section"

// Config is the configuration of a *Resolver.
type Config struct {
	// Logger is used for logging the exchanges.  It must not be nil.
	Logger *slog.Logger

	// Address is the address of the plain DNS resolver.  It must be valid.
	Address netip.AddrPort

	// Timeout is the timeout of a single exchange.  It must be positive.
	Timeout time.Duration
}

// type check
var _ validate.Interface = (*Config)(nil)

// Validate implements the [validate.Interface] interface for *Config.
func (c *Config) Validate() (err error) {
	if c == nil {
		return errors.ErrNoValue
	}

	var errs []error
	if !c.Address.IsValid() {
		errs = append(errs, fmt.Errorf("Address: %w", errors.ErrNoValue))
	}

	errs = append(
		errs,
		validate.NotNil("Logger", c.Logger),
		validate.Positive("Timeout", c.Timeout),
	)

	return errors.Join(errs...)
}

// Resolver sends plaintext queries to the resolver.  UDP queries are sent
// over a single unconnected socket, so that the source of every response can
// be verified.  Each TCP exchange uses its own connection.
type Resolver struct {
	logger  *slog.Logger
	conn    *net.UDPConn
	addr    netip.AddrPort
	timeout time.Duration
}

// New returns a new *Resolver with an open UDP socket.  c must be valid.
func New(c *Config) (r *Resolver, err error) {
	addr := netip.AddrPortFrom(c.Address.Addr().Unmap(), c.Address.Port())

	udpNet := "udp6"
	if addr.Addr().Is4() {
		udpNet = "udp4"
	}

	conn, err := net.ListenUDP(udpNet, nil)
	if err != nil {
		return nil, fmt.Errorf("opening upstream socket: %w", err)
	}

	return &Resolver{
		logger:  c.Logger,
		conn:    conn,
		addr:    addr,
		timeout: c.Timeout,
	}, nil
}

// Address returns the address of the resolver.
func (r *Resolver) Address() (addr netip.AddrPort) {
	return r.addr
}

// LocalAddr returns the local address of the UDP socket.
func (r *Resolver) LocalAddr() (addr netip.AddrPort) {
	return r.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

// SendUDP sends the plaintext query to the resolver over UDP.
func (r *Resolver) SendUDP(query []byte) (err error) {
	_, err = r.conn.WriteToUDPAddrPort(query, r.addr)
	if err != nil {
		return fmt.Errorf("sending to %s over udp: %w", r.addr, err)
	}

	return nil
}

// ReadUDP reads a single response datagram into buf.  It returns an error
// wrapping [ErrUpstreamSpoofDetected] if the datagram doesn't come from the
// resolver, and [net.ErrClosed] once r is closed.
func (r *Resolver) ReadUDP(buf []byte) (n int, err error) {
	n, from, err := r.conn.ReadFromUDPAddrPort(buf)
	if err != nil {
		return 0, err
	}

	from = netip.AddrPortFrom(from.Addr().Unmap(), from.Port())
	if from != r.addr {
		return 0, fmt.Errorf("%w: response from %s", ErrUpstreamSpoofDetected, from)
	}

	return n, nil
}

// ExchangeTCP sends the plaintext query to the resolver over TCP and returns
// the response.  The exchange is bounded by the configured timeout and by
// ctx.  A timed out exchange returns an error wrapping [ErrUpstreamTimeout].
func (r *Resolver) ExchangeTCP(ctx context.Context, query []byte) (resp []byte, err error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	r.logger.DebugContext(ctx, "exchanging", "addr", r.addr, "proto", "tcp")

	d := &net.Dialer{}
	netConn, err := d.DialContext(ctx, "tcp", r.addr.String())
	if err != nil {
		return nil, wrapTimeout(fmt.Errorf("dialing %s over tcp: %w", r.addr, err))
	}
	defer func() { err = errors.WithDeferred(err, netConn.Close()) }()

	deadline, _ := ctx.Deadline()
	err = netConn.SetDeadline(deadline)
	if err != nil {
		return nil, fmt.Errorf("setting deadline: %w", err)
	}

	// Unblock the exchange once ctx is canceled.
	stop := context.AfterFunc(ctx, func() {
		_ = netConn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	conn := &dns.Conn{Conn: netConn}
	_, err = conn.Write(query)
	if err != nil {
		return nil, wrapTimeout(fmt.Errorf("writing to %s over tcp: %w", r.addr, err))
	}

	buf := make([]byte, dns.MaxMsgSize)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, wrapTimeout(fmt.Errorf("reading from %s over tcp: %w", r.addr, err))
	}

	return buf[:n], nil
}

// wrapTimeout adds [ErrUpstreamTimeout] to err if it's caused by a deadline.
func wrapTimeout(err error) (wrapped error) {
	if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrUpstreamTimeout, err)
	}

	return err
}

// Close closes the UDP socket.  Any blocked [Resolver.ReadUDP] returns.
func (r *Resolver) Close() (err error) {
	err = r.conn.Close()
	if err != nil {
		return fmt.Errorf("closing upstream socket: %w", err)
	}

	return nil
}

// ValidateResponse checks that resp answers the question q.  Any error
// returned wraps [ErrUpstreamSpoofDetected].
func ValidateResponse(q dns.Question, resp *dns.Msg) (err error) {
	err = validateQuestion(q, resp)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUpstreamSpoofDetected, err)
	}

	return nil
}

// validateQuestion validates the question section of resp for compliance
// with q.  Any error returned wraps [errQuestion].
func validateQuestion(q dns.Question, resp *dns.Msg) (err error) {
	if !resp.Response {
		return fmt.Errorf("%w: not a response", errQuestion)
	}

	if qlen := len(resp.Question); qlen != 1 {
		return fmt.Errorf("%w: only 1 question allowed; got %d", errQuestion, qlen)
	}

	respQ := resp.Question[0]

	if q.Qtype != respQ.Qtype {
		return fmt.Errorf("%w: mismatched type %s", errQuestion, dns.Type(respQ.Qtype))
	}

	// Compare the names case-insensitively, just like CoreDNS does.
	if !strings.EqualFold(q.Name, respQ.Name) {
		return fmt.Errorf("%w: mismatched name %q", errQuestion, respQ.Name)
	}

	return nil
}
