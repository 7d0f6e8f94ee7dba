// Package proxy implements the DNSCrypt wrapper: it accepts encrypted client
// queries, forwards them to a plain DNS resolver, and encrypts the responses.
package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/AdguardTeam/dnscrypt-wrapper/internal/certmgr"
	"github.com/AdguardTeam/dnscrypt-wrapper/internal/dnscrypt"
	"github.com/AdguardTeam/dnscrypt-wrapper/internal/dnsmsg"
	"github.com/AdguardTeam/dnscrypt-wrapper/internal/metrics"
	proxynetutil "github.com/AdguardTeam/dnscrypt-wrapper/internal/netutil"
	"github.com/AdguardTeam/dnscrypt-wrapper/internal/ratelimit"
	"github.com/AdguardTeam/dnscrypt-wrapper/internal/session"
	"github.com/AdguardTeam/dnscrypt-wrapper/upstream"
	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/service"
	"github.com/AdguardTeam/golibs/syncutil"
	"github.com/miekg/dns"
)

// eventsBufSize is the capacity of the event loop channel.
const eventsBufSize = 1024

// maxSweepInterval is the maximum interval between session sweeps.
const maxSweepInterval = time.Second

// minSweepInterval is the minimum interval between session sweeps.
const minSweepInterval = 10 * time.Millisecond

// Proxy is the DNSCrypt wrapper.  All of the protocol state is owned by a
// single event loop goroutine, see [Proxy.loop].
type Proxy struct {
	// mu protects started and serializes [Proxy.Start] and [Proxy.Shutdown].
	mu *sync.RWMutex

	// cancel stops the goroutines started by [Proxy.Start].
	cancel context.CancelFunc

	// wg tracks the goroutines started by [Proxy.Start].
	wg *sync.WaitGroup

	// The sockets are only set by [Proxy.Start] before the goroutines using
	// them are started.

	udpConn   *net.UDPConn
	tcpListen *net.TCPListener
	resolver  *upstream.Resolver

	// started is true if the proxy is running.
	started bool

	// The fields below are owned by the event loop once started.

	certs    *certmgr.Manager
	sessions *session.Table
	nonces   *dnscrypt.NonceSource
	conns    map[uint64]*tcpConn

	// The fields below are immutable after creation.

	logger       *slog.Logger
	metrics      *metrics.Metrics
	limiter      *ratelimit.Limiter
	messages     dnsmsg.MessageConstructor
	clock        clock
	events       chan event
	tcpSema      syncutil.Semaphore
	providerName string

	upstreamConf *upstream.Config
	listenAddr   string

	upstreamTimeout time.Duration
	tcpIdleTimeout  time.Duration
	sweepIvl        time.Duration
	bindRetryIvl    time.Duration
	bindRetryNum    uint
	maxSessions     int
	udpBufSize      int
	udpOOBSize      int

	tcpOnly           bool
	servFailOnTimeout bool
}

// New returns a new, not yet started proxy.  c must be valid.
func New(c *Config) (p *Proxy, err error) {
	idleTimeout := c.TCPIdleTimeout
	if idleTimeout == 0 {
		idleTimeout = defaultTCPIdleTimeout
	}

	// A connection waiting for an answer isn't idle.
	idleTimeout = max(idleTimeout, c.UpstreamTimeout)

	sweepIvl := min(max(c.UpstreamTimeout/4, minSweepInterval), maxSweepInterval)

	p = &Proxy{
		mu:    &sync.RWMutex{},
		wg:    &sync.WaitGroup{},
		certs: c.Certificates,

		logger:       c.Logger,
		metrics:      c.Metrics,
		limiter:      c.Ratelimit,
		messages:     dnsmsg.DefaultMessageConstructor{},
		clock:        realClock{},
		events:       make(chan event, eventsBufSize),
		tcpSema:      syncutil.NewChanSemaphore(c.MaxTCPConnections),
		providerName: dns.Fqdn(c.ProviderName),

		upstreamConf: &upstream.Config{
			Logger:  c.Logger.With("upstream", c.UpstreamAddr),
			Address: c.UpstreamAddr,
			Timeout: c.UpstreamTimeout,
		},
		listenAddr: c.ListenAddr.String(),

		upstreamTimeout: c.UpstreamTimeout,
		tcpIdleTimeout:  idleTimeout,
		sweepIvl:        sweepIvl,
		maxSessions:     int(c.MaxSessions),
		udpBufSize:      c.UDPBufferSize,
		udpOOBSize:      proxynetutil.UDPGetOOBSize(),

		tcpOnly:           c.TCPOnly,
		servFailOnTimeout: c.ServFailOnTimeout,
	}

	if rc := c.BindRetryConfig; rc != nil && rc.Enabled {
		p.bindRetryIvl = rc.Interval
		p.bindRetryNum = rc.Count
	}

	return p, nil
}

// type check
var _ service.Interface = (*Proxy)(nil)

// Start implements the [service.Interface] interface for *Proxy.  It binds the
// client-facing sockets and the upstream socket and starts serving.
func (p *Proxy) Start(ctx context.Context) (err error) {
	p.logger.InfoContext(ctx, "starting dnscrypt wrapper", "provider", p.providerName)

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.Error("proxy is already started")
	}

	p.udpConn, p.tcpListen, p.resolver = nil, nil, nil

	err = p.startListeners(ctx)
	if err != nil {
		return errors.WithDeferred(err, p.closeSockets())
	}

	p.resolver, err = upstream.New(p.upstreamConf)
	if err != nil {
		return errors.WithDeferred(err, p.closeSockets())
	}

	p.sessions = session.NewTable(p.maxSessions)
	p.conns = map[uint64]*tcpConn{}
	p.nonces = dnscrypt.NewNonceSource(p.clock.Now())
	p.metrics.SetCertExpiration(p.certs.Current().Cert().ValidUntil())

	loopCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	p.wg.Add(4)
	go p.loop(loopCtx)
	go p.udpPacketLoop(loopCtx, p.udpConn)
	go p.tcpAcceptLoop(loopCtx, p.tcpListen)
	go p.upstreamPacketLoop(loopCtx, p.resolver)

	p.started = true

	p.logger.InfoContext(ctx, "started dnscrypt wrapper")

	return nil
}

// Shutdown implements the [service.Interface] interface for *Proxy.  It closes
// all sockets and waits for the goroutines to exit or for ctx to be done.
func (p *Proxy) Shutdown(ctx context.Context) (err error) {
	p.logger.InfoContext(ctx, "stopping dnscrypt wrapper")

	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()

		p.logger.WarnContext(ctx, "dnscrypt wrapper is not started")

		return nil
	}

	p.started = false
	p.cancel()
	err = p.closeSockets()
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		err = errors.WithDeferred(err, fmt.Errorf("waiting for goroutines: %w", ctx.Err()))
	}

	if err != nil {
		return fmt.Errorf("stopping dnscrypt wrapper: %w", err)
	}

	p.logger.InfoContext(ctx, "stopped dnscrypt wrapper")

	return nil
}

// closeSockets closes all open sockets.  p.mu must be locked.
func (p *Proxy) closeSockets() (err error) {
	var errs []error
	if p.udpConn != nil {
		errs = append(errs, p.udpConn.Close())
	}

	if p.tcpListen != nil {
		errs = append(errs, p.tcpListen.Close())
	}

	if p.resolver != nil {
		errs = append(errs, p.resolver.Close())
	}

	return errors.Join(errs...)
}

// Addr returns the address the proxy listens on for transport t, or nil if
// it isn't started.
func (p *Proxy) Addr(t session.Transport) (addr net.Addr) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.started {
		return nil
	}

	switch t {
	case session.TransportUDP:
		return p.udpConn.LocalAddr()
	case session.TransportTCP:
		return p.tcpListen.Addr()
	default:
		panic(fmt.Errorf("transport: %w: %d", errors.ErrBadEnumValue, t))
	}
}
