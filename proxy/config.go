package proxy

import (
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/AdguardTeam/dnscrypt-wrapper/internal/certmgr"
	"github.com/AdguardTeam/dnscrypt-wrapper/internal/metrics"
	"github.com/AdguardTeam/dnscrypt-wrapper/internal/ratelimit"
	"github.com/AdguardTeam/dnscrypt-wrapper/internal/session"
	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/validate"
)

// defaultTCPIdleTimeout is the default timeout for an idle client TCP
// connection.
const defaultTCPIdleTimeout = 10 * time.Second

// BindRetryConfig contains configuration for the listeners binding retry
// mechanism.
type BindRetryConfig struct {
	// Interval is the minimum time to wait after the latest failure.  It must
	// not be negative if Enabled is true.
	Interval time.Duration

	// Count is the maximum number of retries after the first attempt.
	Count uint

	// Enabled indicates whether the binding should be retried.
	Enabled bool
}

// Config is the configuration of a *Proxy.
type Config struct {
	// Logger is used as the base logger for the proxy.  It must not be nil.
	Logger *slog.Logger

	// Certificates issues and rotates the resolver certificates.  It must not
	// be nil and must not be used by anything else once the proxy is started.
	Certificates *certmgr.Manager

	// Metrics records the proxy statistics.  If nil, nothing is recorded.
	Metrics *metrics.Metrics

	// Ratelimit limits UDP queries per client subnet.  If nil, there is no
	// limit.
	Ratelimit *ratelimit.Limiter

	// BindRetryConfig configures the listeners binding retrying.  If nil,
	// retries are disabled.
	BindRetryConfig *BindRetryConfig

	// ProviderName is the name of the provider certificates are served for,
	// e.g. "2.dnscrypt-cert.example.org".  It must not be empty.
	ProviderName string

	// ListenAddr is the address to accept client queries on, both over UDP
	// and TCP.  It must be valid.
	ListenAddr netip.AddrPort

	// UpstreamAddr is the address of the plain DNS resolver.  It must be
	// valid.
	UpstreamAddr netip.AddrPort

	// UpstreamTimeout is the time a session waits for the upstream response.
	// It must be positive.
	UpstreamTimeout time.Duration

	// TCPIdleTimeout is the timeout for an idle client TCP connection.  If
	// zero, 10 seconds is used.  Values less than UpstreamTimeout are raised
	// to it.
	TCPIdleTimeout time.Duration

	// MaxSessions is the maximum number of in-flight upstream queries.  It
	// must be positive and not greater than [session.MaxCapacity].
	MaxSessions uint

	// MaxTCPConnections is the maximum number of concurrent client TCP
	// connections.  It must be positive.
	MaxTCPConnections uint

	// UDPBufferSize is the size of the client UDP socket read buffer.  If
	// zero, the system default is used.
	UDPBufferSize int

	// TCPOnly makes the proxy forward all queries to the resolver over TCP.
	TCPOnly bool

	// ServFailOnTimeout makes the proxy answer with an encrypted SERVFAIL when
	// the resolver doesn't answer in time.  Otherwise, the query is dropped.
	ServFailOnTimeout bool
}

// type check
var _ validate.Interface = (*Config)(nil)

// Validate implements the [validate.Interface] interface for *Config.
func (c *Config) Validate() (err error) {
	if c == nil {
		return errors.ErrNoValue
	}

	errs := []error{
		validate.NotNil("Logger", c.Logger),
		validate.NotNil("Certificates", c.Certificates),
		validate.Positive("UpstreamTimeout", c.UpstreamTimeout),
		validate.Positive("MaxSessions", c.MaxSessions),
		validate.NoGreaterThan("MaxSessions", c.MaxSessions, session.MaxCapacity),
		validate.Positive("MaxTCPConnections", c.MaxTCPConnections),
	}

	if c.ProviderName == "" {
		errs = append(errs, fmt.Errorf("ProviderName: %w", errors.ErrEmptyValue))
	}

	if !c.ListenAddr.IsValid() {
		errs = append(errs, fmt.Errorf("ListenAddr: %w", errors.ErrNoValue))
	}

	if !c.UpstreamAddr.IsValid() {
		errs = append(errs, fmt.Errorf("UpstreamAddr: %w", errors.ErrNoValue))
	}

	if c.TCPIdleTimeout < 0 {
		errs = append(errs, fmt.Errorf("TCPIdleTimeout: negative value %s", c.TCPIdleTimeout))
	}

	if rc := c.BindRetryConfig; rc != nil && rc.Enabled && rc.Interval < 0 {
		errs = append(errs, fmt.Errorf("BindRetryConfig.Interval: negative value %s", rc.Interval))
	}

	return errors.Join(errs...)
}
