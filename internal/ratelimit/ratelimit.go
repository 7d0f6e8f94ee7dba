// Package ratelimit provides per-subnet rate limiting of client queries.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/netutil"
	"github.com/AdguardTeam/golibs/validate"
	rate "github.com/beefsack/go-rate"
	gocache "github.com/patrickmn/go-cache"
)

// bucketTTL is the time a limiter of an idle subnet is kept.
const bucketTTL = time.Hour

// Config is the configuration for a *Limiter.
type Config struct {
	// Logger is used for logging in the limiter.  It must not be nil.
	Logger *slog.Logger

	// AllowlistAddrs is a set of subnets excluded from rate limiting.
	AllowlistAddrs netutil.SliceSubnetSet

	// Ratelimit is a maximum number of requests per second from a given
	// subnet.  It must be positive.
	Ratelimit uint

	// SubnetLenIPv4 is a subnet length for IPv4 addresses used for rate
	// limiting requests.
	SubnetLenIPv4 uint

	// SubnetLenIPv6 is a subnet length for IPv6 addresses used for rate
	// limiting requests.
	SubnetLenIPv6 uint
}

// type check
var _ validate.Interface = (*Config)(nil)

// Validate implements the [validate.Interface] interface for *Config.
func (c *Config) Validate() (err error) {
	if c == nil {
		return errors.ErrNoValue
	}

	return errors.Join(
		validate.Positive("Ratelimit", c.Ratelimit),
		validate.NotNil("Logger", c.Logger),
		validate.NoGreaterThan("SubnetLenIPv4", c.SubnetLenIPv4, netutil.IPv4BitLen),
		validate.NoGreaterThan("SubnetLenIPv6", c.SubnetLenIPv6, netutil.IPv6BitLen),
	)
}

// Limiter decides whether a client is rate limited.  It's safe for concurrent
// use.
type Limiter struct {
	buckets *gocache.Cache
	logger  *slog.Logger

	// mu protects the check-and-set of buckets.
	mu *sync.Mutex

	allowlistAddrs netutil.SliceSubnetSet
	ratelimit      uint
	subnetLenIPv4  uint
	subnetLenIPv6  uint
}

// New returns a new *Limiter.  c must be valid.
func New(c *Config) (l *Limiter) {
	return &Limiter{
		buckets:        gocache.New(bucketTTL, bucketTTL),
		logger:         c.Logger,
		mu:             &sync.Mutex{},
		allowlistAddrs: c.AllowlistAddrs,
		ratelimit:      c.Ratelimit,
		subnetLenIPv4:  c.SubnetLenIPv4,
		subnetLenIPv6:  c.SubnetLenIPv6,
	}
}

// limiterForSubnet returns a rate limiter for the specified subnet key.
func (l *Limiter) limiterForSubnet(key string) (rl any) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rl, ok := l.buckets.Get(key)
	if !ok {
		rl = rate.New(int(l.ratelimit), time.Second)
		l.buckets.Set(key, rl, bucketTTL)
	}

	return rl
}

// IsRatelimited returns true if a query from addr should be dropped.  A nil
// *Limiter never limits.
func (l *Limiter) IsRatelimited(ctx context.Context, addr netip.Addr) (ok bool) {
	if l == nil {
		return false
	}

	addr = addr.Unmap()
	if l.allowlistAddrs.Contains(addr) {
		return false
	}

	var pref netip.Prefix
	if addr.Is4() {
		pref = netip.PrefixFrom(addr, int(l.subnetLenIPv4))
	} else {
		pref = netip.PrefixFrom(addr, int(l.subnetLenIPv6))
	}
	pref = pref.Masked()

	value := l.limiterForSubnet(pref.Addr().String())
	rl, ok := value.(*rate.RateLimiter)
	if !ok {
		l.logger.ErrorContext(
			ctx,
			"invalid value found in ratelimit cache",
			slogutil.KeyError,
			fmt.Errorf("bad type %T", value),
		)

		return false
	}

	allow, _ := rl.Try()
	if !allow {
		l.logger.DebugContext(ctx, "ratelimited", "subnet", pref)
	}

	return !allow
}
