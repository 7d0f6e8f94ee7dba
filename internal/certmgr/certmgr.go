// Package certmgr issues, rotates, and persists DNSCrypt resolver
// certificates.
package certmgr

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"log/slog"
	"time"

	"github.com/AdguardTeam/dnscrypt-wrapper/internal/dnscrypt"
	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/validate"
)

// ErrCertificateSigningFailure is returned when a new certificate cannot be
// signed with the provider key.
const ErrCertificateSigningFailure errors.Error = "certificate signing failure"

// maxMagicAttempts is the number of attempts to generate a resolver keypair
// with a client magic distinct from the ones of retained certificates.
const maxMagicAttempts = 8

// Config is the configuration of a *Manager.
type Config struct {
	// Logger is used for logging the certificate lifecycle.  It must not be
	// nil.
	Logger *slog.Logger

	// Store persists the state after each rotation.  It must not be nil.
	Store Store

	// State is the initial state, with the provider keypair.  If it also
	// contains a still valid resolver keypair, the certificate is reused.  It
	// must not be nil.
	State *State

	// EsVersion is the construction of issued certificates.
	EsVersion dnscrypt.CryptoConstruction

	// CertificateTTL is the validity period of issued certificates.  It must
	// be positive.
	CertificateTTL time.Duration

	// RotationInterval is the period of rotation.  It must be positive and
	// less than CertificateTTL.
	RotationInterval time.Duration

	// GracePeriod is how long a retired certificate is still accepted.
	GracePeriod time.Duration

	// SecretsCacheSize is the maximum number of cached shared keys per
	// certificate.  It must be positive.
	SecretsCacheSize int
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
		validate.NotNilInterface("Store", c.Store),
		validate.NotNil("State", c.State),
		c.EsVersion.Validate(),
		validate.Positive("CertificateTTL", c.CertificateTTL),
		validate.Positive("RotationInterval", c.RotationInterval),
		validate.Positive("SecretsCacheSize", c.SecretsCacheSize),
	}

	if c.RotationInterval >= c.CertificateTTL {
		errs = append(errs, fmt.Errorf(
			"RotationInterval: must be less than CertificateTTL %s, got %s",
			c.CertificateTTL,
			c.RotationInterval,
		))
	}

	if c.GracePeriod < 0 {
		errs = append(errs, fmt.Errorf("GracePeriod: negative value %s", c.GracePeriod))
	}

	return errors.Join(errs...)
}

// Manager owns the active certificate and the retired ones kept for the grace
// period.  It's not safe for concurrent use.
type Manager struct {
	logger      *slog.Logger
	store       Store
	state       *State
	providerKey ed25519.PrivateKey
	active      *Certificate
	retired     []*Certificate

	ttl         time.Duration
	rotationIvl time.Duration
	grace       time.Duration
	cacheSize   int
	es          dnscrypt.CryptoConstruction
}

// New returns a new *Manager with an active certificate, either restored from
// c.State or newly issued.  c must be valid.  An error is returned if no
// certificate can be issued.
func New(ctx context.Context, c *Config, now time.Time) (m *Manager, err error) {
	providerKey, err := c.State.ProviderKey()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCertificateSigningFailure, err)
	}

	m = &Manager{
		logger:      c.Logger,
		store:       c.Store,
		state:       c.State,
		providerKey: providerKey,
		ttl:         c.CertificateTTL,
		rotationIvl: c.RotationInterval,
		grace:       c.GracePeriod,
		cacheSize:   c.SecretsCacheSize,
		es:          c.EsVersion,
	}

	m.active, err = m.restore(now)
	if err != nil {
		m.logger.WarnContext(ctx, "discarding persisted certificate", slogutil.KeyError, err)
	}

	if m.active != nil && now.Before(m.NextRotation()) {
		m.logger.InfoContext(ctx, "restored certificate", "cert", m.active.cert)

		return m, nil
	}

	_, err = m.Rotate(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("issuing first certificate: %w", err)
	}

	return m, nil
}

// restore returns the certificate described by the persisted state, if it's
// still valid at now.  cert is nil if there is nothing to restore.
func (m *Manager) restore(now time.Time) (c *Certificate, err error) {
	st := m.state
	if st.Serial == 0 || dnscrypt.CryptoConstruction(st.EsVersion) != m.es {
		return nil, nil
	}

	kp, err := st.resolverKeys()
	if err != nil || kp == nil {
		return nil, err
	}

	cert := dnscrypt.NewCert(kp.Public, m.es, st.Serial, now, now)
	cert.NotBefore, cert.NotAfter = st.NotBefore, st.NotAfter
	if !cert.ValidAt(now) {
		return nil, nil
	}

	err = cert.Sign(m.providerKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCertificateSigningFailure, err)
	}

	return newCertificate(cert, kp, m.cacheSize, m.ttl+m.grace), nil
}

// Current returns the active certificate.
func (m *Manager) Current() (c *Certificate) {
	return m.active
}

// NextRotation returns the time the active certificate should be rotated.
func (m *Manager) NextRotation() (t time.Time) {
	return time.Unix(int64(m.active.cert.NotBefore), 0).Add(m.rotationIvl)
}

// Rotate issues a new certificate and installs it as active.  The previous
// certificate is retired for the grace period.  On error, the previous
// certificate stays active.
func (m *Manager) Rotate(ctx context.Context, now time.Time) (c *Certificate, err error) {
	kp, err := m.newKeyPair()
	if err != nil {
		return nil, err
	}

	serial := uint32(now.Unix())
	if m.active != nil {
		serial = max(serial, m.active.cert.Serial+1)
	}

	cert := dnscrypt.NewCert(kp.Public, m.es, serial, now, now.Add(m.ttl))
	err = cert.Sign(m.providerKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCertificateSigningFailure, err)
	}

	c = newCertificate(cert, kp, m.cacheSize, m.ttl+m.grace)
	if prev := m.active; prev != nil {
		prev.retiredAt = now
		m.retired = append(m.retired, prev)
	}

	m.active = c

	m.logger.InfoContext(ctx, "rotated certificate", "cert", cert, "retired", len(m.retired))

	m.state = m.state.withCertificate(c)
	err = m.store.Save(m.state)
	if err != nil {
		// The certificate is already served, so keep it even though it
		// won't survive a restart.
		m.logger.ErrorContext(ctx, "persisting certificate", slogutil.KeyError, err)
	}

	return c, nil
}

// newKeyPair returns a new resolver keypair whose client magic isn't used by
// any retained certificate.
func (m *Manager) newKeyPair() (kp *dnscrypt.KeyPair, err error) {
	for range maxMagicAttempts {
		kp, err = dnscrypt.GenerateKeyPair()
		if err != nil {
			return nil, fmt.Errorf("generating resolver keypair: %w", err)
		}

		var magic [dnscrypt.ClientMagicSize]byte
		copy(magic[:], kp.Public[:])
		if m.find(magic) == nil {
			return kp, nil
		}
	}

	return nil, errors.Error("cannot generate a unique client magic")
}

// find returns the retained certificate with the given client magic or nil.
func (m *Manager) find(magic [dnscrypt.ClientMagicSize]byte) (c *Certificate) {
	if m.active != nil && m.active.cert.ClientMagic == magic {
		return m.active
	}

	for _, r := range m.retired {
		if r.cert.ClientMagic == magic {
			return r
		}
	}

	return nil
}

// Lookup returns the certificate a query with the given client magic is
// encrypted for.  The active certificate is only returned within its validity
// window and a retired one only within its grace period.
func (m *Manager) Lookup(magic [dnscrypt.ClientMagicSize]byte, now time.Time) (c *Certificate, ok bool) {
	c = m.find(magic)
	switch {
	case c == nil:
		return nil, false
	case c == m.active:
		return c, c.cert.ValidAt(now)
	default:
		return c, m.inGrace(c, now)
	}
}

// inGrace returns true if the retired certificate c is still accepted at now.
func (m *Manager) inGrace(c *Certificate, now time.Time) (ok bool) {
	return now.Before(c.retiredAt.Add(m.grace))
}

// Certificates returns the certificates to serve to clients at now: the
// active one and the retired ones that are still valid and in their grace
// period.
func (m *Manager) Certificates(now time.Time) (certs []*dnscrypt.Cert) {
	if m.active.cert.ValidAt(now) {
		certs = append(certs, m.active.cert)
	}

	for _, r := range m.retired {
		if m.inGrace(r, now) && r.cert.ValidAt(now) {
			certs = append(certs, r.cert)
		}
	}

	return certs
}

// Expire discards retired certificates past their grace period together with
// their cached shared keys.  expired is true if the active certificate itself
// isn't valid at now.
func (m *Manager) Expire(ctx context.Context, now time.Time) (expired bool) {
	kept := m.retired[:0]
	for _, r := range m.retired {
		if m.inGrace(r, now) {
			kept = append(kept, r)

			continue
		}

		r.purge()
		m.logger.DebugContext(ctx, "discarded retired certificate", "serial", r.cert.Serial)
	}

	clear(m.retired[len(kept):])
	m.retired = kept

	return !m.active.cert.ValidAt(now)
}
