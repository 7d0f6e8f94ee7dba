package certmgr

import (
	"fmt"
	"time"

	"github.com/AdguardTeam/dnscrypt-wrapper/internal/dnscrypt"
	"github.com/bluele/gcache"
)

// Certificate is a signed DNSCrypt certificate together with its resolver
// keypair and a cache of shared keys derived for it.
type Certificate struct {
	// cert is the signed certificate.
	cert *dnscrypt.Cert

	// keys is the resolver keypair the certificate is issued for.
	keys *dnscrypt.KeyPair

	// secrets maps client public keys to the shared keys.  It's purged once
	// the certificate is discarded.
	secrets gcache.Cache

	// retiredAt is the time the certificate has been superseded.  It's zero
	// for the active certificate.
	retiredAt time.Time
}

// newCertificate returns a new *Certificate with a shared-key cache of the
// given size.  cacheTTL is the maximum lifetime of a cached key.
func newCertificate(
	cert *dnscrypt.Cert,
	keys *dnscrypt.KeyPair,
	cacheSize int,
	cacheTTL time.Duration,
) (c *Certificate) {
	return &Certificate{
		cert:    cert,
		keys:    keys,
		secrets: gcache.New(cacheSize).LRU().Expiration(cacheTTL).Build(),
	}
}

// Cert returns the signed certificate.  The result must not be modified.
func (c *Certificate) Cert() (cert *dnscrypt.Cert) {
	return c.cert
}

// EsVersion returns the crypto construction of the certificate.
func (c *Certificate) EsVersion() (es dnscrypt.CryptoConstruction) {
	return c.cert.EsVersion
}

// SharedKey returns the shared key for the client public key pk, computing
// and caching it if needed.
func (c *Certificate) SharedKey(pk *[dnscrypt.KeySize]byte) (key dnscrypt.SharedKey, err error) {
	v, err := c.secrets.Get(*pk)
	if err == nil {
		if cached, ok := v.(dnscrypt.SharedKey); ok {
			return cached, nil
		}
	}

	key, err = dnscrypt.ComputeSharedKey(c.cert.EsVersion, &c.keys.Secret, pk)
	if err != nil {
		return key, err
	}

	// The key is usable even if caching fails.
	_ = c.secrets.Set(*pk, key)

	return key, nil
}

// DecryptQuery derives the shared key for the client of q and decrypts it.
// The returned key is used to encrypt the response.
func (c *Certificate) DecryptQuery(q *dnscrypt.Query) (packet []byte, key dnscrypt.SharedKey, err error) {
	if q.ClientMagic != c.cert.ClientMagic {
		return nil, key, fmt.Errorf("%w: client magic mismatch", dnscrypt.ErrMalformedEnvelope)
	}

	key, err = c.SharedKey(&q.ClientPk)
	if err != nil {
		return nil, key, err
	}

	packet, err = q.Decrypt(c.cert.EsVersion, &key)

	return packet, key, err
}

// purge removes all cached shared keys.
func (c *Certificate) purge() {
	c.secrets.Purge()
}
