package dnscrypt_test

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	"github.com/AdguardTeam/dnscrypt-wrapper/internal/dnscrypt"
	ameshkov "github.com/ameshkov/dnscrypt/v2"
	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testConstructions are the constructions all crypto tests are run for.
var testConstructions = []dnscrypt.CryptoConstruction{
	dnscrypt.XSalsa20Poly1305,
	dnscrypt.XChacha20Poly1305,
}

// testNow is the common time for tests.
var testNow = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// newTestPacket returns a packed A query for example.com.
func newTestPacket(t testing.TB) (b []byte) {
	t.Helper()

	req := (&dns.Msg{}).SetQuestion("example.com.", dns.TypeA)
	b, err := req.Pack()
	require.NoError(t, err)

	return b
}

// testPeers contains both sides of a DNSCrypt exchange.
type testPeers struct {
	client      *dnscrypt.KeyPair
	resolver    *dnscrypt.KeyPair
	clientKey   dnscrypt.SharedKey
	resolverKey dnscrypt.SharedKey
}

// newTestPeers generates keypairs and derives the shared keys on both sides.
func newTestPeers(t testing.TB, es dnscrypt.CryptoConstruction) (p *testPeers) {
	t.Helper()

	p = &testPeers{}

	var err error
	p.client, err = dnscrypt.GenerateKeyPair()
	require.NoError(t, err)

	p.resolver, err = dnscrypt.GenerateKeyPair()
	require.NoError(t, err)

	p.clientKey, err = dnscrypt.ComputeSharedKey(es, &p.client.Secret, &p.resolver.Public)
	require.NoError(t, err)

	p.resolverKey, err = dnscrypt.ComputeSharedKey(es, &p.resolver.Secret, &p.client.Public)
	require.NoError(t, err)

	return p
}

func TestComputeSharedKey(t *testing.T) {
	for _, es := range testConstructions {
		t.Run(es.String(), func(t *testing.T) {
			p := newTestPeers(t, es)
			assert.Equal(t, p.clientKey, p.resolverKey)
		})
	}

	t.Run("weak_key", func(t *testing.T) {
		kp, err := dnscrypt.GenerateKeyPair()
		require.NoError(t, err)

		var zero [dnscrypt.KeySize]byte
		_, err = dnscrypt.ComputeSharedKey(dnscrypt.XChacha20Poly1305, &kp.Secret, &zero)
		assert.ErrorIs(t, err, dnscrypt.ErrAuthenticationFailure)
	})

	t.Run("bad_construction", func(t *testing.T) {
		kp, err := dnscrypt.GenerateKeyPair()
		require.NoError(t, err)

		_, err = dnscrypt.ComputeSharedKey(dnscrypt.UndefinedConstruction, &kp.Secret, &kp.Public)
		assert.Error(t, err)
	})
}

func TestQuery_roundTrip(t *testing.T) {
	packet := newTestPacket(t)

	for _, es := range testConstructions {
		t.Run(es.String(), func(t *testing.T) {
			p := newTestPeers(t, es)

			var magic [dnscrypt.ClientMagicSize]byte
			copy(magic[:], p.resolver.Public[:])

			var clientNonce [dnscrypt.HalfNonceSize]byte
			_, err := rand.Read(clientNonce[:])
			require.NoError(t, err)

			b, err := dnscrypt.EncryptQuery(
				es,
				&p.clientKey,
				magic,
				p.client.Public,
				clientNonce,
				packet,
				dnscrypt.MinUDPQuerySize,
			)
			require.NoError(t, err)

			assert.Len(t, b, dnscrypt.QueryHeaderSize+dnscrypt.TagSize+dnscrypt.MinUDPQuerySize)

			q, err := dnscrypt.ParseQuery(b)
			require.NoError(t, err)

			assert.Equal(t, magic, q.ClientMagic)
			assert.Equal(t, p.client.Public, q.ClientPk)
			assert.Equal(t, clientNonce, q.ClientNonce)

			got, err := q.Decrypt(es, &p.resolverKey)
			require.NoError(t, err)
			assert.Equal(t, packet, got)

			ns := dnscrypt.NewNonceSource(testNow)
			resp, err := dnscrypt.EncryptResponse(es, &p.resolverKey, ns, testNow, q.ClientNonce, got, 0)
			require.NoError(t, err)

			respPacket, nonce, err := dnscrypt.DecryptResponse(es, &p.clientKey, resp)
			require.NoError(t, err)

			assert.Equal(t, packet, respPacket)
			assert.Equal(t, clientNonce[:], nonce[:dnscrypt.HalfNonceSize])
		})
	}
}

func TestQuery_Decrypt_tampered(t *testing.T) {
	packet := newTestPacket(t)

	for _, es := range testConstructions {
		t.Run(es.String(), func(t *testing.T) {
			p := newTestPeers(t, es)

			var magic [dnscrypt.ClientMagicSize]byte
			var clientNonce [dnscrypt.HalfNonceSize]byte
			b, err := dnscrypt.EncryptQuery(
				es,
				&p.clientKey,
				magic,
				p.client.Public,
				clientNonce,
				packet,
				dnscrypt.MinUDPQuerySize,
			)
			require.NoError(t, err)

			b[len(b)-1] ^= 0x01

			q, err := dnscrypt.ParseQuery(b)
			require.NoError(t, err)

			_, err = q.Decrypt(es, &p.resolverKey)
			assert.ErrorIs(t, err, dnscrypt.ErrAuthenticationFailure)
		})
	}
}

func TestParseQuery_malformed(t *testing.T) {
	testCases := []struct {
		name string
		b    []byte
	}{{
		name: "empty",
		b:    nil,
	}, {
		name: "header_only",
		b:    make([]byte, dnscrypt.QueryHeaderSize),
	}, {
		name: "too_short",
		b:    make([]byte, dnscrypt.MinQuerySize-1),
	}, {
		name: "too_long",
		b:    make([]byte, dnscrypt.MaxPacketSize+1),
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := dnscrypt.ParseQuery(tc.b)
			assert.ErrorIs(t, err, dnscrypt.ErrMalformedEnvelope)
		})
	}
}

func TestEncryptResponse_nonceUniqueness(t *testing.T) {
	const n = 1000

	p := newTestPeers(t, dnscrypt.XChacha20Poly1305)
	packet := newTestPacket(t)
	ns := dnscrypt.NewNonceSource(testNow)

	var clientNonce [dnscrypt.HalfNonceSize]byte
	seen := make(map[[dnscrypt.NonceSize]byte]struct{}, n)
	for range n {
		// Use the same time to make sure the uniqueness doesn't depend on the
		// clock.
		b, err := dnscrypt.EncryptResponse(
			dnscrypt.XChacha20Poly1305,
			&p.resolverKey,
			ns,
			testNow,
			clientNonce,
			packet,
			0,
		)
		require.NoError(t, err)

		var nonce [dnscrypt.NonceSize]byte
		copy(nonce[:], b[dnscrypt.ResolverMagicSize:dnscrypt.ResponseHeaderSize])

		_, ok := seen[nonce]
		require.False(t, ok)

		seen[nonce] = struct{}{}
	}
}

func TestEncryptResponse_maxSize(t *testing.T) {
	p := newTestPeers(t, dnscrypt.XSalsa20Poly1305)
	packet := newTestPacket(t)
	ns := dnscrypt.NewNonceSource(testNow)

	var clientNonce [dnscrypt.HalfNonceSize]byte

	const overhead = dnscrypt.ResponseHeaderSize + dnscrypt.TagSize

	t.Run("fits", func(t *testing.T) {
		maxSize := overhead + len(packet) + 1
		b, err := dnscrypt.EncryptResponse(
			dnscrypt.XSalsa20Poly1305,
			&p.resolverKey,
			ns,
			testNow,
			clientNonce,
			packet,
			maxSize,
		)
		require.NoError(t, err)

		assert.Len(t, b, maxSize)
	})

	t.Run("too_large", func(t *testing.T) {
		_, err := dnscrypt.EncryptResponse(
			dnscrypt.XSalsa20Poly1305,
			&p.resolverKey,
			ns,
			testNow,
			clientNonce,
			packet,
			overhead+len(packet),
		)
		assert.ErrorIs(t, err, dnscrypt.ErrTooLarge)
	})
}

func TestCert(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	kp, err := dnscrypt.GenerateKeyPair()
	require.NoError(t, err)

	c := dnscrypt.NewCert(kp.Public, dnscrypt.XChacha20Poly1305, 42, testNow, testNow.Add(time.Hour))
	require.NoError(t, c.Sign(priv))

	assert.True(t, c.Verify(pub))
	assert.Equal(t, kp.Public[:dnscrypt.ClientMagicSize], c.ClientMagic[:])

	b := c.Marshal()
	require.Len(t, b, dnscrypt.CertSize)

	got, err := dnscrypt.UnmarshalCert(b)
	require.NoError(t, err)

	assert.Equal(t, c, got)

	t.Run("validity", func(t *testing.T) {
		assert.False(t, c.ValidAt(testNow.Add(-time.Second)))
		assert.True(t, c.ValidAt(testNow))
		assert.True(t, c.ValidAt(testNow.Add(time.Hour-time.Second)))
		assert.False(t, c.ValidAt(testNow.Add(time.Hour)))
	})

	t.Run("tampered", func(t *testing.T) {
		tampered := *c
		tampered.Serial++

		assert.False(t, tampered.Verify(pub))
	})

	t.Run("bad_key", func(t *testing.T) {
		err = c.Sign(priv[:10])
		assert.Error(t, err)
	})

	t.Run("bad_magic", func(t *testing.T) {
		bad := c.Marshal()
		bad[0] = 'X'

		_, err = dnscrypt.UnmarshalCert(bad)
		assert.ErrorIs(t, err, dnscrypt.ErrCertMalformed)
	})

	t.Run("interop", func(t *testing.T) {
		ac := &ameshkov.Cert{}
		require.NoError(t, ac.Deserialize(b))

		assert.True(t, ac.VerifySignature(pub))
		assert.Equal(t, c.Serial, ac.Serial)
		assert.Equal(t, c.ResolverPk, ac.ResolverPk)
	})
}

func TestInterop(t *testing.T) {
	packet := newTestPacket(t)

	constructions := map[dnscrypt.CryptoConstruction]ameshkov.CryptoConstruction{
		dnscrypt.XSalsa20Poly1305:  ameshkov.XSalsa20Poly1305,
		dnscrypt.XChacha20Poly1305: ameshkov.XChacha20Poly1305,
	}

	for es, aes := range constructions {
		t.Run(es.String(), func(t *testing.T) {
			p := newTestPeers(t, es)

			var magic [dnscrypt.ClientMagicSize]byte
			copy(magic[:], p.resolver.Public[:])

			aq := &ameshkov.EncryptedQuery{
				EsVersion:   aes,
				ClientMagic: magic,
				ClientPk:    p.client.Public,
			}

			b, err := aq.Encrypt(packet, p.clientKey)
			require.NoError(t, err)

			q, err := dnscrypt.ParseQuery(b)
			require.NoError(t, err)

			got, err := q.Decrypt(es, &p.resolverKey)
			require.NoError(t, err)
			assert.Equal(t, packet, got)

			ns := dnscrypt.NewNonceSource(testNow)
			resp, err := dnscrypt.EncryptResponse(es, &p.resolverKey, ns, testNow, q.ClientNonce, got, 0)
			require.NoError(t, err)

			ar := &ameshkov.EncryptedResponse{EsVersion: aes}
			respPacket, err := ar.Decrypt(resp, p.clientKey)
			require.NoError(t, err)

			assert.Equal(t, packet, respPacket)
		})
	}
}

func TestTXT(t *testing.T) {
	b := make([]byte, 256)
	for i := range b {
		b[i] = byte(i)
	}

	s := dnscrypt.PackTXT(b)
	got, err := dnscrypt.UnpackTXT(s)
	require.NoError(t, err)

	assert.Equal(t, b, got)

	_, err = dnscrypt.UnpackTXT(`abc\`)
	assert.Error(t, err)
}

func TestKeyPair_redacted(t *testing.T) {
	kp, err := dnscrypt.GenerateKeyPair()
	require.NoError(t, err)

	assert.Contains(t, kp.String(), "[redacted]")
	assert.NotContains(t, kp.String(), string(kp.Secret[:]))

	same, err := dnscrypt.NewKeyPair(kp.Secret[:])
	require.NoError(t, err)

	assert.Equal(t, kp.Public, same.Public)
}
