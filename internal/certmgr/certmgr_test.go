package certmgr_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/AdguardTeam/dnscrypt-wrapper/internal/certmgr"
	"github.com/AdguardTeam/dnscrypt-wrapper/internal/dnscrypt"
	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testProviderName = "2.dnscrypt-cert.example.org"
	testTTL          = 24 * time.Hour
	testRotation     = 12 * time.Hour
	testGrace        = time.Hour
)

// testStart is the common start time of the tests.
var testStart = time.Unix(1_700_000_000, 0)

// memStore is a [certmgr.Store] keeping the state in memory.
type memStore struct {
	state   *certmgr.State
	saveErr error
	saves   int
}

// type check
var _ certmgr.Store = (*memStore)(nil)

// Load implements the [certmgr.Store] interface for *memStore.
func (s *memStore) Load() (st *certmgr.State, err error) {
	if s.state == nil {
		return nil, os.ErrNotExist
	}

	return s.state, nil
}

// Save implements the [certmgr.Store] interface for *memStore.
func (s *memStore) Save(st *certmgr.State) (err error) {
	s.saves++
	if s.saveErr != nil {
		return s.saveErr
	}

	s.state = st

	return nil
}

// newTestConfig returns a valid configuration with a new provider keypair.
func newTestConfig(tb testing.TB, store certmgr.Store) (c *certmgr.Config) {
	tb.Helper()

	st, err := certmgr.GenerateState(testProviderName, dnscrypt.XChacha20Poly1305)
	require.NoError(tb, err)

	return &certmgr.Config{
		Logger:           slogutil.NewDiscardLogger(),
		Store:            store,
		State:            st,
		EsVersion:        dnscrypt.XChacha20Poly1305,
		CertificateTTL:   testTTL,
		RotationInterval: testRotation,
		GracePeriod:      testGrace,
		SecretsCacheSize: 10,
	}
}

// newTestManager returns a new manager started at testStart.
func newTestManager(tb testing.TB) (m *certmgr.Manager, c *certmgr.Config, store *memStore) {
	tb.Helper()

	store = &memStore{}
	c = newTestConfig(tb, store)
	require.NoError(tb, c.Validate())

	m, err := certmgr.New(context.Background(), c, testStart)
	require.NoError(tb, err)

	return m, c, store
}

func TestNew(t *testing.T) {
	m, c, store := newTestManager(t)

	cert := m.Current().Cert()
	assert.Equal(t, uint32(testStart.Unix()), cert.Serial)
	assert.Equal(t, dnscrypt.XChacha20Poly1305, cert.EsVersion)
	assert.True(t, cert.ValidAt(testStart))
	assert.Equal(t, testStart.Add(testTTL), cert.ValidUntil())
	assert.Equal(t, testStart.Add(testRotation), m.NextRotation())

	pub, err := c.State.ProviderPublicKey()
	require.NoError(t, err)

	assert.True(t, cert.Verify(pub))

	require.NotNil(t, store.state)
	assert.Equal(t, cert.Serial, store.state.Serial)
	assert.NotEmpty(t, store.state.ResolverSk)
}

func TestNew_restore(t *testing.T) {
	m, c, store := newTestManager(t)
	first := m.Current().Cert()

	c.State = store.state

	t.Run("valid", func(t *testing.T) {
		restored, err := certmgr.New(context.Background(), c, testStart.Add(time.Hour))
		require.NoError(t, err)

		got := restored.Current().Cert()
		assert.Equal(t, first.Serial, got.Serial)
		assert.Equal(t, first.ResolverPk, got.ResolverPk)
		assert.Equal(t, first.Signature, got.Signature)
	})

	t.Run("due", func(t *testing.T) {
		restored, err := certmgr.New(context.Background(), c, testStart.Add(testRotation))
		require.NoError(t, err)

		got := restored.Current().Cert()
		assert.Greater(t, got.Serial, first.Serial)
		assert.NotEqual(t, first.ResolverPk, got.ResolverPk)
	})

	t.Run("other_es_version", func(t *testing.T) {
		conf := *c
		conf.EsVersion = dnscrypt.XSalsa20Poly1305

		restored, err := certmgr.New(context.Background(), &conf, testStart.Add(time.Hour))
		require.NoError(t, err)

		got := restored.Current().Cert()
		assert.Equal(t, dnscrypt.XSalsa20Poly1305, got.EsVersion)
		assert.NotEqual(t, first.ResolverPk, got.ResolverPk)
	})
}

func TestNew_badProviderKey(t *testing.T) {
	c := newTestConfig(t, &memStore{})
	c.State.PrivateKey = "00"

	_, err := certmgr.New(context.Background(), c, testStart)
	assert.ErrorIs(t, err, certmgr.ErrCertificateSigningFailure)
}

func TestManager_Rotate(t *testing.T) {
	m, _, store := newTestManager(t)
	ctx := context.Background()

	prev := m.Current()
	prevMagic := prev.Cert().ClientMagic

	// Rotate within the same second to check that serials still grow.
	next, err := m.Rotate(ctx, testStart)
	require.NoError(t, err)

	assert.Equal(t, prev.Cert().Serial+1, next.Cert().Serial)
	assert.NotEqual(t, prevMagic, next.Cert().ClientMagic)
	assert.Same(t, next, m.Current())
	assert.Equal(t, 2, store.saves)

	now := testStart.Add(testGrace / 2)

	c, ok := m.Lookup(prevMagic, now)
	require.True(t, ok)
	assert.Same(t, prev, c)

	c, ok = m.Lookup(next.Cert().ClientMagic, now)
	require.True(t, ok)
	assert.Same(t, next, c)

	assert.Len(t, m.Certificates(now), 2)

	afterGrace := testStart.Add(testGrace)
	_, ok = m.Lookup(prevMagic, afterGrace)
	assert.False(t, ok)

	assert.False(t, m.Expire(ctx, afterGrace))
	assert.Len(t, m.Certificates(afterGrace), 1)

	_, ok = m.Lookup(prevMagic, testStart)
	assert.False(t, ok)
}

func TestManager_Rotate_saveError(t *testing.T) {
	m, _, store := newTestManager(t)
	store.saveErr = errors.Error("test error")

	c, err := m.Rotate(context.Background(), testStart.Add(testRotation))
	require.NoError(t, err)

	assert.Same(t, c, m.Current())
}

func TestManager_Lookup(t *testing.T) {
	m, _, _ := newTestManager(t)
	magic := m.Current().Cert().ClientMagic

	testCases := []struct {
		now   time.Time
		magic [dnscrypt.ClientMagicSize]byte
		name  string
		want  bool
	}{{
		now:   testStart,
		magic: magic,
		name:  "active",
		want:  true,
	}, {
		now:   testStart.Add(-time.Second),
		magic: magic,
		name:  "not_yet_valid",
		want:  false,
	}, {
		now:   testStart.Add(testTTL),
		magic: magic,
		name:  "expired",
		want:  false,
	}, {
		now:   testStart,
		magic: [dnscrypt.ClientMagicSize]byte{1, 2, 3},
		name:  "unknown",
		want:  false,
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, ok := m.Lookup(tc.magic, tc.now)
			assert.Equal(t, tc.want, ok)
		})
	}
}

func TestManager_Expire(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	assert.False(t, m.Expire(ctx, testStart))
	assert.True(t, m.Expire(ctx, testStart.Add(testTTL)))
	assert.Empty(t, m.Certificates(testStart.Add(testTTL)))
}

func TestCertificate_DecryptQuery(t *testing.T) {
	m, _, _ := newTestManager(t)
	c := m.Current()
	cert := c.Cert()

	client, err := dnscrypt.GenerateKeyPair()
	require.NoError(t, err)

	key, err := dnscrypt.ComputeSharedKey(cert.EsVersion, &client.Secret, &cert.ResolverPk)
	require.NoError(t, err)

	packet := make([]byte, 32)
	packet[0] = 0xab

	var nonce [dnscrypt.HalfNonceSize]byte
	nonce[0] = 1

	b, err := dnscrypt.EncryptQuery(
		cert.EsVersion,
		&key,
		cert.ClientMagic,
		client.Public,
		nonce,
		packet,
		dnscrypt.MinUDPQuerySize,
	)
	require.NoError(t, err)

	q, err := dnscrypt.ParseQuery(b)
	require.NoError(t, err)

	for range 2 {
		got, gotKey, decErr := c.DecryptQuery(q)
		require.NoError(t, decErr)

		assert.Equal(t, packet, got)
		assert.Equal(t, key, gotKey)
	}

	q.ClientMagic[0] ^= 0xff
	_, _, err = c.DecryptQuery(q)
	assert.ErrorIs(t, err, dnscrypt.ErrMalformedEnvelope)
}

func TestFileStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.yaml")
	s := certmgr.NewFileStore(path)

	_, err := s.Load()
	require.ErrorIs(t, err, os.ErrNotExist)

	c := newTestConfig(t, s)
	m, err := certmgr.New(context.Background(), c, testStart)
	require.NoError(t, err)

	fi, err := os.Stat(path)
	require.NoError(t, err)

	assert.Equal(t, os.FileMode(0o600), fi.Mode().Perm())

	st, err := s.Load()
	require.NoError(t, err)

	cert := m.Current().Cert()
	assert.Equal(t, cert.Serial, st.Serial)
	assert.Equal(t, cert.NotBefore, st.NotBefore)
	assert.Equal(t, cert.NotAfter, st.NotAfter)
	assert.Equal(t, c.State.ProviderName, st.ProviderName)

	_, err = st.ProviderKey()
	assert.NoError(t, err)
}

func TestConfig_Validate(t *testing.T) {
	c := newTestConfig(t, &memStore{})
	require.NoError(t, c.Validate())

	c.RotationInterval = c.CertificateTTL
	c.SecretsCacheSize = 0
	assert.Error(t, c.Validate())

	var nilConf *certmgr.Config
	assert.ErrorIs(t, nilConf.Validate(), errors.ErrNoValue)

	noStore := newTestConfig(t, nil)
	assert.ErrorIs(t, noStore.Validate(), errors.ErrNoValue)
}
