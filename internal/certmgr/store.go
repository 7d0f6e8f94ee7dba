package certmgr

import (
	"crypto/ed25519"
	"fmt"
	"os"
	"strings"

	"github.com/AdguardTeam/dnscrypt-wrapper/internal/dnscrypt"
	"github.com/AdguardTeam/golibs/errors"
	ameshkov "github.com/ameshkov/dnscrypt/v2"
	"github.com/google/renameio/v2"
	"gopkg.in/yaml.v3"
)

// State is the persisted key material: the provider signing keypair and the
// current resolver keypair with its certificate parameters.  The layout
// extends the resolver configuration of github.com/ameshkov/dnscrypt/v2, so
// files generated by its tools are accepted.
type State struct {
	ameshkov.ResolverConfig `yaml:",inline"`

	// Serial is the serial of the current certificate.
	Serial uint32 `yaml:"serial,omitempty"`

	// NotBefore is the Unix time the current certificate is valid from.
	NotBefore uint32 `yaml:"not_before,omitempty"`

	// NotAfter is the Unix time the current certificate is valid until.
	NotAfter uint32 `yaml:"not_after,omitempty"`
}

// GenerateState returns a new state with a random provider keypair.  The
// "2.dnscrypt-cert." prefix is added to providerName if needed.
func GenerateState(providerName string, es dnscrypt.CryptoConstruction) (s *State, err error) {
	if err = es.Validate(); err != nil {
		return nil, err
	}

	rc, err := ameshkov.GenerateResolverConfig(providerName, nil)
	if err != nil {
		return nil, fmt.Errorf("generating resolver config: %w", err)
	}

	rc.EsVersion = ameshkov.CryptoConstruction(es)

	// The resolver keypair is issued by the first rotation.
	rc.ResolverSk, rc.ResolverPk = "", ""

	return &State{ResolverConfig: rc}, nil
}

// ProviderKey returns the decoded provider signing key and checks that it
// matches the public key.
func (s *State) ProviderKey() (key ed25519.PrivateKey, err error) {
	b, err := ameshkov.HexDecodeKey(s.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("decoding private_key: %w", err)
	} else if len(b) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("private_key: bad length %d", len(b))
	}

	key = ed25519.PrivateKey(b)

	pub, err := s.ProviderPublicKey()
	if err != nil {
		return nil, err
	}

	if !pub.Equal(key.Public()) {
		return nil, errors.Error("private_key does not match public_key")
	}

	return key, nil
}

// ProviderPublicKey returns the decoded provider public key.
func (s *State) ProviderPublicKey() (pub ed25519.PublicKey, err error) {
	b, err := ameshkov.HexDecodeKey(s.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("decoding public_key: %w", err)
	} else if len(b) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public_key: bad length %d", len(b))
	}

	return ed25519.PublicKey(b), nil
}

// resolverKeys returns the persisted resolver keypair or nil if there is none.
func (s *State) resolverKeys() (kp *dnscrypt.KeyPair, err error) {
	if s.ResolverSk == "" {
		return nil, nil
	}

	sk, err := ameshkov.HexDecodeKey(s.ResolverSk)
	if err != nil {
		return nil, fmt.Errorf("decoding resolver_secret: %w", err)
	}

	kp, err = dnscrypt.NewKeyPair(sk)
	if err != nil {
		return nil, fmt.Errorf("resolver_secret: %w", err)
	}

	if s.ResolverPk != "" && !strings.EqualFold(s.ResolverPk, ameshkov.HexEncodeKey(kp.Public[:])) {
		return nil, errors.Error("resolver_public does not match resolver_secret")
	}

	return kp, nil
}

// withCertificate returns a copy of s describing c as the current
// certificate.
func (s *State) withCertificate(c *Certificate) (res *State) {
	res = &State{
		ResolverConfig: s.ResolverConfig,
		Serial:         c.cert.Serial,
		NotBefore:      c.cert.NotBefore,
		NotAfter:       c.cert.NotAfter,
	}

	res.ResolverSk = ameshkov.HexEncodeKey(c.keys.Secret[:])
	res.ResolverPk = ameshkov.HexEncodeKey(c.keys.Public[:])
	res.EsVersion = ameshkov.CryptoConstruction(c.cert.EsVersion)

	return res
}

// Store loads and saves the persisted state.
type Store interface {
	// Load returns the persisted state.  err must wrap [os.ErrNotExist] if
	// there is no persisted state yet.
	Load() (s *State, err error)

	// Save persists s.
	Save(s *State) (err error)
}

// FileStore is a [Store] keeping the state in a YAML file.
type FileStore struct {
	path string
}

// NewFileStore returns a new *FileStore for the file at path.
func NewFileStore(path string) (s *FileStore) {
	return &FileStore{
		path: path,
	}
}

// type check
var _ Store = (*FileStore)(nil)

// Load implements the [Store] interface for *FileStore.
func (s *FileStore) Load() (st *State, err error) {
	// #nosec G304 -- Trust the file path that is given in the configuration.
	b, err := os.ReadFile(s.path)
	if err != nil {
		// Don't wrap the error, since it contains the path.
		return nil, err
	}

	st = &State{}
	err = yaml.Unmarshal(b, st)
	if err != nil {
		return nil, fmt.Errorf("unmarshalling %q: %w", s.path, err)
	}

	return st, nil
}

// Save implements the [Store] interface for *FileStore.  The file is replaced
// atomically and is only readable by the owner.
func (s *FileStore) Save(st *State) (err error) {
	b, err := yaml.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshalling state: %w", err)
	}

	err = renameio.WriteFile(s.path, b, 0o600)
	if err != nil {
		return fmt.Errorf("writing %q: %w", s.path, err)
	}

	return nil
}
