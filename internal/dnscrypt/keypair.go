package dnscrypt

import (
	"crypto/rand"
	"fmt"
	"log/slog"

	"golang.org/x/crypto/curve25519"
)

// KeyPair is a short-term X25519 resolver keypair.
type KeyPair struct {
	// Public is the public key published in the certificate.
	Public [KeySize]byte

	// Secret is the secret key used for the key agreement with clients.  It
	// must never be logged.
	Secret [KeySize]byte
}

// GenerateKeyPair returns a new random X25519 keypair.
func GenerateKeyPair() (kp *KeyPair, err error) {
	kp = &KeyPair{}
	_, err = rand.Read(kp.Secret[:])
	if err != nil {
		return nil, fmt.Errorf("reading random secret: %w", err)
	}

	pub, err := curve25519.X25519(kp.Secret[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("computing public key: %w", err)
	}

	copy(kp.Public[:], pub)

	return kp, nil
}

// NewKeyPair returns a keypair from the given secret key, computing the public
// key.  secret must be KeySize bytes long.
func NewKeyPair(secret []byte) (kp *KeyPair, err error) {
	if len(secret) != KeySize {
		return nil, fmt.Errorf("secret key length: want %d, got %d", KeySize, len(secret))
	}

	kp = &KeyPair{}
	copy(kp.Secret[:], secret)

	pub, err := curve25519.X25519(kp.Secret[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("computing public key: %w", err)
	}

	copy(kp.Public[:], pub)

	return kp, nil
}

// type check
var (
	_ fmt.Stringer   = (*KeyPair)(nil)
	_ slog.LogValuer = (*KeyPair)(nil)
)

// String implements the [fmt.Stringer] interface for *KeyPair.  The secret key
// is redacted.
func (kp *KeyPair) String() (s string) {
	return fmt.Sprintf("public=%x secret=[redacted]", kp.Public)
}

// LogValue implements the [slog.LogValuer] interface for *KeyPair.  The secret
// key is redacted.
func (kp *KeyPair) LogValue() (v slog.Value) {
	return slog.GroupValue(
		slog.String("public", fmt.Sprintf("%x", kp.Public)),
		slog.String("secret", "[redacted]"),
	)
}
