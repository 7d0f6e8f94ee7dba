package dnscrypt

import (
	"bytes"
	"crypto/ed25519"
	"encoding/binary"
	"fmt"
	"time"
)

// Cert is a DNSCrypt resolver certificate.
//
//	<cert> ::= <cert-magic> <es-version> <protocol-minor-version> <signature>
//	           <resolver-pk> <client-magic> <serial> <ts-start> <ts-end>
type Cert struct {
	// Signature is the Ed25519 signature of the signed part made with the
	// provider secret key.
	Signature [ed25519.SignatureSize]byte

	// ResolverPk is the short-term resolver public key.
	ResolverPk [KeySize]byte

	// ClientMagic is the prefix of queries encrypted for this certificate.
	ClientMagic [ClientMagicSize]byte

	// Serial is the serial number.  Clients prefer higher serials.
	Serial uint32

	// NotBefore is the Unix time the certificate is valid from.
	NotBefore uint32

	// NotAfter is the Unix time the certificate is valid until.
	NotAfter uint32

	// EsVersion is the construction to use with this certificate.
	EsVersion CryptoConstruction
}

// NewCert returns an unsigned certificate for the resolver public key pk.  The
// client magic is the first ClientMagicSize bytes of pk.
func NewCert(
	pk [KeySize]byte,
	es CryptoConstruction,
	serial uint32,
	notBefore time.Time,
	notAfter time.Time,
) (c *Cert) {
	c = &Cert{
		ResolverPk: pk,
		Serial:     serial,
		NotBefore:  uint32(notBefore.Unix()),
		NotAfter:   uint32(notAfter.Unix()),
		EsVersion:  es,
	}

	copy(c.ClientMagic[:], pk[:ClientMagicSize])

	return c
}

// Sign signs c with the provider secret key and then verifies the signature.
// It returns an error if key is malformed or the produced signature doesn't
// verify.
func (c *Cert) Sign(key ed25519.PrivateKey) (err error) {
	if len(key) != ed25519.PrivateKeySize {
		return fmt.Errorf("provider key length: want %d, got %d", ed25519.PrivateKeySize, len(key))
	}

	sig := ed25519.Sign(key, c.signed())
	copy(c.Signature[:], sig)

	pub, ok := key.Public().(ed25519.PublicKey)
	if !ok || !c.Verify(pub) {
		return ErrCertSignature
	}

	return nil
}

// Verify returns true if c is signed with the secret key corresponding to pub.
func (c *Cert) Verify(pub ed25519.PublicKey) (ok bool) {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}

	return ed25519.Verify(pub, c.signed(), c.Signature[:])
}

// ValidAt returns true if t is within the validity window of c.
func (c *Cert) ValidAt(t time.Time) (ok bool) {
	if c.NotBefore >= c.NotAfter {
		return false
	}

	now := t.Unix()

	return now >= int64(c.NotBefore) && now < int64(c.NotAfter)
}

// ValidUntil returns the end of the validity window of c.
func (c *Cert) ValidUntil() (t time.Time) {
	return time.Unix(int64(c.NotAfter), 0)
}

// Marshal returns the wire representation of c.
func (c *Cert) Marshal() (b []byte) {
	b = make([]byte, CertSize)

	copy(b[:4], CertMagic[:])
	binary.BigEndian.PutUint16(b[4:6], uint16(c.EsVersion))
	// Protocol minor version is always zero.
	copy(b[8:72], c.Signature[:])
	c.writeSigned(b[72:])

	return b
}

// UnmarshalCert parses the wire representation of a certificate.  Extensions
// following the fixed part are ignored.
func UnmarshalCert(b []byte) (c *Cert, err error) {
	if len(b) < CertSize {
		return nil, fmt.Errorf("%w: length %d", ErrCertMalformed, len(b))
	}

	if !bytes.Equal(b[:4], CertMagic[:]) {
		return nil, fmt.Errorf("%w: bad magic", ErrCertMalformed)
	}

	es := CryptoConstruction(binary.BigEndian.Uint16(b[4:6]))
	if err = es.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCertMalformed, err)
	}

	c = &Cert{
		EsVersion: es,
		Serial:    binary.BigEndian.Uint32(b[112:116]),
		NotBefore: binary.BigEndian.Uint32(b[116:120]),
		NotAfter:  binary.BigEndian.Uint32(b[120:124]),
	}

	copy(c.Signature[:], b[8:72])
	copy(c.ResolverPk[:], b[72:104])
	copy(c.ClientMagic[:], b[104:112])

	return c, nil
}

// String implements the [fmt.Stringer] interface for *Cert.
func (c *Cert) String() (s string) {
	return fmt.Sprintf(
		"serial=%d es_version=%s not_before=%s not_after=%s",
		c.Serial,
		c.EsVersion,
		time.Unix(int64(c.NotBefore), 0).UTC().Format(time.RFC3339),
		time.Unix(int64(c.NotAfter), 0).UTC().Format(time.RFC3339),
	)
}

// signed returns the part of c covered by the signature.
func (c *Cert) signed() (b []byte) {
	b = make([]byte, signedSize)
	c.writeSigned(b)

	return b
}

// writeSigned writes <resolver-pk> <client-magic> <serial> <ts-start> <ts-end>
// into dst.
func (c *Cert) writeSigned(dst []byte) {
	copy(dst[:32], c.ResolverPk[:])
	copy(dst[32:40], c.ClientMagic[:])
	binary.BigEndian.PutUint32(dst[40:44], c.Serial)
	binary.BigEndian.PutUint32(dst[44:48], c.NotBefore)
	binary.BigEndian.PutUint32(dst[48:52], c.NotAfter)
}
