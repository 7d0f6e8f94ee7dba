// Package dnscrypt implements the DNSCrypt v2 wire format and cryptographic
// constructions: certificates, client query envelopes, resolver response
// envelopes, key agreement, and padding.
//
// See https://dnscrypt.info/protocol.
package dnscrypt

import (
	"fmt"

	"github.com/AdguardTeam/golibs/errors"
)

// Wire sizes, in bytes.
const (
	// KeySize is the size of X25519 public and secret keys as well as of the
	// derived shared keys.
	KeySize = 32

	// ClientMagicSize is the size of the client magic that prefixes every
	// encrypted query.
	ClientMagicSize = 8

	// NonceSize is the size of the full XSalsa20 and XChaCha20 nonce.
	NonceSize = 24

	// HalfNonceSize is the size of both the client and the resolver halves of
	// the nonce.
	HalfNonceSize = NonceSize / 2

	// TagSize is the size of the Poly1305 authentication tag.
	TagSize = 16

	// ResolverMagicSize is the size of the magic that prefixes every encrypted
	// response.
	ResolverMagicSize = 8

	// CertSize is the size of a serialized certificate without extensions.
	CertSize = 124

	// QueryHeaderSize is the size of the unencrypted part of a query.
	QueryHeaderSize = ClientMagicSize + KeySize + HalfNonceSize

	// ResponseHeaderSize is the size of the unencrypted part of a response.
	ResponseHeaderSize = ResolverMagicSize + NonceSize

	// MinDNSPacketSize is the size of a DNS header plus the smallest possible
	// question.
	MinDNSPacketSize = 12 + 5

	// MinQuerySize is the smallest possible encrypted query.
	MinQuerySize = QueryHeaderSize + TagSize + MinDNSPacketSize

	// MinResponseSize is the smallest possible encrypted response.
	MinResponseSize = ResponseHeaderSize + TagSize + MinDNSPacketSize

	// MaxPacketSize is the largest DNS message that fits into a TCP frame.
	MaxPacketSize = 65535

	// MinUDPQuerySize is the minimum length of a padded client query sent over
	// UDP.
	MinUDPQuerySize = 256

	// paddingBlockSize is the block size padded messages are aligned to.
	paddingBlockSize = 64

	// signedSize is the size of the signed part of a certificate.
	signedSize = KeySize + ClientMagicSize + 4 + 4 + 4
)

// ProviderNamePrefix is the prefix every DNSCrypt v2 provider name must have.
const ProviderNamePrefix = "2.dnscrypt-cert."

// CertMagic is the magic that starts every serialized certificate.
var CertMagic = [4]byte{0x44, 0x4e, 0x53, 0x43}

// ResolverMagic is the magic that starts every encrypted response.
var ResolverMagic = [ResolverMagicSize]byte{0x72, 0x36, 0x66, 0x6e, 0x76, 0x57, 0x6a, 0x38}

// CryptoConstruction is the es-version of a certificate, the cryptographic
// construction used to encrypt queries and responses.
type CryptoConstruction uint16

// Supported crypto constructions.
const (
	UndefinedConstruction CryptoConstruction = 0x0000
	XSalsa20Poly1305      CryptoConstruction = 0x0001
	XChacha20Poly1305     CryptoConstruction = 0x0002
)

// String implements the [fmt.Stringer] interface for CryptoConstruction.
func (c CryptoConstruction) String() (s string) {
	switch c {
	case XSalsa20Poly1305:
		return "XSalsa20Poly1305"
	case XChacha20Poly1305:
		return "XChacha20Poly1305"
	default:
		return fmt.Sprintf("!bad_construction_%d", uint16(c))
	}
}

// Validate returns an error if c is not a supported construction.
func (c CryptoConstruction) Validate() (err error) {
	switch c {
	case XSalsa20Poly1305, XChacha20Poly1305:
		return nil
	default:
		return fmt.Errorf("es-version: %w: %d", errors.ErrBadEnumValue, uint16(c))
	}
}
