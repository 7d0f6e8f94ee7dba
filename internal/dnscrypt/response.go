package dnscrypt

import (
	"bytes"
	"fmt"
	"time"
)

// EncryptResponse builds a resolver response envelope for packet.  The nonce
// is clientNonce followed by a fresh half taken from ns.  maxSize limits the
// size of the whole envelope, a non-positive value means [MaxPacketSize].
//
//	<dnscrypt-response> ::= <resolver-magic> <nonce> <encrypted-response>
func EncryptResponse(
	es CryptoConstruction,
	key *SharedKey,
	ns *NonceSource,
	now time.Time,
	clientNonce [HalfNonceSize]byte,
	packet []byte,
	maxSize int,
) (b []byte, err error) {
	if maxSize <= 0 || maxSize > MaxPacketSize {
		maxSize = MaxPacketSize
	}

	padded, err := pad(packet, 0, maxSize-ResponseHeaderSize-TagSize)
	if err != nil {
		return nil, err
	}

	serverHalf, err := ns.Next(now)
	if err != nil {
		return nil, err
	}

	var nonce [NonceSize]byte
	copy(nonce[:HalfNonceSize], clientNonce[:])
	copy(nonce[HalfNonceSize:], serverHalf[:])

	b = make([]byte, 0, ResponseHeaderSize+TagSize+len(padded))
	b = append(b, ResolverMagic[:]...)
	b = append(b, nonce[:]...)

	return seal(es, b, &nonce, padded, key), nil
}

// DecryptResponse parses and decrypts the response envelope b.  It's the
// client side of the protocol and is used by tests and tools.
func DecryptResponse(
	es CryptoConstruction,
	key *SharedKey,
	b []byte,
) (packet []byte, nonce [NonceSize]byte, err error) {
	if len(b) < MinResponseSize {
		return nil, nonce, fmt.Errorf("%w: response length %d", ErrMalformedEnvelope, len(b))
	}

	if !bytes.Equal(b[:ResolverMagicSize], ResolverMagic[:]) {
		return nil, nonce, fmt.Errorf("%w: bad resolver magic", ErrMalformedEnvelope)
	}

	copy(nonce[:], b[ResolverMagicSize:ResponseHeaderSize])

	padded, err := open(es, nil, &nonce, b[ResponseHeaderSize:], key)
	if err != nil {
		return nil, nonce, err
	}

	packet, err = unpad(padded)

	return packet, nonce, err
}
