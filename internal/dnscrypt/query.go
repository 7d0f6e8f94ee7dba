package dnscrypt

import (
	"fmt"
)

// Query is a parsed client query envelope.  It's never modified after
// parsing.
//
//	<dnscrypt-query> ::= <client-magic> <client-pk> <client-nonce> <encrypted-query>
type Query struct {
	// Ciphertext is the encrypted and padded DNS message with its tag.
	Ciphertext []byte

	// ClientPk is the client's public key.
	ClientPk [KeySize]byte

	// ClientMagic identifies the certificate the query is encrypted for.
	ClientMagic [ClientMagicSize]byte

	// ClientNonce is the client half of the nonce.
	ClientNonce [HalfNonceSize]byte
}

// PeekClientMagic returns the client magic of a packet that may be an
// encrypted query.  ok is false if b is too short to be one.
func PeekClientMagic(b []byte) (magic [ClientMagicSize]byte, ok bool) {
	if len(b) < MinQuerySize {
		return magic, false
	}

	copy(magic[:], b)

	return magic, true
}

// ParseQuery parses the client query envelope b.  It returns
// [ErrMalformedEnvelope] if b has an invalid length.  b must not be modified
// while q is used.
func ParseQuery(b []byte) (q *Query, err error) {
	if l := len(b); l < MinQuerySize || l > MaxPacketSize {
		return nil, fmt.Errorf("%w: query length %d", ErrMalformedEnvelope, l)
	}

	q = &Query{
		Ciphertext: b[QueryHeaderSize:],
	}

	copy(q.ClientMagic[:], b[:ClientMagicSize])
	copy(q.ClientPk[:], b[ClientMagicSize:ClientMagicSize+KeySize])
	copy(q.ClientNonce[:], b[ClientMagicSize+KeySize:QueryHeaderSize])

	return q, nil
}

// Decrypt authenticates and decrypts q using key and returns the unpadded DNS
// message.  The nonce is the client half followed by zeros.
func (q *Query) Decrypt(es CryptoConstruction, key *SharedKey) (packet []byte, err error) {
	var nonce [NonceSize]byte
	copy(nonce[:HalfNonceSize], q.ClientNonce[:])

	padded, err := open(es, nil, &nonce, q.Ciphertext, key)
	if err != nil {
		return nil, err
	}

	return unpad(padded)
}

// EncryptQuery builds a client query envelope for packet.  It's the client
// side of the protocol and is used by tests and tools.  minSize is the minimum
// padded length, use [MinUDPQuerySize] for UDP.
func EncryptQuery(
	es CryptoConstruction,
	key *SharedKey,
	clientMagic [ClientMagicSize]byte,
	clientPk [KeySize]byte,
	clientNonce [HalfNonceSize]byte,
	packet []byte,
	minSize int,
) (b []byte, err error) {
	padded, err := pad(packet, minSize, MaxPacketSize-QueryHeaderSize-TagSize)
	if err != nil {
		return nil, err
	}

	var nonce [NonceSize]byte
	copy(nonce[:HalfNonceSize], clientNonce[:])

	b = make([]byte, 0, QueryHeaderSize+TagSize+len(padded))
	b = append(b, clientMagic[:]...)
	b = append(b, clientPk[:]...)
	b = append(b, clientNonce[:]...)

	return seal(es, b, &nonce, padded, key), nil
}
