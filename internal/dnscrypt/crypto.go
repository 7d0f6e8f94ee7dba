package dnscrypt

import (
	"crypto/subtle"
	"fmt"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/poly1305"
	"golang.org/x/crypto/salsa20/salsa"
)

// SharedKey is a symmetric key derived from a client and a resolver keypair.
type SharedKey [KeySize]byte

// zeroKey is used to detect weak public keys.
var zeroKey [KeySize]byte

// ComputeSharedKey derives the shared key between the secret key sk and the
// peer public key pk for construction es.  It returns
// [ErrAuthenticationFailure] if pk is a low-order point.
func ComputeSharedKey(es CryptoConstruction, sk, pk *[KeySize]byte) (key SharedKey, err error) {
	if err = es.Validate(); err != nil {
		return key, err
	}

	// X25519 already rejects the all-zero output, but that check isn't
	// guaranteed to be constant-time across implementations.
	dh, err := curve25519.X25519(sk[:], pk[:])
	if err != nil || subtle.ConstantTimeCompare(dh, zeroKey[:]) == 1 {
		return key, fmt.Errorf("%w: weak public key", ErrAuthenticationFailure)
	}

	var in [32]byte
	copy(in[:], dh)

	switch es {
	case XSalsa20Poly1305:
		var nonce [16]byte
		var out [32]byte
		salsa.HSalsa20(&out, &nonce, &in, &salsa.Sigma)
		key = out
	case XChacha20Poly1305:
		var nonce [16]byte
		out, hErr := chacha20.HChaCha20(in[:], nonce[:])
		if hErr != nil {
			// Should never happen, since the sizes are fixed.
			panic(fmt.Errorf("hchacha20: %w", hErr))
		}

		copy(key[:], out)
	}

	return key, nil
}

// seal appends the authenticated encryption of msg to out and returns the
// result.  The tag precedes the ciphertext for both constructions.
func seal(es CryptoConstruction, out []byte, nonce *[NonceSize]byte, msg []byte, key *SharedKey) (res []byte) {
	switch es {
	case XSalsa20Poly1305:
		return secretbox.Seal(out, msg, nonce, (*[KeySize]byte)(key))
	case XChacha20Poly1305:
		return xchachaSeal(out, nonce, msg, key)
	default:
		panic(fmt.Errorf("seal: %s", es))
	}
}

// open authenticates and decrypts box and appends the plaintext to out.
func open(es CryptoConstruction, out []byte, nonce *[NonceSize]byte, box []byte, key *SharedKey) (res []byte, err error) {
	if len(box) < TagSize {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrMalformedEnvelope)
	}

	var ok bool
	switch es {
	case XSalsa20Poly1305:
		res, ok = secretbox.Open(out, box, nonce, (*[KeySize]byte)(key))
	case XChacha20Poly1305:
		res, ok = xchachaOpen(out, nonce, box, key)
	default:
		return nil, es.Validate()
	}

	if !ok {
		return nil, ErrAuthenticationFailure
	}

	return res, nil
}

// xchachaSeal implements the XChaCha20-Poly1305 secretbox construction used by
// DNSCrypt: the first 32 bytes of the keystream are the Poly1305 key and the
// message is encrypted with the keystream starting at offset 32.
func xchachaSeal(out []byte, nonce *[NonceSize]byte, msg []byte, key *SharedKey) (res []byte) {
	c, polyKey := newXChaCha(nonce, key)

	res, dst := sliceForAppend(out, TagSize+len(msg))
	ct := dst[TagSize:]
	c.XORKeyStream(ct, msg)

	var tag [TagSize]byte
	poly1305.Sum(&tag, ct, &polyKey)
	copy(dst[:TagSize], tag[:])

	return res
}

// xchachaOpen is the inverse of [xchachaSeal].  The tag is verified in
// constant time before decrypting.
func xchachaOpen(out []byte, nonce *[NonceSize]byte, box []byte, key *SharedKey) (res []byte, ok bool) {
	c, polyKey := newXChaCha(nonce, key)

	var tag [TagSize]byte
	copy(tag[:], box[:TagSize])

	ct := box[TagSize:]
	if !poly1305.Verify(&tag, ct, &polyKey) {
		return nil, false
	}

	res, dst := sliceForAppend(out, len(ct))
	c.XORKeyStream(dst, ct)

	return res, true
}

// newXChaCha returns an XChaCha20 cipher positioned at keystream offset 32 and
// the Poly1305 key taken from the first 32 bytes of the keystream.
func newXChaCha(nonce *[NonceSize]byte, key *SharedKey) (c *chacha20.Cipher, polyKey [32]byte) {
	c, err := chacha20.NewUnauthenticatedCipher(key[:], nonce[:])
	if err != nil {
		// Should never happen, since the sizes are fixed.
		panic(fmt.Errorf("xchacha20: %w", err))
	}

	copy(polyKey[:], polyKeyStream(c))

	return c, polyKey
}

// polyKeyStream consumes the first 32 bytes of the keystream of c and returns
// them.
func polyKeyStream(c *chacha20.Cipher) (b []byte) {
	b = make([]byte, 32)
	c.XORKeyStream(b, b)

	return b
}

// sliceForAppend extends in by n bytes.  head is the whole slice and tail is
// the appended part.
func sliceForAppend(in []byte, n int) (head, tail []byte) {
	if total := len(in) + n; cap(in) >= total {
		head = in[:total]
	} else {
		head = make([]byte, total)
		copy(head, in)
	}

	tail = head[len(in):]

	return head, tail
}
