package dnscrypt

import "github.com/AdguardTeam/golibs/errors"

const (
	// ErrMalformedEnvelope is returned when an envelope has a bad magic, a bad
	// length, or invalid padding.
	ErrMalformedEnvelope errors.Error = "malformed envelope"

	// ErrAuthenticationFailure is returned when the authentication tag of an
	// envelope does not verify or when the peer's public key is weak.
	ErrAuthenticationFailure errors.Error = "authentication failure"

	// ErrCertMalformed is returned when a certificate cannot be parsed.
	ErrCertMalformed errors.Error = "malformed certificate"

	// ErrCertSignature is returned when a certificate signature does not
	// verify.
	ErrCertSignature errors.Error = "invalid certificate signature"

	// ErrTooLarge is returned when a message doesn't fit into the envelope.
	ErrTooLarge errors.Error = "message too large"
)
