package dnscrypt

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"time"
)

// NonceSource produces resolver nonce halves.  Each half is 4 bytes from a
// CSPRNG followed by a strictly increasing 64-bit counter, so no two halves
// produced by one NonceSource are equal.  NonceSource is not safe for
// concurrent use.
type NonceSource struct {
	last uint64
}

// NewNonceSource returns a new NonceSource with the counter seeded from now.
func NewNonceSource(now time.Time) (s *NonceSource) {
	return &NonceSource{
		last: uint64(now.UnixNano()),
	}
}

// Next returns the next resolver nonce half.  The counter part follows the
// wall clock in nanoseconds when possible and never repeats.
func (s *NonceSource) Next(now time.Time) (half [HalfNonceSize]byte, err error) {
	_, err = rand.Read(half[:4])
	if err != nil {
		return half, fmt.Errorf("reading random nonce: %w", err)
	}

	s.last = max(s.last+1, uint64(now.UnixNano()))
	binary.BigEndian.PutUint64(half[4:], s.last)

	return half, nil
}
