// Package session contains the table of in-flight upstream queries.
package session

import (
	"crypto/rand"
	"fmt"
	mrand "math/rand/v2"
	"net/netip"
	"time"

	"github.com/AdguardTeam/dnscrypt-wrapper/internal/dnscrypt"
	"github.com/AdguardTeam/golibs/errors"
	"github.com/miekg/dns"
)

// ErrCapacityExceeded is returned by [Table.Insert] when the table is full.
const ErrCapacityExceeded errors.Error = "session capacity exceeded"

// MaxCapacity is the maximum capacity of a table, since sessions are keyed by
// DNS transaction ids.
const MaxCapacity = 1 << 16

// Transport is the client-facing transport of a session.
type Transport uint8

// Transport values.
const (
	TransportUDP Transport = iota + 1
	TransportTCP
)

// String implements the [fmt.Stringer] interface for Transport.
func (t Transport) String() (s string) {
	switch t {
	case TransportUDP:
		return "udp"
	case TransportTCP:
		return "tcp"
	default:
		return fmt.Sprintf("!bad_transport_%d", uint8(t))
	}
}

// Session is a client query waiting for the upstream response.
type Session struct {
	// Deadline is the time the session expires at.
	Deadline time.Time

	// Started is the time the query has been forwarded upstream.
	Started time.Time

	// Question is the question of the client query.  It's used to validate
	// the upstream response.
	Question dns.Question

	// Query is the plaintext query as sent upstream, with the upstream id.
	Query []byte

	// Client is the address of the client.
	Client netip.AddrPort

	// Local is the address the client query has been received on.  It's only
	// set for UDP sessions.
	Local netip.Addr

	// Key is the shared key of the client query.
	Key dnscrypt.SharedKey

	// ConnID identifies the client TCP connection.  It's only set for TCP
	// sessions.
	ConnID uint64

	// MaxSize is the maximum size of the encrypted response.
	MaxSize int

	// ClientNonce is the client half of the nonce.
	ClientNonce [dnscrypt.HalfNonceSize]byte

	// ClientID is the DNS id of the client query.
	ClientID uint16

	// UpstreamID is the DNS id of the upstream query and the key of the
	// session in the table.
	UpstreamID uint16

	// EsVersion is the construction of the client query.
	EsVersion dnscrypt.CryptoConstruction

	// Transport is the client-facing transport.
	Transport Transport

	// Upstream is the transport the query has been forwarded over.  A UDP
	// session is switched to TCP once the resolver truncates the response.
	Upstream Transport
}

// Table maps upstream query ids to sessions.  It's not safe for concurrent
// use.
type Table struct {
	sessions map[uint16]*Session

	// perConn is the number of sessions of each client TCP connection.
	perConn map[uint64]int

	rand     *mrand.Rand
	capacity int
}

// NewTable returns a new table holding at most capacity sessions.  capacity
// must be positive and not greater than [MaxCapacity].
func NewTable(capacity int) (t *Table) {
	var seed [32]byte
	// crypto/rand.Read never returns an error.
	_, _ = rand.Read(seed[:])

	return &Table{
		sessions: make(map[uint16]*Session, capacity),
		perConn:  map[uint64]int{},
		rand:     mrand.New(mrand.NewChaCha8(seed)),
		capacity: capacity,
	}
}

// Insert allocates an unused random upstream id for s, sets s.UpstreamID, and
// adds it to the table.  It returns [ErrCapacityExceeded] if the table is
// full.
func (t *Table) Insert(s *Session) (err error) {
	if len(t.sessions) >= t.capacity {
		return ErrCapacityExceeded
	}

	for {
		id := uint16(t.rand.Uint32())
		if _, ok := t.sessions[id]; ok {
			continue
		}

		s.UpstreamID = id
		t.sessions[id] = s
		if s.Transport == TransportTCP {
			t.perConn[s.ConnID]++
		}

		return nil
	}
}

// Lookup returns the session with the upstream id.  An expired session is
// removed and reported as absent.
func (t *Table) Lookup(id uint16, now time.Time) (s *Session, ok bool) {
	s, ok = t.sessions[id]
	if !ok {
		return nil, false
	}

	if !now.Before(s.Deadline) {
		t.remove(id, s)

		return nil, false
	}

	return s, true
}

// Remove removes the session with the upstream id, if any.
func (t *Table) Remove(id uint16) {
	if s, ok := t.sessions[id]; ok {
		t.remove(id, s)
	}
}

// remove deletes s stored under id.
func (t *Table) remove(id uint16, s *Session) {
	delete(t.sessions, id)
	if s.Transport != TransportTCP {
		return
	}

	if n := t.perConn[s.ConnID] - 1; n > 0 {
		t.perConn[s.ConnID] = n
	} else {
		delete(t.perConn, s.ConnID)
	}
}

// Sweep removes and returns the sessions expired at now.
func (t *Table) Sweep(now time.Time) (expired []*Session) {
	for id, s := range t.sessions {
		if !now.Before(s.Deadline) {
			expired = append(expired, s)
			t.remove(id, s)
		}
	}

	return expired
}

// RemoveConn removes all sessions of the client TCP connection.
func (t *Table) RemoveConn(connID uint64) (n int) {
	for id, s := range t.sessions {
		if s.Transport == TransportTCP && s.ConnID == connID {
			t.remove(id, s)
			n++
		}
	}

	return n
}

// ConnLen returns the number of sessions of the client TCP connection.
func (t *Table) ConnLen(connID uint64) (n int) {
	return t.perConn[connID]
}

// Len returns the number of sessions in the table.
func (t *Table) Len() (n int) {
	return len(t.sessions)
}
