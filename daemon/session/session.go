// Package session holds the live session table: one entry per completed
// handshake, each wrapping the transport cipher, the peer's QoS contract,
// and that contract's token bucket.
package session

import (
	"errors"
	"sync"
	"time"

	"github.com/quantarax/summit/daemon/noisecrypto"
)

// ErrSessionNotFound is returned by Get/Remove for an unknown session id.
var ErrSessionNotFound = errors.New("session: not found")

// Session is one established peer channel.
type Session struct {
	ID        [32]byte
	PeerKey   [32]byte
	Contract  Contract
	Transport *noisecrypto.Session
	Bucket    *TokenBucket

	mu         sync.Mutex
	lastActive time.Time
}

// Touch records activity on the session, used by the receive loop's idle
// timeout.
func (s *Session) Touch(now time.Time) {
	s.mu.Lock()
	s.lastActive = now
	s.mu.Unlock()
}

// IdleSince returns how long it has been since the session last saw
// traffic.
func (s *Session) IdleSince(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastActive)
}

// Table is the concurrent session table keyed by session id.
type Table struct {
	mu       sync.RWMutex
	sessions map[[32]byte]*Session

	realtimeCount int
}

// NewTable creates an empty session table.
func NewTable() *Table {
	return &Table{sessions: make(map[[32]byte]*Session)}
}

// Add installs a newly established session, building its token bucket from
// its contract.
func (t *Table) Add(id, peerKey [32]byte, contract Contract, transport *noisecrypto.Session, now time.Time) *Session {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := &Session{
		ID:         id,
		PeerKey:    peerKey,
		Contract:   contract,
		Transport:  transport,
		Bucket:     NewTokenBucket(contract),
		lastActive: now,
	}
	t.sessions[id] = s
	if contract == ContractRealtime {
		t.realtimeCount++
	}
	return s
}

// Get returns the session for an id.
func (t *Table) Get(id [32]byte) (*Session, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Remove deletes a session, e.g. after its idle timeout expires or its peer
// sends GONE.
func (t *Table) Remove(id [32]byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	delete(t.sessions, id)
	if s.Contract == ContractRealtime {
		t.realtimeCount--
	}
	return nil
}

// List returns a snapshot of every live session.
func (t *Table) List() []*Session {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		out = append(out, s)
	}
	return out
}

// BackgroundAllowed reports whether Background-contract sends may proceed.
// Background traffic is suppressed outright whenever any Realtime session is
// live, regardless of that session's own token bucket state — Realtime
// sessions are never made to wait behind Background ones.
func (t *Table) BackgroundAllowed() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.realtimeCount == 0
}

// ExpireIdle removes every session idle for longer than timeout, returning
// their ids so callers can tear down any reassembly/trust state keyed by
// session.
func (t *Table) ExpireIdle(timeout time.Duration, now time.Time) [][32]byte {
	t.mu.Lock()
	defer t.mu.Unlock()

	var expired [][32]byte
	for id, s := range t.sessions {
		s.mu.Lock()
		idle := now.Sub(s.lastActive)
		s.mu.Unlock()
		if idle > timeout {
			expired = append(expired, id)
			delete(t.sessions, id)
			if s.Contract == ContractRealtime {
				t.realtimeCount--
			}
		}
	}
	return expired
}
