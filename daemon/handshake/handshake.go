package handshake

import (
	"bytes"
	"crypto/rand"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/quantarax/summit/daemon/noisecrypto"
)

// Timeout is how long a pending handshake may sit without progressing
// before it is considered stalled.
const Timeout = 5 * time.Second

// GCInterval is how often the janitor sweeps for stalled handshakes.
const GCInterval = 10 * time.Second

var (
	// ErrServiceNotOffered is returned when a HandshakeInit names a
	// service_hash the responder hasn't enabled locally. Per the
	// handshake's enforcement rule, such an init is dropped rather than
	// answered.
	ErrServiceNotOffered = errors.New("handshake: service not offered locally")
	// ErrNoPendingHandshake is returned when a response/complete message
	// arrives for a peer address with no matching pending handshake.
	ErrNoPendingHandshake = errors.New("handshake: no pending handshake for peer")
)

// Pending is one handshake in flight, either as initiator or responder.
type Pending struct {
	mu sync.Mutex

	PeerAddr    net.IP
	Initiator   bool
	State       State
	ServiceHash [32]byte

	Noise *noisecrypto.Handshake

	OurNonce  [16]byte
	PeerNonce [16]byte

	// ourEphemeral is the initiator's message-1 ephemeral public key, kept
	// so a reused in-flight handshake hands back the same HandshakeInit.
	ourEphemeral [32]byte

	Created time.Time
	Updated time.Time
}

func (p *Pending) transitionTo(s State) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !transitionAllowed(p.State, s) {
		return ErrInvalidTransition
	}
	p.State = s
	p.Updated = time.Now()
	return nil
}

func (p *Pending) currentState() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.State
}

func randomNonce() ([16]byte, error) {
	var n [16]byte
	if _, err := rand.Read(n[:]); err != nil {
		return n, err
	}
	return n, nil
}

// Manager tracks every in-flight handshake, keyed by the peer's link-local
// address since the session id doesn't exist until completion.
type Manager struct {
	mu       sync.Mutex
	pending  map[string]*Pending
	static   *noisecrypto.KeyPair
	localKey [32]byte
}

// NewManager creates a Manager for the local static identity.
func NewManager(static *noisecrypto.KeyPair) *Manager {
	return &Manager{
		pending:  make(map[string]*Pending),
		static:   static,
		localKey: static.PublicKey,
	}
}

func addrKey(addr net.IP) string {
	return addr.String()
}

// StartInitiator begins a handshake as the initiating side, returning the
// nonce and ephemeral key to put in the outgoing HandshakeInit. If a
// handshake to this address is already in flight as initiator, it is reused
// rather than restarted.
func (m *Manager) StartInitiator(peerAddr net.IP, serviceHash [32]byte) (*Pending, [16]byte, [32]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := addrKey(peerAddr)
	if existing, ok := m.pending[key]; ok && existing.Initiator {
		return existing, existing.OurNonce, existing.ourEphemeral, nil
	}

	hs, err := noisecrypto.NewInitiatorHandshake(m.static)
	if err != nil {
		return nil, [16]byte{}, [32]byte{}, err
	}
	ephPub, err := hs.WriteMessage1()
	if err != nil {
		return nil, [16]byte{}, [32]byte{}, err
	}
	nonce, err := randomNonce()
	if err != nil {
		return nil, [16]byte{}, [32]byte{}, err
	}

	p := &Pending{
		PeerAddr:    peerAddr,
		Initiator:   true,
		State:       StateAwaitingResponse,
		ServiceHash: serviceHash,
		Noise:       hs,
		OurNonce:    nonce,
		Created:     time.Now(),
		Updated:     time.Now(),
	}
	p.ourEphemeral = ephPub
	m.pending[key] = p
	return p, nonce, ephPub, nil
}

// ErrYieldingToOurInitiator is returned when we are already initiating a
// handshake to this peer and our static key wins the tie-break: the
// incoming init is dropped and our own initiator attempt continues.
var ErrYieldingToOurInitiator = errors.New("handshake: ignoring peer init, we remain initiator")

// OnReceiveInit handles an incoming HandshakeInit as the responder.
// peerStaticKey is the peer's long-term key as already known from its
// discovery announcement — the Noise_XX transcript itself doesn't reveal a
// static key until message 2, so the simultaneous-connect tie-break has to
// use the identity discovery already handed us. If we are simultaneously
// trying to initiate to the same address, the tie is broken by comparing
// static public keys: the side with the numerically smaller key stays the
// initiator, and the other side's initiator attempt is dropped in favor of
// responding, guaranteeing exactly one surviving handshake between the pair.
func (m *Manager) OnReceiveInit(peerAddr net.IP, peerStaticKey, peerEphemeral [32]byte, serviceHash [32]byte, nonce [16]byte, enabledServices map[[32]byte]bool) (*Pending, [16]byte, [96]byte, error) {
	if !enabledServices[serviceHash] {
		return nil, [16]byte{}, [96]byte{}, ErrServiceNotOffered
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := addrKey(peerAddr)
	if existing, ok := m.pending[key]; ok && existing.Initiator {
		if bytes.Compare(m.localKey[:], peerStaticKey[:]) < 0 {
			// Our key is smaller: we stay initiator, the peer's competing
			// init is dropped.
			return nil, [16]byte{}, [96]byte{}, ErrYieldingToOurInitiator
		}
		// Our key is larger: yield, discard our initiator attempt, and
		// respond instead.
		delete(m.pending, key)
	}

	hs := noisecrypto.NewResponderHandshake(m.static)
	if err := hs.ReadMessage1(peerEphemeral); err != nil {
		return nil, [16]byte{}, [96]byte{}, err
	}
	msg2, err := hs.WriteMessage2()
	if err != nil {
		return nil, [16]byte{}, [96]byte{}, err
	}
	ourNonce, err := randomNonce()
	if err != nil {
		return nil, [16]byte{}, [96]byte{}, err
	}

	p := &Pending{
		PeerAddr:    peerAddr,
		Initiator:   false,
		State:       StateAwaitingComplete,
		ServiceHash: serviceHash,
		Noise:       hs,
		OurNonce:    ourNonce,
		PeerNonce:   nonce,
		Created:     time.Now(),
		Updated:     time.Now(),
	}
	m.pending[key] = p
	return p, ourNonce, msg2, nil
}

// GC drops every pending handshake whose last progress is older than
// Timeout, returning the addresses dropped.
func (m *Manager) GC(now time.Time) []net.IP {
	m.mu.Lock()
	defer m.mu.Unlock()

	var dropped []net.IP
	for key, p := range m.pending {
		p.mu.Lock()
		stale := now.Sub(p.Updated) > Timeout
		addr := p.PeerAddr
		p.mu.Unlock()
		if stale {
			delete(m.pending, key)
			dropped = append(dropped, addr)
		}
	}
	return dropped
}

// Get returns the pending handshake for a peer address, if any.
func (m *Manager) Get(peerAddr net.IP) (*Pending, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pending[addrKey(peerAddr)]
	return p, ok
}

// Complete removes a pending handshake once it has produced a live session,
// so later messages for the same address start fresh.
func (m *Manager) Complete(peerAddr net.IP) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, addrKey(peerAddr))
}
