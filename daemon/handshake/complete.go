package handshake

import (
	"net"

	"github.com/quantarax/summit/daemon/noisecrypto"
)

// Established is the outcome of a handshake reaching StateLive: the
// session id and transport cipher that daemon/session.Table needs to start
// a live session.
type Established struct {
	SessionID [32]byte
	PeerKey   [32]byte
	Transport *noisecrypto.Session
}

// OnReceiveResponse consumes the responder's HandshakeResponse on the
// initiator side and produces the final HandshakeComplete message to send
// back, along with the now-established session.
func (m *Manager) OnReceiveResponse(peerAddr net.IP, peerNonce [16]byte, noiseMsg [96]byte) (*Pending, [64]byte, *Established, error) {
	m.mu.Lock()
	p, ok := m.pending[addrKey(peerAddr)]
	m.mu.Unlock()
	if !ok || !p.Initiator {
		return nil, [64]byte{}, nil, ErrNoPendingHandshake
	}

	if err := p.Noise.ReadMessage2(noiseMsg); err != nil {
		return nil, [64]byte{}, nil, err
	}
	p.mu.Lock()
	p.PeerNonce = peerNonce
	p.mu.Unlock()

	msg3, err := p.Noise.WriteMessage3()
	if err != nil {
		return nil, [64]byte{}, nil, err
	}

	if err := p.transitionTo(StateAwaitingChunkPort); err != nil {
		return nil, [64]byte{}, nil, err
	}

	transport, err := p.Noise.Transport()
	if err != nil {
		return nil, [64]byte{}, nil, err
	}
	sessionID := noisecrypto.SessionID(p.OurNonce, p.PeerNonce)

	if err := p.transitionTo(StateLive); err != nil {
		return nil, [64]byte{}, nil, err
	}

	est := &Established{
		SessionID: sessionID,
		PeerKey:   p.Noise.RemoteStaticKey(),
		Transport: transport,
	}
	return p, msg3, est, nil
}

// OnReceiveComplete consumes the initiator's HandshakeComplete on the
// responder side, establishing the session.
func (m *Manager) OnReceiveComplete(peerAddr net.IP, noiseMsg [64]byte) (*Established, error) {
	m.mu.Lock()
	p, ok := m.pending[addrKey(peerAddr)]
	m.mu.Unlock()
	if !ok || p.Initiator {
		return nil, ErrNoPendingHandshake
	}

	if err := p.Noise.ReadMessage3(noiseMsg); err != nil {
		return nil, err
	}

	if err := p.transitionTo(StateAwaitingChunkPort); err != nil {
		return nil, err
	}

	transport, err := p.Noise.Transport()
	if err != nil {
		return nil, err
	}
	sessionID := noisecrypto.SessionID(p.PeerNonce, p.OurNonce)

	if err := p.transitionTo(StateLive); err != nil {
		return nil, err
	}

	return &Established{
		SessionID: sessionID,
		PeerKey:   p.Noise.RemoteStaticKey(),
		Transport: transport,
	}, nil
}
