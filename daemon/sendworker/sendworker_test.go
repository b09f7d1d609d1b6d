package sendworker

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/quantarax/summit/daemon/cache"
	"github.com/quantarax/summit/daemon/session"
	"github.com/quantarax/summit/daemon/trust"
	"github.com/quantarax/summit/daemon/wire"
)

type fakeTransmitter struct {
	mu   sync.Mutex
	sent [][]byte
}

func (f *fakeTransmitter) SendTo(addr net.IP, port uint16, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := append([]byte(nil), data...)
	f.sent = append(f.sent, cp)
	return nil
}

func (f *fakeTransmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeLocator struct{}

func (fakeLocator) ChunkAddrFor(sessionID [32]byte) (net.IP, uint16, bool) {
	return net.ParseIP("fe80::1"), 9100, true
}

func TestSendToUnknownSessionTransmitsNothing(t *testing.T) {
	tbl := session.NewTable()
	now := time.Now()
	tbl.Add([32]byte{1}, [32]byte{10}, session.ContractBulk, nil, now)
	tbl.Add([32]byte{2}, [32]byte{11}, session.ContractBulk, nil, now)

	c, err := cache.New(t.TempDir())
	if err != nil {
		t.Fatalf("cache.New() failed: %v", err)
	}

	tx := &fakeTransmitter{}
	w := New(tbl, c, tx, fakeLocator{}, trust.New(false))
	defer w.Close()

	// Sessions created with a nil Transport can't actually encrypt, so
	// this test exercises queueing/back-pressure and cache plumbing via a
	// target that resolves to zero sessions, keeping sendOne's encrypt
	// step out of scope for this package's unit tests (noisecrypto is
	// exercised directly in its own package).
	target := SendTarget{Kind: TargetSession, SessionID: [32]byte{99}}
	if err := w.Send(target, [32]byte{1}, wire.TypeTagData, []byte("hello"), 0); err != nil {
		t.Fatalf("Send() failed: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	if tx.count() != 0 {
		t.Fatalf("expected 0 sends for an unresolved session target, got %d", tx.count())
	}
}

func TestSendRejectsOversizedPayload(t *testing.T) {
	tbl := session.NewTable()
	c, err := cache.New(t.TempDir())
	if err != nil {
		t.Fatalf("cache.New() failed: %v", err)
	}
	w := New(tbl, c, &fakeTransmitter{}, fakeLocator{}, trust.New(false))
	defer w.Close()

	big := make([]byte, wire.MaxPayload+1)
	if err := w.Send(SendTarget{Kind: TargetBroadcast}, [32]byte{1}, wire.TypeTagData, big, 0); err == nil {
		t.Error("expected Send() to reject a payload larger than MaxPayload")
	}
}

func TestSendBroadcastOnlyReachesTrustedPeers(t *testing.T) {
	tbl := session.NewTable()
	now := time.Now()
	trustedPeer := [32]byte{1}
	untrustedPeer := [32]byte{2}
	tbl.Add([32]byte{10}, trustedPeer, session.ContractBulk, nil, now)
	tbl.Add([32]byte{11}, untrustedPeer, session.ContractBulk, nil, now)

	c, err := cache.New(t.TempDir())
	if err != nil {
		t.Fatalf("cache.New() failed: %v", err)
	}

	tr := trust.New(false)
	tr.Trust(trustedPeer)

	w := New(tbl, c, &fakeTransmitter{}, fakeLocator{}, tr)
	defer w.Close()

	sessions := w.resolveSessions(SendTarget{Kind: TargetBroadcast})
	if len(sessions) != 1 {
		t.Fatalf("got %d broadcast targets, want 1", len(sessions))
	}
	if sessions[0].PeerKey != trustedPeer {
		t.Errorf("broadcast reached peer %x, want the trusted peer %x", sessions[0].PeerKey, trustedPeer)
	}
}
