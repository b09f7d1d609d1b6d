package integration

import (
	"bytes"
	"sync"
	"testing"
	"time"

	daemoncore "github.com/quantarax/summit/daemon/core"
	"github.com/quantarax/summit/daemon/noisecrypto"
	"github.com/quantarax/summit/daemon/sendworker"
	"github.com/quantarax/summit/daemon/session"
	"github.com/quantarax/summit/daemon/trust"
	"github.com/quantarax/summit/daemon/wire"
)

// recordingService is a dispatch.Service that just remembers every chunk
// it was handed, in arrival order — standing in for internal/messagestore
// (a root-module package this submodule cannot import) for the purpose of
// observing what the trust gate did or didn't let through.
type recordingService struct {
	mu       sync.Mutex
	received [][]byte
}

func newRecordingService() *recordingService {
	return &recordingService{}
}

func (s *recordingService) OnActivate(peerKey, sessionID [32]byte)   {}
func (s *recordingService) OnDeactivate(peerKey, sessionID [32]byte) {}
func (s *recordingService) OnChunk(peerKey, sessionID [32]byte, data []byte) {
	s.mu.Lock()
	s.received = append(s.received, append([]byte(nil), data...))
	s.mu.Unlock()
}
func (s *recordingService) all() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.received))
	copy(out, s.received)
	return out
}

// TestTrustBufferingReplaysInOrderOnceTrusted has B (auto_trust on) send
// three chunks to A (auto_trust off) before A has ever trusted B. A's
// trust gate buffers them instead of dispatching; only once the operator
// trusts B's key does the daemon replay exactly those three chunks, in the
// order they arrived, into the registered service.
func TestTrustBufferingReplaysInOrderOnceTrusted(t *testing.T) {
	const schemaName = "messaging"
	iface := loopbackInterface(t)
	schemaID := noisecrypto.SchemaHash(schemaName)
	services := []daemoncore.ServiceDef{{Name: schemaName, SchemaID: schemaID, Contract: session.ContractBulk}}

	a := startNode(t, iface, 24601, 24600, services, false) // auto_trust off
	b := startNode(t, iface, 24611, 24610, services, true)  // auto_trust on

	ok := waitFor(15*time.Second, func() bool {
		_, ok1 := sessionWith(a, b)
		_, ok2 := sessionWith(b, a)
		return ok1 && ok2
	})
	if !ok {
		t.Fatal("nodes did not establish a session within the poll window")
	}
	sessionIDOnA, _ := sessionWith(a, b)
	sessionIDOnB, _ := sessionWith(b, a)

	recorder := newRecordingService()
	a.core.RegisterService(schemaID, recorder)
	// B never reads what it sends back, so it doesn't need the service
	// registered at all, only a send path.

	if lvl := a.core.Trust.LevelOf(b.static.PublicKey); lvl != trust.LevelUntrusted {
		t.Fatalf("A's trust level for B before any messages = %v, want Untrusted", lvl)
	}

	messages := [][]byte{[]byte("first"), []byte("second"), []byte("third")}
	target := sendworker.SendTarget{Kind: sendworker.TargetSession, SessionID: sessionIDOnB}
	for _, m := range messages {
		if err := b.core.Send.Send(target, schemaID, wire.TypeTagData, m, 0); err != nil {
			t.Fatalf("Send() failed: %v", err)
		}
	}

	// Give the messages time to arrive and be buffered (they must NOT be
	// dispatched yet — A hasn't trusted B).
	time.Sleep(500 * time.Millisecond)
	if got := recorder.all(); len(got) != 0 {
		t.Fatalf("recorder saw %d chunks before trust was granted, want 0", len(got))
	}

	// OnPeerTrusted is the only call that should touch the trust registry
	// here: it promotes the peer to Trusted and drains its buffer for
	// replay in one step. A separate direct Trust() call first would
	// drain the buffer before OnPeerTrusted ever sees it.
	a.core.Recv.OnPeerTrusted(b.static.PublicKey, sessionIDOnA)

	ok = waitFor(5*time.Second, func() bool {
		return len(recorder.all()) == len(messages)
	})
	if !ok {
		t.Fatalf("recorder only saw %d of %d buffered chunks after trust was granted", len(recorder.all()), len(messages))
	}

	got := recorder.all()
	for i, want := range messages {
		if !bytes.Equal(got[i], want) {
			t.Errorf("replayed chunk %d = %q, want %q", i, got[i], want)
		}
	}

	if lvl := a.core.Trust.LevelOf(b.static.PublicKey); lvl != trust.LevelTrusted {
		t.Errorf("A's trust level for B after promotion = %v, want Trusted", lvl)
	}
}
