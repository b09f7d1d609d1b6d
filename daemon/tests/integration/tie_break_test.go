package integration

import (
	"bytes"
	"testing"
	"time"

	daemoncore "github.com/quantarax/summit/daemon/core"
)

// TestHandshakeTieBreakEstablishesExactlyOneSharedSession verifies the
// lexicographic tie-break: once two discovered peers are both complete,
// exactly one handshake occurs between them (the smaller public key
// initiates) and both sides end up holding a session keyed by the same
// session id, not two independent ones racing each other.
func TestHandshakeTieBreakEstablishesExactlyOneSharedSession(t *testing.T) {
	iface := loopbackInterface(t)
	services := []daemoncore.ServiceDef{bulkService("messaging")}

	a := startNode(t, iface, 24201, 24200, services, true)
	b := startNode(t, iface, 24211, 24210, services, true)

	// The smaller static public key is always the initiator (core.go's
	// weInitiate); record which of a/b that is so the assertion below
	// can be read as "the designated initiator's session matches the
	// responder's", not just "some session formed".
	initiator, responder := a, b
	if bytes.Compare(b.static.PublicKey[:], a.static.PublicKey[:]) < 0 {
		initiator, responder = b, a
	}

	ok := waitFor(15*time.Second, func() bool {
		_, iHas := sessionWith(initiator, responder)
		_, rHas := sessionWith(responder, initiator)
		return iHas && rHas
	})
	if !ok {
		t.Fatal("handshake did not establish a session on both sides within the poll window")
	}

	initiatorSessionID, _ := sessionWith(initiator, responder)
	responderSessionID, _ := sessionWith(responder, initiator)
	if initiatorSessionID != responderSessionID {
		t.Errorf("session ids diverged: initiator has %x, responder has %x", initiatorSessionID, responderSessionID)
	}

	if len(initiator.core.Sessions.List()) != 1 {
		t.Errorf("initiator session count = %d, want exactly 1", len(initiator.core.Sessions.List()))
	}
	if len(responder.core.Sessions.List()) != 1 {
		t.Errorf("responder session count = %d, want exactly 1", len(responder.core.Sessions.List()))
	}
}
