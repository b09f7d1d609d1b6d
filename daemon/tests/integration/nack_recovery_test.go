package integration

import (
	"bytes"
	"testing"
	"time"

	daemoncore "github.com/quantarax/summit/daemon/core"
	"github.com/quantarax/summit/daemon/noisecrypto"
	"github.com/quantarax/summit/daemon/sendworker"
	"github.com/quantarax/summit/daemon/session"
)

// TestNACKRecoversFromUniformLoss drops roughly a third of the data chunks
// of a 128 KiB transfer outright (standing in for lossy delivery, since
// this harness can't drop real datagrams on the wire without patching
// daemon/core itself) and checks that the receiver's own NACK loop, fed by
// its reassembly table, still drives the sender to resend every missing
// chunk until the file is complete.
func TestNACKRecoversFromUniformLoss(t *testing.T) {
	const schemaName = "nackfile"
	iface := loopbackInterface(t)
	schemaID := noisecrypto.SchemaHash(schemaName)
	services := []daemoncore.ServiceDef{{Name: schemaName, SchemaID: schemaID, Contract: session.ContractBulk}}

	a := startNode(t, iface, 24501, 24500, services, true)
	b := startNode(t, iface, 24511, 24510, services, true)

	ok := waitFor(15*time.Second, func() bool {
		_, ok1 := sessionWith(a, b)
		_, ok2 := sessionWith(b, a)
		return ok1 && ok2
	})
	if !ok {
		t.Fatal("nodes did not establish a session within the poll window")
	}
	sessionID, _ := sessionWith(a, b)

	senderSvc := newChunkService(a.core.Send, a.core.Cache, a.core.Reasm, schemaID)
	receiverSvc := newChunkService(b.core.Send, b.core.Cache, b.core.Reasm, schemaID)
	a.core.RegisterService(schemaID, senderSvc)
	b.core.RegisterService(schemaID, receiverSvc)
	// B's nackLoop (part of core.Run) sends NACKs for whatever its own
	// reassembly table reports missing; A must be told to resend when one
	// arrives.
	a.core.Recv.SetNACKSink(senderSvc)

	content := repeatingContent(128 * 1024)
	const chunkSize = 2048
	drop := func(index int) bool { return index%3 == 0 } // ~33% loss, uniform across the file

	target := sendworker.SendTarget{Kind: sendworker.TargetSession, SessionID: sessionID}
	if err := senderSvc.offer(target, sessionID, "payload.bin", content, chunkSize, drop); err != nil {
		t.Fatalf("offer() failed: %v", err)
	}

	var got []byte
	ok = waitFor(30*time.Second, func() bool {
		out, done := receiverSvc.result(sessionID)
		if done {
			got = out
		}
		return done
	})
	if !ok {
		t.Fatal("receiver never completed reassembly within the poll window despite NACK recovery")
	}
	if !bytes.Equal(got, content) {
		t.Errorf("reassembled file does not match source after NACK recovery: got %d bytes, want %d bytes", len(got), len(content))
	}

	if _, err := a.core.Sessions.Get(sessionID); err != nil {
		t.Errorf("sender session no longer alive after recovery: %v", err)
	}
	if _, err := b.core.Sessions.Get(sessionID); err != nil {
		t.Errorf("receiver session no longer alive after recovery: %v", err)
	}
}
