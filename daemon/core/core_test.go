package core

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/quantarax/summit/daemon/handshake"
	"github.com/quantarax/summit/daemon/noisecrypto"
	"github.com/quantarax/summit/daemon/registry"
	"github.com/quantarax/summit/daemon/session"
)

func pairedSession(t *testing.T) *noisecrypto.Session {
	t.Helper()
	a, err := noisecrypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() failed: %v", err)
	}
	b, err := noisecrypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() failed: %v", err)
	}

	initHS, err := noisecrypto.NewInitiatorHandshake(a)
	if err != nil {
		t.Fatalf("NewInitiatorHandshake() failed: %v", err)
	}
	respHS := noisecrypto.NewResponderHandshake(b)

	eph, err := initHS.WriteMessage1()
	if err != nil {
		t.Fatalf("WriteMessage1() failed: %v", err)
	}
	if err := respHS.ReadMessage1(eph); err != nil {
		t.Fatalf("ReadMessage1() failed: %v", err)
	}
	msg2, err := respHS.WriteMessage2()
	if err != nil {
		t.Fatalf("WriteMessage2() failed: %v", err)
	}
	if err := initHS.ReadMessage2(msg2); err != nil {
		t.Fatalf("ReadMessage2() failed: %v", err)
	}
	msg3, err := initHS.WriteMessage3()
	if err != nil {
		t.Fatalf("WriteMessage3() failed: %v", err)
	}
	if err := respHS.ReadMessage3(msg3); err != nil {
		t.Fatalf("ReadMessage3() failed: %v", err)
	}
	recv, err := respHS.Transport()
	if err != nil {
		t.Fatalf("Transport() failed: %v", err)
	}
	return recv
}

func newTestCore(t *testing.T) *Core {
	t.Helper()
	static, err := noisecrypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() failed: %v", err)
	}
	var schemaID [32]byte
	schemaID[0] = 1

	c, err := New(Config{
		Interface: "lo",
		SessionPort: 17771,
		ChunkPort:   17770,
		Services: []ServiceDef{
			{Name: "messaging", SchemaID: schemaID, Contract: session.ContractBulk},
		},
		CacheDir: t.TempDir(),
		Static:   static,
	})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return c
}

func TestWeInitiateIsAntisymmetricOnKeyOrdering(t *testing.T) {
	c := newTestCore(t)

	smaller := [32]byte{0x01}
	larger := [32]byte{0xff}
	c.static = &noisecrypto.KeyPair{PublicKey: smaller}
	if !c.weInitiate(larger) {
		t.Error("smaller local key should initiate against a larger peer key")
	}

	c.static = &noisecrypto.KeyPair{PublicKey: larger}
	if c.weInitiate(smaller) {
		t.Error("larger local key should not initiate against a smaller peer key")
	}
}

func TestActivateSessionPopulatesLocatorAndDropSessionClearsIt(t *testing.T) {
	c := newTestCore(t)
	transport := pairedSession(t)

	peerKey := [32]byte{0x02}
	peerAddr := net.ParseIP("fe80::2")
	sessionID := [32]byte{0x03}

	c.Registry.Observe(peerKey, peerAddr, "", registry.Service{
		SchemaHash:  [32]byte{1},
		ChunkPort:   5555,
		SessionPort: 6666,
		Contract:    uint8(session.ContractRealtime),
	}, 1, time.Now())

	est := &handshake.Established{SessionID: sessionID, PeerKey: peerKey, Transport: transport}
	c.activateSession(est, peerAddr)

	addr, port, ok := c.ChunkAddrFor(sessionID)
	if !ok {
		t.Fatal("expected a locator entry after activateSession")
	}
	if !addr.Equal(peerAddr) || port != 5555 {
		t.Fatalf("locator = %s:%d, want %s:5555", addr, port, peerAddr)
	}
	if _, err := c.Sessions.Get(sessionID); err != nil {
		t.Fatalf("session table lookup failed: %v", err)
	}

	c.dropSession(sessionID)
	if _, ok := c.ChunkAddrFor(sessionID); ok {
		t.Error("expected locator entry to be cleared after dropSession")
	}
	if _, err := c.Sessions.Get(sessionID); err == nil {
		t.Error("expected session to be removed after dropSession")
	}
}

func TestPeerKeyForResolvesFromRegistryByAddress(t *testing.T) {
	c := newTestCore(t)
	peerKey := [32]byte{0x09}
	addr := net.ParseIP("fe80::9")
	c.Registry.Observe(peerKey, addr, "", registry.Service{SchemaHash: [32]byte{1}}, 1, time.Now())

	got, err := c.peerKeyFor(addr)
	if err != nil {
		t.Fatalf("peerKeyFor() failed: %v", err)
	}
	if !bytes.Equal(got[:], peerKey[:]) {
		t.Fatalf("peerKeyFor() = %x, want %x", got, peerKey)
	}

	if _, err := c.peerKeyFor(net.ParseIP("fe80::dead")); err == nil {
		t.Error("expected an error for an unknown address")
	}
}
