// Package integration exercises daemon/core end to end: two real Core
// instances, each with its own sockets and background tasks, discovering
// each other over loopback multicast the same way two nodes would on a LAN
// link, then handshaking, sending, and recovering from loss for real.
//
// This package lives inside the daemon submodule (physically under
// daemon/), so it can only import daemon/* packages — never the root
// module's internal/* control surface. Scenarios that would naturally sit
// behind the HTTP control API (internal/apiserver) or an application
// service (internal/filetransfer, internal/messagestore) instead assert
// against the same daemon/core fields those layers are themselves built on
// (Registry, Sessions, Trust, Reasm), and use a small test-local
// dispatch.Service in place of the real application services. The HTTP
// surface and the application services have their own unit tests; what
// this package covers is the cross-process daemon behavior underneath them.
package integration

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	daemoncore "github.com/quantarax/summit/daemon/core"
	"github.com/quantarax/summit/daemon/noisecrypto"
	"github.com/quantarax/summit/daemon/session"
)

// loopbackInterface finds a multicast-capable loopback interface, skipping
// the test if this environment has none, matching daemon/discovery's own
// test helper.
func loopbackInterface(t *testing.T) string {
	t.Helper()
	ifaces, err := net.Interfaces()
	if err != nil {
		t.Skipf("cannot list interfaces: %v", err)
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagMulticast == 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		if iface.Flags&net.FlagLoopback != 0 {
			return iface.Name
		}
	}
	t.Skip("no multicast-capable loopback interface available in this environment")
	return ""
}

// node bundles a running Core with the identity it was started under, so a
// test can tell its own node apart from the peer it discovers.
type node struct {
	core   *daemoncore.Core
	static *noisecrypto.KeyPair

	stopOnce sync.Once
	cancel   context.CancelFunc
	runDone  chan error
}

// stop tears the node's Core down immediately, without any GONE or other
// departure message — the way a crash or a cable pull would. Safe to call
// more than once; the test's own cleanup calls it again at the end if the
// test itself never did.
func (n *node) stop() {
	n.stopOnce.Do(func() {
		n.cancel()
		select {
		case <-n.runDone:
		case <-time.After(5 * time.Second):
		}
	})
}

// startNode brings up a Core on iface with a dedicated session/chunk port
// pair and runs it in the background for the life of the test.
func startNode(t *testing.T, iface string, sessionPort, chunkPort uint16, services []daemoncore.ServiceDef, autoTrust bool) *node {
	t.Helper()

	static, err := noisecrypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() failed: %v", err)
	}

	c, err := daemoncore.New(daemoncore.Config{
		Interface:   iface,
		SessionPort: sessionPort,
		ChunkPort:   chunkPort,
		Services:    services,
		AutoTrust:   autoTrust,
		CacheDir:    t.TempDir(),
		Static:      static,
	})
	if err != nil {
		t.Fatalf("core.New() failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- c.Run(ctx) }()

	// Run opens discovery/session/chunk sockets before blocking on
	// ctx.Done(); a bind failure (e.g. discovery port unavailable even
	// with SO_REUSEPORT) surfaces almost immediately.
	select {
	case err := <-runDone:
		cancel()
		t.Skipf("core.Run() exited immediately, likely no usable multicast socket in this environment: %v", err)
	case <-time.After(150 * time.Millisecond):
	}

	n := &node{core: c, static: static, cancel: cancel, runDone: runDone}
	t.Cleanup(n.stop)
	return n
}

// bulkService is the one service every harness node announces by default:
// a generic bulk-contract schema that pair_discovery_test.go and
// tie_break_test.go only need to exist, not to carry real traffic.
func bulkService(name string) daemoncore.ServiceDef {
	return daemoncore.ServiceDef{
		Name:     name,
		SchemaID: noisecrypto.SchemaHash(name),
		Contract: session.ContractBulk,
	}
}

// waitFor polls cond until it returns true or timeout elapses, returning
// the last observed result.
func waitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for {
		if cond() {
			return true
		}
		if time.Now().After(deadline) {
			return cond()
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// peerEntry finds the registry entry a node has observed for another
// node's static public key, if any.
func peerEntry(n *node, other *node) (found bool, complete bool, serviceCount int) {
	for _, p := range n.core.Registry.List() {
		if p.PublicKey == other.static.PublicKey {
			return true, p.IsComplete(), len(p.Services)
		}
	}
	return false, false, 0
}

// sessionWith finds the live session id a node holds for another node's
// static public key, if any.
func sessionWith(n *node, other *node) ([32]byte, bool) {
	for _, s := range n.core.Sessions.List() {
		if s.PeerKey == other.static.PublicKey {
			return s.ID, true
		}
	}
	return [32]byte{}, false
}
