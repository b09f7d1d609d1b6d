// Package core wires every long-lived task that makes up a running Summit
// node: multicast announce/listen, the handshake state machine, the live
// session table, the send worker, the per-session receive pipeline, and
// NACK-driven reassembly recovery. It owns nothing application-specific —
// services are registered by the caller and driven purely through
// daemon/dispatch.
package core

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantarax/summit/daemon/cache"
	"github.com/quantarax/summit/daemon/discovery"
	"github.com/quantarax/summit/daemon/dispatch"
	"github.com/quantarax/summit/daemon/handshake"
	"github.com/quantarax/summit/daemon/noisecrypto"
	"github.com/quantarax/summit/daemon/reassembly"
	"github.com/quantarax/summit/daemon/recvloop"
	"github.com/quantarax/summit/daemon/registry"
	"github.com/quantarax/summit/daemon/sendworker"
	"github.com/quantarax/summit/daemon/session"
	"github.com/quantarax/summit/daemon/trust"
	"github.com/quantarax/summit/daemon/wire"
)

// ServiceDef is one application service this node offers: a schema under
// which it dispatches chunks, the QoS contract its sessions negotiate, and
// the human name carried in logs and the control API.
type ServiceDef struct {
	Name     string
	SchemaID [32]byte
	Contract session.Contract
}

// Config is everything daemon/core needs to start. It deliberately knows
// nothing about YAML or the filesystem layout a caller chose — that is
// internal/daemonconfig's job, one layer up, which is why this module never
// imports it: the daemon module's dependency graph should only ever point
// at the standard library and domain libraries, never back at the control
// surface that wraps it.
type Config struct {
	Interface   string
	SessionPort uint16
	ChunkPort   uint16
	Services    []ServiceDef
	AutoTrust   bool
	CacheDir    string
	CacheMaxBytes int64
	Static      *noisecrypto.KeyPair
}

// Core holds every subsystem a running node needs and the background tasks
// that drive them.
type Core struct {
	cfg    Config
	iface  *net.Interface
	static *noisecrypto.KeyPair

	Registry  *registry.Registry
	Handshake *handshake.Manager
	Sessions  *session.Table
	Cache     *cache.Cache
	Trust     *trust.Registry
	Dispatch  *dispatch.Dispatcher
	Recv      *recvloop.Loop
	Send      *sendworker.Worker
	Reasm     *reassembly.Table

	disco     *discovery.Conn
	sessConn  *net.UDPConn
	chunkConn *net.UDPConn

	locatorMu sync.RWMutex
	// bySession maps a live session id to the peer's chunk-traffic
	// address, resolved at handshake completion from the registry entry
	// negotiated over discovery.
	bySession map[[32]byte]chunkAddr
	// byPeerAddr maps a peer's link-local address to its current live
	// session, so the single shared chunk socket can demux an inbound
	// datagram to the right session without per-session sockets.
	byPeerAddr map[string][32]byte

	enabledServices map[[32]byte]bool

	wg sync.WaitGroup
}

type chunkAddr struct {
	IP   net.IP
	Port uint16
}

// New builds a Core from cfg. It does not start any goroutines; call Run
// for that.
func New(cfg Config) (*Core, error) {
	iface, err := net.InterfaceByName(cfg.Interface)
	if err != nil {
		return nil, fmt.Errorf("core: resolve interface %s: %w", cfg.Interface, err)
	}
	c, err := cache.New(cfg.CacheDir)
	if err != nil {
		return nil, err
	}
	c.MaxBytes = cfg.CacheMaxBytes

	enabled := make(map[[32]byte]bool, len(cfg.Services))
	for _, svc := range cfg.Services {
		enabled[svc.SchemaID] = true
	}

	core := &Core{
		cfg:             cfg,
		iface:           iface,
		static:          cfg.Static,
		Registry:        registry.New(),
		Handshake:       handshake.NewManager(cfg.Static),
		Sessions:        session.NewTable(),
		Cache:           c,
		Trust:           trust.New(cfg.AutoTrust),
		Dispatch:        dispatch.New(),
		Reasm:           reassembly.NewTable(),
		bySession:       make(map[[32]byte]chunkAddr),
		byPeerAddr:      make(map[string][32]byte),
		enabledServices: enabled,
	}
	core.Recv = recvloop.New(core.Sessions, core.Cache, core.Trust, core.Dispatch)
	return core, nil
}

// RegisterService installs an application service under the dispatcher so
// inbound chunks for its schema reach it.
func (c *Core) RegisterService(schemaID [32]byte, svc dispatch.Service) {
	c.Dispatch.Register(schemaID, svc)
}

// ChunkAddrFor implements sendworker.PeerLocator.
func (c *Core) ChunkAddrFor(sessionID [32]byte) (net.IP, uint16, bool) {
	c.locatorMu.RLock()
	defer c.locatorMu.RUnlock()
	a, ok := c.bySession[sessionID]
	return a.IP, a.Port, ok
}

// SendTo implements sendworker.Transmitter over the shared chunk socket.
func (c *Core) SendTo(addr net.IP, port uint16, data []byte) error {
	dst := &net.UDPAddr{IP: addr, Port: int(port), Zone: c.iface.Name}
	_, err := c.chunkConn.WriteToUDP(data, dst)
	return err
}

// Run opens every socket, starts every background task, and blocks until
// ctx is cancelled, tearing everything down before returning.
func (c *Core) Run(ctx context.Context) error {
	disco, err := discovery.Listen(c.iface, discovery.AnnouncePort)
	if err != nil {
		return err
	}
	c.disco = disco
	defer disco.Close()

	sessConn, err := net.ListenUDP("udp6", &net.UDPAddr{Port: int(c.cfg.SessionPort)})
	if err != nil {
		return fmt.Errorf("core: listen session port: %w", err)
	}
	c.sessConn = sessConn
	defer sessConn.Close()

	chunkConn, err := net.ListenUDP("udp6", &net.UDPAddr{Port: int(c.cfg.ChunkPort)})
	if err != nil {
		return fmt.Errorf("core: listen chunk port: %w", err)
	}
	c.chunkConn = chunkConn
	defer chunkConn.Close()

	c.Send = sendworker.New(c.Sessions, c.Cache, c, c, c.Trust)
	defer c.Send.Close()

	tasks := []func(context.Context){
		c.announceLoop,
		c.discoveryListenLoop,
		c.registryJanitor,
		c.handshakeJanitor,
		c.initiatorScanLoop,
		c.sessionListenLoop,
		c.chunkListenLoop,
		c.sessionIdleJanitor,
		c.nackLoop,
	}
	for _, t := range tasks {
		c.wg.Add(1)
		go func(t func(context.Context)) {
			defer c.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					log.Error().Interface("panic", r).Msg("core: task panicked and stopped")
				}
			}()
			t(ctx)
		}(t)
	}

	<-ctx.Done()
	c.wg.Wait()
	return nil
}

func (c *Core) announceLoop(ctx context.Context) {
	ticker := time.NewTicker(discovery.AnnounceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count := uint8(len(c.cfg.Services))
			for i, svc := range c.cfg.Services {
				a := &wire.CapabilityAnnouncement{
					ServiceHash:  svc.SchemaID,
					PublicKey:    c.static.PublicKey,
					Version:      wire.ProtocolVersion,
					SessionPort:  c.cfg.SessionPort,
					ChunkPort:    c.cfg.ChunkPort,
					Contract:     uint8(svc.Contract),
					ServiceCount: count,
					ServiceIndex: uint8(i),
				}
				if err := c.disco.Announce(a); err != nil {
					log.Warn().Err(err).Msg("core: announce failed")
				}
			}
		}
	}
}

func (c *Core) discoveryListenLoop(ctx context.Context) {
	buf := make([]byte, wire.AnnouncementSize)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		a, err := c.disco.ReadAnnouncement(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		if a.PublicKey == c.static.PublicKey {
			continue // our own announcement, looped back by the multicast group
		}
		svc := registry.Service{
			SchemaHash:  a.ServiceHash,
			SessionPort: a.SessionPort,
			ChunkPort:   a.ChunkPort,
			Contract:    a.Contract,
			Index:       a.ServiceIndex,
		}
		c.Registry.Observe(a.PublicKey, a.SourceAddr, "", svc, a.ServiceCount, time.Now())
	}
}

func (c *Core) registryJanitor(ctx context.Context) {
	ticker := time.NewTicker(registry.PeerTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Registry.EvictStale(time.Now())
		}
	}
}

func (c *Core) handshakeJanitor(ctx context.Context) {
	ticker := time.NewTicker(handshake.GCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Handshake.GC(time.Now())
		}
	}
}

// initiatorScanLoop periodically looks for complete, session-less peers
// this node should initiate a handshake to, per the lexicographic
// tie-break rule: the smaller public key always initiates.
func (c *Core) initiatorScanLoop(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.scanForInitiation()
		}
	}
}

func (c *Core) scanForInitiation() {
	for _, p := range c.Registry.List() {
		if !p.IsComplete() {
			continue
		}
		if !c.weInitiate(p.PublicKey) {
			continue
		}
		c.locatorMu.RLock()
		_, hasSession := c.byPeerAddr[p.Addr.String()]
		c.locatorMu.RUnlock()
		if hasSession {
			continue
		}
		if _, inFlight := c.Handshake.Get(p.Addr); inFlight {
			continue
		}

		var schemaID [32]byte
		for h := range p.Services {
			schemaID = h
			break
		}
		pending, nonce, ephPub, err := c.Handshake.StartInitiator(p.Addr, schemaID)
		if err != nil {
			log.Warn().Err(err).Msg("core: start handshake failed")
			continue
		}
		_ = pending
		msg := &wire.HandshakeInit{Nonce: nonce, ServiceHash: schemaID, NoiseMsg: ephPub}
		c.sendToSessionPort(p.Addr, p.Services[schemaID].SessionPort, msg.Encode())
	}
}

func (c *Core) weInitiate(peerKey [32]byte) bool {
	for i := range c.static.PublicKey {
		if c.static.PublicKey[i] != peerKey[i] {
			return c.static.PublicKey[i] < peerKey[i]
		}
	}
	return false
}

func (c *Core) sendToSessionPort(addr net.IP, port uint16, data []byte) {
	dst := &net.UDPAddr{IP: addr, Port: int(port), Zone: c.iface.Name}
	if _, err := c.sessConn.WriteToUDP(data, dst); err != nil {
		log.Warn().Err(err).Msg("core: write to session port failed")
	}
}

// sessionListenLoop reads every handshake datagram arriving on the shared
// session port and demuxes it by its fixed wire size: 80 bytes is always a
// HandshakeInit, 112 a HandshakeResponse, 64 a HandshakeComplete (the three
// Noise_XX message sizes never collide).
func (c *Core) sessionListenLoop(ctx context.Context) {
	buf := make([]byte, 2048)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		n, src, err := c.sessConn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		c.handleSessionDatagram(src.IP, buf[:n])
	}
}

func (c *Core) handleSessionDatagram(src net.IP, data []byte) {
	switch len(data) {
	case wire.HandshakeInitSize:
		c.handleHandshakeInit(src, data)
	case wire.HandshakeResponseSize:
		c.handleHandshakeResponse(src, data)
	case wire.HandshakeCompleteSize:
		c.handleHandshakeComplete(src, data)
	default:
		// Unknown/reserved-size datagram on the session port: silently
		// discard. The wire decoders themselves do not check the version
		// field.
	}
}

func (c *Core) handleHandshakeInit(src net.IP, data []byte) {
	m, err := wire.DecodeHandshakeInit(data)
	if err != nil {
		return
	}
	peer, err := c.peerKeyFor(src)
	if err != nil {
		return
	}
	_, ourNonce, msg2, err := c.Handshake.OnReceiveInit(src, peer, m.NoiseMsg, m.ServiceHash, m.Nonce, c.enabledServices)
	if err != nil {
		return
	}
	resp := &wire.HandshakeResponse{Nonce: ourNonce, NoiseMsg: msg2}
	c.sendToSessionPort(src, c.peerSessionPort(src), resp.Encode())
}

func (c *Core) handleHandshakeResponse(src net.IP, data []byte) {
	m, err := wire.DecodeHandshakeResponse(data)
	if err != nil {
		return
	}
	_, msg3, est, err := c.Handshake.OnReceiveResponse(src, m.Nonce, m.NoiseMsg)
	if err != nil {
		return
	}
	complete := &wire.HandshakeComplete{NoiseMsg: msg3}
	c.sendToSessionPort(src, c.peerSessionPort(src), complete.Encode())
	c.Handshake.Complete(src)
	c.activateSession(est, src)
}

func (c *Core) handleHandshakeComplete(src net.IP, data []byte) {
	m, err := wire.DecodeHandshakeComplete(data)
	if err != nil {
		return
	}
	est, err := c.Handshake.OnReceiveComplete(src, m.NoiseMsg)
	if err != nil {
		return
	}
	c.Handshake.Complete(src)
	c.activateSession(est, src)
}

func (c *Core) peerSessionPort(addr net.IP) uint16 {
	p, err := c.Registry.Get(c.peerKeyOrZero(addr))
	if err != nil {
		return c.cfg.SessionPort
	}
	for _, svc := range p.Services {
		if svc.SessionPort != 0 {
			return svc.SessionPort
		}
	}
	return c.cfg.SessionPort
}

func (c *Core) peerKeyOrZero(addr net.IP) [32]byte {
	k, _ := c.peerKeyFor(addr)
	return k
}

// peerKeyFor resolves a link-local address to the public key the registry
// last observed announcing from it. The Noise transcript only reveals the
// initiator's static key to the responder in message 3, so this
// address-keyed lookup into discovery's already-learned identity is what
// gives the responder a peer key for the tie-break when message 1 arrives.
func (c *Core) peerKeyFor(addr net.IP) ([32]byte, error) {
	for _, p := range c.Registry.List() {
		if p.Addr.Equal(addr) {
			return p.PublicKey, nil
		}
	}
	return [32]byte{}, fmt.Errorf("core: no known peer at %s", addr)
}

func (c *Core) activateSession(est *handshake.Established, peerAddr net.IP) {
	contract := session.ContractBulk
	var chunkPort uint16 = c.cfg.ChunkPort
	if p, err := c.Registry.Get(est.PeerKey); err == nil {
		for _, svc := range p.Services {
			contract = session.Contract(svc.Contract)
			if svc.ChunkPort != 0 {
				chunkPort = svc.ChunkPort
			}
			break
		}
	}

	c.Sessions.Add(est.SessionID, est.PeerKey, contract, est.Transport, time.Now())

	c.locatorMu.Lock()
	c.bySession[est.SessionID] = chunkAddr{IP: peerAddr, Port: chunkPort}
	c.byPeerAddr[peerAddr.String()] = est.SessionID
	c.locatorMu.Unlock()

	for schemaID := range c.enabledServices {
		c.Dispatch.Activate(schemaID, est.PeerKey, est.SessionID)
	}
	log.Info().Hex("session_id", est.SessionID[:]).Hex("peer", est.PeerKey[:]).Msg("core: session established")
}

// chunkListenLoop reads every datagram arriving on the shared chunk
// socket and routes it to the owning session by source address, since one
// socket serves every live session rather than one dedicated socket each.
func (c *Core) chunkListenLoop(ctx context.Context) {
	buf := make([]byte, 65536)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		n, src, err := c.chunkConn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		c.locatorMu.RLock()
		sessionID, ok := c.byPeerAddr[src.IP.String()]
		c.locatorMu.RUnlock()
		if !ok {
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		if err := c.Recv.HandleDatagram(time.Now(), sessionID, data); err != nil {
			log.Debug().Err(err).Msg("core: handle datagram failed")
		}
	}
}

func (c *Core) sessionIdleJanitor(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, id := range c.Recv.ExpireIdleSessions(time.Now()) {
				c.dropSession(id)
			}
		}
	}
}

func (c *Core) dropSession(id [32]byte) {
	s, err := c.Sessions.Get(id)
	if err == nil {
		for schemaID := range c.enabledServices {
			c.Dispatch.Deactivate(schemaID, s.PeerKey, id)
		}
	}
	c.Sessions.Remove(id)
	c.Reasm.DropSession(id)

	c.locatorMu.Lock()
	if a, ok := c.bySession[id]; ok {
		delete(c.byPeerAddr, a.IP.String())
	}
	delete(c.bySession, id)
	c.locatorMu.Unlock()
}

// nackLoop periodically scans every in-flight assembly for chunks due a
// NACK and sends one NACK datagram per assembly carrying the due indices,
// addressed back to the assembly's owning session. An assembly holding any
// chunk that has exhausted MaxNACKStalls is abandoned outright rather than
// NACKed further: recovery has given up on it.
func (c *Core) nackLoop(ctx context.Context) {
	ticker := time.NewTicker(reassembly.NACKPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			for _, a := range c.Reasm.All() {
				if stalled := a.StalledChunks(); len(stalled) > 0 {
					log.Warn().
						Str("filename", a.Filename).
						Ints("stalled_chunks", toIntSlice(stalled)).
						Msg("core: abandoning assembly after exhausting NACK stalls")
					c.Reasm.Finish(a.SessionID, a.Filename)
					continue
				}
				due := a.DueForNACK(now)
				if len(due) == 0 {
					continue
				}
				a.RecordNACKSent(due, now)
				c.sendNACK(a, due)
			}
		}
	}
}

func toIntSlice(indices []uint32) []int {
	out := make([]int, len(indices))
	for i, idx := range indices {
		out[i] = int(idx)
	}
	return out
}

func (c *Core) sendNACK(a *reassembly.Assembly, indices []uint32) {
	payload := make([]byte, 4+len(indices)*4)
	binary.LittleEndian.PutUint32(payload[0:4], uint32(len(indices)))
	for i, idx := range indices {
		binary.LittleEndian.PutUint32(payload[4+4*i:8+4*i], idx)
	}
	var schemaID [32]byte // NACKs carry no application schema of their own
	target := sendworker.SendTarget{Kind: sendworker.TargetSession, SessionID: a.SessionID}
	// A NACK exists to recover from loss, so it must never itself be
	// throttled or dropped by the very bucket that loss is straining.
	if err := c.Send.Send(target, schemaID, wire.TypeTagNACK, payload, wire.FlagRealtimePriority); err != nil {
		log.Warn().Err(err).Str("filename", a.Filename).Msg("core: send NACK failed")
	}
}
