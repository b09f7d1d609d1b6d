// Package recvloop is the per-session inbound pipeline: it decrypts a chunk
// datagram, verifies its content hash, drops duplicates, and hands the
// result through the trust gate to the schema dispatcher. It never tears a
// session down on a bad datagram — a failed MAC or a hash mismatch is
// discarded and counted, not treated as fatal, since a lossy or hostile LAN
// can produce either without the sender having done anything wrong.
package recvloop

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/quantarax/summit/daemon/cache"
	"github.com/quantarax/summit/daemon/dispatch"
	"github.com/quantarax/summit/daemon/noisecrypto"
	"github.com/quantarax/summit/daemon/session"
	"github.com/quantarax/summit/daemon/trust"
	"github.com/quantarax/summit/daemon/wire"
)

// ReceiveTimeout is how long a session may sit idle before the janitor
// expires it.
const ReceiveTimeout = 60 * time.Second

// maxDedupPerSession bounds the recently-seen content hash set kept per
// session, evicted FIFO, so a long-lived session's dedup memory stays
// bounded instead of growing for the life of the connection.
const maxDedupPerSession = 4096

// ErrDatagramTooShort is returned for a datagram shorter than a header plus
// the transport counter.
var ErrDatagramTooShort = errors.New("recvloop: datagram shorter than header+counter")

var (
	macFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "summit_recvloop_mac_failures_total",
		Help: "Inbound chunk datagrams that failed AEAD authentication and were discarded.",
	})
	hashMismatchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "summit_recvloop_hash_mismatches_total",
		Help: "Decrypted chunk payloads whose content hash didn't match the header.",
	})
	duplicateChunksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "summit_recvloop_duplicate_chunks_total",
		Help: "Chunks dropped because their content hash was already seen on the session.",
	})
	unknownSessionTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "summit_recvloop_unknown_session_total",
		Help: "Datagrams received for a session id not present in the session table.",
	})
)

// NACKSink receives the missing-chunk indices carried by an inbound NACK
// datagram. NACKs carry no application schema_id (core.sendNACK addresses
// them at the session, not a service), so they bypass the dispatcher
// entirely instead of being routed like an ordinary chunk.
type NACKSink interface {
	HandleNACK(sessionID [32]byte, indices []uint32)
}

// Loop is the shared inbound pipeline for every live session. There is one
// Loop per daemon, not one per session — session state lives in the
// session.Table it's given.
type Loop struct {
	sessions *session.Table
	cache    *cache.Cache
	trust    *trust.Registry
	dispatch *dispatch.Dispatcher
	nackSink NACKSink

	mu        sync.Mutex
	seen      map[[32]byte]map[[32]byte]struct{}
	seenOrder map[[32]byte][][32]byte
}

// SetNACKSink installs the handler notified of inbound NACK datagrams. Until
// one is set, NACKs are decrypted and discarded — no resend happens.
func (l *Loop) SetNACKSink(sink NACKSink) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nackSink = sink
}

// New creates a Loop wired to the daemon's shared session table, chunk
// cache, trust registry and schema dispatcher.
func New(sessions *session.Table, c *cache.Cache, trustReg *trust.Registry, d *dispatch.Dispatcher) *Loop {
	return &Loop{
		sessions:  sessions,
		cache:     c,
		trust:     trustReg,
		dispatch:  d,
		seen:      make(map[[32]byte]map[[32]byte]struct{}),
		seenOrder: make(map[[32]byte][][32]byte),
	}
}

// HandleDatagram processes one inbound chunk datagram addressed to
// sessionID: header || counter[8] || ciphertext. It never returns an error
// for a datagram that simply failed validation — those are discarded and
// counted. It returns an error for malformed input too short to parse at
// all, and for a failed cache write; in that case the chunk has still gone
// through the trust gate and been delivered.
func (l *Loop) HandleDatagram(now time.Time, sessionID [32]byte, raw []byte) error {
	if len(raw) < wire.ChunkHeaderSize+8 {
		return ErrDatagramTooShort
	}
	header, err := wire.DecodeChunkHeader(raw)
	if err != nil {
		return fmt.Errorf("recvloop: decode header: %w", err)
	}
	rest := raw[wire.ChunkHeaderSize:]
	counter := binary.LittleEndian.Uint64(rest[:8])
	ciphertext := rest[8:]

	s, err := l.sessions.Get(sessionID)
	if err != nil {
		unknownSessionTotal.Inc()
		return nil
	}
	s.Touch(now)

	plaintext, err := s.Transport.Decrypt(ciphertext, counter)
	if err != nil {
		macFailuresTotal.Inc()
		return nil
	}

	if noisecrypto.ContentHash(plaintext) != header.ContentHash {
		hashMismatchesTotal.Inc()
		return nil
	}

	if header.TypeTag == wire.TypeTagNACK {
		l.handleNACK(sessionID, plaintext)
		return nil
	}

	if l.isDuplicate(sessionID, header.ContentHash) {
		duplicateChunksTotal.Inc()
		return nil
	}

	_, cacheErr := l.cache.Put(plaintext)

	dispatchNow, accepted := l.trust.Gate(s.PeerKey, trust.Chunk{SchemaID: header.SchemaID, Data: plaintext})
	if accepted && dispatchNow {
		l.dispatch.Deliver(header.SchemaID, s.PeerKey, sessionID, plaintext)
	}
	if cacheErr != nil {
		return fmt.Errorf("recvloop: cache chunk: %w", cacheErr)
	}
	return nil
}

// handleNACK decodes a NACK payload (count:u32 || indices:u32...) and hands
// the indices to the installed sink, if any.
func (l *Loop) handleNACK(sessionID [32]byte, payload []byte) {
	l.mu.Lock()
	sink := l.nackSink
	l.mu.Unlock()
	if sink == nil {
		return
	}
	if len(payload) < 4 {
		return
	}
	count := binary.LittleEndian.Uint32(payload[0:4])
	if 4+4*uint64(count) > uint64(len(payload)) {
		return
	}
	indices := make([]uint32, count)
	for i := range indices {
		indices[i] = binary.LittleEndian.Uint32(payload[4+4*i : 8+4*i])
	}
	sink.HandleNACK(sessionID, indices)
}

// OnPeerTrusted replays a newly-trusted peer's buffered chunks into the
// dispatcher, in the order they were received.
func (l *Loop) OnPeerTrusted(peerKey, sessionID [32]byte) {
	chunks, ok := l.trust.Trust(peerKey)
	if !ok {
		return
	}
	for _, c := range chunks {
		l.dispatch.Deliver(c.SchemaID, peerKey, sessionID, c.Data)
	}
}

// ExpireIdleSessions removes every session idle longer than ReceiveTimeout,
// clearing their dedup state, and returns the expired session ids so the
// caller can also tear down reassembly and dispatch state keyed by them.
func (l *Loop) ExpireIdleSessions(now time.Time) [][32]byte {
	expired := l.sessions.ExpireIdle(ReceiveTimeout, now)
	if len(expired) == 0 {
		return expired
	}
	l.mu.Lock()
	for _, id := range expired {
		delete(l.seen, id)
		delete(l.seenOrder, id)
	}
	l.mu.Unlock()
	return expired
}

// isDuplicate reports whether hash has already been seen on sessionID,
// recording it if not. The per-session record is bounded to
// maxDedupPerSession entries, evicted oldest first.
func (l *Loop) isDuplicate(sessionID, hash [32]byte) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	set, ok := l.seen[sessionID]
	if !ok {
		set = make(map[[32]byte]struct{})
		l.seen[sessionID] = set
	}
	if _, dup := set[hash]; dup {
		return true
	}
	set[hash] = struct{}{}

	order := append(l.seenOrder[sessionID], hash)
	if len(order) > maxDedupPerSession {
		delete(set, order[0])
		order = order[1:]
	}
	l.seenOrder[sessionID] = order
	return false
}
