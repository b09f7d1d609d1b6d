// Package sendworker composes, caches, encrypts and transmits outbound
// chunks. Sends are split into one priority queue per QoS contract and
// drained with a strict weighted preference — Realtime over Bulk over
// Background — so a flood of bulk traffic can never delay a realtime chunk
// behind it in the queue.
package sendworker

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync"

	"github.com/quantarax/summit/daemon/cache"
	"github.com/quantarax/summit/daemon/session"
	"github.com/quantarax/summit/daemon/trust"
	"github.com/quantarax/summit/daemon/wire"
)

// TargetKind selects how a send resolves to one or more sessions.
type TargetKind int

const (
	TargetBroadcast TargetKind = iota
	TargetPeer
	TargetSession
)

// SendTarget names who a chunk should go to.
type SendTarget struct {
	Kind      TargetKind
	PeerKey   [32]byte
	SessionID [32]byte
}

// Transmitter is the narrow interface sendworker needs from the network
// layer, so it can be tested without a real socket.
type Transmitter interface {
	SendTo(addr net.IP, port uint16, data []byte) error
}

// PeerLocator resolves a session to the address/port it should be sent to.
type PeerLocator interface {
	ChunkAddrFor(sessionID [32]byte) (net.IP, uint16, bool)
}

// queueDepth bounds each priority queue so a stalled transmitter applies
// back-pressure instead of growing memory without bound.
const queueDepth = 256

// Worker drains the three priority queues and performs the actual send.
type Worker struct {
	sessions  *session.Table
	cache     *cache.Cache
	tx        Transmitter
	locator   PeerLocator
	trust     *trust.Registry

	queues map[session.Contract]chan func(context.Context)
	wg     sync.WaitGroup
}

// New creates a Worker and starts its drain loop. Call Close to stop it.
// trustRegistry decides which sessions a TargetBroadcast send reaches.
func New(sessions *session.Table, c *cache.Cache, tx Transmitter, locator PeerLocator, trustRegistry *trust.Registry) *Worker {
	w := &Worker{
		sessions: sessions,
		cache:    c,
		tx:       tx,
		locator:  locator,
		trust:    trustRegistry,
		queues: map[session.Contract]chan func(context.Context){
			session.ContractRealtime:   make(chan func(context.Context), queueDepth),
			session.ContractBulk:       make(chan func(context.Context), queueDepth),
			session.ContractBackground: make(chan func(context.Context), queueDepth),
		},
	}
	w.wg.Add(1)
	go w.drain()
	return w
}

// drain implements the strict Realtime > Bulk > Background preference: it
// always checks for realtime work first, falling back to bulk and then
// background only when nothing higher priority is ready.
func (w *Worker) drain() {
	defer w.wg.Done()
	ctx := context.Background()
	for {
		select {
		case f, ok := <-w.queues[session.ContractRealtime]:
			if !ok {
				return
			}
			f(ctx)
		default:
			select {
			case f, ok := <-w.queues[session.ContractRealtime]:
				if !ok {
					return
				}
				f(ctx)
			case f, ok := <-w.queues[session.ContractBulk]:
				if !ok {
					return
				}
				f(ctx)
			default:
				if !w.sessions.BackgroundAllowed() {
					continue
				}
				select {
				case f, ok := <-w.queues[session.ContractBackground]:
					if !ok {
						return
					}
					f(ctx)
				default:
				}
			}
		}
	}
}

// Close stops the drain loop once all three queues are closed.
func (w *Worker) Close() {
	for _, q := range w.queues {
		close(q)
	}
	w.wg.Wait()
}

// resolveSessions expands a SendTarget into the concrete sessions it
// addresses. Broadcast only ever reaches Trusted peers — an Untrusted or
// Blocked peer never receives a chunk it didn't ask for directly.
func (w *Worker) resolveSessions(target SendTarget) []*session.Session {
	switch target.Kind {
	case TargetSession:
		if s, err := w.sessions.Get(target.SessionID); err == nil {
			return []*session.Session{s}
		}
		return nil
	case TargetPeer:
		var out []*session.Session
		for _, s := range w.sessions.List() {
			if s.PeerKey == target.PeerKey {
				out = append(out, s)
			}
		}
		return out
	default: // TargetBroadcast
		var out []*session.Session
		for _, s := range w.sessions.List() {
			if w.trust.LevelOf(s.PeerKey) == trust.LevelTrusted {
				out = append(out, s)
			}
		}
		return out
	}
}

// Send caches payload, frames it behind a ChunkHeader, encrypts it per
// session, and enqueues the transmit under each resolved session's
// contract queue, blocking while that queue is full. flags is written into
// the ChunkHeader verbatim; pass wire.FlagRealtimePriority for chunks (such
// as core's NACKs) that must bypass the per-session token bucket regardless
// of contract.
func (w *Worker) Send(target SendTarget, schemaID [32]byte, typeTag uint16, payload []byte, flags uint8) error {
	if len(payload) > wire.MaxPayload {
		return fmt.Errorf("sendworker: payload of %d bytes exceeds MaxPayload", len(payload))
	}
	contentHash, err := w.cache.Put(payload)
	if err != nil {
		return fmt.Errorf("sendworker: cache payload: %w", err)
	}

	sessions := w.resolveSessions(target)
	for _, s := range sessions {
		s := s
		header := &wire.ChunkHeader{
			ContentHash: contentHash,
			SchemaID:    schemaID,
			TypeTag:     typeTag,
			Length:      uint32(len(payload)),
			Flags:       flags,
			Version:     wire.ProtocolVersion,
		}

		w.enqueue(s, func(ctx context.Context) {
			w.sendOne(s, header, payload)
		})
	}
	return nil
}

func (w *Worker) enqueue(s *session.Session, fn func(context.Context)) {
	// A full queue blocks the caller until the drain loop makes room:
	// back-pressure on the producer rather than a silent drop.
	w.queues[s.Contract] <- fn
}

func (w *Worker) sendOne(s *session.Session, header *wire.ChunkHeader, payload []byte) {
	realtime := header.Flags&wire.FlagRealtimePriority != 0
	if !realtime && !s.Bucket.Allow(1) {
		return
	}
	ciphertext, counter, err := s.Transport.Encrypt(payload)
	if err != nil {
		return
	}
	addr, port, ok := w.locator.ChunkAddrFor(s.ID)
	if !ok {
		return
	}

	buf := make([]byte, wire.ChunkHeaderSize+8+len(ciphertext))
	copy(buf, header.Encode())
	binary.LittleEndian.PutUint64(buf[wire.ChunkHeaderSize:wire.ChunkHeaderSize+8], counter)
	copy(buf[wire.ChunkHeaderSize+8:], ciphertext)

	_ = w.tx.SendTo(addr, port, buf)
}
