// Package reassembly tracks in-flight file transfers chunk by chunk,
// deciding when to NACK for a chunk that hasn't shown up and when to give
// up on one that a peer has reported GONE.
package reassembly

import (
	"errors"
	"sync"
	"time"
)

// NACKPeriod is how often the janitor loop re-scans every incomplete
// assembly for chunks due a NACK.
const NACKPeriod = 2 * time.Second

// NACKDelay is how long a chunk must be missing before its first NACK is
// sent — short enough to recover promptly, long enough not to NACK a chunk
// that's merely in flight.
const NACKDelay = 3 * time.Second

// MaxNACKHashes caps how many missing-chunk indices a single NACK datagram
// carries. NACKs name chunks by their index within the assembly, not by
// content hash.
const MaxNACKHashes = 512

// MaxNACKStalls is how many unanswered NACK rounds a chunk tolerates before
// reassembly gives up on it.
const MaxNACKStalls = 3

// ErrAssemblyNotFound is returned by Get for an unknown key.
var ErrAssemblyNotFound = errors.New("reassembly: assembly not found")

// ErrTooManyStalls describes a chunk that has been NACKed MaxNACKStalls
// times with no response. No function in this package returns it;
// StalledChunks reports such chunks instead.
var ErrTooManyStalls = errors.New("reassembly: chunk exceeded max NACK stalls")

// chunkState tracks one missing chunk's NACK history.
type chunkState struct {
	firstMissedAt time.Time
	lastNACKedAt  time.Time
	nackCount     int
	gone          bool
}

// Assembly is one file's reassembly state, keyed by (session, filename) at
// the Table level.
type Assembly struct {
	mu sync.Mutex

	SessionID   [32]byte
	Filename    string
	TotalChunks uint32

	received map[uint32][32]byte // chunk index -> content hash
	missing  map[uint32]*chunkState
}

// NewAssembly creates an Assembly once a metadata chunk has announced the
// filename and total chunk count.
func NewAssembly(sessionID [32]byte, filename string, totalChunks uint32, now time.Time) *Assembly {
	a := &Assembly{
		SessionID:   sessionID,
		Filename:    filename,
		TotalChunks: totalChunks,
		received:    make(map[uint32][32]byte),
		missing:     make(map[uint32]*chunkState),
	}
	for i := uint32(0); i < totalChunks; i++ {
		a.missing[i] = &chunkState{firstMissedAt: now}
	}
	return a
}

// PutChunk records chunk index as received, clearing it from the missing
// set.
func (a *Assembly) PutChunk(index uint32, hash [32]byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.received[index] = hash
	delete(a.missing, index)
}

// ReceivedHashes returns a copy of the chunk index -> content hash map for
// every chunk received so far, so a completed assembly can be reconstructed
// in index order.
func (a *Assembly) ReceivedHashes() map[uint32][32]byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[uint32][32]byte, len(a.received))
	for k, v := range a.received {
		out[k] = v
	}
	return out
}

// MarkGone records that the sender reported a chunk GONE — it will never
// arrive, and should stop being NACKed.
func (a *Assembly) MarkGone(index uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if cs, ok := a.missing[index]; ok {
		cs.gone = true
	}
}

// IsComplete reports whether every chunk has been received.
func (a *Assembly) IsComplete() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return uint32(len(a.received)) >= a.TotalChunks
}

// DueForNACK returns the indices that should be NACKed now: missing longer
// than NACKDelay, not yet reported GONE, under MaxNACKStalls attempts, and
// not NACKed within the last NACKPeriod. The result is capped at
// MaxNACKHashes.
func (a *Assembly) DueForNACK(now time.Time) []uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()

	var due []uint32
	for idx, cs := range a.missing {
		if cs.gone {
			continue
		}
		if cs.nackCount >= MaxNACKStalls {
			continue
		}
		if now.Sub(cs.firstMissedAt) < NACKDelay {
			continue
		}
		if !cs.lastNACKedAt.IsZero() && now.Sub(cs.lastNACKedAt) < NACKPeriod {
			continue
		}
		due = append(due, idx)
		if len(due) >= MaxNACKHashes {
			break
		}
	}
	return due
}

// RecordNACKSent bumps the stall counter for every index just NACKed.
func (a *Assembly) RecordNACKSent(indices []uint32, now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, idx := range indices {
		if cs, ok := a.missing[idx]; ok {
			cs.lastNACKedAt = now
			cs.nackCount++
		}
	}
}

// StalledChunks returns indices that have reached MaxNACKStalls NACK rounds
// without a response — recovery has given up on them.
func (a *Assembly) StalledChunks() []uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	var stalled []uint32
	for idx, cs := range a.missing {
		if !cs.gone && cs.nackCount >= MaxNACKStalls {
			stalled = append(stalled, idx)
		}
	}
	return stalled
}

// Table tracks every in-flight assembly, keyed by session id and filename.
type Table struct {
	mu         sync.Mutex
	assemblies map[[32]byte]map[string]*Assembly
}

// NewTable creates an empty Table.
func NewTable() *Table {
	return &Table{assemblies: make(map[[32]byte]map[string]*Assembly)}
}

// Start begins tracking a new assembly.
func (t *Table) Start(a *Assembly) {
	t.mu.Lock()
	defer t.mu.Unlock()
	bySession, ok := t.assemblies[a.SessionID]
	if !ok {
		bySession = make(map[string]*Assembly)
		t.assemblies[a.SessionID] = bySession
	}
	bySession[a.Filename] = a
}

// Get returns the assembly for a (session, filename) pair.
func (t *Table) Get(sessionID [32]byte, filename string) (*Assembly, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	bySession, ok := t.assemblies[sessionID]
	if !ok {
		return nil, ErrAssemblyNotFound
	}
	a, ok := bySession[filename]
	if !ok {
		return nil, ErrAssemblyNotFound
	}
	return a, nil
}

// Finish removes a completed (or abandoned) assembly.
func (t *Table) Finish(sessionID [32]byte, filename string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if bySession, ok := t.assemblies[sessionID]; ok {
		delete(bySession, filename)
		if len(bySession) == 0 {
			delete(t.assemblies, sessionID)
		}
	}
}

// All returns a snapshot of every in-flight assembly across every session.
func (t *Table) All() []*Assembly {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*Assembly
	for _, bySession := range t.assemblies {
		for _, a := range bySession {
			out = append(out, a)
		}
	}
	return out
}

// DropSession discards every assembly belonging to a session, e.g. when the
// session is torn down.
func (t *Table) DropSession(sessionID [32]byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.assemblies, sessionID)
}
