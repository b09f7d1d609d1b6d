package filetransfer

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"github.com/quantarax/summit/daemon/cache"
	daemonfec "github.com/quantarax/summit/daemon/fec"
	"github.com/quantarax/summit/daemon/noisecrypto"
	"github.com/quantarax/summit/daemon/reassembly"
	"github.com/quantarax/summit/daemon/sendworker"
	"github.com/quantarax/summit/daemon/wire"
)

// envelope kinds distinguish the messages this service exchanges, since
// dispatch.Service.OnChunk only ever sees a decrypted payload, not the wire
// ChunkHeader's type_tag.
const (
	envelopeManifest byte = 0
	envelopeData      byte = 1
	envelopeParity    byte = 2
	envelopeGone      byte = 3
)

// transferKey derives a compact correlation id from a transfer's full uuid,
// short enough to prefix every data/parity/gone envelope without bloating
// chunk framing.
func transferKey(transferID string) [4]byte {
	h := blake3.Sum256([]byte(transferID))
	var k [4]byte
	copy(k[:], h[:4])
	return k
}

func encodeDataEnvelope(kind byte, key [4]byte, index int, payload []byte) []byte {
	buf := make([]byte, 1+4+4+len(payload))
	buf[0] = kind
	copy(buf[1:5], key[:])
	binary.LittleEndian.PutUint32(buf[5:9], uint32(index))
	copy(buf[9:], payload)
	return buf
}

func decodeDataEnvelope(data []byte) (key [4]byte, index int, payload []byte, err error) {
	if len(data) < 9 {
		return key, 0, nil, fmt.Errorf("filetransfer: envelope too short")
	}
	copy(key[:], data[1:5])
	index = int(binary.LittleEndian.Uint32(data[5:9]))
	payload = data[9:]
	return key, index, payload, nil
}

type manifestWire struct {
	TransferID string      `json:"transfer_id"`
	FileName   string      `json:"file_name"`
	FileSize   int64       `json:"file_size"`
	ChunkSize  int         `json:"chunk_size"`
	ChunkCount int         `json:"chunk_count"`
	Chunks     []chunkWire `json:"chunks"`
	MerkleRoot string      `json:"merkle_root"`
	FEC        *FECProfile `json:"fec_profile,omitempty"`
}

type chunkWire struct {
	Index  int    `json:"index"`
	Hash   string `json:"hash"`
	Length int    `json:"length"`
}

func (m *Manifest) toWire() manifestWire {
	w := manifestWire{
		TransferID: m.TransferID,
		FileName:   m.FileName,
		FileSize:   m.FileSize,
		ChunkSize:  m.ChunkSize,
		ChunkCount: m.ChunkCount,
		MerkleRoot: hex.EncodeToString(m.MerkleRoot[:]),
		FEC:        m.FEC,
	}
	for _, c := range m.Chunks {
		w.Chunks = append(w.Chunks, chunkWire{Index: c.Index, Hash: hex.EncodeToString(c.Hash[:]), Length: c.Length})
	}
	return w
}

func (w manifestWire) toManifest() (*Manifest, error) {
	root, err := hex.DecodeString(w.MerkleRoot)
	if err != nil || len(root) != 32 {
		return nil, fmt.Errorf("filetransfer: decode merkle root: %w", err)
	}
	m := &Manifest{
		TransferID: w.TransferID,
		FileName:   w.FileName,
		FileSize:   w.FileSize,
		ChunkSize:  w.ChunkSize,
		ChunkCount: w.ChunkCount,
		FEC:        w.FEC,
	}
	copy(m.MerkleRoot[:], root)
	for _, c := range w.Chunks {
		h, err := hex.DecodeString(c.Hash)
		if err != nil || len(h) != 32 {
			return nil, fmt.Errorf("filetransfer: decode chunk %d hash: %w", c.Index, err)
		}
		var hash [32]byte
		copy(hash[:], h)
		m.Chunks = append(m.Chunks, ChunkDescriptor{Index: c.Index, Hash: hash, Length: c.Length})
	}
	return m, nil
}

// sender is the narrow outbound interface this service needs, matching
// sendworker.Worker's real signature so it can be faked in tests.
type sender interface {
	Send(target sendworker.SendTarget, schemaID [32]byte, typeTag uint16, payload []byte, flags uint8) error
}

// outboundTransfer is the sender-side bookkeeping that lets HandleNACK
// re-read and resend a specific chunk without keeping it in memory between
// the initial send and any later recovery.
type outboundTransfer struct {
	path     string
	manifest *Manifest
	key      [4]byte
}

// inboundTransfer is the receiver-side state tracked per (session, transfer)
// between the manifest arriving and the assembly completing.
type inboundTransfer struct {
	manifest *Manifest
	groups   map[int]*daemonfec.Group
}

// Service offers files to peers and reconstructs files offered to this
// node, registered as a dispatch.Service under SchemaID and as a
// daemon/recvloop.NACKSink so missing chunks get resent.
type Service struct {
	send      sender
	cache     *cache.Cache
	reasm     *reassembly.Table
	outputDir string
	schemaID  [32]byte

	mu       sync.Mutex
	outbound map[[32]byte]*outboundTransfer          // sessionID -> active send
	inbound  map[[32]byte]map[[4]byte]*inboundTransfer // sessionID -> key -> receive state
}

// NewService builds a Service. Completed inbound transfers are written under
// outputDir.
func NewService(send sender, c *cache.Cache, reasm *reassembly.Table, outputDir string) *Service {
	return &Service{
		send:      send,
		cache:     c,
		reasm:     reasm,
		outputDir: outputDir,
		schemaID:  noisecrypto.SchemaHash(SchemaName),
		outbound:  make(map[[32]byte]*outboundTransfer),
		inbound:   make(map[[32]byte]map[[4]byte]*inboundTransfer),
	}
}

// SchemaID returns the schema_id this service dispatches under.
func (s *Service) SchemaID() [32]byte { return s.schemaID }

// Offer chunks the file at path and sends its manifest followed by every
// data chunk to sessionID, optionally enrolling full K-chunk groups in the
// additive FEC parity side-channel. It records enough state to serve a later
// NACK for this session by re-reading chunks directly from path.
func (s *Service) Offer(sessionID [32]byte, path string, opts ChunkOptions, fecProfile *FECProfile) (*Manifest, error) {
	manifest, err := ComputeManifest(path, opts)
	if err != nil {
		return nil, err
	}
	manifest.FEC = fecProfile
	key := transferKey(manifest.TransferID)

	s.mu.Lock()
	s.outbound[sessionID] = &outboundTransfer{path: path, manifest: manifest, key: key}
	s.mu.Unlock()

	target := sendworker.SendTarget{Kind: sendworker.TargetSession, SessionID: sessionID}

	manifestJSON, err := json.Marshal(manifest.toWire())
	if err != nil {
		return nil, fmt.Errorf("filetransfer: encode manifest: %w", err)
	}
	if err := s.send.Send(target, s.schemaID, wire.TypeTagMetadata, encodeDataEnvelope(envelopeManifest, key, 0, manifestJSON), 0); err != nil {
		return nil, fmt.Errorf("filetransfer: send manifest: %w", err)
	}

	for _, c := range manifest.Chunks {
		data, err := ReadChunk(path, c.Index, manifest.ChunkSize)
		if err != nil {
			return nil, err
		}
		if err := s.send.Send(target, s.schemaID, wire.TypeTagData, encodeDataEnvelope(envelopeData, key, c.Index, data), 0); err != nil {
			return nil, fmt.Errorf("filetransfer: send chunk %d: %w", c.Index, err)
		}
	}

	if fecProfile != nil {
		s.sendParity(target, key, path, manifest, fecProfile)
	}

	return manifest, nil
}

// sendParity computes and sends r parity shards for every full k-chunk group
// in manifest. A trailing partial group (fewer than k chunks) is left
// unprotected — NACK recovery still covers it.
func (s *Service) sendParity(target sendworker.SendTarget, key [4]byte, path string, manifest *Manifest, fecProfile *FECProfile) {
	k, r := fecProfile.K, fecProfile.R
	if k <= 0 || r <= 0 {
		return
	}
	for groupStart := 0; groupStart+k <= manifest.ChunkCount; groupStart += k {
		group, err := daemonfec.NewGroup(k, r)
		if err != nil {
			return
		}
		shards := make([][]byte, k)
		for j := 0; j < k; j++ {
			data, err := ReadChunk(path, groupStart+j, manifest.ChunkSize)
			if err != nil {
				return
			}
			shards[j] = padTo(data, manifest.ChunkSize)
		}
		parity, err := group.ComputeParity(shards)
		if err != nil {
			return
		}
		groupIndex := groupStart / k
		for j, shard := range parity {
			env := make([]byte, 1+4+4+1+len(shard))
			env[0] = envelopeParity
			copy(env[1:5], key[:])
			binary.LittleEndian.PutUint32(env[5:9], uint32(groupIndex))
			env[9] = byte(j)
			copy(env[10:], shard)
			_ = s.send.Send(target, s.schemaID, wire.TypeTagParity, env, 0)
		}
	}
}

func padTo(data []byte, size int) []byte {
	if len(data) >= size {
		return data
	}
	out := make([]byte, size)
	copy(out, data)
	return out
}

// OnActivate is a no-op: transfer state is created lazily when a manifest
// arrives.
func (s *Service) OnActivate(peerKey, sessionID [32]byte) {}

// OnChunk handles one envelope: a manifest starting a new inbound transfer,
// a data or parity chunk feeding an in-progress one, or a gone notice.
func (s *Service) OnChunk(peerKey, sessionID [32]byte, data []byte) {
	if len(data) == 0 {
		return
	}
	switch data[0] {
	case envelopeManifest:
		s.onManifest(sessionID, data)
	case envelopeData:
		s.onData(sessionID, data)
	case envelopeParity:
		s.onParity(sessionID, data)
	case envelopeGone:
		s.onGone(sessionID, data)
	}
}

// OnDeactivate discards any in-progress inbound or outbound state for the
// session, matching reassembly.Table's own per-session teardown.
func (s *Service) OnDeactivate(peerKey, sessionID [32]byte) {
	s.mu.Lock()
	delete(s.outbound, sessionID)
	delete(s.inbound, sessionID)
	s.mu.Unlock()
	s.reasm.DropSession(sessionID)
}

// HandleNACK implements daemon/recvloop.NACKSink: it re-reads each requested
// chunk directly from the outbound transfer's source file and resends it.
// A chunk that can no longer be read (the source file shrank, was removed,
// or the index is out of range) is reported GONE instead, so the receiver
// abandons the assembly rather than waiting out its remaining NACK stalls.
func (s *Service) HandleNACK(sessionID [32]byte, indices []uint32) {
	s.mu.Lock()
	out, ok := s.outbound[sessionID]
	s.mu.Unlock()
	if !ok {
		return
	}
	target := sendworker.SendTarget{Kind: sendworker.TargetSession, SessionID: sessionID}
	for _, idx := range indices {
		data, err := ReadChunk(out.path, int(idx), out.manifest.ChunkSize)
		if err != nil || int(idx) >= len(out.manifest.Chunks) || len(data) != out.manifest.Chunks[idx].Length {
			_ = s.send.Send(target, s.schemaID, wire.TypeTagGone, encodeDataEnvelope(envelopeGone, out.key, int(idx), nil), wire.FlagRealtimePriority)
			continue
		}
		_ = s.send.Send(target, s.schemaID, wire.TypeTagData, encodeDataEnvelope(envelopeData, out.key, int(idx), data), 0)
	}
}

func (s *Service) onManifest(sessionID [32]byte, data []byte) {
	_, _, payload, err := decodeDataEnvelope(data)
	if err != nil {
		return
	}
	var w manifestWire
	if err := json.Unmarshal(payload, &w); err != nil {
		return
	}
	manifest, err := w.toManifest()
	if err != nil {
		return
	}
	key := transferKey(manifest.TransferID)

	s.reasm.Start(reassembly.NewAssembly(sessionID, manifest.TransferID, uint32(manifest.ChunkCount), time.Now()))

	s.mu.Lock()
	bySession, ok := s.inbound[sessionID]
	if !ok {
		bySession = make(map[[4]byte]*inboundTransfer)
		s.inbound[sessionID] = bySession
	}
	bySession[key] = &inboundTransfer{manifest: manifest, groups: make(map[int]*daemonfec.Group)}
	s.mu.Unlock()
}

func (s *Service) onData(sessionID [32]byte, data []byte) {
	key, index, payload, err := decodeDataEnvelope(data)
	if err != nil {
		return
	}
	in := s.lookupInbound(sessionID, key)
	if in == nil {
		return
	}
	assembly, err := s.reasm.Get(sessionID, in.manifest.TransferID)
	if err != nil {
		return
	}
	assembly.PutChunk(uint32(index), noisecrypto.ContentHash(data))

	if in.manifest.FEC != nil {
		s.feedFEC(sessionID, key, in, index, payload)
	}

	s.maybeFinalize(sessionID, key, in, assembly)
}

func (s *Service) onParity(sessionID [32]byte, data []byte) {
	key, groupIndex, rest, err := decodeDataEnvelope(data)
	if err != nil || len(rest) < 1 {
		return
	}
	shardIndex := int(rest[0])
	shard := rest[1:]

	in := s.lookupInbound(sessionID, key)
	if in == nil || in.manifest.FEC == nil {
		return
	}
	assembly, err := s.reasm.Get(sessionID, in.manifest.TransferID)
	if err != nil {
		return
	}

	group := s.groupFor(in, groupIndex)
	if group == nil {
		return
	}
	if err := group.PutParity(shardIndex, append([]byte(nil), shard...)); err != nil {
		return
	}
	s.tryReconstruct(sessionID, key, in, groupIndex, group, assembly)
}

// onGone abandons the assembly a GONE chunk belonged to: the sender no
// longer has that chunk, so the transfer can never complete, and there is
// nothing to gain from continuing to NACK the rest of it.
func (s *Service) onGone(sessionID [32]byte, data []byte) {
	key, index, _, err := decodeDataEnvelope(data)
	if err != nil {
		return
	}
	in := s.lookupInbound(sessionID, key)
	if in == nil {
		return
	}
	if assembly, err := s.reasm.Get(sessionID, in.manifest.TransferID); err == nil {
		assembly.MarkGone(uint32(index))
	}
	s.abandon(sessionID, key, in)
}

// abandon discards all state for one inbound transfer without writing a
// file: the reassembly table entry, the FEC groups, and the service's own
// bookkeeping.
func (s *Service) abandon(sessionID [32]byte, key [4]byte, in *inboundTransfer) {
	s.reasm.Finish(sessionID, in.manifest.TransferID)
	s.mu.Lock()
	if bySession, ok := s.inbound[sessionID]; ok {
		delete(bySession, key)
	}
	s.mu.Unlock()
}

func (s *Service) lookupInbound(sessionID [32]byte, key [4]byte) *inboundTransfer {
	s.mu.Lock()
	defer s.mu.Unlock()
	bySession, ok := s.inbound[sessionID]
	if !ok {
		return nil
	}
	return bySession[key]
}

func (s *Service) groupFor(in *inboundTransfer, groupIndex int) *daemonfec.Group {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g, ok := in.groups[groupIndex]; ok {
		return g
	}
	g, err := daemonfec.NewGroup(in.manifest.FEC.K, in.manifest.FEC.R)
	if err != nil {
		return nil
	}
	in.groups[groupIndex] = g
	return g
}

// feedFEC records a directly-received data chunk into its FEC group, if any,
// so a later parity shard can reconstruct its neighbors.
func (s *Service) feedFEC(sessionID [32]byte, key [4]byte, in *inboundTransfer, index int, payload []byte) {
	k := in.manifest.FEC.K
	groupIndex := index / k
	if groupIndex*k+k > in.manifest.ChunkCount {
		return // trailing partial group is never FEC-protected
	}
	group := s.groupFor(in, groupIndex)
	if group == nil {
		return
	}
	_ = group.PutData(index%k, padTo(payload, in.manifest.ChunkSize))
}

// tryReconstruct reconstructs a group's missing data shards once enough
// parity has arrived, feeding each recovered chunk into the assembly exactly
// as if it had been received directly.
func (s *Service) tryReconstruct(sessionID [32]byte, key [4]byte, in *inboundTransfer, groupIndex int, group *daemonfec.Group, assembly *reassembly.Assembly) {
	if !group.CanReconstruct() {
		return
	}
	shards, err := group.Reconstruct()
	if err != nil {
		return
	}
	k := in.manifest.FEC.K
	for j, shard := range shards {
		globalIndex := groupIndex*k + j
		if globalIndex >= len(in.manifest.Chunks) {
			continue
		}
		length := in.manifest.Chunks[globalIndex].Length
		trimmed := shard
		if len(trimmed) > length {
			trimmed = trimmed[:length]
		}
		env := encodeDataEnvelope(envelopeData, key, globalIndex, trimmed)
		hash, err := s.cache.Put(env)
		if err != nil {
			continue
		}
		assembly.PutChunk(uint32(globalIndex), hash)
	}
	s.maybeFinalize(sessionID, key, in, assembly)
}

// maybeFinalize writes the file out and tears down transfer state once
// every chunk has arrived.
func (s *Service) maybeFinalize(sessionID [32]byte, key [4]byte, in *inboundTransfer, assembly *reassembly.Assembly) {
	if !assembly.IsComplete() {
		return
	}
	if err := s.writeFile(in.manifest, assembly); err != nil {
		return
	}
	s.reasm.Finish(sessionID, in.manifest.TransferID)
	s.mu.Lock()
	if bySession, ok := s.inbound[sessionID]; ok {
		delete(bySession, key)
	}
	s.mu.Unlock()
}

func (s *Service) writeFile(manifest *Manifest, assembly *reassembly.Assembly) error {
	if err := os.MkdirAll(s.outputDir, 0o755); err != nil {
		return fmt.Errorf("filetransfer: create output dir: %w", err)
	}
	// A manifest comes from the peer, not this node; sanitize file_name to
	// its base component so a hostile "../../etc/passwd" can't escape
	// outputDir.
	name := filepath.Base(filepath.Clean(manifest.FileName))
	if name == "." || name == ".." || name == string(filepath.Separator) {
		return fmt.Errorf("filetransfer: manifest file_name %q is not a valid file name", manifest.FileName)
	}
	out, err := os.Create(filepath.Join(s.outputDir, name))
	if err != nil {
		return fmt.Errorf("filetransfer: create output file: %w", err)
	}
	defer out.Close()

	hashes := assembly.ReceivedHashes()
	for i := 0; i < manifest.ChunkCount; i++ {
		hash, ok := hashes[uint32(i)]
		if !ok {
			return fmt.Errorf("filetransfer: missing chunk %d at completion", i)
		}
		env, err := s.cache.Get(hash)
		if err != nil {
			return fmt.Errorf("filetransfer: read cached chunk %d: %w", i, err)
		}
		_, _, payload, err := decodeDataEnvelope(env)
		if err != nil {
			return fmt.Errorf("filetransfer: decode cached chunk %d: %w", i, err)
		}
		if _, err := out.Write(payload); err != nil {
			return fmt.Errorf("filetransfer: write chunk %d: %w", i, err)
		}
	}
	return nil
}
