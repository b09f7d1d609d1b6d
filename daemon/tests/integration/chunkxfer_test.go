package integration

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/quantarax/summit/daemon/cache"
	"github.com/quantarax/summit/daemon/reassembly"
	"github.com/quantarax/summit/daemon/sendworker"
	"github.com/quantarax/summit/daemon/wire"
)

// chunkService is a minimal dispatch.Service and recvloop.NACKSink built
// only from daemon-module packages, standing in for internal/filetransfer
// (a root-module package this submodule cannot import). It frames a file
// the same way — a metadata envelope naming the chunk count, followed by
// data envelopes indexed from zero — and resends on NACK by re-reading the
// content it was first offered with.
type chunkService struct {
	send     *sendworker.Worker
	cache    *cache.Cache
	reasm    *reassembly.Table
	schemaID [32]byte

	mu       sync.Mutex
	outbound map[[32]byte]outboundChunks
	done     map[[32]byte][]byte
}

type outboundChunks struct {
	content   []byte
	chunkSize int
}

func newChunkService(send *sendworker.Worker, c *cache.Cache, reasm *reassembly.Table, schemaID [32]byte) *chunkService {
	return &chunkService{
		send:     send,
		cache:    c,
		reasm:    reasm,
		schemaID: schemaID,
		outbound: make(map[[32]byte]outboundChunks),
		done:     make(map[[32]byte][]byte),
	}
}

const (
	chunkEnvMeta byte = 0
	chunkEnvData byte = 1
)

func encodeChunkMeta(filename string, totalChunks uint32) []byte {
	buf := make([]byte, 5+len(filename))
	buf[0] = chunkEnvMeta
	binary.LittleEndian.PutUint32(buf[1:5], totalChunks)
	copy(buf[5:], filename)
	return buf
}

func decodeChunkMeta(env []byte) (filename string, totalChunks uint32, err error) {
	if len(env) < 5 {
		return "", 0, fmt.Errorf("chunkxfer: meta envelope too short")
	}
	return string(env[5:]), binary.LittleEndian.Uint32(env[1:5]), nil
}

func encodeChunkData(index uint32, payload []byte) []byte {
	buf := make([]byte, 5+len(payload))
	buf[0] = chunkEnvData
	binary.LittleEndian.PutUint32(buf[1:5], index)
	copy(buf[5:], payload)
	return buf
}

func decodeChunkData(env []byte) (index uint32, payload []byte, err error) {
	if len(env) < 5 {
		return 0, nil, fmt.Errorf("chunkxfer: data envelope too short")
	}
	return binary.LittleEndian.Uint32(env[1:5]), env[5:], nil
}

// offer splits content into chunkSize pieces and sends a metadata envelope
// followed by every data chunk for which drop (if non-nil) returns false.
func (s *chunkService) offer(target sendworker.SendTarget, sessionID [32]byte, filename string, content []byte, chunkSize int, drop func(index int) bool) error {
	total := (len(content) + chunkSize - 1) / chunkSize
	if total == 0 {
		total = 1
	}

	s.mu.Lock()
	s.outbound[sessionID] = outboundChunks{content: content, chunkSize: chunkSize}
	s.mu.Unlock()

	if err := s.send.Send(target, s.schemaID, wire.TypeTagMetadata, encodeChunkMeta(filename, uint32(total)), 0); err != nil {
		return err
	}
	for i := 0; i < total; i++ {
		if drop != nil && drop(i) {
			continue
		}
		if err := s.send.Send(target, s.schemaID, wire.TypeTagData, encodeChunkData(uint32(i), sliceChunk(content, i, chunkSize)), 0); err != nil {
			return err
		}
	}
	return nil
}

func sliceChunk(content []byte, index, chunkSize int) []byte {
	start := index * chunkSize
	end := start + chunkSize
	if end > len(content) {
		end = len(content)
	}
	if start > len(content) {
		start = len(content)
	}
	return content[start:end]
}

// HandleNACK implements recvloop.NACKSink: it re-sends whichever indices
// were requested from the original content, the same recovery path
// internal/filetransfer.Service.HandleNACK takes for a real file on disk.
func (s *chunkService) HandleNACK(sessionID [32]byte, indices []uint32) {
	s.mu.Lock()
	out, ok := s.outbound[sessionID]
	s.mu.Unlock()
	if !ok {
		return
	}
	target := sendworker.SendTarget{Kind: sendworker.TargetSession, SessionID: sessionID}
	for _, idx := range indices {
		_ = s.send.Send(target, s.schemaID, wire.TypeTagData, encodeChunkData(idx, sliceChunk(out.content, int(idx), out.chunkSize)), 0)
	}
}

func (s *chunkService) OnActivate(peerKey, sessionID [32]byte) {}

func (s *chunkService) OnDeactivate(peerKey, sessionID [32]byte) {
	s.reasm.DropSession(sessionID)
}

func (s *chunkService) OnChunk(peerKey, sessionID [32]byte, data []byte) {
	if len(data) == 0 {
		return
	}
	switch data[0] {
	case chunkEnvMeta:
		filename, total, err := decodeChunkMeta(data)
		if err != nil {
			return
		}
		s.reasm.Start(reassembly.NewAssembly(sessionID, filename, total, time.Now()))
	case chunkEnvData:
		index, _, err := decodeChunkData(data)
		if err != nil {
			return
		}
		hash, err := s.cache.Put(data)
		if err != nil {
			return
		}
		for _, a := range s.reasm.All() {
			if a.SessionID != sessionID {
				continue
			}
			a.PutChunk(index, hash)
			if a.IsComplete() {
				s.finish(a)
			}
		}
	}
}

func (s *chunkService) finish(a *reassembly.Assembly) {
	hashes := a.ReceivedHashes()
	chunks := make([][]byte, a.TotalChunks)
	for idx, hash := range hashes {
		env, err := s.cache.Get(hash)
		if err != nil {
			return
		}
		_, payload, err := decodeChunkData(env)
		if err != nil {
			return
		}
		chunks[idx] = payload
	}
	var out []byte
	for _, c := range chunks {
		out = append(out, c...)
	}

	s.mu.Lock()
	s.done[a.SessionID] = out
	s.mu.Unlock()
	s.reasm.Finish(a.SessionID, a.Filename)
}

func (s *chunkService) result(sessionID [32]byte) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out, ok := s.done[sessionID]
	return out, ok
}
