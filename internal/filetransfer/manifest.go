// Package filetransfer offers and receives whole files over a live session,
// built on top of daemon/sendworker, daemon/reassembly and daemon/cache: it
// chunks a file into a Manifest, sends the manifest followed by each data
// chunk, and on the receiving side drives a reassembly.Assembly until every
// chunk has arrived, at which point it writes the file out to an output
// directory. It is registered as a dispatch.Service under its own schema and
// additionally as a daemon/recvloop.NACKSink, so a receiver's NACK for a
// missing chunk triggers a real resend rather than being silently dropped.
package filetransfer

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"github.com/quantarax/summit/daemon/noisecrypto"
)

// SchemaName is hashed with noisecrypto.SchemaHash to derive this service's
// schema_id.
const SchemaName = "filetransfer"

// ChunkOptions configures how a file is split for transfer.
type ChunkOptions struct {
	ChunkSize int // bytes per chunk; DefaultChunkOptions if <= 0
}

// DefaultChunkOptions returns the default chunk size. 32 KiB keeps every
// chunk comfortably under wire.MaxPayload once the envelope framing in
// filetransfer.go is added on top.
func DefaultChunkOptions() ChunkOptions {
	return ChunkOptions{ChunkSize: 32 * 1024}
}

// FECProfile opts a transfer into the additive parity side-channel
// (daemon/fec): K data chunks protected by R parity chunks per group.
type FECProfile struct {
	K int
	R int
}

// ChunkDescriptor describes one chunk of a Manifest.
type ChunkDescriptor struct {
	Index  int
	Hash   [32]byte
	Length int
}

// Manifest is the metadata a receiver needs before any data chunk arrives:
// how many chunks to expect, their individual hashes, and a Merkle root over
// all of them so the whole transfer's integrity can be checked in one
// comparison.
type Manifest struct {
	TransferID string
	FileName   string
	FileSize   int64
	ChunkSize  int
	ChunkCount int
	Chunks     []ChunkDescriptor
	MerkleRoot [32]byte
	CreatedAt  time.Time
	FEC        *FECProfile
}

// ComputeManifest chunks the file at path and returns its Manifest. It does
// not read chunk bytes back out for sending — ReadChunk does that on demand
// so the whole file is never held in memory at once.
func ComputeManifest(path string, opts ChunkOptions) (*Manifest, error) {
	if opts.ChunkSize <= 0 {
		opts = DefaultChunkOptions()
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("filetransfer: open file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("filetransfer: stat file: %w", err)
	}

	manifest := &Manifest{
		TransferID: uuid.New().String(),
		FileName:   filepath.Base(path),
		FileSize:   info.Size(),
		ChunkSize:  opts.ChunkSize,
		CreatedAt:  time.Now(),
	}

	if info.Size() == 0 {
		hash := noisecrypto.ContentHash(nil)
		manifest.ChunkCount = 1
		manifest.Chunks = []ChunkDescriptor{{Index: 0, Hash: hash, Length: 0}}
		manifest.MerkleRoot = computeMerkleRoot([][32]byte{hash})
		return manifest, nil
	}

	buf := make([]byte, opts.ChunkSize)
	var hashes [][32]byte
	for i := 0; ; i++ {
		n, err := f.Read(buf)
		if err != nil && err != io.EOF {
			return nil, fmt.Errorf("filetransfer: read chunk %d: %w", i, err)
		}
		if n == 0 {
			break
		}
		hash := noisecrypto.ContentHash(buf[:n])
		manifest.Chunks = append(manifest.Chunks, ChunkDescriptor{Index: i, Hash: hash, Length: n})
		hashes = append(hashes, hash)
		if err == io.EOF {
			break
		}
	}
	manifest.ChunkCount = len(manifest.Chunks)
	manifest.MerkleRoot = computeMerkleRoot(hashes)
	return manifest, nil
}

// ReadChunk reads one chunk's bytes directly from path by seeking to its
// offset, used both for the initial send and to serve a NACK resend without
// keeping the whole file or its chunks resident in memory.
func ReadChunk(path string, index, chunkSize int) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("filetransfer: open file: %w", err)
	}
	defer f.Close()

	offset := int64(index) * int64(chunkSize)
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("filetransfer: seek to chunk %d: %w", index, err)
	}

	buf := make([]byte, chunkSize)
	n, err := f.Read(buf)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("filetransfer: read chunk %d: %w", index, err)
	}
	return buf[:n], nil
}

// computeMerkleRoot builds a binary Merkle tree bottom-up over leaf, pairing
// adjacent hashes and duplicating an odd one out, matching the standard
// construction. An empty leaf set has no root.
func computeMerkleRoot(leaves [][32]byte) [32]byte {
	if len(leaves) == 0 {
		return [32]byte{}
	}
	level := leaves
	for len(level) > 1 {
		var next [][32]byte
		for i := 0; i < len(level); i += 2 {
			var combined [64]byte
			copy(combined[:32], level[i][:])
			if i+1 < len(level) {
				copy(combined[32:], level[i+1][:])
			} else {
				copy(combined[32:], level[i][:])
			}
			next = append(next, blake3.Sum256(combined[:]))
		}
		level = next
	}
	return level[0]
}
