// Package fec implements Summit's optional, additive forward error
// correction layer: parity shards computed over an assembly group's data
// chunks and sent as extra TypeTagParity chunks alongside the normal
// chunk stream. FEC never replaces NACK-based recovery — a receiver with
// enough parity shards can reconstruct a missing chunk without waiting out
// a NACK round-trip, but NACK remains the fallback when FEC can't cover the
// loss.
package fec

import (
	"fmt"

	"github.com/klauspost/reedsolomon"
)

// Encoder computes r parity shards from k equally-sized data shards.
type Encoder struct {
	k, r int
	rs   reedsolomon.Encoder
}

// NewEncoder builds an Encoder for k data shards and r parity shards.
func NewEncoder(k, r int) (*Encoder, error) {
	if k < 1 || k > 256 {
		return nil, fmt.Errorf("fec: data shards must be between 1 and 256, got %d", k)
	}
	if r < 1 || r > 256 {
		return nil, fmt.Errorf("fec: parity shards must be between 1 and 256, got %d", r)
	}
	rs, err := reedsolomon.New(k, r)
	if err != nil {
		return nil, fmt.Errorf("fec: create reed-solomon encoder: %w", err)
	}
	return &Encoder{k: k, r: r, rs: rs}, nil
}

// Encode produces r parity shards from exactly k equally-sized data shards.
func (e *Encoder) Encode(dataShards [][]byte) ([][]byte, error) {
	if len(dataShards) != e.k {
		return nil, fmt.Errorf("fec: expected %d data shards, got %d", e.k, len(dataShards))
	}
	shardSize := 0
	if len(dataShards) > 0 {
		shardSize = len(dataShards[0])
		for i, shard := range dataShards {
			if len(shard) != shardSize {
				return nil, fmt.Errorf("fec: shard %d size mismatch: expected %d, got %d", i, shardSize, len(shard))
			}
		}
	}

	parityShards := make([][]byte, e.r)
	for i := range parityShards {
		parityShards[i] = make([]byte, shardSize)
	}

	all := make([][]byte, e.k+e.r)
	copy(all[:e.k], dataShards)
	copy(all[e.k:], parityShards)

	if err := e.rs.Encode(all); err != nil {
		return nil, fmt.Errorf("fec: encode: %w", err)
	}
	return all[e.k:], nil
}

// Parameters returns the encoder's k and r.
func (e *Encoder) Parameters() (k, r int) { return e.k, e.r }

// Decoder reconstructs missing shards given enough surviving data and
// parity shards.
type Decoder struct {
	k, r int
	rs   reedsolomon.Encoder
}

// NewDecoder builds a Decoder matching an Encoder's (k, r).
func NewDecoder(k, r int) (*Decoder, error) {
	if k < 1 || k > 256 {
		return nil, fmt.Errorf("fec: data shards must be between 1 and 256, got %d", k)
	}
	if r < 1 || r > 256 {
		return nil, fmt.Errorf("fec: parity shards must be between 1 and 256, got %d", r)
	}
	rs, err := reedsolomon.New(k, r)
	if err != nil {
		return nil, fmt.Errorf("fec: create reed-solomon decoder: %w", err)
	}
	return &Decoder{k: k, r: r, rs: rs}, nil
}

// Reconstruct fills in nil entries of shards (length k+r, data then parity)
// in place, provided no more than r are missing.
func (d *Decoder) Reconstruct(shards [][]byte) error {
	if len(shards) != d.k+d.r {
		return fmt.Errorf("fec: expected %d shards (k=%d + r=%d), got %d", d.k+d.r, d.k, d.r, len(shards))
	}
	missing := 0
	for _, s := range shards {
		if s == nil {
			missing++
		}
	}
	if missing > d.r {
		return fmt.Errorf("fec: too many missing shards: %d missing, can recover at most %d", missing, d.r)
	}
	if missing == 0 {
		return nil
	}
	if err := d.rs.Reconstruct(shards); err != nil {
		return fmt.Errorf("fec: reconstruct: %w", err)
	}
	return nil
}

// Parameters returns the decoder's k and r.
func (d *Decoder) Parameters() (k, r int) { return d.k, d.r }
