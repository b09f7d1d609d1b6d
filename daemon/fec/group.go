package fec

import "fmt"

// Group holds one assembly group's chunks for FEC purposes: the data shards
// as received (with holes where a chunk hasn't arrived yet) and the parity
// shards received alongside them. It is entirely additive — an assembly
// that never sees a Group, or whose Group never fills in, still completes
// normally through ordinary NACK recovery.
type Group struct {
	enc *Encoder
	dec *Decoder

	dataShards   [][]byte
	parityShards [][]byte
}

// NewGroup creates a Group for k data chunks protected by r parity chunks.
// Every chunk in the group must be padded to the same shard size before
// being handed to PutData/PutParity; Summit pads with zero bytes up to the
// largest chunk in the group and trims the padding back off after a
// reconstruction.
func NewGroup(k, r int) (*Group, error) {
	enc, err := NewEncoder(k, r)
	if err != nil {
		return nil, err
	}
	dec, err := NewDecoder(k, r)
	if err != nil {
		return nil, err
	}
	return &Group{
		enc:          enc,
		dec:          dec,
		dataShards:   make([][]byte, k),
		parityShards: make([][]byte, r),
	}, nil
}

// ComputeParity runs the Reed-Solomon encoder over a complete set of data
// shards (the sender's case: every chunk in the group is already in hand),
// returning the parity shards to send as TypeTagParity chunks.
func (g *Group) ComputeParity(dataShards [][]byte) ([][]byte, error) {
	return g.enc.Encode(dataShards)
}

// PutData records a data chunk received at index i within the group.
func (g *Group) PutData(i int, shard []byte) error {
	if i < 0 || i >= len(g.dataShards) {
		return fmt.Errorf("fec: data index %d out of range [0,%d)", i, len(g.dataShards))
	}
	g.dataShards[i] = shard
	return nil
}

// PutParity records a parity chunk received at index i within the group.
func (g *Group) PutParity(i int, shard []byte) error {
	if i < 0 || i >= len(g.parityShards) {
		return fmt.Errorf("fec: parity index %d out of range [0,%d)", i, len(g.parityShards))
	}
	g.parityShards[i] = shard
	return nil
}

// MissingData returns the indices of data shards not yet received.
func (g *Group) MissingData() []int {
	var missing []int
	for i, s := range g.dataShards {
		if s == nil {
			missing = append(missing, i)
		}
	}
	return missing
}

// CanReconstruct reports whether enough shards (data + parity combined)
// have arrived to recover every missing data shard.
func (g *Group) CanReconstruct() bool {
	present := 0
	for _, s := range g.dataShards {
		if s != nil {
			present++
		}
	}
	for _, s := range g.parityShards {
		if s != nil {
			present++
		}
	}
	return present >= len(g.dataShards)
}

// Reconstruct attempts to fill in every missing data shard from the parity
// shards received so far, returning the completed data shard set. Callers
// should trim each shard back to its original length afterward, since
// Reed-Solomon requires uniform shard sizes and Summit pads short chunks
// with zero bytes before computing parity.
func (g *Group) Reconstruct() ([][]byte, error) {
	all := make([][]byte, len(g.dataShards)+len(g.parityShards))
	copy(all, g.dataShards)
	copy(all[len(g.dataShards):], g.parityShards)

	if err := g.dec.Reconstruct(all); err != nil {
		return nil, err
	}
	copy(g.dataShards, all[:len(g.dataShards)])
	return g.dataShards, nil
}
