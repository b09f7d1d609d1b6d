package fec

import (
	"bytes"
	"testing"
)

func TestEncodeReconstruct(t *testing.T) {
	k, r := 8, 2
	dataShards := make([][]byte, k)
	for i := range dataShards {
		dataShards[i] = make([]byte, 1024)
		for j := range dataShards[i] {
			dataShards[i][j] = byte(i)
		}
	}

	encoder, err := NewEncoder(k, r)
	if err != nil {
		t.Fatalf("NewEncoder() failed: %v", err)
	}
	parityShards, err := encoder.Encode(dataShards)
	if err != nil {
		t.Fatalf("Encode() failed: %v", err)
	}
	if len(parityShards) != r {
		t.Fatalf("len(parityShards) = %d, want %d", len(parityShards), r)
	}

	all := make([][]byte, k+r)
	copy(all[:k], dataShards)
	copy(all[k:], parityShards)
	all[3] = nil
	all[7] = nil

	decoder, err := NewDecoder(k, r)
	if err != nil {
		t.Fatalf("NewDecoder() failed: %v", err)
	}
	if err := decoder.Reconstruct(all); err != nil {
		t.Fatalf("Reconstruct() failed: %v", err)
	}
	if !bytes.Equal(all[3], dataShards[3]) {
		t.Error("reconstructed shard 3 does not match original")
	}
	if !bytes.Equal(all[7], dataShards[7]) {
		t.Error("reconstructed shard 7 does not match original")
	}
}

func TestReconstructTooManyMissingFails(t *testing.T) {
	k, r := 4, 2
	decoder, err := NewDecoder(k, r)
	if err != nil {
		t.Fatalf("NewDecoder() failed: %v", err)
	}
	shards := make([][]byte, k+r)
	for i := range shards {
		shards[i] = make([]byte, 16)
	}
	shards[0], shards[1], shards[2] = nil, nil, nil
	if err := decoder.Reconstruct(shards); err == nil {
		t.Error("expected Reconstruct() to fail with more holes than parity shards")
	}
}

func TestGroupReconstructFromParity(t *testing.T) {
	k, r := 4, 1
	g, err := NewGroup(k, r)
	if err != nil {
		t.Fatalf("NewGroup() failed: %v", err)
	}

	data := [][]byte{
		{1, 1, 1, 1},
		{2, 2, 2, 2},
		{3, 3, 3, 3},
		{4, 4, 4, 4},
	}
	parity, err := g.ComputeParity(data)
	if err != nil {
		t.Fatalf("ComputeParity() failed: %v", err)
	}

	for i, shard := range data {
		if i == 2 {
			continue // simulate a dropped chunk
		}
		if err := g.PutData(i, shard); err != nil {
			t.Fatalf("PutData(%d) failed: %v", i, err)
		}
	}
	if err := g.PutParity(0, parity[0]); err != nil {
		t.Fatalf("PutParity(0) failed: %v", err)
	}

	if !g.CanReconstruct() {
		t.Fatal("expected CanReconstruct() to be true with 4 of 5 shards present")
	}
	missing := g.MissingData()
	if len(missing) != 1 || missing[0] != 2 {
		t.Fatalf("MissingData() = %v, want [2]", missing)
	}

	reconstructed, err := g.Reconstruct()
	if err != nil {
		t.Fatalf("Reconstruct() failed: %v", err)
	}
	if !bytes.Equal(reconstructed[2], data[2]) {
		t.Errorf("reconstructed data[2] = %v, want %v", reconstructed[2], data[2])
	}
}
