package reassembly

import (
	"testing"
	"time"
)

func TestDueForNACKRespectsDelayAndPeriod(t *testing.T) {
	now := time.Now()
	a := NewAssembly([32]byte{1}, "file.bin", 4, now)

	if due := a.DueForNACK(now); len(due) != 0 {
		t.Fatalf("DueForNACK() immediately = %v, want none (within NACKDelay)", due)
	}

	later := now.Add(NACKDelay + time.Second)
	due := a.DueForNACK(later)
	if len(due) != 4 {
		t.Fatalf("DueForNACK() after delay = %v, want 4 missing chunks", due)
	}

	a.RecordNACKSent(due, later)
	if due2 := a.DueForNACK(later.Add(time.Millisecond)); len(due2) != 0 {
		t.Fatalf("DueForNACK() immediately after NACK sent = %v, want none (within NACKPeriod)", due2)
	}

	afterPeriod := later.Add(NACKPeriod + time.Second)
	if due3 := a.DueForNACK(afterPeriod); len(due3) != 4 {
		t.Fatalf("DueForNACK() after NACKPeriod = %v, want 4 again", due3)
	}
}

func TestPutChunkClearsMissing(t *testing.T) {
	now := time.Now()
	a := NewAssembly([32]byte{1}, "file.bin", 2, now)
	a.PutChunk(0, [32]byte{9})

	due := a.DueForNACK(now.Add(NACKDelay + time.Second))
	if len(due) != 1 || due[0] != 1 {
		t.Fatalf("DueForNACK() = %v, want [1]", due)
	}
	if a.IsComplete() {
		t.Fatal("expected assembly incomplete with 1 of 2 chunks")
	}
	a.PutChunk(1, [32]byte{8})
	if !a.IsComplete() {
		t.Fatal("expected assembly complete with 2 of 2 chunks")
	}
}

func TestMarkGoneStopsNACKing(t *testing.T) {
	now := time.Now()
	a := NewAssembly([32]byte{1}, "file.bin", 1, now)
	a.MarkGone(0)
	due := a.DueForNACK(now.Add(NACKDelay + time.Second))
	if len(due) != 0 {
		t.Fatalf("DueForNACK() after MarkGone = %v, want none", due)
	}
}

func TestStalledChunksAfterMaxStalls(t *testing.T) {
	now := time.Now()
	a := NewAssembly([32]byte{1}, "file.bin", 1, now)

	t1 := now.Add(NACKDelay + time.Second)
	for i := 0; i < MaxNACKStalls; i++ {
		due := a.DueForNACK(t1)
		if len(due) != 1 {
			t.Fatalf("round %d: DueForNACK() = %v, want [0]", i, due)
		}
		a.RecordNACKSent(due, t1)
		t1 = t1.Add(NACKPeriod + time.Second)
	}

	stalled := a.StalledChunks()
	if len(stalled) != 1 || stalled[0] != 0 {
		t.Fatalf("StalledChunks() = %v, want [0]", stalled)
	}
	if due := a.DueForNACK(t1); len(due) != 0 {
		t.Fatalf("DueForNACK() after max stalls = %v, want none", due)
	}
}

func TestReceivedHashesReflectsPutChunkAndIsACopy(t *testing.T) {
	now := time.Now()
	a := NewAssembly([32]byte{1}, "file.bin", 2, now)
	a.PutChunk(0, [32]byte{9})

	hashes := a.ReceivedHashes()
	if len(hashes) != 1 || hashes[0] != [32]byte{9} {
		t.Fatalf("ReceivedHashes() = %v, want {0: {9,0,...}}", hashes)
	}

	hashes[1] = [32]byte{7}
	if _, ok := a.ReceivedHashes()[1]; ok {
		t.Fatal("mutating the returned map affected the assembly's own state")
	}
}

func TestTableStartGetFinish(t *testing.T) {
	tbl := NewTable()
	sessionID := [32]byte{5}
	a := NewAssembly(sessionID, "a.bin", 1, time.Now())
	tbl.Start(a)

	got, err := tbl.Get(sessionID, "a.bin")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got != a {
		t.Fatal("Get() returned a different Assembly than was started")
	}

	tbl.Finish(sessionID, "a.bin")
	if _, err := tbl.Get(sessionID, "a.bin"); err != ErrAssemblyNotFound {
		t.Errorf("expected ErrAssemblyNotFound after Finish, got %v", err)
	}
}
