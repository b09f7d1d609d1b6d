package messagestore

import (
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "messages.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutThenListReturnsInArrivalOrder(t *testing.T) {
	s := openTestStore(t)
	var peer [32]byte
	peer[0] = 0x01

	if err := s.Put(peer, []byte("first")); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}
	if err := s.Put(peer, []byte("second")); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}

	msgs, err := s.List(peer)
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("List() returned %d messages, want 2", len(msgs))
	}
	if string(msgs[0].Payload) != "first" || string(msgs[1].Payload) != "second" {
		t.Errorf("List() = %q, %q; want first, second", msgs[0].Payload, msgs[1].Payload)
	}
}

func TestListIsolatesByPeer(t *testing.T) {
	s := openTestStore(t)
	var a, b [32]byte
	a[0] = 0x01
	b[0] = 0x02

	if err := s.Put(a, []byte("for-a")); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}
	if err := s.Put(b, []byte("for-b")); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}

	msgsA, err := s.List(a)
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if len(msgsA) != 1 || string(msgsA[0].Payload) != "for-a" {
		t.Errorf("List(a) = %v, want exactly one message 'for-a'", msgsA)
	}
}

func TestServiceOnChunkPersists(t *testing.T) {
	s := openTestStore(t)
	svc := NewService(s)
	var peer, session [32]byte
	peer[0] = 0x09

	svc.OnChunk(peer, session, []byte("hello"))

	msgs, err := s.List(peer)
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if len(msgs) != 1 || string(msgs[0].Payload) != "hello" {
		t.Errorf("List() after OnChunk = %v, want one message 'hello'", msgs)
	}
}
