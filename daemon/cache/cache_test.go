package cache

import (
	"bytes"
	"testing"

	"github.com/quantarax/summit/daemon/noisecrypto"
)

func TestPutGetRoundTrip(t *testing.T) {
	c, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	data := []byte("a chunk of data addressed by its own hash")
	hash, err := c.Put(data)
	if err != nil {
		t.Fatalf("Put() failed: %v", err)
	}
	if hash != noisecrypto.ContentHash(data) {
		t.Errorf("Put() returned hash %x, want %x", hash, noisecrypto.ContentHash(data))
	}

	if !c.Has(hash) {
		t.Error("expected Has() to report the chunk present")
	}

	got, err := c.Get(hash)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("Get() = %q, want %q", got, data)
	}

	if err := c.Verify(hash); err != nil {
		t.Errorf("Verify() failed: %v", err)
	}
}

func TestPutIsIdempotent(t *testing.T) {
	c, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	data := []byte("same bytes every time")

	h1, err := c.Put(data)
	if err != nil {
		t.Fatalf("first Put() failed: %v", err)
	}
	sizeAfterFirst := c.Size()

	h2, err := c.Put(data)
	if err != nil {
		t.Fatalf("second Put() failed: %v", err)
	}
	if h1 != h2 {
		t.Errorf("hash changed across idempotent Put(): %x vs %x", h1, h2)
	}
	if c.Size() != sizeAfterFirst {
		t.Errorf("Size() grew on a repeat Put(): %d vs %d", c.Size(), sizeAfterFirst)
	}
}

func TestGetMissingReturnsErrNotFound(t *testing.T) {
	c, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if _, err := c.Get([32]byte{1, 2, 3}); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestGCDefaultOff(t *testing.T) {
	c, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if _, err := c.Put([]byte("keep me forever")); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}
	if err := c.GC(); err != nil {
		t.Fatalf("GC() failed: %v", err)
	}
	if c.Size() == 0 {
		t.Error("expected GC() to be a no-op with MaxBytes unset")
	}
}
