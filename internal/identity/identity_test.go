package identity

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadOrCreateGeneratesThenReloads(t *testing.T) {
	dir := t.TempDir()
	privPath := filepath.Join(dir, "id_x25519")

	kp1, err := LoadOrCreate(privPath, "")
	if err != nil {
		t.Fatalf("LoadOrCreate() first call failed: %v", err)
	}

	kp2, err := LoadOrCreate(privPath, "")
	if err != nil {
		t.Fatalf("LoadOrCreate() second call failed: %v", err)
	}

	if kp1.PublicKey != kp2.PublicKey {
		t.Fatal("reloaded keypair has a different public key than the one generated")
	}
	if kp1.PrivateKey != kp2.PrivateKey {
		t.Fatal("reloaded keypair has a different private key than the one generated")
	}
}

func TestLoadOrCreateRejectsMismatchedPublicKey(t *testing.T) {
	dir := t.TempDir()
	privPath := filepath.Join(dir, "id_x25519")
	pubPath := privPath + ".pub"

	if _, err := LoadOrCreate(privPath, ""); err != nil {
		t.Fatalf("LoadOrCreate() failed: %v", err)
	}

	// Corrupt the public key file in place.
	if err := os.WriteFile(pubPath, []byte("bm90LXRoZS1yaWdodC1rZXk="), 0o644); err != nil {
		t.Fatalf("failed to corrupt pub file: %v", err)
	}

	if _, err := LoadOrCreate(privPath, ""); err == nil {
		t.Error("expected LoadOrCreate() to reject a mismatched public key file")
	}
}
