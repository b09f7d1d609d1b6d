// Package identity persists Summit's long-term X25519 peer identity keypair
// to disk, generating one on first run.
package identity

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/quantarax/summit/daemon/noisecrypto"
)

// DefaultPaths returns the private and public key paths under
// ~/.local/share/summit/keys.
func DefaultPaths() (privPath, pubPath string, err error) {
	h, err := os.UserHomeDir()
	if err != nil {
		return "", "", err
	}
	dir := filepath.Join(h, ".local", "share", "summit", "keys")
	return filepath.Join(dir, "id_x25519"), filepath.Join(dir, "id_x25519.pub"), nil
}

// LoadOrCreate loads the X25519 identity keypair from privPath (and
// privPath+".pub" if pubPath is empty), generating and persisting a new one
// if none exists yet.
func LoadOrCreate(privPath, pubPath string) (*noisecrypto.KeyPair, error) {
	if privPath == "" {
		p, u, err := DefaultPaths()
		if err != nil {
			return nil, err
		}
		privPath, pubPath = p, u
	}
	if pubPath == "" {
		pubPath = privPath + ".pub"
	}

	kp, err := load(privPath, pubPath)
	if err == nil {
		return kp, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(privPath), 0o700); err != nil {
		return nil, err
	}
	kp, err = noisecrypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	if err := writeKeyFiles(privPath, pubPath, kp); err != nil {
		return nil, err
	}
	return kp, nil
}

func load(privPath, pubPath string) (*noisecrypto.KeyPair, error) {
	privBytes, err := os.ReadFile(privPath)
	if err != nil {
		return nil, err
	}
	priv, err := decodeKey(privBytes)
	if err != nil {
		return nil, fmt.Errorf("identity: invalid private key: %w", err)
	}
	if len(priv) != 32 {
		return nil, fmt.Errorf("identity: private key must be 32 bytes, got %d", len(priv))
	}

	var privArr [32]byte
	copy(privArr[:], priv)
	kp := noisecrypto.KeyPairFromPrivate(privArr)

	// Cross-check the persisted public key matches, guarding against a
	// corrupted or hand-edited key file going unnoticed.
	if _, err := os.Stat(pubPath); err == nil {
		pubBytes, err := os.ReadFile(pubPath)
		if err != nil {
			return nil, err
		}
		pub, err := decodeKey(pubBytes)
		if err != nil {
			return nil, fmt.Errorf("identity: invalid public key: %w", err)
		}
		if !bytesEqual(pub, kp.PublicKey[:]) {
			return nil, fmt.Errorf("identity: public key file does not match private key")
		}
	}
	return kp, nil
}

func writeKeyFiles(privPath, pubPath string, kp *noisecrypto.KeyPair) error {
	if err := os.WriteFile(privPath, encodeKey(kp.PrivateKey[:]), 0o600); err != nil {
		return err
	}
	if err := os.WriteFile(pubPath, encodeKey(kp.PublicKey[:]), 0o644); err != nil {
		return err
	}
	return nil
}

func encodeKey(k []byte) []byte {
	return []byte(base64.StdEncoding.EncodeToString(k))
}

func decodeKey(b []byte) ([]byte, error) {
	return base64.StdEncoding.DecodeString(strings.TrimSpace(string(b)))
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
