package noisecrypto

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// KeyPair is an X25519 keypair. Summit uses X25519 for both long-term peer
// identity and per-handshake ephemeral keys — there is no separate signing
// key type, since the Noise_XX pattern authenticates static keys through the
// handshake transcript rather than through a detached signature.
type KeyPair struct {
	PublicKey  [32]byte
	PrivateKey [32]byte
}

// GenerateKeyPair creates a new random X25519 keypair.
//
// Returns:
//   - KeyPair with PrivateKey drawn from crypto/rand and PublicKey derived
//     from it via the X25519 base point multiplication
//   - error if the system random source fails
func GenerateKeyPair() (*KeyPair, error) {
	var kp KeyPair
	if _, err := rand.Read(kp.PrivateKey[:]); err != nil {
		return nil, fmt.Errorf("noisecrypto: generate private key: %w", err)
	}
	curve25519.ScalarBaseMult(&kp.PublicKey, &kp.PrivateKey)
	return &kp, nil
}

// KeyPairFromPrivate rebuilds a KeyPair from a previously persisted private
// key, recomputing the public key.
func KeyPairFromPrivate(priv [32]byte) *KeyPair {
	var kp KeyPair
	kp.PrivateKey = priv
	curve25519.ScalarBaseMult(&kp.PublicKey, &kp.PrivateKey)
	return &kp
}

// dh performs X25519 scalar multiplication and rejects the all-zero output
// that results from a degenerate (low-order) peer public key.
func dh(ourPrivate, theirPublic *[32]byte) ([32]byte, error) {
	var shared [32]byte
	curve25519.ScalarMult(&shared, ourPrivate, theirPublic)

	var zero [32]byte
	allZero := true
	for i := range shared {
		if shared[i] != zero[i] {
			allZero = false
			break
		}
	}
	if allZero {
		return shared, errors.New("noisecrypto: DH produced all-zero output (invalid peer key)")
	}
	return shared, nil
}
