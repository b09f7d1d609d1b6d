package noisecrypto

import (
	"fmt"
	"sync/atomic"

	"golang.org/x/crypto/chacha20poly1305"
)

// Session is the post-handshake transport cipher for one peer channel: two
// independent ChaCha20-Poly1305 keys, one per direction, so that encrypting a
// chunk to send never shares a key and nonce with decrypting one received.
// Only the send direction keeps a monotonically increasing counter; the
// receive counter is supplied by the caller with each datagram.
type Session struct {
	sendAEAD cipherAEAD
	recvAEAD cipherAEAD

	sendCounter atomic.Uint64
}

type cipherAEAD interface {
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
}

func newSession(sendKey, recvKey [32]byte) *Session {
	sendAEAD, err := chacha20poly1305.New(sendKey[:])
	if err != nil {
		panic("noisecrypto: invalid send key: " + err.Error())
	}
	recvAEAD, err := chacha20poly1305.New(recvKey[:])
	if err != nil {
		panic("noisecrypto: invalid recv key: " + err.Error())
	}
	return &Session{sendAEAD: sendAEAD, recvAEAD: recvAEAD}
}

// Encrypt seals plaintext under the next send nonce, returning the
// ciphertext and the counter value used so the caller can carry it
// alongside the chunk (the receiver needs it to decrypt out of order).
func (s *Session) Encrypt(plaintext []byte) (ciphertext []byte, counter uint64, err error) {
	counter = s.sendCounter.Add(1) - 1
	nonce := nonceFromCounter(counter)
	return s.sendAEAD.Seal(nil, nonce[:], plaintext, nil), counter, nil
}

// Decrypt opens ciphertext sealed under the given counter value. Summit's
// session transport tolerates reordered and lost datagrams, so decryption
// takes an explicit counter rather than assuming strictly increasing
// delivery order.
func (s *Session) Decrypt(ciphertext []byte, counter uint64) ([]byte, error) {
	nonce := nonceFromCounter(counter)
	plaintext, err := s.recvAEAD.Open(nil, nonce[:], ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("noisecrypto: decrypt failed (counter=%d): %w", counter, err)
	}
	return plaintext, nil
}
