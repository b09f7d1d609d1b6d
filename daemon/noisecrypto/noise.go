package noisecrypto

import (
	"errors"
	"fmt"
	"hash"
	"io"

	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// protocolName is the Noise protocol name mixed into the initial hash, per
// the Noise specification's requirement that the handshake hash commit to
// the exact algorithm choices in use.
const protocolName = "Noise_XX_25519_ChaChaPoly_BLAKE2s"

var errHandshakeOrder = errors.New("noisecrypto: handshake message received out of order")

// symmetricState tracks the running chaining key and transcript hash shared
// by both Noise_XX handshake messages, following the Noise spec's
// MixHash/MixKey/EncryptAndHash/DecryptAndHash operations.
type symmetricState struct {
	ck  [32]byte // chaining key
	h   [32]byte // transcript hash
	key [32]byte
	n   uint64
	keyed bool
}

func newSymmetricState() *symmetricState {
	s := &symmetricState{}
	h := blake2s.Sum256([]byte(protocolName))
	s.h = h
	s.ck = h
	return s
}

func (s *symmetricState) mixHash(data []byte) {
	hasher, _ := blake2s.New256(nil)
	hasher.Write(s.h[:])
	hasher.Write(data)
	hasher.Sum(s.h[:0])
}

func blake2sFactory() hash.Hash {
	h, _ := blake2s.New256(nil)
	return h
}

func (s *symmetricState) mixKey(ikm []byte) {
	r := hkdf.New(blake2sFactory, ikm, s.ck[:], nil)
	var out [64]byte
	if _, err := io.ReadFull(r, out[:]); err != nil {
		panic("noisecrypto: hkdf read failed: " + err.Error())
	}
	copy(s.ck[:], out[0:32])
	copy(s.key[:], out[32:64])
	s.n = 0
	s.keyed = true
}

func (s *symmetricState) encryptAndHash(plaintext []byte) ([]byte, error) {
	if !s.keyed {
		s.mixHash(plaintext)
		return append([]byte(nil), plaintext...), nil
	}
	aead, err := chacha20poly1305.New(s.key[:])
	if err != nil {
		return nil, fmt.Errorf("noisecrypto: init AEAD: %w", err)
	}
	nonce := nonceFromCounter(s.n)
	ciphertext := aead.Seal(nil, nonce[:], plaintext, nil)
	s.n++
	s.mixHash(ciphertext)
	return ciphertext, nil
}

func (s *symmetricState) decryptAndHash(ciphertext []byte) ([]byte, error) {
	if !s.keyed {
		s.mixHash(ciphertext)
		return append([]byte(nil), ciphertext...), nil
	}
	aead, err := chacha20poly1305.New(s.key[:])
	if err != nil {
		return nil, fmt.Errorf("noisecrypto: init AEAD: %w", err)
	}
	nonce := nonceFromCounter(s.n)
	plaintext, err := aead.Open(nil, nonce[:], ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("noisecrypto: decrypt: %w", err)
	}
	s.n++
	s.mixHash(ciphertext)
	return plaintext, nil
}

// split derives the two independent transport directions from the final
// chaining key: one keystream for data we send, one for data we receive.
func (s *symmetricState) split() (sendKey, recvKey [32]byte) {
	r := hkdf.New(blake2sFactory, nil, s.ck[:], nil)
	var out [64]byte
	if _, err := io.ReadFull(r, out[:]); err != nil {
		panic("noisecrypto: hkdf read failed: " + err.Error())
	}
	copy(sendKey[:], out[0:32])
	copy(recvKey[:], out[32:64])
	return
}

func nonceFromCounter(n uint64) [12]byte {
	var nonce [12]byte
	nonce[4] = byte(n)
	nonce[5] = byte(n >> 8)
	nonce[6] = byte(n >> 16)
	nonce[7] = byte(n >> 24)
	nonce[8] = byte(n >> 32)
	nonce[9] = byte(n >> 40)
	nonce[10] = byte(n >> 48)
	nonce[11] = byte(n >> 56)
	return nonce
}

// Stage marks a handshake's progress through the three Noise_XX messages.
type Stage int

const (
	StageInitial Stage = iota
	StageSentMsg1
	StageReceivedMsg1
	StageSentMsg2
	StageReceivedMsg2
	StageComplete
)

// Handshake drives one side of a Noise_XX handshake. A Handshake is single
// use: once it reaches StageComplete, callers pull the transport keys via
// Transport and discard the Handshake.
type Handshake struct {
	ss        *symmetricState
	initiator bool
	stage     Stage

	static    *KeyPair
	ephemeral *KeyPair

	remoteStatic    [32]byte
	remoteEphemeral [32]byte
}

// NewInitiatorHandshake starts a handshake as the initiating side.
func NewInitiatorHandshake(static *KeyPair) (*Handshake, error) {
	eph, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	return &Handshake{
		ss:        newSymmetricState(),
		initiator: true,
		static:    static,
		ephemeral: eph,
	}, nil
}

// NewResponderHandshake starts a handshake as the responding side.
func NewResponderHandshake(static *KeyPair) *Handshake {
	return &Handshake{
		ss:        newSymmetricState(),
		initiator: false,
		static:    static,
	}
}

// WriteMessage1 produces the initiator's "-> e" message: the raw ephemeral
// public key, mixed into the transcript but not encrypted (there is no key
// yet to encrypt it with).
func (h *Handshake) WriteMessage1() ([32]byte, error) {
	if !h.initiator || h.stage != StageInitial {
		return [32]byte{}, errHandshakeOrder
	}
	h.ss.mixHash(h.ephemeral.PublicKey[:])
	h.stage = StageSentMsg1
	return h.ephemeral.PublicKey, nil
}

// ReadMessage1 consumes the initiator's ephemeral key on the responder side.
func (h *Handshake) ReadMessage1(remoteEphemeral [32]byte) error {
	if h.initiator || h.stage != StageInitial {
		return errHandshakeOrder
	}
	eph, err := GenerateKeyPair()
	if err != nil {
		return err
	}
	h.ephemeral = eph
	h.remoteEphemeral = remoteEphemeral
	h.ss.mixHash(remoteEphemeral[:])
	h.stage = StageReceivedMsg1
	return nil
}

// WriteMessage2 produces the responder's "<- e, ee, s, es" message: a fresh
// ephemeral key, the ee Diffie-Hellman, the responder's encrypted static
// key, and the es Diffie-Hellman — 32 + 48 + 16 bytes, matching
// wire.HandshakeResponseSize's 96-byte NoiseMsg field.
func (h *Handshake) WriteMessage2() ([96]byte, error) {
	if h.initiator || h.stage != StageReceivedMsg1 {
		return [96]byte{}, errHandshakeOrder
	}
	h.ss.mixHash(h.ephemeral.PublicKey[:])

	ee, err := dh(&h.ephemeral.PrivateKey, &h.remoteEphemeral)
	if err != nil {
		return [96]byte{}, err
	}
	h.ss.mixKey(ee[:])

	encStatic, err := h.ss.encryptAndHash(h.static.PublicKey[:])
	if err != nil {
		return [96]byte{}, err
	}

	es, err := dh(&h.static.PrivateKey, &h.remoteEphemeral)
	if err != nil {
		return [96]byte{}, err
	}
	h.ss.mixKey(es[:])

	payload, err := h.ss.encryptAndHash(nil)
	if err != nil {
		return [96]byte{}, err
	}

	var out [96]byte
	off := 0
	copy(out[off:off+32], h.ephemeral.PublicKey[:])
	off += 32
	copy(out[off:off+48], encStatic)
	off += 48
	copy(out[off:off+16], payload)

	h.stage = StageSentMsg2
	return out, nil
}

// ReadMessage2 consumes the responder's message on the initiator side and
// authenticates the responder's static key.
func (h *Handshake) ReadMessage2(msg [96]byte) error {
	if !h.initiator || h.stage != StageSentMsg1 {
		return errHandshakeOrder
	}
	var remoteEphemeral [32]byte
	copy(remoteEphemeral[:], msg[0:32])
	h.remoteEphemeral = remoteEphemeral
	h.ss.mixHash(remoteEphemeral[:])

	ee, err := dh(&h.ephemeral.PrivateKey, &remoteEphemeral)
	if err != nil {
		return err
	}
	h.ss.mixKey(ee[:])

	remoteStatic, err := h.ss.decryptAndHash(msg[32:80])
	if err != nil {
		return fmt.Errorf("noisecrypto: message 2 static key: %w", err)
	}
	copy(h.remoteStatic[:], remoteStatic)

	es, err := dh(&h.ephemeral.PrivateKey, &h.remoteStatic)
	if err != nil {
		return err
	}
	h.ss.mixKey(es[:])

	if _, err := h.ss.decryptAndHash(msg[80:96]); err != nil {
		return fmt.Errorf("noisecrypto: message 2 payload: %w", err)
	}

	h.stage = StageReceivedMsg2
	return nil
}

// WriteMessage3 produces the initiator's final "-> s, se" message: the
// initiator's encrypted static key and the se Diffie-Hellman — 48 + 16
// bytes, matching wire.HandshakeCompleteSize's 64-byte NoiseMsg field.
func (h *Handshake) WriteMessage3() ([64]byte, error) {
	if !h.initiator || h.stage != StageReceivedMsg2 {
		return [64]byte{}, errHandshakeOrder
	}
	encStatic, err := h.ss.encryptAndHash(h.static.PublicKey[:])
	if err != nil {
		return [64]byte{}, err
	}

	se, err := dh(&h.static.PrivateKey, &h.remoteEphemeral)
	if err != nil {
		return [64]byte{}, err
	}
	h.ss.mixKey(se[:])

	payload, err := h.ss.encryptAndHash(nil)
	if err != nil {
		return [64]byte{}, err
	}

	var out [64]byte
	copy(out[0:48], encStatic)
	copy(out[48:64], payload)

	h.stage = StageComplete
	return out, nil
}

// ReadMessage3 consumes the initiator's final message on the responder side
// and authenticates the initiator's static key, completing the handshake.
func (h *Handshake) ReadMessage3(msg [64]byte) error {
	if h.initiator || h.stage != StageSentMsg2 {
		return errHandshakeOrder
	}
	remoteStatic, err := h.ss.decryptAndHash(msg[0:48])
	if err != nil {
		return fmt.Errorf("noisecrypto: message 3 static key: %w", err)
	}
	copy(h.remoteStatic[:], remoteStatic)

	se, err := dh(&h.ephemeral.PrivateKey, &h.remoteStatic)
	if err != nil {
		return err
	}
	h.ss.mixKey(se[:])

	if _, err := h.ss.decryptAndHash(msg[48:64]); err != nil {
		return fmt.Errorf("noisecrypto: message 3 payload: %w", err)
	}

	h.stage = StageComplete
	return nil
}

// RemoteStaticKey returns the authenticated peer static public key. Only
// valid once the handshake has reached StageComplete (responder) or
// StageReceivedMsg2 (initiator) or later.
func (h *Handshake) RemoteStaticKey() [32]byte {
	return h.remoteStatic
}

// Transport derives the send/recv transport cipher pair for a completed
// handshake. Calling this before StageComplete returns an error.
func (h *Handshake) Transport() (*Session, error) {
	if h.stage != StageComplete {
		return nil, errHandshakeOrder
	}
	sendKey, recvKey := h.ss.split()
	if h.initiator {
		return newSession(sendKey, recvKey), nil
	}
	// The responder's "send" direction is the initiator's "recv" direction
	// and vice versa — split() always returns (initiator-send,
	// initiator-recv) in that fixed order regardless of who calls it.
	return newSession(recvKey, sendKey), nil
}
