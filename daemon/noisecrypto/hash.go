package noisecrypto

import "github.com/zeebo/blake3"

// ContentHash computes the BLAKE3-256 content hash used to address a chunk
// in the cache and to identify it on the wire.
func ContentHash(data []byte) [32]byte {
	return blake3.Sum256(data)
}

// SessionID derives the session identifier from the two handshake nonces
// carried in HandshakeInit and HandshakeResponse, per
// session_id = BLAKE3(initiator_nonce || responder_nonce). Computing it from
// both nonces means neither peer can predict the session id before the
// handshake round-trip completes.
func SessionID(initiatorNonce, responderNonce [16]byte) [32]byte {
	var buf [32]byte
	copy(buf[0:16], initiatorNonce[:])
	copy(buf[16:32], responderNonce[:])
	return blake3.Sum256(buf[:])
}

// SchemaHash computes the 32-byte schema identifier for a named service, so
// that service discovery and dispatch can route on a fixed-size hash instead
// of a variable-length string.
func SchemaHash(serviceName string) [32]byte {
	return blake3.Sum256([]byte(serviceName))
}
