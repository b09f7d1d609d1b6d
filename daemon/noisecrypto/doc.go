// Package noisecrypto implements the cryptographic core of Summit's peer
// channel: X25519 identity and ephemeral keys, the three-message Noise_XX
// handshake, and the resulting transport cipher used to encrypt every chunk
// exchanged over an established session.
//
// The handshake follows the Noise_XX pattern verbatim:
//
//	-> e
//	<- e, ee, s, es
//	-> s, se
//
// Both peers authenticate each other's static key without either side
// knowing it in advance, which is what lets two Summit peers discover each
// other over multicast and still end up with a mutually authenticated,
// forward-secret channel.
package noisecrypto
