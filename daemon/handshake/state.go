// Package handshake drives the dual-nonce Noise_XX handshake state machine
// keyed by peer link-local address. A session id is not known until the
// handshake completes, so pending handshakes are tracked by address instead.
package handshake

import "errors"

// State is a handshake's position in its state machine. Initiator and
// responder follow distinct but symmetric paths:
//
//	initiator: Idle -> AwaitingResponse -> AwaitingChunkPort -> Live
//	responder: Idle -> AwaitingComplete -> AwaitingChunkPort -> Live
type State int

const (
	StateIdle State = iota
	StateAwaitingResponse
	StateAwaitingComplete
	StateAwaitingChunkPort
	StateLive
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateAwaitingResponse:
		return "AWAITING_RESPONSE"
	case StateAwaitingComplete:
		return "AWAITING_COMPLETE"
	case StateAwaitingChunkPort:
		return "AWAITING_CHUNK_PORT"
	case StateLive:
		return "LIVE"
	default:
		return "UNKNOWN"
	}
}

// ErrInvalidTransition is returned when a handshake message arrives that
// doesn't fit the pending handshake's current state (a duplicate, a
// reordered retransmit, or a message for a stage already passed).
var ErrInvalidTransition = errors.New("handshake: invalid state transition")

var validTransitions = map[State][]State{
	StateIdle:              {StateAwaitingResponse, StateAwaitingComplete},
	StateAwaitingResponse:  {StateAwaitingChunkPort},
	StateAwaitingComplete:  {StateAwaitingChunkPort},
	StateAwaitingChunkPort: {StateLive},
	StateLive:              {},
}

func transitionAllowed(from, to State) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
