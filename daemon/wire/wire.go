// Package wire implements Summit's fixed-layout byte encodings: the chunk
// header, the capability announcement, and the three Noise_XX handshake
// messages. Every struct here has an exact, explicit little-endian layout —
// there is no reflection-based marshalling, because the layouts are dictated
// byte-for-byte by the protocol rather than by any Go type's natural shape.
package wire

import (
	"encoding/binary"
	"errors"
)

const (
	// ChunkHeaderSize is the fixed wire size of ChunkHeader.
	ChunkHeaderSize = 72
	// AnnouncementSize is the fixed wire size of CapabilityAnnouncement.
	AnnouncementSize = 76
	// HandshakeInitSize is the fixed wire size of HandshakeInit.
	HandshakeInitSize = 80
	// HandshakeResponseSize is the fixed wire size of HandshakeResponse.
	HandshakeResponseSize = 112
	// HandshakeCompleteSize is the fixed wire size of HandshakeComplete.
	HandshakeCompleteSize = 64

	// MaxPayload is the largest chunk payload this protocol ever frames.
	MaxPayload = 65535

	// ProtocolVersion is the only version this implementation emits.
	ProtocolVersion = 1
)

// ErrShortBuffer is returned when decoding a buffer smaller than the fixed
// wire size for the message being parsed.
var ErrShortBuffer = errors.New("wire: buffer too short")

// Type tags carried in ChunkHeader.TypeTag.
const (
	TypeTagData     uint16 = 2
	TypeTagMetadata uint16 = 3
	TypeTagNACK     uint16 = 4
	TypeTagGone     uint16 = 5
	TypeTagCapacity uint16 = 6
	TypeTagParity   uint16 = 7
)

// Flag bits carried in ChunkHeader.Flags.
const (
	// FlagRealtimePriority marks a chunk as Realtime priority regardless of
	// the sending session's own negotiated contract. A Realtime-priority
	// chunk bypasses the per-session token bucket entirely — set on NACKs
	// and on the GONE replies to them so recovery traffic is never metered
	// behind the loss it exists to recover from. TypeTagCapacity is defined, but no capacity
	// advertisement is ever sent.
	FlagRealtimePriority uint8 = 1 << 0
)

// ChunkHeader is the 72-byte header prefixing every chunk payload on the
// wire: content_hash[32] || schema_id[32] || type_tag:u16 || length:u32 ||
// flags:u8 || version:u8.
type ChunkHeader struct {
	ContentHash [32]byte
	SchemaID    [32]byte
	TypeTag     uint16
	Length      uint32
	Flags       uint8
	Version     uint8
}

// Encode writes h in its fixed 72-byte little-endian layout.
func (h *ChunkHeader) Encode() []byte {
	buf := make([]byte, ChunkHeaderSize)
	off := 0
	copy(buf[off:off+32], h.ContentHash[:])
	off += 32
	copy(buf[off:off+32], h.SchemaID[:])
	off += 32
	binary.LittleEndian.PutUint16(buf[off:off+2], h.TypeTag)
	off += 2
	binary.LittleEndian.PutUint32(buf[off:off+4], h.Length)
	off += 4
	buf[off] = h.Flags
	off++
	buf[off] = h.Version
	return buf
}

// DecodeChunkHeader parses a 72-byte ChunkHeader from buf.
func DecodeChunkHeader(buf []byte) (*ChunkHeader, error) {
	if len(buf) < ChunkHeaderSize {
		return nil, ErrShortBuffer
	}
	h := &ChunkHeader{}
	off := 0
	copy(h.ContentHash[:], buf[off:off+32])
	off += 32
	copy(h.SchemaID[:], buf[off:off+32])
	off += 32
	h.TypeTag = binary.LittleEndian.Uint16(buf[off : off+2])
	off += 2
	h.Length = binary.LittleEndian.Uint32(buf[off : off+4])
	off += 4
	h.Flags = buf[off]
	off++
	h.Version = buf[off]
	return h, nil
}

// CapabilityAnnouncement is the 76-byte multicast datagram advertising one
// service offered by a peer.
type CapabilityAnnouncement struct {
	ServiceHash   [32]byte
	PublicKey     [32]byte
	Version       uint32
	SessionPort   uint16
	ChunkPort     uint16
	Contract      uint8
	Flags         uint8
	ServiceCount  uint8
	ServiceIndex  uint8
}

// Encode writes a in its fixed 76-byte little-endian layout.
func (a *CapabilityAnnouncement) Encode() []byte {
	buf := make([]byte, AnnouncementSize)
	off := 0
	copy(buf[off:off+32], a.ServiceHash[:])
	off += 32
	copy(buf[off:off+32], a.PublicKey[:])
	off += 32
	binary.LittleEndian.PutUint32(buf[off:off+4], a.Version)
	off += 4
	binary.LittleEndian.PutUint16(buf[off:off+2], a.SessionPort)
	off += 2
	binary.LittleEndian.PutUint16(buf[off:off+2], a.ChunkPort)
	off += 2
	buf[off] = a.Contract
	off++
	buf[off] = a.Flags
	off++
	buf[off] = a.ServiceCount
	off++
	buf[off] = a.ServiceIndex
	return buf
}

// DecodeCapabilityAnnouncement parses a 76-byte CapabilityAnnouncement.
func DecodeCapabilityAnnouncement(buf []byte) (*CapabilityAnnouncement, error) {
	if len(buf) < AnnouncementSize {
		return nil, ErrShortBuffer
	}
	a := &CapabilityAnnouncement{}
	off := 0
	copy(a.ServiceHash[:], buf[off:off+32])
	off += 32
	copy(a.PublicKey[:], buf[off:off+32])
	off += 32
	a.Version = binary.LittleEndian.Uint32(buf[off : off+4])
	off += 4
	a.SessionPort = binary.LittleEndian.Uint16(buf[off : off+2])
	off += 2
	a.ChunkPort = binary.LittleEndian.Uint16(buf[off : off+2])
	off += 2
	a.Contract = buf[off]
	off++
	a.Flags = buf[off]
	off++
	a.ServiceCount = buf[off]
	off++
	a.ServiceIndex = buf[off]
	return a, nil
}

// HandshakeInit is Noise_XX message 1: nonce[16] || service_hash[32] ||
// noise_msg[32].
type HandshakeInit struct {
	Nonce       [16]byte
	ServiceHash [32]byte
	NoiseMsg    [32]byte
}

// Encode writes m in its fixed 80-byte little-endian layout.
func (m *HandshakeInit) Encode() []byte {
	buf := make([]byte, HandshakeInitSize)
	off := 0
	copy(buf[off:off+16], m.Nonce[:])
	off += 16
	copy(buf[off:off+32], m.ServiceHash[:])
	off += 32
	copy(buf[off:off+32], m.NoiseMsg[:])
	return buf
}

// DecodeHandshakeInit parses an 80-byte HandshakeInit.
func DecodeHandshakeInit(buf []byte) (*HandshakeInit, error) {
	if len(buf) < HandshakeInitSize {
		return nil, ErrShortBuffer
	}
	m := &HandshakeInit{}
	off := 0
	copy(m.Nonce[:], buf[off:off+16])
	off += 16
	copy(m.ServiceHash[:], buf[off:off+32])
	off += 32
	copy(m.NoiseMsg[:], buf[off:off+32])
	return m, nil
}

// HandshakeResponse is Noise_XX message 2: nonce[16] || noise_msg[96].
type HandshakeResponse struct {
	Nonce    [16]byte
	NoiseMsg [96]byte
}

// Encode writes m in its fixed 112-byte little-endian layout.
func (m *HandshakeResponse) Encode() []byte {
	buf := make([]byte, HandshakeResponseSize)
	copy(buf[0:16], m.Nonce[:])
	copy(buf[16:112], m.NoiseMsg[:])
	return buf
}

// DecodeHandshakeResponse parses a 112-byte HandshakeResponse.
func DecodeHandshakeResponse(buf []byte) (*HandshakeResponse, error) {
	if len(buf) < HandshakeResponseSize {
		return nil, ErrShortBuffer
	}
	m := &HandshakeResponse{}
	copy(m.Nonce[:], buf[0:16])
	copy(m.NoiseMsg[:], buf[16:112])
	return m, nil
}

// HandshakeComplete is Noise_XX message 3: noise_msg[64].
type HandshakeComplete struct {
	NoiseMsg [64]byte
}

// Encode writes m in its fixed 64-byte layout.
func (m *HandshakeComplete) Encode() []byte {
	buf := make([]byte, HandshakeCompleteSize)
	copy(buf, m.NoiseMsg[:])
	return buf
}

// DecodeHandshakeComplete parses a 64-byte HandshakeComplete.
func DecodeHandshakeComplete(buf []byte) (*HandshakeComplete, error) {
	if len(buf) < HandshakeCompleteSize {
		return nil, ErrShortBuffer
	}
	m := &HandshakeComplete{}
	copy(m.NoiseMsg[:], buf[0:64])
	return m, nil
}
