// Package apiserver exposes Summit's control surface over plain HTTP/JSON:
// peer listing, node status, trust management, stored message retrieval, and
// outbound sends. It lives in the root module rather than the daemon
// submodule because it is an external collaborator over daemon/core's
// already-exported surface, not part of the wire protocol itself.
package apiserver

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/quantarax/summit/daemon/core"
	"github.com/quantarax/summit/daemon/noisecrypto"
	"github.com/quantarax/summit/daemon/sendworker"
	"github.com/quantarax/summit/daemon/trust"
	"github.com/quantarax/summit/internal/messagestore"
)

// Server wires a running Core and message store to HTTP handlers.
type Server struct {
	core     *core.Core
	messages *messagestore.Store
	version  string
	start    time.Time
}

// New builds a Server. messages may be nil, in which case /messages/ always
// reports an empty list.
func New(c *core.Core, messages *messagestore.Store, version string) *Server {
	return &Server{core: c, messages: messages, version: version, start: time.Now()}
}

// RegisterHTTP installs every control route on mux.
func (s *Server) RegisterHTTP(mux *http.ServeMux) {
	mux.HandleFunc("/peers", s.handlePeers)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/trust/", s.handleTrust)
	mux.HandleFunc("/messages/", s.handleMessages)
	mux.HandleFunc("/send", s.handleSend)
}

type peerJSON struct {
	PublicKey   string   `json:"public_key"`
	Address     string   `json:"address"`
	LastSeenMS  int64    `json:"last_seen_unix_ms"`
	Complete    bool     `json:"complete"`
	Services    []string `json:"services"`
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	peers := s.core.Registry.List()
	out := make([]peerJSON, 0, len(peers))
	for _, p := range peers {
		svcs := make([]string, 0, len(p.Services))
		for hash := range p.Services {
			svcs = append(svcs, hex.EncodeToString(hash[:]))
		}
		out = append(out, peerJSON{
			PublicKey:  hex.EncodeToString(p.PublicKey[:]),
			Address:    p.Addr.String(),
			LastSeenMS: p.LastSeen.UnixMilli(),
			Complete:   p.IsComplete(),
			Services:   svcs,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type statusJSON struct {
	Version       string `json:"version"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	PeerCount     int    `json:"peer_count"`
	SessionCount  int    `json:"session_count"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusJSON{
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.start).Seconds()),
		PeerCount:     s.core.Registry.Count(),
		SessionCount:  len(s.core.Sessions.List()),
	})
}

type trustRequest struct {
	Action string `json:"action"` // "trust", "block", or "unblock"
}

type trustResponse struct {
	PeerKey string `json:"peer_key"`
	Level   string `json:"level"`
}

// handleTrust serves GET/POST /trust/<peer_key_hex>.
func (s *Server) handleTrust(w http.ResponseWriter, r *http.Request) {
	peerKey, err := parsePeerKey(strings.TrimPrefix(r.URL.Path, "/trust/"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid peer key")
		return
	}

	if r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, trustResponse{
			PeerKey: hex.EncodeToString(peerKey[:]),
			Level:   s.core.Trust.LevelOf(peerKey).String(),
		})
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	var req trustRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	switch req.Action {
	case "trust":
		// replayTrusted is the only caller of Trust() here: it both
		// promotes the peer and drains its Untrusted buffer for replay,
		// in one call. Calling Trust() a second time ourselves would
		// drain that buffer first and hand replayTrusted nothing to
		// replay.
		if s.core.Trust.LevelOf(peerKey) == trust.LevelBlocked {
			writeJSONError(w, http.StatusConflict, "peer is blocked; unblock first")
			return
		}
		s.replayTrusted(peerKey)
	case "block":
		s.core.Trust.Block(peerKey)
	case "unblock":
		s.core.Trust.Unblock(peerKey)
	default:
		writeJSONError(w, http.StatusBadRequest, "action must be trust, block, or unblock")
		return
	}

	writeJSON(w, http.StatusOK, trustResponse{
		PeerKey: hex.EncodeToString(peerKey[:]),
		Level:   s.core.Trust.LevelOf(peerKey).String(),
	})
}

// replayTrusted finds any live session for peerKey and asks the receive
// loop to replay what was buffered for it while Untrusted. With no live
// session there is nothing buffered to replay into, but the peer should
// still be promoted so a future session dispatches its chunks immediately.
func (s *Server) replayTrusted(peerKey [32]byte) {
	for _, sess := range s.core.Sessions.List() {
		if sess.PeerKey == peerKey {
			s.core.Recv.OnPeerTrusted(peerKey, sess.ID)
			return
		}
	}
	s.core.Trust.Trust(peerKey)
}

type messageJSON struct {
	ReceivedMS int64  `json:"received_unix_ms"`
	PayloadB64 string `json:"payload_base64"`
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	peerKey, err := parsePeerKey(strings.TrimPrefix(r.URL.Path, "/messages/"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid peer key")
		return
	}
	if s.messages == nil {
		writeJSON(w, http.StatusOK, []messageJSON{})
		return
	}
	msgs, err := s.messages.List(peerKey)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]messageJSON, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, messageJSON{
			ReceivedMS: m.Received.UnixMilli(),
			PayloadB64: base64.StdEncoding.EncodeToString(m.Payload),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type sendRequest struct {
	PeerKey string `json:"peer_key"`
	Schema  string `json:"schema"`
	DataB64 string `json:"data_base64"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	peerKey, err := parsePeerKey(req.PeerKey)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid peer_key")
		return
	}
	data, err := base64.StdEncoding.DecodeString(req.DataB64)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid data_base64")
		return
	}

	schemaID := noisecrypto.SchemaHash(req.Schema)
	target := sendworker.SendTarget{Kind: sendworker.TargetPeer, PeerKey: peerKey}
	if err := s.core.Send.Send(target, schemaID, 0, data, 0); err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func parsePeerKey(hexStr string) ([32]byte, error) {
	var key [32]byte
	raw, err := hex.DecodeString(hexStr)
	if err != nil || len(raw) != 32 {
		if err == nil {
			err = errInvalidPeerKeyLength
		}
		return key, err
	}
	copy(key[:], raw)
	return key, nil
}

var errInvalidPeerKeyLength = &peerKeyError{"peer key must decode to 32 bytes"}

type peerKeyError struct{ msg string }

func (e *peerKeyError) Error() string { return e.msg }

type jsonError struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, jsonError{Error: msg})
}
