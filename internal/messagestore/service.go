package messagestore

import (
	"github.com/rs/zerolog/log"
)

// Service adapts Store to daemon/dispatch.Service, so every chunk delivered
// under the messaging schema is durably stored as it arrives. It holds no
// per-peer state of its own beyond what Store already persists.
type Service struct {
	store *Store
}

// NewService wraps store as a dispatch.Service for the messaging schema.
func NewService(store *Store) *Service {
	return &Service{store: store}
}

// OnActivate is a no-op: nothing needs to happen until a message actually
// arrives.
func (s *Service) OnActivate(peerKey [32]byte, sessionID [32]byte) {}

// OnChunk persists the delivered payload under the sending peer's key.
func (s *Service) OnChunk(peerKey [32]byte, sessionID [32]byte, data []byte) {
	if err := s.store.Put(peerKey, data); err != nil {
		log.Warn().Err(err).Msg("messagestore: put failed")
	}
}

// OnDeactivate is a no-op: messages already written survive past the
// session that delivered them.
func (s *Service) OnDeactivate(peerKey [32]byte, sessionID [32]byte) {}
