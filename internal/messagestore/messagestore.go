// Package messagestore durably persists delivered messaging-service
// payloads in BoltDB so they survive a daemon restart and can be read back
// through the control API's /messages/<peer> endpoint.
package messagestore

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/boltdb/bolt"
)

var bucketMessages = []byte("messages")

// Message is one delivered payload, keyed by the peer that sent it and the
// order it arrived in.
type Message struct {
	PeerKey   [32]byte
	Received  time.Time
	Payload   []byte
}

// Store is a BoltDB-backed append log of delivered messages, one bucket
// shared across every peer and keyed peer||received_unix_nanos so List can
// range-scan a single peer's messages in arrival order.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if necessary) the BoltDB file at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("messagestore: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, e := tx.CreateBucketIfNotExists(bucketMessages)
		return e
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database file.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put appends one message for peerKey.
func (s *Store) Put(peerKey [32]byte, payload []byte) error {
	now := time.Now()
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMessages)
		key := messageKey(peerKey, now)
		val := make([]byte, len(payload))
		copy(val, payload)
		return b.Put(key, val)
	})
}

// List returns every message stored for peerKey, oldest first.
func (s *Store) List(peerKey [32]byte) ([]Message, error) {
	var out []Message
	prefix := peerKey[:]
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketMessages).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			payload := make([]byte, len(v))
			copy(payload, v)
			out = append(out, Message{
				PeerKey:  peerKey,
				Received: timeFromKey(k),
				Payload:  payload,
			})
		}
		return nil
	})
	return out, err
}

// messageKey builds a sortable key: peer_key[32] || received_unix_nanos[8],
// so a per-peer prefix scan naturally returns messages oldest-first.
func messageKey(peerKey [32]byte, received time.Time) []byte {
	key := make([]byte, 32+8)
	copy(key[:32], peerKey[:])
	binary.BigEndian.PutUint64(key[32:], uint64(received.UnixNano()))
	return key
}

func timeFromKey(key []byte) time.Time {
	if len(key) < 40 {
		return time.Time{}
	}
	return time.Unix(0, int64(binary.BigEndian.Uint64(key[32:40])))
}

func hasPrefix(key, prefix []byte) bool {
	if len(key) < len(prefix) {
		return false
	}
	for i := range prefix {
		if key[i] != prefix[i] {
			return false
		}
	}
	return true
}

// PeerKeyHex returns a message's peer key in the same lowercase hex form
// the control API and registry use for peer identifiers.
func (m Message) PeerKeyHex() string {
	return hex.EncodeToString(m.PeerKey[:])
}
