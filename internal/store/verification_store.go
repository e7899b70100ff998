package store

import (
	"context"
	"sync"

	"sealchat/internal/domain"
)

const colKnownKeys = "known_keys"

// KnownKeys persists last-seen peer identity keys and their trust state.
type KnownKeys struct {
	kv domain.KeyValueStore
	mu sync.Mutex
}

// NewKnownKeys returns a KnownKeys store backed by kv.
func NewKnownKeys(kv domain.KeyValueStore) *KnownKeys {
	return &KnownKeys{kv: kv}
}

// SaveKnownKey stores or updates the record for its peer.
func (s *KnownKeys) SaveKnownKey(ctx context.Context, rec domain.KnownIdentityKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return putJSON(ctx, s.kv, colKnownKeys, string(rec.PeerID), rec)
}

// KnownKey retrieves the record for peer.
func (s *KnownKeys) KnownKey(ctx context.Context, peer domain.UserID) (domain.KnownIdentityKey, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rec domain.KnownIdentityKey
	ok, err := getJSON(ctx, s.kv, colKnownKeys, string(peer), &rec)
	return rec, ok, err
}

// Compile-time assertion that KnownKeys implements domain.VerificationStore.
var _ domain.VerificationStore = (*KnownKeys)(nil)
