package store

import (
	"context"
	"sync"

	"sealchat/internal/domain"
)

const colGroups = "groups"

// Groups persists group key sessions through a KeyValueStore.
type Groups struct {
	kv domain.KeyValueStore
	mu sync.Mutex
}

// NewGroups returns a Groups store backed by kv.
func NewGroups(kv domain.KeyValueStore) *Groups {
	return &Groups{kv: kv}
}

// SaveGroupSession writes the group session for its conversation.
func (s *Groups) SaveGroupSession(ctx context.Context, session domain.GroupKeySession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return putJSON(ctx, s.kv, colGroups, string(session.ConversationID), session)
}

// LoadGroupSession retrieves the group session for conv.
func (s *Groups) LoadGroupSession(ctx context.Context, conv domain.ConversationID) (domain.GroupKeySession, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var session domain.GroupKeySession
	ok, err := getJSON(ctx, s.kv, colGroups, string(conv), &session)
	return session, ok, err
}

// DeleteGroupSession removes the group session for conv.
func (s *Groups) DeleteGroupSession(ctx context.Context, conv domain.ConversationID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kv.Delete(ctx, colGroups, string(conv))
}

// Compile-time assertion that Groups implements domain.GroupStore.
var _ domain.GroupStore = (*Groups)(nil)
