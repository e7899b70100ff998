package store

import (
	"context"
	"sync"

	"sealchat/internal/domain"
)

const (
	colSessions   = "sessions"
	colHandshakes = "handshakes"
)

// Sessions persists conversation key sessions through a KeyValueStore.
type Sessions struct {
	kv domain.KeyValueStore
	mu sync.Mutex
}

// NewSessions returns a Sessions store backed by kv.
func NewSessions(kv domain.KeyValueStore) *Sessions {
	return &Sessions{kv: kv}
}

// SaveSession writes the session record for its ref.
func (s *Sessions) SaveSession(ctx context.Context, session domain.ConversationKeySession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return putJSON(ctx, s.kv, colSessions, session.Ref.StoreKey(), session)
}

// LoadSession retrieves the session stored for ref.
func (s *Sessions) LoadSession(ctx context.Context, ref domain.SessionRef) (domain.ConversationKeySession, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var session domain.ConversationKeySession
	ok, err := getJSON(ctx, s.kv, colSessions, ref.StoreKey(), &session)
	return session, ok, err
}

// DeleteSession removes the session stored for ref.
func (s *Sessions) DeleteSession(ctx context.Context, ref domain.SessionRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kv.Delete(ctx, colSessions, ref.StoreKey())
}

// SaveHandshake records the last handshake header received from peer.
func (s *Sessions) SaveHandshake(ctx context.Context, peer domain.UserID, header domain.X3DHHeader) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return putJSON(ctx, s.kv, colHandshakes, string(peer), header)
}

// LoadHandshake retrieves the last handshake header received from peer.
func (s *Sessions) LoadHandshake(ctx context.Context, peer domain.UserID) (domain.X3DHHeader, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var header domain.X3DHHeader
	ok, err := getJSON(ctx, s.kv, colHandshakes, string(peer), &header)
	return header, ok, err
}

// DeleteHandshake removes the stored handshake header for peer.
func (s *Sessions) DeleteHandshake(ctx context.Context, peer domain.UserID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kv.Delete(ctx, colHandshakes, string(peer))
}

// Compile-time assertion that Sessions implements domain.SessionStore.
var _ domain.SessionStore = (*Sessions)(nil)
