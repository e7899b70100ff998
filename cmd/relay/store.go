package main

import (
	"sync"
	"time"

	"sealchat/internal/domain"
)

// memoryStore holds all relay state. Everything lives in memory and is lost
// on process exit.
type memoryStore struct {
	mu           sync.Mutex
	bundles      map[domain.UserID]domain.PublicKeyBundle
	queues       map[domain.UserID][]domain.Envelope
	keyBackups   map[domain.UserID]domain.KeyBackupBlob
	groupBackups map[string]domain.GroupKeyBackup
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		bundles:      make(map[domain.UserID]domain.PublicKeyBundle),
		queues:       make(map[domain.UserID][]domain.Envelope),
		keyBackups:   make(map[domain.UserID]domain.KeyBackupBlob),
		groupBackups: make(map[string]domain.GroupKeyBackup),
	}
}

func groupBackupKey(user domain.UserID, conv domain.ConversationID) string {
	return string(user) + "|" + string(conv)
}

func (s *memoryStore) putBundle(b domain.PublicKeyBundle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bundles[b.UserID] = b
}

// takeBundle returns the user's bundle with at most one one-time pre-key,
// removing that key from the stored pool so no later fetch can hand out the
// same key twice.
func (s *memoryStore) takeBundle(user domain.UserID) (domain.PublicKeyBundle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bundles[user]
	if !ok {
		return domain.PublicKeyBundle{}, false
	}
	out := b
	out.OneTimePreKeys = nil
	if len(b.OneTimePreKeys) > 0 {
		out.OneTimePreKeys = []domain.OneTimePreKeyPublic{b.OneTimePreKeys[0]}
		b.OneTimePreKeys = b.OneTimePreKeys[1:]
		s.bundles[user] = b
	}
	return out, true
}

func (s *memoryStore) enqueue(env domain.Envelope) domain.Envelope {
	if env.Timestamp == 0 {
		env.Timestamp = time.Now().Unix()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queues[env.To] = append(s.queues[env.To], env)
	return env
}

// peek returns up to limit queued envelopes without removing them. The queue
// shrinks only on ack, so a crashed client sees the same envelopes again.
func (s *memoryStore) peek(user domain.UserID, limit int) []domain.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queues[user]
	if limit <= 0 || limit > len(q) {
		limit = len(q)
	}
	out := make([]domain.Envelope, limit)
	copy(out, q[:limit])
	return out
}

func (s *memoryStore) ack(user domain.UserID, count int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queues[user]
	if count > len(q) {
		count = len(q)
	}
	if count <= 0 {
		return 0
	}
	s.queues[user] = append([]domain.Envelope(nil), q[count:]...)
	return count
}

func (s *memoryStore) putKeyBackup(user domain.UserID, blob domain.KeyBackupBlob) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keyBackups[user] = blob
}

func (s *memoryStore) keyBackup(user domain.UserID) (domain.KeyBackupBlob, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	blob, ok := s.keyBackups[user]
	return blob, ok
}

func (s *memoryStore) putGroupBackup(user domain.UserID, backup domain.GroupKeyBackup) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groupBackups[groupBackupKey(user, backup.ConversationID)] = backup
}

func (s *memoryStore) groupBackup(user domain.UserID, conv domain.ConversationID) (domain.GroupKeyBackup, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	backup, ok := s.groupBackups[groupBackupKey(user, conv)]
	return backup, ok
}
