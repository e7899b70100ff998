package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"sealchat/internal/domain"
)

const (
	colIdentity       = "identity"
	colSignedPreKeys  = "signed_pre_keys"
	colOneTimePreKeys = "one_time_pre_keys"
	colKeyRingMeta    = "keyring_meta"

	identityKey     = "identity"
	currentSPKIDKey = "current_signed_pre_key_id"
)

// KeyRing persists identity and pre-key material through a KeyValueStore.
type KeyRing struct {
	kv domain.KeyValueStore
	mu sync.Mutex
}

// NewKeyRing returns a KeyRing backed by kv.
func NewKeyRing(kv domain.KeyValueStore) *KeyRing {
	return &KeyRing{kv: kv}
}

// SaveIdentity stores the identity key pair.
func (s *KeyRing) SaveIdentity(ctx context.Context, id domain.IdentityKeyPair) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return putJSON(ctx, s.kv, colIdentity, identityKey, id)
}

// LoadIdentity retrieves the identity key pair; ok reports whether one exists.
func (s *KeyRing) LoadIdentity(ctx context.Context) (domain.IdentityKeyPair, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var id domain.IdentityKeyPair
	ok, err := getJSON(ctx, s.kv, colIdentity, identityKey, &id)
	return id, ok, err
}

// SaveSignedPreKey stores a signed pre-key by id.
func (s *KeyRing) SaveSignedPreKey(ctx context.Context, k domain.SignedPreKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return putJSON(ctx, s.kv, colSignedPreKeys, keyIDString(k.ID), k)
}

// SignedPreKey retrieves a signed pre-key by id.
func (s *KeyRing) SignedPreKey(ctx context.Context, id domain.KeyID) (domain.SignedPreKey, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var k domain.SignedPreKey
	ok, err := getJSON(ctx, s.kv, colSignedPreKeys, keyIDString(id), &k)
	return k, ok, err
}

// SignedPreKeys returns every stored signed pre-key, ordered by id.
func (s *KeyRing) SignedPreKeys(ctx context.Context) ([]domain.SignedPreKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.kv.GetAll(ctx, colSignedPreKeys)
	if err != nil {
		return nil, err
	}
	out := make([]domain.SignedPreKey, 0, len(records))
	for key, raw := range records {
		var k domain.SignedPreKey
		if err := json.Unmarshal(raw, &k); err != nil {
			return nil, fmt.Errorf("decode signed pre-key %s: %w", key, err)
		}
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SetCurrentSignedPreKeyID records which signed pre-key id is current.
func (s *KeyRing) SetCurrentSignedPreKeyID(ctx context.Context, id domain.KeyID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return putJSON(ctx, s.kv, colKeyRingMeta, currentSPKIDKey, id)
}

// CurrentSignedPreKeyID returns the recorded current signed pre-key id.
func (s *KeyRing) CurrentSignedPreKeyID(ctx context.Context) (domain.KeyID, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var id domain.KeyID
	ok, err := getJSON(ctx, s.kv, colKeyRingMeta, currentSPKIDKey, &id)
	return id, ok, err
}

// SaveOneTimePreKeys merges the provided one-time pre-keys into the store.
func (s *KeyRing) SaveOneTimePreKeys(ctx context.Context, keys []domain.OneTimePreKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, k := range keys {
		if err := putJSON(ctx, s.kv, colOneTimePreKeys, keyIDString(k.ID), k); err != nil {
			return err
		}
	}
	return nil
}

// OneTimePreKeys returns every stored one-time pre-key, used ones included,
// ordered by id.
func (s *KeyRing) OneTimePreKeys(ctx context.Context) ([]domain.OneTimePreKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.oneTimePreKeysLocked(ctx)
}

func (s *KeyRing) oneTimePreKeysLocked(ctx context.Context) ([]domain.OneTimePreKey, error) {
	records, err := s.kv.GetAll(ctx, colOneTimePreKeys)
	if err != nil {
		return nil, err
	}
	out := make([]domain.OneTimePreKey, 0, len(records))
	for key, raw := range records {
		var k domain.OneTimePreKey
		if err := json.Unmarshal(raw, &k); err != nil {
			return nil, fmt.Errorf("decode one-time pre-key %s: %w", key, err)
		}
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ConsumeOneTimePreKey marks the key used and returns it. The lookup and the
// mark share one critical section so a key can never be consumed twice.
func (s *KeyRing) ConsumeOneTimePreKey(ctx context.Context, id domain.KeyID) (domain.OneTimePreKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var k domain.OneTimePreKey
	ok, err := getJSON(ctx, s.kv, colOneTimePreKeys, keyIDString(id), &k)
	if err != nil {
		return domain.OneTimePreKey{}, err
	}
	if !ok {
		return domain.OneTimePreKey{}, domain.ErrOneTimePreKeyNotFound
	}
	if k.Used {
		return domain.OneTimePreKey{}, domain.ErrOneTimePreKeyConsumed
	}
	k.Used = true
	if err := putJSON(ctx, s.kv, colOneTimePreKeys, keyIDString(id), k); err != nil {
		return domain.OneTimePreKey{}, err
	}
	return k, nil
}

// DeleteOneTimePreKey removes a one-time pre-key by id.
func (s *KeyRing) DeleteOneTimePreKey(ctx context.Context, id domain.KeyID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kv.Delete(ctx, colOneTimePreKeys, keyIDString(id))
}

// ReplaceSnapshot overwrites the whole key ring with snap. Existing records
// not present in the snapshot are removed.
func (s *KeyRing) ReplaceSnapshot(ctx context.Context, snap domain.KeyRingSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, col := range []string{colIdentity, colSignedPreKeys, colOneTimePreKeys, colKeyRingMeta} {
		records, err := s.kv.GetAll(ctx, col)
		if err != nil {
			return err
		}
		for key := range records {
			if err := s.kv.Delete(ctx, col, key); err != nil {
				return err
			}
		}
	}

	if err := putJSON(ctx, s.kv, colIdentity, identityKey, snap.Identity); err != nil {
		return err
	}
	for _, k := range snap.SignedPreKeys {
		if err := putJSON(ctx, s.kv, colSignedPreKeys, keyIDString(k.ID), k); err != nil {
			return err
		}
	}
	for _, k := range snap.OneTimePreKeys {
		if err := putJSON(ctx, s.kv, colOneTimePreKeys, keyIDString(k.ID), k); err != nil {
			return err
		}
	}
	return putJSON(ctx, s.kv, colKeyRingMeta, currentSPKIDKey, snap.CurrentSignedPreKeyID)
}

func keyIDString(id domain.KeyID) string {
	return strconv.FormatUint(uint64(id), 10)
}

// getJSON reads collection/key into out; ok reports whether it existed.
func getJSON(ctx context.Context, kv domain.KeyValueStore, collection, key string, out any) (bool, error) {
	raw, ok, err := kv.Get(ctx, collection, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("decode %s/%s: %w", collection, key, err)
	}
	return true, nil
}

// putJSON marshals v and stores it under collection/key.
func putJSON(ctx context.Context, kv domain.KeyValueStore, collection, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", collection, key, err)
	}
	return kv.Put(ctx, collection, key, raw)
}

// Compile-time assertion that KeyRing implements domain.KeyRingStore.
var _ domain.KeyRingStore = (*KeyRing)(nil)
