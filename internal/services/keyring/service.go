package keyring

import (
	"context"
	"fmt"
	"sync"
	"time"

	"sealchat/internal/crypto"
	"sealchat/internal/domain"
)

const (
	// Pool policy for one-time pre-keys.
	initialOneTimePreKeys = 100
	lowWaterMark          = 20

	// Signed pre-keys older than this are due for rotation.
	signedPreKeyMaxAge = 7 * 24 * time.Hour
)

// Service owns the local key ring: the long-term identity, the rotating
// signed pre-key and the one-time pre-key pool.
//
// High-level flow:
//   - Initialize checks for a structurally complete ring and generates a
//     fresh one when anything essential is missing.
//   - PublicBundle projects stored keys to their public-only form.
//   - Replenish tops the one-time pool back up with fresh ids and garbage
//     collects keys already consumed by handshakes.
//   - RotateSignedPreKey supersedes the current signed pre-key while keeping
//     the old one for in-flight handshakes that still reference it.
type Service struct {
	ring domain.KeyRingStore
	mu   sync.Mutex
}

// New returns a key ring service backed by the given store.
func New(ring domain.KeyRingStore) *Service { return &Service{ring: ring} }

// Initialize is idempotent. An existing, structurally complete ring is
// returned untouched; anything else is replaced by a freshly generated ring.
// A missing ring is not an error: it just means this is a new device.
func (s *Service) Initialize(ctx context.Context) (domain.KeyRingSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	complete, err := s.structurallyComplete(ctx)
	if err != nil {
		return domain.KeyRingSnapshot{}, err
	}
	if complete {
		return s.snapshotLocked(ctx)
	}
	return s.generateFresh(ctx)
}

// structurallyComplete reports whether the stored ring has an identity and a
// resolvable current signed pre-key.
func (s *Service) structurallyComplete(ctx context.Context) (bool, error) {
	id, ok, err := s.ring.LoadIdentity(ctx)
	if err != nil {
		return false, err
	}
	if !ok || id.XPub.IsZero() || id.EdPub.IsZero() {
		return false, nil
	}
	curID, ok, err := s.ring.CurrentSignedPreKeyID(ctx)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	_, found, err := s.ring.SignedPreKey(ctx, curID)
	if err != nil {
		return false, err
	}
	return found, nil
}

func (s *Service) generateFresh(ctx context.Context) (domain.KeyRingSnapshot, error) {
	xPriv, xPub, err := crypto.GenerateX25519()
	if err != nil {
		return domain.KeyRingSnapshot{}, fmt.Errorf("%w: identity: %v", domain.ErrKeyGenerationFailed, err)
	}
	edPriv, edPub, err := crypto.GenerateEd25519()
	if err != nil {
		return domain.KeyRingSnapshot{}, fmt.Errorf("%w: signing key: %v", domain.ErrKeyGenerationFailed, err)
	}

	now := time.Now().Unix()
	id := domain.IdentityKeyPair{
		XPub:      xPub,
		XPriv:     xPriv,
		EdPub:     edPub,
		EdPriv:    edPriv,
		CreatedAt: now,
	}

	spk, err := newSignedPreKey(id, 1, now)
	if err != nil {
		return domain.KeyRingSnapshot{}, err
	}

	opks := make([]domain.OneTimePreKey, 0, initialOneTimePreKeys)
	for i := 1; i <= initialOneTimePreKeys; i++ {
		opk, err := newOneTimePreKey(domain.KeyID(i), now)
		if err != nil {
			return domain.KeyRingSnapshot{}, err
		}
		opks = append(opks, opk)
	}

	snap := domain.KeyRingSnapshot{
		Identity:              id,
		SignedPreKeys:         []domain.SignedPreKey{spk},
		CurrentSignedPreKeyID: spk.ID,
		OneTimePreKeys:        opks,
	}
	if err := s.ring.ReplaceSnapshot(ctx, snap); err != nil {
		return domain.KeyRingSnapshot{}, fmt.Errorf("persist fresh key ring: %w", err)
	}
	return snap, nil
}

// Identity returns the stored identity key pair; ok is false on a new device.
func (s *Service) Identity(ctx context.Context) (domain.IdentityKeyPair, bool, error) {
	return s.ring.LoadIdentity(ctx)
}

// PublicBundle builds the publishable bundle for user from the current
// signed pre-key and the unused one-time pre-keys.
func (s *Service) PublicBundle(ctx context.Context, user domain.UserID) (domain.PublicKeyBundle, error) {
	id, ok, err := s.ring.LoadIdentity(ctx)
	if err != nil {
		return domain.PublicKeyBundle{}, err
	}
	if !ok {
		return domain.PublicKeyBundle{}, fmt.Errorf("%w: no identity key", domain.ErrInitFailed)
	}

	curID, ok, err := s.ring.CurrentSignedPreKeyID(ctx)
	if err != nil {
		return domain.PublicKeyBundle{}, err
	}
	if !ok {
		return domain.PublicKeyBundle{}, fmt.Errorf("%w: no current signed pre-key", domain.ErrInitFailed)
	}
	spk, found, err := s.ring.SignedPreKey(ctx, curID)
	if err != nil {
		return domain.PublicKeyBundle{}, err
	}
	if !found {
		return domain.PublicKeyBundle{}, fmt.Errorf("%w: current signed pre-key %d missing", domain.ErrInitFailed, curID)
	}

	opks, err := s.ring.OneTimePreKeys(ctx)
	if err != nil {
		return domain.PublicKeyBundle{}, err
	}
	publics := make([]domain.OneTimePreKeyPublic, 0, len(opks))
	for _, k := range opks {
		if k.Used {
			continue
		}
		publics = append(publics, domain.OneTimePreKeyPublic{ID: k.ID, Pub: k.Pub})
	}

	return domain.PublicKeyBundle{
		UserID:         user,
		IdentityKey:    id.XPub,
		SigningKey:     id.EdPub,
		SignedPreKey:   spk.Public(),
		OneTimePreKeys: publics,
	}, nil
}

// NeedsReplenishment reports whether the unused one-time pool has fallen
// below the low-water mark.
func (s *Service) NeedsReplenishment(ctx context.Context) (bool, error) {
	opks, err := s.ring.OneTimePreKeys(ctx)
	if err != nil {
		return false, err
	}
	unused := 0
	for _, k := range opks {
		if !k.Used {
			unused++
		}
	}
	return unused < lowWaterMark, nil
}

// Replenish tops the unused pool back up to its full size and garbage
// collects consumed keys. New ids continue above the highest id ever issued,
// used keys included, so an id is never reissued.
func (s *Service) Replenish(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	opks, err := s.ring.OneTimePreKeys(ctx)
	if err != nil {
		return 0, err
	}

	var maxID domain.KeyID
	unused := 0
	for _, k := range opks {
		if k.ID > maxID {
			maxID = k.ID
		}
		if !k.Used {
			unused++
		}
	}

	// Drop consumed keys only after the id horizon is known.
	for _, k := range opks {
		if !k.Used {
			continue
		}
		if err := s.ring.DeleteOneTimePreKey(ctx, k.ID); err != nil {
			return 0, err
		}
	}

	missing := initialOneTimePreKeys - unused
	if missing <= 0 {
		return 0, nil
	}

	now := time.Now().Unix()
	fresh := make([]domain.OneTimePreKey, 0, missing)
	for i := 1; i <= missing; i++ {
		opk, err := newOneTimePreKey(maxID+domain.KeyID(i), now)
		if err != nil {
			return 0, err
		}
		fresh = append(fresh, opk)
	}
	if err := s.ring.SaveOneTimePreKeys(ctx, fresh); err != nil {
		return 0, err
	}
	return len(fresh), nil
}

// NeedsSignedPreKeyRotation reports whether the current signed pre-key has
// reached its maximum age.
func (s *Service) NeedsSignedPreKeyRotation(ctx context.Context) (bool, error) {
	curID, ok, err := s.ring.CurrentSignedPreKeyID(ctx)
	if err != nil {
		return false, err
	}
	if !ok {
		return true, nil
	}
	spk, found, err := s.ring.SignedPreKey(ctx, curID)
	if err != nil {
		return false, err
	}
	if !found {
		return true, nil
	}
	return time.Since(time.Unix(spk.CreatedAt, 0)) >= signedPreKeyMaxAge, nil
}

// RotateSignedPreKey generates and installs a new current signed pre-key.
// The superseded key is retained so handshakes already in flight can still
// resolve it.
func (s *Service) RotateSignedPreKey(ctx context.Context) (domain.SignedPreKeyPublic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok, err := s.ring.LoadIdentity(ctx)
	if err != nil {
		return domain.SignedPreKeyPublic{}, err
	}
	if !ok {
		return domain.SignedPreKeyPublic{}, fmt.Errorf("%w: no identity key", domain.ErrInitFailed)
	}

	existing, err := s.ring.SignedPreKeys(ctx)
	if err != nil {
		return domain.SignedPreKeyPublic{}, err
	}
	var maxID domain.KeyID
	for _, k := range existing {
		if k.ID > maxID {
			maxID = k.ID
		}
	}

	spk, err := newSignedPreKey(id, maxID+1, time.Now().Unix())
	if err != nil {
		return domain.SignedPreKeyPublic{}, err
	}
	if err := s.ring.SaveSignedPreKey(ctx, spk); err != nil {
		return domain.SignedPreKeyPublic{}, err
	}
	if err := s.ring.SetCurrentSignedPreKeyID(ctx, spk.ID); err != nil {
		return domain.SignedPreKeyPublic{}, err
	}
	return spk.Public(), nil
}

// Snapshot assembles the full private key ring, used by backups.
func (s *Service) Snapshot(ctx context.Context) (domain.KeyRingSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked(ctx)
}

func (s *Service) snapshotLocked(ctx context.Context) (domain.KeyRingSnapshot, error) {
	id, ok, err := s.ring.LoadIdentity(ctx)
	if err != nil {
		return domain.KeyRingSnapshot{}, err
	}
	if !ok {
		return domain.KeyRingSnapshot{}, fmt.Errorf("%w: no identity key", domain.ErrInitFailed)
	}
	spks, err := s.ring.SignedPreKeys(ctx)
	if err != nil {
		return domain.KeyRingSnapshot{}, err
	}
	curID, _, err := s.ring.CurrentSignedPreKeyID(ctx)
	if err != nil {
		return domain.KeyRingSnapshot{}, err
	}
	opks, err := s.ring.OneTimePreKeys(ctx)
	if err != nil {
		return domain.KeyRingSnapshot{}, err
	}
	return domain.KeyRingSnapshot{
		Identity:              id,
		SignedPreKeys:         spks,
		CurrentSignedPreKeyID: curID,
		OneTimePreKeys:        opks,
	}, nil
}

// Restore overwrites the local ring with snap, typically from a backup.
func (s *Service) Restore(ctx context.Context, snap domain.KeyRingSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ring.ReplaceSnapshot(ctx, snap)
}

func newSignedPreKey(id domain.IdentityKeyPair, keyID domain.KeyID, now int64) (domain.SignedPreKey, error) {
	priv, pub, err := crypto.GenerateX25519()
	if err != nil {
		return domain.SignedPreKey{}, fmt.Errorf("%w: signed pre-key: %v", domain.ErrKeyGenerationFailed, err)
	}
	return domain.SignedPreKey{
		ID:        keyID,
		Priv:      priv,
		Pub:       pub,
		Signature: crypto.SignEd25519(id.EdPriv, pub.Slice()),
		CreatedAt: now,
	}, nil
}

func newOneTimePreKey(keyID domain.KeyID, now int64) (domain.OneTimePreKey, error) {
	priv, pub, err := crypto.GenerateX25519()
	if err != nil {
		return domain.OneTimePreKey{}, fmt.Errorf("%w: one-time pre-key %d: %v", domain.ErrKeyGenerationFailed, keyID, err)
	}
	return domain.OneTimePreKey{
		ID:        keyID,
		Priv:      priv,
		Pub:       pub,
		CreatedAt: now,
	}, nil
}

// Compile-time assertion that Service implements domain.KeyRingService.
var _ domain.KeyRingService = (*Service)(nil)
