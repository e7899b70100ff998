package verification

import (
	"bytes"
	"context"
	"crypto/sha512"
	"fmt"
	"strings"
	"time"

	"sealchat/internal/domain"
)

const (
	safetyNumberGroups = 12
	safetyNumberChunk  = 5
)

// Service pins peer identity keys and derives safety numbers from them.
//
// The first key seen for a peer is trusted on first use. A later check with
// a different key demotes the peer to key_changed and replaces the pinned
// key; the demotion sticks until the user explicitly re-verifies.
type Service struct {
	ring  domain.KeyRingStore
	known domain.VerificationStore
}

// New constructs a verification service over its stores.
func New(ring domain.KeyRingStore, known domain.VerificationStore) *Service {
	return &Service{ring: ring, known: known}
}

// CheckIdentityKey records key as peer's current identity key and returns
// the resulting trust status.
func (s *Service) CheckIdentityKey(ctx context.Context, peer domain.UserID, key domain.X25519Public) (domain.VerificationStatus, error) {
	now := time.Now().Unix()

	rec, ok, err := s.known.KnownKey(ctx, peer)
	if err != nil {
		return "", err
	}
	if !ok {
		rec = domain.KnownIdentityKey{
			PeerID:      peer,
			IdentityKey: key,
			Status:      domain.VerificationUnverified,
			FirstSeenAt: now,
			LastSeenAt:  now,
		}
		if err := s.known.SaveKnownKey(ctx, rec); err != nil {
			return "", err
		}
		return rec.Status, nil
	}

	if rec.IdentityKey == key {
		rec.LastSeenAt = now
		if err := s.known.SaveKnownKey(ctx, rec); err != nil {
			return "", err
		}
		return rec.Status, nil
	}

	// The peer's key changed: pin the new key, drop any earlier trust.
	rec = domain.KnownIdentityKey{
		PeerID:      peer,
		IdentityKey: key,
		Status:      domain.VerificationKeyChanged,
		FirstSeenAt: now,
		LastSeenAt:  now,
	}
	if err := s.known.SaveKnownKey(ctx, rec); err != nil {
		return "", err
	}
	return rec.Status, nil
}

// SafetyNumber renders the 60-digit comparison string for peer. Both sides
// compute the same string because the two identity keys are ordered by
// their byte value, not by who asks.
func (s *Service) SafetyNumber(ctx context.Context, peer domain.UserID) (string, error) {
	id, ok, err := s.ring.LoadIdentity(ctx)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: no identity key", domain.ErrInitFailed)
	}

	rec, ok, err := s.known.KnownKey(ctx, peer)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("no identity key recorded for peer %s", peer)
	}

	return safetyNumber(id.XPub, rec.IdentityKey), nil
}

// MarkVerified records that the user compared safety numbers with peer.
func (s *Service) MarkVerified(ctx context.Context, peer domain.UserID) error {
	rec, ok, err := s.known.KnownKey(ctx, peer)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("no identity key recorded for peer %s", peer)
	}
	rec.Status = domain.VerificationVerified
	rec.VerifiedAt = time.Now().Unix()
	return s.known.SaveKnownKey(ctx, rec)
}

// MarkUnverified clears the verified mark for peer.
func (s *Service) MarkUnverified(ctx context.Context, peer domain.UserID) error {
	rec, ok, err := s.known.KnownKey(ctx, peer)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("no identity key recorded for peer %s", peer)
	}
	rec.Status = domain.VerificationUnverified
	rec.VerifiedAt = 0
	return s.known.SaveKnownKey(ctx, rec)
}

// Status returns the pinned key record for peer, if any.
func (s *Service) Status(ctx context.Context, peer domain.UserID) (domain.KnownIdentityKey, bool, error) {
	return s.known.KnownKey(ctx, peer)
}

// safetyNumber hashes the ordered key pair and renders twelve groups of
// five decimal digits.
func safetyNumber(a, b domain.X25519Public) string {
	lo, hi := a.Slice(), b.Slice()
	if bytes.Compare(lo, hi) > 0 {
		lo, hi = hi, lo
	}
	digest := sha512.Sum512(append(append([]byte{}, lo...), hi...))

	groups := make([]string, 0, safetyNumberGroups)
	for i := 0; i < safetyNumberGroups; i++ {
		chunk := digest[i*safetyNumberChunk : (i+1)*safetyNumberChunk]
		var v uint64
		for _, c := range chunk {
			v = v<<8 | uint64(c)
		}
		groups = append(groups, fmt.Sprintf("%05d", v%100000))
	}
	return strings.Join(groups, " ")
}

// Compile-time assertion that Service implements domain.VerificationService.
var _ domain.VerificationService = (*Service)(nil)
