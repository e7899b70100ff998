package conversation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"sealchat/internal/crypto"
	"sealchat/internal/domain"
	"sealchat/internal/protocol/x3dh"
	"sealchat/internal/util/memzero"
)

// Domain separation for keys derived from handshake output.
const (
	conversationKeyInfo = "sealchat-conversation-key"
	selfKeyInfo         = "sealchat-self-key"
)

// Service derives and uses the symmetric key of 1:1 and self channels.
//
// High-level flow:
//   - Establish fetches the peer bundle, runs the handshake as initiator and
//     persists the session together with the header the peer needs.
//   - Encrypt seals plaintext under the session key with a fresh nonce,
//     establishing the session first if none exists. The handshake header
//     rides along until the first inbound message proves the peer caught up.
//   - Decrypt materialises the session from an attached header when needed,
//     then opens the ciphertext. An authentication failure deletes the
//     session so the next message triggers a fresh handshake instead of
//     failing forever.
//
// Concurrent establishes and concurrent header deliveries for the same peer
// are collapsed into a single handshake via an in-flight group; completed
// flights re-check the store before redoing work.
type Service struct {
	ring     domain.KeyRingStore
	sessions domain.SessionStore
	relay    domain.RelayClient
	log      *zap.Logger

	flight singleflight.Group

	// bundles holds peer bundles fetched for an establish attempt that has
	// not yet succeeded. Retrying after a storage failure must reuse the
	// fetched bundle: fetching again would make the server hand out a second
	// one-time pre-key and orphan the first.
	mu      sync.Mutex
	bundles map[domain.UserID]domain.PublicKeyBundle
}

// New constructs a conversation service from its stores and relay client.
func New(ring domain.KeyRingStore, sessions domain.SessionStore, relay domain.RelayClient, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		ring:     ring,
		sessions: sessions,
		relay:    relay,
		log:      log,
		bundles:  make(map[domain.UserID]domain.PublicKeyBundle),
	}
}

type establishResult struct {
	session domain.ConversationKeySession
	header  *domain.X3DHHeader
}

// Establish derives a session with peer, running the handshake as initiator
// if none exists yet. The returned header is non-nil only when a new
// handshake ran; it must reach the peer with the first message.
func (s *Service) Establish(ctx context.Context, peer domain.UserID) (domain.ConversationKeySession, *domain.X3DHHeader, error) {
	v, err, _ := s.flight.Do("est/"+string(peer), func() (any, error) {
		if sess, ok, err := s.sessions.LoadSession(ctx, domain.PeerRef(peer)); err != nil {
			return nil, err
		} else if ok {
			return establishResult{session: sess}, nil
		}
		return s.initiate(ctx, peer)
	})
	if err != nil {
		return domain.ConversationKeySession{}, nil, err
	}
	res := v.(establishResult)
	return res.session, res.header, nil
}

func (s *Service) initiate(ctx context.Context, peer domain.UserID) (establishResult, error) {
	id, ok, err := s.ring.LoadIdentity(ctx)
	if err != nil {
		return establishResult{}, err
	}
	if !ok {
		return establishResult{}, fmt.Errorf("%w: no identity key", domain.ErrInitFailed)
	}

	bundle, err := s.peerBundle(ctx, peer)
	if err != nil {
		return establishResult{}, err
	}

	secret, header, err := x3dh.Initiate(id, bundle)
	if err != nil {
		return establishResult{}, err
	}
	key, err := deriveKey(secret, conversationKeyInfo)
	if err != nil {
		return establishResult{}, err
	}

	now := time.Now().Unix()
	sess := domain.ConversationKeySession{
		Ref:              domain.PeerRef(peer),
		ConversationKey:  key,
		PeerIdentityKey:  bundle.IdentityKey,
		PendingHandshake: &header,
		CreatedAt:        now,
		LastUsedAt:       now,
	}
	if err := s.sessions.SaveSession(ctx, sess); err != nil {
		return establishResult{}, err
	}
	s.dropBundle(peer)

	s.log.Debug("session established",
		zap.String("peer", string(peer)),
		zap.Uint32("spk_id", uint32(header.SignedPreKeyID)),
		zap.Bool("opk_used", header.OneTimePreKeyID != nil))
	return establishResult{session: sess, header: &header}, nil
}

// peerBundle returns the cached bundle for peer or fetches a fresh one.
func (s *Service) peerBundle(ctx context.Context, peer domain.UserID) (domain.PublicKeyBundle, error) {
	s.mu.Lock()
	cached, ok := s.bundles[peer]
	s.mu.Unlock()
	if ok {
		return cached, nil
	}

	bundle, err := s.relay.FetchKeyBundle(ctx, peer)
	if err != nil {
		return domain.PublicKeyBundle{}, fmt.Errorf("%w: %v", domain.ErrKeyBundleFetchFailed, err)
	}
	s.mu.Lock()
	s.bundles[peer] = bundle
	s.mu.Unlock()
	return bundle, nil
}

func (s *Service) dropBundle(peer domain.UserID) {
	s.mu.Lock()
	delete(s.bundles, peer)
	s.mu.Unlock()
}

// EnsureSelfSession returns the device's self session, deriving it from the
// identity key on first use. The derivation is deterministic, so every
// device holding the identity key arrives at the same key without any
// handshake.
func (s *Service) EnsureSelfSession(ctx context.Context) (domain.ConversationKeySession, error) {
	v, err, _ := s.flight.Do("self", func() (any, error) {
		if sess, ok, err := s.sessions.LoadSession(ctx, domain.SelfRef()); err != nil {
			return nil, err
		} else if ok {
			return sess, nil
		}

		id, ok, err := s.ring.LoadIdentity(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: no identity key", domain.ErrInitFailed)
		}

		secret, err := crypto.DH(id.XPriv, id.XPub)
		if err != nil {
			return nil, err
		}
		key, err := deriveKey(secret, selfKeyInfo)
		if err != nil {
			return nil, err
		}

		now := time.Now().Unix()
		sess := domain.ConversationKeySession{
			Ref:             domain.SelfRef(),
			ConversationKey: key,
			PeerIdentityKey: id.XPub,
			CreatedAt:       now,
			LastUsedAt:      now,
		}
		if err := s.sessions.SaveSession(ctx, sess); err != nil {
			return nil, err
		}
		return sess, nil
	})
	if err != nil {
		return domain.ConversationKeySession{}, err
	}
	return v.(domain.ConversationKeySession), nil
}

// Encrypt seals plaintext for the session named by ref, establishing it
// first when missing. The returned header must be attached to the envelope
// whenever it is non-nil.
func (s *Service) Encrypt(ctx context.Context, ref domain.SessionRef, plaintext []byte) (domain.EncryptedMessage, *domain.X3DHHeader, error) {
	sess, header, err := s.sessionForEncrypt(ctx, ref)
	if err != nil {
		return domain.EncryptedMessage{}, nil, err
	}

	key, err := sessionKey(sess)
	if err != nil {
		return domain.EncryptedMessage{}, nil, err
	}
	defer memzero.Zero32(&key)

	nonce, ct, err := crypto.Seal(key, plaintext, nil)
	if err != nil {
		return domain.EncryptedMessage{}, nil, fmt.Errorf("%w: %v", domain.ErrEncryptionFailed, err)
	}

	s.touch(ctx, sess)
	return domain.EncryptedMessage{
		Version:    domain.MessageVersionCurrent,
		Ciphertext: ct,
		Nonce:      nonce,
	}, header, nil
}

func (s *Service) sessionForEncrypt(ctx context.Context, ref domain.SessionRef) (domain.ConversationKeySession, *domain.X3DHHeader, error) {
	switch ref.Kind {
	case domain.SessionSelf:
		sess, err := s.EnsureSelfSession(ctx)
		return sess, nil, err
	case domain.SessionPeer:
		sess, ok, err := s.sessions.LoadSession(ctx, ref)
		if err != nil {
			return domain.ConversationKeySession{}, nil, err
		}
		if !ok {
			sess, header, err := s.Establish(ctx, ref.Peer)
			if err != nil {
				return domain.ConversationKeySession{}, nil, err
			}
			return sess, header, nil
		}
		// Keep attaching the handshake until the peer demonstrably has the
		// session; processing it again on their side is a no-op.
		return sess, sess.PendingHandshake, nil
	default:
		return domain.ConversationKeySession{}, nil, fmt.Errorf("%w: unknown session kind %q", domain.ErrInvalidMessageFormat, ref.Kind)
	}
}

// Decrypt opens msg for the session named by ref. A handshake header, when
// present, is processed first (exactly once, however often it is delivered)
// to materialise the session. With no session and no header the stored
// handshake for the peer is replayed before giving up.
func (s *Service) Decrypt(ctx context.Context, ref domain.SessionRef, header *domain.X3DHHeader, msg domain.EncryptedMessage) ([]byte, error) {
	switch msg.Version {
	case domain.MessageVersionCurrent:
	case domain.MessageVersionLegacy:
		return nil, fmt.Errorf("%w: legacy ratchet envelope (v%d)", domain.ErrMessageTooOld, msg.Version)
	default:
		return nil, fmt.Errorf("%w: unknown envelope version %d", domain.ErrInvalidMessageFormat, msg.Version)
	}
	if len(msg.Nonce) != crypto.NonceBytes || len(msg.Ciphertext) == 0 {
		return nil, fmt.Errorf("%w: bad nonce or empty ciphertext", domain.ErrInvalidMessageFormat)
	}

	sess, err := s.sessionForDecrypt(ctx, ref, header)
	if err != nil {
		return nil, err
	}

	key, err := sessionKey(sess)
	if err != nil {
		return nil, err
	}
	defer memzero.Zero32(&key)

	plaintext, err := crypto.Open(key, msg.Nonce, msg.Ciphertext, nil)
	if err != nil {
		// The key cannot open this channel's traffic. Drop the session so
		// the next message re-triggers handshake or recovery instead of
		// failing on every delivery.
		if delErr := s.Reset(ctx, ref); delErr != nil {
			s.log.Warn("session reset after failed decrypt",
				zap.String("ref", ref.StoreKey()), zap.Error(delErr))
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrDecryptionFailed, err)
	}

	// An inbound message that opened proves the peer holds the session, so
	// the attached-handshake marker can go.
	sess.PendingHandshake = nil
	s.touch(ctx, sess)
	return plaintext, nil
}

func (s *Service) sessionForDecrypt(ctx context.Context, ref domain.SessionRef, header *domain.X3DHHeader) (domain.ConversationKeySession, error) {
	if ref.Kind == domain.SessionSelf {
		return s.EnsureSelfSession(ctx)
	}

	if header != nil {
		return s.ensureFromHeader(ctx, ref.Peer, *header)
	}

	sess, ok, err := s.sessions.LoadSession(ctx, ref)
	if err != nil {
		return domain.ConversationKeySession{}, err
	}
	if ok {
		return sess, nil
	}

	// No session and no attached header: replay the stored handshake from
	// this peer if we ever saw one.
	stored, ok, err := s.sessions.LoadHandshake(ctx, ref.Peer)
	if err != nil {
		return domain.ConversationKeySession{}, err
	}
	if !ok {
		return domain.ConversationKeySession{}, fmt.Errorf("%w: peer %s", domain.ErrSessionNotFound, ref.Peer)
	}
	return s.ensureFromHeader(ctx, ref.Peer, stored)
}

// ensureFromHeader runs the responder side of the handshake at most once per
// peer at a time. Duplicate deliveries resolve to the already-stored session.
func (s *Service) ensureFromHeader(ctx context.Context, peer domain.UserID, header domain.X3DHHeader) (domain.ConversationKeySession, error) {
	v, err, _ := s.flight.Do("rx/"+string(peer), func() (any, error) {
		if sess, ok, err := s.sessions.LoadSession(ctx, domain.PeerRef(peer)); err != nil {
			return nil, err
		} else if ok {
			return sess, nil
		}
		return s.respond(ctx, peer, header)
	})
	if err != nil {
		return domain.ConversationKeySession{}, err
	}
	return v.(domain.ConversationKeySession), nil
}

func (s *Service) respond(ctx context.Context, peer domain.UserID, header domain.X3DHHeader) (domain.ConversationKeySession, error) {
	id, ok, err := s.ring.LoadIdentity(ctx)
	if err != nil {
		return domain.ConversationKeySession{}, err
	}
	if !ok {
		return domain.ConversationKeySession{}, fmt.Errorf("%w: no identity key", domain.ErrInitFailed)
	}

	spk, found, err := s.ring.SignedPreKey(ctx, header.SignedPreKeyID)
	if err != nil {
		return domain.ConversationKeySession{}, err
	}
	if !found {
		return domain.ConversationKeySession{}, fmt.Errorf("%w: handshake references unknown signed pre-key %d",
			domain.ErrSessionNotFound, header.SignedPreKeyID)
	}

	var opk *domain.OneTimePreKey
	if header.OneTimePreKeyID != nil {
		k, err := s.ring.ConsumeOneTimePreKey(ctx, *header.OneTimePreKeyID)
		switch {
		case err == nil:
			opk = &k
		case errors.Is(err, domain.ErrOneTimePreKeyConsumed):
			// The key was burned before. If it was burned by this very
			// header we are re-deriving a deleted session, which is fine;
			// any other sender holding this id has irrecoverably diverged.
			replayed, err := s.replayedOneTimePreKey(ctx, peer, header)
			if err != nil {
				return domain.ConversationKeySession{}, err
			}
			opk = replayed
		default:
			return domain.ConversationKeySession{}, err
		}
	}

	secret, err := x3dh.Respond(id, spk, opk, header)
	if err != nil {
		return domain.ConversationKeySession{}, err
	}
	key, err := deriveKey(secret, conversationKeyInfo)
	if err != nil {
		return domain.ConversationKeySession{}, err
	}

	now := time.Now().Unix()
	sess := domain.ConversationKeySession{
		Ref:             domain.PeerRef(peer),
		ConversationKey: key,
		PeerIdentityKey: header.IdentityKey,
		CreatedAt:       now,
		LastUsedAt:      now,
	}
	if err := s.sessions.SaveSession(ctx, sess); err != nil {
		return domain.ConversationKeySession{}, err
	}
	if err := s.sessions.SaveHandshake(ctx, peer, header); err != nil {
		return domain.ConversationKeySession{}, err
	}

	s.log.Debug("session derived from handshake",
		zap.String("peer", string(peer)),
		zap.Bool("opk_used", opk != nil))
	return sess, nil
}

// replayedOneTimePreKey resolves the private half of an already-consumed
// one-time pre-key, but only when header matches the stored handshake that
// consumed it.
func (s *Service) replayedOneTimePreKey(ctx context.Context, peer domain.UserID, header domain.X3DHHeader) (*domain.OneTimePreKey, error) {
	stored, ok, err := s.sessions.LoadHandshake(ctx, peer)
	if err != nil {
		return nil, err
	}
	if !ok || !stored.Equal(header) {
		return nil, fmt.Errorf("one-time pre-key %d: %w", *header.OneTimePreKeyID, domain.ErrOneTimePreKeyConsumed)
	}
	keys, err := s.ring.OneTimePreKeys(ctx)
	if err != nil {
		return nil, err
	}
	for i := range keys {
		if keys[i].ID == *header.OneTimePreKeyID {
			return &keys[i], nil
		}
	}
	// Consumed and since garbage collected; the session cannot come back.
	return nil, fmt.Errorf("one-time pre-key %d: %w", *header.OneTimePreKeyID, domain.ErrOneTimePreKeyNotFound)
}

// Session returns the stored session for ref, if any.
func (s *Service) Session(ctx context.Context, ref domain.SessionRef) (domain.ConversationKeySession, bool, error) {
	return s.sessions.LoadSession(ctx, ref)
}

// Reset deletes the session for ref along with its cached bundle. The
// stored handshake is kept so an inbound-derived session can be rebuilt.
func (s *Service) Reset(ctx context.Context, ref domain.SessionRef) error {
	if ref.Kind == domain.SessionPeer {
		s.dropBundle(ref.Peer)
	}
	return s.sessions.DeleteSession(ctx, ref)
}

// ClearCaches drops the in-memory bundle cache. Called on logout and after a
// restore. In-flight handshakes need no clearing; the flight group forgets a
// key as soon as its call completes.
func (s *Service) ClearCaches() {
	s.mu.Lock()
	s.bundles = make(map[domain.UserID]domain.PublicKeyBundle)
	s.mu.Unlock()
}

// touch refreshes the session's last-used timestamp, best effort.
func (s *Service) touch(ctx context.Context, sess domain.ConversationKeySession) {
	sess.LastUsedAt = time.Now().Unix()
	if err := s.sessions.SaveSession(ctx, sess); err != nil {
		s.log.Warn("touch session", zap.String("ref", sess.Ref.StoreKey()), zap.Error(err))
	}
}

func sessionKey(sess domain.ConversationKeySession) ([32]byte, error) {
	var key [32]byte
	if len(sess.ConversationKey) != len(key) {
		return key, fmt.Errorf("%w: malformed session key", domain.ErrDecryptionFailed)
	}
	copy(key[:], sess.ConversationKey)
	return key, nil
}

func deriveKey(secret [32]byte, info string) ([]byte, error) {
	out, err := crypto.HKDF(secret[:], nil, info, crypto.KeyBytes)
	memzero.Zero32(&secret)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Compile-time assertion that Service implements domain.ConversationService.
var _ domain.ConversationService = (*Service)(nil)
