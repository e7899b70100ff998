package group

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"sealchat/internal/crypto"
	"sealchat/internal/domain"
	"sealchat/internal/protocol/chain"
	"sealchat/internal/util/memzero"
	"sealchat/internal/util/syncutil"
)

const (
	// groupBackupInfo labels the key that seals group chain keys for
	// server-side backup. Distinct from every other derivation label.
	groupBackupInfo = "sealchat-group-backup"

	// maxSkipAhead bounds how far a receiver will walk the chain looking
	// for the position that opens a message.
	maxSkipAhead = 512

	// maxSkippedKeys bounds the cache of message keys derived while
	// walking past not-yet-seen messages.
	maxSkippedKeys = 64
)

// errWrongGeneration marks ciphertext from a key generation we do not hold.
var errWrongGeneration = errors.New("message from a different group key generation")

// Service owns group keys: creation, fan-out to members through the
// pairwise channels, the lockstep chain cipher, and recovery from the
// server-side backup.
//
// High-level flow:
//   - Ensure loads the group session, recovers it from the owner's sealed
//     backup when the local copy is gone, and generates a fresh key only
//     when neither exists.
//   - Distribute sends the chain key to each member inside the 1:1 channel,
//     at most once per process per conversation. Membership changes go
//     through Rotate, which always re-sends.
//   - Encrypt advances the chain one step per message under a per-
//     conversation lock and seals with the step's message key.
//   - Decrypt finds the chain position that opens the message: cached
//     skipped keys first, then a bounded walk forward. Positions walked
//     past are cached so late arrivals still open.
type Service struct {
	self   domain.UserID
	groups domain.GroupStore
	conv   domain.ConversationService
	ring   domain.KeyRingStore
	relay  domain.RelayClient
	log    *zap.Logger

	chains  *syncutil.KeyedMutex
	recover singleflight.Group

	mu          sync.Mutex
	distributed map[domain.ConversationID]bool
}

// New constructs a group service for the given account.
func New(self domain.UserID, groups domain.GroupStore, conv domain.ConversationService, ring domain.KeyRingStore, relay domain.RelayClient, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		self:        self,
		groups:      groups,
		conv:        conv,
		ring:        ring,
		relay:       relay,
		log:         log,
		chains:      syncutil.NewKeyedMutex(),
		distributed: make(map[domain.ConversationID]bool),
	}
}

// Ensure returns the group session for conv, recovering it from the sealed
// server-side backup if the local copy is gone and generating a fresh key
// if the conversation never had one.
func (s *Service) Ensure(ctx context.Context, conv domain.ConversationID) (domain.GroupKeySession, error) {
	sess, ok, err := s.groups.LoadGroupSession(ctx, conv)
	if err != nil {
		return domain.GroupKeySession{}, err
	}
	if ok {
		return sess, nil
	}

	sess, err = s.recoverSession(ctx, conv)
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, domain.ErrSessionNotFound) {
		return domain.GroupKeySession{}, err
	}

	return s.create(ctx, conv)
}

func (s *Service) create(ctx context.Context, conv domain.ConversationID) (domain.GroupKeySession, error) {
	s.chains.Lock(string(conv))
	defer s.chains.Unlock(string(conv))

	if sess, ok, err := s.groups.LoadGroupSession(ctx, conv); err != nil {
		return domain.GroupKeySession{}, err
	} else if ok {
		return sess, nil
	}

	ck := make([]byte, crypto.KeyBytes)
	if _, err := rand.Read(ck); err != nil {
		return domain.GroupKeySession{}, fmt.Errorf("%w: %v", domain.ErrKeyGenerationFailed, err)
	}
	sess := domain.GroupKeySession{
		ConversationID: conv,
		KeyID:          domain.GroupKeyID(uuid.NewString()),
		ChainKey:       ck,
		CreatedAt:      time.Now().Unix(),
	}
	if err := s.groups.SaveGroupSession(ctx, sess); err != nil {
		return domain.GroupKeySession{}, err
	}

	if err := s.backup(ctx, sess); err != nil {
		s.log.Warn("group key backup upload",
			zap.String("conversation", string(conv)), zap.Error(err))
	}
	s.log.Debug("group key created",
		zap.String("conversation", string(conv)), zap.String("key_id", string(sess.KeyID)))
	return sess, nil
}

// Distribute fans the group key out to members through their pairwise
// channels. Repeat calls within one process are no-ops; a key the member
// already holds is ignored on their side anyway.
func (s *Service) Distribute(ctx context.Context, conv domain.ConversationID, members []domain.UserID) error {
	s.mu.Lock()
	done := s.distributed[conv]
	s.mu.Unlock()
	if done {
		return nil
	}

	sess, err := s.Ensure(ctx, conv)
	if err != nil {
		return err
	}
	if err := s.send(ctx, sess, members); err != nil {
		return err
	}

	s.mu.Lock()
	s.distributed[conv] = true
	s.mu.Unlock()
	return nil
}

// Rotate replaces the group key with a fresh generation and distributes it
// unconditionally. Ciphertext from the retired generation no longer opens.
func (s *Service) Rotate(ctx context.Context, conv domain.ConversationID, members []domain.UserID) (domain.GroupKeySession, error) {
	s.chains.Lock(string(conv))
	ck := make([]byte, crypto.KeyBytes)
	if _, err := rand.Read(ck); err != nil {
		s.chains.Unlock(string(conv))
		return domain.GroupKeySession{}, fmt.Errorf("%w: %v", domain.ErrKeyGenerationFailed, err)
	}
	sess := domain.GroupKeySession{
		ConversationID: conv,
		KeyID:          domain.GroupKeyID(uuid.NewString()),
		ChainKey:       ck,
		CreatedAt:      time.Now().Unix(),
	}
	if err := s.groups.SaveGroupSession(ctx, sess); err != nil {
		s.chains.Unlock(string(conv))
		return domain.GroupKeySession{}, err
	}
	s.chains.Unlock(string(conv))

	if err := s.backup(ctx, sess); err != nil {
		s.log.Warn("group key backup upload",
			zap.String("conversation", string(conv)), zap.Error(err))
	}

	s.mu.Lock()
	delete(s.distributed, conv)
	s.mu.Unlock()

	if err := s.send(ctx, sess, members); err != nil {
		return domain.GroupKeySession{}, err
	}
	s.mu.Lock()
	s.distributed[conv] = true
	s.mu.Unlock()

	s.log.Info("group key rotated",
		zap.String("conversation", string(conv)), zap.Int("members", len(members)))
	return sess, nil
}

// send delivers the chain key to every member but ourselves. A member who
// receives it can read messages sealed from this chain position on, not
// anything earlier.
func (s *Service) send(ctx context.Context, sess domain.GroupKeySession, members []domain.UserID) error {
	payload, err := json.Marshal(domain.GroupKeyDistribution{
		ConversationID: sess.ConversationID,
		KeyID:          sess.KeyID,
		ChainKey:       sess.ChainKey,
	})
	if err != nil {
		return err
	}

	var errs []error
	for _, member := range members {
		if member == s.self {
			continue
		}
		msg, header, err := s.conv.Encrypt(ctx, domain.PeerRef(member), payload)
		if err != nil {
			errs = append(errs, fmt.Errorf("member %s: %w", member, err))
			continue
		}
		env := domain.Envelope{
			ID:             uuid.NewString(),
			From:           s.self,
			To:             member,
			ConversationID: sess.ConversationID,
			Kind:           domain.EnvelopeGroupKey,
			Handshake:      header,
			Message:        msg,
			Timestamp:      time.Now().Unix(),
		}
		if err := s.relay.SendEnvelope(ctx, env); err != nil {
			errs = append(errs, fmt.Errorf("member %s: %w", member, err))
		}
	}
	return errors.Join(errs...)
}

// Encrypt seals plaintext under the next chain position. The read-advance-
// persist cycle runs under the conversation's lock so concurrent sends
// never reuse a position.
func (s *Service) Encrypt(ctx context.Context, conv domain.ConversationID, plaintext []byte) (domain.EncryptedMessage, error) {
	if _, err := s.Ensure(ctx, conv); err != nil {
		return domain.EncryptedMessage{}, err
	}

	s.chains.Lock(string(conv))
	defer s.chains.Unlock(string(conv))

	sess, ok, err := s.groups.LoadGroupSession(ctx, conv)
	if err != nil {
		return domain.EncryptedMessage{}, err
	}
	if !ok {
		return domain.EncryptedMessage{}, fmt.Errorf("%w: group %s", domain.ErrSessionNotFound, conv)
	}

	ck, err := chainKey32(sess.ChainKey)
	if err != nil {
		return domain.EncryptedMessage{}, err
	}
	next, mk := chain.Advance(ck)
	memzero.Zero32(&ck)

	nonce, ct, err := crypto.Seal(mk, plaintext, nil)
	memzero.Zero32(&mk)
	if err != nil {
		return domain.EncryptedMessage{}, fmt.Errorf("%w: %v", domain.ErrEncryptionFailed, err)
	}

	sess.ChainKey = next[:]
	sess.UpdatedAt = time.Now().Unix()
	if err := s.groups.SaveGroupSession(ctx, sess); err != nil {
		return domain.EncryptedMessage{}, err
	}

	return domain.EncryptedMessage{
		Version:     domain.MessageVersionCurrent,
		Ciphertext:  ct,
		Nonce:       nonce,
		SenderKeyID: sess.KeyID,
	}, nil
}

// Decrypt opens a group message, recovering the session from backup when
// the local copy is missing or from a generation this device never saw.
func (s *Service) Decrypt(ctx context.Context, conv domain.ConversationID, msg domain.EncryptedMessage) ([]byte, error) {
	switch msg.Version {
	case domain.MessageVersionCurrent:
	case domain.MessageVersionLegacy:
		return nil, fmt.Errorf("%w: legacy ratchet envelope (v%d)", domain.ErrMessageTooOld, msg.Version)
	default:
		return nil, fmt.Errorf("%w: unknown envelope version %d", domain.ErrInvalidMessageFormat, msg.Version)
	}
	if msg.SenderKeyID == "" {
		return nil, fmt.Errorf("%w: group message without key id", domain.ErrInvalidMessageFormat)
	}
	if len(msg.Nonce) != crypto.NonceBytes || len(msg.Ciphertext) == 0 {
		return nil, fmt.Errorf("%w: bad nonce or empty ciphertext", domain.ErrInvalidMessageFormat)
	}

	plaintext, err := s.tryOpen(ctx, conv, msg)
	if err == nil {
		return plaintext, nil
	}
	if errors.Is(err, errWrongGeneration) {
		// A live session of another generation means the sender's key is
		// retired here; our own backup cannot know a generation we never
		// held, so there is nothing to recover.
		return nil, fmt.Errorf("%w: %v", domain.ErrDecryptionFailed, err)
	}
	if !errors.Is(err, domain.ErrSessionNotFound) {
		return nil, err
	}

	if _, rerr := s.recoverSession(ctx, conv); rerr != nil {
		return nil, rerr
	}

	plaintext, err = s.tryOpen(ctx, conv, msg)
	if errors.Is(err, errWrongGeneration) {
		return nil, fmt.Errorf("%w: %v", domain.ErrDecryptionFailed, err)
	}
	return plaintext, err
}

// tryOpen walks the chain under the conversation lock looking for the
// position that opens msg.
func (s *Service) tryOpen(ctx context.Context, conv domain.ConversationID, msg domain.EncryptedMessage) ([]byte, error) {
	s.chains.Lock(string(conv))
	defer s.chains.Unlock(string(conv))

	sess, ok, err := s.groups.LoadGroupSession(ctx, conv)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: group %s", domain.ErrSessionNotFound, conv)
	}
	if sess.KeyID != msg.SenderKeyID {
		return nil, fmt.Errorf("%w: have %s, message uses %s", errWrongGeneration, sess.KeyID, msg.SenderKeyID)
	}

	// Late arrival: a key derived on an earlier walk may already be cached.
	for i, cached := range sess.SkippedKeys {
		mk, err := chainKey32(cached)
		if err != nil {
			continue
		}
		plaintext, err := crypto.Open(mk, msg.Nonce, msg.Ciphertext, nil)
		memzero.Zero32(&mk)
		if err != nil {
			continue
		}
		sess.SkippedKeys = append(sess.SkippedKeys[:i], sess.SkippedKeys[i+1:]...)
		sess.UpdatedAt = time.Now().Unix()
		if err := s.groups.SaveGroupSession(ctx, sess); err != nil {
			return nil, err
		}
		return plaintext, nil
	}

	// Walk forward from the current position. Keys for positions we pass
	// belong to messages not yet delivered; cache them for when they are.
	ck, err := chainKey32(sess.ChainKey)
	if err != nil {
		return nil, err
	}
	var passed [][]byte
	for step := 0; step < maxSkipAhead; step++ {
		next, mk := chain.Advance(ck)
		plaintext, err := crypto.Open(mk, msg.Nonce, msg.Ciphertext, nil)
		if err == nil {
			memzero.Zero32(&mk)
			memzero.Zero32(&ck)
			sess.ChainKey = next[:]
			sess.SkippedKeys = clampSkipped(append(sess.SkippedKeys, passed...))
			sess.UpdatedAt = time.Now().Unix()
			if err := s.groups.SaveGroupSession(ctx, sess); err != nil {
				return nil, err
			}
			return plaintext, nil
		}
		k := mk
		passed = append(passed, k[:])
		ck = next
	}
	return nil, fmt.Errorf("%w: no chain position within %d steps opens the message",
		domain.ErrDecryptionFailed, maxSkipAhead)
}

// HandleDistribution installs a group key received through the pairwise
// channel. A generation we already hold is ignored so duplicate deliveries
// cannot rewind the chain.
func (s *Service) HandleDistribution(ctx context.Context, dist domain.GroupKeyDistribution) error {
	if dist.ConversationID == "" || dist.KeyID == "" || len(dist.ChainKey) != crypto.KeyBytes {
		return fmt.Errorf("%w: malformed group key distribution", domain.ErrInvalidMessageFormat)
	}

	conv := dist.ConversationID
	s.chains.Lock(string(conv))
	if existing, ok, err := s.groups.LoadGroupSession(ctx, conv); err != nil {
		s.chains.Unlock(string(conv))
		return err
	} else if ok && existing.KeyID == dist.KeyID {
		s.chains.Unlock(string(conv))
		return nil
	}

	sess := domain.GroupKeySession{
		ConversationID: conv,
		KeyID:          dist.KeyID,
		ChainKey:       append([]byte(nil), dist.ChainKey...),
		CreatedAt:      time.Now().Unix(),
	}
	if err := s.groups.SaveGroupSession(ctx, sess); err != nil {
		s.chains.Unlock(string(conv))
		return err
	}
	s.chains.Unlock(string(conv))

	// Our own sealed copy is what recovery on this account reads back.
	if err := s.backup(ctx, sess); err != nil {
		s.log.Warn("group key backup upload",
			zap.String("conversation", string(conv)), zap.Error(err))
	}
	s.log.Debug("group key installed",
		zap.String("conversation", string(conv)), zap.String("key_id", string(dist.KeyID)))
	return nil
}

// ClearState drops all in-memory state: distribution flags and the
// per-conversation locks. Called on logout. In-flight recoveries need no
// clearing; the flight group forgets a key as soon as its call completes.
func (s *Service) ClearState() {
	s.mu.Lock()
	s.distributed = make(map[domain.ConversationID]bool)
	s.mu.Unlock()
	s.chains.Reset()
}

// recoverSession fetches and unseals our backup of the group key.
// Concurrent recoveries of the same conversation share one fetch.
func (s *Service) recoverSession(ctx context.Context, conv domain.ConversationID) (domain.GroupKeySession, error) {
	v, err, _ := s.recover.Do(string(conv), func() (any, error) {
		// A recovery or distribution that finished just before this call
		// makes the fetch unnecessary.
		if existing, ok, err := s.groups.LoadGroupSession(ctx, conv); err != nil {
			return nil, err
		} else if ok {
			return existing, nil
		}

		backup, ok, err := s.relay.FetchGroupKeyBackup(ctx, s.self, conv)
		if err != nil {
			return nil, fmt.Errorf("fetch group key backup: %w", err)
		}
		if !ok {
			return nil, fmt.Errorf("%w: group %s has no backup", domain.ErrSessionNotFound, conv)
		}

		key, err := s.backupKey(ctx)
		if err != nil {
			return nil, err
		}
		ck, err := crypto.Open(key, backup.Nonce, backup.EncryptedKey, backupAD(conv, backup.KeyID))
		memzero.Zero32(&key)
		if err != nil {
			return nil, fmt.Errorf("%w: group key backup does not open", domain.ErrDecryptionFailed)
		}

		sess := domain.GroupKeySession{
			ConversationID: conv,
			KeyID:          backup.KeyID,
			ChainKey:       ck,
			CreatedAt:      time.Now().Unix(),
		}

		s.chains.Lock(string(conv))
		defer s.chains.Unlock(string(conv))
		if existing, ok, err := s.groups.LoadGroupSession(ctx, conv); err != nil {
			return nil, err
		} else if ok {
			// A distribution landed while we were fetching; prefer it.
			return existing, nil
		}
		if err := s.groups.SaveGroupSession(ctx, sess); err != nil {
			return nil, err
		}
		s.log.Info("group key recovered from backup",
			zap.String("conversation", string(conv)), zap.String("key_id", string(sess.KeyID)))
		return sess, nil
	})
	if err != nil {
		return domain.GroupKeySession{}, err
	}
	return v.(domain.GroupKeySession), nil
}

// backup seals the chain key under a key only this account's identity can
// re-derive and stores it server-side.
func (s *Service) backup(ctx context.Context, sess domain.GroupKeySession) error {
	key, err := s.backupKey(ctx)
	if err != nil {
		return err
	}
	defer memzero.Zero32(&key)

	nonce, sealed, err := crypto.Seal(key, sess.ChainKey, backupAD(sess.ConversationID, sess.KeyID))
	if err != nil {
		return err
	}
	return s.relay.PutGroupKeyBackup(ctx, s.self, domain.GroupKeyBackup{
		ConversationID: sess.ConversationID,
		KeyID:          sess.KeyID,
		Nonce:          nonce,
		EncryptedKey:   sealed,
		CreatedAt:      time.Now().Unix(),
	})
}

// backupKey derives the sealing key for group key backups from the identity
// pair. Deterministic, so any device holding the identity derives it too.
func (s *Service) backupKey(ctx context.Context) ([32]byte, error) {
	var zero [32]byte
	id, ok, err := s.ring.LoadIdentity(ctx)
	if err != nil {
		return zero, err
	}
	if !ok {
		return zero, fmt.Errorf("%w: no identity key", domain.ErrInitFailed)
	}
	secret, err := crypto.DH(id.XPriv, id.XPub)
	if err != nil {
		return zero, err
	}
	key, err := crypto.DeriveKey32(secret[:], nil, groupBackupInfo)
	memzero.Zero32(&secret)
	if err != nil {
		return zero, err
	}
	return key, nil
}

// backupAD binds a sealed backup to its conversation and generation so the
// server cannot swap blobs between groups.
func backupAD(conv domain.ConversationID, keyID domain.GroupKeyID) []byte {
	return []byte(string(conv) + "|" + string(keyID))
}

func chainKey32(b []byte) ([32]byte, error) {
	var ck [32]byte
	if len(b) != len(ck) {
		return ck, fmt.Errorf("%w: malformed chain key", domain.ErrDecryptionFailed)
	}
	copy(ck[:], b)
	return ck, nil
}

func clampSkipped(keys [][]byte) [][]byte {
	if len(keys) <= maxSkippedKeys {
		return keys
	}
	return keys[len(keys)-maxSkippedKeys:]
}

// Compile-time assertion that Service implements domain.GroupService.
var _ domain.GroupService = (*Service)(nil)
