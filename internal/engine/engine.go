package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"sealchat/internal/domain"
	"sealchat/internal/relay"
	backupsvc "sealchat/internal/services/backup"
	conversationsvc "sealchat/internal/services/conversation"
	groupsvc "sealchat/internal/services/group"
	keyringsvc "sealchat/internal/services/keyring"
	verificationsvc "sealchat/internal/services/verification"
	"sealchat/internal/store"
)

// Config holds runtime wiring options for building an engine.
type Config struct {
	User       domain.UserID
	DataDir    string       // key store directory, e.g. $HOME/.sealchat
	RelayURL   string       // relay base URL, e.g. http://127.0.0.1:8080
	Passphrase string       // encrypts the on-disk store when non-empty
	HTTP       *http.Client // optional; defaults to http.DefaultClient
	Logger     *zap.Logger  // optional; defaults to zap.NewNop()

	// Test seams. When set they replace the file store / HTTP client built
	// from the fields above.
	KV    domain.KeyValueStore
	Relay domain.RelayClient
}

// Engine is the single handle the host application holds. Everything the
// protocol does runs through one of its methods; the engine never opens
// sockets beyond its relay client and never stores plaintext.
type Engine struct {
	cfg   Config
	log   *zap.Logger
	relay domain.RelayClient

	keys          domain.KeyRingService
	conversations domain.ConversationService
	groups        domain.GroupService
	backups       domain.BackupService
	verification  domain.VerificationService
}

// New wires stores, the relay client and all services from cfg.
func New(cfg Config) (*Engine, error) {
	if cfg.User == "" {
		return nil, fmt.Errorf("%w: no user configured", domain.ErrInitFailed)
	}

	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	kv := cfg.KV
	if kv == nil {
		if cfg.DataDir == "" {
			return nil, fmt.Errorf("%w: no data directory configured", domain.ErrInitFailed)
		}
		if cfg.Passphrase != "" {
			kv = store.NewEncryptedFileKV(cfg.DataDir, cfg.Passphrase)
		} else {
			kv = store.NewFileKV(cfg.DataDir)
		}
	}

	relayClient := cfg.Relay
	if relayClient == nil {
		if cfg.RelayURL == "" {
			return nil, fmt.Errorf("%w: no relay configured", domain.ErrInitFailed)
		}
		relayClient = relay.NewHTTP(cfg.RelayURL, cfg.HTTP)
	}

	ring := store.NewKeyRing(kv)
	sessions := store.NewSessions(kv)
	groups := store.NewGroups(kv)
	known := store.NewKnownKeys(kv)

	keys := keyringsvc.New(ring)
	conversations := conversationsvc.New(ring, sessions, relayClient, log)

	return &Engine{
		cfg:           cfg,
		log:           log,
		relay:         relayClient,
		keys:          keys,
		conversations: conversations,
		groups:        groupsvc.New(cfg.User, groups, conversations, ring, relayClient, log),
		backups:       backupsvc.New(cfg.User, keys, relayClient),
		verification:  verificationsvc.New(ring, known),
	}, nil
}

// User returns the account this engine was built for.
func (e *Engine) User() domain.UserID { return e.cfg.User }

// InitializeKeys returns the key ring, generating and persisting a fresh one
// when none is stored. Safe to call on every start.
func (e *Engine) InitializeKeys(ctx context.Context) (domain.KeyRingSnapshot, error) {
	return e.keys.Initialize(ctx)
}

// PublicKeyBundle returns the publishable key material for this account.
func (e *Engine) PublicKeyBundle(ctx context.Context) (domain.PublicKeyBundle, error) {
	return e.keys.PublicBundle(ctx, e.cfg.User)
}

// Register initializes the key ring, publishes the bundle and primes the
// self channel. Idempotent.
func (e *Engine) Register(ctx context.Context) error {
	if _, err := e.keys.Initialize(ctx); err != nil {
		return err
	}
	if err := e.publishBundle(ctx); err != nil {
		return err
	}
	if _, err := e.conversations.EnsureSelfSession(ctx); err != nil {
		return err
	}
	e.log.Info("registered", zap.String("user", string(e.cfg.User)))
	return nil
}

func (e *Engine) publishBundle(ctx context.Context) error {
	bundle, err := e.keys.PublicBundle(ctx, e.cfg.User)
	if err != nil {
		return err
	}
	if err := e.relay.PublishKeyBundle(ctx, bundle); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrKeyBundleUploadFailed, err)
	}
	return nil
}

// NeedsPreKeyReplenishment reports whether the unused one-time pre-key pool
// has dropped below the low-water mark.
func (e *Engine) NeedsPreKeyReplenishment(ctx context.Context) (bool, error) {
	return e.keys.NeedsReplenishment(ctx)
}

// ReplenishPreKeys tops the pool back up, garbage-collects consumed keys and
// republishes the bundle. Returns how many keys were added.
func (e *Engine) ReplenishPreKeys(ctx context.Context) (int, error) {
	added, err := e.keys.Replenish(ctx)
	if err != nil {
		return 0, err
	}
	if added > 0 {
		if err := e.publishBundle(ctx); err != nil {
			return added, err
		}
	}
	return added, nil
}

// RotateSignedPreKey installs a fresh signed pre-key and republishes the
// bundle. The superseded key is retained for in-flight handshakes.
func (e *Engine) RotateSignedPreKey(ctx context.Context) (domain.SignedPreKeyPublic, error) {
	spk, err := e.keys.RotateSignedPreKey(ctx)
	if err != nil {
		return domain.SignedPreKeyPublic{}, err
	}
	if err := e.publishBundle(ctx); err != nil {
		return spk, err
	}
	return spk, nil
}

// Maintain runs the periodic key hygiene: replenish the one-time pool and
// rotate the signed pre-key when due. Meant to be called on start and then
// occasionally.
func (e *Engine) Maintain(ctx context.Context) error {
	if need, err := e.keys.NeedsReplenishment(ctx); err != nil {
		return err
	} else if need {
		added, err := e.ReplenishPreKeys(ctx)
		if err != nil {
			return err
		}
		e.log.Info("replenished one-time pre-keys", zap.Int("added", added))
	}

	if due, err := e.keys.NeedsSignedPreKeyRotation(ctx); err != nil {
		return err
	} else if due {
		spk, err := e.RotateSignedPreKey(ctx)
		if err != nil {
			return err
		}
		e.log.Info("rotated signed pre-key", zap.Uint32("id", uint32(spk.ID)))
	}
	return nil
}

// EstablishSession runs the handshake with peer if no session exists and
// records the peer's identity key for verification.
func (e *Engine) EstablishSession(ctx context.Context, peer domain.UserID) error {
	sess, _, err := e.conversations.Establish(ctx, peer)
	if err != nil {
		return err
	}
	return e.noteIdentity(ctx, peer, sess.PeerIdentityKey)
}

// EncryptMessage seals plaintext for peer, establishing the session first
// when needed. A non-nil header must travel with the message.
func (e *Engine) EncryptMessage(ctx context.Context, peer domain.UserID, plaintext []byte) (domain.EncryptedMessage, *domain.X3DHHeader, error) {
	return e.conversations.Encrypt(ctx, domain.PeerRef(peer), plaintext)
}

// DecryptMessage opens a 1:1 message from peer, processing an attached
// handshake header exactly once however often it is redelivered.
func (e *Engine) DecryptMessage(ctx context.Context, peer domain.UserID, header *domain.X3DHHeader, msg domain.EncryptedMessage) ([]byte, error) {
	plaintext, err := e.conversations.Decrypt(ctx, domain.PeerRef(peer), header, msg)
	if err != nil {
		return nil, err
	}
	if sess, ok, serr := e.conversations.Session(ctx, domain.PeerRef(peer)); serr == nil && ok {
		if verr := e.noteIdentity(ctx, peer, sess.PeerIdentityKey); verr != nil {
			e.log.Warn("record peer identity", zap.String("peer", string(peer)), zap.Error(verr))
		}
	}
	return plaintext, nil
}

// EncryptToSelf seals plaintext under the self channel key, readable by any
// device holding this identity.
func (e *Engine) EncryptToSelf(ctx context.Context, plaintext []byte) (domain.EncryptedMessage, error) {
	msg, _, err := e.conversations.Encrypt(ctx, domain.SelfRef(), plaintext)
	return msg, err
}

// DecryptFromSelf opens a self-channel message.
func (e *Engine) DecryptFromSelf(ctx context.Context, msg domain.EncryptedMessage) ([]byte, error) {
	return e.conversations.Decrypt(ctx, domain.SelfRef(), nil, msg)
}

// ResetSession deletes the session with peer; the next message in either
// direction rebuilds it.
func (e *Engine) ResetSession(ctx context.Context, peer domain.UserID) error {
	return e.conversations.Reset(ctx, domain.PeerRef(peer))
}

// EnsureGroupKey makes sure a group key exists for conv, recovering or
// creating one as needed.
func (e *Engine) EnsureGroupKey(ctx context.Context, conv domain.ConversationID) error {
	_, err := e.groups.Ensure(ctx, conv)
	return err
}

// DistributeGroupKey delivers the group key to members over their pairwise
// channels. Repeat calls within a process are no-ops.
func (e *Engine) DistributeGroupKey(ctx context.Context, conv domain.ConversationID, members []domain.UserID) error {
	return e.groups.Distribute(ctx, conv, members)
}

// RotateGroupKey replaces the group key and re-distributes it. Use after
// membership changes.
func (e *Engine) RotateGroupKey(ctx context.Context, conv domain.ConversationID, members []domain.UserID) error {
	_, err := e.groups.Rotate(ctx, conv, members)
	return err
}

// EncryptGroupMessage seals plaintext under the group's next chain position.
func (e *Engine) EncryptGroupMessage(ctx context.Context, conv domain.ConversationID, plaintext []byte) (domain.EncryptedMessage, error) {
	return e.groups.Encrypt(ctx, conv, plaintext)
}

// DecryptGroupMessage opens a group message, recovering the group key from
// backup when this device lost it.
func (e *Engine) DecryptGroupMessage(ctx context.Context, conv domain.ConversationID, msg domain.EncryptedMessage) ([]byte, error) {
	return e.groups.Decrypt(ctx, conv, msg)
}

// CreateKeyBackup seals the key ring under the PIN and stores it on the
// relay.
func (e *Engine) CreateKeyBackup(ctx context.Context, pin string) error {
	return e.backups.Create(ctx, pin)
}

// RestoreKeyBackup replaces the local key ring with the PIN-sealed server
// copy and drops all in-memory state derived from the old ring.
func (e *Engine) RestoreKeyBackup(ctx context.Context, pin string) error {
	if err := e.backups.Restore(ctx, pin); err != nil {
		return err
	}
	e.conversations.ClearCaches()
	e.groups.ClearState()
	return nil
}

// CheckIdentityKey records key as peer's current identity key and returns
// the trust status.
func (e *Engine) CheckIdentityKey(ctx context.Context, peer domain.UserID, key domain.X25519Public) (domain.VerificationStatus, error) {
	return e.verification.CheckIdentityKey(ctx, peer, key)
}

// SafetyNumber returns the 60-digit comparison string for peer.
func (e *Engine) SafetyNumber(ctx context.Context, peer domain.UserID) (string, error) {
	return e.verification.SafetyNumber(ctx, peer)
}

// MarkVerified records a completed safety number comparison with peer.
func (e *Engine) MarkVerified(ctx context.Context, peer domain.UserID) error {
	return e.verification.MarkVerified(ctx, peer)
}

// MarkUnverified clears the verified mark for peer.
func (e *Engine) MarkUnverified(ctx context.Context, peer domain.UserID) error {
	return e.verification.MarkUnverified(ctx, peer)
}

// VerificationStatus returns the pinned identity key record for peer.
func (e *Engine) VerificationStatus(ctx context.Context, peer domain.UserID) (domain.KnownIdentityKey, bool, error) {
	return e.verification.Status(ctx, peer)
}

// Send encrypts plaintext for peer and posts the envelope to the relay.
func (e *Engine) Send(ctx context.Context, to domain.UserID, plaintext []byte) error {
	msg, header, err := e.conversations.Encrypt(ctx, domain.PeerRef(to), plaintext)
	if err != nil {
		return err
	}
	env := domain.Envelope{
		ID:        uuid.NewString(),
		From:      e.cfg.User,
		To:        to,
		Kind:      domain.EnvelopeMessage,
		Handshake: header,
		Message:   msg,
		Timestamp: time.Now().Unix(),
	}
	if err := e.relay.SendEnvelope(ctx, env); err != nil {
		return err
	}
	if sess, ok, serr := e.conversations.Session(ctx, domain.PeerRef(to)); serr == nil && ok {
		if verr := e.noteIdentity(ctx, to, sess.PeerIdentityKey); verr != nil {
			e.log.Warn("record peer identity", zap.String("peer", string(to)), zap.Error(verr))
		}
	}
	return nil
}

// SendGroup distributes the group key if this process has not yet and posts
// one group-encrypted envelope per member.
func (e *Engine) SendGroup(ctx context.Context, conv domain.ConversationID, members []domain.UserID, plaintext []byte) error {
	if err := e.groups.Distribute(ctx, conv, members); err != nil {
		return err
	}
	msg, err := e.groups.Encrypt(ctx, conv, plaintext)
	if err != nil {
		return err
	}

	now := time.Now().Unix()
	var errs []error
	for _, member := range members {
		if member == e.cfg.User {
			continue
		}
		env := domain.Envelope{
			ID:             uuid.NewString(),
			From:           e.cfg.User,
			To:             member,
			ConversationID: conv,
			Kind:           domain.EnvelopeMessage,
			Message:        msg,
			Timestamp:      now,
		}
		if err := e.relay.SendEnvelope(ctx, env); err != nil {
			errs = append(errs, fmt.Errorf("member %s: %w", member, err))
		}
	}
	return errors.Join(errs...)
}

// Receive fetches pending envelopes, decrypts them and acknowledges what was
// handled. Group key distributions are applied internally and do not appear
// in the result.
//
// An envelope the protocol rejects (bad format, legacy version, failed
// authentication) is logged, counted as handled and skipped, so one poisoned
// envelope cannot wedge the queue; the session-deletion rule inside Decrypt
// already arranged for the channel to heal. Infrastructure errors stop
// processing so nothing unread is acknowledged.
func (e *Engine) Receive(ctx context.Context, limit int) ([]domain.IncomingMessage, error) {
	envs, err := e.relay.FetchEnvelopes(ctx, e.cfg.User, limit)
	if err != nil {
		return nil, err
	}

	out := make([]domain.IncomingMessage, 0, len(envs))
	processed := 0
	for _, env := range envs {
		msg, err := e.processEnvelope(ctx, env)
		if err != nil {
			if !protocolReject(err) {
				break
			}
			e.log.Warn("dropped envelope",
				zap.String("id", env.ID),
				zap.String("from", string(env.From)),
				zap.Error(err))
			processed++
			continue
		}
		if msg != nil {
			out = append(out, *msg)
		}
		processed++
	}

	if processed > 0 {
		if err := e.relay.AckEnvelopes(ctx, e.cfg.User, processed); err != nil {
			return out, fmt.Errorf("ack %d envelopes: %w", processed, err)
		}
	}
	return out, nil
}

// processEnvelope decrypts one envelope. A nil message with nil error means
// the envelope was internal control traffic.
func (e *Engine) processEnvelope(ctx context.Context, env domain.Envelope) (*domain.IncomingMessage, error) {
	switch env.Kind {
	case domain.EnvelopeGroupKey:
		plaintext, err := e.conversations.Decrypt(ctx, domain.PeerRef(env.From), env.Handshake, env.Message)
		if err != nil {
			return nil, err
		}
		var dist domain.GroupKeyDistribution
		if err := json.Unmarshal(plaintext, &dist); err != nil {
			return nil, fmt.Errorf("%w: group key distribution: %v", domain.ErrInvalidMessageFormat, err)
		}
		return nil, e.groups.HandleDistribution(ctx, dist)

	case domain.EnvelopeMessage:
		if env.ConversationID != "" {
			plaintext, err := e.groups.Decrypt(ctx, env.ConversationID, env.Message)
			if err != nil {
				return nil, err
			}
			return &domain.IncomingMessage{
				From:           env.From,
				ConversationID: env.ConversationID,
				Group:          true,
				Plaintext:      plaintext,
				Timestamp:      env.Timestamp,
			}, nil
		}

		plaintext, err := e.DecryptMessage(ctx, env.From, env.Handshake, env.Message)
		if err != nil {
			return nil, err
		}
		return &domain.IncomingMessage{
			From:      env.From,
			Plaintext: plaintext,
			Timestamp: env.Timestamp,
		}, nil

	default:
		return nil, fmt.Errorf("%w: unknown envelope kind %q", domain.ErrInvalidMessageFormat, env.Kind)
	}
}

// Logout drops every in-memory cache and in-flight map. Stored key material
// stays intact.
func (e *Engine) Logout() {
	e.conversations.ClearCaches()
	e.groups.ClearState()
	e.log.Info("logged out", zap.String("user", string(e.cfg.User)))
}

func (e *Engine) noteIdentity(ctx context.Context, peer domain.UserID, key domain.X25519Public) error {
	if key.IsZero() {
		return nil
	}
	status, err := e.verification.CheckIdentityKey(ctx, peer, key)
	if err != nil {
		return err
	}
	if status == domain.VerificationKeyChanged {
		e.log.Warn("peer identity key changed", zap.String("peer", string(peer)))
	}
	return nil
}

// protocolReject reports whether err is a per-message protocol rejection
// rather than an infrastructure failure.
func protocolReject(err error) bool {
	return errors.Is(err, domain.ErrDecryptionFailed) ||
		errors.Is(err, domain.ErrInvalidMessageFormat) ||
		errors.Is(err, domain.ErrMessageTooOld) ||
		errors.Is(err, domain.ErrSessionNotFound)
}
