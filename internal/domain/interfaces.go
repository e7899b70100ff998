package domain

import "context"

// KeyValueStore is the persistent keyed-record store the engine is handed by
// the host application. The engine treats it as a plain async map of
// collections; it is the single source of truth for key material.
type KeyValueStore interface {
	Get(ctx context.Context, collection, key string) ([]byte, bool, error)
	Put(ctx context.Context, collection, key string, value []byte) error
	Delete(ctx context.Context, collection, key string) error
	GetAll(ctx context.Context, collection string) (map[string][]byte, error)
}

// KeyRingStore persists the long-term identity and both pre-key pools.
type KeyRingStore interface {
	SaveIdentity(ctx context.Context, id IdentityKeyPair) error
	LoadIdentity(ctx context.Context) (IdentityKeyPair, bool, error)

	SaveSignedPreKey(ctx context.Context, k SignedPreKey) error
	SignedPreKey(ctx context.Context, id KeyID) (SignedPreKey, bool, error)
	SignedPreKeys(ctx context.Context) ([]SignedPreKey, error)
	SetCurrentSignedPreKeyID(ctx context.Context, id KeyID) error
	CurrentSignedPreKeyID(ctx context.Context) (KeyID, bool, error)

	SaveOneTimePreKeys(ctx context.Context, keys []OneTimePreKey) error
	OneTimePreKeys(ctx context.Context) ([]OneTimePreKey, error)

	// ConsumeOneTimePreKey marks the key used and returns it. The
	// fetch-then-mark is one critical section: a second consume of the same
	// id fails with ErrOneTimePreKeyConsumed, never succeeds twice.
	ConsumeOneTimePreKey(ctx context.Context, id KeyID) (OneTimePreKey, error)
	DeleteOneTimePreKey(ctx context.Context, id KeyID) error

	// ReplaceSnapshot overwrites the whole key ring, used by restore.
	ReplaceSnapshot(ctx context.Context, snap KeyRingSnapshot) error
}

// SessionStore persists 1:1 and self conversation sessions, plus the last
// handshake header received from each peer so a deleted session can be
// re-derived without a fresh handshake.
type SessionStore interface {
	SaveSession(ctx context.Context, s ConversationKeySession) error
	LoadSession(ctx context.Context, ref SessionRef) (ConversationKeySession, bool, error)
	DeleteSession(ctx context.Context, ref SessionRef) error

	SaveHandshake(ctx context.Context, peer UserID, header X3DHHeader) error
	LoadHandshake(ctx context.Context, peer UserID) (X3DHHeader, bool, error)
	DeleteHandshake(ctx context.Context, peer UserID) error
}

// GroupStore persists group key sessions.
type GroupStore interface {
	SaveGroupSession(ctx context.Context, s GroupKeySession) error
	LoadGroupSession(ctx context.Context, conv ConversationID) (GroupKeySession, bool, error)
	DeleteGroupSession(ctx context.Context, conv ConversationID) error
}

// VerificationStore persists last-seen identity keys and trust state.
type VerificationStore interface {
	SaveKnownKey(ctx context.Context, rec KnownIdentityKey) error
	KnownKey(ctx context.Context, peer UserID) (KnownIdentityKey, bool, error)
}

// RelayClient is how the engine talks to the server. The engine never opens
// sockets itself; every method moves only ciphertext or public material.
type RelayClient interface {
	PublishKeyBundle(ctx context.Context, bundle PublicKeyBundle) error
	FetchKeyBundle(ctx context.Context, user UserID) (PublicKeyBundle, error)

	SendEnvelope(ctx context.Context, env Envelope) error
	FetchEnvelopes(ctx context.Context, user UserID, limit int) ([]Envelope, error)
	AckEnvelopes(ctx context.Context, user UserID, count int) error

	PutKeyBackup(ctx context.Context, user UserID, blob KeyBackupBlob) error
	FetchKeyBackup(ctx context.Context, user UserID) (KeyBackupBlob, bool, error)

	PutGroupKeyBackup(ctx context.Context, user UserID, backup GroupKeyBackup) error
	FetchGroupKeyBackup(ctx context.Context, user UserID, conv ConversationID) (GroupKeyBackup, bool, error)
}

// KeyRingService owns identity and pre-key lifecycle.
type KeyRingService interface {
	// Initialize is idempotent: it returns existing keys when they are
	// structurally complete and generates, persists and returns a fresh
	// ring otherwise.
	Initialize(ctx context.Context) (KeyRingSnapshot, error)
	Identity(ctx context.Context) (IdentityKeyPair, bool, error)
	PublicBundle(ctx context.Context, user UserID) (PublicKeyBundle, error)
	NeedsReplenishment(ctx context.Context) (bool, error)
	Replenish(ctx context.Context) (int, error)
	NeedsSignedPreKeyRotation(ctx context.Context) (bool, error)
	RotateSignedPreKey(ctx context.Context) (SignedPreKeyPublic, error)
	Snapshot(ctx context.Context) (KeyRingSnapshot, error)
	Restore(ctx context.Context, snap KeyRingSnapshot) error
}

// ConversationService derives and uses 1:1 conversation keys.
type ConversationService interface {
	Establish(ctx context.Context, peer UserID) (ConversationKeySession, *X3DHHeader, error)
	EnsureSelfSession(ctx context.Context) (ConversationKeySession, error)
	Encrypt(ctx context.Context, ref SessionRef, plaintext []byte) (EncryptedMessage, *X3DHHeader, error)
	Decrypt(ctx context.Context, ref SessionRef, header *X3DHHeader, msg EncryptedMessage) ([]byte, error)
	Session(ctx context.Context, ref SessionRef) (ConversationKeySession, bool, error)
	Reset(ctx context.Context, ref SessionRef) error
	ClearCaches()
}

// GroupService owns group keys: generation, distribution, recovery, and the
// lockstep chain cipher.
type GroupService interface {
	Ensure(ctx context.Context, conv ConversationID) (GroupKeySession, error)
	Distribute(ctx context.Context, conv ConversationID, members []UserID) error
	Rotate(ctx context.Context, conv ConversationID, members []UserID) (GroupKeySession, error)
	Encrypt(ctx context.Context, conv ConversationID, plaintext []byte) (EncryptedMessage, error)
	Decrypt(ctx context.Context, conv ConversationID, msg EncryptedMessage) ([]byte, error)
	HandleDistribution(ctx context.Context, dist GroupKeyDistribution) error
	ClearState()
}

// BackupService wraps the key ring for PIN-protected server-side storage.
type BackupService interface {
	Create(ctx context.Context, pin string) error
	Restore(ctx context.Context, pin string) error
}

// VerificationService tracks peer identity keys and safety numbers.
type VerificationService interface {
	CheckIdentityKey(ctx context.Context, peer UserID, key X25519Public) (VerificationStatus, error)
	SafetyNumber(ctx context.Context, peer UserID) (string, error)
	MarkVerified(ctx context.Context, peer UserID) error
	MarkUnverified(ctx context.Context, peer UserID) error
	Status(ctx context.Context, peer UserID) (KnownIdentityKey, bool, error)
}
