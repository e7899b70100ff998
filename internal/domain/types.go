package domain

import "fmt"

// UserID identifies an account on the relay.
type UserID string

func (u UserID) String() string { return string(u) }

// ConversationID identifies a 1:1 or group conversation.
type ConversationID string

func (c ConversationID) String() string { return string(c) }

// KeyID numbers signed and one-time pre-keys. IDs are allocated
// monotonically (max existing + 1) and never reused.
type KeyID uint32

// GroupKeyID identifies a generation of a group key. New generations get a
// fresh random id so receivers can reject ciphertext from a retired key.
type GroupKeyID string

// IdentityKeyPair is the long-term per-device key: an X25519 pair for
// Diffie-Hellman and an Ed25519 pair for signing pre-keys.
type IdentityKeyPair struct {
	XPub      X25519Public   `json:"x_pub"`
	XPriv     X25519Private  `json:"x_priv"`
	EdPub     Ed25519Public  `json:"ed_pub"`
	EdPriv    Ed25519Private `json:"ed_priv"`
	CreatedAt int64          `json:"created_at"`
}

// SignedPreKey is the medium-term X25519 pre-key, signed with the identity
// Ed25519 key. Rotated periodically; superseded keys are retained until no
// in-flight handshake can reference them.
type SignedPreKey struct {
	ID        KeyID         `json:"id"`
	Priv      X25519Private `json:"priv"`
	Pub       X25519Public  `json:"pub"`
	Signature []byte        `json:"sig"`
	CreatedAt int64         `json:"created_at"`
}

// Public projects the publishable half of the signed pre-key.
func (k SignedPreKey) Public() SignedPreKeyPublic {
	return SignedPreKeyPublic{ID: k.ID, Pub: k.Pub, Signature: k.Signature}
}

// SignedPreKeyPublic is the published form of a signed pre-key.
type SignedPreKeyPublic struct {
	ID        KeyID        `json:"id"`
	Pub       X25519Public `json:"pub"`
	Signature []byte       `json:"sig"`
}

// OneTimePreKey is a single-use X25519 pre-key. Used is flipped when a
// handshake consumes the private half; used keys are garbage-collected on
// the next replenishment.
type OneTimePreKey struct {
	ID        KeyID         `json:"id"`
	Priv      X25519Private `json:"priv"`
	Pub       X25519Public  `json:"pub"`
	Used      bool          `json:"used"`
	CreatedAt int64         `json:"created_at"`
}

// OneTimePreKeyPublic is the published form of a one-time pre-key.
type OneTimePreKeyPublic struct {
	ID  KeyID        `json:"id"`
	Pub X25519Public `json:"pub"`
}

// PublicKeyBundle is the publishable key material for a user, fetched by
// peers to initiate a handshake.
type PublicKeyBundle struct {
	UserID         UserID                `json:"user_id"`
	IdentityKey    X25519Public          `json:"identity_key"`
	SigningKey     Ed25519Public         `json:"signing_key"`
	SignedPreKey   SignedPreKeyPublic    `json:"signed_pre_key"`
	OneTimePreKeys []OneTimePreKeyPublic `json:"one_time_pre_keys,omitempty"`
}

// X3DHHeader carries the initiator's public handshake material with the
// first message of a new session. The recipient processes it exactly once;
// duplicate deliveries are collapsed on the receiving side.
type X3DHHeader struct {
	IdentityKey     X25519Public `json:"ik"`
	EphemeralKey    X25519Public `json:"ek"`
	SignedPreKeyID  KeyID        `json:"spk_id"`
	OneTimePreKeyID *KeyID       `json:"opk_id,omitempty"`
}

// Equal reports whether two headers describe the same handshake.
func (h X3DHHeader) Equal(o X3DHHeader) bool {
	if h.IdentityKey != o.IdentityKey ||
		h.EphemeralKey != o.EphemeralKey ||
		h.SignedPreKeyID != o.SignedPreKeyID {
		return false
	}
	if (h.OneTimePreKeyID == nil) != (o.OneTimePreKeyID == nil) {
		return false
	}
	return h.OneTimePreKeyID == nil || *h.OneTimePreKeyID == *o.OneTimePreKeyID
}

// SessionKind distinguishes the two kinds of 1:1 sessions.
type SessionKind string

const (
	// SessionPeer is a channel with another user.
	SessionPeer SessionKind = "peer"
	// SessionSelf is the device's own channel, used to store material the
	// device must be able to read back (own sent messages, notes to self).
	SessionSelf SessionKind = "self"
)

// SessionRef names a conversation session as a tagged variant rather than a
// magic peer-id string.
type SessionRef struct {
	Kind SessionKind `json:"kind"`
	Peer UserID      `json:"peer,omitempty"`
}

// PeerRef refers to the pairwise session with peer.
func PeerRef(peer UserID) SessionRef { return SessionRef{Kind: SessionPeer, Peer: peer} }

// SelfRef refers to the device's self session.
func SelfRef() SessionRef { return SessionRef{Kind: SessionSelf} }

// StoreKey renders the ref as a stable record key.
func (r SessionRef) StoreKey() string {
	switch r.Kind {
	case SessionSelf:
		return "self"
	default:
		return fmt.Sprintf("peer/%s", r.Peer)
	}
}

// ConversationKeySession is the symmetric state of a 1:1 or self channel:
// one 256-bit key derived once from the X3DH shared secret, never advanced.
// PendingHandshake, set on the initiator side, is the header attached to
// outgoing messages until the first successful inbound message proves the
// peer holds the session.
type ConversationKeySession struct {
	Ref              SessionRef   `json:"ref"`
	ConversationKey  []byte       `json:"conversation_key"`
	PeerIdentityKey  X25519Public `json:"peer_identity_key,omitempty"`
	PendingHandshake *X3DHHeader  `json:"pending_handshake,omitempty"`
	CreatedAt        int64        `json:"created_at"`
	LastUsedAt       int64        `json:"last_used_at,omitempty"`
}

// GroupKeySession is the symmetric state of a group channel. ChainKey is the
// current chain value; every processed message advances it by one step.
// SkippedKeys holds message keys that were derived while catching up past
// out-of-order messages, oldest first, bounded.
type GroupKeySession struct {
	ConversationID ConversationID `json:"conversation_id"`
	KeyID          GroupKeyID     `json:"key_id"`
	ChainKey       []byte         `json:"chain_key"`
	SkippedKeys    [][]byte       `json:"skipped_keys,omitempty"`
	CreatedAt      int64          `json:"created_at"`
	UpdatedAt      int64          `json:"updated_at,omitempty"`
}

// VerificationStatus is the trust state recorded for a peer's identity key.
type VerificationStatus string

const (
	VerificationUnverified VerificationStatus = "unverified"
	VerificationVerified   VerificationStatus = "verified"
	VerificationKeyChanged VerificationStatus = "key_changed"
)

// KnownIdentityKey is the last-seen identity key and trust state for a peer.
type KnownIdentityKey struct {
	PeerID      UserID             `json:"peer_id"`
	IdentityKey X25519Public       `json:"identity_key"`
	Status      VerificationStatus `json:"status"`
	FirstSeenAt int64              `json:"first_seen_at"`
	LastSeenAt  int64              `json:"last_seen_at"`
	VerifiedAt  int64              `json:"verified_at,omitempty"`
}

// KeyBackupBlob is the server-held, PIN-encrypted copy of the key ring.
// The identity key hash lets restore detect blob substitution.
type KeyBackupBlob struct {
	EncryptedData   []byte `json:"encrypted_data"`
	Nonce           []byte `json:"nonce"`
	Salt            []byte `json:"salt"`
	KeyDerivation   string `json:"key_derivation"`
	ArgonOps        uint32 `json:"argon_ops"`
	ArgonMemoryKB   uint32 `json:"argon_mem_kb"`
	Version         int    `json:"version"`
	IdentityKeyHash []byte `json:"identity_key_hash"`
	CreatedAt       int64  `json:"created_at"`
}

// GroupKeyBackup is the server-held copy of a group key, sealed under a key
// only the owner's identity private key can re-derive. Any of the user's own
// devices can recover the group key from it without a surviving one-time
// pre-key.
type GroupKeyBackup struct {
	ConversationID ConversationID `json:"conversation_id"`
	KeyID          GroupKeyID     `json:"key_id"`
	Nonce          []byte         `json:"nonce"`
	EncryptedKey   []byte         `json:"encrypted_key"`
	CreatedAt      int64          `json:"created_at"`
}

// KeyRingSnapshot is the full serializable key ring, the unit of backup and
// restore.
type KeyRingSnapshot struct {
	Identity              IdentityKeyPair `json:"identity"`
	SignedPreKeys         []SignedPreKey  `json:"signed_pre_keys"`
	CurrentSignedPreKeyID KeyID           `json:"current_signed_pre_key_id"`
	OneTimePreKeys        []OneTimePreKey `json:"one_time_pre_keys"`
}

// Message envelope versions. Version 1 is the retired ratcheting scheme;
// decrypting it is refused rather than silently attempted.
const (
	MessageVersionLegacy  = 1
	MessageVersionCurrent = 2
)

// EncryptedMessage is the wire form of one ciphertext:
//
//	{ "v": version, "c": base64(ciphertext), "n": base64(nonce), "ski": senderKeyId }
//
// SenderKeyID is present only on group messages.
type EncryptedMessage struct {
	Version     int        `json:"v"`
	Ciphertext  []byte     `json:"c"`
	Nonce       []byte     `json:"n"`
	SenderKeyID GroupKeyID `json:"ski,omitempty"`
}

// EnvelopeKind tags what an envelope carries.
type EnvelopeKind string

const (
	// EnvelopeMessage is an ordinary encrypted chat message or attachment.
	EnvelopeMessage EnvelopeKind = "msg"
	// EnvelopeGroupKey is a group key distribution, encrypted through the
	// pairwise channel with the recipient.
	EnvelopeGroupKey EnvelopeKind = "group_key"
)

// Envelope is the relay wire format wrapping an EncryptedMessage with
// routing metadata and, on the first message of a session, the handshake
// header.
type Envelope struct {
	ID             string           `json:"id"`
	From           UserID           `json:"from"`
	To             UserID           `json:"to"`
	ConversationID ConversationID   `json:"conversation_id,omitempty"`
	Kind           EnvelopeKind     `json:"kind"`
	Handshake      *X3DHHeader      `json:"handshake,omitempty"`
	Message        EncryptedMessage `json:"message"`
	Timestamp      int64            `json:"timestamp"`
}

// GroupKeyDistribution is the plaintext of an EnvelopeGroupKey payload.
type GroupKeyDistribution struct {
	ConversationID ConversationID `json:"conversation_id"`
	KeyID          GroupKeyID     `json:"key_id"`
	ChainKey       []byte         `json:"chain_key"`
}

// IncomingMessage is a decrypted envelope handed back to the application.
type IncomingMessage struct {
	From           UserID
	ConversationID ConversationID
	Group          bool
	Plaintext      []byte
	Timestamp      int64
}
