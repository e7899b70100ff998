package backup

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"

	"sealchat/internal/crypto"
	"sealchat/internal/domain"
	"sealchat/internal/util/memzero"
)

// backupVersion is the current blob layout. Anything else fails restore.
const backupVersion = 1

const kdfArgon2id = "argon2id"

// Service wraps the key ring for PIN-protected server-side storage. The
// server only ever sees the sealed blob; the PIN never leaves the device.
//
// Restore deliberately reports every failure past the fetch as ErrInvalidPin.
// A wrong PIN and a corrupted or substituted blob are indistinguishable by
// construction, and telling them apart would hand an attacker an oracle.
type Service struct {
	self  domain.UserID
	keys  domain.KeyRingService
	relay domain.RelayClient
}

// New constructs a backup service for the given account.
func New(self domain.UserID, keys domain.KeyRingService, relay domain.RelayClient) *Service {
	return &Service{self: self, keys: keys, relay: relay}
}

// Create seals the full key ring under a key stretched from the PIN and
// stores it server-side, replacing any previous backup.
func (s *Service) Create(ctx context.Context, pin string) error {
	if err := crypto.ValidatePin(pin); err != nil {
		return err
	}

	snap, err := s.keys.Snapshot(ctx)
	if err != nil {
		return err
	}
	plaintext, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	defer memzero.Zero(plaintext)

	salt := make([]byte, crypto.SaltBytes)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrKeyGenerationFailed, err)
	}

	key := crypto.DerivePinKey(pin, salt, crypto.PinArgonOps, crypto.PinArgonMemKB)
	nonce, sealed, err := crypto.Seal(key, plaintext, nil)
	memzero.Zero32(&key)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrEncryptionFailed, err)
	}

	hash := sha256.Sum256(snap.Identity.XPub.Slice())
	return s.relay.PutKeyBackup(ctx, s.self, domain.KeyBackupBlob{
		EncryptedData:   sealed,
		Nonce:           nonce,
		Salt:            salt,
		KeyDerivation:   kdfArgon2id,
		ArgonOps:        crypto.PinArgonOps,
		ArgonMemoryKB:   crypto.PinArgonMemKB,
		Version:         backupVersion,
		IdentityKeyHash: hash[:],
		CreatedAt:       time.Now().Unix(),
	})
}

// Restore fetches the sealed blob, opens it with the PIN and replaces the
// local key ring with its contents.
func (s *Service) Restore(ctx context.Context, pin string) error {
	if err := crypto.ValidatePin(pin); err != nil {
		return err
	}

	blob, ok, err := s.relay.FetchKeyBackup(ctx, s.self)
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrBackupNotFound
	}
	if blob.Version != backupVersion || blob.KeyDerivation != kdfArgon2id ||
		len(blob.Salt) != crypto.SaltBytes {
		return fmt.Errorf("%w: unusable backup blob", domain.ErrInvalidPin)
	}

	// Restoring another account's blob over an existing ring would silently
	// swap identities; the hash catches that before anything is touched.
	if id, ok, err := s.keys.Identity(ctx); err != nil {
		return err
	} else if ok {
		local := sha256.Sum256(id.XPub.Slice())
		if !bytes.Equal(local[:], blob.IdentityKeyHash) {
			return fmt.Errorf("%w: backup belongs to a different identity", domain.ErrInvalidPin)
		}
	}

	// The stored parameters are used so old blobs survive cost changes.
	key := crypto.DerivePinKey(pin, blob.Salt, blob.ArgonOps, blob.ArgonMemoryKB)
	plaintext, err := crypto.Open(key, blob.Nonce, blob.EncryptedData, nil)
	memzero.Zero32(&key)
	if err != nil {
		return fmt.Errorf("%w: backup did not open", domain.ErrInvalidPin)
	}
	defer memzero.Zero(plaintext)

	var snap domain.KeyRingSnapshot
	if err := json.Unmarshal(plaintext, &snap); err != nil {
		return fmt.Errorf("%w: backup did not parse", domain.ErrInvalidPin)
	}

	restored := sha256.Sum256(snap.Identity.XPub.Slice())
	if !bytes.Equal(restored[:], blob.IdentityKeyHash) {
		return fmt.Errorf("%w: backup contents do not match their identity hash", domain.ErrInvalidPin)
	}

	return s.keys.Restore(ctx, snap)
}

// Compile-time assertion that Service implements domain.BackupService.
var _ domain.BackupService = (*Service)(nil)
