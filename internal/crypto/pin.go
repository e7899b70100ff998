package crypto

import (
	"fmt"

	"golang.org/x/crypto/argon2"

	"sealchat/internal/domain"
	"sealchat/internal/util/memzero"
)

const (
	// SaltBytes is the salt size for PIN stretching.
	SaltBytes = 16
	// PinLength is the required PIN length in digits.
	PinLength = 6

	// Argon2id cost parameters for PIN-derived backup keys.
	PinArgonOps     = 3
	PinArgonMemKB   = 64 * 1024
	pinArgonThreads = 4
)

// ValidatePin checks that pin is exactly six ASCII digits.
func ValidatePin(pin string) error {
	if len(pin) != PinLength {
		return fmt.Errorf("pin must be exactly %d digits: %w", PinLength, domain.ErrInvalidPin)
	}
	for _, c := range pin {
		if c < '0' || c > '9' {
			return fmt.Errorf("pin must contain only digits: %w", domain.ErrInvalidPin)
		}
	}
	return nil
}

// DerivePinKey stretches a PIN into a 32-byte key with Argon2id. The cost
// parameters are recorded alongside the backup so future readers can verify
// what produced the key.
func DerivePinKey(pin string, salt []byte, ops, memKB uint32) (out [32]byte) {
	key := argon2.IDKey([]byte(pin), salt, ops, memKB, pinArgonThreads, KeyBytes)
	copy(out[:], key)
	memzero.Zero(key)
	return out
}
