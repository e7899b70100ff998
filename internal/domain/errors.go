package domain

import "errors"

// Engine error taxonomy. Cryptographic failures always surface as one of
// these; they are never swallowed into best-effort plaintext. Callers
// classify with errors.Is.
var (
	// ErrInitFailed means the key store or primitive layer is unusable.
	ErrInitFailed = errors.New("engine initialisation failed")

	// ErrKeyGenerationFailed wraps failures from the system RNG or key math.
	ErrKeyGenerationFailed = errors.New("key generation failed")

	// ErrKeyBundleFetchFailed means the peer's public bundle could not be
	// retrieved from the relay.
	ErrKeyBundleFetchFailed = errors.New("key bundle fetch failed")

	// ErrKeyBundleUploadFailed means publishing our own bundle failed.
	ErrKeyBundleUploadFailed = errors.New("key bundle upload failed")

	// ErrSessionNotFound means there is no local session or group key. Not
	// necessarily fatal: it triggers handshake or recovery.
	ErrSessionNotFound = errors.New("no session key for conversation")

	// ErrEncryptionFailed is an AEAD seal failure.
	ErrEncryptionFailed = errors.New("encryption failed")

	// ErrDecryptionFailed is an AEAD open failure. Fatal for the message;
	// for 1:1 sessions it also tears the session down so the next message
	// re-runs the handshake instead of failing forever.
	ErrDecryptionFailed = errors.New("decryption failed")

	// ErrInvalidMessageFormat means the envelope is malformed.
	ErrInvalidMessageFormat = errors.New("invalid message envelope")

	// ErrInvalidPin covers both a wrong PIN and a corrupted or substituted
	// backup blob. The two are indistinguishable on purpose: decryption
	// failure is the only PIN check, no separate verifier is stored.
	ErrInvalidPin = errors.New("invalid PIN or corrupted backup")

	// ErrMessageTooOld marks ciphertext from the retired v1 ratchet scheme.
	ErrMessageTooOld = errors.New("message was encrypted with a retired scheme")

	// ErrOneTimePreKeyConsumed means a handshake referenced a one-time
	// pre-key that was already used. The two sides' secrets would diverge,
	// so the handshake fails outright.
	ErrOneTimePreKeyConsumed = errors.New("one-time pre-key already consumed")

	// ErrOneTimePreKeyNotFound means the referenced one-time pre-key id is
	// unknown to this device.
	ErrOneTimePreKeyNotFound = errors.New("one-time pre-key not found")

	// ErrBackupNotFound means the server holds no backup for this user.
	ErrBackupNotFound = errors.New("no key backup on server")
)
