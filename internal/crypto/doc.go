// Package crypto exposes the primitives used by sealchat.
//
// Contents
//
//   - X25519 key generation, clamping and Diffie-Hellman (GenerateX25519, DH)
//   - Ed25519 key generation, signing and verification (GenerateEd25519,
//     SignEd25519, VerifyEd25519)
//   - ChaCha20-Poly1305 sealing with fresh random nonces (Seal, Open)
//   - HKDF-SHA256 key derivation (HKDF, DeriveKey32)
//   - Argon2id PIN stretching for backups (DerivePinKey)
//   - Short public-key fingerprints for display/logging (Fingerprint)
//
// All key-shaped values use the fixed-size array types from internal/domain
// to avoid accidental reallocations. Callers should treat returned secrets
// as sensitive and wipe them when practical.
package crypto
