// Package x3dh implements the X3DH key agreement used to bootstrap a shared
// conversation key between two parties.
//
// # Overview
//
// X3DH lets an initiator derive a shared 32-byte secret with a responder who
// has published a key bundle. The bundle contains:
//   - Identity key (X25519)
//   - Signed pre-key (X25519) and its Ed25519 signature
//   - At most one one-time pre-key (X25519)
//
// # Flows
//
// Initiator:
//  1. Verify the signed pre-key signature.
//  2. Generate an ephemeral X25519 key pair.
//  3. Compute DH values (IKa·SPKb, EKa·IKb, EKa·SPKb[, EKa·OPKb]).
//  4. HKDF over the concatenated DH transcript, with both identity keys
//     bound into the info, to produce the conversation secret.
//  5. Return the secret and the header naming the keys used.
//
// Responder:
//  1. Receive the header (initiator IK, ephemeral EK, SPK id[, OPK id]).
//  2. Look up the SPK and consume the OPK if one is named.
//  3. Compute the symmetric DH set and HKDF the same transcript to the
//     identical secret.
//
// # Errors
//
// ErrBadSignedPreKey is returned when the signed pre-key signature fails
// verification. Other errors wrap lower-level crypto failures.
//
// # Security notes
//
// Only public material crosses the wire. One-time pre-keys, when present,
// improve forward secrecy by mixing in a value deleted after first use.
package x3dh
