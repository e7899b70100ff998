// Package conversation manages the symmetric key shared with each peer.
//
// A conversation key is derived once from the handshake output and then
// reused for every message in both directions. Encrypt and Decrypt are
// stateless with respect to message order: any message can be opened at any
// time with nothing but the key, which is what lets the relay redeliver
// freely and lets either side rebuild a lost session from the stored
// handshake.
//
// The self conversation (notes to self, key backups) needs no handshake at
// all; its key is derived deterministically from the identity key pair.
package conversation
