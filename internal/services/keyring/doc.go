// Package keyring manages the local key material: identity, signed pre-keys
// and the one-time pre-key pool.
//
// It generates keys on first run, projects the public bundle for
// publication, and keeps the pool topped up as handshakes consume keys.
package keyring
