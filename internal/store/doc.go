// Package store provides persistence for sealchat's key material.
//
// The engine only ever talks to domain.KeyValueStore, a small keyed-record
// interface the host application can back however it likes. This package
// ships two implementations: FileKV, which keeps one JSON file per
// collection (optionally sealed under a passphrase), and MemoryKV for tests
// and the development relay.
//
// On top of the raw records sit typed stores implementing the domain
// interfaces:
//   - Identity and pre-key pools (KeyRing)
//   - Conversation key sessions (Sessions)
//   - Group key sessions (Groups)
//   - Peer identity keys and trust state (KnownKeys)
//
// All typed stores are concurrency-safe via internal locking.
package store
