// Package group manages the shared symmetric key of a group conversation.
//
// All members hold the same chain key and advance it in lockstep, one step
// per message, deriving a fresh message key at each position. No position
// counter travels on the wire: a receiver that is behind walks the chain
// forward until a position opens the ciphertext, caching the keys of
// positions it passes so late arrivals still decrypt.
//
// Each member also seals the chain key under a key derived from their own
// identity pair and parks it on the server. That copy is what Ensure and
// Decrypt fall back to when the local session is gone, which is how a
// restored device rejoins its groups without a fresh key exchange.
//
// A message sealed before its recipient received the chain key is
// unreadable to them; distribution runs before the first group send.
package group
