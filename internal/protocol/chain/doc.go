// Package chain implements the symmetric KDF chain used for group messages.
//
// A group shares one chain key. Every message advances the chain one step,
// deriving a fresh message key, so senders move in lockstep and old message
// keys are never reused. Advancing is one-way: compromise of the current
// chain key does not reveal earlier message keys.
//
// Concurrency: Advance is a pure function over values. Callers own the
// read-advance-persist cycle and must serialise it per group.
package chain
