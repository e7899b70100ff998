// Package engine assembles the stores, transport client and services into
// the single handle a host application embeds.
//
// The engine is a library, not a daemon: every operation is a method call,
// all blocking calls take a context, and the only I/O it performs is through
// the relay client and the key-value store it was configured with. Plaintext
// goes in and comes out of method calls and is never persisted.
package engine
