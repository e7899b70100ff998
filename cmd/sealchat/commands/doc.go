// Package commands defines the sealchat CLI and wires dependencies for
// subcommands.
//
// Commands
//
//   - init         Create the local identity and key ring
//   - register     Publish your key bundle to the relay
//   - fingerprint  Print the identity fingerprint
//   - maintain     Replenish pre-keys, rotate the signed pre-key when due
//   - send         Encrypt and send a message to a peer
//   - recv         Fetch and decrypt queued messages (--follow to stream)
//   - group        Send to and manage group conversations
//   - backup       Create or restore the PIN-protected key backup
//   - verify       Compare safety numbers and record the outcome
//
// # Implementation
//
// The root command builds the engine (stores, services, relay client) before
// any subcommand runs, so handlers share one configured instance. Key
// material lives under --home/<user>, one key store per account.
package commands
