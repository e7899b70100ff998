// Package relay provides an HTTP implementation of the domain.RelayClient
// interface used by sealchat.
//
// The relay acts as a store-and-forward service for encrypted envelopes,
// cryptographic prekey bundles, and self-encrypted backups. This package
// offers a concrete HTTP client for interacting with such a relay server,
// plus an optional WebSocket subscription for push-style delivery.
//
// Supported operations include:
//   - Publishing our prekey bundle to the relay.
//   - Fetching a peer's prekey bundle.
//   - Sending encrypted envelopes to a peer via the relay.
//   - Fetching pending envelopes for a user.
//   - Acknowledging received messages.
//   - Storing and fetching the PIN-encrypted key backup blob.
//   - Storing and fetching per-conversation group key backups.
//
// All requests are JSON over HTTP and accept a context for cancellation and
// deadlines. Non-2xx statuses are returned as errors with the path and
// status text to aid diagnostics. The relay never sees plaintext: envelopes,
// backups, and group keys are all sealed before they leave the client.
package relay
