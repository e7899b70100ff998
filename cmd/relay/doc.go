// Package main runs the in-memory HTTP relay used by sealchat during
// development and tests. It stores published key bundles, queues encrypted
// envelopes for recipients until they are acknowledged, and holds the
// self-encrypted key and group key backups.
//
// HTTP API
//
//	POST /v1/bundles
//	    Store a user's PublicKeyBundle (identity key, signed pre-key + sig,
//	    one-time pre-keys). Publishing replaces the previous bundle.
//
//	GET /v1/bundles/{user}
//	    Return the published bundle for {user} with at most one one-time
//	    pre-key, which is removed from the stored pool.
//
//	POST /v1/envelopes/{user}
//	    Enqueue an Envelope destined to {user}. If Timestamp is zero, the
//	    server fills it with the current Unix time.
//
//	GET /v1/envelopes/{user}?limit=N
//	    Return up to N queued Envelopes for {user} without removing them.
//	    If limit is absent or greater than the queue length, all queued
//	    envelopes are returned.
//
//	POST /v1/envelopes/{user}/ack { "count": N }
//	    Drop the first N queued envelopes for {user}. If N exceeds the
//	    queue length, the queue is cleared.
//
//	POST /v1/backups/{user}
//	GET  /v1/backups/{user}
//	    Store or fetch the user's PIN-encrypted key ring backup. GET
//	    returns 404 when no backup is stored.
//
//	POST /v1/groups/{user}/{conv}
//	GET  /v1/groups/{user}/{conv}
//	    Store or fetch the user's sealed group key backup for one
//	    conversation. GET returns 404 when none is stored.
//
//	GET /v1/ws?user={user}
//	    Upgrade to a WebSocket that receives a copy of every envelope
//	    arriving for {user}. Pushes are wake-ups; the queue drains only
//	    through the ack endpoint.
//
// Behaviour
//
//   - All state is held in memory and lost on process exit.
//   - Responses are JSON. Non-2xx statuses carry a short error message.
//   - A lightweight access log records method, path, remote, status, bytes
//     and duration for each request.
//   - The default listen address is :8080, overridable with -addr.
//
// This relay is intended for local use or as an untrusted middleman on a
// private network. It never sees plaintext or private keys; it only stores
// ciphertext and public bundles.
package main
