// Package memzero provides best-effort wiping of secret material.
package memzero

import (
	"crypto/subtle"
	"runtime"
)

// Zero overwrites b with zeros in a constant-time friendly way.
//
//go:noinline
func Zero(b []byte) {
	if len(b) == 0 {
		return
	}
	zero := make([]byte, len(b))
	subtle.ConstantTimeCopy(1, b, zero)
	runtime.KeepAlive(&b)
}

// Zero32 wipes a 32-byte key in place.
func Zero32(k *[32]byte) {
	if k == nil {
		return
	}
	Zero(k[:])
}

// Zero64 wipes a 64-byte key in place.
func Zero64(k *[64]byte) {
	if k == nil {
		return
	}
	Zero(k[:])
}
