package chain

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

const label = "sealchat-chain"

// Advance steps a chain key one position, producing the next chain key and
// the message key for the current position. The step is one-way: neither
// output reveals ck.
func Advance(ck [32]byte) (next, mk [32]byte) {
	r := hkdf.New(sha256.New, ck[:], nil, []byte(label))
	_, _ = io.ReadFull(r, next[:])
	_, _ = io.ReadFull(r, mk[:])
	return
}
