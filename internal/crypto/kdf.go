package crypto

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

// HKDF derives n bytes from secret using HKDF-SHA256 with the given salt and
// info label.
func HKDF(secret, salt []byte, info string, n int) ([]byte, error) {
	r := hkdf.New(sha256.New, secret, salt, []byte(info))
	out := make([]byte, n)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}

// DeriveKey32 is HKDF fixed to a single 32-byte key.
func DeriveKey32(secret, salt []byte, info string) (out [32]byte, err error) {
	b, err := HKDF(secret, salt, info, KeyBytes)
	if err != nil {
		return out, err
	}
	copy(out[:], b)
	return out, nil
}
