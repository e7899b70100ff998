package crypto

import (
	"crypto/rand"
	"errors"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// KeyBytes is the symmetric key size used throughout.
	KeyBytes = 32
	// NonceBytes is the ChaCha20-Poly1305 nonce size.
	NonceBytes = chacha20poly1305.NonceSize
)

// Seal encrypts plaintext under key with a fresh random nonce and returns
// both. The additional data binds the ciphertext to its context.
func Seal(key [32]byte, plaintext, ad []byte) (nonce, ciphertext []byte, err error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, nil, err
	}
	nonce = make([]byte, NonceBytes)
	if _, err = rand.Read(nonce); err != nil {
		return nil, nil, err
	}
	ciphertext = aead.Seal(nil, nonce, plaintext, ad)
	return nonce, ciphertext, nil
}

// Open decrypts ciphertext sealed by Seal. It fails if the nonce is the
// wrong size or authentication fails.
func Open(key [32]byte, nonce, ciphertext, ad []byte) ([]byte, error) {
	if len(nonce) != NonceBytes {
		return nil, errors.New("invalid nonce size")
	}
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, nonce, ciphertext, ad)
}
