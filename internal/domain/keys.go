package domain

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// ------------- X25519 -------------

// X25519Public is a Curve25519 public key.
type X25519Public [32]byte

// X25519Private is a Curve25519 private key (clamped per RFC 7748).
type X25519Private [32]byte

func (p X25519Public) Slice() []byte  { return p[:] }
func (k X25519Private) Slice() []byte { return k[:] }

func (p X25519Public) IsZero() bool  { return p == X25519Public{} }
func (k X25519Private) IsZero() bool { return k == X25519Private{} }

func MustX25519Public(b []byte) X25519Public {
	if len(b) != 32 {
		panic(fmt.Errorf("X25519 public: want 32 bytes, got %d", len(b)))
	}
	var out X25519Public
	copy(out[:], b)
	return out
}

func MustX25519Private(b []byte) X25519Private {
	if len(b) != 32 {
		panic(fmt.Errorf("X25519 private: want 32 bytes, got %d", len(b)))
	}
	var out X25519Private
	copy(out[:], b)
	return out
}

// ------------- Ed25519 -------------

// Ed25519Public is a signing public key.
type Ed25519Public [32]byte

// Ed25519Private is a signing private key (ed25519.PrivateKey layout).
type Ed25519Private [64]byte

func (p Ed25519Public) Slice() []byte  { return p[:] }
func (k Ed25519Private) Slice() []byte { return k[:] }

func (p Ed25519Public) IsZero() bool { return p == Ed25519Public{} }

func MustEd25519Public(b []byte) Ed25519Public {
	if len(b) != 32 {
		panic(fmt.Errorf("Ed25519 public: want 32 bytes, got %d", len(b)))
	}
	var out Ed25519Public
	copy(out[:], b)
	return out
}

func MustEd25519Private(b []byte) Ed25519Private {
	if len(b) != 64 {
		panic(fmt.Errorf("Ed25519 private: want 64 bytes, got %d", len(b)))
	}
	var out Ed25519Private
	copy(out[:], b)
	return out
}

// ------------- JSON -------------

// Key material crosses the store and the wire as base64 strings, never as
// raw JSON byte arrays.

func (p X25519Public) MarshalJSON() ([]byte, error)   { return marshalKeyBytes(p[:]) }
func (k X25519Private) MarshalJSON() ([]byte, error)  { return marshalKeyBytes(k[:]) }
func (p Ed25519Public) MarshalJSON() ([]byte, error)  { return marshalKeyBytes(p[:]) }
func (k Ed25519Private) MarshalJSON() ([]byte, error) { return marshalKeyBytes(k[:]) }

func (p *X25519Public) UnmarshalJSON(data []byte) error   { return unmarshalKeyBytes(p[:], data) }
func (k *X25519Private) UnmarshalJSON(data []byte) error  { return unmarshalKeyBytes(k[:], data) }
func (p *Ed25519Public) UnmarshalJSON(data []byte) error  { return unmarshalKeyBytes(p[:], data) }
func (k *Ed25519Private) UnmarshalJSON(data []byte) error { return unmarshalKeyBytes(k[:], data) }

func marshalKeyBytes(b []byte) ([]byte, error) {
	return json.Marshal(base64.StdEncoding.EncodeToString(b))
}

func unmarshalKeyBytes(dst []byte, data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return err
	}
	if len(raw) != len(dst) {
		return fmt.Errorf("key: want %d bytes, got %d", len(dst), len(raw))
	}
	copy(dst, raw)
	return nil
}
