package x3dh

import (
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/hkdf"

	"sealchat/internal/crypto"
	"sealchat/internal/domain"
	"sealchat/internal/util/memzero"
)

// ErrBadSignedPreKey is returned when the signed pre-key signature does not
// verify against the bundle's Ed25519 signing key.
var ErrBadSignedPreKey = errors.New("signed pre-key signature verification failed")

const label = "sealchat-x3dh"

// Initiate derives the shared conversation secret on the initiator side and
// builds the handshake header the first message must carry. The bundle holds
// at most one one-time pre-key; when present it is mixed in as the fourth DH.
func Initiate(our domain.IdentityKeyPair, bundle domain.PublicKeyBundle) ([32]byte, domain.X3DHHeader, error) {
	var zero [32]byte

	if !VerifySignedPreKey(bundle.SigningKey, bundle.SignedPreKey.Pub, bundle.SignedPreKey.Signature) {
		return zero, domain.X3DHHeader{}, ErrBadSignedPreKey
	}

	ephPriv, ephPub, err := crypto.GenerateX25519()
	if err != nil {
		return zero, domain.X3DHHeader{}, err
	}
	defer memzero.Zero32((*[32]byte)(&ephPriv))

	dh1, err := crypto.DH(our.XPriv, bundle.SignedPreKey.Pub) // DH(IKa, SPKb)
	if err != nil {
		return zero, domain.X3DHHeader{}, err
	}
	dh2, err := crypto.DH(ephPriv, bundle.IdentityKey) // DH(EKa, IKb)
	if err != nil {
		return zero, domain.X3DHHeader{}, err
	}
	dh3, err := crypto.DH(ephPriv, bundle.SignedPreKey.Pub) // DH(EKa, SPKb)
	if err != nil {
		return zero, domain.X3DHHeader{}, err
	}

	dhConcat := make([]byte, 0, 32*4)
	dhConcat = append(dhConcat, dh1[:]...)
	dhConcat = append(dhConcat, dh2[:]...)
	dhConcat = append(dhConcat, dh3[:]...)
	memzero.Zero32(&dh1)
	memzero.Zero32(&dh2)
	memzero.Zero32(&dh3)

	var opkID *domain.KeyID
	if len(bundle.OneTimePreKeys) > 0 {
		opk := bundle.OneTimePreKeys[0]
		dh4, err := crypto.DH(ephPriv, opk.Pub) // DH(EKa, OPKb)
		if err != nil {
			memzero.Zero(dhConcat)
			return zero, domain.X3DHHeader{}, err
		}
		dhConcat = append(dhConcat, dh4[:]...)
		memzero.Zero32(&dh4)
		id := opk.ID
		opkID = &id
	}

	secret, err := deriveSecret(dhConcat, our.XPub, bundle.IdentityKey)
	memzero.Zero(dhConcat)
	if err != nil {
		return zero, domain.X3DHHeader{}, err
	}

	header := domain.X3DHHeader{
		IdentityKey:     our.XPub,
		EphemeralKey:    ephPub,
		SignedPreKeyID:  bundle.SignedPreKey.ID,
		OneTimePreKeyID: opkID,
	}
	return secret, header, nil
}

// Respond recomputes the shared conversation secret on the responder side
// from a received handshake header. The caller supplies the signed pre-key
// named by the header and, when the header references one, the consumed
// one-time pre-key.
func Respond(our domain.IdentityKeyPair, spk domain.SignedPreKey, opk *domain.OneTimePreKey, header domain.X3DHHeader) ([32]byte, error) {
	var zero [32]byte

	dh1, err := crypto.DH(spk.Priv, header.IdentityKey) // DH(SPKb, IKa)
	if err != nil {
		return zero, err
	}
	dh2, err := crypto.DH(our.XPriv, header.EphemeralKey) // DH(IKb, EKa)
	if err != nil {
		return zero, err
	}
	dh3, err := crypto.DH(spk.Priv, header.EphemeralKey) // DH(SPKb, EKa)
	if err != nil {
		return zero, err
	}

	dhConcat := make([]byte, 0, 32*4)
	dhConcat = append(dhConcat, dh1[:]...)
	dhConcat = append(dhConcat, dh2[:]...)
	dhConcat = append(dhConcat, dh3[:]...)
	memzero.Zero32(&dh1)
	memzero.Zero32(&dh2)
	memzero.Zero32(&dh3)

	if opk != nil {
		dh4, err := crypto.DH(opk.Priv, header.EphemeralKey) // DH(OPKb, EKa)
		if err != nil {
			memzero.Zero(dhConcat)
			return zero, err
		}
		dhConcat = append(dhConcat, dh4[:]...)
		memzero.Zero32(&dh4)
	}

	secret, err := deriveSecret(dhConcat, header.IdentityKey, our.XPub)
	memzero.Zero(dhConcat)
	if err != nil {
		return zero, err
	}
	return secret, nil
}

// VerifySignedPreKey checks the Ed25519 signature over the signed pre-key.
func VerifySignedPreKey(signingKey domain.Ed25519Public, spk domain.X25519Public, sig []byte) bool {
	return crypto.VerifyEd25519(signingKey, spk.Slice(), sig)
}

// deriveSecret runs HKDF-SHA256 over the DH transcript. The info binds the
// protocol label and both identity keys, initiator first, so the secret is
// tied to who ran the handshake and in which role.
func deriveSecret(dhConcat []byte, initiator, responder domain.X25519Public) (out [32]byte, err error) {
	info := make([]byte, 0, len(label)+64)
	info = append(info, label...)
	info = append(info, initiator[:]...)
	info = append(info, responder[:]...)

	r := hkdf.New(sha256.New, dhConcat, nil, info)
	if _, err = io.ReadFull(r, out[:]); err != nil {
		return out, err
	}
	return out, nil
}
