package x3dh_test

import (
	"bytes"
	"testing"

	"sealchat/internal/crypto"
	"sealchat/internal/domain"
	"sealchat/internal/protocol/x3dh"
)

// makeIdentity creates an identity with fresh X25519 and Ed25519 pairs.
func makeIdentity(t *testing.T) domain.IdentityKeyPair {
	t.Helper()
	xPriv, xPub, err := crypto.GenerateX25519()
	if err != nil {
		t.Fatalf("GenerateX25519: %v", err)
	}
	edPriv, edPub, err := crypto.GenerateEd25519()
	if err != nil {
		t.Fatalf("GenerateEd25519: %v", err)
	}
	return domain.IdentityKeyPair{
		XPub:   xPub,
		XPriv:  xPriv,
		EdPub:  edPub,
		EdPriv: edPriv,
	}
}

// makeSignedPreKey creates a signed pre-key for id, signed by its Ed25519 key.
func makeSignedPreKey(t *testing.T, id domain.IdentityKeyPair, keyID domain.KeyID) domain.SignedPreKey {
	t.Helper()
	priv, pub, err := crypto.GenerateX25519()
	if err != nil {
		t.Fatalf("GenerateX25519: %v", err)
	}
	return domain.SignedPreKey{
		ID:        keyID,
		Priv:      priv,
		Pub:       pub,
		Signature: crypto.SignEd25519(id.EdPriv, pub.Slice()),
	}
}

func TestInitiateAndRespond_NoOneTimePreKey(t *testing.T) {
	// Alice initiates, Bob responds.
	alice := makeIdentity(t)
	bob := makeIdentity(t)
	spk := makeSignedPreKey(t, bob, 7)

	bundle := domain.PublicKeyBundle{
		UserID:       "bob",
		IdentityKey:  bob.XPub,
		SigningKey:   bob.EdPub,
		SignedPreKey: spk.Public(),
	}

	aliceSecret, header, err := x3dh.Initiate(alice, bundle)
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if header.SignedPreKeyID != 7 {
		t.Fatalf("want signed pre-key id 7, got %d", header.SignedPreKeyID)
	}
	if header.OneTimePreKeyID != nil {
		t.Fatalf("want no one-time pre-key id, got %d", *header.OneTimePreKeyID)
	}
	if header.IdentityKey != alice.XPub {
		t.Fatal("header does not carry the initiator identity key")
	}

	bobSecret, err := x3dh.Respond(bob, spk, nil, header)
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if !bytes.Equal(aliceSecret[:], bobSecret[:]) {
		t.Fatal("secrets differ (no OPK)")
	}
}

func TestInitiateAndRespond_WithOneTimePreKey(t *testing.T) {
	alice := makeIdentity(t)
	bob := makeIdentity(t)
	spk := makeSignedPreKey(t, bob, 1)

	opkPriv, opkPub, err := crypto.GenerateX25519()
	if err != nil {
		t.Fatalf("GenerateX25519 (opk): %v", err)
	}
	opk := domain.OneTimePreKey{ID: 42, Priv: opkPriv, Pub: opkPub}

	bundle := domain.PublicKeyBundle{
		UserID:       "bob",
		IdentityKey:  bob.XPub,
		SigningKey:   bob.EdPub,
		SignedPreKey: spk.Public(),
		OneTimePreKeys: []domain.OneTimePreKeyPublic{
			{ID: 42, Pub: opkPub},
		},
	}

	aliceSecret, header, err := x3dh.Initiate(alice, bundle)
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if header.OneTimePreKeyID == nil || *header.OneTimePreKeyID != 42 {
		t.Fatalf("unexpected one-time pre-key id in header: %v", header.OneTimePreKeyID)
	}

	bobSecret, err := x3dh.Respond(bob, spk, &opk, header)
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if !bytes.Equal(aliceSecret[:], bobSecret[:]) {
		t.Fatal("secrets differ (with OPK)")
	}
}

func TestInitiate_RejectsBadSignedPreKeySignature(t *testing.T) {
	alice := makeIdentity(t)
	bob := makeIdentity(t)
	spk := makeSignedPreKey(t, bob, 1)

	// Corrupt the signature.
	spk.Signature[0] ^= 0xff

	bundle := domain.PublicKeyBundle{
		UserID:       "bob",
		IdentityKey:  bob.XPub,
		SigningKey:   bob.EdPub,
		SignedPreKey: spk.Public(),
	}

	if _, _, err := x3dh.Initiate(alice, bundle); err != x3dh.ErrBadSignedPreKey {
		t.Fatalf("want ErrBadSignedPreKey, got %v", err)
	}
}

func TestInitiate_OPKChangesSecret(t *testing.T) {
	// The same handshake with and without an OPK must not converge on the
	// same secret.
	alice := makeIdentity(t)
	bob := makeIdentity(t)
	spk := makeSignedPreKey(t, bob, 1)

	_, opkPub, err := crypto.GenerateX25519()
	if err != nil {
		t.Fatalf("GenerateX25519 (opk): %v", err)
	}

	plain := domain.PublicKeyBundle{
		UserID:       "bob",
		IdentityKey:  bob.XPub,
		SigningKey:   bob.EdPub,
		SignedPreKey: spk.Public(),
	}
	withOPK := plain
	withOPK.OneTimePreKeys = []domain.OneTimePreKeyPublic{{ID: 1, Pub: opkPub}}

	s1, _, err := x3dh.Initiate(alice, plain)
	if err != nil {
		t.Fatalf("Initiate (plain): %v", err)
	}
	s2, _, err := x3dh.Initiate(alice, withOPK)
	if err != nil {
		t.Fatalf("Initiate (with OPK): %v", err)
	}
	if bytes.Equal(s1[:], s2[:]) {
		t.Fatal("OPK did not change the derived secret")
	}
}

func TestRespond_TamperedInitiatorIdentity(t *testing.T) {
	// A forged initiator identity in the header must not converge on the
	// initiator's secret.
	alice := makeIdentity(t)
	bob := makeIdentity(t)
	spk := makeSignedPreKey(t, bob, 3)

	bundle := domain.PublicKeyBundle{
		UserID:       "bob",
		IdentityKey:  bob.XPub,
		SigningKey:   bob.EdPub,
		SignedPreKey: spk.Public(),
	}

	aliceSecret, header, err := x3dh.Initiate(alice, bundle)
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}

	// Tamper with the claimed initiator identity. The responder derives a
	// different secret, so the first message will not decrypt.
	forged := header
	forged.IdentityKey = bob.XPub
	forgedSecret, err := x3dh.Respond(bob, spk, nil, forged)
	if err != nil {
		t.Fatalf("Respond (forged): %v", err)
	}
	if bytes.Equal(aliceSecret[:], forgedSecret[:]) {
		t.Fatal("forged initiator identity produced the same secret")
	}
}
