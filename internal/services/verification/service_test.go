package verification

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sealchat/internal/crypto"
	"sealchat/internal/domain"
	"sealchat/internal/store"
)

func newService(t *testing.T) (*Service, domain.IdentityKeyPair) {
	t.Helper()
	ctx := context.Background()
	ring := store.NewKeyRing(store.NewMemoryKV())

	xPriv, xPub, err := crypto.GenerateX25519()
	require.NoError(t, err)
	edPriv, edPub, err := crypto.GenerateEd25519()
	require.NoError(t, err)
	identity := domain.IdentityKeyPair{
		XPub: xPub, XPriv: xPriv, EdPub: edPub, EdPriv: edPriv,
		CreatedAt: time.Now().Unix(),
	}
	require.NoError(t, ring.SaveIdentity(ctx, identity))

	return New(ring, store.NewKnownKeys(store.NewMemoryKV())), identity
}

func somePublicKey(t *testing.T) domain.X25519Public {
	t.Helper()
	_, pub, err := crypto.GenerateX25519()
	require.NoError(t, err)
	return pub
}

func TestCheckIdentityKey_Transitions(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)
	first := somePublicKey(t)

	status, err := svc.CheckIdentityKey(ctx, "bob", first)
	require.NoError(t, err)
	require.Equal(t, domain.VerificationUnverified, status, "first sighting is trust-on-first-use")

	status, err = svc.CheckIdentityKey(ctx, "bob", first)
	require.NoError(t, err)
	require.Equal(t, domain.VerificationUnverified, status)

	require.NoError(t, svc.MarkVerified(ctx, "bob"))
	status, err = svc.CheckIdentityKey(ctx, "bob", first)
	require.NoError(t, err)
	require.Equal(t, domain.VerificationVerified, status)

	changed := somePublicKey(t)
	status, err = svc.CheckIdentityKey(ctx, "bob", changed)
	require.NoError(t, err)
	require.Equal(t, domain.VerificationKeyChanged, status, "a new key must void earlier trust")

	// The demotion sticks across unchanged sightings of the new key.
	status, err = svc.CheckIdentityKey(ctx, "bob", changed)
	require.NoError(t, err)
	require.Equal(t, domain.VerificationKeyChanged, status)

	rec, ok, err := svc.Status(ctx, "bob")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, changed, rec.IdentityKey)
	require.Zero(t, rec.VerifiedAt)

	require.NoError(t, svc.MarkVerified(ctx, "bob"))
	status, err = svc.CheckIdentityKey(ctx, "bob", changed)
	require.NoError(t, err)
	require.Equal(t, domain.VerificationVerified, status)
}

func TestSafetyNumber_BothSidesAgree(t *testing.T) {
	ctx := context.Background()
	alice, aliceID := newService(t)
	bob, bobID := newService(t)

	_, err := alice.CheckIdentityKey(ctx, "bob", bobID.XPub)
	require.NoError(t, err)
	_, err = bob.CheckIdentityKey(ctx, "alice", aliceID.XPub)
	require.NoError(t, err)

	fromAlice, err := alice.SafetyNumber(ctx, "bob")
	require.NoError(t, err)
	fromBob, err := bob.SafetyNumber(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, fromAlice, fromBob)

	groups := strings.Split(fromAlice, " ")
	require.Len(t, groups, 12)
	for _, g := range groups {
		require.Len(t, g, 5)
		require.NotContains(t, g, " ")
	}
}

func TestSafetyNumber_TracksPinnedKey(t *testing.T) {
	ctx := context.Background()
	alice, _ := newService(t)

	_, err := alice.CheckIdentityKey(ctx, "bob", somePublicKey(t))
	require.NoError(t, err)
	before, err := alice.SafetyNumber(ctx, "bob")
	require.NoError(t, err)

	_, err = alice.CheckIdentityKey(ctx, "bob", somePublicKey(t))
	require.NoError(t, err)
	after, err := alice.SafetyNumber(ctx, "bob")
	require.NoError(t, err)

	require.NotEqual(t, before, after)
}

func TestMarkVerified_UnknownPeer(t *testing.T) {
	svc, _ := newService(t)
	require.Error(t, svc.MarkVerified(context.Background(), "nobody"))
}

func TestSafetyNumber_UnknownPeer(t *testing.T) {
	svc, _ := newService(t)
	_, err := svc.SafetyNumber(context.Background(), "nobody")
	require.Error(t, err)
}
