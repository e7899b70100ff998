package conversation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sealchat/internal/crypto"
	"sealchat/internal/domain"
	"sealchat/internal/store"
)

// fakeRelay serves key bundles the way the server does: each fetch hands out
// at most one one-time pre-key and removes it from the pool.
type fakeRelay struct {
	mu      sync.Mutex
	bundles map[domain.UserID]domain.PublicKeyBundle
	fetches int
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{bundles: make(map[domain.UserID]domain.PublicKeyBundle)}
}

func (r *fakeRelay) PublishKeyBundle(_ context.Context, bundle domain.PublicKeyBundle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bundles[bundle.UserID] = bundle
	return nil
}

func (r *fakeRelay) FetchKeyBundle(_ context.Context, user domain.UserID) (domain.PublicKeyBundle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fetches++
	b, ok := r.bundles[user]
	if !ok {
		return domain.PublicKeyBundle{}, errors.New("no bundle published")
	}
	out := b
	if len(b.OneTimePreKeys) > 0 {
		out.OneTimePreKeys = []domain.OneTimePreKeyPublic{b.OneTimePreKeys[0]}
		b.OneTimePreKeys = b.OneTimePreKeys[1:]
		r.bundles[user] = b
	} else {
		out.OneTimePreKeys = nil
	}
	return out, nil
}

func (r *fakeRelay) SendEnvelope(context.Context, domain.Envelope) error { return nil }

func (r *fakeRelay) FetchEnvelopes(context.Context, domain.UserID, int) ([]domain.Envelope, error) {
	return nil, nil
}

func (r *fakeRelay) AckEnvelopes(context.Context, domain.UserID, int) error { return nil }

func (r *fakeRelay) PutKeyBackup(context.Context, domain.UserID, domain.KeyBackupBlob) error {
	return nil
}

func (r *fakeRelay) FetchKeyBackup(context.Context, domain.UserID) (domain.KeyBackupBlob, bool, error) {
	return domain.KeyBackupBlob{}, false, nil
}

func (r *fakeRelay) PutGroupKeyBackup(context.Context, domain.UserID, domain.GroupKeyBackup) error {
	return nil
}

func (r *fakeRelay) FetchGroupKeyBackup(context.Context, domain.UserID, domain.ConversationID) (domain.GroupKeyBackup, bool, error) {
	return domain.GroupKeyBackup{}, false, nil
}

type testUser struct {
	id       domain.UserID
	svc      *Service
	ring     *store.KeyRing
	sessions *store.Sessions
}

// newTestUser provisions a key ring with one signed pre-key and a few
// one-time pre-keys, publishes the bundle, and wires a service around it.
func newTestUser(t *testing.T, relay *fakeRelay, id domain.UserID) *testUser {
	t.Helper()
	ctx := context.Background()
	ring := store.NewKeyRing(store.NewMemoryKV())
	sessions := store.NewSessions(store.NewMemoryKV())
	now := time.Now().Unix()

	xPriv, xPub, err := crypto.GenerateX25519()
	require.NoError(t, err)
	edPriv, edPub, err := crypto.GenerateEd25519()
	require.NoError(t, err)
	identity := domain.IdentityKeyPair{XPub: xPub, XPriv: xPriv, EdPub: edPub, EdPriv: edPriv, CreatedAt: now}
	require.NoError(t, ring.SaveIdentity(ctx, identity))

	spkPriv, spkPub, err := crypto.GenerateX25519()
	require.NoError(t, err)
	spk := domain.SignedPreKey{
		ID:        1,
		Priv:      spkPriv,
		Pub:       spkPub,
		Signature: crypto.SignEd25519(edPriv, spkPub.Slice()),
		CreatedAt: now,
	}
	require.NoError(t, ring.SaveSignedPreKey(ctx, spk))
	require.NoError(t, ring.SetCurrentSignedPreKeyID(ctx, spk.ID))

	var opks []domain.OneTimePreKey
	var opkPubs []domain.OneTimePreKeyPublic
	for i := domain.KeyID(1); i <= 3; i++ {
		priv, pub, err := crypto.GenerateX25519()
		require.NoError(t, err)
		opks = append(opks, domain.OneTimePreKey{ID: i, Priv: priv, Pub: pub, CreatedAt: now})
		opkPubs = append(opkPubs, domain.OneTimePreKeyPublic{ID: i, Pub: pub})
	}
	require.NoError(t, ring.SaveOneTimePreKeys(ctx, opks))

	require.NoError(t, relay.PublishKeyBundle(ctx, domain.PublicKeyBundle{
		UserID:         id,
		IdentityKey:    xPub,
		SigningKey:     edPub,
		SignedPreKey:   spk.Public(),
		OneTimePreKeys: opkPubs,
	}))

	return &testUser{id: id, svc: New(ring, sessions, relay, nil), ring: ring, sessions: sessions}
}

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	ctx := context.Background()
	relay := newFakeRelay()
	alice := newTestUser(t, relay, "alice")
	bob := newTestUser(t, relay, "bob")

	msg, header, err := alice.svc.Encrypt(ctx, domain.PeerRef(bob.id), []byte("hello bob"))
	require.NoError(t, err)
	require.NotNil(t, header, "first message must carry the handshake")
	require.Equal(t, domain.MessageVersionCurrent, msg.Version)

	plaintext, err := bob.svc.Decrypt(ctx, domain.PeerRef(alice.id), header, msg)
	require.NoError(t, err)
	require.Equal(t, []byte("hello bob"), plaintext)

	// The reply travels back without a handshake.
	reply, replyHeader, err := bob.svc.Encrypt(ctx, domain.PeerRef(alice.id), []byte("hi alice"))
	require.NoError(t, err)
	require.Nil(t, replyHeader)

	plaintext, err = alice.svc.Decrypt(ctx, domain.PeerRef(bob.id), nil, reply)
	require.NoError(t, err)
	require.Equal(t, []byte("hi alice"), plaintext)

	// The inbound reply clears alice's attached-handshake marker.
	sess, ok, err := alice.svc.Session(ctx, domain.PeerRef(bob.id))
	require.NoError(t, err)
	require.True(t, ok)
	require.Nil(t, sess.PendingHandshake)
}

func TestEncrypt_AttachesHandshakeUntilFirstInbound(t *testing.T) {
	ctx := context.Background()
	relay := newFakeRelay()
	alice := newTestUser(t, relay, "alice")
	newTestUser(t, relay, "bob")

	_, h1, err := alice.svc.Encrypt(ctx, domain.PeerRef("bob"), []byte("one"))
	require.NoError(t, err)
	require.NotNil(t, h1)

	_, h2, err := alice.svc.Encrypt(ctx, domain.PeerRef("bob"), []byte("two"))
	require.NoError(t, err)
	require.NotNil(t, h2, "handshake rides along until the peer answers")
	require.True(t, h1.Equal(*h2))
}

func TestDecrypt_DuplicateHandshakeDelivery(t *testing.T) {
	ctx := context.Background()
	relay := newFakeRelay()
	alice := newTestUser(t, relay, "alice")
	bob := newTestUser(t, relay, "bob")

	msg, header, err := alice.svc.Encrypt(ctx, domain.PeerRef(bob.id), []byte("knock"))
	require.NoError(t, err)
	require.NotNil(t, header)

	for i := 0; i < 3; i++ {
		plaintext, err := bob.svc.Decrypt(ctx, domain.PeerRef(alice.id), header, msg)
		require.NoError(t, err, "delivery %d", i+1)
		require.Equal(t, []byte("knock"), plaintext)
	}

	// The referenced one-time pre-key was consumed exactly once.
	keys, err := bob.ring.OneTimePreKeys(ctx)
	require.NoError(t, err)
	used := 0
	for _, k := range keys {
		if k.Used {
			used++
		}
	}
	require.Equal(t, 1, used)
}

func TestDecrypt_MissingSessionReplaysStoredHandshake(t *testing.T) {
	ctx := context.Background()
	relay := newFakeRelay()
	alice := newTestUser(t, relay, "alice")
	bob := newTestUser(t, relay, "bob")

	first, header, err := alice.svc.Encrypt(ctx, domain.PeerRef(bob.id), []byte("first"))
	require.NoError(t, err)
	_, err = bob.svc.Decrypt(ctx, domain.PeerRef(alice.id), header, first)
	require.NoError(t, err)

	// Settle the channel so later messages carry no handshake.
	reply, _, err := bob.svc.Encrypt(ctx, domain.PeerRef(alice.id), []byte("ack"))
	require.NoError(t, err)
	_, err = alice.svc.Decrypt(ctx, domain.PeerRef(bob.id), nil, reply)
	require.NoError(t, err)

	second, secondHeader, err := alice.svc.Encrypt(ctx, domain.PeerRef(bob.id), []byte("second"))
	require.NoError(t, err)
	require.Nil(t, secondHeader)

	// Bob loses the session; the stored handshake must bring it back even
	// though its one-time pre-key is already marked used.
	require.NoError(t, bob.svc.Reset(ctx, domain.PeerRef(alice.id)))

	plaintext, err := bob.svc.Decrypt(ctx, domain.PeerRef(alice.id), nil, second)
	require.NoError(t, err)
	require.Equal(t, []byte("second"), plaintext)
}

func TestDecrypt_AuthFailureDeletesSession(t *testing.T) {
	ctx := context.Background()
	relay := newFakeRelay()
	alice := newTestUser(t, relay, "alice")
	bob := newTestUser(t, relay, "bob")

	msg, header, err := alice.svc.Encrypt(ctx, domain.PeerRef(bob.id), []byte("payload"))
	require.NoError(t, err)
	_, err = bob.svc.Decrypt(ctx, domain.PeerRef(alice.id), header, msg)
	require.NoError(t, err)

	msg.Ciphertext[0] ^= 0xff
	_, err = bob.svc.Decrypt(ctx, domain.PeerRef(alice.id), nil, msg)
	require.ErrorIs(t, err, domain.ErrDecryptionFailed)

	_, ok, err := bob.svc.Session(ctx, domain.PeerRef(alice.id))
	require.NoError(t, err)
	require.False(t, ok, "undecryptable traffic must drop the session")
}

func TestDecrypt_VersionGate(t *testing.T) {
	ctx := context.Background()
	relay := newFakeRelay()
	alice := newTestUser(t, relay, "alice")
	bob := newTestUser(t, relay, "bob")

	msg, header, err := alice.svc.Encrypt(ctx, domain.PeerRef(bob.id), []byte("v2"))
	require.NoError(t, err)

	legacy := msg
	legacy.Version = domain.MessageVersionLegacy
	_, err = bob.svc.Decrypt(ctx, domain.PeerRef(alice.id), header, legacy)
	require.ErrorIs(t, err, domain.ErrMessageTooOld)

	unknown := msg
	unknown.Version = 9
	_, err = bob.svc.Decrypt(ctx, domain.PeerRef(alice.id), header, unknown)
	require.ErrorIs(t, err, domain.ErrInvalidMessageFormat)

	// Neither rejected version may have burned the handshake.
	_, ok, err := bob.svc.Session(ctx, domain.PeerRef(alice.id))
	require.NoError(t, err)
	require.False(t, ok)

	plaintext, err := bob.svc.Decrypt(ctx, domain.PeerRef(alice.id), header, msg)
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), plaintext)
}

func TestSelfSession_SurvivesDeletion(t *testing.T) {
	ctx := context.Background()
	relay := newFakeRelay()
	alice := newTestUser(t, relay, "alice")

	msg, header, err := alice.svc.Encrypt(ctx, domain.SelfRef(), []byte("note to self"))
	require.NoError(t, err)
	require.Nil(t, header, "self channel needs no handshake")

	plaintext, err := alice.svc.Decrypt(ctx, domain.SelfRef(), nil, msg)
	require.NoError(t, err)
	require.Equal(t, []byte("note to self"), plaintext)

	// The key is re-derivable from the identity pair alone.
	require.NoError(t, alice.svc.Reset(ctx, domain.SelfRef()))
	plaintext, err = alice.svc.Decrypt(ctx, domain.SelfRef(), nil, msg)
	require.NoError(t, err)
	require.Equal(t, []byte("note to self"), plaintext)
}

func TestEstablish_ConcurrentCallsShareOneHandshake(t *testing.T) {
	ctx := context.Background()
	relay := newFakeRelay()
	alice := newTestUser(t, relay, "alice")
	newTestUser(t, relay, "bob")

	var wg sync.WaitGroup
	sessions := make([]domain.ConversationKeySession, 8)
	errs := make([]error, len(sessions))
	for i := range sessions {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sessions[i], _, errs[i] = alice.svc.Establish(ctx, "bob")
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		require.NoError(t, err, "establish %d", i)
	}

	relay.mu.Lock()
	fetches := relay.fetches
	relay.mu.Unlock()
	require.Equal(t, 1, fetches, "concurrent establishes must share one bundle fetch")

	for _, sess := range sessions[1:] {
		require.Equal(t, sessions[0].ConversationKey, sess.ConversationKey)
	}
}

func TestEstablish_NoOneTimePreKeyLeft(t *testing.T) {
	ctx := context.Background()
	relay := newFakeRelay()
	alice := newTestUser(t, relay, "alice")
	bob := newTestUser(t, relay, "bob")

	relay.mu.Lock()
	b := relay.bundles[bob.id]
	b.OneTimePreKeys = nil
	relay.bundles[bob.id] = b
	relay.mu.Unlock()

	msg, header, err := alice.svc.Encrypt(ctx, domain.PeerRef(bob.id), []byte("no opk"))
	require.NoError(t, err)
	require.NotNil(t, header)
	require.Nil(t, header.OneTimePreKeyID)

	plaintext, err := bob.svc.Decrypt(ctx, domain.PeerRef(alice.id), header, msg)
	require.NoError(t, err)
	require.Equal(t, []byte("no opk"), plaintext)
}

func TestDecrypt_NoSessionNoHandshake(t *testing.T) {
	ctx := context.Background()
	relay := newFakeRelay()
	bob := newTestUser(t, relay, "bob")

	_, err := bob.svc.Decrypt(ctx, domain.PeerRef("stranger"), nil, domain.EncryptedMessage{
		Version:    domain.MessageVersionCurrent,
		Ciphertext: []byte{1, 2, 3},
		Nonce:      make([]byte, crypto.NonceBytes),
	})
	require.ErrorIs(t, err, domain.ErrSessionNotFound)
}
