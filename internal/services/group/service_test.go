package group

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sealchat/internal/crypto"
	"sealchat/internal/domain"
	"sealchat/internal/store"
)

// stubConv passes plaintext through untouched so distribution tests can
// inspect payloads without running the pairwise handshake.
type stubConv struct {
	mu       sync.Mutex
	encrypts int
}

func (c *stubConv) Establish(context.Context, domain.UserID) (domain.ConversationKeySession, *domain.X3DHHeader, error) {
	return domain.ConversationKeySession{}, nil, nil
}

func (c *stubConv) EnsureSelfSession(context.Context) (domain.ConversationKeySession, error) {
	return domain.ConversationKeySession{}, nil
}

func (c *stubConv) Encrypt(_ context.Context, _ domain.SessionRef, plaintext []byte) (domain.EncryptedMessage, *domain.X3DHHeader, error) {
	c.mu.Lock()
	c.encrypts++
	c.mu.Unlock()
	return domain.EncryptedMessage{
		Version:    domain.MessageVersionCurrent,
		Ciphertext: append([]byte(nil), plaintext...),
		Nonce:      make([]byte, crypto.NonceBytes),
	}, nil, nil
}

func (c *stubConv) Decrypt(_ context.Context, _ domain.SessionRef, _ *domain.X3DHHeader, msg domain.EncryptedMessage) ([]byte, error) {
	return msg.Ciphertext, nil
}

func (c *stubConv) Session(context.Context, domain.SessionRef) (domain.ConversationKeySession, bool, error) {
	return domain.ConversationKeySession{}, false, nil
}

func (c *stubConv) Reset(context.Context, domain.SessionRef) error { return nil }

func (c *stubConv) ClearCaches() {}

func (c *stubConv) encryptCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.encrypts
}

type fakeGroupRelay struct {
	mu            sync.Mutex
	backups       map[string]domain.GroupKeyBackup
	backupFetches int
	sent          []domain.Envelope
}

func newFakeGroupRelay() *fakeGroupRelay {
	return &fakeGroupRelay{backups: make(map[string]domain.GroupKeyBackup)}
}

func backupKeyFor(user domain.UserID, conv domain.ConversationID) string {
	return string(user) + "|" + string(conv)
}

func (r *fakeGroupRelay) PublishKeyBundle(context.Context, domain.PublicKeyBundle) error { return nil }

func (r *fakeGroupRelay) FetchKeyBundle(context.Context, domain.UserID) (domain.PublicKeyBundle, error) {
	return domain.PublicKeyBundle{}, errors.New("bundles not served here")
}

func (r *fakeGroupRelay) SendEnvelope(_ context.Context, env domain.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, env)
	return nil
}

func (r *fakeGroupRelay) FetchEnvelopes(context.Context, domain.UserID, int) ([]domain.Envelope, error) {
	return nil, nil
}

func (r *fakeGroupRelay) AckEnvelopes(context.Context, domain.UserID, int) error { return nil }

func (r *fakeGroupRelay) PutKeyBackup(context.Context, domain.UserID, domain.KeyBackupBlob) error {
	return nil
}

func (r *fakeGroupRelay) FetchKeyBackup(context.Context, domain.UserID) (domain.KeyBackupBlob, bool, error) {
	return domain.KeyBackupBlob{}, false, nil
}

func (r *fakeGroupRelay) PutGroupKeyBackup(_ context.Context, user domain.UserID, backup domain.GroupKeyBackup) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backups[backupKeyFor(user, backup.ConversationID)] = backup
	return nil
}

func (r *fakeGroupRelay) FetchGroupKeyBackup(_ context.Context, user domain.UserID, conv domain.ConversationID) (domain.GroupKeyBackup, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backupFetches++
	b, ok := r.backups[backupKeyFor(user, conv)]
	return b, ok, nil
}

func (r *fakeGroupRelay) fetchCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.backupFetches
}

func (r *fakeGroupRelay) sentEnvelopes() []domain.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Envelope(nil), r.sent...)
}

func (r *fakeGroupRelay) storedBackup(user domain.UserID, conv domain.ConversationID) (domain.GroupKeyBackup, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.backups[backupKeyFor(user, conv)]
	return b, ok
}

type fixture struct {
	svc    *Service
	conv   *stubConv
	groups *store.Groups
}

func makeIdentity(t *testing.T) domain.IdentityKeyPair {
	t.Helper()
	xPriv, xPub, err := crypto.GenerateX25519()
	require.NoError(t, err)
	edPriv, edPub, err := crypto.GenerateEd25519()
	require.NoError(t, err)
	return domain.IdentityKeyPair{
		XPub: xPub, XPriv: xPriv, EdPub: edPub, EdPriv: edPriv,
		CreatedAt: time.Now().Unix(),
	}
}

func newFixture(t *testing.T, relay *fakeGroupRelay, self domain.UserID, identity domain.IdentityKeyPair) *fixture {
	t.Helper()
	ring := store.NewKeyRing(store.NewMemoryKV())
	require.NoError(t, ring.SaveIdentity(context.Background(), identity))
	groups := store.NewGroups(store.NewMemoryKV())
	conv := &stubConv{}
	return &fixture{svc: New(self, groups, conv, ring, relay, nil), conv: conv, groups: groups}
}

func TestEnsure_CreatesOnceAndBacksUp(t *testing.T) {
	ctx := context.Background()
	relay := newFakeGroupRelay()
	alice := newFixture(t, relay, "alice", makeIdentity(t))

	first, err := alice.svc.Ensure(ctx, "team")
	require.NoError(t, err)
	require.NotEmpty(t, first.KeyID)
	require.Len(t, first.ChainKey, crypto.KeyBytes)

	again, err := alice.svc.Ensure(ctx, "team")
	require.NoError(t, err)
	require.Equal(t, first.KeyID, again.KeyID)

	backup, ok := relay.storedBackup("alice", "team")
	require.True(t, ok)
	require.Equal(t, first.KeyID, backup.KeyID)
	require.NotEqual(t, first.ChainKey, backup.EncryptedKey, "backup must not hold the raw chain key")
}

func TestEncryptDecrypt_InOrderAcrossMembers(t *testing.T) {
	ctx := context.Background()
	relay := newFakeGroupRelay()
	alice := newFixture(t, relay, "alice", makeIdentity(t))
	bob := newFixture(t, relay, "bob", makeIdentity(t))

	require.NoError(t, alice.svc.Distribute(ctx, "team", []domain.UserID{"alice", "bob"}))

	sent := relay.sentEnvelopes()
	require.Len(t, sent, 1, "the sender gets no distribution envelope")
	require.Equal(t, domain.EnvelopeGroupKey, sent[0].Kind)
	require.Equal(t, domain.UserID("bob"), sent[0].To)

	var dist domain.GroupKeyDistribution
	require.NoError(t, json.Unmarshal(sent[0].Message.Ciphertext, &dist))
	require.NoError(t, bob.svc.HandleDistribution(ctx, dist))

	for _, text := range []string{"one", "two", "three"} {
		msg, err := alice.svc.Encrypt(ctx, "team", []byte(text))
		require.NoError(t, err)
		require.Equal(t, dist.KeyID, msg.SenderKeyID)

		plaintext, err := bob.svc.Decrypt(ctx, "team", msg)
		require.NoError(t, err)
		require.Equal(t, []byte(text), plaintext)
	}
}

func TestDecrypt_OutOfOrder(t *testing.T) {
	ctx := context.Background()
	relay := newFakeGroupRelay()
	alice := newFixture(t, relay, "alice", makeIdentity(t))
	bob := newFixture(t, relay, "bob", makeIdentity(t))

	sess, err := alice.svc.Ensure(ctx, "team")
	require.NoError(t, err)
	require.NoError(t, bob.svc.HandleDistribution(ctx, domain.GroupKeyDistribution{
		ConversationID: "team", KeyID: sess.KeyID, ChainKey: sess.ChainKey,
	}))

	m1, err := alice.svc.Encrypt(ctx, "team", []byte("first"))
	require.NoError(t, err)
	m2, err := alice.svc.Encrypt(ctx, "team", []byte("second"))
	require.NoError(t, err)
	m3, err := alice.svc.Encrypt(ctx, "team", []byte("third"))
	require.NoError(t, err)

	// Newest first: the walk caches the keys of the two skipped positions.
	plaintext, err := bob.svc.Decrypt(ctx, "team", m3)
	require.NoError(t, err)
	require.Equal(t, []byte("third"), plaintext)

	plaintext, err = bob.svc.Decrypt(ctx, "team", m1)
	require.NoError(t, err)
	require.Equal(t, []byte("first"), plaintext)

	plaintext, err = bob.svc.Decrypt(ctx, "team", m2)
	require.NoError(t, err)
	require.Equal(t, []byte("second"), plaintext)

	// Every cached key was spent.
	stored, ok, err := bob.groups.LoadGroupSession(ctx, "team")
	require.NoError(t, err)
	require.True(t, ok)
	require.Empty(t, stored.SkippedKeys)
}

func TestDecrypt_ReplayRejected(t *testing.T) {
	ctx := context.Background()
	relay := newFakeGroupRelay()
	alice := newFixture(t, relay, "alice", makeIdentity(t))
	bob := newFixture(t, relay, "bob", makeIdentity(t))

	sess, err := alice.svc.Ensure(ctx, "team")
	require.NoError(t, err)
	require.NoError(t, bob.svc.HandleDistribution(ctx, domain.GroupKeyDistribution{
		ConversationID: "team", KeyID: sess.KeyID, ChainKey: sess.ChainKey,
	}))

	msg, err := alice.svc.Encrypt(ctx, "team", []byte("once"))
	require.NoError(t, err)

	_, err = bob.svc.Decrypt(ctx, "team", msg)
	require.NoError(t, err)

	_, err = bob.svc.Decrypt(ctx, "team", msg)
	require.ErrorIs(t, err, domain.ErrDecryptionFailed, "a spent chain position must not open again")
}

func TestDecrypt_RecoversFromBackup(t *testing.T) {
	ctx := context.Background()
	relay := newFakeGroupRelay()
	identity := makeIdentity(t)
	alice := newFixture(t, relay, "alice", identity)

	_, err := alice.svc.Ensure(ctx, "team")
	require.NoError(t, err)
	msg, err := alice.svc.Encrypt(ctx, "team", []byte("before the crash"))
	require.NoError(t, err)

	// Same account on a restored device: empty group store, same identity.
	restored := newFixture(t, relay, "alice", identity)
	plaintext, err := restored.svc.Decrypt(ctx, "team", msg)
	require.NoError(t, err)
	require.Equal(t, []byte("before the crash"), plaintext)
	require.Equal(t, 1, relay.fetchCount())
}

func TestDecrypt_ConcurrentRecoveryFetchesOnce(t *testing.T) {
	ctx := context.Background()
	relay := newFakeGroupRelay()
	identity := makeIdentity(t)
	alice := newFixture(t, relay, "alice", identity)

	_, err := alice.svc.Ensure(ctx, "team")
	require.NoError(t, err)
	msg, err := alice.svc.Encrypt(ctx, "team", []byte("contended"))
	require.NoError(t, err)

	restored := newFixture(t, relay, "alice", identity)
	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = restored.svc.Decrypt(ctx, "team", msg)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else {
			require.ErrorIs(t, err, domain.ErrDecryptionFailed)
		}
	}
	require.Equal(t, 1, succeeded, "the chain position opens exactly once")
	require.Equal(t, 1, relay.fetchCount(), "concurrent recoveries must share one fetch")
}

func TestRotate_RetiredGenerationRejected(t *testing.T) {
	ctx := context.Background()
	relay := newFakeGroupRelay()
	alice := newFixture(t, relay, "alice", makeIdentity(t))

	old, err := alice.svc.Ensure(ctx, "team")
	require.NoError(t, err)
	oldMsg, err := alice.svc.Encrypt(ctx, "team", []byte("old world"))
	require.NoError(t, err)

	rotated, err := alice.svc.Rotate(ctx, "team", []domain.UserID{"alice"})
	require.NoError(t, err)
	require.NotEqual(t, old.KeyID, rotated.KeyID)

	_, err = alice.svc.Decrypt(ctx, "team", oldMsg)
	require.ErrorIs(t, err, domain.ErrDecryptionFailed)

	backup, ok := relay.storedBackup("alice", "team")
	require.True(t, ok)
	require.Equal(t, rotated.KeyID, backup.KeyID, "rotation must refresh the backup")
}

func TestHandleDistribution_DuplicateKeepsPosition(t *testing.T) {
	ctx := context.Background()
	relay := newFakeGroupRelay()
	alice := newFixture(t, relay, "alice", makeIdentity(t))
	bob := newFixture(t, relay, "bob", makeIdentity(t))

	sess, err := alice.svc.Ensure(ctx, "team")
	require.NoError(t, err)
	dist := domain.GroupKeyDistribution{ConversationID: "team", KeyID: sess.KeyID, ChainKey: sess.ChainKey}
	require.NoError(t, bob.svc.HandleDistribution(ctx, dist))

	msg, err := alice.svc.Encrypt(ctx, "team", []byte("advance"))
	require.NoError(t, err)
	_, err = bob.svc.Decrypt(ctx, "team", msg)
	require.NoError(t, err)

	advanced, ok, err := bob.groups.LoadGroupSession(ctx, "team")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, bob.svc.HandleDistribution(ctx, dist))
	after, ok, err := bob.groups.LoadGroupSession(ctx, "team")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, advanced.ChainKey, after.ChainKey, "a replayed distribution must not rewind the chain")
}

func TestDistribute_OncePerProcess(t *testing.T) {
	ctx := context.Background()
	relay := newFakeGroupRelay()
	alice := newFixture(t, relay, "alice", makeIdentity(t))
	members := []domain.UserID{"alice", "bob", "carol"}

	require.NoError(t, alice.svc.Distribute(ctx, "team", members))
	require.Equal(t, 2, alice.conv.encryptCount())

	require.NoError(t, alice.svc.Distribute(ctx, "team", members))
	require.Equal(t, 2, alice.conv.encryptCount(), "repeat distribution within a process is a no-op")

	alice.svc.ClearState()
	require.NoError(t, alice.svc.Distribute(ctx, "team", members))
	require.Equal(t, 4, alice.conv.encryptCount())
}

func TestHandleDistribution_Malformed(t *testing.T) {
	ctx := context.Background()
	relay := newFakeGroupRelay()
	alice := newFixture(t, relay, "alice", makeIdentity(t))

	err := alice.svc.HandleDistribution(ctx, domain.GroupKeyDistribution{
		ConversationID: "team", KeyID: "k", ChainKey: []byte("short"),
	})
	require.ErrorIs(t, err, domain.ErrInvalidMessageFormat)
}
