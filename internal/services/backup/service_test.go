package backup

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"sealchat/internal/domain"
	"sealchat/internal/services/keyring"
	"sealchat/internal/store"
)

type fakeBackupRelay struct {
	mu    sync.Mutex
	blobs map[domain.UserID]domain.KeyBackupBlob
}

func newFakeBackupRelay() *fakeBackupRelay {
	return &fakeBackupRelay{blobs: make(map[domain.UserID]domain.KeyBackupBlob)}
}

func (r *fakeBackupRelay) PublishKeyBundle(context.Context, domain.PublicKeyBundle) error { return nil }

func (r *fakeBackupRelay) FetchKeyBundle(context.Context, domain.UserID) (domain.PublicKeyBundle, error) {
	return domain.PublicKeyBundle{}, nil
}

func (r *fakeBackupRelay) SendEnvelope(context.Context, domain.Envelope) error { return nil }

func (r *fakeBackupRelay) FetchEnvelopes(context.Context, domain.UserID, int) ([]domain.Envelope, error) {
	return nil, nil
}

func (r *fakeBackupRelay) AckEnvelopes(context.Context, domain.UserID, int) error { return nil }

func (r *fakeBackupRelay) PutKeyBackup(_ context.Context, user domain.UserID, blob domain.KeyBackupBlob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blobs[user] = blob
	return nil
}

func (r *fakeBackupRelay) FetchKeyBackup(_ context.Context, user domain.UserID) (domain.KeyBackupBlob, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	blob, ok := r.blobs[user]
	return blob, ok, nil
}

func (r *fakeBackupRelay) PutGroupKeyBackup(context.Context, domain.UserID, domain.GroupKeyBackup) error {
	return nil
}

func (r *fakeBackupRelay) FetchGroupKeyBackup(context.Context, domain.UserID, domain.ConversationID) (domain.GroupKeyBackup, bool, error) {
	return domain.GroupKeyBackup{}, false, nil
}

func (r *fakeBackupRelay) mutate(user domain.UserID, fn func(*domain.KeyBackupBlob)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	blob := r.blobs[user]
	fn(&blob)
	r.blobs[user] = blob
}

func newRing(t *testing.T) (*keyring.Service, domain.KeyRingSnapshot) {
	t.Helper()
	ring := keyring.New(store.NewKeyRing(store.NewMemoryKV()))
	snap, err := ring.Initialize(context.Background())
	require.NoError(t, err)
	return ring, snap
}

func TestCreateRestore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	relay := newFakeBackupRelay()
	ring, snap := newRing(t)

	require.NoError(t, New("alice", ring, relay).Create(ctx, "482916"))

	// A wiped device: fresh stores, nothing but the PIN.
	freshRing := keyring.New(store.NewKeyRing(store.NewMemoryKV()))
	require.NoError(t, New("alice", freshRing, relay).Restore(ctx, "482916"))

	restored, err := freshRing.Snapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, snap.Identity.XPub, restored.Identity.XPub)
	require.Equal(t, snap.Identity.XPriv, restored.Identity.XPriv)
	require.Equal(t, snap.CurrentSignedPreKeyID, restored.CurrentSignedPreKeyID)
	require.Len(t, restored.SignedPreKeys, len(snap.SignedPreKeys))
	require.Len(t, restored.OneTimePreKeys, len(snap.OneTimePreKeys))
}

func TestRestore_WrongPin(t *testing.T) {
	ctx := context.Background()
	relay := newFakeBackupRelay()
	ring, _ := newRing(t)

	require.NoError(t, New("alice", ring, relay).Create(ctx, "482916"))

	freshRing := keyring.New(store.NewKeyRing(store.NewMemoryKV()))
	err := New("alice", freshRing, relay).Restore(ctx, "000000")
	require.ErrorIs(t, err, domain.ErrInvalidPin)
}

func TestRestore_NoBackup(t *testing.T) {
	ring, _ := newRing(t)
	err := New("alice", ring, newFakeBackupRelay()).Restore(context.Background(), "482916")
	require.ErrorIs(t, err, domain.ErrBackupNotFound)
}

func TestRestore_TamperedBlob(t *testing.T) {
	ctx := context.Background()
	relay := newFakeBackupRelay()
	ring, _ := newRing(t)

	require.NoError(t, New("alice", ring, relay).Create(ctx, "482916"))
	relay.mutate("alice", func(b *domain.KeyBackupBlob) {
		b.EncryptedData[0] ^= 0xff
	})

	freshRing := keyring.New(store.NewKeyRing(store.NewMemoryKV()))
	err := New("alice", freshRing, relay).Restore(ctx, "482916")
	require.ErrorIs(t, err, domain.ErrInvalidPin)
}

func TestRestore_ForeignIdentityRejected(t *testing.T) {
	ctx := context.Background()
	relay := newFakeBackupRelay()
	ring, _ := newRing(t)

	require.NoError(t, New("alice", ring, relay).Create(ctx, "482916"))

	// A different account's ring is already on this device.
	otherRing, _ := newRing(t)
	err := New("alice", otherRing, relay).Restore(ctx, "482916")
	require.ErrorIs(t, err, domain.ErrInvalidPin)
}

func TestPinValidation(t *testing.T) {
	ring, _ := newRing(t)
	svc := New("alice", ring, newFakeBackupRelay())

	for _, pin := range []string{"", "12345", "1234567", "12345a", "12 456"} {
		require.ErrorIs(t, svc.Create(context.Background(), pin), domain.ErrInvalidPin, "pin %q", pin)
	}
}
