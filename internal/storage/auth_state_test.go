package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleCreds() *Credentials {
	return &Credentials{
		DeviceID:       "5215512345678.0:3@s.whatsapp.net",
		RegistrationID: 4242,
		NoiseKey:       KeyPair{Public: []byte{1, 2}, Private: []byte{3, 4}},
		IdentityKey:    KeyPair{Public: []byte{5}, Private: []byte{6}},
		SignedPreKey: SignedPreKey{
			KeyPair:   KeyPair{Public: []byte{7}, Private: []byte{8}},
			KeyID:     1,
			Signature: []byte{9, 9},
		},
		AdvSecretKey: []byte("adv"),
		Platform:     "android",
		PushName:     "Agency",
		UpdatedAt:    time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestAuthStateCredsRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			state := NewAuthState(store, 7)

			creds, err := state.LoadCreds(ctx)
			require.NoError(t, err)
			assert.Nil(t, creds)
			assert.False(t, creds.Paired())

			require.NoError(t, state.SaveCreds(ctx, sampleCreds()))

			creds, err = state.LoadCreds(ctx)
			require.NoError(t, err)
			assert.Equal(t, sampleCreds(), creds)
			assert.True(t, creds.Paired())
		})
	}
}

func TestAuthStateKeyMaterial(t *testing.T) {
	ctx := context.Background()
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			state := NewAuthState(store, 7)
			keys := state.Keys()

			require.NoError(t, keys.Set(ctx, map[string]map[string][]byte{
				CategoryPreKey:  {"1": []byte("pk1"), "2": []byte("pk2")},
				CategorySession: {"5215512345678.0:3": []byte("sess")},
			}))

			got, err := keys.Get(ctx, CategoryPreKey, []string{"1", "2", "3"})
			require.NoError(t, err)
			assert.Equal(t, map[string][]byte{"1": []byte("pk1"), "2": []byte("pk2")}, got)

			got, err = keys.Get(ctx, CategorySession, []string{"5215512345678.0:3"})
			require.NoError(t, err)
			assert.Equal(t, []byte("sess"), got["5215512345678.0:3"])

			require.NoError(t, keys.Set(ctx, map[string]map[string][]byte{
				CategoryPreKey: {"1": nil},
			}))
			got, err = keys.Get(ctx, CategoryPreKey, []string{"1", "2"})
			require.NoError(t, err)
			assert.NotContains(t, got, "1")
			assert.Contains(t, got, "2")
		})
	}
}

func TestAuthStateAppStateSyncKeyRoundTrip(t *testing.T) {
	ctx := context.Background()
	want := AppStateSyncKey{
		Data:        []byte{0x00, 0xff, 0x10, 0x80},
		Fingerprint: []byte(`{"rawId":1,"currentIndex":2}`),
		Timestamp:   1714564800000,
	}
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			state := NewAuthState(store, 3)

			missing, err := state.GetAppStateSyncKey(ctx, "AAAAAA==")
			require.NoError(t, err)
			assert.Nil(t, missing)

			require.NoError(t, state.PutAppStateSyncKey(ctx, "AAAAAA==", want))

			got, err := state.GetAppStateSyncKey(ctx, "AAAAAA==")
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, want, *got)
		})
	}
}

func TestAuthStateClearRemovesEverythingForTenantOnly(t *testing.T) {
	ctx := context.Background()
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			mine := NewAuthState(store, 1)
			other := NewAuthState(store, 2)

			for _, s := range []*AuthState{mine, other} {
				require.NoError(t, s.SaveCreds(ctx, sampleCreds()))
				require.NoError(t, s.Set(ctx, map[string]map[string][]byte{
					CategorySenderKey: {"group/1": []byte("x")},
				}))
			}

			require.NoError(t, mine.Clear(ctx))
			require.NoError(t, mine.Clear(ctx))

			creds, err := mine.LoadCreds(ctx)
			require.NoError(t, err)
			assert.Nil(t, creds)
			remaining, err := store.List(ctx, "tenants/1/")
			require.NoError(t, err)
			assert.Empty(t, remaining)

			creds, err = other.LoadCreds(ctx)
			require.NoError(t, err)
			assert.True(t, creds.Paired())
		})
	}
}

func TestAuthStateEncodesIDs(t *testing.T) {
	state := NewAuthState(nil, 9)
	assert.Equal(t, "tenants/9/keys/sender-key/Z3JvdXAvMToy.json", state.keyPath(CategorySenderKey, "group/1:2"))
	assert.NotEqual(t, state.keyPath(CategorySession, "a:b"), state.keyPath(CategorySession, "a-b"))
	assert.NotEqual(t, state.keyPath(CategorySession, "a/b"), state.keyPath(CategorySession, "a__b"))
}

func TestAuthStateKeepsLookalikeIDsApart(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	state := NewAuthState(store, 3)

	require.NoError(t, state.Set(ctx, map[string]map[string][]byte{
		CategorySenderKey: {
			"120363000000000000@g.us:5215512345678": []byte("colon"),
			"120363000000000000@g.us-5215512345678": []byte("dash"),
		},
	}))
	got, err := state.Get(ctx, CategorySenderKey, []string{
		"120363000000000000@g.us:5215512345678",
		"120363000000000000@g.us-5215512345678",
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("colon"), got["120363000000000000@g.us:5215512345678"])
	assert.Equal(t, []byte("dash"), got["120363000000000000@g.us-5215512345678"])
}
