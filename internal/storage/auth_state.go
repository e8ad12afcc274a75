package storage

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// Key material categories.
const (
	CategoryPreKey              = "pre-key"
	CategorySession             = "session"
	CategorySenderKey           = "sender-key"
	CategorySenderKeyMemory     = "sender-key-memory"
	CategoryAppStateSyncKey     = "app-state-sync-key"
	CategoryAppStateSyncVersion = "app-state-sync-version"
)

type KeyPair struct {
	Public  []byte `json:"public"`
	Private []byte `json:"private"`
}

type SignedPreKey struct {
	KeyPair
	KeyID     uint32 `json:"key_id"`
	Signature []byte `json:"signature"`
}

// Credentials is the per-tenant identity blob. It is created on pairing,
// overwritten on rotation and removed on logout.
type Credentials struct {
	DeviceID       string       `json:"device_id"`
	RegistrationID uint32       `json:"registration_id"`
	NoiseKey       KeyPair      `json:"noise_key"`
	IdentityKey    KeyPair      `json:"identity_key"`
	SignedPreKey   SignedPreKey `json:"signed_pre_key"`
	AdvSecretKey   []byte       `json:"adv_secret_key"`
	Account        []byte       `json:"account,omitempty"`
	Platform       string       `json:"platform,omitempty"`
	PushName       string       `json:"push_name,omitempty"`
	BusinessName   string       `json:"business_name,omitempty"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// Paired reports whether the blob carries a device identity.
func (c *Credentials) Paired() bool {
	return c != nil && c.DeviceID != ""
}

// AppStateSyncKey is the structured payload of the app-state-sync-key
// category.
type AppStateSyncKey struct {
	Data        []byte `json:"data"`
	Fingerprint []byte `json:"fingerprint"`
	Timestamp   int64  `json:"timestamp"`
}

// KeyStore reads and writes protocol key material.
type KeyStore interface {
	Get(ctx context.Context, category string, ids []string) (map[string][]byte, error)
	// Set writes or deletes (nil payload) each entry independently.
	Set(ctx context.Context, batch map[string]map[string][]byte) error
}

// AuthState is the credential blob plus key material of one tenant.
type AuthState struct {
	store  CredentialStore
	prefix string
}

func NewAuthState(store CredentialStore, tenantID uint) *AuthState {
	return &AuthState{
		store:  store,
		prefix: fmt.Sprintf("tenants/%d/", tenantID),
	}
}

func (a *AuthState) credsKey() string {
	return a.prefix + "creds.json"
}

func (a *AuthState) keysPrefix() string {
	return a.prefix + "keys/"
}

// keyPath encodes id so that distinct ids never share an object, whatever
// characters they contain.
func (a *AuthState) keyPath(category, id string) string {
	return a.keysPrefix() + category + "/" + base64.RawURLEncoding.EncodeToString([]byte(id)) + ".json"
}

// LoadCreds returns nil when the tenant has never paired.
func (a *AuthState) LoadCreds(ctx context.Context) (*Credentials, error) {
	data, err := a.store.Read(ctx, a.credsKey())
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, failure("decode", a.credsKey(), err)
	}
	return &creds, nil
}

func (a *AuthState) SaveCreds(ctx context.Context, creds *Credentials) error {
	if creds == nil {
		return errors.New("storage: nil credentials")
	}
	data, err := json.Marshal(creds)
	if err != nil {
		return errors.Wrap(err, "encode credentials")
	}
	return a.store.Write(ctx, a.credsKey(), data)
}

func (a *AuthState) Keys() KeyStore { return a }

// Get returns the entries that exist; missing ids are absent from the map.
func (a *AuthState) Get(ctx context.Context, category string, ids []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(ids))
	for _, id := range ids {
		data, err := a.store.Read(ctx, a.keyPath(category, id))
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		out[id] = data
	}
	return out, nil
}

// Set applies every entry of the batch and returns the first error seen.
func (a *AuthState) Set(ctx context.Context, batch map[string]map[string][]byte) error {
	var firstErr error
	for category, entries := range batch {
		for id, payload := range entries {
			var err error
			if payload == nil {
				err = a.store.Delete(ctx, a.keyPath(category, id))
			} else {
				err = a.store.Write(ctx, a.keyPath(category, id), payload)
			}
			if err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (a *AuthState) PutAppStateSyncKey(ctx context.Context, id string, key AppStateSyncKey) error {
	data, err := json.Marshal(key)
	if err != nil {
		return errors.Wrap(err, "encode app state sync key")
	}
	return a.Set(ctx, map[string]map[string][]byte{
		CategoryAppStateSyncKey: {id: data},
	})
}

// GetAppStateSyncKey returns nil when the key is not stored.
func (a *AuthState) GetAppStateSyncKey(ctx context.Context, id string) (*AppStateSyncKey, error) {
	found, err := a.Get(ctx, CategoryAppStateSyncKey, []string{id})
	if err != nil {
		return nil, err
	}
	data, ok := found[id]
	if !ok {
		return nil, nil
	}
	var key AppStateSyncKey
	if err := json.Unmarshal(data, &key); err != nil {
		return nil, failure("decode", a.keyPath(CategoryAppStateSyncKey, id), err)
	}
	return &key, nil
}

// Clear removes the credential blob and every key material entry.
func (a *AuthState) Clear(ctx context.Context) error {
	keys, err := a.store.List(ctx, a.keysPrefix())
	if err != nil {
		return err
	}
	var firstErr error
	for _, key := range keys {
		if err := a.store.Delete(ctx, key); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := a.store.Delete(ctx, a.credsKey()); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
