package storage

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"io"

	"github.com/pkg/errors"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/secretbox"
)

const nonceSize = 24

var sealInfo = []byte("crm_wa credential store v1")

// SealedStore encrypts every payload before handing it to the wrapped store.
// Stored objects are nonce || secretbox(payload).
type SealedStore struct {
	inner CredentialStore
	key   [32]byte
}

func NewSealedStore(inner CredentialStore, secret string) (*SealedStore, error) {
	if secret == "" {
		return nil, errors.New("storage: empty credential secret")
	}
	s := &SealedStore{inner: inner}
	r := hkdf.New(sha256.New, []byte(secret), nil, sealInfo)
	if _, err := io.ReadFull(r, s.key[:]); err != nil {
		return nil, errors.Wrap(err, "derive credential key")
	}
	return s, nil
}

func (s *SealedStore) Read(ctx context.Context, key string) ([]byte, error) {
	sealed, err := s.inner.Read(ctx, key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < nonceSize+secretbox.Overhead {
		return nil, failure("open", key, errors.New("payload too short"))
	}
	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])
	data, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, &s.key)
	if !ok {
		return nil, failure("open", key, errors.New("payload authentication failed"))
	}
	return data, nil
}

func (s *SealedStore) Write(ctx context.Context, key string, data []byte) error {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return failure("seal", key, err)
	}
	sealed := secretbox.Seal(nonce[:], data, &nonce, &s.key)
	return s.inner.Write(ctx, key, sealed)
}

func (s *SealedStore) Delete(ctx context.Context, key string) error {
	return s.inner.Delete(ctx, key)
}

func (s *SealedStore) List(ctx context.Context, prefix string) ([]string, error) {
	return s.inner.List(ctx, prefix)
}
