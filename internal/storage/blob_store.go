package storage

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// BlobClient is the subset of an object store used by BlobStore. Get must
// return ErrNotFound for a missing object; Remove of a missing object is a
// no-op.
type BlobClient interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string) error
	Get(ctx context.Context, bucket, name string) ([]byte, error)
	Put(ctx context.Context, bucket, name string, data []byte) error
	Remove(ctx context.Context, bucket, name string) error
	List(ctx context.Context, bucket, prefix string) ([]string, error)
}

// BlobStore keeps each key as an object named <folder>/<key>.
type BlobStore struct {
	client BlobClient
	bucket string
	folder string

	mu    sync.Mutex
	ready bool
}

func NewBlobStore(client BlobClient, bucket, folder string) *BlobStore {
	return &BlobStore{
		client: client,
		bucket: bucket,
		folder: strings.Trim(folder, "/"),
	}
}

// ensureBucket creates the bucket on first use. A failed attempt is retried
// on the next call.
func (s *BlobStore) ensureBucket(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ready {
		return nil
	}
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return failure("bucket", s.bucket, err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket); err != nil {
			return failure("bucket", s.bucket, err)
		}
	}
	s.ready = true
	return nil
}

func (s *BlobStore) object(key string) string {
	if s.folder == "" {
		return key
	}
	return s.folder + "/" + key
}

func (s *BlobStore) Read(ctx context.Context, key string) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	if err := s.ensureBucket(ctx); err != nil {
		return nil, err
	}
	data, err := s.client.Get(ctx, s.bucket, s.object(key))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, failure("read", key, err)
	}
	return data, nil
}

func (s *BlobStore) Write(ctx context.Context, key string, data []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if err := s.ensureBucket(ctx); err != nil {
		return err
	}
	return failure("write", key, s.client.Put(ctx, s.bucket, s.object(key), data))
}

func (s *BlobStore) Delete(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if err := s.ensureBucket(ctx); err != nil {
		return err
	}
	err := s.client.Remove(ctx, s.bucket, s.object(key))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return failure("delete", key, err)
	}
	return nil
}

func (s *BlobStore) List(ctx context.Context, prefix string) ([]string, error) {
	if err := s.ensureBucket(ctx); err != nil {
		return nil, err
	}
	names, err := s.client.List(ctx, s.bucket, s.object(prefix))
	if err != nil {
		return nil, failure("list", prefix, err)
	}
	keys := make([]string, 0, len(names))
	strip := ""
	if s.folder != "" {
		strip = s.folder + "/"
	}
	for _, name := range names {
		if !strings.HasPrefix(name, strip) {
			continue
		}
		keys = append(keys, strings.TrimPrefix(name, strip))
	}
	sort.Strings(keys)
	return keys, nil
}
