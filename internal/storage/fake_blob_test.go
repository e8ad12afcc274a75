package storage

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

type memBlobClient struct {
	mu          sync.Mutex
	buckets     map[string]map[string][]byte
	existsCalls int
	failExists  error
}

func newMemBlobClient() *memBlobClient {
	return &memBlobClient{buckets: map[string]map[string][]byte{}}
}

func (c *memBlobClient) BucketExists(_ context.Context, bucket string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.existsCalls++
	if c.failExists != nil {
		return false, c.failExists
	}
	_, ok := c.buckets[bucket]
	return ok, nil
}

func (c *memBlobClient) MakeBucket(_ context.Context, bucket string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buckets[bucket] = map[string][]byte{}
	return nil
}

func (c *memBlobClient) Get(_ context.Context, bucket, name string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, ok := c.buckets[bucket][name]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

func (c *memBlobClient) Put(_ context.Context, bucket, name string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.buckets[bucket]
	if !ok {
		return errors.New("no such bucket")
	}
	b[name] = append([]byte(nil), data...)
	return nil
}

func (c *memBlobClient) Remove(_ context.Context, bucket, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.buckets[bucket], name)
	return nil
}

func (c *memBlobClient) List(_ context.Context, bucket, prefix string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var names []string
	for name := range c.buckets[bucket] {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}
