// Package storage persists WhatsApp session credentials and protocol key
// material behind a small key/value contract with interchangeable backends.
package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

var (
	// ErrNotFound is returned by Read when the key does not exist. Callers
	// treat it as "no credentials yet".
	ErrNotFound = errors.New("storage: not found")

	// ErrStorageFailure matches every I/O error raised by a backend.
	ErrStorageFailure = errors.New("storage: failure")

	ErrInvalidKey = errors.New("storage: invalid key")
)

// CredentialStore is implemented by every credential backend. All backends
// must behave identically: Read of a missing key returns ErrNotFound, Delete
// of a missing key succeeds, List returns keys in lexical order.
type CredentialStore interface {
	Read(ctx context.Context, key string) ([]byte, error)
	Write(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
}

type failureError struct {
	op  string
	key string
	err error
}

func (e *failureError) Error() string {
	return fmt.Sprintf("storage: %s %q: %v", e.op, e.key, e.err)
}

func (e *failureError) Unwrap() error { return e.err }

func (e *failureError) Is(target error) bool { return target == ErrStorageFailure }

func failure(op, key string, err error) error {
	if err == nil {
		return nil
	}
	return &failureError{op: op, key: key, err: err}
}

// validateKey rejects keys that could escape the backend namespace.
func validateKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return errors.Wrapf(ErrInvalidKey, "%q", key)
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return errors.Wrapf(ErrInvalidKey, "%q", key)
		}
	}
	return nil
}
