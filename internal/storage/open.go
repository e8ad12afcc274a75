package storage

import (
	"crm_wa/internal/config"

	"github.com/pkg/errors"
)

// Open builds the credential backend selected by cfg.Backend, sealed when a
// credential secret is configured.
func Open(cfg config.StoreConfig) (CredentialStore, error) {
	var (
		store CredentialStore
		err   error
	)
	switch cfg.Backend {
	case config.BackendLocal:
		store, err = NewFileStore(cfg.LocalDir)
	case config.BackendDurable:
		var client *MinioClient
		client, err = NewMinioClient(MinioOptions{
			Endpoint:  cfg.Endpoint,
			AccessKey: cfg.AccessKey,
			SecretKey: cfg.SecretKey,
			UseSSL:    cfg.UseSSL,
			Region:    cfg.Region,
		})
		if err == nil {
			store = NewBlobStore(client, cfg.Bucket, cfg.Folder)
		}
	default:
		return nil, errors.Errorf("storage: unsupported backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}
	if cfg.Secret != "" {
		return NewSealedStore(store, cfg.Secret)
	}
	return store, nil
}
