package storage

import (
	"fmt"
	"strings"

	"github.com/timmy/xbutler/internal/config"
)

// NewStorage creates an ObjectStorage instance based on the configuration.
// Parameters:
//   - cfg: storage configuration; type "local" uses the filesystem, everything else S3.
//
// Returns:
//   - ObjectStorage: initialized storage implementation.
//   - error: non-nil if the storage cannot be created.
func NewStorage(cfg *config.StorageConfig) (ObjectStorage, error) {
	switch cfg.Type {
	case "local", "":
		return NewLocalStorage(cfg.LocalDir)
	case string(StorageTypeS3), string(StorageTypeR2), string(StorageTypeS3Compatible):
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}

	storeType := StorageType(cfg.Type)
	if cfg.Endpoint != "" && storeType == StorageTypeS3Compatible {
		storeType = detectStorageType(cfg.Endpoint)
	}
	return NewS3Storage(&S3Config{
		Type:      storeType,
		Endpoint:  cfg.Endpoint,
		AccessKey: cfg.AccessKey,
		SecretKey: cfg.SecretKey,
		UseSSL:    cfg.UseSSL,
		Bucket:    cfg.Bucket,
		Region:    cfg.Region,
		PublicURL: cfg.PublicURL,
	})
}

// detectStorageType attempts to detect the storage type from the endpoint
func detectStorageType(endpoint string) StorageType {
	endpoint = strings.ToLower(endpoint)

	switch {
	case strings.Contains(endpoint, "r2.cloudflarestorage.com"):
		return StorageTypeR2
	case strings.Contains(endpoint, "amazonaws.com"):
		return StorageTypeS3
	default:
		return StorageTypeS3Compatible
	}
}
