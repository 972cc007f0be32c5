package domain

import "fmt"

// Storage represents a storage backend configuration
type Storage struct {
	Type   StorageType
	Prefix string
	Config StorageConfig
}

type StorageType string

const (
	StorageTypeS3         StorageType = "s3"
	StorageTypeFilesystem StorageType = "filesystem"
	StorageTypeMemory     StorageType = "memory"
)

// StorageConfig is a marker interface for storage-specific configs
type StorageConfig interface {
	Validate() error
}

// S3Config holds S3-specific configuration
type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
}

func (c S3Config) Validate() error {
	if c.Bucket == "" {
		return fmt.Errorf("s3 bucket must be specified")
	}
	if c.Region == "" && c.Endpoint == "" {
		return fmt.Errorf("s3 region or endpoint must be specified")
	}
	if (c.AccessKeyID == "") != (c.SecretAccessKey == "") {
		return fmt.Errorf("s3 access key id and secret access key must be set together")
	}
	return nil
}

// LocalConfig holds local filesystem configuration
type LocalConfig struct {
	BasePath string
}

func (c LocalConfig) Validate() error {
	if c.BasePath == "" {
		return fmt.Errorf("filesystem storage path must be specified")
	}
	return nil
}

// MemoryConfig selects the in-process store.
type MemoryConfig struct{}

func (c MemoryConfig) Validate() error {
	return nil
}
