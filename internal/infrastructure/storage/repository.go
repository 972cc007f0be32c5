package storage

import (
	"context"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/quantica-technologies/kafka-backup/internal/domain"
	"github.com/quantica-technologies/kafka-backup/internal/repository"
	apperrors "github.com/quantica-technologies/kafka-backup/pkg/errors"
	"github.com/quantica-technologies/kafka-backup/pkg/metrics"
)

// NewRepository creates a new storage repository based on config
func NewRepository(ctx context.Context, cfg *domain.Storage) (repository.StorageRepository, error) {
	if cfg == nil {
		return nil, apperrors.New(apperrors.ErrCodeConfig, "storage configuration is required")
	}

	var (
		repo repository.StorageRepository
		err  error
	)
	switch cfg.Type {
	case domain.StorageTypeS3:
		s3cfg, ok := cfg.Config.(domain.S3Config)
		if !ok {
			return nil, apperrors.New(apperrors.ErrCodeConfig, "s3 storage requires s3 settings")
		}
		repo, err = NewS3Repository(ctx, s3cfg, cfg.Prefix)
	case domain.StorageTypeFilesystem:
		local, ok := cfg.Config.(domain.LocalConfig)
		if !ok {
			return nil, apperrors.New(apperrors.ErrCodeConfig, "filesystem storage requires a path")
		}
		repo, err = NewLocalRepository(local.BasePath, cfg.Prefix)
	case domain.StorageTypeMemory:
		repo = NewMemoryRepository()
	default:
		return nil, apperrors.Newf(apperrors.ErrCodeConfig, "unsupported storage backend: %s", cfg.Type)
	}
	if err != nil {
		return nil, err
	}
	return NewInstrumented(repo), nil
}

// ParseURI turns a --path argument into a storage configuration.
// Accepted forms are s3://bucket/prefix, file:///dir and a bare directory.
// S3 settings not expressible in the URI come from STORAGE_ENDPOINT,
// STORAGE_REGION, STORAGE_PATH_STYLE, AWS_ACCESS_KEY_ID and
// AWS_SECRET_ACCESS_KEY.
func ParseURI(uri string) (*domain.Storage, error) {
	if uri == "" {
		return nil, apperrors.New(apperrors.ErrCodeConfig, "storage path must be specified")
	}

	if !strings.Contains(uri, "://") {
		return &domain.Storage{
			Type:   domain.StorageTypeFilesystem,
			Config: domain.LocalConfig{BasePath: uri},
		}, nil
	}

	u, err := url.Parse(uri)
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.ErrCodeConfig, "invalid storage path %q", uri)
	}

	switch u.Scheme {
	case "file":
		p := u.Path
		if u.Host != "" {
			p = u.Host + p
		}
		return &domain.Storage{
			Type:   domain.StorageTypeFilesystem,
			Config: domain.LocalConfig{BasePath: p},
		}, nil
	case "s3":
		if u.Host == "" {
			return nil, apperrors.Newf(apperrors.ErrCodeConfig, "storage path %q has no bucket", uri)
		}
		pathStyle, _ := strconv.ParseBool(os.Getenv("STORAGE_PATH_STYLE"))
		return &domain.Storage{
			Type:   domain.StorageTypeS3,
			Prefix: strings.Trim(u.Path, "/"),
			Config: domain.S3Config{
				Bucket:          u.Host,
				Region:          envOr("STORAGE_REGION", "us-east-1"),
				Endpoint:        os.Getenv("STORAGE_ENDPOINT"),
				AccessKeyID:     os.Getenv("AWS_ACCESS_KEY_ID"),
				SecretAccessKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
				UsePathStyle:    pathStyle,
			},
		}, nil
	case "memory":
		return &domain.Storage{Type: domain.StorageTypeMemory, Config: domain.MemoryConfig{}}, nil
	default:
		return nil, apperrors.Newf(apperrors.ErrCodeConfig, "unsupported storage scheme %q", u.Scheme)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// InstrumentedRepository records metrics for every storage call.
type InstrumentedRepository struct {
	repository.StorageRepository
}

// NewInstrumented wraps a repository with storage metrics.
func NewInstrumented(repo repository.StorageRepository) *InstrumentedRepository {
	return &InstrumentedRepository{StorageRepository: repo}
}

// Unwrap returns the underlying repository.
func (r *InstrumentedRepository) Unwrap() repository.StorageRepository {
	return r.StorageRepository
}

func observe(operation string, start time.Time, err error) {
	metrics.ObserveStorage(operation, time.Since(start).Seconds(), err)
}

func (r *InstrumentedRepository) Put(ctx context.Context, key string, data io.Reader, metadata *repository.ObjectMetadata) error {
	start := time.Now()
	err := r.StorageRepository.Put(ctx, key, data, metadata)
	observe("put", start, err)
	return err
}

func (r *InstrumentedRepository) PutIfAbsent(ctx context.Context, key string, data io.Reader, metadata *repository.ObjectMetadata) error {
	start := time.Now()
	err := r.StorageRepository.PutIfAbsent(ctx, key, data, metadata)
	observe("put_if_absent", start, err)
	return err
}

func (r *InstrumentedRepository) Get(ctx context.Context, key string) (io.ReadCloser, *repository.ObjectMetadata, error) {
	start := time.Now()
	rc, meta, err := r.StorageRepository.Get(ctx, key)
	observe("get", start, err)
	return rc, meta, err
}

func (r *InstrumentedRepository) List(ctx context.Context, prefix string) ([]*repository.ObjectInfo, error) {
	start := time.Now()
	objects, err := r.StorageRepository.List(ctx, prefix)
	observe("list", start, err)
	return objects, err
}
