package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/quantica-technologies/kafka-backup/internal/repository"
	apperrors "github.com/quantica-technologies/kafka-backup/pkg/errors"
)

// LocalRepository implements StorageRepository for local filesystem
type LocalRepository struct {
	basePath string
	prefix   string
}

// NewLocalRepository creates a local filesystem storage repository
func NewLocalRepository(basePath, prefix string) (*LocalRepository, error) {
	if basePath == "" {
		return nil, apperrors.New(apperrors.ErrCodeConfig, "filesystem storage path must be specified")
	}
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	return &LocalRepository{
		basePath: basePath,
		prefix:   strings.Trim(prefix, "/"),
	}, nil
}

func (l *LocalRepository) path(key string) string {
	return filepath.Join(l.basePath, filepath.FromSlash(joinPrefix(l.prefix, key)))
}

func (l *LocalRepository) root() string {
	return filepath.Join(l.basePath, filepath.FromSlash(l.prefix))
}

// writeTemp writes data to a temp file next to fullPath and syncs it.
func (l *LocalRepository) writeTemp(fullPath string, data io.Reader) (string, error) {
	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return "", fmt.Errorf("failed to create directory: %w", err)
	}

	file, err := os.CreateTemp(filepath.Dir(fullPath), "."+filepath.Base(fullPath)+".tmp-*")
	if err != nil {
		return "", fmt.Errorf("failed to create file: %w", err)
	}
	tmp := file.Name()

	if _, err := io.Copy(file, data); err != nil {
		file.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("failed to write file: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("failed to sync file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("failed to close file: %w", err)
	}
	return tmp, nil
}

func (l *LocalRepository) Put(ctx context.Context, key string, data io.Reader, metadata *repository.ObjectMetadata) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fullPath := l.path(key)

	tmp, err := l.writeTemp(fullPath, data)
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, fullPath); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to commit file: %w", err)
	}
	return nil
}

func (l *LocalRepository) PutIfAbsent(ctx context.Context, key string, data io.Reader, metadata *repository.ObjectMetadata) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fullPath := l.path(key)

	tmp, err := l.writeTemp(fullPath, data)
	if err != nil {
		return err
	}
	defer os.Remove(tmp)

	// link fails when the target exists, unlike rename
	if err := os.Link(tmp, fullPath); err != nil {
		if errors.Is(err, os.ErrExist) {
			return apperrors.Newf(apperrors.ErrCodeAlreadyExists, "object %s already exists", key)
		}
		return fmt.Errorf("failed to commit file: %w", err)
	}
	return nil
}

func (l *LocalRepository) Get(ctx context.Context, key string) (io.ReadCloser, *repository.ObjectMetadata, error) {
	file, err := os.Open(l.path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, apperrors.Newf(apperrors.ErrCodeNotFound, "object %s not found", key)
		}
		return nil, nil, fmt.Errorf("failed to open file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, nil, fmt.Errorf("failed to stat file: %w", err)
	}

	return file, infoMetadata(key, info), nil
}

func (l *LocalRepository) List(ctx context.Context, prefix string) ([]*repository.ObjectInfo, error) {
	root := l.root()
	searchPath := l.path(prefix)
	// a prefix may end mid-name, so walk from its directory
	walkFrom := searchPath
	if !strings.HasSuffix(prefix, "/") && prefix != "" {
		walkFrom = filepath.Dir(searchPath)
	}

	var objects []*repository.ObjectInfo
	err := filepath.Walk(walkFrom, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		}
		if info.IsDir() || strings.HasPrefix(info.Name(), ".") {
			return nil
		}
		relPath, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(relPath)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		objects = append(objects, &repository.ObjectInfo{
			Key:          key,
			Size:         info.Size(),
			LastModified: info.ModTime().UTC().Format(time.RFC3339),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", prefix, err)
	}

	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
	return objects, nil
}

func (l *LocalRepository) Delete(ctx context.Context, key string) error {
	err := os.Remove(l.path(key))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

func (l *LocalRepository) Exists(ctx context.Context, key string) (bool, error) {
	_, err := os.Stat(l.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (l *LocalRepository) GetMetadata(ctx context.Context, key string) (*repository.ObjectMetadata, error) {
	info, err := os.Stat(l.path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, apperrors.Newf(apperrors.ErrCodeNotFound, "object %s not found", key)
		}
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}
	return infoMetadata(key, info), nil
}

func (l *LocalRepository) Close() error {
	return nil
}

func (l *LocalRepository) HealthCheck(ctx context.Context) error {
	info, err := os.Stat(l.basePath)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("storage path %s is not a directory", l.basePath)
	}
	return nil
}

func infoMetadata(key string, info os.FileInfo) *repository.ObjectMetadata {
	return &repository.ObjectMetadata{
		Key:          key,
		Size:         info.Size(),
		LastModified: info.ModTime().UTC().Format(time.RFC3339),
	}
}
