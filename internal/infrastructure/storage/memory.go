package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/quantica-technologies/kafka-backup/internal/repository"
	apperrors "github.com/quantica-technologies/kafka-backup/pkg/errors"
)

type memoryObject struct {
	data     []byte
	metadata map[string]string
	modified time.Time
}

// MemoryRepository is an in-process StorageRepository. It backs tests and
// dry runs.
type MemoryRepository struct {
	mu      sync.RWMutex
	objects map[string]memoryObject

	// FailPut, when set, is consulted before every write.
	FailPut func(key string) error
}

// NewMemoryRepository creates an empty in-memory store.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{objects: make(map[string]memoryObject)}
}

func (m *MemoryRepository) Put(ctx context.Context, key string, data io.Reader, metadata *repository.ObjectMetadata) error {
	return m.put(ctx, key, data, metadata, false)
}

func (m *MemoryRepository) PutIfAbsent(ctx context.Context, key string, data io.Reader, metadata *repository.ObjectMetadata) error {
	return m.put(ctx, key, data, metadata, true)
}

func (m *MemoryRepository) put(ctx context.Context, key string, data io.Reader, metadata *repository.ObjectMetadata, ifAbsent bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.FailPut != nil {
		if err := m.FailPut(key); err != nil {
			return err
		}
	}
	buf, err := io.ReadAll(data)
	if err != nil {
		return fmt.Errorf("failed to read object data: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.objects[key]; exists && ifAbsent {
		return apperrors.Newf(apperrors.ErrCodeAlreadyExists, "object %s already exists", key)
	}
	obj := memoryObject{data: buf, modified: time.Now().UTC()}
	if metadata != nil {
		obj.metadata = metadata.CustomMetadata
	}
	m.objects[key] = obj
	return nil
}

func (m *MemoryRepository) Get(ctx context.Context, key string) (io.ReadCloser, *repository.ObjectMetadata, error) {
	m.mu.RLock()
	obj, ok := m.objects[key]
	m.mu.RUnlock()
	if !ok {
		return nil, nil, apperrors.Newf(apperrors.ErrCodeNotFound, "object %s not found", key)
	}
	return io.NopCloser(bytes.NewReader(obj.data)), obj.meta(key), nil
}

func (m *MemoryRepository) List(ctx context.Context, prefix string) ([]*repository.ObjectInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var objects []*repository.ObjectInfo
	for key, obj := range m.objects {
		if strings.HasPrefix(key, prefix) {
			objects = append(objects, &repository.ObjectInfo{
				Key:          key,
				Size:         int64(len(obj.data)),
				LastModified: obj.modified.Format(time.RFC3339),
			})
		}
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
	return objects, nil
}

func (m *MemoryRepository) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *MemoryRepository) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[key]
	return ok, nil
}

func (m *MemoryRepository) GetMetadata(ctx context.Context, key string) (*repository.ObjectMetadata, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrCodeNotFound, "object %s not found", key)
	}
	return obj.meta(key), nil
}

// Corrupt flips a byte of a stored object. Used to exercise integrity checks.
func (m *MemoryRepository) Corrupt(key string, index int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[key]
	if !ok || index >= len(obj.data) {
		return false
	}
	data := append([]byte(nil), obj.data...)
	data[index] ^= 0xFF
	obj.data = data
	m.objects[key] = obj
	return true
}

func (m *MemoryRepository) Close() error {
	return nil
}

func (m *MemoryRepository) HealthCheck(ctx context.Context) error {
	return nil
}

func (o memoryObject) meta(key string) *repository.ObjectMetadata {
	return &repository.ObjectMetadata{
		Key:            key,
		Size:           int64(len(o.data)),
		LastModified:   o.modified.Format(time.RFC3339),
		CustomMetadata: o.metadata,
	}
}
