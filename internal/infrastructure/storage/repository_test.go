package storage

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantica-technologies/kafka-backup/internal/domain"
	apperrors "github.com/quantica-technologies/kafka-backup/pkg/errors"
)

func TestParseURI(t *testing.T) {
	t.Setenv("STORAGE_ENDPOINT", "http://minio:9000")
	t.Setenv("STORAGE_REGION", "")
	t.Setenv("STORAGE_PATH_STYLE", "true")
	t.Setenv("AWS_ACCESS_KEY_ID", "key")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "secret")

	tests := []struct {
		name    string
		uri     string
		want    *domain.Storage
		wantErr bool
	}{
		{
			name: "bare path",
			uri:  "/var/backups",
			want: &domain.Storage{Type: domain.StorageTypeFilesystem, Config: domain.LocalConfig{BasePath: "/var/backups"}},
		},
		{
			name: "file scheme",
			uri:  "file:///var/backups",
			want: &domain.Storage{Type: domain.StorageTypeFilesystem, Config: domain.LocalConfig{BasePath: "/var/backups"}},
		},
		{
			name: "s3 with prefix",
			uri:  "s3://kafka-backups/prod/cluster-a/",
			want: &domain.Storage{
				Type:   domain.StorageTypeS3,
				Prefix: "prod/cluster-a",
				Config: domain.S3Config{
					Bucket:          "kafka-backups",
					Region:          "us-east-1",
					Endpoint:        "http://minio:9000",
					AccessKeyID:     "key",
					SecretAccessKey: "secret",
					UsePathStyle:    true,
				},
			},
		},
		{
			name: "memory",
			uri:  "memory://",
			want: &domain.Storage{Type: domain.StorageTypeMemory, Config: domain.MemoryConfig{}},
		},
		{name: "empty", uri: "", wantErr: true},
		{name: "s3 without bucket", uri: "s3:///prefix", wantErr: true},
		{name: "unknown scheme", uri: "gs://bucket", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseURI(tt.uri)
			if tt.wantErr {
				assert.True(t, apperrors.IsKind(err, apperrors.ErrCodeConfig))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewRepository(t *testing.T) {
	ctx := context.Background()

	repo, err := NewRepository(ctx, &domain.Storage{
		Type:   domain.StorageTypeFilesystem,
		Prefix: "pfx",
		Config: domain.LocalConfig{BasePath: t.TempDir()},
	})
	require.NoError(t, err)
	require.NoError(t, repo.Put(ctx, "k", strings.NewReader("v"), nil))
	assert.Equal(t, "v", readAll(t, repo, "k"))

	instrumented, ok := repo.(*InstrumentedRepository)
	require.True(t, ok)
	_, isLocal := instrumented.Unwrap().(*LocalRepository)
	assert.True(t, isLocal)

	_, err = NewRepository(ctx, &domain.Storage{Type: "gcs"})
	assert.True(t, apperrors.IsKind(err, apperrors.ErrCodeConfig))

	_, err = NewRepository(ctx, nil)
	assert.True(t, apperrors.IsKind(err, apperrors.ErrCodeConfig))
}

func TestMemoryRepository_Corrupt(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	require.NoError(t, repo.Put(ctx, "seg", strings.NewReader("abc"), nil))

	assert.True(t, repo.Corrupt("seg", 1))
	assert.NotEqual(t, "abc", readAll(t, repo, "seg"))
	assert.False(t, repo.Corrupt("seg", 10))
	assert.False(t, repo.Corrupt("missing", 0))
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "b1/topics/orders/partition=3/segment-00000007.zst", SegmentKey("b1", "orders", 3, 7, "zstd"))
	assert.Equal(t, "b1/checkpoints/orders/partition=3.json", CheckpointKey("b1", "orders", 3))
	assert.Equal(t, "snapshots/offsets/s1.json", SnapshotKey(StandaloneSnapshotScope, "s1"))
	assert.Equal(t, "b1/restores/r1/offset-mapping.json", MappingKey("b1", "r1"))
	assert.Equal(t, "locks/group_payments.lock", LockKey("group/payments"))
	assert.Equal(t, "a/b/k", joinPrefix("/a/b/", "k"))
	assert.Equal(t, "k", joinPrefix("", "k"))
}
