package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantica-technologies/kafka-backup/internal/domain"
	apperrors "github.com/quantica-technologies/kafka-backup/pkg/errors"
)

func newTestS3(t *testing.T, handler http.HandlerFunc) *S3Repository {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	repo, err := NewS3Repository(context.Background(), domain.S3Config{
		Bucket:          "backups",
		Region:          "us-east-1",
		Endpoint:        server.URL,
		AccessKeyID:     "test",
		SecretAccessKey: "test",
		UsePathStyle:    true,
	}, "prod")
	require.NoError(t, err)
	return repo
}

func TestS3Repository_ListStripsPrefix(t *testing.T) {
	var gotPrefix string
	repo := newTestS3(t, func(w http.ResponseWriter, r *http.Request) {
		gotPrefix = r.URL.Query().Get("prefix")
		w.Header().Set("Content-Type", "application/xml")
		fmt.Fprint(w, `<?xml version="1.0" encoding="UTF-8"?>
<ListBucketResult xmlns="http://s3.amazonaws.com/doc/2006-03-01/">
  <Name>backups</Name>
  <Prefix>prod/b1/</Prefix>
  <KeyCount>2</KeyCount>
  <MaxKeys>1000</MaxKeys>
  <IsTruncated>false</IsTruncated>
  <Contents><Key>prod/b1/manifest.json</Key><Size>10</Size></Contents>
  <Contents><Key>prod/b1/state.json</Key><Size>20</Size></Contents>
</ListBucketResult>`)
	})

	objects, err := repo.List(context.Background(), "b1/")
	require.NoError(t, err)
	assert.Equal(t, "prod/b1/", gotPrefix)
	require.Len(t, objects, 2)
	assert.Equal(t, "b1/manifest.json", objects[0].Key)
	assert.Equal(t, int64(20), objects[1].Size)
}

func TestS3Repository_GetMissing(t *testing.T) {
	repo := newTestS3(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/xml")
		w.WriteHeader(http.StatusNotFound)
		if r.Method != http.MethodHead {
			fmt.Fprint(w, `<?xml version="1.0" encoding="UTF-8"?>
<Error><Code>NoSuchKey</Code><Message>The specified key does not exist.</Message></Error>`)
		}
	})

	_, _, err := repo.Get(context.Background(), "b1/manifest.json")
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.ErrCodeNotFound))

	exists, err := repo.Exists(context.Background(), "b1/manifest.json")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestS3Repository_GetUsesPrefixedKey(t *testing.T) {
	var gotPath string
	repo := newTestS3(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"ok":true}`)
	})

	rc, _, err := repo.Get(context.Background(), "b1/state.json")
	require.NoError(t, err)
	defer rc.Close()
	assert.Equal(t, "/backups/prod/b1/state.json", gotPath)
}

func TestMapS3Error(t *testing.T) {
	tests := []struct {
		code string
		want string
	}{
		{code: "NoSuchKey", want: apperrors.ErrCodeNotFound},
		{code: "NotFound", want: apperrors.ErrCodeNotFound},
		{code: "PreconditionFailed", want: apperrors.ErrCodeAlreadyExists},
		{code: "ConditionalRequestConflict", want: apperrors.ErrCodeAlreadyExists},
		{code: "AccessDenied", want: apperrors.ErrCodeInternal},
		{code: "SlowDown", want: apperrors.ErrCodeTransientIO},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			err := mapS3Error(&smithy.GenericAPIError{Code: tt.code, Message: "x"}, "k")
			assert.Equal(t, tt.want, apperrors.KindOf(err))
		})
	}

	plain := errors.New("connection reset")
	assert.Equal(t, plain, mapS3Error(plain, "k"))
	assert.True(t, apperrors.IsTransient(mapS3Error(plain, "k")))
}

func TestNewS3Repository_RequiresBucket(t *testing.T) {
	_, err := NewS3Repository(context.Background(), domain.S3Config{}, "")
	assert.True(t, apperrors.IsKind(err, apperrors.ErrCodeConfig))
}
