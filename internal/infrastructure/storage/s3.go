package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/quantica-technologies/kafka-backup/internal/domain"
	"github.com/quantica-technologies/kafka-backup/internal/repository"
	apperrors "github.com/quantica-technologies/kafka-backup/pkg/errors"
)

// S3Repository implements StorageRepository for AWS S3 and S3-compatible
// stores such as MinIO.
type S3Repository struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	prefix   string
}

// NewS3Repository creates an S3 storage repository
func NewS3Repository(ctx context.Context, cfg domain.S3Config, prefix string) (*S3Repository, error) {
	if err := cfg.Validate(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeConfig, "invalid s3 storage configuration")
	}

	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return &S3Repository{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   cfg.Bucket,
		prefix:   strings.Trim(prefix, "/"),
	}, nil
}

func (s *S3Repository) fullKey(key string) string {
	return joinPrefix(s.prefix, key)
}

func (s *S3Repository) Put(ctx context.Context, key string, data io.Reader, metadata *repository.ObjectMetadata) error {
	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.fullKey(key)),
		Body:   data,
	}
	applyMetadata(input, metadata)

	if _, err := s.uploader.Upload(ctx, input); err != nil {
		return mapS3Error(err, key)
	}
	return nil
}

func (s *S3Repository) PutIfAbsent(ctx context.Context, key string, data io.Reader, metadata *repository.ObjectMetadata) error {
	buf, err := io.ReadAll(data)
	if err != nil {
		return fmt.Errorf("failed to read object data: %w", err)
	}

	input := &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.fullKey(key)),
		Body:        bytes.NewReader(buf),
		IfNoneMatch: aws.String("*"),
	}
	applyMetadata(input, metadata)

	if _, err := s.client.PutObject(ctx, input); err != nil {
		return mapS3Error(err, key)
	}
	return nil
}

func (s *S3Repository) Get(ctx context.Context, key string) (io.ReadCloser, *repository.ObjectMetadata, error) {
	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.fullKey(key)),
	})
	if err != nil {
		return nil, nil, mapS3Error(err, key)
	}

	metadata := &repository.ObjectMetadata{
		Key:            key,
		Size:           aws.ToInt64(result.ContentLength),
		ContentType:    aws.ToString(result.ContentType),
		ETag:           aws.ToString(result.ETag),
		CustomMetadata: result.Metadata,
	}
	if result.LastModified != nil {
		metadata.LastModified = result.LastModified.UTC().Format(time.RFC3339)
	}

	return result.Body, metadata, nil
}

func (s *S3Repository) List(ctx context.Context, prefix string) ([]*repository.ObjectInfo, error) {
	var objects []*repository.ObjectInfo

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.fullKey(prefix)),
	})

	strip := ""
	if s.prefix != "" {
		strip = s.prefix + "/"
	}

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, mapS3Error(err, prefix)
		}
		for _, obj := range page.Contents {
			info := &repository.ObjectInfo{
				Key:  strings.TrimPrefix(aws.ToString(obj.Key), strip),
				Size: aws.ToInt64(obj.Size),
				ETag: aws.ToString(obj.ETag),
			}
			if obj.LastModified != nil {
				info.LastModified = obj.LastModified.UTC().Format(time.RFC3339)
			}
			objects = append(objects, info)
		}
	}

	return objects, nil
}

func (s *S3Repository) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.fullKey(key)),
	})
	if err != nil {
		return mapS3Error(err, key)
	}
	return nil
}

func (s *S3Repository) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.GetMetadata(ctx, key)
	if err == nil {
		return true, nil
	}
	if apperrors.IsKind(err, apperrors.ErrCodeNotFound) {
		return false, nil
	}
	return false, err
}

func (s *S3Repository) GetMetadata(ctx context.Context, key string) (*repository.ObjectMetadata, error) {
	result, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.fullKey(key)),
	})
	if err != nil {
		return nil, mapS3Error(err, key)
	}

	return &repository.ObjectMetadata{
		Key:            key,
		Size:           aws.ToInt64(result.ContentLength),
		ContentType:    aws.ToString(result.ContentType),
		ETag:           aws.ToString(result.ETag),
		CustomMetadata: result.Metadata,
	}, nil
}

func (s *S3Repository) Close() error {
	return nil
}

func (s *S3Repository) HealthCheck(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.bucket),
	})
	if err != nil {
		return mapS3Error(err, "")
	}
	return nil
}

func applyMetadata(input *s3.PutObjectInput, metadata *repository.ObjectMetadata) {
	if metadata == nil {
		return
	}
	if metadata.ContentType != "" {
		input.ContentType = aws.String(metadata.ContentType)
	}
	if len(metadata.CustomMetadata) > 0 {
		input.Metadata = metadata.CustomMetadata
	}
}

// mapS3Error classifies S3 API errors into application error kinds.
// Unclassified errors are left as is and retried as transient.
func mapS3Error(err error, key string) error {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	switch apiErr.ErrorCode() {
	case "NoSuchKey", "NotFound":
		return apperrors.Wrapf(err, apperrors.ErrCodeNotFound, "object %s not found", key)
	case "PreconditionFailed", "ConditionalRequestConflict":
		return apperrors.Wrapf(err, apperrors.ErrCodeAlreadyExists, "object %s already exists", key)
	case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "NoSuchBucket":
		return apperrors.Wrapf(err, apperrors.ErrCodeInternal, "s3 request for %q rejected", key)
	case "SlowDown", "RequestTimeout", "InternalError", "ServiceUnavailable":
		return apperrors.Wrapf(err, apperrors.ErrCodeTransientIO, "s3 request for %q failed", key)
	}
	return err
}
