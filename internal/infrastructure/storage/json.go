package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/segmentio/encoding/json"

	"github.com/quantica-technologies/kafka-backup/internal/repository"
)

const contentTypeJSON = "application/json"

func marshalIndent(v interface{}) ([]byte, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode json: %w", err)
	}
	return data, nil
}

func putJSON(ctx context.Context, store repository.StorageRepository, key string, v interface{}) error {
	data, err := marshalIndent(v)
	if err != nil {
		return err
	}
	return store.Put(ctx, key, bytes.NewReader(data), &repository.ObjectMetadata{
		Key:         key,
		Size:        int64(len(data)),
		ContentType: contentTypeJSON,
	})
}

func putJSONIfAbsent(ctx context.Context, store repository.StorageRepository, key string, v interface{}) error {
	data, err := marshalIndent(v)
	if err != nil {
		return err
	}
	return store.PutIfAbsent(ctx, key, bytes.NewReader(data), &repository.ObjectMetadata{
		Key:         key,
		Size:        int64(len(data)),
		ContentType: contentTypeJSON,
	})
}

func getJSON(ctx context.Context, store repository.StorageRepository, key string, v interface{}) error {
	rc, _, err := store.Get(ctx, key)
	if err != nil {
		return err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return nil
}
