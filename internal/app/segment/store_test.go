package segment

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantica-technologies/kafka-backup/internal/domain"
	"github.com/quantica-technologies/kafka-backup/internal/infrastructure/storage"
	apperrors "github.com/quantica-technologies/kafka-backup/pkg/errors"
	"github.com/quantica-technologies/kafka-backup/pkg/logger"
	"github.com/quantica-technologies/kafka-backup/pkg/metrics"
	"github.com/quantica-technologies/kafka-backup/pkg/retry"
	"github.com/quantica-technologies/kafka-backup/pkg/utils"
)

func testRecords(start, n int) []*domain.Record {
	records := make([]*domain.Record, n)
	for i := range records {
		off := int64(start + i)
		records[i] = &domain.Record{
			Offset:    off,
			Timestamp: 1700000000000 + off*1000,
			Key:       []byte(fmt.Sprintf("key-%d", off)),
			Value:     bytes.Repeat([]byte{byte('a' + off%26)}, 100),
			Headers:   []domain.Header{{Key: "trace", Value: []byte(fmt.Sprintf("t-%d", off))}},
		}
	}
	return records
}

func newTestStore() (*Store, *storage.MemoryRepository) {
	mem := storage.NewMemoryRepository()
	policy := retry.Policy{MaxAttempts: 2}
	return NewStore(mem, policy, logger.NewNop()), mem
}

func TestStore_RoundTrip(t *testing.T) {
	for _, compression := range []string{utils.CompressionNone, utils.CompressionGzip, utils.CompressionZstd, utils.CompressionLz4} {
		t.Run(compression, func(t *testing.T) {
			store, _ := newTestStore()
			records := testRecords(10, 25)
			records[3].Key = nil
			records[4].Headers = nil

			spec := Spec{BackupID: "b1", Topic: "orders", Partition: 2, Compression: compression}
			segments, err := store.WriteSegments(context.Background(), spec, 0, records)
			require.NoError(t, err)
			require.Len(t, segments, 1)

			seg := segments[0]
			assert.Equal(t, int64(10), seg.StartOffset)
			assert.Equal(t, int64(35), seg.EndOffset)
			assert.Equal(t, int64(25), seg.RecordCount)
			assert.Equal(t, records[0].Timestamp, seg.MinTimestamp)
			assert.Equal(t, records[24].Timestamp, seg.MaxTimestamp)
			assert.Len(t, seg.Checksum, 64)
			assert.Equal(t, storage.SegmentKey("b1", "orders", 2, 0, compression), seg.Key)

			got, err := store.ReadSegment(context.Background(), seg)
			require.NoError(t, err)
			assert.Equal(t, records, got)
			assert.Nil(t, got[3].Key)
		})
	}
}

func TestStore_SplitsOversizedSegments(t *testing.T) {
	store, _ := newTestStore()
	records := testRecords(0, 16)

	spec := Spec{BackupID: "b1", Topic: "orders", Compression: utils.CompressionNone, MaxBytes: 1000}
	segments, err := store.WriteSegments(context.Background(), spec, 5, records)
	require.NoError(t, err)
	require.Greater(t, len(segments), 1)

	var total int64
	next := int64(0)
	for i, seg := range segments {
		assert.Equal(t, 5+i, seg.Sequence)
		assert.Equal(t, next, seg.StartOffset, "segments must be contiguous")
		if seg.RecordCount > 1 {
			assert.LessOrEqual(t, seg.CompressedSize, spec.MaxBytes)
		}
		next = seg.EndOffset
		total += seg.RecordCount
	}
	assert.Equal(t, int64(16), total)
}

func TestStore_SingleOversizedRecord(t *testing.T) {
	store, _ := newTestStore()
	big := &domain.Record{Offset: 0, Timestamp: 1700000000000, Value: bytes.Repeat([]byte("x"), 5000)}

	spec := Spec{BackupID: "b1", Topic: "orders", Compression: utils.CompressionNone, MaxBytes: 100}
	segments, err := store.WriteSegments(context.Background(), spec, 0, []*domain.Record{big})
	require.NoError(t, err)
	require.Len(t, segments, 1)
	assert.Greater(t, segments[0].CompressedSize, spec.MaxBytes)
}

func TestStore_CompressionFailureIsInternal(t *testing.T) {
	store, mem := newTestStore()
	spec := Spec{BackupID: "b1", Topic: "orders", Compression: "brotli"}

	_, err := store.WriteSegments(context.Background(), spec, 0, testRecords(0, 3))
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.ErrCodeInternal), "got %v", err)
	assert.Equal(t, apperrors.ExitRuntime, apperrors.ExitCode(err))

	objects, err := mem.List(context.Background(), "b1/")
	require.NoError(t, err)
	assert.Empty(t, objects)
}

func TestStore_DetectsCorruption(t *testing.T) {
	store, mem := newTestStore()
	spec := Spec{BackupID: "b1", Topic: "orders", Compression: utils.CompressionZstd}
	segments, err := store.WriteSegments(context.Background(), spec, 0, testRecords(0, 10))
	require.NoError(t, err)
	seg := segments[0]

	before := testutil.ToFloat64(metrics.IntegrityFailures)
	require.True(t, mem.Corrupt(seg.Key, int(seg.CompressedSize/2)))

	_, err = store.ReadSegment(context.Background(), seg)
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.ErrCodeIntegrity))
	assert.Equal(t, apperrors.ExitIntegrity, apperrors.ExitCode(err))
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.IntegrityFailures))
}

func TestStore_DetectsManifestMismatch(t *testing.T) {
	store, _ := newTestStore()
	spec := Spec{BackupID: "b1", Topic: "orders", Compression: utils.CompressionGzip}
	segments, err := store.WriteSegments(context.Background(), spec, 0, testRecords(0, 10))
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*domain.Segment)
	}{
		{name: "size", mutate: func(s *domain.Segment) { s.CompressedSize++ }},
		{name: "count", mutate: func(s *domain.Segment) { s.RecordCount = 9 }},
		{name: "range", mutate: func(s *domain.Segment) { s.EndOffset = 5 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seg := segments[0]
			tt.mutate(&seg)
			_, err := store.ReadSegment(context.Background(), seg)
			assert.True(t, apperrors.IsKind(err, apperrors.ErrCodeIntegrity))
		})
	}
}

func TestStore_RewriteIsIdempotent(t *testing.T) {
	store, mem := newTestStore()
	spec := Spec{BackupID: "b1", Topic: "orders", Compression: utils.CompressionLz4}
	records := testRecords(0, 5)

	first, err := store.WriteSegments(context.Background(), spec, 0, records)
	require.NoError(t, err)
	second, err := store.WriteSegments(context.Background(), spec, 0, records)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	// an orphan with other content under the same key is replaced
	other, err := store.WriteSegments(context.Background(), spec, 0, testRecords(0, 3))
	require.NoError(t, err)
	got, err := store.ReadSegment(context.Background(), other[0])
	require.NoError(t, err)
	assert.Len(t, got, 3)

	objects, err := mem.List(context.Background(), "b1/topics/")
	require.NoError(t, err)
	assert.Len(t, objects, 1)
}

func TestWriter_ClosesOnRecordCap(t *testing.T) {
	store, _ := newTestStore()
	w := NewWriter(store, Spec{BackupID: "b1", Topic: "orders", Compression: utils.CompressionZstd}, 4, 3)

	var segments []domain.Segment
	for _, r := range testRecords(0, 10) {
		out, err := w.Add(context.Background(), r)
		require.NoError(t, err)
		segments = append(segments, out...)
	}
	assert.Len(t, segments, 2)
	assert.Equal(t, 2, w.Buffered())

	out, err := w.Flush(context.Background())
	require.NoError(t, err)
	segments = append(segments, out...)

	require.Len(t, segments, 3)
	assert.Equal(t, []int{3, 4, 5}, []int{segments[0].Sequence, segments[1].Sequence, segments[2].Sequence})
	assert.Equal(t, int64(8), segments[2].StartOffset)
	assert.Equal(t, 6, w.NextSequence())
}

func TestWriter_ClosesOnByteCap(t *testing.T) {
	store, _ := newTestStore()
	w := NewWriter(store, Spec{BackupID: "b1", Topic: "orders", Compression: utils.CompressionNone, MaxBytes: 600}, 1000, 0)

	var segments []domain.Segment
	for _, r := range testRecords(0, 12) {
		out, err := w.Add(context.Background(), r)
		require.NoError(t, err)
		segments = append(segments, out...)
	}
	out, err := w.Flush(context.Background())
	require.NoError(t, err)
	segments = append(segments, out...)

	require.Greater(t, len(segments), 2)
	var total int64
	for _, s := range segments {
		total += s.RecordCount
	}
	assert.Equal(t, int64(12), total)
}
