package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantica-technologies/kafka-backup/internal/domain"
	"github.com/quantica-technologies/kafka-backup/internal/repository"
	apperrors "github.com/quantica-technologies/kafka-backup/pkg/errors"
)

func TestBroker_ProduceFetch(t *testing.T) {
	ctx := context.Background()
	b := NewBroker()
	require.NoError(t, b.CreateTopic("orders", 2))

	producer, err := b.CreateProducer(ctx, nil, repository.ProducerConfig{})
	require.NoError(t, err)
	offsets, err := producer.ProduceBatch(ctx, "orders", 1, []*domain.Record{
		{Offset: 99, Timestamp: 1000, Value: []byte("a")},
		{Offset: 98, Timestamp: 2000, Value: []byte("b")},
		{Offset: 97, Timestamp: 3000, Value: []byte("c")},
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{0, 1, 2}, offsets)

	admin, err := b.CreateAdmin(ctx, nil)
	require.NoError(t, err)
	low, high, err := admin.GetOffsets(ctx, "orders", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), low)
	assert.Equal(t, int64(3), high)

	b.Compact("orders", 1, 1)
	reader, err := b.CreateReader(ctx, nil)
	require.NoError(t, err)
	records, err := reader.Fetch(ctx, "orders", 1, 1, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, int64(2), records[0].Offset)
	assert.Equal(t, int64(3000), records[0].Timestamp)

	b.DeleteRecordsBefore("orders", 1, 2)
	_, err = reader.Fetch(ctx, "orders", 1, 0, 10)
	assert.True(t, apperrors.IsKind(err, apperrors.ErrCodeNotFound))
	assert.Equal(t, []int64{1, 0}, b.FetchLog("orders", 1))
}

func TestBroker_RecreatedTopicRestartsOffsets(t *testing.T) {
	b := NewBroker()
	require.NoError(t, b.CreateTopic("orders", 1))
	_, err := b.Append("orders", 0, &domain.Record{Value: []byte("a")}, &domain.Record{Value: []byte("b")})
	require.NoError(t, err)

	require.NoError(t, b.DeleteTopic("orders"))
	require.NoError(t, b.CreateTopic("orders", 1))
	offsets, err := b.Append("orders", 0, &domain.Record{Value: []byte("c")})
	require.NoError(t, err)
	assert.Equal(t, []int64{0}, offsets)
}

func TestBroker_Groups(t *testing.T) {
	ctx := context.Background()
	b := NewBroker()
	admin, err := b.CreateGroupAdmin(ctx, nil)
	require.NoError(t, err)

	offsets := domain.GroupOffsets{"orders:0": {Offset: 4, Metadata: "m"}}
	require.NoError(t, admin.CommitOffsets(ctx, "payments", offsets))

	got, err := admin.FetchOffsets(ctx, "payments")
	require.NoError(t, err)
	assert.Equal(t, offsets, got)

	b.SetMembers("payments", "consumer-1")
	groups, err := admin.DescribeGroups(ctx, []string{"payments", "unknown"})
	require.NoError(t, err)
	assert.True(t, groups["payments"].Active())
	assert.Equal(t, "Dead", groups["unknown"].State)

	err = admin.CommitOffsets(ctx, "payments", offsets)
	assert.True(t, apperrors.IsKind(err, apperrors.ErrCodePrecondition))
}
