package errors

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsMatchesByCode(t *testing.T) {
	err := Wrap(fmt.Errorf("boom"), ErrCodeIntegrity, "checksum mismatch")
	wrapped := fmt.Errorf("failed to read segment: %w", err)

	assert.True(t, Is(wrapped, ErrIntegrity))
	assert.False(t, Is(wrapped, ErrPrecondition))
	assert.True(t, IsKind(wrapped, ErrCodeIntegrity))
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitOK},
		{"config", New(ErrCodeConfig, "bad"), ExitConfig},
		{"timestamp", New(ErrCodeTimestampValidation, "bad"), ExitConfig},
		{"precondition", New(ErrCodePrecondition, "active members"), ExitPrecondition},
		{"integrity", fmt.Errorf("wrapped: %w", New(ErrCodeIntegrity, "mismatch")), ExitIntegrity},
		{"transient", New(ErrCodeTransientIO, "timeout"), ExitRuntime},
		{"plain", fmt.Errorf("plain"), ExitRuntime},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExitCode(tt.err))
		})
	}
}

func TestCombineAggregatesPartitions(t *testing.T) {
	err := Combine("backup failed",
		PartitionFailure("orders:2", 41, New(ErrCodeTransientIO, "fetch timed out")),
		nil,
		PartitionFailure("orders:0", 9, New(ErrCodeTransientIO, "fetch timed out")),
	)
	require.Error(t, err)

	var appErr *AppError
	require.True(t, As(err, &appErr))
	assert.Equal(t, ErrCodePartitionFailure, appErr.Code)
	assert.Equal(t, []string{"orders:0", "orders:2"}, appErr.Partitions)
	assert.Equal(t, int64(41), appErr.Checkpoints["orders:2"])
	assert.Equal(t, int64(9), appErr.Checkpoints["orders:0"])
	assert.Contains(t, err.Error(), "orders:0,orders:2")
}

func TestCombineEscalatesIntegrity(t *testing.T) {
	err := Combine("restore failed",
		PartitionFailure("t:0", -1, New(ErrCodeIntegrity, "checksum mismatch")),
	)
	assert.Equal(t, ExitIntegrity, ExitCode(err))
	assert.True(t, IsKind(err, ErrCodePartitionFailure))
}

func TestCombineNil(t *testing.T) {
	assert.NoError(t, Combine("nothing", nil, nil))
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(New(ErrCodeTransientIO, "x")))
	assert.False(t, IsTransient(New(ErrCodeIntegrity, "x")))
	assert.True(t, IsTransient(context.DeadlineExceeded))
	assert.False(t, IsTransient(nil))
}
