package store

import (
	"context"
	"testing"
	"time"

	"github.com/dunamismax/pixelfit/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	_ JobStore   = (*MemoryJobStore)(nil)
	_ UsageStore = (*MemoryJobStore)(nil)
	_ JobStore   = (*PostgresJobStore)(nil)
	_ UsageStore = (*PostgresJobStore)(nil)
)

func TestMemoryJobStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryJobStore()

	created := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, s.Create(ctx, domain.Job{
		ID:         "job-1",
		Status:     domain.JobStatusCreated,
		Operations: []domain.OperationStep{{Type: domain.OperationTrim}},
		CreatedAt:  created,
		UpdatedAt:  created,
	}))

	job, err := s.UpdateStatus(ctx, "job-1", domain.JobStatusProcessing)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusProcessing, job.Status)
	assert.True(t, job.UpdatedAt.After(created))

	job, err = s.Finish(ctx, "job-1", domain.JobStatusSucceeded, "outputs/job-1.png", "")
	require.NoError(t, err)
	assert.Equal(t, "outputs/job-1.png", job.ResultKey)

	got, ok, err := s.Get(ctx, "job-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.JobStatusSucceeded, got.Status)

	_, err = s.UpdateStatus(ctx, "missing", domain.JobStatusFailed)
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestMemoryJobStoreUsage(t *testing.T) {
	s := NewMemoryJobStore()
	require.NoError(t, s.CreateUsageLog(context.Background(), domain.UsageLog{JobID: "a", PixelsProcessed: 10}))

	logs := s.UsageLogs()
	require.Len(t, logs, 1)
	logs[0].JobID = "mutated"
	assert.Equal(t, "a", s.UsageLogs()[0].JobID)
}

func TestOpenWithoutDSNUsesMemory(t *testing.T) {
	s, closeFn, err := Open(context.Background(), "  ")
	require.NoError(t, err)
	require.NoError(t, closeFn())
	_, ok := s.(*MemoryJobStore)
	assert.True(t, ok)
}
