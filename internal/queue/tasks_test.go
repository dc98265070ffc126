package queue

import (
	"testing"
	"time"

	"github.com/dunamismax/pixelfit/internal/domain"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransformTaskRoundTrip(t *testing.T) {
	payload := TransformPayload{
		JobID:      "job-123",
		SourceType: domain.SourceTypeS3Presigned,
		ObjectKey:  "uploads/job-123/source",
		Operations: []domain.OperationStep{
			{Type: domain.OperationResize, Width: 300, Height: 300, Fit: "cover"},
			{Type: domain.OperationTrim},
		},
		Output:      domain.OutputSpec{Format: "webp", Quality: 75},
		RequestedAt: time.Now().UTC(),
	}

	task, err := NewTransformTask(payload)
	require.NoError(t, err)
	assert.Equal(t, TypeTransformImage, task.Type())

	parsed, err := ParseTransformPayload(task)
	require.NoError(t, err)
	assert.Equal(t, payload.JobID, parsed.JobID)
	assert.Equal(t, payload.Operations, parsed.Operations)
	assert.Equal(t, payload.Output, parsed.Output)
}

func TestParseTransformPayloadRejectsGarbage(t *testing.T) {
	_, err := ParseTransformPayload(asynq.NewTask(TypeTransformImage, []byte("{")))
	assert.Error(t, err)

	_, err = ParseTransformPayload(asynq.NewTask(TypeTransformImage, []byte(`{"source_type":"local_file"}`)))
	assert.ErrorContains(t, err, "missing job_id")
}

func TestBatchTask(t *testing.T) {
	_, err := NewBatchTask(BatchPayload{BatchID: "b"})
	assert.Error(t, err)

	task, err := NewBatchTask(BatchPayload{BatchID: "b", JobIDs: []string{"a", "c"}})
	require.NoError(t, err)
	assert.Equal(t, TypeBatchImages, task.Type())

	parsed, err := ParseBatchPayload(task)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, parsed.JobIDs)
}
