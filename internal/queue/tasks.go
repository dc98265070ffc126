package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dunamismax/pixelfit/internal/domain"
	"github.com/hibiken/asynq"
)

const (
	TypeTransformImage = "image:transform"
	TypeBatchImages    = "image:batch"
)

type TransformPayload struct {
	JobID       string                 `json:"job_id"`
	SourceType  string                 `json:"source_type"`
	WebhookURL  string                 `json:"webhook_url,omitempty"`
	ObjectKey   string                 `json:"object_key"`
	Operations  []domain.OperationStep `json:"operations"`
	Output      domain.OutputSpec      `json:"output"`
	Preference  string                 `json:"preference,omitempty"`
	RequestedAt time.Time              `json:"requested_at"`
}

// BatchPayload names jobs that were created individually and should be
// processed together by the batch scheduler.
type BatchPayload struct {
	BatchID     string    `json:"batch_id"`
	JobIDs      []string  `json:"job_ids"`
	WebhookURL  string    `json:"webhook_url,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
}

func NewTransformTask(payload TransformPayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal transform payload: %w", err)
	}
	return asynq.NewTask(TypeTransformImage, body), nil
}

func ParseTransformPayload(task *asynq.Task) (TransformPayload, error) {
	var payload TransformPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return TransformPayload{}, fmt.Errorf("unmarshal transform payload: %w", err)
	}
	if payload.JobID == "" {
		return TransformPayload{}, errors.New("transform payload missing job_id")
	}
	return payload, nil
}

func NewBatchTask(payload BatchPayload) (*asynq.Task, error) {
	if len(payload.JobIDs) == 0 {
		return nil, errors.New("batch payload requires at least one job id")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal batch payload: %w", err)
	}
	return asynq.NewTask(TypeBatchImages, body), nil
}

func ParseBatchPayload(task *asynq.Task) (BatchPayload, error) {
	var payload BatchPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return BatchPayload{}, fmt.Errorf("unmarshal batch payload: %w", err)
	}
	if len(payload.JobIDs) == 0 {
		return BatchPayload{}, errors.New("batch payload has no job ids")
	}
	return payload, nil
}
