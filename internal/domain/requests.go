package domain

import (
	"errors"
	"strings"
)

type CreateBatchRequest struct {
	JobIDs     []string `json:"job_ids" validate:"required,min=1,dive,required"`
	WebhookURL string   `json:"webhook_url,omitempty" validate:"omitempty,url"`
}

func (r CreateBatchRequest) Validate(maxJobs int) error {
	if err := validate.Struct(r); err != nil {
		return describeValidation(err)
	}
	if maxJobs > 0 && len(r.JobIDs) > maxJobs {
		return errors.New("job_ids exceeds the batch limit")
	}
	seen := make(map[string]struct{}, len(r.JobIDs))
	for _, id := range r.JobIDs {
		if _, dup := seen[id]; dup {
			return errors.New("job_ids must be unique")
		}
		seen[id] = struct{}{}
	}
	return nil
}

// PlanRequest asks how a source of the given size would be resized, without
// touching any pixels.
type PlanRequest struct {
	SourceWidth  int           `json:"source_width" validate:"required,gte=1,lte=1000000"`
	SourceHeight int           `json:"source_height" validate:"required,gte=1,lte=1000000"`
	Resize       OperationStep `json:"resize"`
	Preference   string        `json:"preference,omitempty" validate:"omitempty,oneof=speed balanced quality"`
}

func (r *PlanRequest) Validate() error {
	if strings.TrimSpace(r.Resize.Type) == "" {
		r.Resize.Type = OperationResize
	}
	if err := validate.Struct(r); err != nil {
		return describeValidation(err)
	}
	if r.Resize.Type != OperationResize {
		return errors.New("resize.type must be resize")
	}
	if r.Resize.Width == 0 && r.Resize.Height == 0 {
		return errors.New("resize requires width or height")
	}
	return nil
}
