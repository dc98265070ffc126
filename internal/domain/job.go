package domain

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

const (
	JobStatusCreated    = "created"
	JobStatusQueued     = "queued"
	JobStatusProcessing = "processing"
	JobStatusSucceeded  = "succeeded"
	JobStatusFailed     = "failed"

	SourceTypeLocalFile   = "local_file"
	SourceTypeS3Presigned = "s3_presigned"

	OperationResize = "resize"
	OperationBlur   = "blur"
	OperationTrim   = "trim"
)

type CreateJobRequest struct {
	SourceType string          `json:"source_type" validate:"required,oneof=local_file s3_presigned"`
	WebhookURL string          `json:"webhook_url,omitempty" validate:"omitempty,url"`
	ObjectKey  string          `json:"object_key,omitempty"`
	Operations []OperationStep `json:"operations" validate:"required,min=1,max=32,dive"`
	Output     OutputSpec      `json:"output"`
	Preference string          `json:"preference,omitempty" validate:"omitempty,oneof=speed balanced quality"`
}

type OperationStep struct {
	Type               string  `json:"type" validate:"required,oneof=resize blur trim"`
	Width              int     `json:"width,omitempty" validate:"gte=0,lte=65535"`
	Height             int     `json:"height,omitempty" validate:"gte=0,lte=65535"`
	Fit                string  `json:"fit,omitempty" validate:"omitempty,oneof=cover pad contain stretch fill at_most inside at_least outside"`
	Anchor             string  `json:"anchor,omitempty"`
	Background         string  `json:"background,omitempty" validate:"omitempty,hexcolor"`
	WithoutEnlargement bool    `json:"without_enlargement,omitempty"`
	WithoutReduction   bool    `json:"without_reduction,omitempty"`
	Radius             float64 `json:"radius,omitempty" validate:"gte=0,lte=250"`
}

type OutputSpec struct {
	Format  string `json:"format,omitempty" validate:"omitempty,oneof=jpeg jpg png webp"`
	Quality int    `json:"quality,omitempty" validate:"gte=0,lte=100"`
}

type Job struct {
	ID         string
	UserID     string
	Status     string
	SourceType string
	WebhookURL string
	ObjectKey  string
	Operations []OperationStep
	Output     OutputSpec
	Preference string
	ResultKey  string
	Error      string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func (r CreateJobRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		return describeValidation(err)
	}

	sourceType := strings.ToLower(strings.TrimSpace(r.SourceType))
	if sourceType == SourceTypeLocalFile && strings.TrimSpace(r.ObjectKey) == "" {
		return errors.New("object_key is required for source_type=local_file")
	}
	for i, step := range r.Operations {
		if step.Type == OperationResize && step.Width == 0 && step.Height == 0 {
			return fmt.Errorf("operations[%d] resize requires width or height", i)
		}
		if step.WithoutEnlargement && step.WithoutReduction {
			return fmt.Errorf("operations[%d] cannot combine without_enlargement and without_reduction", i)
		}
	}
	return nil
}

func describeValidation(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err
	}
	fe := verrs[0]
	field := fe.Namespace()
	if _, rest, ok := strings.Cut(field, "."); ok {
		field = rest
	}
	switch fe.Tag() {
	case "required":
		return fmt.Errorf("%s is required", field)
	case "oneof":
		return fmt.Errorf("unsupported %s: %v", field, fe.Value())
	default:
		return fmt.Errorf("%s failed %s validation", field, fe.Tag())
	}
}
