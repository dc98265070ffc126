package domain

import (
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validRequest() CreateJobRequest {
	return CreateJobRequest{
		SourceType: SourceTypeS3Presigned,
		Operations: []OperationStep{
			{Type: OperationResize, Width: 300, Height: 300, Fit: "cover"},
			{Type: OperationBlur, Radius: 1.5},
			{Type: OperationTrim},
		},
		Output: OutputSpec{Format: "jpeg", Quality: 80},
	}
}

func TestCreateJobRequestValidate(t *testing.T) {
	require.NoError(t, validRequest().Validate())

	cases := []struct {
		name   string
		mutate func(*CreateJobRequest)
		want   string
	}{
		{"empty", func(r *CreateJobRequest) { *r = CreateJobRequest{} }, "source_type is required"},
		{"unsupported source", func(r *CreateJobRequest) { r.SourceType = "http_url" }, "unsupported source_type"},
		{"local without key", func(r *CreateJobRequest) { r.SourceType = SourceTypeLocalFile }, "object_key is required"},
		{"no operations", func(r *CreateJobRequest) { r.Operations = nil }, "operations is required"},
		{"bad op type", func(r *CreateJobRequest) { r.Operations[1].Type = "sharpen" }, "unsupported operations[1].type"},
		{"bad fit", func(r *CreateJobRequest) { r.Operations[0].Fit = "zoom" }, "unsupported operations[0].fit"},
		{"negative width", func(r *CreateJobRequest) { r.Operations[0].Width = -3 }, "operations[0].width failed gte"},
		{"resize without target", func(r *CreateJobRequest) { r.Operations[0].Width, r.Operations[0].Height = 0, 0 }, "requires width or height"},
		{"conflicting bounds", func(r *CreateJobRequest) {
			r.Operations[0].WithoutEnlargement = true
			r.Operations[0].WithoutReduction = true
		}, "cannot combine"},
		{"bad background", func(r *CreateJobRequest) { r.Operations[0].Background = "red" }, "operations[0].background failed hexcolor"},
		{"bad format", func(r *CreateJobRequest) { r.Output.Format = "gif" }, "unsupported output.format"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := validRequest()
			tc.mutate(&req)
			err := req.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestParseHexColor(t *testing.T) {
	c, err := ParseHexColor("#ff8000")
	require.NoError(t, err)
	assert.Equal(t, color.NRGBA{R: 255, G: 128, B: 0, A: 255}, c)

	c, err = ParseHexColor("#0f08")
	require.NoError(t, err)
	assert.Equal(t, color.NRGBA{R: 0, G: 255, B: 0, A: 136}, c)

	_, err = ParseHexColor("#12345")
	assert.Error(t, err)
}

func TestCreateBatchRequestValidate(t *testing.T) {
	assert.NoError(t, CreateBatchRequest{JobIDs: []string{"a", "b"}}.Validate(10))
	assert.EqualError(t, CreateBatchRequest{}.Validate(10), "job_ids is required")
	assert.EqualError(t, CreateBatchRequest{JobIDs: []string{"a", "b", "c"}}.Validate(2), "job_ids exceeds the batch limit")
	assert.EqualError(t, CreateBatchRequest{JobIDs: []string{"a", "a"}}.Validate(0), "job_ids must be unique")
	assert.Error(t, CreateBatchRequest{JobIDs: []string{"a", ""}}.Validate(0))
}

func TestPlanRequestValidate(t *testing.T) {
	req := PlanRequest{SourceWidth: 1920, SourceHeight: 1080, Resize: OperationStep{Width: 300, Height: 300}}
	require.NoError(t, req.Validate())
	assert.Equal(t, OperationResize, req.Resize.Type)

	bad := PlanRequest{SourceWidth: 1920, Resize: OperationStep{Width: 300}}
	assert.EqualError(t, bad.Validate(), "source_height is required")

	blur := PlanRequest{SourceWidth: 10, SourceHeight: 10, Resize: OperationStep{Type: OperationBlur, Width: 5}}
	assert.EqualError(t, blur.Validate(), "resize.type must be resize")

	empty := PlanRequest{SourceWidth: 10, SourceHeight: 10}
	assert.EqualError(t, empty.Validate(), "resize requires width or height")
}
