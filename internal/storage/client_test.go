package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeys(t *testing.T) {
	assert.Equal(t, "uploads/job-1/source", UploadKey("job-1"))
	assert.Equal(t, "outputs/job-1.png", OutputKey("", "job-1.png"))
	assert.Equal(t, "renders/job-1.png", OutputKey(" /renders/ ", "job-1.png"))
}

func TestNewClientRequiresBucket(t *testing.T) {
	_, err := NewClient(Config{Endpoint: "localhost:9000", Access: "a", Secret: "b"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bucket is required")

	c, err := NewClient(Config{Endpoint: "localhost:9000", Access: "a", Secret: "b", Bucket: "pixelfit"})
	require.NoError(t, err)
	assert.Equal(t, "pixelfit", c.Bucket())
}
