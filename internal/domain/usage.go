package domain

import "time"

// UsageLog records the cost of one finished job.
type UsageLog struct {
	UserID          string
	JobID           string
	Strategy        string
	SourcePixels    int64
	PixelsProcessed int64
	BytesSaved      int64
	ComputeTimeMS   int64
	CreatedAt       time.Time
}
