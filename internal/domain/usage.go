package domain

import "time"

type UsageLog struct {
	UserID          string
	JobID           string
	PixelsProcessed int64
	PixelsFilled    int64
	BytesWritten    int64
	ComputeTimeMS   int64
	CreatedAt       time.Time
}
