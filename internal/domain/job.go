package domain

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

const (
	JobStatusCreated    = "created"
	JobStatusQueued     = "queued"
	JobStatusProcessing = "processing"
	JobStatusSucceeded  = "succeeded"
	JobStatusFailed     = "failed"

	SourceTypeLocalFile   = "local_file"
	SourceTypeS3Presigned = "s3_presigned"
)

type CreateJobRequest struct {
	SourceType string   `json:"source_type"`
	WebhookURL string   `json:"webhook_url,omitempty"`
	ObjectKey  string   `json:"object_key,omitempty"`
	Strength   *float64 `json:"strength,omitempty"`
}

type Job struct {
	ID         string    `json:"job_id"`
	UserID     string    `json:"user_id,omitempty"`
	Status     string    `json:"status"`
	SourceType string    `json:"source_type"`
	WebhookURL string    `json:"webhook_url,omitempty"`
	ObjectKey  string    `json:"object_key"`
	Strength   float64   `json:"strength"`
	OutputKey  string    `json:"output_key,omitempty"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (j Job) Terminal() bool {
	return j.Status == JobStatusSucceeded || j.Status == JobStatusFailed
}

func (r CreateJobRequest) Validate() error {
	sourceType := strings.ToLower(strings.TrimSpace(r.SourceType))
	if sourceType == "" {
		return errors.New("source_type is required")
	}
	if sourceType != SourceTypeLocalFile && sourceType != SourceTypeS3Presigned {
		return fmt.Errorf("unsupported source_type: %s", r.SourceType)
	}
	if sourceType == SourceTypeLocalFile && strings.TrimSpace(r.ObjectKey) == "" {
		return errors.New("object_key is required for source_type=local_file")
	}
	if r.Strength != nil {
		s := *r.Strength
		if math.IsNaN(s) || s < 0 || s >= 1 {
			return fmt.Errorf("strength must be in [0,1), got %v", s)
		}
	}
	return nil
}

// StrengthOr returns the requested strength, or fallback when none was given.
func (r CreateJobRequest) StrengthOr(fallback float64) float64 {
	if r.Strength == nil {
		return fallback
	}
	return *r.Strength
}
