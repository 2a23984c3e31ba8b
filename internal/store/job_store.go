package store

import (
	"context"
	"errors"

	"github.com/dunamismax/fisheye/internal/domain"
)

var ErrJobNotFound = errors.New("job not found")

// JobUpdate is applied to a job on every status transition. Empty strings
// leave the stored value unchanged.
type JobUpdate struct {
	Status    string
	OutputKey string
	Error     string
}

type JobStore interface {
	Create(ctx context.Context, job domain.Job) error
	Get(ctx context.Context, id string) (domain.Job, bool, error)
	Update(ctx context.Context, id string, update JobUpdate) (domain.Job, error)
}

type UsageStore interface {
	CreateUsageLog(ctx context.Context, usage domain.UsageLog) error
}
