// Package bridge is the boundary a host application talks to: it turns a
// file path into a processed bitmap path and forwards pick requests to the
// host.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"

	"github.com/dunamismax/fisheye/internal/domain"
	"github.com/dunamismax/fisheye/internal/id"
	"github.com/dunamismax/fisheye/internal/pipeline"
)

var ErrNoHost = errors.New("no host attached")

// Host owns the user-facing image picker. PickImage must return promptly;
// the chosen path is delivered later through Bridge.Process.
type Host interface {
	PickImage(ctx context.Context) error
}

type processor interface {
	Process(ctx context.Context, req pipeline.Request) (pipeline.Result, error)
}

type Bridge struct {
	logger    *log.Logger
	processor processor
	host      Host
	strength  float64
}

// New returns a bridge that writes each output next to its source. host may
// be nil when the caller never requests a pick.
func New(logger *log.Logger, p processor, host Host, strength float64) (*Bridge, error) {
	if p == nil {
		return nil, errors.New("processor is required")
	}
	if err := pipeline.ValidateStrength(strength); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Bridge{logger: logger, processor: p, host: host, strength: strength}, nil
}

// Process runs the pipeline on inputPath and returns the bitmap path.
func (b *Bridge) Process(ctx context.Context, inputPath string) (string, error) {
	result, err := b.Run(ctx, inputPath)
	if err != nil {
		return "", err
	}
	return result.Output.Path, nil
}

// Run is Process with the full pipeline result.
func (b *Bridge) Run(ctx context.Context, inputPath string) (pipeline.Result, error) {
	inputPath = strings.TrimSpace(inputPath)
	if inputPath == "" {
		return pipeline.Result{}, errors.New("input path is required")
	}

	jobID := id.New()
	result, err := b.processor.Process(ctx, pipeline.Request{
		JobID:      jobID,
		SourceType: domain.SourceTypeLocalFile,
		ObjectKey:  inputPath,
		Strength:   b.strength,
	})
	if err != nil {
		b.logger.Printf("processing failed job_id=%s input=%s err=%v", jobID, inputPath, err)
		return pipeline.Result{}, fmt.Errorf("process %s: %w", inputPath, err)
	}
	b.logger.Printf("processing finished job_id=%s input=%s output=%s", jobID, inputPath, result.Output.Path)
	return result, nil
}

// RequestImagePick asks the host to let the user choose an image.
func (b *Bridge) RequestImagePick(ctx context.Context) error {
	if b.host == nil {
		return ErrNoHost
	}
	if err := b.host.PickImage(ctx); err != nil {
		return fmt.Errorf("request image pick: %w", err)
	}
	return nil
}
