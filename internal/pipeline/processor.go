package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/dunamismax/fisheye/internal/domain"
	"github.com/dunamismax/fisheye/internal/raster"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const SourceTypeLocalFile = domain.SourceTypeLocalFile

var (
	ErrUnsupportedSourceType   = errors.New("unsupported source_type")
	ErrDecode                  = errors.New("decode image")
	ErrImageTooLarge           = errors.New("image exceeds pixel limit")
	ErrUnsupportedChannelCount = errors.New("unsupported channel count")
	ErrEncode                  = errors.New("encode bitmap")
	ErrInvalidStrength         = errors.New("fisheye strength must be in [0,1)")
)

type Request struct {
	JobID      string
	SourceType string
	ObjectKey  string
	Strength   float64
}

// Source is a fetched input available as a local file.
type Source struct {
	Path    string
	Bytes   int64
	Cleanup func()
}

type Output struct {
	Path  string
	Bytes int
}

type Result struct {
	Output      Output
	Geometry    raster.Geometry
	SourceBytes int64
	Remap       RemapStats
}

type Fetcher interface {
	Fetch(ctx context.Context, req Request) (Source, error)
}

type Emitter interface {
	Emit(ctx context.Context, req Request, src Source, img *raster.Buffer) (Output, error)
}

type Options struct {
	Logger    *log.Logger
	MaxPixels int64
}

type Processor struct {
	logger  *log.Logger
	fetcher Fetcher
	decoder Decoder
	emitter Emitter
	tracer  trace.Tracer
}

// NewLocalProcessor reads source files from disk. With an empty outputDir
// outputs land next to their source as ProcessedPath(source).
func NewLocalProcessor(outputDir string, opts Options) (*Processor, error) {
	return newProcessor(LocalFileFetcher{}, LocalFileEmitter{OutputDir: outputDir}, opts)
}

func NewObjectStoreProcessor(fetcher ObjectStoreFetcher, emitter ObjectStoreEmitter, opts Options) (*Processor, error) {
	if fetcher.Storage == nil || emitter.Storage == nil {
		return nil, errors.New("storage client is required")
	}
	return newProcessor(fetcher, emitter, opts)
}

func newProcessor(fetcher Fetcher, emitter Emitter, opts Options) (*Processor, error) {
	if err := Startup(); err != nil {
		return nil, fmt.Errorf("start decoder runtime: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	return &Processor{
		logger:  logger,
		fetcher: fetcher,
		decoder: NewDecoder(opts.MaxPixels),
		emitter: emitter,
		tracer:  otel.Tracer("fisheye/pipeline"),
	}, nil
}

// Process runs fetch, decode, fisheye and emit in sequence and stops at the
// first failing stage. Each stage owns the buffer it produces; the decoded
// buffer is dropped once the transform has its own copy.
func (p *Processor) Process(ctx context.Context, req Request) (Result, error) {
	if strings.TrimSpace(req.ObjectKey) == "" {
		return Result{}, errors.New("object_key is required")
	}
	if err := ValidateStrength(req.Strength); err != nil {
		return Result{}, err
	}

	ctx, span := p.tracer.Start(ctx, "pipeline.process")
	defer span.End()
	span.SetAttributes(
		attribute.String("job.id", req.JobID),
		attribute.String("job.source_type", req.SourceType),
		attribute.Float64("fisheye.strength", req.Strength),
	)

	result, err := p.run(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "pipeline failed")
		p.logger.Printf("pipeline failed job_id=%s object_key=%s err=%v", req.JobID, req.ObjectKey, err)
		return Result{}, err
	}
	span.SetAttributes(
		attribute.Int("image.width", result.Geometry.Width),
		attribute.Int("image.height", result.Geometry.Height),
		attribute.Int("image.channels", result.Geometry.Channels),
		attribute.Int("fisheye.filled_pixels", result.Remap.Filled),
	)
	span.SetStatus(codes.Ok, "processed")
	return result, nil
}

func (p *Processor) run(ctx context.Context, req Request) (Result, error) {
	src, err := p.fetcher.Fetch(ctx, req)
	if err != nil {
		return Result{}, fmt.Errorf("fetch stage: %w", err)
	}
	if src.Cleanup != nil {
		defer src.Cleanup()
	}

	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	transformed, stats, err := p.decodeAndTransform(ctx, req, src.Path)
	if err != nil {
		return Result{}, err
	}
	geom := transformed.Geometry()

	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	emitCtx, span := p.tracer.Start(ctx, "pipeline.emit")
	out, err := p.emitter.Emit(emitCtx, req, src, transformed)
	span.End()
	if err != nil {
		return Result{}, fmt.Errorf("emit stage: %w", err)
	}

	p.logger.Printf(
		"processed job_id=%s output=%s bytes=%d remapped=%d filled=%d",
		req.JobID, out.Path, out.Bytes, stats.Remapped, stats.Filled,
	)
	return Result{
		Output:      out,
		Geometry:    geom,
		SourceBytes: src.Bytes,
		Remap:       stats,
	}, nil
}

// decodeAndTransform keeps the decoded buffer local so it is released as
// soon as the transform has produced its own copy.
func (p *Processor) decodeAndTransform(ctx context.Context, req Request, path string) (*raster.Buffer, RemapStats, error) {
	decoded, err := p.decode(ctx, path)
	if err != nil {
		return nil, RemapStats{}, fmt.Errorf("decode stage: %w", err)
	}
	p.logger.Printf("decoded job_id=%s geometry=%s", req.JobID, decoded.Geometry())

	if err := ctx.Err(); err != nil {
		return nil, RemapStats{}, err
	}
	_, span := p.tracer.Start(ctx, "pipeline.fisheye")
	defer span.End()
	transformed, stats, err := Fisheye(decoded, req.Strength)
	if err != nil {
		return nil, RemapStats{}, fmt.Errorf("transform stage: %w", err)
	}
	return transformed, stats, nil
}

func (p *Processor) decode(ctx context.Context, path string) (*raster.Buffer, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.decode")
	defer span.End()

	buf, err := p.decoder.Decode(ctx, path)
	if err != nil {
		return nil, err
	}
	if buf.Channels() < 1 {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedChannelCount, buf.Channels())
	}
	return buf, nil
}

type LocalFileFetcher struct{}

func (LocalFileFetcher) Fetch(ctx context.Context, req Request) (Source, error) {
	if req.SourceType != "" && !strings.EqualFold(req.SourceType, SourceTypeLocalFile) {
		return Source{}, fmt.Errorf("%w: %s", ErrUnsupportedSourceType, req.SourceType)
	}

	select {
	case <-ctx.Done():
		return Source{}, ctx.Err()
	default:
	}

	info, err := os.Stat(req.ObjectKey)
	if err != nil {
		return Source{}, fmt.Errorf("%w: stat input file %s: %w", ErrDecode, req.ObjectKey, err)
	}
	if info.IsDir() {
		return Source{}, fmt.Errorf("%w: input %s is a directory", ErrDecode, req.ObjectKey)
	}
	return Source{Path: req.ObjectKey, Bytes: info.Size()}, nil
}

type LocalFileEmitter struct {
	OutputDir string
}

func (e LocalFileEmitter) Emit(_ context.Context, req Request, src Source, img *raster.Buffer) (Output, error) {
	outPath := ProcessedPath(src.Path)
	if strings.TrimSpace(e.OutputDir) != "" {
		jobDir := filepath.Join(e.OutputDir, sanitizePathToken(req.JobID))
		if err := os.MkdirAll(jobDir, 0o755); err != nil {
			return Output{}, fmt.Errorf("%w: create output dir: %w", ErrEncode, err)
		}
		outPath = filepath.Join(jobDir, filepath.Base(outPath))
	}

	if err := WriteBitmapFile(outPath, img); err != nil {
		return Output{}, err
	}
	return Output{Path: outPath, Bytes: BitmapSize(img.Geometry())}, nil
}
