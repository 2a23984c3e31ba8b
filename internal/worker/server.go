package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/dunamismax/fisheye/internal/config"
	"github.com/dunamismax/fisheye/internal/domain"
	"github.com/dunamismax/fisheye/internal/pipeline"
	"github.com/dunamismax/fisheye/internal/queue"
	"github.com/dunamismax/fisheye/internal/storage"
	"github.com/dunamismax/fisheye/internal/store"
	"github.com/dunamismax/fisheye/internal/webhook"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type Server struct {
	logger          *log.Logger
	server          *asynq.Server
	sem             chan struct{}
	localProcessor  processor
	objectProcessor processor
	webhookClient   webhookSender
	jobStore        store.JobStore
	usageStore      store.UsageStore
	metrics         *metrics
	tracer          trace.Tracer
}

type processor interface {
	Process(ctx context.Context, req pipeline.Request) (pipeline.Result, error)
}

type webhookSender interface {
	Send(ctx context.Context, endpoint, event string, payload any) error
}

type Deps struct {
	Storage  *storage.Client
	Webhooks *webhook.Client
	Jobs     store.JobStore
	// Usage defaults to Jobs when it also records usage.
	Usage store.UsageStore
}

func NewServer(logger *log.Logger, cfg config.Config, deps Deps) (*Server, error) {
	if deps.Storage == nil {
		return nil, errors.New("storage client is required")
	}

	opts := pipeline.Options{Logger: logger, MaxPixels: cfg.Fisheye.MaxPixels}
	localProcessor, err := pipeline.NewLocalProcessor(cfg.Worker.LocalOutputDir, opts)
	if err != nil {
		return nil, fmt.Errorf("initialize local processor: %w", err)
	}
	objectProcessor, err := pipeline.NewObjectStoreProcessor(
		pipeline.ObjectStoreFetcher{Storage: deps.Storage, TempDir: cfg.Worker.TempDir},
		pipeline.ObjectStoreEmitter{Storage: deps.Storage, OutputPrefix: "outputs"},
		opts,
	)
	if err != nil {
		return nil, fmt.Errorf("initialize object-store processor: %w", err)
	}

	usageStore := deps.Usage
	if usageStore == nil {
		if jobAndUsageStore, ok := deps.Jobs.(store.UsageStore); ok {
			usageStore = jobAndUsageStore
		}
	}

	s := &Server{
		logger: logger,
		server: asynq.NewServer(
			cfg.Queue.RedisClientOpt(),
			asynq.Config{
				Concurrency: cfg.Worker.Concurrency,
				Queues:      map[string]int{cfg.Queue.Name: 1},
				LogLevel:    asynq.InfoLevel,
				ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
					retried, _ := asynq.GetRetryCount(ctx)
					maxRetry, _ := asynq.GetMaxRetry(ctx)
					logger.Printf("task failed type=%s retry=%d/%d err=%v", task.Type(), retried, maxRetry, err)
				}),
			},
		),
		sem:             make(chan struct{}, max(1, cfg.Worker.MaxActiveJobs)),
		localProcessor:  localProcessor,
		objectProcessor: objectProcessor,
		jobStore:        deps.Jobs,
		usageStore:      usageStore,
		metrics:         newMetrics(),
		tracer:          otel.Tracer("fisheye/worker"),
	}
	if deps.Webhooks != nil {
		s.webhookClient = deps.Webhooks
	}
	return s, nil
}

// Start begins consuming fisheye tasks without blocking.
func (s *Server) Start() error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TypeFisheyeImage, s.handleFisheye)
	if err := s.server.Start(mux); err != nil {
		return fmt.Errorf("start asynq server: %w", err)
	}
	return nil
}

// Shutdown waits for in-flight tasks, then stops the server.
func (s *Server) Shutdown() {
	s.server.Shutdown()
}

func (s *Server) MetricsHandler() http.Handler {
	return s.metrics.Handler()
}

func (s *Server) handleFisheye(ctx context.Context, task *asynq.Task) error {
	startedAt := time.Now()
	outcome := domain.JobStatusFailed

	payload, err := queue.ParseFisheyePayload(task)
	if err != nil {
		return fmt.Errorf("parse payload: %w: %w", err, asynq.SkipRetry)
	}

	ctx, span := s.tracer.Start(ctx, "worker.fisheye", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("job.id", payload.JobID),
		attribute.String("job.source_type", payload.SourceType),
		attribute.Float64("fisheye.strength", payload.Strength),
	)
	defer span.End()
	defer func() {
		s.metrics.jobDuration.WithLabelValues(payload.SourceType, outcome).Observe(time.Since(startedAt).Seconds())
		s.metrics.jobsTotal.WithLabelValues(payload.SourceType, outcome).Inc()
	}()

	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.metrics.activeJobs.Inc()
	defer func() {
		<-s.sem
		s.metrics.activeJobs.Dec()
	}()

	s.logger.Printf(
		"working job_id=%s source_type=%s object_key=%s strength=%.3f",
		payload.JobID,
		payload.SourceType,
		payload.ObjectKey,
		payload.Strength,
	)
	s.updateJob(ctx, payload.JobID, store.JobUpdate{Status: domain.JobStatusProcessing})

	request := pipeline.Request{
		JobID:      payload.JobID,
		SourceType: payload.SourceType,
		ObjectKey:  payload.ObjectKey,
		Strength:   payload.Strength,
	}

	var result pipeline.Result
	switch payload.SourceType {
	case domain.SourceTypeLocalFile:
		result, err = s.localProcessor.Process(ctx, request)
	default:
		result, err = s.objectProcessor.Process(ctx, request)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "pipeline failed")
		return s.fail(ctx, payload, err)
	}

	s.logger.Printf(
		"processed job_id=%s output=%s size=%dx%d filled=%d",
		payload.JobID,
		result.Output.Path,
		result.Geometry.Width,
		result.Geometry.Height,
		result.Remap.Filled,
	)
	s.updateJob(ctx, payload.JobID, store.JobUpdate{
		Status:    domain.JobStatusSucceeded,
		OutputKey: result.Output.Path,
	})
	s.metrics.pixelsRemappedTotal.Add(float64(result.Remap.Remapped))
	s.metrics.pixelsFilledTotal.Add(float64(result.Remap.Filled))
	s.recordUsage(ctx, payload.JobID, result, time.Since(startedAt))

	// The job is done and billed from here on. A failed notification must
	// not hand the task back to asynq, which would run and bill it again.
	outcome = domain.JobStatusSucceeded
	if err := s.dispatchWebhook(ctx, payload, webhook.EventJobCompleted, map[string]any{
		"job_id":       payload.JobID,
		"status":       domain.JobStatusSucceeded,
		"source_type":  payload.SourceType,
		"object_key":   payload.ObjectKey,
		"output_key":   result.Output.Path,
		"width":        result.Geometry.Width,
		"height":       result.Geometry.Height,
		"strength":     payload.Strength,
		"requested_at": payload.RequestedAt,
		"completed_at": time.Now().UTC(),
	}); err != nil {
		span.RecordError(err)
	}

	span.SetStatus(codes.Ok, "processed")
	return nil
}

// fail records a pipeline error. Permanent errors and the last retry mark
// the job failed and notify the caller; anything else is left to asynq.
func (s *Server) fail(ctx context.Context, payload queue.FisheyePayload, err error) error {
	permanent := isPermanent(err)
	if !permanent && !lastAttempt(ctx) {
		return fmt.Errorf("run pipeline: %w", err)
	}

	s.updateJob(ctx, payload.JobID, store.JobUpdate{
		Status: domain.JobStatusFailed,
		Error:  err.Error(),
	})
	_ = s.dispatchWebhook(ctx, payload, webhook.EventJobFailed, map[string]any{
		"job_id":       payload.JobID,
		"status":       domain.JobStatusFailed,
		"source_type":  payload.SourceType,
		"object_key":   payload.ObjectKey,
		"requested_at": payload.RequestedAt,
		"failed_at":    time.Now().UTC(),
		"error":        err.Error(),
	})

	if permanent {
		return fmt.Errorf("run pipeline: %w: %w", err, asynq.SkipRetry)
	}
	return fmt.Errorf("run pipeline: %w", err)
}

// isPermanent reports errors that a retry cannot fix.
func isPermanent(err error) bool {
	for _, target := range []error{
		pipeline.ErrDecode,
		pipeline.ErrInvalidStrength,
		pipeline.ErrUnsupportedSourceType,
		pipeline.ErrUnsupportedChannelCount,
		storage.ErrObjectTooLarge,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func lastAttempt(ctx context.Context) bool {
	retried, ok := asynq.GetRetryCount(ctx)
	if !ok {
		return true
	}
	maxRetry, ok := asynq.GetMaxRetry(ctx)
	if !ok {
		return true
	}
	return retried >= maxRetry
}

func (s *Server) updateJob(ctx context.Context, jobID string, update store.JobUpdate) {
	if s.jobStore == nil {
		return
	}
	if _, err := s.jobStore.Update(ctx, jobID, update); err != nil {
		s.logger.Printf("job update failed job_id=%s status=%s err=%v", jobID, update.Status, err)
	}
}

func (s *Server) dispatchWebhook(ctx context.Context, payload queue.FisheyePayload, event string, body map[string]any) error {
	if payload.WebhookURL == "" || s.webhookClient == nil {
		return nil
	}

	if err := s.webhookClient.Send(ctx, payload.WebhookURL, event, body); err != nil {
		s.metrics.webhookFailuresTotal.WithLabelValues(event).Inc()
		s.logger.Printf("webhook delivery failed job_id=%s event=%s err=%v", payload.JobID, event, err)
		return fmt.Errorf("dispatch webhook: %w", err)
	}
	return nil
}

func (s *Server) recordUsage(ctx context.Context, jobID string, result pipeline.Result, computeDuration time.Duration) {
	if s.usageStore == nil {
		return
	}

	userID := "anonymous"
	if s.jobStore != nil {
		job, ok, err := s.jobStore.Get(ctx, jobID)
		if err != nil {
			s.logger.Printf("usage lookup failed job_id=%s err=%v", jobID, err)
		} else if ok && strings.TrimSpace(job.UserID) != "" {
			userID = job.UserID
		}
	}

	computeTimeMS := max(1, computeDuration.Milliseconds())
	usage := domain.UsageLog{
		UserID:          userID,
		JobID:           jobID,
		PixelsProcessed: int64(result.Geometry.Pixels()),
		PixelsFilled:    int64(result.Remap.Filled),
		BytesWritten:    int64(result.Output.Bytes),
		ComputeTimeMS:   computeTimeMS,
		CreatedAt:       time.Now().UTC(),
	}
	if err := s.usageStore.CreateUsageLog(ctx, usage); err != nil {
		s.logger.Printf("usage log write failed job_id=%s err=%v", jobID, err)
		return
	}

	s.metrics.pixelsProcessedTotal.Add(float64(usage.PixelsProcessed))
	s.metrics.bytesWrittenTotal.Add(float64(usage.BytesWritten))
	s.metrics.computeTimeMSTotal.Add(float64(computeTimeMS))
}
