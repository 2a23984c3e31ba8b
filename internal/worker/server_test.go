package worker

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dunamismax/fisheye/internal/domain"
	"github.com/dunamismax/fisheye/internal/pipeline"
	"github.com/dunamismax/fisheye/internal/queue"
	"github.com/dunamismax/fisheye/internal/raster"
	"github.com/dunamismax/fisheye/internal/store"
	"github.com/dunamismax/fisheye/internal/webhook"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.opentelemetry.io/otel"
)

func seedJob(t *testing.T, jobs *store.MemoryJobStore, id, objectKey string) {
	t.Helper()
	now := time.Now().UTC()
	if err := jobs.Create(context.Background(), domain.Job{
		ID:         id,
		UserID:     "user-1",
		Status:     domain.JobStatusQueued,
		SourceType: domain.SourceTypeLocalFile,
		WebhookURL: "http://hooks.invalid/fisheye",
		ObjectKey:  objectKey,
		Strength:   0.5,
		CreatedAt:  now,
		UpdatedAt:  now,
	}); err != nil {
		t.Fatalf("seed job: %v", err)
	}
}

func writeSourcePNG(t *testing.T, dir string, w, h int) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 20), G: uint8(y * 20), B: 90, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	path := filepath.Join(dir, "source.png")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write png: %v", err)
	}
	return path
}

func newTestServer(t *testing.T, jobs *store.MemoryJobStore, hooks webhookSender) *Server {
	t.Helper()
	local, err := pipeline.NewLocalProcessor("", pipeline.Options{})
	if err != nil {
		t.Fatalf("new local processor: %v", err)
	}
	return &Server{
		logger:          log.New(io.Discard, "", 0),
		sem:             make(chan struct{}, 1),
		localProcessor:  local,
		objectProcessor: local,
		webhookClient:   hooks,
		jobStore:        jobs,
		usageStore:      jobs,
		metrics:         newMetrics(),
		tracer:          otel.Tracer("test"),
	}
}

func fisheyeTask(t *testing.T, payload queue.FisheyePayload) *asynq.Task {
	t.Helper()
	task, err := queue.NewFisheyeTask(payload)
	if err != nil {
		t.Fatalf("new task: %v", err)
	}
	return task
}

func TestHandleFisheyeLocalFile(t *testing.T) {
	dir := t.TempDir()
	source := writeSourcePNG(t, dir, 8, 6)

	jobs := store.NewMemoryJobStore()
	seedJob(t, jobs, "job-1", source)
	hooks := &captureWebhooks{}
	s := newTestServer(t, jobs, hooks)

	err := s.handleFisheye(context.Background(), fisheyeTask(t, queue.FisheyePayload{
		JobID:      "job-1",
		SourceType: domain.SourceTypeLocalFile,
		WebhookURL: "http://hooks.invalid/fisheye",
		ObjectKey:  source,
		Strength:   0.5,
	}))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}

	job, ok, err := jobs.Get(context.Background(), "job-1")
	if err != nil || !ok {
		t.Fatalf("get job: ok=%v err=%v", ok, err)
	}
	want := filepath.Join(dir, "source_processed.bmp")
	if job.Status != domain.JobStatusSucceeded || job.OutputKey != want {
		t.Fatalf("unexpected job state status=%s output=%s", job.Status, job.OutputKey)
	}
	info, err := os.Stat(want)
	if err != nil {
		t.Fatalf("stat output: %v", err)
	}
	if info.Size() != int64(pipeline.BitmapSize(raster.Geometry{Width: 8, Height: 6, Channels: 3})) {
		t.Fatalf("unexpected bitmap size %d", info.Size())
	}

	if len(hooks.events) != 1 || hooks.events[0] != webhook.EventJobCompleted {
		t.Fatalf("expected one %s webhook, got %v", webhook.EventJobCompleted, hooks.events)
	}

	logs := jobs.UsageLogs()
	if len(logs) != 1 {
		t.Fatalf("expected one usage log, got %d", len(logs))
	}
	if logs[0].PixelsProcessed != 48 || logs[0].BytesWritten != info.Size() || logs[0].UserID != "user-1" {
		t.Fatalf("unexpected usage log %+v", logs[0])
	}
}

func TestHandleFisheyeDecodeFailureSkipsRetry(t *testing.T) {
	dir := t.TempDir()
	source := filepath.Join(dir, "broken.png")
	if err := os.WriteFile(source, []byte("not an image"), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}

	jobs := store.NewMemoryJobStore()
	seedJob(t, jobs, "job-2", source)
	hooks := &captureWebhooks{}
	s := newTestServer(t, jobs, hooks)

	err := s.handleFisheye(context.Background(), fisheyeTask(t, queue.FisheyePayload{
		JobID:      "job-2",
		SourceType: domain.SourceTypeLocalFile,
		WebhookURL: "http://hooks.invalid/fisheye",
		ObjectKey:  source,
		Strength:   0.5,
	}))
	if !errors.Is(err, asynq.SkipRetry) || !errors.Is(err, pipeline.ErrDecode) {
		t.Fatalf("expected ErrDecode wrapped with SkipRetry, got %v", err)
	}

	job, _, _ := jobs.Get(context.Background(), "job-2")
	if job.Status != domain.JobStatusFailed || job.Error == "" {
		t.Fatalf("expected failed job with error, got status=%s error=%q", job.Status, job.Error)
	}
	if len(hooks.events) != 1 || hooks.events[0] != webhook.EventJobFailed {
		t.Fatalf("expected one %s webhook, got %v", webhook.EventJobFailed, hooks.events)
	}
	if _, err := os.Stat(filepath.Join(dir, "broken_processed.bmp")); !os.IsNotExist(err) {
		t.Fatalf("expected no output for failed decode, stat err=%v", err)
	}
	if len(jobs.UsageLogs()) != 0 {
		t.Fatal("expected no usage log for a failed job")
	}
}

func TestHandleFisheyeTransientFailureIsRetriable(t *testing.T) {
	jobs := store.NewMemoryJobStore()
	seedJob(t, jobs, "job-3", "uploads/job-3/source")
	s := newTestServer(t, jobs, nil)
	s.objectProcessor = stubProcessor{err: errors.New("connection reset")}

	err := s.handleFisheye(context.Background(), fisheyeTask(t, queue.FisheyePayload{
		JobID:      "job-3",
		SourceType: domain.SourceTypeS3Presigned,
		ObjectKey:  "uploads/job-3/source",
	}))
	if err == nil || errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected retriable error, got %v", err)
	}
}

func TestHandleFisheyeRejectsBadPayload(t *testing.T) {
	s := newTestServer(t, store.NewMemoryJobStore(), nil)
	err := s.handleFisheye(context.Background(), asynq.NewTask(queue.TypeFisheyeImage, []byte(`{}`)))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry for bad payload, got %v", err)
	}
}

func TestRecordUsageWritesUsageLog(t *testing.T) {
	jobs := store.NewMemoryJobStore()
	seedJob(t, jobs, "job-4", "input.png")

	usageStore := &captureUsageStore{}
	s := &Server{
		logger:     log.New(io.Discard, "", 0),
		jobStore:   jobs,
		usageStore: usageStore,
		metrics:    newMetrics(),
	}

	s.recordUsage(context.Background(), "job-4", pipeline.Result{
		Output:      pipeline.Output{Path: "out.bmp", Bytes: 374},
		Geometry:    raster.Geometry{Width: 10, Height: 10, Channels: 3},
		SourceBytes: 1_000,
		Remap:       pipeline.RemapStats{Copied: 30, Remapped: 60, Filled: 10},
	}, 250*time.Millisecond)

	if !usageStore.called {
		t.Fatal("expected usage log to be written")
	}
	got := usageStore.log
	if got.UserID != "user-1" {
		t.Fatalf("expected user_id=user-1, got %s", got.UserID)
	}
	if got.PixelsProcessed != 100 || got.PixelsFilled != 10 || got.BytesWritten != 374 {
		t.Fatalf("unexpected usage counters %+v", got)
	}
	if got.ComputeTimeMS != 250 {
		t.Fatalf("expected compute_time_ms=250, got %d", got.ComputeTimeMS)
	}
}

func TestRecordUsageDefaultsAnonymousAndMinimumCompute(t *testing.T) {
	usageStore := &captureUsageStore{}
	s := &Server{
		logger:     log.New(io.Discard, "", 0),
		usageStore: usageStore,
		metrics:    newMetrics(),
	}

	s.recordUsage(context.Background(), "job-5", pipeline.Result{}, 0)

	if usageStore.log.UserID != "anonymous" {
		t.Fatalf("expected anonymous user, got %q", usageStore.log.UserID)
	}
	if usageStore.log.ComputeTimeMS < 1 {
		t.Fatalf("expected compute_time_ms to be at least 1, got %d", usageStore.log.ComputeTimeMS)
	}
}

func TestHandleFisheyeCompletedWebhookFailureIsNotRetried(t *testing.T) {
	dir := t.TempDir()
	source := writeSourcePNG(t, dir, 4, 4)

	jobs := store.NewMemoryJobStore()
	seedJob(t, jobs, "job-hook", source)
	hooks := &captureWebhooks{err: errors.New("receiver down")}
	s := newTestServer(t, jobs, hooks)

	err := s.handleFisheye(context.Background(), fisheyeTask(t, queue.FisheyePayload{
		JobID:      "job-hook",
		SourceType: domain.SourceTypeLocalFile,
		WebhookURL: "http://hooks.invalid/fisheye",
		ObjectKey:  source,
		Strength:   0.5,
	}))
	if err != nil {
		t.Fatalf("a failed notification must not fail the task, got %v", err)
	}

	job, ok, err := jobs.Get(context.Background(), "job-hook")
	if err != nil || !ok {
		t.Fatalf("get job: ok=%v err=%v", ok, err)
	}
	if job.Status != domain.JobStatusSucceeded {
		t.Fatalf("expected succeeded job, got %s", job.Status)
	}
	if len(hooks.events) != 1 || hooks.events[0] != webhook.EventJobCompleted {
		t.Fatalf("expected one %s attempt, got %v", webhook.EventJobCompleted, hooks.events)
	}
	if logs := jobs.UsageLogs(); len(logs) != 1 {
		t.Fatalf("expected one usage log, got %d", len(logs))
	}
	if got := testutil.ToFloat64(s.metrics.webhookFailuresTotal.WithLabelValues(webhook.EventJobCompleted)); got != 1 {
		t.Fatalf("expected one recorded webhook failure, got %v", got)
	}
	if got := testutil.ToFloat64(s.metrics.jobsTotal.WithLabelValues(domain.SourceTypeLocalFile, domain.JobStatusSucceeded)); got != 1 {
		t.Fatalf("expected job counted as succeeded, got %v", got)
	}
}

type captureUsageStore struct {
	called bool
	log    domain.UsageLog
}

func (s *captureUsageStore) CreateUsageLog(_ context.Context, usage domain.UsageLog) error {
	s.called = true
	s.log = usage
	return nil
}

type captureWebhooks struct {
	events []string
	err    error
}

func (c *captureWebhooks) Send(_ context.Context, _, event string, _ any) error {
	c.events = append(c.events, event)
	return c.err
}

type stubProcessor struct {
	err error
}

func (p stubProcessor) Process(context.Context, pipeline.Request) (pipeline.Result, error) {
	return pipeline.Result{}, p.err
}
