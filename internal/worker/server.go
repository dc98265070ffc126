package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dunamismax/pixelfit/internal/batch"
	"github.com/dunamismax/pixelfit/internal/config"
	"github.com/dunamismax/pixelfit/internal/domain"
	"github.com/dunamismax/pixelfit/internal/downscale"
	"github.com/dunamismax/pixelfit/internal/geometry"
	"github.com/dunamismax/pixelfit/internal/pipeline"
	"github.com/dunamismax/pixelfit/internal/queue"
	"github.com/dunamismax/pixelfit/internal/storage"
	"github.com/dunamismax/pixelfit/internal/store"
	"github.com/dunamismax/pixelfit/internal/strategy"
	"github.com/dunamismax/pixelfit/internal/surface"
	"github.com/dunamismax/pixelfit/internal/webhook"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type Server struct {
	logger          *zap.Logger
	server          *asynq.Server
	sem             chan struct{}
	localProcessor  *pipeline.Processor
	objectProcessor *pipeline.Processor
	scheduler       *batch.Scheduler
	webhookClient   webhookSender
	jobStore        store.JobStore
	usageStore      store.UsageStore
	metrics         *metrics
	tracer          trace.Tracer
	now             func() time.Time
}

type webhookSender interface {
	Send(ctx context.Context, endpoint, event string, payload any) error
}

// NewExecutor builds the pipeline executor and its surface pool from config.
func NewExecutor(logger *zap.Logger, cfg config.PipelineConfig) (*pipeline.Executor, error) {
	pref, err := strategy.ParsePreference(cfg.Preference)
	if err != nil {
		return nil, err
	}
	raster := surface.NewRaster(cfg.MaxSafeDimension)
	pool := surface.NewPool(raster, cfg.PoolSize)
	return pipeline.NewExecutor(raster, pool,
		pipeline.WithLogger(logger.Named("pipeline")),
		pipeline.WithPlanner(downscale.Options{MinStepRatio: cfg.MinStepRatio, MaxSteps: cfg.MaxSteps}),
		pipeline.WithPreference(pref),
	), nil
}

func NewServer(
	logger *zap.Logger,
	cfg config.Config,
	storageClient *storage.Client,
	webhookClient *webhook.Client,
	jobStore store.JobStore,
	usageStore store.UsageStore,
) (*Server, error) {
	if storageClient == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	executor, err := NewExecutor(logger, cfg.Pipeline)
	if err != nil {
		return nil, fmt.Errorf("initialize pipeline executor: %w", err)
	}

	localProcessor, err := pipeline.NewLocalProcessor(executor, cfg.Worker.LocalOutputDir)
	if err != nil {
		return nil, fmt.Errorf("initialize pipeline processor: %w", err)
	}

	objectProcessor, err := pipeline.NewObjectStoreProcessor(executor, storageClient, "outputs")
	if err != nil {
		return nil, fmt.Errorf("initialize object-store processor: %w", err)
	}

	if usageStore == nil {
		if jobAndUsageStore, ok := jobStore.(store.UsageStore); ok {
			usageStore = jobAndUsageStore
		}
	}

	asynqLogger := logger.Named("asynq")
	s := &Server{
		logger: logger,
		server: asynq.NewServer(
			cfg.Queue.RedisClientOpt(),
			asynq.Config{
				Concurrency: cfg.Worker.Concurrency,
				Queues: map[string]int{
					cfg.Queue.Name: 1,
				},
				Logger:   asynqLogger.Sugar(),
				LogLevel: asynq.InfoLevel,
				ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
					retried, _ := asynq.GetRetryCount(ctx)
					maxRetry, _ := asynq.GetMaxRetry(ctx)
					asynqLogger.Warn("task failed",
						zap.String("type", task.Type()),
						zap.Int("retry", retried),
						zap.Int("max_retry", maxRetry),
						zap.Error(err),
					)
				}),
			},
		),
		sem:             make(chan struct{}, max(1, cfg.Worker.MaxActiveJobs)),
		localProcessor:  localProcessor,
		objectProcessor: objectProcessor,
		scheduler:       batch.NewScheduler(cfg.Batch.Concurrency, cfg.Batch.JobTimeout, logger.Named("batch")),
		jobStore:        jobStore,
		usageStore:      usageStore,
		metrics:         newMetrics(executor.Pool()),
		tracer:          otel.Tracer("pixelfit/worker"),
		now:             time.Now,
	}
	if webhookClient != nil {
		s.webhookClient = webhookClient
	}
	return s, nil
}

func (s *Server) Run() error {
	defer s.scheduler.Close()
	return s.server.Run(s.mux())
}

func (s *Server) mux() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TypeTransformImage, s.handleTransform)
	mux.HandleFunc(queue.TypeBatchImages, s.handleBatch)
	return mux
}

func (s *Server) MetricsHandler() http.Handler {
	return s.metrics.Handler()
}

// Process routes a request to the processor for its source type. It lets the
// server act as the batch scheduler's runner.
func (s *Server) Process(ctx context.Context, req pipeline.Request) (pipeline.Outcome, error) {
	processor := s.objectProcessor
	if strings.EqualFold(req.SourceType, domain.SourceTypeLocalFile) {
		processor = s.localProcessor
	}
	if processor == nil {
		return pipeline.Outcome{}, fmt.Errorf("%w: %s", pipeline.ErrUnsupportedSourceType, req.SourceType)
	}
	return processor.Process(ctx, req)
}

func (s *Server) handleTransform(ctx context.Context, task *asynq.Task) error {
	startedAt := s.now()

	payload, err := queue.ParseTransformPayload(task)
	if err != nil {
		return fmt.Errorf("parse payload: %v: %w", err, asynq.SkipRetry)
	}

	ctx, span := s.tracer.Start(ctx, "worker.transform_image", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("job.id", payload.JobID),
		attribute.String("job.source_type", payload.SourceType),
		attribute.Int("job.operations", len(payload.Operations)),
	)
	defer span.End()

	s.sem <- struct{}{}
	s.metrics.activeJobs.Inc()
	defer func() {
		<-s.sem
		s.metrics.activeJobs.Dec()
	}()

	s.logger.Info("processing job",
		zap.String("job_id", payload.JobID),
		zap.String("source_type", payload.SourceType),
		zap.Int("operations", len(payload.Operations)),
		zap.String("object_key", payload.ObjectKey),
	)
	s.updateJobStatus(ctx, payload.JobID, domain.JobStatusProcessing)

	outcome, err := s.Process(ctx, requestFromPayload(payload))
	if err := s.complete(ctx, payload, outcome, err, s.now().Sub(startedAt)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "job failed")
		return err
	}

	span.SetAttributes(attribute.String("image.strategy", outcome.Analysis.Strategy.String()))
	span.SetStatus(codes.Ok, "processed")
	return nil
}

func (s *Server) handleBatch(ctx context.Context, task *asynq.Task) error {
	payload, err := queue.ParseBatchPayload(task)
	if err != nil {
		return fmt.Errorf("parse payload: %v: %w", err, asynq.SkipRetry)
	}
	if s.jobStore == nil {
		return fmt.Errorf("batch requires a job store: %w", asynq.SkipRetry)
	}

	ctx, span := s.tracer.Start(ctx, "worker.batch_images", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("batch.id", payload.BatchID),
		attribute.Int("batch.jobs", len(payload.JobIDs)),
	)
	defer span.End()

	jobs := make([]batch.Job, 0, len(payload.JobIDs))
	payloads := make(map[string]queue.TransformPayload, len(payload.JobIDs))
	for _, jobID := range payload.JobIDs {
		job, ok, err := s.jobStore.Get(ctx, jobID)
		if err != nil {
			span.RecordError(err)
			return fmt.Errorf("load batch job %s: %w", jobID, err)
		}
		if !ok {
			s.logger.Warn("batch job not found", zap.String("batch_id", payload.BatchID), zap.String("job_id", jobID))
			continue
		}
		p := payloadFromJob(job, payload.RequestedAt)
		payloads[job.ID] = p
		jobs = append(jobs, batch.Job{ID: job.ID, Request: requestFromPayload(p)})
		s.updateJobStatus(ctx, job.ID, domain.JobStatusProcessing)
	}

	s.logger.Info("processing batch",
		zap.String("batch_id", payload.BatchID),
		zap.Int("jobs", len(jobs)),
		zap.Int("concurrency", s.scheduler.Concurrency()),
	)
	results := s.scheduler.Run(ctx, s, jobs)

	summary := make([]map[string]any, 0, len(results))
	succeeded := 0
	for _, res := range results {
		entry := map[string]any{"job_id": res.ID}
		_ = s.complete(ctx, payloads[res.ID], res.Outcome, res.Err, res.Elapsed)
		if res.Err != nil {
			entry["status"] = domain.JobStatusFailed
			entry["error"] = res.Err.Error()
		} else {
			succeeded++
			entry["status"] = domain.JobStatusSucceeded
			entry["output"] = res.Outcome.Output
		}
		summary = append(summary, entry)
	}

	status := domain.JobStatusSucceeded
	if succeeded < len(results) {
		status = domain.JobStatusFailed
	}
	s.metrics.batchesTotal.WithLabelValues(status).Inc()
	span.SetAttributes(attribute.Int("batch.succeeded", succeeded))

	if payload.WebhookURL != "" && s.webhookClient != nil {
		if err := s.webhookClient.Send(ctx, payload.WebhookURL, webhook.EventBatchCompleted, map[string]any{
			"batch_id":     payload.BatchID,
			"total":        len(results),
			"succeeded":    succeeded,
			"failed":       len(results) - succeeded,
			"jobs":         summary,
			"completed_at": s.now().UTC(),
		}); err != nil {
			s.logger.Warn("batch webhook delivery failed", zap.String("batch_id", payload.BatchID), zap.Error(err))
		}
	}

	span.SetStatus(codes.Ok, "batch processed")
	return nil
}

// complete records the final state of one job. It returns the error the task
// should report: the pipeline error, marked non-retryable when retrying cannot
// help, or a webhook delivery error.
func (s *Server) complete(ctx context.Context, payload queue.TransformPayload, outcome pipeline.Outcome, runErr error, elapsed time.Duration) error {
	status := domain.JobStatusFailed
	defer func() {
		s.metrics.jobDuration.WithLabelValues(payload.SourceType, status).Observe(elapsed.Seconds())
		s.metrics.jobsTotal.WithLabelValues(payload.SourceType, status).Inc()
	}()

	if runErr != nil {
		s.logger.Warn("job failed", zap.String("job_id", payload.JobID), zap.Error(runErr))
		s.finishJob(ctx, payload.JobID, domain.JobStatusFailed, "", runErr.Error())
		_ = s.dispatchWebhook(ctx, payload, webhook.EventJobFailed, map[string]any{
			"job_id":       payload.JobID,
			"status":       domain.JobStatusFailed,
			"source_type":  payload.SourceType,
			"object_key":   payload.ObjectKey,
			"requested_at": payload.RequestedAt,
			"failed_at":    s.now().UTC(),
			"error":        runErr.Error(),
		})
		if !retryable(runErr) {
			return fmt.Errorf("run pipeline: %v: %w", runErr, asynq.SkipRetry)
		}
		return fmt.Errorf("run pipeline: %w", runErr)
	}

	s.logger.Info("job processed",
		zap.String("job_id", payload.JobID),
		zap.String("output", outcome.Output.Path),
		zap.Int("width", outcome.Output.Width),
		zap.Int("height", outcome.Output.Height),
		zap.String("strategy", outcome.Analysis.Strategy.String()),
		zap.Int64("elapsed_ms", outcome.ElapsedMS),
	)
	s.finishJob(ctx, payload.JobID, domain.JobStatusSucceeded, outcome.Output.Path, "")
	s.metrics.strategyTotal.WithLabelValues(outcome.Analysis.Strategy.String()).Inc()
	for _, stage := range outcome.Stages {
		s.metrics.stageDuration.WithLabelValues(stage.Kind).Observe(stage.Elapsed.Seconds())
	}
	s.recordUsage(ctx, payload.JobID, outcome, elapsed)

	if err := s.dispatchWebhook(ctx, payload, webhook.EventJobCompleted, map[string]any{
		"job_id":        payload.JobID,
		"status":        domain.JobStatusSucceeded,
		"source_type":   payload.SourceType,
		"object_key":    payload.ObjectKey,
		"requested_at":  payload.RequestedAt,
		"completed_at":  s.now().UTC(),
		"output":        outcome.Output,
		"original_size": outcome.OriginalSize,
		"analysis":      outcome.Analysis,
	}); err != nil {
		return err
	}

	status = domain.JobStatusSucceeded
	return nil
}

func retryable(err error) bool {
	var (
		invalidTarget *geometry.InvalidTargetError
		degenerate    *geometry.DegenerateSourceError
	)
	switch {
	case errors.Is(err, pipeline.ErrInvalidOperation),
		errors.Is(err, pipeline.ErrUnsupportedSourceType),
		errors.Is(err, pipeline.ErrSourceTooLarge),
		errors.Is(err, storage.ErrObjectTooLarge),
		errors.Is(err, geometry.ErrConflictingBounds),
		errors.Is(err, surface.ErrSurfaceCreation),
		errors.As(err, &invalidTarget),
		errors.As(err, &degenerate):
		return false
	}
	return true
}

func requestFromPayload(payload queue.TransformPayload) pipeline.Request {
	return pipeline.Request{
		JobID:      payload.JobID,
		SourceType: payload.SourceType,
		ObjectKey:  payload.ObjectKey,
		Operations: payload.Operations,
		Output:     payload.Output,
		Preference: payload.Preference,
	}
}

func payloadFromJob(job domain.Job, requestedAt time.Time) queue.TransformPayload {
	return queue.TransformPayload{
		JobID:       job.ID,
		SourceType:  job.SourceType,
		WebhookURL:  job.WebhookURL,
		ObjectKey:   job.ObjectKey,
		Operations:  job.Operations,
		Output:      job.Output,
		Preference:  job.Preference,
		RequestedAt: requestedAt,
	}
}

func (s *Server) updateJobStatus(ctx context.Context, jobID, status string) {
	if s.jobStore == nil {
		return
	}
	if _, err := s.jobStore.UpdateStatus(ctx, jobID, status); err != nil {
		s.logger.Warn("job status update failed", zap.String("job_id", jobID), zap.String("status", status), zap.Error(err))
	}
}

func (s *Server) finishJob(ctx context.Context, jobID, status, resultKey, errMsg string) {
	if s.jobStore == nil {
		return
	}
	if _, err := s.jobStore.Finish(ctx, jobID, status, resultKey, errMsg); err != nil {
		s.logger.Warn("job finish failed", zap.String("job_id", jobID), zap.String("status", status), zap.Error(err))
	}
}

func (s *Server) dispatchWebhook(ctx context.Context, payload queue.TransformPayload, event string, body map[string]any) error {
	if payload.WebhookURL == "" || s.webhookClient == nil {
		return nil
	}

	if err := s.webhookClient.Send(ctx, payload.WebhookURL, event, body); err != nil {
		s.logger.Warn("webhook delivery failed", zap.String("job_id", payload.JobID), zap.String("event", event), zap.Error(err))
		return fmt.Errorf("dispatch webhook: %w", err)
	}

	return nil
}

func (s *Server) recordUsage(ctx context.Context, jobID string, outcome pipeline.Outcome, computeDuration time.Duration) {
	if s.usageStore == nil {
		return
	}

	userID := "anonymous"
	if s.jobStore != nil {
		job, ok, err := s.jobStore.Get(ctx, jobID)
		if err != nil {
			s.logger.Warn("usage lookup failed", zap.String("job_id", jobID), zap.Error(err))
		} else if ok && strings.TrimSpace(job.UserID) != "" {
			userID = job.UserID
		}
	}

	pixelsProcessed := int64(outcome.Output.Width) * int64(outcome.Output.Height)
	bytesSaved := max(0, int64(outcome.SourceBytes-outcome.Output.Bytes))
	computeTimeMS := max(1, computeDuration.Milliseconds())

	usage := domain.UsageLog{
		UserID:          userID,
		JobID:           jobID,
		Strategy:        outcome.Analysis.Strategy.String(),
		SourcePixels:    outcome.OriginalSize.Area(),
		PixelsProcessed: pixelsProcessed,
		BytesSaved:      bytesSaved,
		ComputeTimeMS:   computeTimeMS,
		CreatedAt:       s.now().UTC(),
	}
	if err := s.usageStore.CreateUsageLog(ctx, usage); err != nil {
		s.logger.Warn("usage log write failed", zap.String("job_id", jobID), zap.Error(err))
		return
	}

	s.metrics.pixelsProcessedTotal.Add(float64(pixelsProcessed))
	s.metrics.bytesSavedTotal.Add(float64(bytesSaved))
	s.metrics.computeTimeMSTotal.Add(float64(computeTimeMS))
}
