// Package batch runs many pipeline requests with bounded parallelism.
package batch

import (
	"context"
	"fmt"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/dunamismax/pixelfit/internal/pipeline"
	"go.uber.org/zap"
)

const DefaultConcurrency = 4

type Runner interface {
	Process(ctx context.Context, req pipeline.Request) (pipeline.Outcome, error)
}

type Job struct {
	ID      string
	Request pipeline.Request
}

type JobResult struct {
	ID      string
	Outcome pipeline.Outcome
	Err     error
	Elapsed time.Duration
}

func (r JobResult) Succeeded() bool {
	return r.Err == nil
}

// Scheduler partitions jobs into chunks of its concurrency and runs every job
// in a chunk in parallel, waiting for the whole chunk before starting the next.
// Peak surface memory is bounded by concurrency pipelines.
type Scheduler struct {
	concurrency int
	timeout     time.Duration
	logger      *zap.Logger
	pool        pond.ResultPool[JobResult]
}

func NewScheduler(concurrency int, timeout time.Duration, logger *zap.Logger) *Scheduler {
	if concurrency < 1 {
		concurrency = DefaultConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		concurrency: concurrency,
		timeout:     timeout,
		logger:      logger,
		pool:        pond.NewResultPool[JobResult](concurrency),
	}
}

func (s *Scheduler) Concurrency() int {
	return s.concurrency
}

// Run processes jobs and returns one result per job in input order. A failing
// or timed-out job never affects its siblings. Jobs not yet started when ctx is
// done fail with ctx's error.
func (s *Scheduler) Run(ctx context.Context, runner Runner, jobs []Job) []JobResult {
	results := make([]JobResult, len(jobs))
	for start := 0; start < len(jobs); start += s.concurrency {
		end := min(start+s.concurrency, len(jobs))
		chunk := jobs[start:end]

		if err := ctx.Err(); err != nil {
			for i, job := range chunk {
				results[start+i] = JobResult{ID: job.ID, Err: err}
			}
			continue
		}

		waits := make([]func() (JobResult, error), len(chunk))
		for i, job := range chunk {
			task := s.pool.SubmitErr(func() (JobResult, error) {
				return s.runJob(ctx, runner, job), nil
			})
			waits[i] = task.Wait
		}
		for i, wait := range waits {
			res, err := wait()
			if err != nil {
				res = JobResult{ID: chunk[i].ID, Err: err}
			}
			results[start+i] = res
		}

		s.logger.Debug("batch chunk complete",
			zap.Int("from", start),
			zap.Int("to", end),
			zap.Int("total", len(jobs)),
		)
	}
	return results
}

func (s *Scheduler) runJob(ctx context.Context, runner Runner, job Job) JobResult {
	startedAt := time.Now()
	jobCtx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	outcome, err := runner.Process(jobCtx, job.Request)
	// A runner that ignores ctx can still finish late; that is a failure.
	if err == nil && jobCtx.Err() != nil {
		outcome, err = pipeline.Outcome{}, fmt.Errorf("job %s exceeded its deadline: %w", job.ID, jobCtx.Err())
	}
	res := JobResult{ID: job.ID, Outcome: outcome, Err: err, Elapsed: time.Since(startedAt)}
	if err != nil {
		s.logger.Warn("batch job failed", zap.String("job_id", job.ID), zap.Error(err))
	}
	return res
}

// Close stops the worker pool after in-flight jobs finish.
func (s *Scheduler) Close() {
	s.pool.StopAndWait()
}
