package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dunamismax/pixelfit/internal/pipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type jobSpan struct {
	start, end time.Time
}

type fakeRunner struct {
	mu      sync.Mutex
	active  int
	peak    int
	spans   map[string]jobSpan
	started atomic.Int32
	delay   time.Duration
	delays  map[string]time.Duration
	failOn  map[string]bool
	blockOn map[string]bool
}

func (f *fakeRunner) Process(ctx context.Context, req pipeline.Request) (pipeline.Outcome, error) {
	f.started.Add(1)
	f.mu.Lock()
	f.active++
	f.peak = max(f.peak, f.active)
	startedAt := time.Now()
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.active--
		if f.spans == nil {
			f.spans = make(map[string]jobSpan)
		}
		f.spans[req.JobID] = jobSpan{start: startedAt, end: time.Now()}
		f.mu.Unlock()
	}()

	delay := f.delay
	if d, ok := f.delays[req.JobID]; ok {
		delay = d
	}
	if f.blockOn[req.JobID] {
		<-ctx.Done()
		return pipeline.Outcome{}, ctx.Err()
	}
	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return pipeline.Outcome{}, ctx.Err()
	}
	if f.failOn[req.JobID] {
		return pipeline.Outcome{}, fmt.Errorf("job %s failed", req.JobID)
	}
	return pipeline.Outcome{Output: pipeline.Output{Path: req.JobID}}, nil
}

// stubbornRunner sleeps without watching ctx.
type stubbornRunner struct {
	sleep time.Duration
}

func (r stubbornRunner) Process(_ context.Context, req pipeline.Request) (pipeline.Outcome, error) {
	time.Sleep(r.sleep)
	return pipeline.Outcome{Output: pipeline.Output{Path: req.JobID}}, nil
}

func makeJobs(n int) []Job {
	jobs := make([]Job, n)
	for i := range jobs {
		id := fmt.Sprintf("job-%d", i)
		jobs[i] = Job{ID: id, Request: pipeline.Request{JobID: id}}
	}
	return jobs
}

func TestRunReturnsResultsInInputOrder(t *testing.T) {
	s := NewScheduler(3, 0, nil)
	defer s.Close()

	runner := &fakeRunner{delay: time.Millisecond}
	results := s.Run(context.Background(), runner, makeJobs(7))

	require.Len(t, results, 7)
	for i, res := range results {
		assert.Equal(t, fmt.Sprintf("job-%d", i), res.ID)
		assert.True(t, res.Succeeded())
		assert.Equal(t, res.ID, res.Outcome.Output.Path)
	}
	assert.LessOrEqual(t, runner.peak, 3)
}

func TestRunIsolatesFailures(t *testing.T) {
	s := NewScheduler(2, 0, nil)
	defer s.Close()

	runner := &fakeRunner{failOn: map[string]bool{"job-1": true}}
	results := s.Run(context.Background(), runner, makeJobs(4))

	assert.NoError(t, results[0].Err)
	assert.EqualError(t, results[1].Err, "job job-1 failed")
	assert.NoError(t, results[2].Err)
	assert.NoError(t, results[3].Err)
}

func TestRunTimeoutFailsOnlyThatJob(t *testing.T) {
	s := NewScheduler(2, 50*time.Millisecond, nil)
	defer s.Close()

	runner := &fakeRunner{blockOn: map[string]bool{"job-0": true}}
	results := s.Run(context.Background(), runner, makeJobs(3))

	assert.True(t, errors.Is(results[0].Err, context.DeadlineExceeded))
	assert.NoError(t, results[1].Err)
	assert.NoError(t, results[2].Err)
}

func TestRunSkipsRemainingChunksAfterCancel(t *testing.T) {
	s := NewScheduler(2, 0, nil)
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	runner := &fakeRunner{}
	results := s.Run(ctx, runner, makeJobs(5))

	require.Len(t, results, 5)
	for _, res := range results {
		assert.ErrorIs(t, res.Err, context.Canceled)
	}
	assert.Equal(t, int32(0), runner.started.Load())
}

func TestNewSchedulerDefaults(t *testing.T) {
	s := NewScheduler(0, 0, nil)
	defer s.Close()
	assert.Equal(t, DefaultConcurrency, s.Concurrency())
	assert.Empty(t, s.Run(context.Background(), &fakeRunner{}, nil))
}

func TestRunWaitsForWholeChunk(t *testing.T) {
	s := NewScheduler(3, 0, nil)
	defer s.Close()

	// One slow job per chunk; a sliding window would start the next chunk's
	// jobs while it is still running.
	runner := &fakeRunner{
		delay:  time.Millisecond,
		delays: map[string]time.Duration{"job-0": 40 * time.Millisecond, "job-4": 40 * time.Millisecond},
	}
	jobs := makeJobs(8)
	results := s.Run(context.Background(), runner, jobs)
	for _, res := range results {
		require.True(t, res.Succeeded(), res.ID)
	}

	runner.mu.Lock()
	defer runner.mu.Unlock()
	require.Len(t, runner.spans, len(jobs))
	for chunkStart := 0; chunkStart+3 < len(jobs); chunkStart += 3 {
		var chunkEnd time.Time
		for i := chunkStart; i < chunkStart+3; i++ {
			if end := runner.spans[jobs[i].ID].end; end.After(chunkEnd) {
				chunkEnd = end
			}
		}
		for i := chunkStart + 3; i < min(chunkStart+6, len(jobs)); i++ {
			start := runner.spans[jobs[i].ID].start
			assert.False(t, start.Before(chunkEnd), "%s started before chunk at %d finished", jobs[i].ID, chunkStart)
		}
	}
}

func TestRunFailsJobThatOverrunsTimeout(t *testing.T) {
	s := NewScheduler(2, 20*time.Millisecond, nil)
	defer s.Close()

	results := s.Run(context.Background(), stubbornRunner{sleep: 100 * time.Millisecond}, makeJobs(1))
	require.Len(t, results, 1)
	assert.False(t, results[0].Succeeded())
	assert.ErrorIs(t, results[0].Err, context.DeadlineExceeded)
	assert.Empty(t, results[0].Outcome.Output.Path)
}
