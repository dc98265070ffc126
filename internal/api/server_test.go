package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dunamismax/pixelfit/internal/domain"
	"github.com/dunamismax/pixelfit/internal/downscale"
	"github.com/dunamismax/pixelfit/internal/geometry"
	"github.com/dunamismax/pixelfit/internal/queue"
	"github.com/dunamismax/pixelfit/internal/ratelimit"
	"github.com/dunamismax/pixelfit/internal/store"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

type fakeQueue struct {
	transforms []queue.TransformPayload
	batches    []queue.BatchPayload
}

func (q *fakeQueue) EnqueueTransform(_ context.Context, payload queue.TransformPayload) (*asynq.TaskInfo, error) {
	q.transforms = append(q.transforms, payload)
	return &asynq.TaskInfo{ID: "task-t", Queue: "default", State: asynq.TaskStatePending}, nil
}

func (q *fakeQueue) EnqueueBatch(_ context.Context, payload queue.BatchPayload) (*asynq.TaskInfo, error) {
	q.batches = append(q.batches, payload)
	return &asynq.TaskInfo{ID: "task-b", Queue: "default", State: asynq.TaskStatePending}, nil
}

type fakeStorage struct {
	objects map[string]bool
}

func (s *fakeStorage) PresignedPutURL(_ context.Context, key string, _ time.Duration) (string, error) {
	return "https://objects.test/put/" + key, nil
}

func (s *fakeStorage) PresignedGetURL(_ context.Context, key string, _ time.Duration) (string, error) {
	return "https://objects.test/get/" + key, nil
}

func (s *fakeStorage) ObjectExists(_ context.Context, key string) (bool, error) {
	return s.objects[key], nil
}

type fakeLimiter struct {
	costs []int64
	deny  bool
}

func (l *fakeLimiter) AllowN(_ context.Context, _ string, cost int64) (ratelimit.Decision, error) {
	l.costs = append(l.costs, cost)
	if l.deny {
		return ratelimit.Decision{Allowed: false, Limit: 20, RetryAfter: 2 * time.Second, ResetAfter: 40 * time.Second}, nil
	}
	return ratelimit.Decision{Allowed: true, Cost: cost, Limit: 20, Remaining: 10, ResetAfter: 3 * time.Second}, nil
}

type fixture struct {
	server  *Server
	queue   *fakeQueue
	store   *store.MemoryJobStore
	storage *fakeStorage
	limiter *fakeLimiter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		queue:   &fakeQueue{},
		store:   store.NewMemoryJobStore(),
		storage: &fakeStorage{objects: map[string]bool{}},
		limiter: &fakeLimiter{},
	}
	f.server = NewServer(nil, f.queue, f.store, f.storage, Options{
		RateLimiter:   f.limiter,
		MaxBatchJobs:  3,
		PixelsPerCost: 1_000_000,
	})
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("X-User-ID", "user-7")
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func (f *fixture) seed(t *testing.T, job domain.Job) {
	t.Helper()
	require.NoError(t, f.store.Create(context.Background(), job))
}

func writeSource(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "source.png")
	require.NoError(t, os.WriteFile(path, []byte("png"), 0o600))
	return path
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decodeBody(t, rec)["status"])
}

func TestCreateLocalJob(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/v1/jobs", map[string]any{
		"source_type": "local_file",
		"object_key":  "/data/in.png",
		"operations":  []map[string]any{{"type": "resize", "width": 100, "fit": "cover"}},
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	body := decodeBody(t, rec)
	jobID, _ := body["job_id"].(string)
	require.NotEmpty(t, jobID)

	job, ok, err := f.store.Get(context.Background(), jobID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "user-7", job.UserID)
	assert.Equal(t, domain.JobStatusCreated, job.Status)
	assert.Equal(t, "/data/in.png", job.ObjectKey)
	assert.Equal(t, []int64{1}, f.limiter.costs)
}

func TestCreatePresignedJob(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/v1/jobs", map[string]any{
		"source_type": "s3_presigned",
		"operations":  []map[string]any{{"type": "trim"}},
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	upload := decodeBody(t, rec)["upload"].(map[string]any)
	assert.Equal(t, "ready", upload["presigned_url_state"])
	assert.Contains(t, upload["presigned_put_url"], "https://objects.test/put/uploads/")
}

func TestCreateJobRejectsInvalidBody(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/jobs", map[string]any{"source_type": "ftp"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/jobs", map[string]any{"unknown": true})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeBody(t, rec)["error"], "invalid JSON body")
}

func TestRateLimitRejection(t *testing.T) {
	f := newFixture(t)
	f.limiter.deny = true

	rec := f.do(t, http.MethodPost, "/v1/jobs", map[string]any{
		"source_type": "s3_presigned",
		"operations":  []map[string]any{{"type": "trim"}},
	})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))
	assert.Equal(t, "20", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "40", rec.Header().Get("X-RateLimit-Reset"))

	rec = f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStartJob(t *testing.T) {
	f := newFixture(t)
	f.seed(t, domain.Job{
		ID:         "job-1",
		Status:     domain.JobStatusCreated,
		SourceType: domain.SourceTypeLocalFile,
		ObjectKey:  writeSource(t),
		Operations: []domain.OperationStep{{Type: "blur", Radius: 1}},
		Preference: "quality",
	})

	rec := f.do(t, http.MethodPost, "/v1/jobs/job-1/start", nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, "pending", decodeBody(t, rec)["state"])

	require.Len(t, f.queue.transforms, 1)
	assert.Equal(t, "job-1", f.queue.transforms[0].JobID)
	assert.Equal(t, "quality", f.queue.transforms[0].Preference)

	job, _, _ := f.store.Get(context.Background(), "job-1")
	assert.Equal(t, domain.JobStatusQueued, job.Status)
}

func TestStartJobWithMissingSource(t *testing.T) {
	f := newFixture(t)
	f.seed(t, domain.Job{ID: "job-2", SourceType: domain.SourceTypeS3Presigned, ObjectKey: "uploads/job-2/source"})

	rec := f.do(t, http.MethodPost, "/v1/jobs/job-2/start", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Empty(t, f.queue.transforms)

	rec = f.do(t, http.MethodPost, "/v1/jobs/nope/start", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetJobIncludesDownloadURL(t *testing.T) {
	f := newFixture(t)
	f.seed(t, domain.Job{
		ID:         "job-3",
		Status:     domain.JobStatusSucceeded,
		SourceType: domain.SourceTypeS3Presigned,
		ResultKey:  "outputs/job-3.png",
	})

	rec := f.do(t, http.MethodGet, "/v1/jobs/job-3", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	result := decodeBody(t, rec)["result"].(map[string]any)
	assert.Equal(t, "outputs/job-3.png", result["key"])
	assert.Equal(t, "https://objects.test/get/outputs/job-3.png", result["download_url"])

	rec = f.do(t, http.MethodGet, "/v1/jobs/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateBatch(t *testing.T) {
	f := newFixture(t)
	for _, id := range []string{"a", "b"} {
		f.seed(t, domain.Job{ID: id, SourceType: domain.SourceTypeLocalFile, ObjectKey: writeSource(t)})
	}

	rec := f.do(t, http.MethodPost, "/v1/batches", map[string]any{"job_ids": []string{"a", "b"}})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	require.Len(t, f.queue.batches, 1)
	assert.Equal(t, []string{"a", "b"}, f.queue.batches[0].JobIDs)
	assert.NotEmpty(t, f.queue.batches[0].BatchID)
	assert.Equal(t, []int64{2}, f.limiter.costs)

	for _, id := range []string{"a", "b"} {
		job, _, _ := f.store.Get(context.Background(), id)
		assert.Equal(t, domain.JobStatusQueued, job.Status)
	}
}

func TestCreateBatchValidation(t *testing.T) {
	f := newFixture(t)
	f.seed(t, domain.Job{ID: "a", SourceType: domain.SourceTypeLocalFile, ObjectKey: writeSource(t)})

	rec := f.do(t, http.MethodPost, "/v1/batches", map[string]any{"job_ids": []string{"a", "b", "c", "d"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/batches", map[string]any{"job_ids": []string{"a", "ghost"}})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Empty(t, f.queue.batches)
}

func TestPlanReportsStages(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/v1/plan", map[string]any{
		"source_width":  1920,
		"source_height": 1080,
		"resize":        map[string]any{"width": 300, "height": 300, "fit": "cover"},
		"preference":    "quality",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Canvas  geometry.Dimensions `json:"canvas"`
		Quality string              `json:"quality"`
		Stages  []planStage         `json:"stages"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	geo, err := geometry.Resolve(
		geometry.Dimensions{Width: 1920, Height: 1080},
		geometry.ResizeSpec{Width: 300, Height: 300, Fit: geometry.Cover},
	)
	require.NoError(t, err)
	plan, err := downscale.Plan(geo.SourceRect.Size(), geo.DestRect.Size(), downscale.High, downscale.Options{})
	require.NoError(t, err)

	assert.Equal(t, geometry.Dimensions{Width: 300, Height: 300}, resp.Canvas)
	assert.Equal(t, "high", resp.Quality)
	require.Len(t, resp.Stages, len(plan))
	last := resp.Stages[len(resp.Stages)-1]
	assert.Equal(t, geo.DestRect.Width, last.Width)
	assert.Equal(t, geo.DestRect.Height, last.Height)
	assert.InDelta(t, downscale.MinScale(geo.SourceRect.Size(), geo.DestRect.Size()), last.Cumulative, 1e-9)
	assert.Equal(t, []int64{3}, f.limiter.costs)
}

func TestPlanRejectsConflictingBounds(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/v1/plan", map[string]any{
		"source_width":  800,
		"source_height": 600,
		"resize":        map[string]any{"width": 100, "fit": "at_most", "without_reduction": true},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/plan", map[string]any{"source_width": 800, "source_height": 600})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRouteLabel(t *testing.T) {
	assert.Equal(t, "/v1/jobs/{id}/start", routeLabel("/v1/jobs/x/start"))
	assert.Equal(t, "/v1/jobs/{id}", routeLabel("/v1/jobs/x"))
	assert.Equal(t, "/v1/jobs", routeLabel("/v1/jobs"))
	assert.Equal(t, "/v1/plan", routeLabel("/v1/plan"))
}

func TestTracingRecordsStatus(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	s := NewServer(nil, &fakeQueue{}, store.NewMemoryJobStore(), &fakeStorage{}, Options{
		Tracer: provider.Tracer("api-test"),
	})
	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/missing", nil)
	s.Handler().ServeHTTP(httptest.NewRecorder(), req)

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "GET /v1/jobs/{id}", spans[0].Name)

	attrs := map[attribute.Key]attribute.Value{}
	for _, kv := range spans[0].Attributes {
		attrs[kv.Key] = kv.Value
	}
	assert.Equal(t, int64(http.StatusNotFound), attrs["http.response.status_code"].AsInt64())
}
