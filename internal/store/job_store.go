package store

import (
	"context"
	"errors"
	"strings"

	"github.com/dunamismax/pixelfit/internal/domain"
)

var ErrJobNotFound = errors.New("job not found")

type JobStore interface {
	Create(ctx context.Context, job domain.Job) error
	Get(ctx context.Context, id string) (domain.Job, bool, error)
	UpdateStatus(ctx context.Context, id, status string) (domain.Job, error)
	// Finish records the terminal state of a job along with its result location
	// or failure message.
	Finish(ctx context.Context, id, status, resultKey, errMsg string) (domain.Job, error)
}

type UsageStore interface {
	CreateUsageLog(ctx context.Context, usage domain.UsageLog) error
}

// Store is the persistence surface the binaries share.
type Store interface {
	JobStore
	UsageStore
}

// Open connects to Postgres when dsn is set and falls back to an in-memory
// store otherwise. The returned func releases the connection.
func Open(ctx context.Context, dsn string) (Store, func() error, error) {
	if strings.TrimSpace(dsn) == "" {
		return NewMemoryJobStore(), func() error { return nil }, nil
	}
	pg, err := NewPostgresJobStore(ctx, dsn)
	if err != nil {
		return nil, nil, err
	}
	return pg, pg.Close, nil
}
