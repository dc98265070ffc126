package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dunamismax/pixelfit/internal/domain"
	"github.com/dunamismax/pixelfit/internal/storage"
	"github.com/dunamismax/pixelfit/internal/surface"
)

// ObjectStore is the subset of the storage client the object-store stages use.
type ObjectStore interface {
	ReadObject(ctx context.Context, objectKey string) ([]byte, error)
	WriteObject(ctx context.Context, objectKey string, data []byte, contentType string) error
}

var _ ObjectStore = (*storage.Client)(nil)

func NewObjectStoreProcessor(executor *Executor, store ObjectStore, outputPrefix string) (*Processor, error) {
	return NewProcessor(
		ObjectStoreFetcher{Storage: store},
		ImageDecoder{},
		executor,
		ObjectStoreEmitter{Storage: store, OutputPrefix: outputPrefix},
	)
}

type ObjectStoreFetcher struct {
	Storage ObjectStore
}

func (f ObjectStoreFetcher) Fetch(ctx context.Context, req Request) ([]byte, error) {
	if f.Storage == nil {
		return nil, errors.New("storage client is required")
	}
	if !strings.EqualFold(req.SourceType, domain.SourceTypeS3Presigned) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedSourceType, req.SourceType)
	}
	return f.Storage.ReadObject(ctx, req.ObjectKey)
}

type ObjectStoreEmitter struct {
	Storage      ObjectStore
	OutputPrefix string
}

func (e ObjectStoreEmitter) Emit(ctx context.Context, req Request, data []byte, format string, width, height int) (Output, error) {
	if e.Storage == nil {
		return Output{}, errors.New("storage client is required")
	}

	objectKey := storage.OutputKey(e.OutputPrefix, outputName(req.JobID, format))
	if err := e.Storage.WriteObject(ctx, objectKey, data, surface.ContentType(format)); err != nil {
		return Output{}, err
	}

	return Output{
		Format: surface.NormalizeFormat(format),
		Path:   objectKey,
		Bytes:  len(data),
		Width:  width,
		Height: height,
	}, nil
}
