// Package storage reads the configuration document from local disk or Cloud Storage.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
)

const gcsScheme = "gs://"

// Store reads configuration objects.
type Store struct {
	client *storage.Client
	logger *slog.Logger
}

// New creates a new store. client may be nil when only local paths are read.
func New(client *storage.Client, logger *slog.Logger) *Store {
	return &Store{
		client: client,
		logger: logger,
	}
}

// IsGCS reports whether location names a Cloud Storage object.
func IsGCS(location string) bool {
	return strings.HasPrefix(location, gcsScheme)
}

// ParseGCS splits gs://bucket/object into its parts.
func ParseGCS(location string) (bucket, object string, err error) {
	if !IsGCS(location) {
		return "", "", fmt.Errorf("not a gs:// location: %q", location)
	}
	bucket, object, ok := strings.Cut(strings.TrimPrefix(location, gcsScheme), "/")
	if !ok || bucket == "" || object == "" {
		return "", "", fmt.Errorf("invalid gs:// location %q, want gs://bucket/object", location)
	}
	return bucket, object, nil
}

// fetchFunc reads one copy of the config document.
type fetchFunc func(ctx context.Context) ([]byte, error)

// Read loads the config document at location. Transient Cloud Storage errors
// are retried; a missing file, bucket or object fails at once.
func (s *Store) Read(ctx context.Context, location string) ([]byte, error) {
	fetch, err := s.fetcher(location)
	if err != nil {
		return nil, err
	}

	data, err := retry.DoWithData(
		func() ([]byte, error) { return fetch(ctx) },
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(10*time.Second),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Warn("Config read failed, retrying", "location", location, "attempt", n, "error", err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", location, err)
	}

	s.logger.Info("Config loaded", "location", location, "bytes", len(data))
	return data, nil
}

func (s *Store) fetcher(location string) (fetchFunc, error) {
	if !IsGCS(location) {
		return func(context.Context) ([]byte, error) {
			data, err := os.ReadFile(location)
			if err != nil {
				return nil, retry.Unrecoverable(err)
			}
			return data, nil
		}, nil
	}

	bucket, object, err := ParseGCS(location)
	if err != nil {
		return nil, err
	}
	if s.client == nil {
		return nil, errors.New("cloud storage client not configured")
	}
	obj := s.client.Bucket(bucket).Object(object)

	return func(ctx context.Context) ([]byte, error) {
		r, err := obj.NewReader(ctx)
		if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
			return nil, retry.Unrecoverable(err)
		}
		if err != nil {
			return nil, fmt.Errorf("open object: %w", err)
		}
		defer func() {
			if closeErr := r.Close(); closeErr != nil {
				s.logger.Warn("Failed to close storage reader", "error", closeErr)
			}
		}()
		return io.ReadAll(r)
	}, nil
}
