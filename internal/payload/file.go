package payload

import (
	"context"
	"fmt"
	"os"
	"time"

	relayerrors "github.com/pscheid92/tcprelay/internal/errors"
	"github.com/pscheid92/tcprelay/internal/metrics"
	"golang.org/x/sync/singleflight"
)

// FileSource reads the payload fresh from disk on every fetch.
type FileSource struct {
	path    string
	group   singleflight.Group
	metrics *metrics.PayloadMetrics
}

func NewFileSource(path string, m *metrics.PayloadMetrics) *FileSource {
	return &FileSource{path: path, metrics: m}
}

func (s *FileSource) Name() string { return "file" }

// Fetch reads the file. Concurrent fetches share one read.
func (s *FileSource) Fetch(ctx context.Context, _ []byte) ([]byte, error) {
	start := time.Now()
	ch := s.group.DoChan(s.path, func() (any, error) {
		return os.ReadFile(s.path)
	})

	select {
	case res := <-ch:
		s.metrics.FetchDuration.WithLabelValues(s.Name()).Observe(time.Since(start).Seconds())
		if res.Err != nil {
			s.metrics.FetchesTotal.WithLabelValues(s.Name(), "error").Inc()
			return nil, relayerrors.PayloadError("failed to read payload file", res.Err).
				WithContext("path", s.path)
		}
		s.metrics.FetchesTotal.WithLabelValues(s.Name(), "success").Inc()
		if res.Shared {
			s.metrics.SharedFetches.Inc()
		}
		return res.Val.([]byte), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("payload fetch cancelled: %w", ctx.Err())
	}
}

// Ready checks that the payload file exists and is a regular file.
func (s *FileSource) Ready(context.Context) error {
	info, err := os.Stat(s.path)
	if err != nil {
		return relayerrors.PayloadError("payload file not accessible", err).WithContext("path", s.path)
	}
	if !info.Mode().IsRegular() {
		return relayerrors.PayloadError("payload path is not a regular file", nil).WithContext("path", s.path)
	}
	return nil
}
