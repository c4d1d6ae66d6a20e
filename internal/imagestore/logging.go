package imagestore

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"o2y-gateway/internal/metrics"
	"o2y-gateway/pkg/logging/logging"
)

// LoggingStore wraps a Store with logging + metrics.
type LoggingStore struct {
	inner   Store
	backend string
}

// NewLoggingStore returns a store that logs and records metrics.
func NewLoggingStore(inner Store, backend string) *LoggingStore {
	return &LoggingStore{inner: inner, backend: backend}
}

func (s *LoggingStore) Get(ctx context.Context, name string) ([]byte, error) {
	start := time.Now()
	data, err := s.inner.Get(ctx, name)

	result := "hit"
	switch {
	case errors.Is(err, ErrNotFound):
		result = "miss"
	case err != nil:
		result = "error"
	}
	s.record(ctx, "get", name, result, start, err, zap.Int("bytes", len(data)))

	return data, err
}

func (s *LoggingStore) Put(ctx context.Context, name string, data []byte) error {
	start := time.Now()
	err := s.inner.Put(ctx, name, data)

	result := "ok"
	if err != nil {
		result = "error"
	}
	s.record(ctx, "put", name, result, start, err, zap.Int("bytes", len(data)))

	return err
}

func (s *LoggingStore) Delete(ctx context.Context, name string) error {
	start := time.Now()
	err := s.inner.Delete(ctx, name)

	result := "ok"
	if err != nil {
		result = "error"
	}
	s.record(ctx, "delete", name, result, start, err)

	return err
}

// Sweep forwards to the inner store when it supports sweeping.
func (s *LoggingStore) Sweep(ctx context.Context, cutoff time.Time) (int, error) {
	sw, ok := s.inner.(Sweepable)
	if !ok {
		return 0, nil
	}
	start := time.Now()
	n, err := sw.Sweep(ctx, cutoff)

	result := "ok"
	if err != nil {
		result = "error"
	}
	s.record(ctx, "sweep", "", result, start, err, zap.Int("removed", n))

	return n, err
}

func (s *LoggingStore) record(ctx context.Context, op, name, result string, start time.Time, err error, extra ...zap.Field) {
	metrics.ImageStoreOpsTotal.WithLabelValues(op, result).Inc()

	fields := append([]zap.Field{
		zap.String("image_store", s.backend),
		zap.String("image_op", op),
		zap.String("image_name", name),
		zap.String("image_result", result), // hit | miss | ok | error
		zap.Float64("latency_ms", float64(time.Since(start).Microseconds())/1000.0),
	}, extra...)

	logger := logging.FromContext(ctx)
	if err != nil && result == "error" {
		logger.Error("image_store_"+op, append(fields, zap.Error(err))...)
		return
	}
	logger.Debug("image_store_"+op, fields...)
}
