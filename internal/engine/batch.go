package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"synthseed/internal/domain"
	"synthseed/internal/metrics"
)

// DefaultBatchSize is the flush threshold of the batch writer.
const DefaultBatchSize = 10000

// Sink durably persists a batch of engagement rows, all or nothing.
type Sink interface {
	InsertEngagements(ctx context.Context, rows []domain.EngagementEvent) error
}

// BatchWriter buffers rows and flushes them one batch at a time. A flush
// completes before the next one can start; a failed flush is returned to
// the caller with the buffer intact.
type BatchWriter struct {
	Sink      Sink
	Threshold int
	Log       zerolog.Logger

	buf      []domain.EngagementEvent
	inserted int
	batches  int
}

func NewBatchWriter(sink Sink, threshold int, log zerolog.Logger) *BatchWriter {
	if threshold <= 0 {
		threshold = DefaultBatchSize
	}
	return &BatchWriter{Sink: sink, Threshold: threshold, Log: log}
}

// Append buffers rows and flushes once the buffer reaches the threshold.
// Rows of one call are never split across batches.
func (w *BatchWriter) Append(ctx context.Context, rows ...domain.EngagementEvent) error {
	w.buf = append(w.buf, rows...)
	if len(w.buf) >= w.Threshold {
		return w.Flush(ctx)
	}
	return nil
}

// Flush writes whatever is buffered.
func (w *BatchWriter) Flush(ctx context.Context) error {
	if len(w.buf) == 0 {
		return nil
	}
	start := time.Now()
	err := retryTransient(ctx, func() error {
		return w.Sink.InsertEngagements(ctx, w.buf)
	})
	if err != nil {
		return fmt.Errorf("flush batch %d (%d rows): %w", w.batches+1, len(w.buf), err)
	}
	took := time.Since(start)
	n := len(w.buf)
	w.inserted += n
	w.batches++
	w.buf = w.buf[:0]
	metrics.RecordFlush(n, took)
	w.Log.Debug().Int("rows", n).Int("batch", w.batches).Dur("took", took).Msg("batch flushed")
	return nil
}

// Inserted is the running total of durably written rows.
func (w *BatchWriter) Inserted() int { return w.inserted }

// Pending is the number of buffered, unflushed rows.
func (w *BatchWriter) Pending() int { return len(w.buf) }
