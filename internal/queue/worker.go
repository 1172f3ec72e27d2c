package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/felipepmaragno/seo-llm-proxy/internal/domain"
)

// UsageWriter is where drained records end up, normally the usage repository.
type UsageWriter interface {
	Record(ctx context.Context, record domain.UsageRecord) error
}

type WorkerConfig struct {
	BatchSize    int
	MaxRetries   int
	RetryBackoff time.Duration
	IdleWait     time.Duration
}

func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		BatchSize:    10,
		MaxRetries:   3,
		RetryBackoff: 100 * time.Millisecond,
		IdleWait:     time.Second,
	}
}

// Worker drains a UsageQueue into a UsageWriter. A record is deleted from the queue
// only after it was written, so a crash between the two writes it twice at worst.
type Worker struct {
	queue  UsageQueue
	writer UsageWriter
	cfg    WorkerConfig
	sleep  func(ctx context.Context, d time.Duration)
}

func NewWorker(q UsageQueue, writer UsageWriter, cfg WorkerConfig) *Worker {
	def := DefaultWorkerConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.IdleWait <= 0 {
		cfg.IdleWait = def.IdleWait
	}
	return &Worker{
		queue:  q,
		writer: writer,
		cfg:    cfg,
		sleep:  sleepCtx,
	}
}

// Run processes batches until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	slog.Info("usage worker started", "batch_size", w.cfg.BatchSize)
	for {
		if ctx.Err() != nil {
			slog.Info("usage worker stopped")
			return
		}

		n, err := w.ProcessBatch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			slog.Error("usage worker batch failed", "error", err)
			w.sleep(ctx, w.cfg.IdleWait)
			continue
		}
		if n == 0 {
			w.sleep(ctx, w.cfg.IdleWait)
		}
	}
}

// ProcessBatch receives one batch and writes it. It returns how many records were
// written and acknowledged.
func (w *Worker) ProcessBatch(ctx context.Context) (int, error) {
	messages, err := w.queue.Receive(ctx, w.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	written := 0
	for _, msg := range messages {
		if err := w.write(ctx, msg.Record); err != nil {
			slog.Error("failed to persist usage record",
				"record_id", msg.Record.ID,
				"user_id", msg.Record.UserID,
				"error", err,
			)
			continue
		}
		if err := w.queue.Delete(ctx, msg.ReceiptHandle); err != nil {
			slog.Warn("failed to acknowledge usage record", "record_id", msg.Record.ID, "error", err)
			continue
		}
		written++
	}

	if written > 0 {
		slog.Debug("usage batch persisted", "count", written)
	}
	return written, nil
}

func (w *Worker) write(ctx context.Context, record domain.UsageRecord) error {
	var lastErr error
	for attempt := 0; attempt <= w.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			w.sleep(ctx, w.cfg.RetryBackoff*time.Duration(1<<uint(attempt-1)))
		}
		if lastErr = w.writer.Record(ctx, record); lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
