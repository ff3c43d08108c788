package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/waaall/opencode-agent/internal/metrics"
)

// HandlerFunc runs one task. A non-nil error marks the delivery failed; the
// worker decides whether to schedule a retry.
type HandlerFunc func(ctx context.Context, task *Task) error

// WorkerConfig tunes a Worker.
type WorkerConfig struct {
	// Concurrency is the number of parallel consumers. Defaults to 2.
	Concurrency int
	// Backoffs is the retry schedule. A task is retried at most
	// len(Backoffs) times. Defaults to 30s then 120s.
	Backoffs []time.Duration
	// Retryable classifies handler errors. Only errors it accepts are
	// rescheduled; everything else is acked as final.
	Retryable func(error) bool
}

// Worker consumes tasks from a Queue with a fixed-size goroutine pool.
type Worker struct {
	queue     *Queue
	handler   HandlerFunc
	backoffs  []time.Duration
	retryable func(error) bool
	pool      int
	logger    *zap.Logger
}

// NewWorker wires a Worker. Nil Retryable means no retries.
func NewWorker(q *Queue, handler HandlerFunc, cfg WorkerConfig, logger *zap.Logger) *Worker {
	pool := cfg.Concurrency
	if pool <= 0 {
		pool = 2
	}
	backoffs := cfg.Backoffs
	if backoffs == nil {
		backoffs = []time.Duration{30 * time.Second, 120 * time.Second}
	}
	retryable := cfg.Retryable
	if retryable == nil {
		retryable = func(error) bool { return false }
	}
	return &Worker{
		queue:     q,
		handler:   handler,
		backoffs:  backoffs,
		retryable: retryable,
		pool:      pool,
		logger:    logger.Named("queue_worker"),
	}
}

// Run consumes until ctx is cancelled, then waits for in-flight tasks.
func (w *Worker) Run(ctx context.Context) {
	if moved, err := w.queue.RequeueProcessing(ctx); err != nil {
		w.logger.Warn("requeue in-flight tasks failed", zap.Error(err))
	} else if moved > 0 {
		w.logger.Info("requeued in-flight tasks from previous run", zap.Int64("count", moved))
	}

	var wg sync.WaitGroup
	for i := 0; i < w.pool; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.consume(ctx)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		w.reportDepth(ctx)
	}()

	wg.Wait()
}

func (w *Worker) consume(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		task, err := w.queue.Dequeue(ctx, 5*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Warn("dequeue failed", zap.Error(err))
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}
		if task == nil {
			continue
		}
		w.process(ctx, task)
	}
}

func (w *Worker) process(ctx context.Context, task *Task) {
	logger := w.logger.With(
		zap.String("task_id", task.ID),
		zap.String("job_id", task.JobID),
		zap.Int("attempt", task.Attempt),
	)

	err := w.handler(ctx, task)
	switch {
	case err == nil:
		w.ack(task, logger)
	case errors.Is(err, context.Canceled):
		// Shutdown mid-job. Leave the delivery in processing so the next
		// startup requeues it.
		logger.Info("task interrupted by shutdown")
	case w.retryable(err) && task.Attempt <= len(w.backoffs):
		backoff := w.backoffs[task.Attempt-1]
		retryCtx, cancel := detachedContext()
		retryErr := w.queue.Retry(retryCtx, task, backoff)
		cancel()
		if retryErr != nil {
			logger.Error("schedule retry failed", zap.Error(retryErr))
		} else {
			metrics.QueueRetries.Inc()
			logger.Warn("transient failure, retry scheduled",
				zap.Duration("backoff", backoff), zap.Error(err))
		}
		w.ack(task, logger)
	default:
		logger.Warn("task finished with error", zap.Error(err))
		w.ack(task, logger)
	}
}

// ack must complete even when the worker context is already cancelled, so it
// runs on a detached context.
func (w *Worker) ack(task *Task, logger *zap.Logger) {
	ctx, cancel := detachedContext()
	defer cancel()
	if err := w.queue.Ack(ctx, task); err != nil {
		logger.Error("ack failed", zap.Error(err))
	}
}

func (w *Worker) reportDepth(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.queue.Depth(ctx); err != nil {
				w.logger.Debug("queue depth probe failed", zap.Error(err))
			}
		}
	}
}

func detachedContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}
