package reconcile

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Worker runs the reconciler on a fixed interval
type Worker struct {
	reconciler *Reconciler
	interval   time.Duration
	logger     *zap.Logger
	stopChan   chan struct{}
	stopOnce   sync.Once
}

// NewWorker creates a new reconciliation worker
func NewWorker(reconciler *Reconciler, interval time.Duration, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		reconciler: reconciler,
		interval:   interval,
		logger:     logger,
		stopChan:   make(chan struct{}),
	}
}

// Start blocks until Stop is called or ctx is cancelled.
// Markers left by a crash are handled by the first pass, right at startup.
func (w *Worker) Start(ctx context.Context) {
	w.logger.Info("starting reconcile worker", zap.Duration("interval", w.interval))

	w.runOnce(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.runOnce(ctx)

		case <-w.stopChan:
			w.logger.Info("stopping reconcile worker")
			return

		case <-ctx.Done():
			w.logger.Info("context cancelled, stopping reconcile worker")
			return
		}
	}
}

func (w *Worker) runOnce(ctx context.Context) {
	if _, err := w.reconciler.ProcessPending(ctx); err != nil {
		w.logger.Error("reconciliation pass failed", zap.Error(err))
	}
}

// Stop ends the loop. Safe to call more than once.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopChan) })
}
