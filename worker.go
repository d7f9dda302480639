package outbus

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Worker is a long-running background activity managed by the Dispatcher.
type Worker interface {
	Start(ctx context.Context)
	Stop()
	Name() string
}

// BaseWorker runs a function on a fixed interval and handles graceful
// shutdown. An optional wake channel triggers an immediate run between
// ticks; the drain worker uses it for post-commit nudges.
type BaseWorker struct {
	name     string
	interval time.Duration
	logger   *zap.Logger
	workFunc func(ctx context.Context) error
	wake     <-chan struct{}

	wg       sync.WaitGroup
	mu       sync.RWMutex
	stopOnce sync.Once
	stopChan chan struct{}
	started  bool
}

type WorkerOption func(*BaseWorker)

// WithWake lets an external signal run the work function immediately instead
// of waiting for the next tick.
func WithWake(wake <-chan struct{}) WorkerOption {
	return func(w *BaseWorker) {
		w.wake = wake
	}
}

// NewBaseWorker creates a ticker worker around workFunc.
func NewBaseWorker(name string, interval time.Duration, logger *zap.Logger, workFunc func(ctx context.Context) error, opts ...WorkerOption) *BaseWorker {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &BaseWorker{
		name:     name,
		interval: interval,
		logger:   logger,
		workFunc: workFunc,
		stopChan: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start runs the worker loop. It blocks until the context is cancelled or
// Stop is called.
func (w *BaseWorker) Start(ctx context.Context) {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		w.logger.Warn("Worker already started", zap.String("name", w.name))
		return
	}
	w.started = true
	w.mu.Unlock()

	w.logger.Info("Worker starting", zap.String("name", w.name), zap.Duration("interval", w.interval))
	defer w.logger.Info("Worker finished", zap.String("name", w.name))

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Context cancelled, worker stopping", zap.String("name", w.name))
			return
		case <-w.stopChan:
			w.logger.Info("Stop signal received, worker stopping", zap.String("name", w.name))
			return
		case <-ticker.C:
			if w.stopping() {
				return
			}
			w.executeWorkFunc(ctx)
		case <-w.wake:
			if w.stopping() {
				return
			}
			w.executeWorkFunc(ctx)
			// A nudge already did the work; push the next tick out.
			ticker.Reset(w.interval)
		}
	}
}

// stopping is a non-blocking check for the stop signal, closing the race
// where Stop lands right as a run is about to start.
func (w *BaseWorker) stopping() bool {
	select {
	case <-w.stopChan:
		return true
	default:
		return false
	}
}

// executeWorkFunc runs one iteration, ensuring Stop waits for it to finish.
func (w *BaseWorker) executeWorkFunc(ctx context.Context) {
	w.wg.Add(1)
	defer w.wg.Done()

	select {
	case <-ctx.Done():
		return
	default:
	}

	if err := w.workFunc(ctx); err != nil {
		w.logger.Error("Worker function failed", zap.String("name", w.name), zap.Error(err))
	}
}

// Stop shuts the worker down, waiting for any in-progress run to complete.
// Safe to call multiple times.
func (w *BaseWorker) Stop() {
	w.stopOnce.Do(func() {
		w.mu.RLock()
		defer w.mu.RUnlock()
		if !w.started {
			return
		}
		close(w.stopChan)
		w.wg.Wait()
	})
}

// Name returns the worker's name.
func (w *BaseWorker) Name() string {
	return w.name
}
