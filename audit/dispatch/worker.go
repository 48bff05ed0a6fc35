package dispatch

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/beaconhq/beacond/errors"
)

// WorkerPoolConfig contains configuration for the dispatch worker pool.
type WorkerPoolConfig struct {
	Workers      int           `json:"workers"`
	PollInterval time.Duration `json:"poll_interval"`
}

// DefaultWorkerPoolConfig returns sensible defaults.
func DefaultWorkerPoolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{
		Workers:      2,
		PollInterval: time.Second,
	}
}

// WorkerPool polls the trigger queue and hands triggers to the coordinator.
type WorkerPool struct {
	queue       *Queue
	coordinator *Coordinator
	config      WorkerPoolConfig
	parentCtx   context.Context
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	log         *zap.SugaredLogger
	mu          sync.Mutex
}

// NewWorkerPool creates a worker pool. Workers start on Start().
func NewWorkerPool(ctx context.Context, queue *Queue, coordinator *Coordinator, cfg WorkerPoolConfig, log *zap.SugaredLogger) *WorkerPool {
	workerCtx, cancel := context.WithCancel(ctx)
	return &WorkerPool{
		queue:       queue,
		coordinator: coordinator,
		config:      cfg,
		parentCtx:   ctx,
		ctx:         workerCtx,
		cancel:      cancel,
		log:         log.Named("dispatch"),
	}
}

// Start spawns the workers. Safe to call again after Stop().
func (wp *WorkerPool) Start() {
	wp.mu.Lock()
	select {
	case <-wp.ctx.Done():
		wp.ctx, wp.cancel = context.WithCancel(wp.parentCtx)
	default:
	}
	wp.mu.Unlock()

	wp.log.Infow("starting dispatch workers", "workers", wp.config.Workers)
	for i := 0; i < wp.config.Workers; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}
}

// Stop cancels the workers and waits for them to exit.
func (wp *WorkerPool) Stop() {
	wp.cancel()

	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		wp.log.Infow("dispatch workers stopped")
	case <-time.After(10 * time.Second):
		wp.log.Warnw("timed out waiting for dispatch workers")
	}
}

func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()

	ticker := time.NewTicker(wp.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-wp.ctx.Done():
			return
		case <-ticker.C:
			if err := wp.processNext(); err != nil {
				select {
				case <-wp.ctx.Done():
					return
				default:
				}
				if errors.Is(err, sql.ErrConnDone) {
					return
				}
				wp.log.Errorw("worker error", "worker_id", id, "error", err)
			}
		}
	}
}

// processNext pulls one trigger and dispatches it. Dispatch errors nack the
// trigger so it is re-delivered; a trigger the coordinator handled, even by
// dropping it, is acked.
func (wp *WorkerPool) processNext() error {
	trig, err := wp.queue.Dequeue()
	if err != nil {
		return err
	}
	if trig == nil {
		return nil
	}

	if err := wp.coordinator.Dispatch(wp.ctx, trig); err != nil {
		wp.log.Warnw("dispatch failed, re-queueing trigger",
			"trigger_id", trig.ID, "uuid", trig.UUID, "error", err)
		if nackErr := wp.queue.Nack(trig.ID); nackErr != nil {
			return nackErr
		}
		return err
	}
	return wp.queue.Ack(trig.ID)
}
