// Package scheduler owns the cron tick: it finds due schedules, creates
// executions with their per-viewport runs, and enqueues dispatch triggers.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/beaconhq/beacond/audit"
	"github.com/beaconhq/beacond/audit/dispatch"
	"github.com/beaconhq/beacond/errors"
)

// Broadcaster pushes refresh events to a team's live connections. Declared
// here so the scheduler does not import the server package.
type Broadcaster interface {
	Broadcast(teamID string, msg interface{}) int
}

// RefreshMessage tells a team's clients a new execution exists.
type RefreshMessage struct {
	Type      string    `json:"type"`
	UUID      string    `json:"uuid"`
	TargetID  string    `json:"target_id"`
	Timestamp time.Time `json:"timestamp"`
}

// TickerConfig contains configuration for the schedule ticker.
type TickerConfig struct {
	Interval time.Duration `json:"interval"`
}

// DefaultTickerConfig returns sensible defaults. Cron granularity is one
// minute, so ticking faster only burns queries.
func DefaultTickerConfig() TickerConfig {
	return TickerConfig{Interval: time.Minute}
}

// Ticker periodically fires due schedules.
type Ticker struct {
	store       *audit.Store
	queue       *dispatch.Queue
	broadcaster Broadcaster
	interval    time.Duration
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	log         *zap.SugaredLogger
	mu          sync.Mutex
	lastTickAt  time.Time
	ticks       int64
}

// NewTicker creates a schedule ticker with a parent context.
func NewTicker(ctx context.Context, store *audit.Store, queue *dispatch.Queue, broadcaster Broadcaster, cfg TickerConfig, log *zap.SugaredLogger) *Ticker {
	tickerCtx, cancel := context.WithCancel(ctx)
	return &Ticker{
		store:       store,
		queue:       queue,
		broadcaster: broadcaster,
		interval:    cfg.Interval,
		ctx:         tickerCtx,
		cancel:      cancel,
		log:         log.Named("scheduler"),
	}
}

// Start begins the ticker loop.
func (t *Ticker) Start() {
	t.wg.Add(1)
	go t.run()
	t.log.Infow("schedule ticker started", "interval", t.interval)
}

// Stop gracefully stops the ticker.
func (t *Ticker) Stop() {
	t.cancel()
	t.wg.Wait()
	t.log.Infow("schedule ticker stopped")
}

func (t *Ticker) run() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case tickTime := <-ticker.C:
			t.mu.Lock()
			t.lastTickAt = tickTime
			t.ticks++
			t.mu.Unlock()

			if err := t.Tick(tickTime); err != nil {
				t.log.Warnw("tick error", "error", err, "tick", t.ticks)
			}
		}
	}
}

// Tick fires every schedule due at or before now. Exported so an API
// trigger path and tests can drive the same logic without the loop.
// The instant is truncated to the minute to match cron granularity.
func (t *Ticker) Tick(now time.Time) error {
	now = now.UTC().Truncate(time.Minute)

	due, err := t.store.ListSchedulesDue(now)
	if err != nil {
		return errors.Wrap(err, "failed to list due schedules")
	}

	for _, sch := range due {
		select {
		case <-t.ctx.Done():
			return t.ctx.Err()
		default:
		}

		// One bad schedule must not starve the rest.
		if err := t.fire(sch, now); err != nil {
			t.log.Errorw("failed to fire schedule",
				"schedule_id", sch.ID, "url", sch.URL, "error", err)
			continue
		}
	}
	return nil
}

// fire creates the execution for one due schedule, enqueues a trigger per
// viewport, and re-arms the schedule from its cron expression.
func (t *Ticker) fire(sch *audit.Schedule, now time.Time) error {
	exec := audit.NewExecution(sch.ID, sch.TargetID, sch.TeamID, sch.URL, sch.Provider, audit.TriggeredByScheduled)
	if err := t.store.CreateExecution(exec); err != nil {
		return errors.Wrap(err, "failed to create execution")
	}

	for _, vp := range audit.Viewports() {
		if err := t.queue.Enqueue(&dispatch.Trigger{
			UUID:     exec.UUID,
			URL:      exec.URL,
			Viewport: vp,
			TeamID:   exec.TeamID,
			Provider: exec.Provider,
		}); err != nil {
			return errors.Wrapf(err, "failed to enqueue %s trigger", vp)
		}
	}

	t.log.Infow("schedule fired",
		"schedule_id", sch.ID, "uuid", exec.UUID, "url", sch.URL)

	if t.broadcaster != nil {
		t.broadcaster.Broadcast(sch.TeamID, RefreshMessage{
			Type:      "execution_refresh",
			UUID:      exec.UUID,
			TargetID:  sch.TargetID,
			Timestamp: now,
		})
	}

	t.rearm(sch, now)
	return nil
}

// rearm advances next_execution_at from the cron expression. A schedule
// whose expression cannot produce a future instant keeps its current value
// and warns on every tick until an operator fixes it.
func (t *Ticker) rearm(sch *audit.Schedule, now time.Time) {
	spec, err := cron.ParseStandard(sch.CronExpr)
	if err != nil {
		t.log.Warnw("schedule has unparseable cron expression, not re-armed",
			"schedule_id", sch.ID, "cron", sch.CronExpr, "error", err)
		return
	}

	next := spec.Next(now)
	if next.IsZero() || !next.After(now) {
		t.log.Warnw("cron expression yields no future run, not re-armed",
			"schedule_id", sch.ID, "cron", sch.CronExpr)
		return
	}

	if err := t.store.UpdateScheduleNextRun(sch.ID, next); err != nil {
		t.log.Errorw("failed to re-arm schedule",
			"schedule_id", sch.ID, "error", err)
		return
	}
	t.log.Debugw("schedule re-armed",
		"schedule_id", sch.ID, "next_execution_at", next.Format(time.RFC3339))
}

// Stats returns ticker counters for the status endpoint.
func (t *Ticker) Stats() map[string]interface{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return map[string]interface{}{
		"last_tick_at":      t.lastTickAt,
		"ticks_since_start": t.ticks,
		"interval":          t.interval.String(),
	}
}
