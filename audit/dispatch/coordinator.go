package dispatch

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/beaconhq/beacond/audit"
	"github.com/beaconhq/beacond/audit/provider"
	"github.com/beaconhq/beacond/errors"
)

// Publisher fans a result message out to a team's live connections.
type Publisher interface {
	Broadcast(teamID string, msg interface{}) int
}

// ResultMessage is pushed to team connections when a run reaches a state
// worth showing: a retry re-entry or a terminal failure. Completions are
// published by the ingestion pipeline once metrics are stored.
type ResultMessage struct {
	Type      string         `json:"type"`
	UUID      string         `json:"uuid"`
	Viewport  audit.Viewport `json:"viewport"`
	Status    audit.Status   `json:"status"`
	Retries   int            `json:"retries"`
	Timestamp time.Time      `json:"timestamp"`
}

// Coordinator owns the run state machine between trigger and terminal
// state: it hands triggers to the provider driver and applies the retry
// policy when a run reports failure.
type Coordinator struct {
	store     *audit.Store
	queue     *Queue
	drivers   map[audit.Provider]provider.Driver
	publisher Publisher
	log       *zap.SugaredLogger
}

// NewCoordinator wires the coordinator. Drivers are registered by kind;
// triggers naming an unregistered provider are dropped with an error.
func NewCoordinator(store *audit.Store, queue *Queue, publisher Publisher, log *zap.SugaredLogger, drivers ...provider.Driver) *Coordinator {
	byKind := make(map[audit.Provider]provider.Driver, len(drivers))
	for _, d := range drivers {
		byKind[d.Kind()] = d
	}
	return &Coordinator{
		store:     store,
		queue:     queue,
		drivers:   byKind,
		publisher: publisher,
		log:       log,
	}
}

// Dispatch processes one trigger: marks the run running and launches the
// driver. Delivery is at-least-once and retries re-enqueue, so the queue
// can hold triggers the run has already moved past; anything carrying an
// older retry tag than the run, or aimed at a terminal run, is dropped
// before it can launch.
func (c *Coordinator) Dispatch(ctx context.Context, trig *Trigger) error {
	driver, ok := c.drivers[trig.Provider]
	if !ok {
		return errors.Newf("no driver registered for provider %q", trig.Provider)
	}

	run, err := c.store.GetRun(trig.UUID, trig.Viewport)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			c.log.Errorw("trigger for unknown run dropped",
				"uuid", trig.UUID, "viewport", trig.Viewport)
			return nil
		}
		return err
	}
	if run.Status == audit.StatusCompleted ||
		(run.Status == audit.StatusFailed && run.Retries >= audit.MaxRetries) {
		c.log.Debugw("dropping trigger for terminal run",
			"uuid", trig.UUID, "viewport", trig.Viewport, "status", run.Status)
		return nil
	}
	if trig.Retries < run.Retries {
		c.log.Debugw("dropping stale trigger",
			"uuid", trig.UUID, "viewport", trig.Viewport,
			"trigger_retry", trig.Retries, "run_retries", run.Retries)
		return nil
	}

	if err := c.store.MarkRunRunning(trig.UUID, trig.Viewport); err != nil {
		if errors.Is(err, errors.ErrIllegalTransition) {
			c.log.Debugw("dropping stale trigger",
				"uuid", trig.UUID, "viewport", trig.Viewport)
			return nil
		}
		return err
	}

	signal, err := driver.Launch(ctx, provider.Request{
		URL:      trig.URL,
		UUID:     trig.UUID,
		Viewport: trig.Viewport,
		Retries:  trig.Retries,
	})

	switch signal {
	case provider.SignalStarted:
		// Completion arrives via the blob store.
		return nil
	case provider.SignalCompletedSync:
		// The driver already segued its results through ingestion, which
		// publishes the completion. Nothing left to do here.
		return nil
	case provider.SignalLaunchFailed:
		c.log.Warnw("driver launch failed",
			"uuid", trig.UUID, "viewport", trig.Viewport,
			"provider", trig.Provider, "error", err)
		return c.HandleFailure(ctx, trig.UUID, trig.Viewport)
	default:
		return errors.Newf("driver returned unknown signal %q", signal)
	}
}

// HandleFailure applies the retry policy to one failure signal for a run.
// Delivery is at-least-once. The compare-and-set increment fences
// concurrent duplicates reading the same counter; a duplicate redelivered
// after the increment re-reads the new counter and consumes a spare
// attempt, which the retry bound keeps finite. A terminal run never
// re-enters the policy, so the "failed" result message fires exactly once.
func (c *Coordinator) HandleFailure(ctx context.Context, uuid string, vp audit.Viewport) error {
	run, err := c.store.GetRun(uuid, vp)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			c.log.Errorw("failure signal for unknown run", "uuid", uuid, "viewport", vp)
			return nil
		}
		return err
	}
	if run.Status == audit.StatusCompleted {
		c.log.Debugw("failure signal for completed run dropped", "uuid", uuid, "viewport", vp)
		return nil
	}
	if run.Status == audit.StatusFailed && run.Retries >= audit.MaxRetries {
		c.log.Debugw("failure signal for terminally failed run dropped",
			"uuid", uuid, "viewport", vp)
		return nil
	}

	exec, err := c.store.GetExecutionByUUID(uuid)
	if err != nil {
		return err
	}

	if run.Retries+1 >= audit.MaxRetries {
		changed, err := c.store.FailRunTerminal(uuid, vp, run.Retries)
		if err != nil {
			return err
		}
		if !changed {
			c.log.Debugw("stale terminal failure signal dropped",
				"uuid", uuid, "viewport", vp, "retries", run.Retries)
			return nil
		}
		c.log.Infow("run failed terminally",
			"uuid", uuid, "viewport", vp, "retries", run.Retries+1)
		c.publisher.Broadcast(exec.TeamID, ResultMessage{
			Type:      "audit_result",
			UUID:      uuid,
			Viewport:  vp,
			Status:    audit.StatusFailed,
			Retries:   run.Retries + 1,
			Timestamp: time.Now().UTC(),
		})
		return nil
	}

	ok, err := c.store.CasRetry(uuid, vp, run.Retries)
	if err != nil {
		return err
	}
	if !ok {
		c.log.Debugw("stale failure signal dropped",
			"uuid", uuid, "viewport", vp, "retries", run.Retries)
		return nil
	}

	c.log.Infow("re-enqueueing failed run",
		"uuid", uuid, "viewport", vp, "retry", run.Retries+1)
	return c.queue.Enqueue(&Trigger{
		UUID:     uuid,
		URL:      exec.URL,
		Viewport: vp,
		TeamID:   exec.TeamID,
		Provider: exec.Provider,
		Retries:  run.Retries + 1,
	})
}
