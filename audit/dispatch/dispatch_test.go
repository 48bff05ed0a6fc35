package dispatch

import (
	"context"
	"database/sql"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/beaconhq/beacond/audit"
	"github.com/beaconhq/beacond/audit/provider"
	beacontest "github.com/beaconhq/beacond/internal/testing"
)

// fakeDriver returns a scripted sequence of signals, one per Launch call.
type fakeDriver struct {
	kind    audit.Provider
	mu      sync.Mutex
	signals []provider.Signal
	calls   []provider.Request
}

func (d *fakeDriver) Kind() audit.Provider { return d.kind }

func (d *fakeDriver) Launch(_ context.Context, req provider.Request) (provider.Signal, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, req)
	if len(d.signals) == 0 {
		return provider.SignalStarted, nil
	}
	sig := d.signals[0]
	d.signals = d.signals[1:]
	if sig == provider.SignalLaunchFailed {
		return sig, assert.AnError
	}
	return sig, nil
}

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []ResultMessage
}

func (p *recordingPublisher) Broadcast(teamID string, msg interface{}) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if result, ok := msg.(ResultMessage); ok {
		p.msgs = append(p.msgs, result)
	}
	return 1
}

type fixture struct {
	db        *sql.DB
	store     *audit.Store
	queue     *Queue
	publisher *recordingPublisher
	driver    *fakeDriver
	coord     *Coordinator
}

func newFixture(t *testing.T, signals ...provider.Signal) *fixture {
	db := beacontest.CreateTestDB(t)
	store := audit.NewStore(db)
	queue := NewQueue(db)
	publisher := &recordingPublisher{}
	driver := &fakeDriver{kind: audit.ProviderRunner, signals: signals}
	return &fixture{
		db:        db,
		store:     store,
		queue:     queue,
		publisher: publisher,
		driver:    driver,
		coord:     NewCoordinator(store, queue, publisher, zap.NewNop().Sugar(), driver),
	}
}

func (f *fixture) createExecution(t *testing.T) *audit.Execution {
	t.Helper()
	exec := audit.NewExecution("", "tgt_1", "team_1", "https://example.com", audit.ProviderRunner, audit.TriggeredByAPI)
	require.NoError(t, f.store.CreateExecution(exec))
	return exec
}

func (f *fixture) trigger(exec *audit.Execution, retries int) *Trigger {
	return &Trigger{
		UUID:     exec.UUID,
		URL:      exec.URL,
		Viewport: audit.ViewportMobile,
		TeamID:   exec.TeamID,
		Provider: exec.Provider,
		Retries:  retries,
	}
}

func TestQueueRoundTrip(t *testing.T) {
	f := newFixture(t)
	exec := f.createExecution(t)

	require.NoError(t, f.queue.Enqueue(f.trigger(exec, 0)))

	trig, err := f.queue.Dequeue()
	require.NoError(t, err)
	require.NotNil(t, trig)
	assert.Equal(t, exec.UUID, trig.UUID)
	assert.Equal(t, audit.ViewportMobile, trig.Viewport)

	// Claimed trigger is not visible to a second consumer.
	second, err := f.queue.Dequeue()
	require.NoError(t, err)
	assert.Nil(t, second)

	require.NoError(t, f.queue.Ack(trig.ID))
	depth, err := f.queue.Depth()
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestQueueNackRedelivers(t *testing.T) {
	f := newFixture(t)
	exec := f.createExecution(t)
	require.NoError(t, f.queue.Enqueue(f.trigger(exec, 0)))

	trig, err := f.queue.Dequeue()
	require.NoError(t, err)
	require.NotNil(t, trig)
	require.NoError(t, f.queue.Nack(trig.ID))

	again, err := f.queue.Dequeue()
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, trig.ID, again.ID)
}

func TestQueueDeliveryAttemptsBounded(t *testing.T) {
	f := newFixture(t)
	exec := f.createExecution(t)
	require.NoError(t, f.queue.Enqueue(f.trigger(exec, 0)))

	for i := 0; i < maxDeliveryAttempts; i++ {
		trig, err := f.queue.Dequeue()
		require.NoError(t, err)
		require.NotNil(t, trig)
		require.NoError(t, f.queue.Nack(trig.ID))
	}

	// Attempts exhausted: the poison trigger stops circulating.
	trig, err := f.queue.Dequeue()
	require.NoError(t, err)
	assert.Nil(t, trig)
}

func TestDispatchStartedLeavesRunRunning(t *testing.T) {
	f := newFixture(t, provider.SignalStarted)
	exec := f.createExecution(t)

	require.NoError(t, f.coord.Dispatch(context.Background(), f.trigger(exec, 0)))

	run, err := f.store.GetRun(exec.UUID, audit.ViewportMobile)
	require.NoError(t, err)
	assert.Equal(t, audit.StatusRunning, run.Status)
	assert.Empty(t, f.publisher.msgs)
	require.Len(t, f.driver.calls, 1)
	assert.Equal(t, exec.URL, f.driver.calls[0].URL)
}

func TestDispatchStaleTriggerDropped(t *testing.T) {
	f := newFixture(t, provider.SignalStarted)
	exec := f.createExecution(t)
	require.NoError(t, f.store.MarkRunRunning(exec.UUID, audit.ViewportMobile))
	require.NoError(t, f.store.CompleteRun(exec.UUID, audit.ViewportMobile, []byte(`{}`), nil))

	// Duplicate delivery after completion: dropped without launching.
	require.NoError(t, f.coord.Dispatch(context.Background(), f.trigger(exec, 0)))
	assert.Empty(t, f.driver.calls)
}

func TestDispatchUnknownProvider(t *testing.T) {
	f := newFixture(t)
	exec := f.createExecution(t)

	trig := f.trigger(exec, 0)
	trig.Provider = audit.Provider("carrier-pigeon")
	assert.Error(t, f.coord.Dispatch(context.Background(), trig))
}

func TestLaunchFailureReEnqueuesWithIncrementedRetry(t *testing.T) {
	f := newFixture(t, provider.SignalLaunchFailed)
	exec := f.createExecution(t)

	require.NoError(t, f.coord.Dispatch(context.Background(), f.trigger(exec, 0)))

	run, err := f.store.GetRun(exec.UUID, audit.ViewportMobile)
	require.NoError(t, err)
	assert.Equal(t, 1, run.Retries)
	assert.Equal(t, audit.StatusRunning, run.Status)

	trig, err := f.queue.Dequeue()
	require.NoError(t, err)
	require.NotNil(t, trig)
	assert.Equal(t, 1, trig.Retries)
	assert.Empty(t, f.publisher.msgs, "retries are not published")
}

func TestFailuresThenSuccess(t *testing.T) {
	f := newFixture(t,
		provider.SignalLaunchFailed,
		provider.SignalLaunchFailed,
		provider.SignalLaunchFailed,
		provider.SignalStarted,
	)
	exec := f.createExecution(t)

	require.NoError(t, f.queue.Enqueue(f.trigger(exec, 0)))
	for i := 0; i < 4; i++ {
		trig, err := f.queue.Dequeue()
		require.NoError(t, err)
		require.NotNil(t, trig, "attempt %d", i)
		require.NoError(t, f.coord.Dispatch(context.Background(), trig))
		require.NoError(t, f.queue.Ack(trig.ID))
	}

	run, err := f.store.GetRun(exec.UUID, audit.ViewportMobile)
	require.NoError(t, err)
	assert.Equal(t, 3, run.Retries)
	assert.Equal(t, audit.StatusRunning, run.Status)
	assert.Empty(t, f.publisher.msgs)
}

func TestRetriesExhaustedIsTerminal(t *testing.T) {
	signals := make([]provider.Signal, audit.MaxRetries)
	for i := range signals {
		signals[i] = provider.SignalLaunchFailed
	}
	f := newFixture(t, signals...)
	exec := f.createExecution(t)

	require.NoError(t, f.queue.Enqueue(f.trigger(exec, 0)))
	for {
		trig, err := f.queue.Dequeue()
		require.NoError(t, err)
		if trig == nil {
			break
		}
		require.NoError(t, f.coord.Dispatch(context.Background(), trig))
		require.NoError(t, f.queue.Ack(trig.ID))
	}

	run, err := f.store.GetRun(exec.UUID, audit.ViewportMobile)
	require.NoError(t, err)
	assert.Equal(t, audit.StatusFailed, run.Status)
	assert.Equal(t, audit.MaxRetries, run.Retries)

	require.Len(t, f.publisher.msgs, 1, "terminal failure publishes exactly once")
	msg := f.publisher.msgs[0]
	assert.Equal(t, "audit_result", msg.Type)
	assert.Equal(t, audit.StatusFailed, msg.Status)
	assert.Equal(t, audit.MaxRetries, msg.Retries)
}

func TestDuplicateFailureSignalDropped(t *testing.T) {
	f := newFixture(t)
	exec := f.createExecution(t)
	require.NoError(t, f.store.MarkRunRunning(exec.UUID, audit.ViewportMobile))

	ctx := context.Background()
	require.NoError(t, f.coord.HandleFailure(ctx, exec.UUID, audit.ViewportMobile))
	run, err := f.store.GetRun(exec.UUID, audit.ViewportMobile)
	require.NoError(t, err)
	require.Equal(t, 1, run.Retries)

	// Re-process the same signal against the already-advanced counter by
	// simulating the first read racing the second delivery.
	ok, err := f.store.CasRetry(exec.UUID, audit.ViewportMobile, 0)
	require.NoError(t, err)
	assert.False(t, ok, "duplicate must miss the fence")

	depth, err := f.queue.Depth()
	require.NoError(t, err)
	assert.Equal(t, 1, depth, "only the first delivery re-enqueues")
}

func TestRedeliveredFailuresCannotResurrectTerminalRun(t *testing.T) {
	f := newFixture(t)
	exec := f.createExecution(t)
	require.NoError(t, f.store.MarkRunRunning(exec.UUID, audit.ViewportMobile))

	// Redeliver the same failure signal until the run is terminal. Each
	// delivery re-reads the counter, so every one lands and re-enqueues a
	// retry trigger the run will outpace.
	ctx := context.Background()
	for i := 0; i < audit.MaxRetries; i++ {
		require.NoError(t, f.coord.HandleFailure(ctx, exec.UUID, audit.ViewportMobile))
	}

	run, err := f.store.GetRun(exec.UUID, audit.ViewportMobile)
	require.NoError(t, err)
	require.Equal(t, audit.StatusFailed, run.Status)
	require.Equal(t, audit.MaxRetries, run.Retries)
	require.Len(t, f.publisher.msgs, 1)

	// Further redeliveries are dropped before the retry policy.
	require.NoError(t, f.coord.HandleFailure(ctx, exec.UUID, audit.ViewportMobile))

	// Drain the leftover retry triggers. None may launch, and none may
	// move the run out of its terminal state or publish again.
	for {
		trig, err := f.queue.Dequeue()
		require.NoError(t, err)
		if trig == nil {
			break
		}
		require.NoError(t, f.coord.Dispatch(ctx, trig))
		require.NoError(t, f.queue.Ack(trig.ID))
	}

	assert.Empty(t, f.driver.calls, "terminal run must not be relaunched")
	run, err = f.store.GetRun(exec.UUID, audit.ViewportMobile)
	require.NoError(t, err)
	assert.Equal(t, audit.StatusFailed, run.Status)
	assert.Equal(t, audit.MaxRetries, run.Retries)
	assert.Len(t, f.publisher.msgs, 1, "terminal failure publishes exactly once")
}

func TestDispatchDropsTriggerBehindRunCounter(t *testing.T) {
	f := newFixture(t)
	exec := f.createExecution(t)
	require.NoError(t, f.store.MarkRunRunning(exec.UUID, audit.ViewportMobile))
	require.NoError(t, f.coord.HandleFailure(context.Background(), exec.UUID, audit.ViewportMobile))
	require.NoError(t, f.coord.HandleFailure(context.Background(), exec.UUID, audit.ViewportMobile))

	// A trigger tagged with an already-consumed attempt is noise.
	require.NoError(t, f.coord.Dispatch(context.Background(), f.trigger(exec, 1)))
	assert.Empty(t, f.driver.calls)

	run, err := f.store.GetRun(exec.UUID, audit.ViewportMobile)
	require.NoError(t, err)
	assert.Equal(t, 2, run.Retries)
}

func TestFailureForCompletedRunDropped(t *testing.T) {
	f := newFixture(t)
	exec := f.createExecution(t)
	require.NoError(t, f.store.MarkRunRunning(exec.UUID, audit.ViewportMobile))
	require.NoError(t, f.store.CompleteRun(exec.UUID, audit.ViewportMobile, []byte(`{}`), nil))

	require.NoError(t, f.coord.HandleFailure(context.Background(), exec.UUID, audit.ViewportMobile))

	run, err := f.store.GetRun(exec.UUID, audit.ViewportMobile)
	require.NoError(t, err)
	assert.Equal(t, audit.StatusCompleted, run.Status)
	assert.Zero(t, run.Retries)
	assert.Empty(t, f.publisher.msgs)
}

func TestFailureForUnknownRunDropped(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.coord.HandleFailure(context.Background(), "ghost-uuid", audit.ViewportMobile))
	assert.Empty(t, f.publisher.msgs)
}
