package ingest

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/beaconhq/beacond/audit"
	"github.com/beaconhq/beacond/blob"
	"github.com/beaconhq/beacond/errors"
	beacontest "github.com/beaconhq/beacond/internal/testing"
)

const timingAuditsJSON = `
    "first-contentful-paint": {"numericValue": 1200},
    "largest-contentful-paint": {"numericValue": 2400},
    "speed-index": {"numericValue": 1700},
    "interactive": {"numericValue": 2900},
    "total-blocking-time": {"numericValue": 120},
    "cumulative-layout-shift": {"numericValue": 0.02}`

var fullReport = fmt.Sprintf(`{
  "categories": {
    "performance": {"score": 0.97},
    "accessibility": {"score": 0.88},
    "best-practices": {"score": 1},
    "seo": {"score": 0.9}
  },
  "audits": {%s}
}`, timingAuditsJSON)

type recordingNotifier struct {
	mu   sync.Mutex
	msgs []RefreshMessage
}

func (n *recordingNotifier) Broadcast(teamID string, msg interface{}) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	if refresh, ok := msg.(RefreshMessage); ok {
		n.msgs = append(n.msgs, refresh)
	}
	return 1
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.msgs)
}

type fixture struct {
	store    *audit.Store
	blobs    *blob.MemoryStore
	notifier *recordingNotifier
	pipeline *Pipeline
}

func newFixture(t *testing.T) *fixture {
	store := audit.NewStore(beacontest.CreateTestDB(t))
	blobs := blob.NewMemoryStore()
	notifier := &recordingNotifier{}
	return &fixture{
		store:    store,
		blobs:    blobs,
		notifier: notifier,
		pipeline: New(store, blobs, notifier, zap.NewNop().Sugar()),
	}
}

func (f *fixture) createExecution(t *testing.T) *audit.Execution {
	t.Helper()
	exec := audit.NewExecution("", "tgt_1", "team_1", "https://example.com", audit.ProviderRunner, audit.TriggeredByAPI)
	require.NoError(t, f.store.CreateExecution(exec))
	require.NoError(t, f.store.MarkRunRunning(exec.UUID, audit.ViewportMobile))
	return exec
}

func TestBlobCreatedCompletesRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	exec := f.createExecution(t)

	key := blob.ReportKey(exec.UUID, audit.ViewportMobile)
	require.NoError(t, f.blobs.Put(ctx, key, []byte(fullReport), "application/json"))
	require.NoError(t, f.pipeline.HandleBlobCreated(ctx, key))

	run, err := f.store.GetRun(exec.UUID, audit.ViewportMobile)
	require.NoError(t, err)
	assert.Equal(t, audit.StatusCompleted, run.Status)
	assert.Contains(t, string(run.Metrics), `"performance":97`)
	require.Equal(t, 1, f.notifier.count())
	assert.Equal(t, "execution_refresh", f.notifier.msgs[0].Type)
	assert.Equal(t, exec.UUID, f.notifier.msgs[0].UUID)
}

func TestMalformedReportLeavesRunUnchanged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	exec := f.createExecution(t)

	// Report missing categories.performance.
	broken := `{
	  "categories": {"accessibility": {"score": 0.9}},
	  "audits": {}
	}`
	key := blob.ReportKey(exec.UUID, audit.ViewportMobile)
	require.NoError(t, f.blobs.Put(ctx, key, []byte(broken), "application/json"))

	err := f.pipeline.HandleBlobCreated(ctx, key)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrExtraction))

	run, getErr := f.store.GetRun(exec.UUID, audit.ViewportMobile)
	require.NoError(t, getErr)
	assert.Equal(t, audit.StatusRunning, run.Status, "run must keep its prior state")
	assert.Zero(t, f.notifier.count(), "no broadcast on extraction failure")
}

func TestUnknownRunIsDropped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	key := blob.ReportKey("ghost-uuid", audit.ViewportMobile)
	require.NoError(t, f.blobs.Put(ctx, key, []byte(fullReport), "application/json"))

	// Dropped, not retried: nil error so the event is acked upstream.
	require.NoError(t, f.pipeline.HandleBlobCreated(ctx, key))
	assert.Zero(t, f.notifier.count())
}

func TestNonReportKeyIgnored(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.pipeline.HandleBlobCreated(context.Background(), "screenshots/abc.mobile.0.jpg"))
	assert.Zero(t, f.notifier.count())
}

func TestSegueWaitsForAllCategories(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	exec := f.createExecution(t)

	perfReport := fmt.Sprintf(`{"lighthouseResult": {
	  "categories": {"performance": {"score": 0.97}},
	  "audits": {%s}
	}}`, timingAuditsJSON)
	require.NoError(t, f.blobs.Put(ctx,
		blob.CategoryReportKey(exec.UUID, "performance", audit.ViewportMobile),
		[]byte(perfReport), "application/json"))

	// Only one of four categories has landed.
	require.NoError(t, f.pipeline.HandleSegue(ctx, exec.UUID, "performance", audit.ViewportMobile))
	run, err := f.store.GetRun(exec.UUID, audit.ViewportMobile)
	require.NoError(t, err)
	assert.Equal(t, audit.StatusRunning, run.Status)

	for category, score := range map[string]float64{"accessibility": 0.88, "best-practices": 1, "seo": 0.9} {
		report := fmt.Sprintf(`{"lighthouseResult": {
		  "categories": {"%s": {"score": %g}},
		  "audits": {}
		}}`, category, score)
		require.NoError(t, f.blobs.Put(ctx,
			blob.CategoryReportKey(exec.UUID, category, audit.ViewportMobile),
			[]byte(report), "application/json"))
	}

	require.NoError(t, f.pipeline.HandleSegue(ctx, exec.UUID, "seo", audit.ViewportMobile))

	run, err = f.store.GetRun(exec.UUID, audit.ViewportMobile)
	require.NoError(t, err)
	assert.Equal(t, audit.StatusCompleted, run.Status)
	assert.Contains(t, string(run.Metrics), `"accessibility":88`)
	assert.Equal(t, 1, f.notifier.count())
}

func TestScreenshotsCollected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	exec := f.createExecution(t)

	for i := 0; i < 2; i++ {
		require.NoError(t, f.blobs.Put(ctx,
			blob.ScreenshotKey(exec.UUID, audit.ViewportMobile, i),
			[]byte("jpg"), "image/jpeg"))
	}

	key := blob.ReportKey(exec.UUID, audit.ViewportMobile)
	require.NoError(t, f.blobs.Put(ctx, key, []byte(fullReport), "application/json"))
	require.NoError(t, f.pipeline.HandleBlobCreated(ctx, key))

	run, err := f.store.GetRun(exec.UUID, audit.ViewportMobile)
	require.NoError(t, err)
	assert.Contains(t, string(run.Screenshots), blob.ScreenshotKey(exec.UUID, audit.ViewportMobile, 1))
}
