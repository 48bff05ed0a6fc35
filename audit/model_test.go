package audit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beaconhq/beacond/errors"
)

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to Status
		legal    bool
	}{
		{StatusPending, StatusRunning, true},
		{StatusPending, StatusCompleted, false},
		{StatusPending, StatusFailed, false},
		{StatusRunning, StatusCompleted, true},
		{StatusRunning, StatusFailed, true},
		{StatusRunning, StatusPending, false},
		{StatusFailed, StatusRunning, true}, // retry re-entry
		{StatusFailed, StatusCompleted, false},
		{StatusCompleted, StatusRunning, false}, // completed is terminal
		{StatusCompleted, StatusFailed, false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.legal, tt.from.CanTransition(tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestTransitionRejectsIllegalMove(t *testing.T) {
	run := &ViewportRun{ExecutionUUID: "abc", Viewport: ViewportMobile, Status: StatusCompleted}
	err := run.Transition(StatusRunning)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrIllegalTransition))
	assert.Equal(t, StatusCompleted, run.Status, "status must be unchanged after rejected move")
}

func TestTransitionTimestamps(t *testing.T) {
	run := &ViewportRun{ExecutionUUID: "abc", Viewport: ViewportDesktop, Status: StatusPending}

	require.NoError(t, run.Transition(StatusRunning))
	require.NotNil(t, run.StartedAt)
	started := *run.StartedAt

	// Retry re-entry must not reset StartedAt.
	require.NoError(t, run.Transition(StatusFailed))
	require.NoError(t, run.Transition(StatusRunning))
	assert.Equal(t, started, *run.StartedAt)

	require.NoError(t, run.Transition(StatusCompleted))
	require.NotNil(t, run.EndedAt)
}

func TestViewportsFanOut(t *testing.T) {
	vps := Viewports()
	require.Len(t, vps, 2)
	assert.Equal(t, ViewportMobile, vps[0])
	assert.Equal(t, ViewportDesktop, vps[1])
}

func TestNewExecution(t *testing.T) {
	exec := NewExecution("sch_1", "tgt_1", "team_1", "https://example.com", ProviderRunner, TriggeredByScheduled)
	assert.NotEmpty(t, exec.UUID)
	assert.Equal(t, TriggeredByScheduled, exec.TriggeredBy)

	other := NewExecution("sch_1", "tgt_1", "team_1", "https://example.com", ProviderRunner, TriggeredByScheduled)
	assert.NotEqual(t, exec.UUID, other.UUID)
}
