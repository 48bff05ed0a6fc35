// Package audit defines the domain model for web-performance audit
// orchestration: schedules, executions, and per-viewport runs.
package audit

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/beaconhq/beacond/errors"
)

// MaxRetries is the maximum number of retry attempts for a viewport run.
// After the bound is hit the run transitions to terminal failed.
const MaxRetries = 5

// Viewport is the device preset an audit runs under.
type Viewport string

const (
	ViewportMobile  Viewport = "mobile"
	ViewportDesktop Viewport = "desktop"
)

// Viewports returns the fixed fan-out set: every execution produces exactly
// one run per viewport.
func Viewports() []Viewport {
	return []Viewport{ViewportMobile, ViewportDesktop}
}

// IsValidViewport returns true if the string is a known viewport.
func IsValidViewport(s string) bool {
	switch Viewport(s) {
	case ViewportMobile, ViewportDesktop:
		return true
	default:
		return false
	}
}

// Provider identifies which driver carries an audit to completion.
type Provider string

const (
	// ProviderRunner launches a sandboxed audit-runner job whose completion
	// is observed via a blob-store write.
	ProviderRunner Provider = "runner"
	// ProviderPageSpeed calls the external PageSpeed HTTP API synchronously
	// and re-enters the coordinator through the segue callback.
	ProviderPageSpeed Provider = "pagespeed"
)

// IsValidProvider returns true if the string is a known provider kind.
func IsValidProvider(s string) bool {
	switch Provider(s) {
	case ProviderRunner, ProviderPageSpeed:
		return true
	default:
		return false
	}
}

// Status is the viewport run state machine.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// CanTransition reports whether moving from s to next is a legal move.
// completed is terminal; failed may re-enter running (retry), bounded by
// the retry counter at the dispatch layer.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusRunning
	case StatusRunning:
		return next == StatusCompleted || next == StatusFailed
	case StatusFailed:
		return next == StatusRunning
	default:
		return false
	}
}

// Terminal reports whether the status admits no further transitions on the
// success path. failed is terminal only once the retry bound is exhausted.
func (s Status) Terminal() bool {
	return s == StatusCompleted
}

// Schedule is a recurring audit definition. The scheduler advances
// NextExecutionAt each time the schedule fires; NextExecutionAt is always
// the earliest future fire time consistent with CronExpr as of the last
// evaluation.
type Schedule struct {
	ID              string    `json:"id"`
	TargetID        string    `json:"target_id"`
	TeamID          string    `json:"team_id"`
	URL             string    `json:"url"`
	CronExpr        string    `json:"cron_expr"`
	NextExecutionAt time.Time `json:"next_execution_at"`
	Provider        Provider  `json:"provider"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Execution is one logical "run a URL through an audit provider" request.
// It is immutable once its viewport runs exist; the UUID is the public
// correlation id carried through provider jobs and blob keys.
type Execution struct {
	ID          int64     `json:"id"`
	UUID        string    `json:"uuid"`
	ScheduleID  string    `json:"schedule_id,omitempty"`
	TargetID    string    `json:"target_id"`
	TeamID      string    `json:"team_id"`
	URL         string    `json:"url"`
	Provider    Provider  `json:"provider"`
	TriggeredBy string    `json:"triggered_by"` // "scheduled" or "api"
	CreatedAt   time.Time `json:"created_at"`
}

// Trigger attribution values for Execution.TriggeredBy.
const (
	TriggeredByScheduled = "scheduled"
	TriggeredByAPI       = "api"
)

// NewExecution creates an execution with a fresh correlation UUID.
func NewExecution(scheduleID, targetID, teamID, url string, provider Provider, triggeredBy string) *Execution {
	return &Execution{
		UUID:        uuid.NewString(),
		ScheduleID:  scheduleID,
		TargetID:    targetID,
		TeamID:      teamID,
		URL:         url,
		Provider:    provider,
		TriggeredBy: triggeredBy,
		CreatedAt:   time.Now().UTC(),
	}
}

// ViewportRun is the unit of work and retry: one device-mode audit attempt
// with its own status and retry counter.
type ViewportRun struct {
	ID            int64           `json:"id"`
	ExecutionUUID string          `json:"execution_uuid"`
	Viewport      Viewport        `json:"viewport"`
	Status        Status          `json:"status"`
	Retries       int             `json:"retries"`
	Metrics       json.RawMessage `json:"metrics,omitempty"`
	Screenshots   json.RawMessage `json:"screenshots,omitempty"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	EndedAt       *time.Time      `json:"ended_at,omitempty"`
}

// Transition moves the run to next, rejecting illegal moves with
// ErrIllegalTransition. Timestamps are maintained as a side effect:
// entering running sets StartedAt (first time only), entering a terminal
// state sets EndedAt.
func (r *ViewportRun) Transition(next Status) error {
	if !r.Status.CanTransition(next) {
		return errors.Wrapf(errors.ErrIllegalTransition, "%s -> %s (uuid=%s viewport=%s)",
			r.Status, next, r.ExecutionUUID, r.Viewport)
	}

	now := time.Now().UTC()
	switch next {
	case StatusRunning:
		if r.StartedAt == nil {
			r.StartedAt = &now
		}
	case StatusCompleted, StatusFailed:
		r.EndedAt = &now
	}
	r.Status = next
	return nil
}
