// Package dispatch contains the trigger queue and the dispatch/retry
// coordinator: the state machine that carries a viewport run from trigger
// to terminal state through a provider driver.
package dispatch

import (
	"database/sql"
	"sync"
	"time"

	"github.com/beaconhq/beacond/audit"
	"github.com/beaconhq/beacond/errors"
)

// maxDeliveryAttempts bounds how often a single trigger message is
// re-delivered after a dispatch infrastructure error. This is delivery
// accounting on the queue, distinct from the run's retry counter.
const maxDeliveryAttempts = 3

// Trigger is one dispatch request for a (uuid, viewport) pair. Retries
// carries the run's current retry count so the driver can tag its job.
type Trigger struct {
	ID       int64
	UUID     string
	URL      string
	Viewport audit.Viewport
	TeamID   string
	Provider audit.Provider
	Retries  int
}

// Trigger queue row states.
const (
	triggerQueued     = "queued"
	triggerProcessing = "processing"
)

// Queue is the sqlite-backed trigger queue. Delivery is at-least-once:
// consumers must tolerate duplicate triggers for the same (uuid, viewport).
type Queue struct {
	db *sql.DB
	mu sync.Mutex
}

// NewQueue creates a trigger queue over an open database.
func NewQueue(db *sql.DB) *Queue {
	return &Queue{db: db}
}

// Enqueue adds a trigger.
func (q *Queue) Enqueue(trig *Trigger) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := q.db.Exec(`
		INSERT INTO trigger_queue (uuid, url, viewport, team_id, provider, retries, attempts, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, ?)`,
		trig.UUID, trig.URL, string(trig.Viewport), trig.TeamID, string(trig.Provider),
		trig.Retries, triggerQueued, now, now,
	)
	if err != nil {
		err = errors.Wrap(err, "failed to enqueue trigger")
		err = errors.WithDetailf(err, "uuid: %s", trig.UUID)
		err = errors.WithDetailf(err, "viewport: %s", trig.Viewport)
		return err
	}
	trig.ID, _ = res.LastInsertId()
	return nil
}

// Dequeue claims the oldest queued trigger, marking it processing.
// Returns nil when the queue is empty.
func (q *Queue) Dequeue() (*Trigger, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	row := q.db.QueryRow(`
		SELECT id, uuid, url, viewport, team_id, provider, retries
		FROM trigger_queue
		WHERE status = ? AND attempts < ?
		ORDER BY id LIMIT 1`,
		triggerQueued, maxDeliveryAttempts,
	)

	var trig Trigger
	var viewport, provider string
	err := row.Scan(&trig.ID, &trig.UUID, &trig.URL, &viewport, &trig.TeamID, &provider, &trig.Retries)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to scan trigger")
	}
	trig.Viewport = audit.Viewport(viewport)
	trig.Provider = audit.Provider(provider)

	if _, err := q.db.Exec(`
		UPDATE trigger_queue SET status = ?, attempts = attempts + 1, updated_at = ? WHERE id = ?`,
		triggerProcessing, time.Now().UTC().Format(time.RFC3339), trig.ID,
	); err != nil {
		return nil, errors.Wrapf(err, "failed to claim trigger %d", trig.ID)
	}

	return &trig, nil
}

// Ack removes a processed trigger.
func (q *Queue) Ack(id int64) error {
	_, err := q.db.Exec(`DELETE FROM trigger_queue WHERE id = ?`, id)
	return errors.Wrapf(err, "failed to ack trigger %d", id)
}

// Nack returns a trigger to the queue for re-delivery. Triggers that
// exhaust maxDeliveryAttempts stop being dequeued.
func (q *Queue) Nack(id int64) error {
	_, err := q.db.Exec(`
		UPDATE trigger_queue SET status = ?, updated_at = ? WHERE id = ?`,
		triggerQueued, time.Now().UTC().Format(time.RFC3339), id,
	)
	return errors.Wrapf(err, "failed to nack trigger %d", id)
}

// Depth returns the number of pending triggers, for stats.
func (q *Queue) Depth() (int, error) {
	var n int
	err := q.db.QueryRow(`SELECT COUNT(*) FROM trigger_queue WHERE status = ?`, triggerQueued).Scan(&n)
	return n, errors.Wrap(err, "failed to count triggers")
}
