// Package ingest turns a provider's out-of-band completion (a raw report
// landing in blob storage) into a persisted, broadcast terminal state on
// the matching viewport run.
package ingest

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/beaconhq/beacond/audit"
	"github.com/beaconhq/beacond/audit/extract"
	"github.com/beaconhq/beacond/audit/provider"
	"github.com/beaconhq/beacond/blob"
	"github.com/beaconhq/beacond/errors"
)

// maxScreenshots bounds the thumbnail probe per run.
const maxScreenshots = 5

// Notifier fans a message out to a team's live connections.
type Notifier interface {
	Broadcast(teamID string, msg interface{}) int
}

// RefreshMessage tells connected dashboards to re-fetch execution state.
type RefreshMessage struct {
	Type      string `json:"type"`
	UUID      string `json:"uuid"`
	Viewport  string `json:"viewport"`
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
}

// Pipeline is the result ingestion pipeline.
type Pipeline struct {
	store    *audit.Store
	blobs    blob.Store
	notifier Notifier
	logger   *zap.SugaredLogger
}

var _ provider.SegueHandler = (*Pipeline)(nil)

// New creates an ingestion pipeline.
func New(store *audit.Store, blobs blob.Store, notifier Notifier, logger *zap.SugaredLogger) *Pipeline {
	return &Pipeline{store: store, blobs: blobs, notifier: notifier, logger: logger}
}

// HandleBlobCreated is the storage-event entry point: a report object was
// written. Runner-driver keys ingest directly; category-tagged keys route
// through the segue path.
func (p *Pipeline) HandleBlobCreated(ctx context.Context, key string) error {
	uuid, category, vp, err := blob.ParseReportKey(key)
	if err != nil {
		p.logger.Debugw("Ignoring non-report object", "key", key)
		return nil
	}
	if category != "" {
		return p.HandleSegue(ctx, uuid, category, vp)
	}
	return p.ingest(ctx, uuid, vp, nil, key)
}

// HandleSegue is the explicit completion entry point used by the external
// API driver. The driver fans out one blob per category; the run completes
// once every category's report is present.
func (p *Pipeline) HandleSegue(ctx context.Context, uuid, category string, vp audit.Viewport) error {
	reports := make([][]byte, 0, len(provider.Categories))
	for _, cat := range provider.Categories {
		key := blob.CategoryReportKey(uuid, cat, vp)
		ok, err := p.blobs.Exists(ctx, key)
		if err != nil {
			return errors.Wrapf(err, "failed to probe report %s", key)
		}
		if !ok {
			p.logger.Debugw("Waiting for remaining category reports",
				"uuid", uuid,
				"viewport", vp,
				"arrived", category,
				"missing", cat,
			)
			return nil
		}
		data, err := p.blobs.Get(ctx, key)
		if err != nil {
			return errors.Wrapf(err, "failed to read report %s", key)
		}
		reports = append(reports, data)
	}

	return p.ingest(ctx, uuid, vp, reports, "")
}

// ingest parses the raw report(s), transitions the matching run to
// completed, and broadcasts a refresh. A missing run is logged and dropped:
// it indicates a data inconsistency, not a transient fault. An extraction
// error leaves the run in its prior state and produces no broadcast.
func (p *Pipeline) ingest(ctx context.Context, uuid string, vp audit.Viewport, reports [][]byte, directKey string) error {
	var raw []byte
	var err error
	if directKey != "" {
		if raw, err = p.blobs.Get(ctx, directKey); err != nil {
			return errors.Wrapf(err, "failed to read report %s", directKey)
		}
		raw = unwrapEnvelope(raw)
	} else {
		if raw, err = mergeCategoryReports(reports); err != nil {
			return err
		}
	}

	run, err := p.store.GetRun(uuid, vp)
	if errors.IsNotFoundError(err) {
		p.logger.Errorw("No viewport run for completion event, dropping",
			"uuid", uuid,
			"viewport", vp,
		)
		return nil
	}
	if err != nil {
		return err
	}
	if run.Status == audit.StatusCompleted {
		p.logger.Debugw("Duplicate completion event for completed run",
			"uuid", uuid,
			"viewport", vp,
		)
		return nil
	}

	metrics, err := extract.Extract(raw, vp)
	if err != nil {
		// No automatic recovery: the run keeps its prior state and the
		// malformed report surfaces as an operational alert.
		p.logger.Errorw("Report extraction failed, run left unchanged",
			"uuid", uuid,
			"viewport", vp,
			"error", err,
		)
		return err
	}

	metricsJSON, err := metrics.Marshal()
	if err != nil {
		return err
	}

	screenshots := p.collectScreenshots(ctx, uuid, vp)
	if err := p.store.CompleteRun(uuid, vp, metricsJSON, screenshots); err != nil {
		return err
	}

	exec, err := p.store.GetExecutionByUUID(uuid)
	if err != nil {
		return errors.Wrapf(err, "completed run %s/%s has no execution", uuid, vp)
	}

	p.logger.Infow("Viewport run completed",
		"uuid", uuid,
		"viewport", vp,
		"team_id", exec.TeamID,
		"retries", run.Retries,
	)

	p.notifier.Broadcast(exec.TeamID, RefreshMessage{
		Type:      "execution_refresh",
		UUID:      uuid,
		Viewport:  string(vp),
		Status:    string(audit.StatusCompleted),
		Timestamp: time.Now().Unix(),
	})
	return nil
}

// collectScreenshots probes the deterministic thumbnail keys and returns
// the present ones as a JSON array, or nil when there are none.
func (p *Pipeline) collectScreenshots(ctx context.Context, uuid string, vp audit.Viewport) json.RawMessage {
	var keys []string
	for i := 0; i < maxScreenshots; i++ {
		key := blob.ScreenshotKey(uuid, vp, i)
		ok, err := p.blobs.Exists(ctx, key)
		if err != nil || !ok {
			break
		}
		keys = append(keys, key)
	}
	if len(keys) == 0 {
		return nil
	}
	data, err := json.Marshal(keys)
	if err != nil {
		return nil
	}
	return data
}

// envelope is the external API's response wrapper around the report body.
type envelope struct {
	LighthouseResult json.RawMessage `json:"lighthouseResult"`
}

// unwrapEnvelope strips the API envelope when present; raw runner reports
// pass through unchanged.
func unwrapEnvelope(raw []byte) []byte {
	var env envelope
	if err := json.Unmarshal(raw, &env); err == nil && len(env.LighthouseResult) > 0 {
		return env.LighthouseResult
	}
	return raw
}

// reportBody is the mergeable portion of a category report.
type reportBody struct {
	Categories map[string]json.RawMessage `json:"categories"`
	Audits     map[string]json.RawMessage `json:"audits"`
}

// mergeCategoryReports unions per-category reports into a single report.
// Earlier reports win on key collision; the performance report (first in
// provider.Categories) carries the timing audits.
func mergeCategoryReports(reports [][]byte) ([]byte, error) {
	merged := reportBody{
		Categories: make(map[string]json.RawMessage),
		Audits:     make(map[string]json.RawMessage),
	}
	for _, raw := range reports {
		var body reportBody
		if err := json.Unmarshal(unwrapEnvelope(raw), &body); err != nil {
			return nil, errors.Wrap(errors.ErrExtraction, err.Error())
		}
		for name, cat := range body.Categories {
			if _, exists := merged.Categories[name]; !exists {
				merged.Categories[name] = cat
			}
		}
		for name, a := range body.Audits {
			if _, exists := merged.Audits[name]; !exists {
				merged.Audits[name] = a
			}
		}
	}
	return json.Marshal(merged)
}
