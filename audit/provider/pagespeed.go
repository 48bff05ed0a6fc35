package provider

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/beaconhq/beacond/audit"
	"github.com/beaconhq/beacond/blob"
	"github.com/beaconhq/beacond/errors"
)

// Categories requested from the external audit API. One call is made per
// (category x viewport) combination; each result lands under its own
// CategoryReportKey and completes independently through the segue path.
var Categories = []string{"performance", "accessibility", "best-practices", "seo"}

// PageSpeedConfig configures the external API driver.
type PageSpeedConfig struct {
	APIURL  string // e.g. https://www.googleapis.com/pagespeedonline/v5/runPagespeed
	APIKey  string
	Timeout time.Duration
	// RatePerSecond bounds outbound API calls; the public API enforces its
	// own quota and rejects bursts.
	RatePerSecond float64
}

// PageSpeedDriver calls the external synchronous HTTP audit API, writes each
// raw response to blob storage, and re-enters the coordinator through the
// segue handler so completion is read back from the blob.
type PageSpeedDriver struct {
	cfg     PageSpeedConfig
	client  *http.Client
	limiter *rate.Limiter
	blobs   blob.Store
	segue   SegueHandler
	logger  *zap.SugaredLogger
}

var _ Driver = (*PageSpeedDriver)(nil)

// NewPageSpeedDriver creates the external API driver.
func NewPageSpeedDriver(cfg PageSpeedConfig, blobs blob.Store, segue SegueHandler, logger *zap.SugaredLogger) *PageSpeedDriver {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 1
	}
	return &PageSpeedDriver{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1),
		blobs:   blobs,
		segue:   segue,
		logger:  logger,
	}
}

// Kind implements Driver.
func (d *PageSpeedDriver) Kind() audit.Provider {
	return audit.ProviderPageSpeed
}

// Launch fans out one API call per category for the requested viewport.
// Every successful category is written to blob storage and handed to the
// segue handler immediately; the first HTTP failure aborts the fan-out and
// reports SignalLaunchFailed so the coordinator applies retry accounting.
func (d *PageSpeedDriver) Launch(ctx context.Context, req Request) (Signal, error) {
	for _, category := range Categories {
		if err := d.limiter.Wait(ctx); err != nil {
			return SignalLaunchFailed, errors.Wrap(err, "rate limiter interrupted")
		}

		body, err := d.fetch(ctx, req, category)
		if err != nil {
			return SignalLaunchFailed, errors.Wrapf(err, "pagespeed call failed for %s/%s/%s (retry %d)",
				req.UUID, category, req.Viewport, req.Retries)
		}

		key := blob.CategoryReportKey(req.UUID, category, req.Viewport)
		if err := d.blobs.Put(ctx, key, body, "application/json"); err != nil {
			return SignalLaunchFailed, errors.Wrapf(err, "failed to store pagespeed report %s", key)
		}

		d.logger.Debugw("Stored pagespeed report",
			"uuid", req.UUID,
			"category", category,
			"viewport", req.Viewport,
			"key", key,
		)

		if err := d.segue.HandleSegue(ctx, req.UUID, category, req.Viewport); err != nil {
			// The blob is persisted; segue re-entry failing is an
			// ingestion problem, not a provider failure.
			d.logger.Errorw("Segue completion failed",
				"uuid", req.UUID,
				"category", category,
				"viewport", req.Viewport,
				"error", err,
			)
		}
	}

	return SignalCompletedSync, nil
}

// fetch performs one synchronous API call.
func (d *PageSpeedDriver) fetch(ctx context.Context, req Request, category string) ([]byte, error) {
	q := url.Values{}
	q.Set("url", req.URL)
	q.Set("category", category)
	q.Set("strategy", strategyFor(req.Viewport))
	if d.cfg.APIKey != "" {
		q.Set("key", d.cfg.APIKey)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, d.cfg.APIURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build pagespeed request")
	}

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, errors.Wrap(err, "pagespeed request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Newf("pagespeed returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read pagespeed response")
	}
	return body, nil
}

// strategyFor maps a viewport to the API's strategy parameter.
func strategyFor(vp audit.Viewport) string {
	if vp == audit.ViewportDesktop {
		return "desktop"
	}
	return "mobile"
}
