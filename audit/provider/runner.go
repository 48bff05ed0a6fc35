package provider

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"go.uber.org/zap"

	"github.com/beaconhq/beacond/audit"
	"github.com/beaconhq/beacond/blob"
	"github.com/beaconhq/beacond/errors"
)

// RunnerConfig configures the sandboxed audit-runner launcher.
type RunnerConfig struct {
	// Command and Args launch the runner, e.g.
	// "docker" ["run", "--rm", "beacon-audit-runner"].
	Command string
	Args    []string
	// CallbackURL is handed to the runner's orchestrating layer so it can
	// notify beacond when the report blob has been written.
	CallbackURL string
}

// RunnerDriver launches a sandboxed audit-runner job. It does not block
// waiting for the audit: the runner writes its raw report to blob storage
// under ReportKey(uuid, viewport) and that write is the completion trigger.
type RunnerDriver struct {
	cfg    RunnerConfig
	logger *zap.SugaredLogger
}

var _ Driver = (*RunnerDriver)(nil)

// NewRunnerDriver creates a runner driver.
func NewRunnerDriver(cfg RunnerConfig, logger *zap.SugaredLogger) *RunnerDriver {
	return &RunnerDriver{cfg: cfg, logger: logger}
}

// Kind implements Driver.
func (d *RunnerDriver) Kind() audit.Provider {
	return audit.ProviderRunner
}

// Launch starts the runner job with the audit parameters encoded in its
// environment. Start failure (capacity, missing binary) is reported
// synchronously as SignalLaunchFailed.
func (d *RunnerDriver) Launch(ctx context.Context, req Request) (Signal, error) {
	cmd := exec.CommandContext(ctx, d.cfg.Command, d.cfg.Args...)
	cmd.Env = append(os.Environ(),
		"AUDIT_URL="+req.URL,
		"AUDIT_UUID="+req.UUID,
		"AUDIT_VIEWPORT="+string(req.Viewport),
		fmt.Sprintf("AUDIT_RETRY=%d", req.Retries),
		"AUDIT_CALLBACK_URL="+d.cfg.CallbackURL,
		"AUDIT_BLOB_KEY="+blob.ReportKey(req.UUID, req.Viewport),
	)

	if err := cmd.Start(); err != nil {
		return SignalLaunchFailed, errors.Wrapf(err, "failed to launch audit runner for %s/%s", req.UUID, req.Viewport)
	}

	d.logger.Infow("Launched audit runner",
		"uuid", req.UUID,
		"viewport", req.Viewport,
		"retry", req.Retries,
		"pid", cmd.Process.Pid,
	)

	// Reap the child so it never lingers as a zombie. The exit status is
	// informational only; completion is signalled by the blob write.
	go func() {
		if err := cmd.Wait(); err != nil {
			d.logger.Debugw("Audit runner process exited non-zero",
				"uuid", req.UUID,
				"viewport", req.Viewport,
				"error", err,
			)
		}
	}()

	return SignalStarted, nil
}
