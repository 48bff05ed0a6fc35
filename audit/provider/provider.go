// Package provider contains the pluggable audit driver strategies: the
// sandboxed runner launcher and the external PageSpeed API client.
package provider

import (
	"context"

	"github.com/beaconhq/beacond/audit"
)

// Signal is the synchronous outcome of a driver launch.
type Signal string

const (
	// SignalStarted means the job launched; completion arrives
	// asynchronously via a blob-store write.
	SignalStarted Signal = "started"
	// SignalCompletedSync means the driver already carried the audit to
	// completion (the external API path).
	SignalCompletedSync Signal = "completed_sync"
	// SignalLaunchFailed means the job could not start; the failure is
	// immediately eligible for retry accounting.
	SignalLaunchFailed Signal = "launch_failed"
)

// Request carries one viewport audit to a driver. Retries is passed through
// so drivers can tag their jobs for traceability.
type Request struct {
	URL      string
	UUID     string
	Viewport audit.Viewport
	Retries  int
}

// Driver is a strategy that carries a (url, uuid, viewport) request to
// completion.
type Driver interface {
	// Kind identifies which provider configuration selects this driver.
	Kind() audit.Provider

	// Launch starts the audit. A returned error accompanies
	// SignalLaunchFailed; Started and CompletedSync return a nil error.
	Launch(ctx context.Context, req Request) (Signal, error)
}

// SegueHandler is the completion entry point a synchronous driver invokes
// after writing its result to blob storage, so the ingestion pipeline reads
// the blob back instead of waiting for a storage event.
type SegueHandler interface {
	HandleSegue(ctx context.Context, uuid, category string, vp audit.Viewport) error
}
