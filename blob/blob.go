// Package blob provides the object storage contract used for raw audit
// reports and screenshot thumbnails.
//
// Providers write reports under deterministic keys so completion events can
// be correlated back to the originating execution:
//
//	{uuid}.{viewport}.json             runner driver
//	{uuid}.{category}.{viewport}.json  external API driver
//	screenshots/{uuid}.{viewport}.{i}.jpg
package blob

import (
	"context"
	"fmt"
	"strings"

	"github.com/beaconhq/beacond/audit"
	"github.com/beaconhq/beacond/errors"
)

// Store is the blob storage contract.
type Store interface {
	Put(ctx context.Context, key string, body []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
}

// ReportKey returns the runner driver's output key for an execution.
func ReportKey(uuid string, vp audit.Viewport) string {
	return fmt.Sprintf("%s.%s.json", uuid, vp)
}

// CategoryReportKey returns the external API driver's output key for one
// (category x viewport) combination.
func CategoryReportKey(uuid, category string, vp audit.Viewport) string {
	return fmt.Sprintf("%s.%s.%s.json", uuid, category, vp)
}

// ScreenshotKey returns the key of the i-th screenshot thumbnail.
func ScreenshotKey(uuid string, vp audit.Viewport, index int) string {
	return fmt.Sprintf("screenshots/%s.%s.%d.jpg", uuid, vp, index)
}

// ParseReportKey decodes a report object key back into its correlation
// parts. The category is empty for runner-driver keys.
func ParseReportKey(key string) (uuid, category string, vp audit.Viewport, err error) {
	name := strings.TrimSuffix(key, ".json")
	if name == key {
		return "", "", "", errors.Wrapf(errors.ErrInvalidRequest, "not a report key: %s", key)
	}

	parts := strings.Split(name, ".")
	switch len(parts) {
	case 2:
		uuid, vp = parts[0], audit.Viewport(parts[1])
	case 3:
		uuid, category, vp = parts[0], parts[1], audit.Viewport(parts[2])
	default:
		return "", "", "", errors.Wrapf(errors.ErrInvalidRequest, "not a report key: %s", key)
	}

	if !audit.IsValidViewport(string(vp)) {
		return "", "", "", errors.Wrapf(errors.ErrInvalidRequest, "unknown viewport in key: %s", key)
	}
	return uuid, category, vp, nil
}
