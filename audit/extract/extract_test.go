package extract

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beaconhq/beacond/audit"
	"github.com/beaconhq/beacond/errors"
)

const sampleReport = `{
  "categories": {
    "performance": {"score": 0.975},
    "accessibility": {"score": 0.88},
    "best-practices": {"score": 1},
    "seo": {"score": 0.9}
  },
  "audits": {
    "first-contentful-paint": {"title": "First Contentful Paint", "numericValue": 1214.3},
    "largest-contentful-paint": {"title": "Largest Contentful Paint", "numericValue": 2380.1},
    "speed-index": {"title": "Speed Index", "numericValue": 1703.9},
    "interactive": {"title": "Time to Interactive", "numericValue": 2901.4},
    "total-blocking-time": {"title": "Total Blocking Time", "numericValue": 120.5},
    "cumulative-layout-shift": {"title": "Cumulative Layout Shift", "numericValue": 0.02},
    "render-blocking-resources": {
      "title": "Eliminate render-blocking resources",
      "displayValue": "Potential savings of 310 ms",
      "details": {"type": "opportunity", "overallSavingsMs": 310}
    },
    "unused-css-rules": {
      "title": "Reduce unused CSS",
      "details": {"type": "opportunity", "overallSavingsMs": 150}
    },
    "font-display": {
      "title": "Ensure text remains visible during webfont load",
      "details": {"type": "table"}
    },
    "resource-summary": {
      "title": "Keep request counts low",
      "details": {
        "type": "table",
        "items": [
          {"resourceType": "script", "requestCount": 12, "transferSize": 240311},
          {"resourceType": "image", "requestCount": 8, "transferSize": 81210}
        ]
      }
    }
  }
}`

func TestExtractNormalizes(t *testing.T) {
	m, err := Extract([]byte(sampleReport), audit.ViewportMobile)
	require.NoError(t, err)

	assert.Equal(t, audit.ViewportMobile, m.Viewport)
	assert.Equal(t, 98, m.Scores["performance"]) // 0.975 * 100 rounded
	assert.Equal(t, 88, m.Scores["accessibility"])
	assert.Equal(t, 100, m.Scores["best-practices"])
	assert.Equal(t, 90, m.Scores["seo"])

	assert.InDelta(t, 1214.3, m.Timings["first-contentful-paint"], 0.001)
	assert.InDelta(t, 0.02, m.Timings["cumulative-layout-shift"], 0.001)

	require.Len(t, m.Opportunities, 2)
	assert.Equal(t, "render-blocking-resources", m.Opportunities[0].ID)
	assert.InDelta(t, 310, m.Opportunities[0].SavingsMs, 0.001)
	assert.Equal(t, "unused-css-rules", m.Opportunities[1].ID)

	require.Len(t, m.Diagnostics, 1)
	assert.Equal(t, "font-display", m.Diagnostics[0].ID)

	require.Len(t, m.Resources, 2)
	assert.Equal(t, "image", m.Resources[0].Type)
	assert.Equal(t, int64(240311), m.Resources[1].TransferSize)
}

func TestExtractDeterministic(t *testing.T) {
	first, err := Extract([]byte(sampleReport), audit.ViewportDesktop)
	require.NoError(t, err)
	second, err := Extract([]byte(sampleReport), audit.ViewportDesktop)
	require.NoError(t, err)

	firstJSON, err := first.Marshal()
	require.NoError(t, err)
	secondJSON, err := second.Marshal()
	require.NoError(t, err)
	assert.Equal(t, string(firstJSON), string(secondJSON))
}

func TestExtractMissingCategory(t *testing.T) {
	report := `{
	  "categories": {
	    "accessibility": {"score": 0.88},
	    "best-practices": {"score": 1},
	    "seo": {"score": 0.9}
	  },
	  "audits": {}
	}`

	_, err := Extract([]byte(report), audit.ViewportMobile)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrExtraction))

	var extractErr *Error
	require.True(t, errors.As(err, &extractErr))
	assert.Equal(t, "categories.performance", extractErr.Field)
}

func TestExtractMissingTimingAudit(t *testing.T) {
	report := `{
	  "categories": {
	    "performance": {"score": 0.9},
	    "accessibility": {"score": 0.88},
	    "best-practices": {"score": 1},
	    "seo": {"score": 0.9}
	  },
	  "audits": {
	    "first-contentful-paint": {"numericValue": 1000}
	  }
	}`

	_, err := Extract([]byte(report), audit.ViewportMobile)
	var extractErr *Error
	require.True(t, errors.As(err, &extractErr))
	assert.Equal(t, "audits.largest-contentful-paint", extractErr.Field)
}

func TestExtractGarbageInput(t *testing.T) {
	_, err := Extract([]byte("not json"), audit.ViewportMobile)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrExtraction))
}
