// Package extract normalizes raw Lighthouse-style audit reports into the
// fixed metrics schema persisted on viewport runs.
//
// Extract is a pure function: identical input bytes produce byte-identical
// output (entries are sorted, map keys marshal in sorted order), and no
// side effects are performed.
package extract

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"github.com/beaconhq/beacond/audit"
	"github.com/beaconhq/beacond/errors"
)

// Categories every report must score.
var requiredCategories = []string{"performance", "accessibility", "best-practices", "seo"}

// Core timing audits every report must carry.
var timingAudits = []string{
	"first-contentful-paint",
	"largest-contentful-paint",
	"speed-index",
	"interactive",
	"total-blocking-time",
	"cumulative-layout-shift",
}

// Error is a typed extraction error naming the missing or malformed field.
// It wraps errors.ErrExtraction so callers can errors.Is() it.
type Error struct {
	Field string
}

func (e *Error) Error() string {
	return fmt.Sprintf("report missing expected field %q", e.Field)
}

func (e *Error) Unwrap() error {
	return errors.ErrExtraction
}

// Metrics is the normalized result schema.
type Metrics struct {
	Viewport      audit.Viewport     `json:"viewport"`
	Scores        map[string]int     `json:"scores"`
	Timings       map[string]float64 `json:"timings"`
	Opportunities []Entry            `json:"opportunities"`
	Diagnostics   []Entry            `json:"diagnostics"`
	Resources     []Resource         `json:"resources"`
}

// Entry is one opportunity or diagnostic audit item.
type Entry struct {
	ID           string  `json:"id"`
	Title        string  `json:"title"`
	DisplayValue string  `json:"display_value,omitempty"`
	SavingsMs    float64 `json:"savings_ms,omitempty"`
}

// Resource is one row of the resource-type size/count breakdown.
type Resource struct {
	Type         string `json:"type"`
	RequestCount int    `json:"request_count"`
	TransferSize int64  `json:"transfer_size"`
}

type rawReport struct {
	Categories map[string]struct {
		Score *float64 `json:"score"`
	} `json:"categories"`
	Audits map[string]rawAudit `json:"audits"`
}

type rawAudit struct {
	Title        string   `json:"title"`
	DisplayValue string   `json:"displayValue"`
	NumericValue *float64 `json:"numericValue"`
	Details      *struct {
		Type             string          `json:"type"`
		OverallSavingsMs float64         `json:"overallSavingsMs"`
		Items            json.RawMessage `json:"items"`
	} `json:"details"`
}

type resourceItem struct {
	ResourceType string  `json:"resourceType"`
	RequestCount int     `json:"requestCount"`
	TransferSize float64 `json:"transferSize"`
}

// Extract parses a raw report and produces normalized metrics for the given
// viewport. Missing expected fields produce a typed *Error rather than a
// partial result.
func Extract(raw []byte, viewport audit.Viewport) (*Metrics, error) {
	var report rawReport
	if err := json.Unmarshal(raw, &report); err != nil {
		return nil, errors.Wrap(errors.ErrExtraction, err.Error())
	}
	if report.Categories == nil {
		return nil, &Error{Field: "categories"}
	}
	if report.Audits == nil {
		return nil, &Error{Field: "audits"}
	}

	m := &Metrics{
		Viewport:      viewport,
		Scores:        make(map[string]int, len(requiredCategories)),
		Timings:       make(map[string]float64, len(timingAudits)),
		Opportunities: []Entry{},
		Diagnostics:   []Entry{},
		Resources:     []Resource{},
	}

	// Category scores, x100 rounded.
	for _, name := range requiredCategories {
		cat, ok := report.Categories[name]
		if !ok || cat.Score == nil {
			return nil, &Error{Field: "categories." + name}
		}
		m.Scores[name] = int(math.Round(*cat.Score * 100))
	}

	// Core timings.
	for _, name := range timingAudits {
		a, ok := report.Audits[name]
		if !ok || a.NumericValue == nil {
			return nil, &Error{Field: "audits." + name}
		}
		m.Timings[name] = *a.NumericValue
	}

	// Opportunity and diagnostic entries, discriminated by details.type.
	for id, a := range report.Audits {
		if a.Details == nil {
			continue
		}
		switch a.Details.Type {
		case "opportunity":
			m.Opportunities = append(m.Opportunities, Entry{
				ID:           id,
				Title:        a.Title,
				DisplayValue: a.DisplayValue,
				SavingsMs:    a.Details.OverallSavingsMs,
			})
		case "table", "debugdata":
			if id == "resource-summary" {
				continue
			}
			m.Diagnostics = append(m.Diagnostics, Entry{
				ID:           id,
				Title:        a.Title,
				DisplayValue: a.DisplayValue,
			})
		}
	}
	sort.Slice(m.Opportunities, func(i, j int) bool { return m.Opportunities[i].ID < m.Opportunities[j].ID })
	sort.Slice(m.Diagnostics, func(i, j int) bool { return m.Diagnostics[i].ID < m.Diagnostics[j].ID })

	// Resource-type breakdown.
	if summary, ok := report.Audits["resource-summary"]; ok && summary.Details != nil && len(summary.Details.Items) > 0 {
		var items []resourceItem
		if err := json.Unmarshal(summary.Details.Items, &items); err != nil {
			return nil, &Error{Field: "audits.resource-summary.details.items"}
		}
		for _, item := range items {
			m.Resources = append(m.Resources, Resource{
				Type:         item.ResourceType,
				RequestCount: item.RequestCount,
				TransferSize: int64(item.TransferSize),
			})
		}
		sort.Slice(m.Resources, func(i, j int) bool { return m.Resources[i].Type < m.Resources[j].Type })
	}

	return m, nil
}

// Marshal serializes metrics deterministically.
func (m *Metrics) Marshal() (json.RawMessage, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal metrics")
	}
	return data, nil
}
