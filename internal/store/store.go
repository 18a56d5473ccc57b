// Package store persists normalized metric frames as Parquet artifacts, one
// file per (listing, date), and records run completion markers.
package store

import (
	"context"
	"time"
)

// MetricsStore persists one day of metrics for one listing.
type MetricsStore interface {
	// WriteMetrics replaces the artifact for (listingID, date) with frame and
	// returns the artifact path.
	WriteMetrics(ctx context.Context, listingID string, date time.Time, frame *Frame) (string, error)
}

// RunMarker records the last date for which a run finished successfully.
type RunMarker interface {
	// MarkCompleted records date as fully written.
	MarkCompleted(date time.Time) error

	// LastCompleted returns the recorded date, or "" if none.
	LastCompleted() string
}
