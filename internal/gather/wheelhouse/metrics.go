// Package wheelhouse gathers daily per-listing metrics from the listings API
// and persists one Parquet artifact per listing.
package wheelhouse

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/parquet-go/jsonlite"

	"rmcopilot/internal/gather"
	"rmcopilot/internal/metrics"
	"rmcopilot/internal/payload"
	"rmcopilot/internal/store"
	"rmcopilot/internal/util"
)

var _ gather.Gatherer = (*MetricsGatherer)(nil)

// EmptyListingsMessage is reported when /listings yields no IDs.
const EmptyListingsMessage = "No listings returned from /listings endpoint."

// Fetcher is the subset of the API client the gatherer needs.
type Fetcher interface {
	Listings(ctx context.Context) (*jsonlite.Value, error)
	Metrics(ctx context.Context, listingID string, date time.Time) (*jsonlite.Value, error)
}

// MetricsGatherer runs the daily ETL for a single target date: list every
// listing, then fetch, normalize, and persist each listing's metrics in
// listing order.
type MetricsGatherer struct {
	api     Fetcher
	store   store.MetricsStore
	marker  store.RunMarker // nil when the store keeps no marker
	date    time.Time
	out     io.Writer
	metrics *metrics.Run
	runID   string
	log     *slog.Logger
}

// NewMetricsGatherer creates a gatherer for date. Report lines go to out. If
// s also implements store.RunMarker the date is recorded after a run that
// wrote at least one listing. m may be nil.
func NewMetricsGatherer(api Fetcher, s store.MetricsStore, date time.Time, out io.Writer, m *metrics.Run) *MetricsGatherer {
	g := &MetricsGatherer{
		api:     api,
		store:   s,
		date:    date,
		out:     out,
		metrics: m,
		runID:   uuid.NewString(),
	}
	if rm, ok := s.(store.RunMarker); ok {
		g.marker = rm
	}
	g.log = slog.Default().With("gatherer", g.Name(), "run_id", g.runID)
	return g
}

// Name returns the gatherer identifier.
func (g *MetricsGatherer) Name() string { return "listing-metrics" }

// RunID identifies this run in logs.
func (g *MetricsGatherer) RunID() string { return g.runID }

// Date returns the target date.
func (g *MetricsGatherer) Date() time.Time { return g.date }

// Run executes one ETL pass. Any fetch or write error aborts the run;
// artifacts written before the failure are left in place. A run that finds
// no listings touches nothing on disk.
func (g *MetricsGatherer) Run(ctx context.Context) error {
	start := time.Now()
	err := g.run(ctx)
	g.metrics.Finish(start, time.Now(), err)
	return err
}

func (g *MetricsGatherer) run(ctx context.Context) error {
	day := g.date.Format(util.DateLayout)
	g.log.Info("starting metrics run", "date", day)
	start := time.Now()

	listings, err := g.api.Listings(ctx)
	if err != nil {
		return fmt.Errorf("fetching listings: %w", err)
	}
	ids := payload.ListingIDs(listings)

	if len(ids) == 0 {
		fmt.Fprintln(g.out, EmptyListingsMessage)
		g.log.Info("no listings to process", "date", day)
		return nil
	}
	g.log.Info("listings fetched", "count", len(ids))

	seen := make(map[string]struct{}, len(ids))
	var rows int
	for i, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, dup := seen[id]; dup {
			g.log.Warn("duplicate listing id, overwriting artifact", "listing", id)
		}
		seen[id] = struct{}{}

		raw, err := g.api.Metrics(ctx, id, g.date)
		if err != nil {
			return fmt.Errorf("fetching metrics for listing %s: %w", id, err)
		}

		frame := store.NewFrame(payload.Records(raw))
		path, err := g.store.WriteMetrics(ctx, id, g.date, frame)
		if err != nil {
			return fmt.Errorf("persisting metrics for listing %s: %w", id, err)
		}

		fmt.Fprintf(g.out, "Wrote metrics for listing %s to %s\n", id, path)
		g.log.Info("wrote listing metrics",
			"listing", id,
			"path", path,
			"rows", frame.NumRows(),
			"columns", len(frame.Columns),
			"progress", fmt.Sprintf("%d/%d", i+1, len(ids)),
		)
		g.metrics.ListingWritten(frame.NumRows())
		rows += frame.NumRows()
	}

	if err := g.markCompleted(); err != nil {
		return err
	}
	g.log.Info("metrics run complete",
		"date", day,
		"listings", len(ids),
		"rows", rows,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return nil
}

func (g *MetricsGatherer) markCompleted() error {
	if g.marker == nil {
		return nil
	}
	if err := g.marker.MarkCompleted(g.date); err != nil {
		return fmt.Errorf("recording completed date: %w", err)
	}
	return nil
}
