// Package ingest orchestrates one ingestion run: plan coverage against the
// segment cache, fetch only the missing sub-ranges from the provider, stream
// rows into new segments, then reconcile the result against the on-disk
// dataset. Runs are sequential; a sub-range failure aborts the run and leaves
// every previously finalized segment valid.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/logvault/logvault/pkg/event"
	"github.com/logvault/logvault/pkg/provider"
	"github.com/logvault/logvault/pkg/segment"
	"github.com/logvault/logvault/pkg/segwriter"
	"github.com/logvault/logvault/pkg/summary"
	"github.com/logvault/logvault/pkg/timerange"
)

// PageFetcher drives the remote query protocol for one sub-range. Satisfied
// by *provider.Client.
type PageFetcher interface {
	FetchPages(ctx context.Context, q provider.Query, fn func(provider.Page) error) error
}

// Config holds per-service ingestion settings.
type Config struct {
	// Filter is the provider-side query expression applied to every fetch.
	Filter string
	// Dedupe enables the in-run duplicate drop on log id + sequence number.
	Dedupe bool
	// Writer configures segment flushing.
	Writer segwriter.Config
}

// RunSummary reports what one run planned, fetched, and wrote.
type RunSummary struct {
	EntityID  string            `json:"entity_id"`
	Requested timerange.Range   `json:"requested"`
	Decision  segment.Decision  `json:"decision"`
	Covered   []timerange.Range `json:"covered"`
	Fetched   []timerange.Range `json:"fetched"`

	// OutputSegments lists the directory of every segment backing the
	// requested range after the run: the SegmentsUsed pre-existing ones in
	// range order, then the SegmentsWritten new ones in fetch order.
	OutputSegments  []string `json:"output_segments"`
	SegmentsUsed    int      `json:"segments_used"`
	SegmentsWritten int      `json:"segments_written"`

	RawSeen           int64 `json:"raw_seen"`
	DuplicatesDropped int64 `json:"duplicates_dropped"`
	RowsWritten       int64 `json:"rows_written"`
	PartsWritten      int   `json:"parts_written"`
	BytesWritten      int64 `json:"bytes_written"`

	// ObservedTsMin/Max span every row seen during the run, including
	// dropped duplicates. Valid only when HasObservedTs is set.
	ObservedTsMin int64 `json:"observed_ts_min"`
	ObservedTsMax int64 `json:"observed_ts_max"`
	HasObservedTs bool  `json:"has_observed_ts"`

	// ProviderTotal sums the provider-reported match counts over the
	// fetched sub-ranges, or -1 when the provider never reported one.
	ProviderTotal int64 `json:"provider_total"`

	// Dataset is the post-run summary over the requested range.
	Dataset *summary.Summary `json:"dataset"`
}

// Service wires the planner, the protocol client, the writer, and the
// summarizer into the run loop.
type Service struct {
	cfg      Config
	ix       *segment.Index
	fetcher  PageFetcher
	sum      *summary.Summarizer
	logger   *slog.Logger
	notifier Notifier
}

// New creates a service. A nil notifier and logger default to no-op and
// slog.Default() respectively.
func New(cfg Config, ix *segment.Index, fetcher PageFetcher, sum *summary.Summarizer, logger *slog.Logger, notifier Notifier) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Service{
		cfg:      cfg,
		ix:       ix,
		fetcher:  fetcher,
		sum:      sum,
		logger:   logger,
		notifier: notifier,
	}
}

// Run ingests one entity over one requested range.
func (s *Service) Run(ctx context.Context, entityID string, requested timerange.Range) (*RunSummary, error) {
	plan, err := s.ix.Plan(entityID, requested)
	if err != nil {
		return nil, err
	}
	s.notifier.Notify(Event{
		Type:     EventPlanned,
		EntityID: entityID,
		Range:    requested,
		Decision: string(plan.Decision),
	})

	// Cached coverage is read before any network call so a corrupt or
	// unreadable segment fails the run while it is still free to retry.
	if plan.Decision != segment.DecisionMiss {
		if _, err := s.sum.Summarize(entityID, requested); err != nil {
			s.fail(entityID, requested, err)
			return nil, fmt.Errorf("verifying cached coverage: %w", err)
		}
	}

	run := &RunSummary{
		EntityID:      entityID,
		Requested:     requested,
		Decision:      plan.Decision,
		Covered:       plan.Covered,
		SegmentsUsed:  len(plan.Segments),
		ProviderTotal: -1,
	}
	for _, seg := range plan.Segments {
		run.OutputSegments = append(run.OutputSegments, seg.Dir)
	}
	seen := make(map[uint64]struct{})

	for _, sub := range plan.Missing {
		if err := s.fetchRange(ctx, entityID, sub, seen, run); err != nil {
			s.fail(entityID, sub, err)
			return nil, err
		}
		run.Fetched = append(run.Fetched, sub)
	}

	dataset, err := s.sum.Summarize(entityID, requested)
	if err != nil {
		s.fail(entityID, requested, err)
		return nil, err
	}
	run.Dataset = dataset

	s.reconcile(run)
	s.notifier.Notify(Event{
		Type:     EventCompleted,
		EntityID: entityID,
		Range:    requested,
		Rows:     dataset.Rows,
	})
	return run, nil
}

// fetchRange streams one missing sub-range into a fresh segment. The writer
// is opened before the first request so an unwritable cache fails without
// spending the provider's budget.
func (s *Service) fetchRange(ctx context.Context, entityID string, sub timerange.Range, seen map[uint64]struct{}, run *RunSummary) error {
	dir := segment.DirFor(s.ix.Root(), entityID, sub)
	w, err := segwriter.Open(dir, s.cfg.Writer, s.logger)
	if err != nil {
		os.RemoveAll(dir)
		return err
	}

	s.notifier.Notify(Event{Type: EventFetching, EntityID: entityID, Range: sub})
	s.logger.Info("fetch_start", "entity_id", entityID, "range", sub.String())

	subTotal := int64(-1)
	err = s.fetcher.FetchPages(ctx, provider.Query{
		EntityID: entityID,
		Range:    sub,
		Filter:   s.cfg.Filter,
	}, func(page provider.Page) error {
		if page.ProviderTotal >= 0 {
			subTotal = page.ProviderTotal
		}
		for _, row := range page.Rows {
			run.RawSeen++
			if ts, ok := row.Timestamp(); ok {
				if !run.HasObservedTs || ts < run.ObservedTsMin {
					run.ObservedTsMin = ts
				}
				if !run.HasObservedTs || ts > run.ObservedTsMax {
					run.ObservedTsMax = ts
				}
				run.HasObservedTs = true
			}
			if s.cfg.Dedupe {
				if key, ok := row.DedupeKey(); ok {
					h := event.HashKey(key)
					if _, dup := seen[h]; dup {
						run.DuplicatesDropped++
						continue
					}
					seen[h] = struct{}{}
				}
			}
			if err := w.Append(row); err != nil {
				return err
			}
		}
		s.notifier.Notify(Event{
			Type:     EventPage,
			EntityID: entityID,
			Range:    sub,
			Page:     page.Index,
			Rows:     int64(len(page.Rows)),
		})
		return nil
	})
	if err != nil {
		// An incomplete segment directory would claim coverage it does not
		// have, so it is removed before the run aborts.
		os.RemoveAll(dir)
		return fmt.Errorf("fetching %s of %s: %w", sub, entityID, err)
	}

	stats, err := w.Finalize()
	if err != nil {
		os.RemoveAll(dir)
		return fmt.Errorf("finalizing %s of %s: %w", sub, entityID, err)
	}

	run.RowsWritten += stats.Rows
	run.PartsWritten += stats.Parts
	run.BytesWritten += stats.Bytes
	run.SegmentsWritten++
	run.OutputSegments = append(run.OutputSegments, dir)
	if subTotal >= 0 {
		if run.ProviderTotal < 0 {
			run.ProviderTotal = 0
		}
		run.ProviderTotal += subTotal
	}

	s.notifier.Notify(Event{
		Type:     EventSegment,
		EntityID: entityID,
		Range:    sub,
		Rows:     stats.Rows,
	})
	s.logger.Info("segment_written",
		"entity_id", entityID,
		"range", sub.String(),
		"rows", stats.Rows,
		"parts", stats.Parts,
		"bytes", stats.Bytes,
	)
	return nil
}

// reconcile emits the single end-of-run accounting event and a warning when
// the provider-reported total disagrees with what was actually received.
func (s *Service) reconcile(run *RunSummary) {
	s.logger.Info("run_reconciled",
		"entity_id", run.EntityID,
		"requested", run.Requested.String(),
		"decision", string(run.Decision),
		"fetched_ranges", len(run.Fetched),
		"raw_seen", run.RawSeen,
		"duplicates_dropped", run.DuplicatesDropped,
		"rows_written", run.RowsWritten,
		"parts_written", run.PartsWritten,
		"bytes_written", run.BytesWritten,
		"dataset_rows", run.Dataset.Rows,
	)
	if run.ProviderTotal >= 0 && run.ProviderTotal != run.RawSeen {
		s.logger.Warn("provider_total_divergence",
			"entity_id", run.EntityID,
			"provider_total", run.ProviderTotal,
			"raw_seen", run.RawSeen,
		)
	}
}

func (s *Service) fail(entityID string, r timerange.Range, err error) {
	s.logger.Error("run_failed",
		"entity_id", entityID,
		"range", r.String(),
		"error", err.Error(),
	)
	s.notifier.Notify(Event{
		Type:     EventFailed,
		EntityID: entityID,
		Range:    r,
		Error:    err.Error(),
	})
}
