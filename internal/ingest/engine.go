// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package ingest runs one ingestion pass: fetch catalog metadata, upsert it
// into the dedup store, download every pending artifact through a bounded
// worker pool, and reconcile the outcomes into a RunSummary.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/google/uuid"

	"github.com/pdiddy/paper-ingest/internal/download"
	"github.com/pdiddy/paper-ingest/internal/logger"
	"github.com/pdiddy/paper-ingest/internal/pool"
	"github.com/pdiddy/paper-ingest/pkg/types"
)

// Catalog yields paper metadata for a query.
type Catalog interface {
	Search(ctx context.Context, query string, maxResults int) iter.Seq2[types.PaperRecord, error]
}

// Store is the subset of the dedup store the engine mutates.
type Store interface {
	Upsert(ctx context.Context, rec types.PaperRecord) (types.PaperRecord, bool, error)
	MarkPending(ctx context.Context, id string) (types.PaperRecord, error)
	MarkDownloaded(ctx context.Context, id, localPath string, attempts int) (types.PaperRecord, error)
	MarkFailed(ctx context.Context, id, cause string, attempts int) (types.PaperRecord, error)
	ResetFailed(ctx context.Context, id string) (types.PaperRecord, error)
	ListByStatus(ctx context.Context, status types.Status, limit int) ([]types.PaperRecord, error)
}

// Fetcher downloads one artifact.
type Fetcher interface {
	Fetch(ctx context.Context, url, key string) (download.Artifact, error)
}

// Options tune a run.
type Options struct {
	// Concurrency is the download pool size (default 5).
	Concurrency int

	Policy       pool.RetryPolicy
	FailedPolicy types.FailedPolicy
}

const defaultConcurrency = 5

// Engine composes the catalog, store and downloader. It holds no per-run
// state; Run may be called repeatedly.
type Engine struct {
	catalog Catalog
	store   Store
	fetcher Fetcher
	opts    Options
	log     *logger.Logger
	now     func() time.Time
}

// New returns an Engine. Zero-valued options take their defaults.
func New(catalog Catalog, store Store, fetcher Fetcher, opts Options, log *logger.Logger) *Engine {
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	if opts.Policy.MaxAttempts <= 0 {
		opts.Policy = pool.DefaultPolicy()
	}
	if opts.FailedPolicy == "" {
		opts.FailedPolicy = types.FailedManual
	}
	return &Engine{
		catalog: catalog,
		store:   store,
		fetcher: fetcher,
		opts:    opts,
		log:     log.WithField("component", "ingest"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Run performs one ingestion pass for query.
//
// A terminal catalog error aborts the run before any download is attempted:
// the summary has State aborted, AbortCause set, and the error wrapping
// types.ErrCatalogUnavailable is returned. Records upserted before the
// failure stay stored and are picked up by the next run. Every other
// failure is per record; it is recorded in the summary and the run goes on.
//
// Cancelling ctx during fetching aborts the run with an interrupted cause
// and returns ctx.Err(). Cancelling it later stops new downloads: downloads
// in flight finish and are recorded, records never started stay
// download_pending.
func (e *Engine) Run(ctx context.Context, query string, maxResults int) (types.RunSummary, error) {
	sum := types.RunSummary{
		RunID:      uuid.NewString(),
		Query:      query,
		MaxResults: maxResults,
		StartedAt:  e.now(),
	}
	log := e.log.WithFields(logger.Fields{"run_id": sum.RunID, "query": query})
	ctx = log.WithContext(ctx)
	log.WithField("max_results", maxResults).Info("ingestion run started")

	if err := e.fetchAndPersist(ctx, query, maxResults, &sum, log); err != nil {
		sum.State = types.RunAborted
		sum.AbortCause = err.Error()
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			sum.AbortCause = "interrupted: " + err.Error()
		}
		sum.FinishedAt = e.now()
		log.WithError(err).WithField("stored", sum.Stored).Error("ingestion run aborted")
		return sum, err
	}

	e.downloadPending(ctx, &sum, log)

	sum.State = types.RunCompleted
	sum.FinishedAt = e.now()
	log.WithFields(logger.Fields{
		"discovered":  sum.Discovered,
		"stored":      sum.Stored,
		"new":         sum.New,
		"downloaded":  sum.Downloaded,
		"failed":      sum.Failed,
		"interrupted": sum.Interrupted,
		"duration":    sum.Duration().String(),
	}).Info("ingestion run completed")
	return sum, nil
}

// fetchAndPersist covers the fetching and persisting stages. It returns
// only the terminal catalog error, or ctx.Err() when the run was cancelled.
func (e *Engine) fetchAndPersist(ctx context.Context, query string, maxResults int, sum *types.RunSummary, log *logger.Logger) error {
	for rec, err := range e.catalog.Search(ctx, query, maxResults) {
		if err != nil {
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				return err
			}
			if !errors.Is(err, types.ErrCatalogUnavailable) {
				err = fmt.Errorf("%w: %w", types.ErrCatalogUnavailable, err)
			}
			return err
		}
		sum.Discovered++
		e.persist(ctx, rec, sum, log.WithField("paper_id", rec.ID))
	}
	return nil
}

func (e *Engine) persist(ctx context.Context, rec types.PaperRecord, sum *types.RunSummary, log *logger.Logger) {
	stored, wasNew, err := e.store.Upsert(ctx, rec)
	if err != nil {
		log.WithError(err).Warn("upsert failed")
		sum.AddFailure(rec.ID, types.StagePersisting, err)
		return
	}
	sum.Stored++
	if wasNew {
		sum.New++
	}

	switch stored.Status {
	case types.StatusMetadataStored:
		if _, err := e.store.MarkPending(ctx, rec.ID); err != nil {
			log.WithError(err).Warn("scheduling download failed")
			sum.AddFailure(rec.ID, types.StagePersisting, err)
		}
	case types.StatusFailed:
		if e.opts.FailedPolicy != types.FailedAuto {
			log.WithField("last_error", stored.LastError).Debug("failed record left for explicit retry")
			return
		}
		if _, err := e.store.ResetFailed(ctx, rec.ID); err != nil {
			log.WithError(err).Warn("resetting failed record failed")
			sum.AddFailure(rec.ID, types.StagePersisting, err)
			return
		}
		log.Info("failed record reset for retry")
	}
}

// downloadPending covers the downloading and reconciling stages.
func (e *Engine) downloadPending(ctx context.Context, sum *types.RunSummary, log *logger.Logger) {
	// Reconciliation writes ignore cancellation.
	recCtx := context.WithoutCancel(ctx)

	e.scheduleStranded(recCtx, sum, log)

	pending, err := e.store.ListByStatus(recCtx, types.StatusDownloadPending, 0)
	if err != nil {
		log.WithError(err).Error("listing pending records failed")
		sum.AddFailure("", types.StageDownloading, err)
		return
	}
	sum.Scheduled = len(pending)
	if len(pending) == 0 {
		return
	}
	log.WithFields(logger.Fields{
		"pending":     len(pending),
		"concurrency": e.opts.Concurrency,
	}).Info("downloading artifacts")

	results := pool.Run(ctx, pending, e.opts.Concurrency, e.opts.Policy,
		func(ctx context.Context, rec types.PaperRecord) (download.Artifact, error) {
			ctx = log.WithField("paper_id", rec.ID).WithContext(ctx)
			return e.fetcher.Fetch(ctx, rec.PDFURL, rec.ArtifactKey())
		})

	for r := range results {
		e.reconcile(recCtx, r, sum, log.WithField("paper_id", r.Item.ID))
	}
}

// scheduleStranded moves every metadata_stored record to download_pending.
// A record stays metadata_stored when an earlier run stopped between its
// upsert and MarkPending; the catalog may never return it again.
func (e *Engine) scheduleStranded(ctx context.Context, sum *types.RunSummary, log *logger.Logger) {
	stranded, err := e.store.ListByStatus(ctx, types.StatusMetadataStored, 0)
	if err != nil {
		log.WithError(err).Warn("listing stored records failed")
		sum.AddFailure("", types.StagePersisting, err)
		return
	}
	for _, rec := range stranded {
		if _, err := e.store.MarkPending(ctx, rec.ID); err != nil {
			log.WithError(err).WithField("paper_id", rec.ID).Warn("scheduling download failed")
			sum.AddFailure(rec.ID, types.StagePersisting, err)
			continue
		}
		log.WithField("paper_id", rec.ID).Info("stranded record scheduled for download")
	}
}

func (e *Engine) reconcile(ctx context.Context, r pool.Result[types.PaperRecord, download.Artifact], sum *types.RunSummary, log *logger.Logger) {
	id := r.Item.ID
	switch {
	case r.Interrupted:
		sum.Interrupted++
		entry := log.WithField("attempts", r.Attempts)
		if r.Err != nil && !errors.Is(r.Err, pool.ErrNotStarted) {
			entry = entry.WithError(r.Err)
		}
		entry.Info("download interrupted, record stays pending")

	case r.Err == nil:
		if _, err := e.store.MarkDownloaded(ctx, id, r.Value.Location, r.Attempts); err != nil {
			log.WithError(err).Error("recording download failed")
			sum.AddFailure(id, types.StageReconciling, err)
			return
		}
		sum.Downloaded++
		if !r.Value.Skipped {
			sum.BytesDownloaded += r.Value.Size
		}
		log.WithFields(logger.Fields{
			"attempts": r.Attempts,
			"bytes":    r.Value.Size,
			"location": r.Value.Location,
		}).Info("artifact downloaded")

	default:
		sum.Failed++
		sum.AddFailure(id, types.StageDownloading, r.Err)
		log.WithError(r.Err).WithFields(logger.Fields{
			"attempts": r.Attempts,
			"kind":     types.KindOf(r.Err),
		}).Warn("download failed")
		if _, err := e.store.MarkFailed(ctx, id, r.Err.Error(), r.Attempts); err != nil {
			log.WithError(err).Error("recording failure failed")
			sum.AddFailure(id, types.StageReconciling, err)
		}
	}
}
