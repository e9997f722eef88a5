// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package store persists PaperRecords in SQLite keyed by catalog identifier.
// Upserts are atomic per identifier and status changes follow the record
// lifecycle: only download_pending records may complete, and only failed
// records may be reset.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/pdiddy/paper-ingest/pkg/types"
)

// DefaultPath is used when the configuration leaves the database path empty.
const DefaultPath = "data/papers.db"

const dsnParams = "?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate&_foreign_keys=on"

const schema = `
CREATE TABLE IF NOT EXISTS papers (
	id               TEXT PRIMARY KEY,
	title            TEXT NOT NULL DEFAULT '',
	authors          TEXT NOT NULL DEFAULT '[]',
	summary          TEXT NOT NULL DEFAULT '',
	published_at     TEXT NOT NULL DEFAULT '',
	updated_at       TEXT NOT NULL DEFAULT '',
	categories       TEXT NOT NULL DEFAULT '[]',
	primary_category TEXT NOT NULL DEFAULT '',
	pdf_url          TEXT NOT NULL DEFAULT '',
	local_path       TEXT NOT NULL DEFAULT '',
	status           TEXT NOT NULL,
	attempt_count    INTEGER NOT NULL DEFAULT 0,
	last_error       TEXT NOT NULL DEFAULT '',
	ingested_at      TEXT NOT NULL,
	modified_at      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_papers_status ON papers(status);
`

// Store is the dedup store. It is safe for concurrent use; open one per
// process and Close it on shutdown.
type Store struct {
	db  *sqlx.DB
	now func() time.Time
}

// Open opens or creates the database at cfg.Path and applies the schema.
func Open(cfg types.StoreConfig) (*Store, error) {
	path := cfg.Path
	if path == "" {
		path = DefaultPath
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("%w: creating %s: %w", types.ErrStoreUnavailable, dir, err)
		}
	}

	db, err := sqlx.Open("sqlite3", path+dsnParams)
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s: %w", types.ErrStoreUnavailable, path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: applying schema: %w", types.ErrStoreUnavailable, err)
	}
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// paperRow is the column layout of the papers table.
type paperRow struct {
	ID              string `db:"id"`
	Title           string `db:"title"`
	Authors         string `db:"authors"`
	Summary         string `db:"summary"`
	PublishedAt     string `db:"published_at"`
	UpdatedAt       string `db:"updated_at"`
	Categories      string `db:"categories"`
	PrimaryCategory string `db:"primary_category"`
	PDFURL          string `db:"pdf_url"`
	LocalPath       string `db:"local_path"`
	Status          string `db:"status"`
	AttemptCount    int    `db:"attempt_count"`
	LastError       string `db:"last_error"`
	IngestedAt      string `db:"ingested_at"`
	ModifiedAt      string `db:"modified_at"`
}

const insertPaper = `INSERT INTO papers (
	id, title, authors, summary, published_at, updated_at, categories, primary_category,
	pdf_url, local_path, status, attempt_count, last_error, ingested_at, modified_at
) VALUES (
	:id, :title, :authors, :summary, :published_at, :updated_at, :categories, :primary_category,
	:pdf_url, :local_path, :status, :attempt_count, :last_error, :ingested_at, :modified_at
)`

const updateDescriptive = `UPDATE papers SET
	title = :title, authors = :authors, summary = :summary,
	published_at = :published_at, updated_at = :updated_at,
	categories = :categories, primary_category = :primary_category,
	pdf_url = :pdf_url, modified_at = :modified_at
WHERE id = :id`

const updateState = `UPDATE papers SET
	local_path = :local_path, status = :status, attempt_count = :attempt_count,
	last_error = :last_error, modified_at = :modified_at
WHERE id = :id`

// Upsert inserts rec at metadata_stored or, when the identifier already
// exists, overwrites its descriptive fields and PDF URL. Lifecycle fields
// (status, attempt count, last error, local path, ingestion time) of an
// existing record are never changed here. The stored record is returned
// along with whether it was newly created.
func (s *Store) Upsert(ctx context.Context, rec types.PaperRecord) (types.PaperRecord, bool, error) {
	if rec.ID == "" {
		return types.PaperRecord{}, false, fmt.Errorf("%w: upsert: empty identifier", types.ErrStoreUnavailable)
	}

	var (
		stored types.PaperRecord
		wasNew bool
	)
	err := runTx(ctx, s.db, func(tx *sqlx.Tx) error {
		wasNew = false
		now := s.now()
		incoming := toRow(rec)
		incoming.ModifiedAt = formatTime(now)

		existing, err := getRow(ctx, tx, rec.ID)
		if errors.Is(err, types.ErrNotFound) {
			wasNew = true
			incoming.Status = string(types.StatusMetadataStored)
			incoming.AttemptCount = 0
			incoming.LastError = ""
			incoming.LocalPath = ""
			incoming.IngestedAt = formatTime(now)
			if _, err := tx.NamedExecContext(ctx, insertPaper, incoming); err != nil {
				return err
			}
			stored, err = fromRow(incoming)
			return err
		}
		if err != nil {
			return err
		}

		merged := existing
		merged.Title = incoming.Title
		merged.Authors = incoming.Authors
		merged.Summary = incoming.Summary
		merged.PublishedAt = incoming.PublishedAt
		merged.UpdatedAt = incoming.UpdatedAt
		merged.Categories = incoming.Categories
		merged.PrimaryCategory = incoming.PrimaryCategory
		merged.PDFURL = incoming.PDFURL
		if merged != existing {
			merged.ModifiedAt = incoming.ModifiedAt
			if _, err := tx.NamedExecContext(ctx, updateDescriptive, merged); err != nil {
				return err
			}
		}
		stored, err = fromRow(merged)
		return err
	})
	if err != nil {
		return types.PaperRecord{}, false, storeErr("upsert "+rec.ID, err)
	}
	return stored, wasNew, nil
}

// Get returns the record for id or an error wrapping types.ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (types.PaperRecord, error) {
	row, err := getRow(ctx, s.db, id)
	if err != nil {
		return types.PaperRecord{}, storeErr("get "+id, err)
	}
	rec, err := fromRow(row)
	if err != nil {
		return types.PaperRecord{}, storeErr("get "+id, err)
	}
	return rec, nil
}

// MarkPending schedules a metadata_stored record for download.
func (s *Store) MarkPending(ctx context.Context, id string) (types.PaperRecord, error) {
	return s.transition(ctx, id, types.StatusDownloadPending, nil, func(r *paperRow) {
		r.LastError = ""
	})
}

// MarkDownloaded completes a download_pending record, recording where the
// artifact was published and adding attempts to its attempt count.
func (s *Store) MarkDownloaded(ctx context.Context, id, localPath string, attempts int) (types.PaperRecord, error) {
	return s.transition(ctx, id, types.StatusDownloaded, nil, func(r *paperRow) {
		r.LocalPath = localPath
		r.AttemptCount += attempts
		r.LastError = ""
	})
}

// MarkFailed fails a download_pending record with cause, adding attempts to
// its attempt count.
func (s *Store) MarkFailed(ctx context.Context, id, cause string, attempts int) (types.PaperRecord, error) {
	return s.transition(ctx, id, types.StatusFailed, nil, func(r *paperRow) {
		r.AttemptCount += attempts
		r.LastError = cause
	})
}

// ResetFailed moves a failed record back to download_pending so the next
// run downloads it again. The attempt count is kept.
func (s *Store) ResetFailed(ctx context.Context, id string) (types.PaperRecord, error) {
	return s.transition(ctx, id, types.StatusDownloadPending, types.Status.CanReset, func(r *paperRow) {
		r.LastError = ""
	})
}

// transition moves id to next inside one transaction. allowed decides
// whether the current status may move; nil means the forward edges of the
// status machine.
func (s *Store) transition(ctx context.Context, id string, next types.Status, allowed func(types.Status) bool, apply func(*paperRow)) (types.PaperRecord, error) {
	if allowed == nil {
		allowed = func(cur types.Status) bool { return cur.CanTransitionTo(next) }
	}

	var rec types.PaperRecord
	err := runTx(ctx, s.db, func(tx *sqlx.Tx) error {
		row, err := getRow(ctx, tx, id)
		if err != nil {
			return err
		}
		cur := types.Status(row.Status)
		if !allowed(cur) {
			return fmt.Errorf("%w: %s: %s -> %s", types.ErrInvalidTransition, id, cur, next)
		}
		row.Status = string(next)
		row.ModifiedAt = formatTime(s.now())
		if apply != nil {
			apply(&row)
		}
		if _, err := tx.NamedExecContext(ctx, updateState, row); err != nil {
			return err
		}
		rec, err = fromRow(row)
		return err
	})
	if err != nil {
		return types.PaperRecord{}, storeErr(fmt.Sprintf("mark %s %s", id, next), err)
	}
	return rec, nil
}

// ListByStatus returns up to limit records in status, oldest change first.
// A limit of zero or less returns all of them.
func (s *Store) ListByStatus(ctx context.Context, status types.Status, limit int) ([]types.PaperRecord, error) {
	query := `SELECT * FROM papers WHERE status = ? ORDER BY modified_at, id`
	args := []any{string(status)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	var rows []paperRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, storeErr("list "+string(status), err)
	}
	recs := make([]types.PaperRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := fromRow(row)
		if err != nil {
			return nil, storeErr("list "+string(status), err)
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// Counts returns the number of records in each status. Every known status
// is present in the result.
func (s *Store) Counts(ctx context.Context) (map[types.Status]int, error) {
	var rows []struct {
		Status string `db:"status"`
		N      int    `db:"n"`
	}
	if err := s.db.SelectContext(ctx, &rows, `SELECT status, COUNT(*) AS n FROM papers GROUP BY status`); err != nil {
		return nil, storeErr("counts", err)
	}
	counts := make(map[types.Status]int, len(types.Statuses))
	for _, st := range types.Statuses {
		counts[st] = 0
	}
	for _, r := range rows {
		counts[types.Status(r.Status)] = r.N
	}
	return counts, nil
}

func getRow(ctx context.Context, q sqlx.QueryerContext, id string) (paperRow, error) {
	var row paperRow
	err := sqlx.GetContext(ctx, q, &row, `SELECT * FROM papers WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return paperRow{}, fmt.Errorf("%w: %s", types.ErrNotFound, id)
	}
	return row, err
}

// storeErr wraps database failures as ErrStoreUnavailable. Lifecycle errors
// and cancellation pass through with context added.
func storeErr(op string, err error) error {
	if errors.Is(err, types.ErrNotFound) ||
		errors.Is(err, types.ErrInvalidTransition) ||
		errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", types.ErrStoreUnavailable, op, err)
}

func toRow(p types.PaperRecord) paperRow {
	return paperRow{
		ID:              p.ID,
		Title:           p.Title,
		Authors:         encodeList(p.Authors),
		Summary:         p.Summary,
		PublishedAt:     formatTime(p.PublishedAt),
		UpdatedAt:       formatTime(p.UpdatedAt),
		Categories:      encodeList(p.Categories),
		PrimaryCategory: p.PrimaryCategory,
		PDFURL:          p.PDFURL,
		LocalPath:       p.LocalPath,
		Status:          string(p.Status),
		AttemptCount:    p.AttemptCount,
		LastError:       p.LastError,
		IngestedAt:      formatTime(p.IngestedAt),
		ModifiedAt:      formatTime(p.ModifiedAt),
	}
}

func fromRow(r paperRow) (types.PaperRecord, error) {
	p := types.PaperRecord{
		ID:              r.ID,
		Title:           r.Title,
		Summary:         r.Summary,
		PrimaryCategory: r.PrimaryCategory,
		PDFURL:          r.PDFURL,
		LocalPath:       r.LocalPath,
		Status:          types.Status(r.Status),
		AttemptCount:    r.AttemptCount,
		LastError:       r.LastError,
	}
	var err error
	if p.Authors, err = decodeList(r.Authors); err != nil {
		return p, fmt.Errorf("decoding authors of %s: %w", r.ID, err)
	}
	if p.Categories, err = decodeList(r.Categories); err != nil {
		return p, fmt.Errorf("decoding categories of %s: %w", r.ID, err)
	}
	for _, f := range []struct {
		dst *time.Time
		src string
	}{
		{&p.PublishedAt, r.PublishedAt},
		{&p.UpdatedAt, r.UpdatedAt},
		{&p.IngestedAt, r.IngestedAt},
		{&p.ModifiedAt, r.ModifiedAt},
	} {
		if *f.dst, err = parseTime(f.src); err != nil {
			return p, fmt.Errorf("decoding time of %s: %w", r.ID, err)
		}
	}
	return p, nil
}

func encodeList(v []string) string {
	if len(v) == 0 {
		return "[]"
	}
	data, _ := json.Marshal(v)
	return string(data)
}

func decodeList(s string) ([]string, error) {
	if s == "" || s == "[]" {
		return nil, nil
	}
	var v []string
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, err
	}
	return v, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
