// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package ingest

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdiddy/paper-ingest/internal/catalog"
	"github.com/pdiddy/paper-ingest/internal/download"
	"github.com/pdiddy/paper-ingest/internal/logger"
	"github.com/pdiddy/paper-ingest/internal/pool"
	"github.com/pdiddy/paper-ingest/internal/store"
	"github.com/pdiddy/paper-ingest/pkg/types"
)

// fakeCatalog yields recs, then err when set.
type fakeCatalog struct {
	recs []types.PaperRecord
	err  error
}

func (f fakeCatalog) Search(_ context.Context, _ string, maxResults int) iter.Seq2[types.PaperRecord, error] {
	return func(yield func(types.PaperRecord, error) bool) {
		for i, r := range f.recs {
			if maxResults > 0 && i >= maxResults {
				return
			}
			if !yield(r, nil) {
				return
			}
		}
		if f.err != nil {
			yield(types.PaperRecord{}, f.err)
		}
	}
}

// fakeFetcher succeeds unless fail has an entry for the URL.
type fakeFetcher struct {
	mu    sync.Mutex
	calls map[string]int
	fail  map[string]error
	hook  func(url string)
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{calls: map[string]int{}, fail: map[string]error{}}
}

func (f *fakeFetcher) Fetch(_ context.Context, url, key string) (download.Artifact, error) {
	f.mu.Lock()
	f.calls[url]++
	err := f.fail[url]
	hook := f.hook
	f.mu.Unlock()
	if hook != nil {
		hook(url)
	}
	if err != nil {
		return download.Artifact{}, err
	}
	return download.Artifact{Location: "/pdfs/" + key, Size: 2048}, nil
}

func (f *fakeFetcher) callsFor(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

func paper(id string) types.PaperRecord {
	return types.PaperRecord{
		ID:      id,
		Title:   "Paper " + id,
		Authors: []string{"A. Author"},
		PDFURL:  "http://example.org/pdf/" + id,
		Status:  types.StatusDiscovered,
	}
}

func papers(ids ...string) []types.PaperRecord {
	recs := make([]types.PaperRecord, len(ids))
	for i, id := range ids {
		recs[i] = paper(id)
	}
	return recs
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(types.StoreConfig{Path: filepath.Join(t.TempDir(), "papers.db")})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func fastOptions() Options {
	return Options{
		Concurrency: 3,
		Policy:      pool.RetryPolicy{MaxAttempts: 3, Backoff: []time.Duration{time.Millisecond}},
	}
}

func statusOf(t *testing.T, s *store.Store, id string) types.PaperRecord {
	t.Helper()
	rec, err := s.Get(context.Background(), id)
	require.NoError(t, err)
	return rec
}

func TestRun_AllSucceed(t *testing.T) {
	s := openStore(t)
	f := newFakeFetcher()
	e := New(fakeCatalog{recs: papers("2401.00001", "2401.00002", "2401.00003")}, s, f, fastOptions(), logger.Discard())

	sum, err := e.Run(context.Background(), "transformer", 3)
	require.NoError(t, err)

	assert.Equal(t, types.RunCompleted, sum.State)
	assert.Equal(t, 3, sum.Discovered)
	assert.Equal(t, 3, sum.Stored)
	assert.Equal(t, 3, sum.New)
	assert.Equal(t, 3, sum.Downloaded)
	assert.Equal(t, 0, sum.Failed)
	assert.Equal(t, int64(3*2048), sum.BytesDownloaded)
	assert.False(t, sum.HasFailures())
	assert.NotEmpty(t, sum.RunID)
	assert.Equal(t, "transformer", sum.Query)

	rec := statusOf(t, s, "2401.00002")
	assert.Equal(t, types.StatusDownloaded, rec.Status)
	assert.Equal(t, "/pdfs/2401.00002.pdf", rec.LocalPath)
	assert.Equal(t, 1, rec.AttemptCount)
}

func TestRun_RerunIsNoOpForDownloaded(t *testing.T) {
	s := openStore(t)
	f := newFakeFetcher()
	e := New(fakeCatalog{recs: papers("a", "b")}, s, f, fastOptions(), logger.Discard())

	_, err := e.Run(context.Background(), "q", 2)
	require.NoError(t, err)
	sum, err := e.Run(context.Background(), "q", 2)
	require.NoError(t, err)

	assert.Equal(t, 2, sum.Stored)
	assert.Equal(t, 0, sum.New)
	assert.Equal(t, 0, sum.Scheduled)
	assert.Equal(t, 1, f.callsFor("http://example.org/pdf/a"))
	assert.Equal(t, 1, statusOf(t, s, "a").AttemptCount)
}

func TestRun_PermanentFailureNotRetriedOnRerun(t *testing.T) {
	s := openStore(t)
	f := newFakeFetcher()
	f.fail["http://example.org/pdf/b"] = fmt.Errorf("%w: HTTP 404", types.ErrInvalidArtifact)

	first := New(fakeCatalog{recs: papers("a", "b", "c")}, s, f, fastOptions(), logger.Discard())
	sum, err := first.Run(context.Background(), "q", 10)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Downloaded)
	assert.Equal(t, 1, sum.Failed)
	require.Len(t, sum.Failures, 1)
	assert.Equal(t, "b", sum.Failures[0].ID)
	assert.Equal(t, types.StageDownloading, sum.Failures[0].Stage)
	assert.Equal(t, types.KindInvalidArtifact, sum.Failures[0].Kind)

	failed := statusOf(t, s, "b")
	assert.Equal(t, types.StatusFailed, failed.Status)
	assert.Equal(t, 1, failed.AttemptCount, "permanent errors are not retried")
	assert.Contains(t, failed.LastError, "HTTP 404")

	second := New(fakeCatalog{recs: papers("a", "b", "c", "d")}, s, f, fastOptions(), logger.Discard())
	sum, err = second.Run(context.Background(), "q", 10)
	require.NoError(t, err)
	assert.Equal(t, 4, sum.Discovered)
	assert.Equal(t, 1, sum.New)
	assert.Equal(t, 1, sum.Scheduled)
	assert.Equal(t, 1, sum.Downloaded)
	assert.Equal(t, 0, sum.Failed)

	assert.Equal(t, 1, f.callsFor("http://example.org/pdf/b"))
	assert.Equal(t, 1, f.callsFor("http://example.org/pdf/d"))
	assert.Equal(t, types.StatusFailed, statusOf(t, s, "b").Status)
}

func TestRun_AutoPolicyRetriesFailed(t *testing.T) {
	s := openStore(t)
	f := newFakeFetcher()
	f.fail["http://example.org/pdf/b"] = fmt.Errorf("%w: HTTP 404", types.ErrInvalidArtifact)

	opts := fastOptions()
	opts.FailedPolicy = types.FailedAuto
	e := New(fakeCatalog{recs: papers("a", "b")}, s, f, opts, logger.Discard())

	_, err := e.Run(context.Background(), "q", 10)
	require.NoError(t, err)

	f.mu.Lock()
	delete(f.fail, "http://example.org/pdf/b")
	f.mu.Unlock()

	sum, err := e.Run(context.Background(), "q", 10)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Scheduled)
	assert.Equal(t, 1, sum.Downloaded)

	rec := statusOf(t, s, "b")
	assert.Equal(t, types.StatusDownloaded, rec.Status)
	assert.Equal(t, 2, rec.AttemptCount)
}

func TestRun_ExplicitResetPicksUpFailed(t *testing.T) {
	s := openStore(t)
	f := newFakeFetcher()
	f.fail["http://example.org/pdf/a"] = fmt.Errorf("%w: HTTP 410", types.ErrInvalidArtifact)
	e := New(fakeCatalog{recs: papers("a")}, s, f, fastOptions(), logger.Discard())

	_, err := e.Run(context.Background(), "q", 1)
	require.NoError(t, err)
	_, err = s.ResetFailed(context.Background(), "a")
	require.NoError(t, err)

	f.mu.Lock()
	delete(f.fail, "http://example.org/pdf/a")
	f.mu.Unlock()

	sum, err := e.Run(context.Background(), "q", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Downloaded)
	assert.Equal(t, types.StatusDownloaded, statusOf(t, s, "a").Status)
}

func TestRun_RetryExhaustion(t *testing.T) {
	s := openStore(t)
	f := newFakeFetcher()
	f.fail["http://example.org/pdf/a"] = fmt.Errorf("%w: HTTP 503", types.ErrNetworkTransient)

	e := New(fakeCatalog{recs: papers("a")}, s, f, fastOptions(), logger.Discard())
	sum, err := e.Run(context.Background(), "q", 1)
	require.NoError(t, err)

	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, types.KindNetworkTransient, sum.Failures[0].Kind)
	assert.Equal(t, 3, f.callsFor("http://example.org/pdf/a"))

	rec := statusOf(t, s, "a")
	assert.Equal(t, types.StatusFailed, rec.Status)
	assert.Equal(t, 3, rec.AttemptCount)
}

func TestRun_CatalogFailureAborts(t *testing.T) {
	s := openStore(t)
	f := newFakeFetcher()
	cat := fakeCatalog{
		recs: papers("a", "b"),
		err:  fmt.Errorf("%w: page at 2: HTTP 503", types.ErrCatalogUnavailable),
	}
	e := New(cat, s, f, fastOptions(), logger.Discard())

	sum, err := e.Run(context.Background(), "q", 10)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrCatalogUnavailable)
	assert.Equal(t, types.RunAborted, sum.State)
	assert.Contains(t, sum.AbortCause, "HTTP 503")
	assert.Equal(t, 2, sum.Stored)
	assert.Equal(t, 0, sum.Downloaded)
	assert.Equal(t, 0, sum.Scheduled)
	assert.Empty(t, f.calls, "no downloads after an abort")

	// the next healthy run resumes the stored records
	e = New(fakeCatalog{recs: papers("a", "b")}, s, f, fastOptions(), logger.Discard())
	sum, err = e.Run(context.Background(), "q", 10)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Downloaded)
	assert.Equal(t, 0, sum.New)
}

func TestRun_CatalogErrorWithoutTaxonomyIsWrapped(t *testing.T) {
	e := New(fakeCatalog{err: errors.New("socket closed")}, openStore(t), newFakeFetcher(), fastOptions(), logger.Discard())
	_, err := e.Run(context.Background(), "q", 10)
	assert.ErrorIs(t, err, types.ErrCatalogUnavailable)
}

// flakyStore fails upserts for one identifier.
type flakyStore struct {
	*store.Store
	badID string
}

func (f flakyStore) Upsert(ctx context.Context, rec types.PaperRecord) (types.PaperRecord, bool, error) {
	if rec.ID == f.badID {
		return types.PaperRecord{}, false, fmt.Errorf("%w: disk I/O error", types.ErrStoreUnavailable)
	}
	return f.Store.Upsert(ctx, rec)
}

func TestRun_StoreFailureIsPerRecord(t *testing.T) {
	s := openStore(t)
	f := newFakeFetcher()
	e := New(fakeCatalog{recs: papers("a", "bad", "c")}, flakyStore{Store: s, badID: "bad"}, f, fastOptions(), logger.Discard())

	sum, err := e.Run(context.Background(), "q", 10)
	require.NoError(t, err)
	assert.Equal(t, types.RunCompleted, sum.State)
	assert.Equal(t, 3, sum.Discovered)
	assert.Equal(t, 2, sum.Stored)
	assert.Equal(t, 2, sum.Downloaded)
	require.Len(t, sum.Failures, 1)
	assert.Equal(t, types.Failure{
		ID:      "bad",
		Stage:   types.StagePersisting,
		Kind:    types.KindStoreUnavailable,
		Message: "store unavailable: disk I/O error",
	}, sum.Failures[0])
}

func TestRun_CancelLeavesUnstartedPending(t *testing.T) {
	s := openStore(t)
	f := newFakeFetcher()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var once sync.Once
	f.hook = func(string) {
		once.Do(func() {
			cancel()
			time.Sleep(20 * time.Millisecond)
		})
	}

	opts := fastOptions()
	opts.Concurrency = 1
	e := New(fakeCatalog{recs: papers("a", "b", "c", "d")}, s, f, opts, logger.Discard())

	sum, err := e.Run(ctx, "q", 10)
	require.NoError(t, err)
	assert.Equal(t, types.RunCompleted, sum.State)
	assert.Equal(t, 4, sum.Scheduled)
	assert.Equal(t, 1, sum.Downloaded, "the in-flight download is recorded")
	assert.Equal(t, 3, sum.Interrupted)
	assert.Equal(t, sum.Scheduled, sum.Downloaded+sum.Failed+sum.Interrupted)

	pending, err := s.ListByStatus(context.Background(), types.StatusDownloadPending, 0)
	require.NoError(t, err)
	assert.Len(t, pending, 3)
}

// pendingFailStore fails the first MarkPending for one identifier.
type pendingFailStore struct {
	*store.Store
	badID  string
	failed bool
}

func (f *pendingFailStore) MarkPending(ctx context.Context, id string) (types.PaperRecord, error) {
	if id == f.badID && !f.failed {
		f.failed = true
		return types.PaperRecord{}, fmt.Errorf("%w: database is locked", types.ErrStoreUnavailable)
	}
	return f.Store.MarkPending(ctx, id)
}

func TestRun_SchedulesStrandedRecords(t *testing.T) {
	s := openStore(t)
	f := newFakeFetcher()

	// stored by a run that stopped before scheduling the download
	_, wasNew, err := s.Upsert(context.Background(), paper("2301.00001"))
	require.NoError(t, err)
	require.True(t, wasNew)
	require.Equal(t, types.StatusMetadataStored, statusOf(t, s, "2301.00001").Status)

	e := New(fakeCatalog{recs: papers("2301.00002")}, s, f, fastOptions(), logger.Discard())
	sum, err := e.Run(context.Background(), "q", 10)
	require.NoError(t, err)

	assert.Equal(t, 2, sum.Scheduled)
	assert.Equal(t, 2, sum.Downloaded)
	assert.Equal(t, types.StatusDownloaded, statusOf(t, s, "2301.00001").Status)
	assert.Equal(t, 1, f.callsFor("http://example.org/pdf/2301.00001"))
}

func TestRun_MarkPendingFailureRecoveredSameRun(t *testing.T) {
	s := openStore(t)
	f := newFakeFetcher()
	st := &pendingFailStore{Store: s, badID: "b"}
	e := New(fakeCatalog{recs: papers("a", "b")}, st, f, fastOptions(), logger.Discard())

	sum, err := e.Run(context.Background(), "q", 10)
	require.NoError(t, err)

	require.Len(t, sum.Failures, 1)
	assert.Equal(t, types.StagePersisting, sum.Failures[0].Stage)
	assert.Equal(t, 2, sum.Downloaded)
	assert.Equal(t, types.StatusDownloaded, statusOf(t, s, "b").Status)
}

func TestRun_CancelDuringFetchIsInterrupted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f := newFakeFetcher()
	e := New(fakeCatalog{err: context.Canceled}, openStore(t), f, fastOptions(), logger.Discard())

	sum, err := e.Run(ctx, "q", 10)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, types.ErrCatalogUnavailable)
	assert.Equal(t, types.RunAborted, sum.State)
	assert.True(t, strings.HasPrefix(sum.AbortCause, "interrupted: "), sum.AbortCause)
	assert.Empty(t, f.calls)
}

func TestRun_FetchContextCarriesPaperLogger(t *testing.T) {
	s := openStore(t)

	var mu sync.Mutex
	seen := map[string]any{}
	f := fetcherFunc(func(ctx context.Context, url, key string) (download.Artifact, error) {
		mu.Lock()
		seen[key] = logger.FromContext(ctx).Data["paper_id"]
		mu.Unlock()
		return download.Artifact{Location: "/pdfs/" + key}, nil
	})
	e := New(fakeCatalog{recs: papers("2401.00001", "2401.00002")}, s, f, fastOptions(), logger.Discard())

	_, err := e.Run(context.Background(), "q", 10)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"2401.00001.pdf": "2401.00001",
		"2401.00002.pdf": "2401.00002",
	}, seen)
}

type fetcherFunc func(ctx context.Context, url, key string) (download.Artifact, error)

func (f fetcherFunc) Fetch(ctx context.Context, url, key string) (download.Artifact, error) {
	return f(ctx, url, key)
}

const atomFeed = `<?xml version="1.0" encoding="UTF-8"?>
<feed xmlns="http://www.w3.org/2005/Atom" xmlns:opensearch="http://a9.com/-/spec/opensearch/1.1/">
  <opensearch:totalResults>%d</opensearch:totalResults>
%s</feed>`

const atomEntry = `  <entry>
    <id>http://arxiv.org/abs/%[1]sv1</id>
    <published>2024-01-15T09:30:00Z</published>
    <title>Paper %[1]s</title>
    <summary>Abstract.</summary>
    <author><name>Alice Smith</name></author>
    <link title="pdf" href="%[2]s/pdf/%[1]sv1" rel="related" type="application/pdf"/>
  </entry>
`

func TestRun_EndToEnd(t *testing.T) {
	ids := []string{"2401.00001", "2401.00002", "2401.00003"}
	pdf := []byte("%PDF-1.4\n" + strings.Repeat("0", 4096))

	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/api/query", func(w http.ResponseWriter, r *http.Request) {
		var entries strings.Builder
		for _, id := range ids {
			fmt.Fprintf(&entries, atomEntry, id, srv.URL)
		}
		fmt.Fprintf(w, atomFeed, len(ids), entries.String())
	})
	mux.HandleFunc("/pdf/", func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "2401.00003") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/pdf")
		w.Write(pdf)
	})

	cat := catalog.New(types.CatalogConfig{
		HTTPConfig:   types.HTTPConfig{Timeout: 5 * time.Second},
		BaseURL:      srv.URL + "/api/query",
		RetryWaitMin: time.Millisecond,
		RetryWaitMax: time.Millisecond,
	}, logger.Discard())

	root := filepath.Join(t.TempDir(), "pdfs")
	pub, err := download.NewFSPublisher(root)
	require.NoError(t, err)
	dl := download.New(types.DownloadConfig{HTTPConfig: types.HTTPConfig{Timeout: 5 * time.Second}}, pub, logger.Discard())

	s := openStore(t)
	e := New(cat, s, dl, fastOptions(), logger.Discard())

	sum, err := e.Run(context.Background(), "transformer", 3)
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Discovered)
	assert.Equal(t, 3, sum.Stored)
	assert.Equal(t, 2, sum.Downloaded)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, types.KindInvalidArtifact, sum.Failures[0].Kind)

	rec := statusOf(t, s, "2401.00001")
	assert.Equal(t, types.StatusDownloaded, rec.Status)
	assert.Equal(t, pub.Path("2401.00001.pdf"), rec.LocalPath)
	assert.Equal(t, []string{"Alice Smith"}, rec.Authors)
}
