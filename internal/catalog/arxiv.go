// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package catalog queries the arXiv API and yields validated PaperRecords as
// a lazy sequence. Pagination and retry of transient page failures are
// handled internally; a query that fails midway ends the sequence with an
// error wrapping types.ErrCatalogUnavailable.
package catalog

import (
	"context"
	"encoding/xml"
	"fmt"
	"iter"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/pdiddy/paper-ingest/internal/httputil"
	"github.com/pdiddy/paper-ingest/internal/logger"
	"github.com/pdiddy/paper-ingest/pkg/types"
)

// DefaultBaseURL is the arXiv query endpoint.
const DefaultBaseURL = "https://export.arxiv.org/api/query"

const (
	defaultPageSize   = 100
	defaultMaxResults = 50
)

// Client queries the arXiv Atom API.
type Client struct {
	http *resty.Client
	cfg  types.CatalogConfig
	log  *logger.Logger
}

// New returns a Client. Transient page failures (timeouts, connection
// errors, 408, 429, 5xx) are retried cfg.MaxRetries times with jittered
// exponential backoff between cfg.RetryWaitMin and cfg.RetryWaitMax.
func New(cfg types.CatalogConfig, log *logger.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = defaultMaxResults
	}
	log = log.WithField("component", "catalog")

	r := resty.NewWithClient(httputil.NewClient(cfg.HTTPConfig)).
		SetHeader("User-Agent", cfg.UserAgent).
		SetHeader("Accept", "application/atom+xml").
		SetRetryCount(cfg.MaxRetries).
		SetRetryWaitTime(cfg.RetryWaitMin).
		SetRetryMaxWaitTime(cfg.RetryWaitMax).
		AddRetryCondition(func(resp *resty.Response, err error) bool {
			if err != nil {
				return httputil.IsTransientError(err)
			}
			return resp != nil && httputil.IsTransientStatus(resp.StatusCode())
		}).
		AddRetryHook(func(resp *resty.Response, err error) {
			entry := log
			if resp != nil && resp.Request != nil {
				entry = entry.WithField("attempt", resp.Request.Attempt)
			}
			if err != nil {
				entry = entry.WithError(err)
			} else if resp != nil {
				entry = entry.WithField("status", resp.StatusCode())
			}
			entry.Warn("catalog page failed, retrying")
		})

	return &Client{http: r, cfg: cfg, log: log}
}

// Search returns a finite, non-restartable sequence of records matching
// query, at most maxResults long (cfg.MaxResults when maxResults <= 0).
// Entries without a usable identifier or PDF URL are skipped. If a page
// cannot be fetched the sequence yields one error wrapping
// types.ErrCatalogUnavailable and stops; if ctx is cancelled it yields
// ctx.Err() unwrapped instead.
func (c *Client) Search(ctx context.Context, query string, maxResults int) iter.Seq2[types.PaperRecord, error] {
	return func(yield func(types.PaperRecord, error) bool) {
		q := BuildQuery(query)
		if q == "" {
			yield(types.PaperRecord{}, fmt.Errorf("%w: empty query", types.ErrCatalogUnavailable))
			return
		}
		if maxResults <= 0 {
			maxResults = c.cfg.MaxResults
		}
		log := logger.FromContextOr(ctx, c.log).WithField("component", "catalog")

		yielded := 0
		start := 0
		for yielded < maxResults {
			if start > 0 && c.cfg.PageDelay > 0 {
				select {
				case <-ctx.Done():
					yield(types.PaperRecord{}, ctx.Err())
					return
				case <-time.After(c.cfg.PageDelay):
				}
			}

			size := min(c.cfg.PageSize, maxResults-yielded)
			feed, err := c.fetchPage(ctx, log, q, start, size)
			if ctx.Err() != nil {
				// Cancelled by the caller, not a catalog failure.
				yield(types.PaperRecord{}, ctx.Err())
				return
			}
			if err != nil {
				yield(types.PaperRecord{}, err)
				return
			}
			if len(feed.Entries) == 0 {
				return
			}

			for _, e := range feed.Entries {
				rec, err := e.record()
				if err != nil {
					log.WithError(err).WithField("entry", strings.TrimSpace(e.ID)).Warn("skipping catalog entry")
					continue
				}
				if !yield(rec, nil) {
					return
				}
				yielded++
				if yielded >= maxResults {
					return
				}
			}

			start += len(feed.Entries)
			if feed.TotalResults > 0 && start >= feed.TotalResults {
				return
			}
		}
	}
}

func (c *Client) fetchPage(ctx context.Context, log *logger.Logger, q string, start, size int) (*atomFeed, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"search_query": q,
			"start":        strconv.Itoa(start),
			"max_results":  strconv.Itoa(size),
			"sortBy":       "submittedDate",
			"sortOrder":    "descending",
		}).
		Get(c.cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: page at %d: %w", types.ErrCatalogUnavailable, start, err)
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("%w: page at %d: %w", types.ErrCatalogUnavailable, start,
			&httputil.StatusError{Code: resp.StatusCode(), URL: c.cfg.BaseURL})
	}

	var feed atomFeed
	if err := xml.Unmarshal(resp.Body(), &feed); err != nil {
		return nil, fmt.Errorf("%w: parsing page at %d: %w", types.ErrCatalogUnavailable, start, err)
	}
	log.WithFields(logger.Fields{
		"start":   start,
		"entries": len(feed.Entries),
		"total":   feed.TotalResults,
	}).Debug("fetched catalog page")
	return &feed, nil
}

// fieldPrefix matches arXiv field-qualified search terms such as "cat:cs.AI".
var fieldPrefix = regexp.MustCompile(`(^|[\s(])(all|ti|au|abs|co|jr|cat|rn|id):`)

// BuildQuery turns free text into an arXiv search_query. Expressions that
// already use field prefixes pass through unchanged; plain words are each
// searched across all fields and AND-ed together.
func BuildQuery(query string) string {
	query = strings.TrimSpace(query)
	if query == "" {
		return ""
	}
	if fieldPrefix.MatchString(query) {
		return query
	}
	terms := strings.Fields(query)
	for i, t := range terms {
		terms[i] = "all:" + t
	}
	return strings.Join(terms, " AND ")
}

// arXiv Atom feed XML structures.
type atomFeed struct {
	TotalResults int         `xml:"http://a9.com/-/spec/opensearch/1.1/ totalResults"`
	Entries      []atomEntry `xml:"entry"`
}

type atomEntry struct {
	ID              string       `xml:"id"`
	Title           string       `xml:"title"`
	Summary         string       `xml:"summary"`
	Published       string       `xml:"published"`
	Updated         string       `xml:"updated"`
	Authors         []atomAuthor `xml:"author"`
	Links           []atomLink   `xml:"link"`
	Categories      []atomTerm   `xml:"category"`
	PrimaryCategory atomTerm     `xml:"http://arxiv.org/schemas/atom primary_category"`
}

type atomAuthor struct {
	Name string `xml:"name"`
}

type atomLink struct {
	Href  string `xml:"href,attr"`
	Rel   string `xml:"rel,attr"`
	Title string `xml:"title,attr"`
	Type  string `xml:"type,attr"`
}

type atomTerm struct {
	Term string `xml:"term,attr"`
}

// record converts an entry into a validated PaperRecord.
func (e atomEntry) record() (types.PaperRecord, error) {
	id := extractArxivID(strings.TrimSpace(e.ID))
	if id == "" {
		return types.PaperRecord{}, fmt.Errorf("no arXiv identifier in %q", e.ID)
	}

	pdfURL := e.pdfLink()
	if err := validateURL(pdfURL); err != nil {
		return types.PaperRecord{}, fmt.Errorf("entry %s: %w", id, err)
	}

	rec := types.PaperRecord{
		ID:              id,
		Title:           collapseSpace(e.Title),
		Summary:         strings.TrimSpace(e.Summary),
		PDFURL:          pdfURL,
		PrimaryCategory: e.PrimaryCategory.Term,
		Status:          types.StatusDiscovered,
	}
	for _, a := range e.Authors {
		if name := collapseSpace(a.Name); name != "" {
			rec.Authors = append(rec.Authors, name)
		}
	}
	for _, c := range e.Categories {
		if c.Term != "" {
			rec.Categories = append(rec.Categories, c.Term)
		}
	}
	if t, err := time.Parse(time.RFC3339, strings.TrimSpace(e.Published)); err == nil {
		rec.PublishedAt = t.UTC()
	}
	if t, err := time.Parse(time.RFC3339, strings.TrimSpace(e.Updated)); err == nil {
		rec.UpdatedAt = t.UTC()
	}
	return rec, nil
}

// pdfLink returns the entry's PDF link, falling back to the abs URL
// rewritten to the pdf path.
func (e atomEntry) pdfLink() string {
	for _, l := range e.Links {
		if l.Title == "pdf" || l.Type == "application/pdf" {
			return strings.TrimSpace(l.Href)
		}
	}
	abs := strings.TrimSpace(e.ID)
	if strings.Contains(abs, "/abs/") {
		return strings.Replace(abs, "/abs/", "/pdf/", 1)
	}
	return ""
}

func validateURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("missing PDF URL")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("malformed PDF URL %q: %w", raw, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("malformed PDF URL %q", raw)
	}
	return nil
}

// extractArxivID pulls the arXiv ID from the entry's <id> URL
// (e.g. "http://arxiv.org/abs/2301.07041v1" → "2301.07041").
func extractArxivID(idURL string) string {
	const prefix = "/abs/"
	idx := strings.Index(idURL, prefix)
	if idx < 0 {
		return ""
	}
	id := idURL[idx+len(prefix):]

	// Strip version suffix (e.g. "v1", "v2").
	if vIdx := strings.LastIndex(id, "v"); vIdx > 0 {
		if _, err := strconv.Atoi(id[vIdx+1:]); err == nil {
			id = id[:vIdx]
		}
	}
	return id
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
