// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package download fetches PDF artifacts, validates them while streaming to
// a staged file, and publishes them atomically through a Publisher.
package download

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/pdiddy/paper-ingest/internal/httputil"
	"github.com/pdiddy/paper-ingest/internal/logger"
	"github.com/pdiddy/paper-ingest/pkg/types"
)

const defaultMinBytes = 1024

var pdfMagic = []byte("%PDF-")

// acceptedTypes are the Content-Type values a PDF may be served with. An
// absent header is also accepted; the magic bytes decide.
var acceptedTypes = map[string]bool{
	"application/pdf":          true,
	"application/x-pdf":        true,
	"application/octet-stream": true,
	"binary/octet-stream":      true,
}

// Artifact describes a published download.
type Artifact struct {
	Location string `json:"location"`
	Size     int64  `json:"size"`
	SHA256   string `json:"sha256,omitempty"`

	// Skipped is set when the artifact was already published and no
	// request was made.
	Skipped bool `json:"skipped,omitempty"`
}

// Downloader performs single artifact fetches. It does not retry; callers
// decide from the error kind.
type Downloader struct {
	client *http.Client
	pub    Publisher
	cfg    types.DownloadConfig
	log    *logger.Logger
}

// New returns a Downloader publishing through pub. cfg.Timeout bounds each
// fetch including the body.
func New(cfg types.DownloadConfig, pub Publisher, log *logger.Logger) *Downloader {
	if cfg.MinBytes <= 0 {
		cfg.MinBytes = defaultMinBytes
	}
	return &Downloader{
		client: httputil.NewClient(cfg.HTTPConfig),
		pub:    pub,
		cfg:    cfg,
		log:    log.WithField("component", "download"),
	}
}

// Fetch downloads url and publishes it under key. The response body is
// streamed to a staged file and hashed on the way; nothing appears at the
// final location unless the whole body arrived and passed validation.
//
// Errors wrap types.ErrInvalidArtifact for permanent problems (non-200
// permanent status, wrong content type, bad magic, size out of bounds,
// structural validation failure) and types.ErrNetworkTransient for
// failures worth retrying.
func (d *Downloader) Fetch(ctx context.Context, url, key string) (Artifact, error) {
	log := logger.FromContextOr(ctx, d.log).WithFields(logger.Fields{"component": "download", "key": key})

	if art, ok, err := d.pub.Lookup(ctx, key); err != nil {
		log.WithError(err).Warn("artifact lookup failed, downloading")
	} else if ok {
		log.Debug("artifact already published")
		return art, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Artifact{}, fmt.Errorf("%w: creating request: %w", types.ErrInvalidArtifact, err)
	}
	if d.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", d.cfg.UserAgent)
	}
	req.Header.Set("Accept", "application/pdf")

	resp, err := d.client.Do(req)
	if err != nil {
		return Artifact{}, fmt.Errorf("fetching %s: %w", url, httputil.Classify(err))
	}
	defer httputil.Drain(resp)

	if resp.StatusCode != http.StatusOK {
		return Artifact{}, httputil.Classify(&httputil.StatusError{Code: resp.StatusCode, URL: url})
	}
	if err := d.checkHeaders(resp); err != nil {
		return Artifact{}, fmt.Errorf("%w: %s: %s", types.ErrInvalidArtifact, url, err)
	}

	br := bufio.NewReader(resp.Body)
	head, err := br.Peek(len(pdfMagic))
	if err != nil {
		if errors.Is(err, io.EOF) {
			return Artifact{}, fmt.Errorf("%w: %s: body shorter than PDF header", types.ErrInvalidArtifact, url)
		}
		return Artifact{}, fmt.Errorf("reading %s: %w", url, httputil.Classify(err))
	}
	if !bytes.Equal(head, pdfMagic) {
		return Artifact{}, fmt.Errorf("%w: %s: missing PDF header", types.ErrInvalidArtifact, url)
	}

	tmp, err := d.pub.Stage(key)
	if err != nil {
		return Artifact{}, fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	art, err := d.stream(br, resp.ContentLength, tmp)
	if err != nil {
		os.Remove(tmpPath)
		return Artifact{}, fmt.Errorf("%s: %w", url, err)
	}

	if d.cfg.DeepValidate {
		if err := api.ValidateFile(tmpPath, model.NewDefaultConfiguration()); err != nil {
			os.Remove(tmpPath)
			return Artifact{}, fmt.Errorf("%w: %s: %w", types.ErrInvalidArtifact, url, err)
		}
	}

	loc, err := d.pub.Publish(ctx, tmpPath, key, art.Size)
	if err != nil {
		os.Remove(tmpPath)
		return Artifact{}, err
	}
	art.Location = loc

	log.WithFields(logger.Fields{
		"bytes":    art.Size,
		"location": loc,
	}).Debug("artifact published")
	return art, nil
}

func (d *Downloader) checkHeaders(resp *http.Response) error {
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		mt, _, err := mime.ParseMediaType(ct)
		if err != nil || !acceptedTypes[mt] {
			return fmt.Errorf("unexpected content type %q", ct)
		}
	}
	if resp.ContentLength >= 0 && resp.ContentLength < d.cfg.MinBytes {
		return fmt.Errorf("content length %d below minimum %d", resp.ContentLength, d.cfg.MinBytes)
	}
	if d.cfg.MaxBytes > 0 && resp.ContentLength > d.cfg.MaxBytes {
		return fmt.Errorf("content length %d above maximum %d", resp.ContentLength, d.cfg.MaxBytes)
	}
	return nil
}

// stream copies r into f while hashing it and enforces the size bounds.
// f is closed on return.
func (d *Downloader) stream(r io.Reader, declared int64, f *os.File) (Artifact, error) {
	if d.cfg.MaxBytes > 0 {
		r = io.LimitReader(r, d.cfg.MaxBytes+1)
	}
	h := sha256.New()
	n, copyErr := io.Copy(io.MultiWriter(f, h), r)
	closeErr := f.Close()

	switch {
	case copyErr != nil:
		return Artifact{}, fmt.Errorf("writing download: %w", httputil.Classify(copyErr))
	case closeErr != nil:
		return Artifact{}, fmt.Errorf("closing temp file: %w", closeErr)
	case declared >= 0 && n != declared:
		return Artifact{}, fmt.Errorf("%w: got %d of %d bytes: %w", types.ErrNetworkTransient, n, declared, io.ErrUnexpectedEOF)
	case d.cfg.MaxBytes > 0 && n > d.cfg.MaxBytes:
		return Artifact{}, fmt.Errorf("%w: body exceeds %d bytes", types.ErrInvalidArtifact, d.cfg.MaxBytes)
	case n < d.cfg.MinBytes:
		return Artifact{}, fmt.Errorf("%w: %d bytes below minimum %d", types.ErrInvalidArtifact, n, d.cfg.MinBytes)
	}
	return Artifact{Size: n, SHA256: hex.EncodeToString(h.Sum(nil))}, nil
}

// hasPDFMagic reports whether the file at path starts with the PDF header.
func hasPDFMagic(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()
	head := make([]byte, len(pdfMagic))
	if _, err := io.ReadFull(f, head); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return false, nil
		}
		return false, err
	}
	return bytes.Equal(head, pdfMagic), nil
}
