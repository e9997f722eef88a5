// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package httputil provides HTTP helpers shared by the catalog client and the
// artifact downloader: client construction and transient-failure classification.
package httputil

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/pdiddy/paper-ingest/pkg/types"
)

const defaultTimeout = 60 * time.Second

// NewClient returns an http.Client with pooled connections. The timeout
// bounds one request including reading the body.
func NewClient(cfg types.HTTPConfig) *http.Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 20,
			IdleConnTimeout:     30 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}
}

// StatusError reports a non-200 HTTP response.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d from %s", e.Code, e.URL)
}

// IsTransientStatus reports whether an HTTP status is worth retrying:
// 408, 429, and every 5xx.
func IsTransientStatus(code int) bool {
	return code == http.StatusRequestTimeout ||
		code == http.StatusTooManyRequests ||
		code >= 500
}

// IsTransientError reports whether a transport-level error is worth
// retrying: timeouts, refused or reset connections, and truncated bodies.
// Cancellation by the caller and unknown hosts are not transient.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return !dnsErr.IsNotFound
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// IsHostNotFound reports whether err is a DNS lookup that found no such host.
func IsHostNotFound(err error) bool {
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr) && dnsErr.IsNotFound
}

// Classify wraps err in the ingestion taxonomy: transient failures become
// ErrNetworkTransient; a permanent StatusError or an unknown host becomes
// ErrInvalidArtifact.
// Anything else is returned unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var se *StatusError
	if errors.As(err, &se) {
		if IsTransientStatus(se.Code) {
			return fmt.Errorf("%w: %w", types.ErrNetworkTransient, err)
		}
		return fmt.Errorf("%w: %w", types.ErrInvalidArtifact, err)
	}
	if IsHostNotFound(err) {
		return fmt.Errorf("%w: %w", types.ErrInvalidArtifact, err)
	}
	if IsTransientError(err) {
		return fmt.Errorf("%w: %w", types.ErrNetworkTransient, err)
	}
	return err
}

// Drain discards the rest of a response body and closes it so the
// connection can be reused.
func Drain(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
}
