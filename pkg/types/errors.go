// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package types

import "errors"

// Error taxonomy shared by every stage. Components wrap these with context
// (identifier, stage, cause) using fmt.Errorf("%w: ...").
var (
	// ErrCatalogUnavailable aborts the fetch stage.
	ErrCatalogUnavailable = errors.New("catalog unavailable")

	// ErrStoreUnavailable fails persistence of a single record.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrInvalidArtifact is a permanent download failure.
	ErrInvalidArtifact = errors.New("invalid artifact")

	// ErrNetworkTransient is retried per the backoff schedule.
	ErrNetworkTransient = errors.New("transient network error")

	// ErrInvalidTransition guards the status machine against duplicate completions.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
)

// Error kind names reported in run summaries.
const (
	KindCatalogUnavailable = "CatalogUnavailable"
	KindStoreUnavailable   = "StoreUnavailable"
	KindInvalidArtifact    = "InvalidArtifact"
	KindNetworkTransient   = "NetworkTransient"
	KindInvalidTransition  = "InvalidTransition"
	KindNotFound           = "NotFound"
	KindInternal           = "Internal"
)

var kinds = []struct {
	err  error
	name string
}{
	{ErrInvalidTransition, KindInvalidTransition},
	{ErrCatalogUnavailable, KindCatalogUnavailable},
	{ErrStoreUnavailable, KindStoreUnavailable},
	{ErrInvalidArtifact, KindInvalidArtifact},
	{ErrNetworkTransient, KindNetworkTransient},
	{ErrNotFound, KindNotFound},
}

// KindOf returns the taxonomy name for err, or KindInternal when err wraps
// none of the sentinel errors. It returns "" for a nil error.
func KindOf(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return KindInternal
}

// IsRetryable reports whether err should be retried under a backoff schedule.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrNetworkTransient)
}
