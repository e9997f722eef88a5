// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package types defines shared data structures for the paper ingestion core:
// the PaperRecord and its status machine, configuration, the run summary,
// and the error taxonomy every stage wraps its failures in.
package types

import (
	"fmt"
	"time"
)

// Status is the lifecycle position of a PaperRecord.
type Status string

const (
	StatusDiscovered      Status = "discovered"
	StatusMetadataStored  Status = "metadata_stored"
	StatusDownloadPending Status = "download_pending"
	StatusDownloaded      Status = "downloaded"
	StatusFailed          Status = "failed"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{
	StatusDiscovered,
	StatusMetadataStored,
	StatusDownloadPending,
	StatusDownloaded,
	StatusFailed,
}

// transitions holds the forward edges of the status machine. The single
// backward edge, failed → download_pending, is only reachable through an
// explicit reset and is listed separately in CanReset.
var transitions = map[Status][]Status{
	StatusDiscovered:      {StatusMetadataStored},
	StatusMetadataStored:  {StatusDownloadPending},
	StatusDownloadPending: {StatusDownloaded, StatusFailed},
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, known := range Statuses {
		if s == known {
			return true
		}
	}
	return false
}

// CanTransitionTo reports whether moving from s to next is a forward
// transition of the status machine.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// CanReset reports whether an explicit retry may move s back to download_pending.
func (s Status) CanReset() bool {
	return s == StatusFailed
}

// ParseStatus converts a string into a Status.
func ParseStatus(v string) (Status, error) {
	s := Status(v)
	if !s.Valid() {
		return "", fmt.Errorf("unknown status %q", v)
	}
	return s, nil
}

// PaperRecord holds one catalog entry and its ingestion state.
type PaperRecord struct {
	// ID is the stable catalog identifier without version suffix (e.g. "2301.07041").
	ID string `json:"id" yaml:"id"`

	// Title is the paper title.
	Title string `json:"title" yaml:"title"`

	// Authors lists the paper authors in catalog order.
	Authors []string `json:"authors" yaml:"authors"`

	// Summary is the paper abstract.
	Summary string `json:"summary" yaml:"summary"`

	// PublishedAt is the first submission time reported by the catalog.
	PublishedAt time.Time `json:"published_at" yaml:"published_at"`

	// UpdatedAt is the latest revision time reported by the catalog.
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`

	// Categories lists the catalog subject categories.
	Categories []string `json:"categories,omitempty" yaml:"categories,omitempty"`

	// PrimaryCategory is the main subject category (e.g. "cs.LG").
	PrimaryCategory string `json:"primary_category,omitempty" yaml:"primary_category,omitempty"`

	// PDFURL is the source location of the PDF artifact.
	PDFURL string `json:"pdf_url" yaml:"pdf_url"`

	// LocalPath is where the artifact was published; empty until downloaded.
	LocalPath string `json:"local_path,omitempty" yaml:"local_path,omitempty"`

	Status       Status `json:"status" yaml:"status"`
	AttemptCount int    `json:"attempt_count" yaml:"attempt_count"`
	LastError    string `json:"last_error,omitempty" yaml:"last_error,omitempty"`

	// IngestedAt is when the record was first stored.
	IngestedAt time.Time `json:"ingested_at" yaml:"ingested_at"`

	// ModifiedAt is when the store last changed the record.
	ModifiedAt time.Time `json:"modified_at" yaml:"modified_at"`
}

// ArtifactKey returns the blob key the record's PDF is published under.
func (p PaperRecord) ArtifactKey() string {
	return ArtifactKey(p.ID)
}

// ArtifactKey derives a filesystem-safe key from a catalog identifier.
// Old-style arXiv ids contain a slash ("hep-th/9901001").
func ArtifactKey(id string) string {
	safe := make([]rune, 0, len(id))
	for _, r := range id {
		if r == '/' || r == '\\' || r == ':' {
			r = '_'
		}
		safe = append(safe, r)
	}
	return string(safe) + ".pdf"
}
