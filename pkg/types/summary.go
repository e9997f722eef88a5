// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package types

import "time"

// RunState is the terminal state of an ingestion run.
type RunState string

const (
	RunCompleted RunState = "completed"
	RunAborted   RunState = "aborted"
)

// Stage names the engine step an event or failure belongs to.
type Stage string

const (
	StageFetching    Stage = "fetching"
	StagePersisting  Stage = "persisting"
	StageDownloading Stage = "downloading"
	StageReconciling Stage = "reconciling"
)

// Failure describes one record that did not make it through a stage.
type Failure struct {
	ID      string `json:"id" yaml:"id"`
	Stage   Stage  `json:"stage" yaml:"stage"`
	Kind    string `json:"kind" yaml:"kind"`
	Message string `json:"message" yaml:"message"`
}

// RunSummary is the structured outcome of one ingestion run, consumed by the
// external scheduler for alerting.
type RunSummary struct {
	RunID      string    `json:"run_id" yaml:"run_id"`
	Query      string    `json:"query" yaml:"query"`
	MaxResults int       `json:"max_results" yaml:"max_results"`
	State      RunState  `json:"state" yaml:"state"`
	AbortCause string    `json:"abort_cause,omitempty" yaml:"abort_cause,omitempty"`
	StartedAt  time.Time `json:"started_at" yaml:"started_at"`
	FinishedAt time.Time `json:"finished_at" yaml:"finished_at"`

	// Discovered counts records yielded by the catalog.
	Discovered int `json:"discovered" yaml:"discovered"`

	// Stored counts successful upserts, new or existing.
	Stored int `json:"stored" yaml:"stored"`

	// New counts upserts that created a record.
	New int `json:"new" yaml:"new"`

	// Scheduled counts records submitted to the download pool.
	Scheduled int `json:"scheduled" yaml:"scheduled"`

	Downloaded int `json:"downloaded" yaml:"downloaded"`
	Failed     int `json:"failed" yaml:"failed"`

	// Interrupted counts records left download_pending by cancellation.
	Interrupted int `json:"interrupted" yaml:"interrupted"`

	// BytesDownloaded totals the artifact sizes published in this run.
	BytesDownloaded int64 `json:"bytes_downloaded" yaml:"bytes_downloaded"`

	Failures []Failure `json:"failures,omitempty" yaml:"failures,omitempty"`
}

// HasFailures reports whether any record failed in any stage.
func (s RunSummary) HasFailures() bool {
	return len(s.Failures) > 0
}

// AddFailure records a failure and its taxonomy kind.
func (s *RunSummary) AddFailure(id string, stage Stage, err error) {
	s.Failures = append(s.Failures, Failure{
		ID:      id,
		Stage:   stage,
		Kind:    KindOf(err),
		Message: err.Error(),
	})
}

// Duration returns how long the run took.
func (s RunSummary) Duration() time.Duration {
	if s.FinishedAt.IsZero() {
		return 0
	}
	return s.FinishedAt.Sub(s.StartedAt)
}
