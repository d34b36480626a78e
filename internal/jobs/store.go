package jobs

import (
	"context"
	"time"
)

// Store is the durable record of jobs and their segments and the single
// source of truth for progress. ClaimNextPending is the only path into the
// inflight status and must be atomic under concurrent callers.
type Store interface {
	CreateJob(ctx context.Context, job *Job) error
	UpdateJobState(ctx context.Context, jobID string, state State, errMsg string) error
	LoadJob(ctx context.Context, jobID string) (*Job, error)
	// LoadJobs returns every persisted job, oldest first.
	LoadJobs(ctx context.Context) ([]*Job, error)
	// DeleteJob removes the job and all of its segments.
	DeleteJob(ctx context.Context, jobID string) error

	// UpsertSegments inserts segments idempotently: a row whose id already
	// exists keeps its status, attempts and translated text.
	UpsertSegments(ctx context.Context, segments []Segment) error
	// ClaimNextPending atomically transitions up to limit pending segments of
	// the job to inflight and returns them. No segment is handed to two
	// concurrent callers.
	ClaimNextPending(ctx context.Context, jobID string, limit int) ([]Segment, error)
	// IncrementAttempt bumps a segment's attempt count and last error while a
	// worker keeps retrying, refreshing its updated_at against staleness.
	IncrementAttempt(ctx context.Context, segmentID string, lastError string) error
	// RecordResult transitions an inflight segment to done or failed.
	RecordResult(ctx context.Context, segmentID string, outcome Outcome) error
	ListSegments(ctx context.Context, jobID string, statuses ...SegmentStatus) ([]Segment, error)
	CountSegments(ctx context.Context, jobID string) (Counts, error)

	// ResetInFlight re-pends every inflight segment of the job regardless of
	// staleness. Called when a run takes ownership of a job: inflight rows at
	// that point are leftovers of an interrupted run, not live claims.
	ResetInFlight(ctx context.Context, jobID string) (int64, error)
	// ResetStaleInFlight re-pends segments left inflight by a previous run
	// with no update since the cutoff. Returns the number of rows reset.
	ResetStaleInFlight(ctx context.Context, cutoff time.Time) (int64, error)

	// LookupTranslation returns a previous successful translation of the exact
	// source text for the given language pair, if any job produced one.
	LookupTranslation(ctx context.Context, sourceText, sourceLang, targetLang string) (string, bool, error)
}
