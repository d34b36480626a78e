package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/abadojack/whatlanggo"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
	"golang.org/x/text/language"

	"github.com/frozenspider/rosetta/internal/dispatch"
	"github.com/frozenspider/rosetta/internal/document"
	"github.com/frozenspider/rosetta/internal/jobs"
	"github.com/frozenspider/rosetta/internal/segment"
	"github.com/frozenspider/rosetta/pkg/file"
	"github.com/frozenspider/rosetta/pkg/log"
)

const DefaultStaleAfter = 10 * time.Minute

// SubmitRequest describes one document translation job.
type SubmitRequest struct {
	InputPath  string `json:"input_path"`
	OutputPath string `json:"output_path,omitempty"`
	// SourceLang may be empty; the document's language is then detected.
	SourceLang string `json:"source_lang,omitempty"`
	TargetLang string `json:"target_lang"`

	Subject      string `json:"subject,omitempty"`
	Tone         string `json:"tone,omitempty"`
	Instructions string `json:"instructions,omitempty"`
}

// Snapshot is a job plus its segment progress.
type Snapshot struct {
	jobs.Job
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Total     int `json:"total"`
}

// Orchestrator owns the job lifecycle: it creates jobs, drives them through
// segmenting, translating and reassembling, and records every transition in
// the store so an interrupted run can resume.
type Orchestrator struct {
	store       jobs.Store
	dispatcher  *dispatch.Dispatcher
	reader      *document.Reader
	writer      document.Writer
	segmenter   *segment.Segmenter
	reassembler segment.Reassembler
	staleAfter  time.Duration

	// runs dedupes concurrent runs of the same job id.
	runs singleflight.Group

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithMaxSectionLen bounds the length of a single translatable section.
func WithMaxSectionLen(n int) Option {
	return func(o *Orchestrator) {
		o.reader = o.reader.WithMaxSectionLen(n)
	}
}

// WithStaleAfter sets how long an inflight segment may go without an update
// before the resume sweep re-pends it.
func WithStaleAfter(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.staleAfter = d
		}
	}
}

func NewOrchestrator(store jobs.Store, dispatcher *dispatch.Dispatcher, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:       store,
		dispatcher:  dispatcher,
		reader:      document.NewReader(),
		writer:      document.NewWriter(),
		segmenter:   segment.NewSegmenter(),
		reassembler: segment.NewReassembler(),
		staleAfter:  DefaultStaleAfter,
		cancels:     make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Submit validates the request, persists a new job and starts running it in
// the background.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (*jobs.Job, error) {
	if req.InputPath == "" {
		return nil, &ValidationError{Message: "input_path is required"}
	}
	if req.TargetLang == "" {
		return nil, &ValidationError{Message: "target_lang is required"}
	}

	data, err := os.ReadFile(req.InputPath)
	if err != nil {
		return nil, &ValidationError{Message: fmt.Sprintf("cannot read input: %v", err)}
	}

	targetLang, err := normalizeLang(req.TargetLang)
	if err != nil {
		return nil, &ValidationError{Message: fmt.Sprintf("invalid target_lang %q", req.TargetLang)}
	}

	sourceLang := req.SourceLang
	if sourceLang == "" {
		sourceLang = detectLang(string(data))
		log.Info("Detected source language %q for %s", sourceLang, req.InputPath)
	} else if sourceLang, err = normalizeLang(sourceLang); err != nil {
		return nil, &ValidationError{Message: fmt.Sprintf("invalid source_lang %q", req.SourceLang)}
	}

	outputPath := req.OutputPath
	if outputPath == "" {
		outputPath = file.DeriveOutputPath(req.InputPath)
	}

	now := time.Now().UTC()
	job := &jobs.Job{
		ID:           "job-" + uuid.NewString(),
		SourceLang:   sourceLang,
		TargetLang:   targetLang,
		State:        jobs.StateCreated,
		InputPath:    req.InputPath,
		OutputPath:   outputPath,
		Subject:      req.Subject,
		Tone:         req.Tone,
		Instructions: req.Instructions,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := o.store.CreateJob(ctx, job); err != nil {
		return nil, err
	}

	log.Info("Job %s created: %s -> %s (%s)", job.ID, job.SourceLang, job.TargetLang, job.InputPath)
	o.start(job.ID)
	return job, nil
}

// Status returns the job and its segment progress.
func (o *Orchestrator) Status(ctx context.Context, jobID string) (*Snapshot, error) {
	job, err := o.store.LoadJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, &NotFoundError{JobID: jobID}
	}

	counts, err := o.store.CountSegments(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return &Snapshot{Job: *job, Completed: counts.Done, Failed: counts.Failed, Total: counts.Total}, nil
}

// List returns every job's snapshot, oldest first.
func (o *Orchestrator) List(ctx context.Context) ([]*Snapshot, error) {
	all, err := o.store.LoadJobs(ctx)
	if err != nil {
		return nil, err
	}

	snapshots := make([]*Snapshot, 0, len(all))
	for _, job := range all {
		counts, err := o.store.CountSegments(ctx, job.ID)
		if err != nil {
			return nil, err
		}
		snapshots = append(snapshots, &Snapshot{Job: *job, Completed: counts.Done, Failed: counts.Failed, Total: counts.Total})
	}
	return snapshots, nil
}

// Cancel requests the job stop claiming work. Calls already in flight finish
// and their results are kept; the job lands in the cancelled state.
func (o *Orchestrator) Cancel(ctx context.Context, jobID string) error {
	job, err := o.store.LoadJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return &NotFoundError{JobID: jobID}
	}
	if job.State.Terminal() {
		return &ValidationError{Message: fmt.Sprintf("job %s already %s", jobID, job.State)}
	}

	o.mu.Lock()
	cancel, running := o.cancels[jobID]
	o.mu.Unlock()

	if running {
		cancel()
		return nil
	}
	// Not running in this process; mark it cancelled directly.
	return o.store.UpdateJobState(ctx, jobID, jobs.StateCancelled, "")
}

// Delete cancels the job if it is running and removes it with its segments.
func (o *Orchestrator) Delete(ctx context.Context, jobID string) error {
	job, err := o.store.LoadJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return &NotFoundError{JobID: jobID}
	}

	o.mu.Lock()
	if cancel, running := o.cancels[jobID]; running {
		cancel()
	}
	o.mu.Unlock()

	return o.store.DeleteJob(ctx, jobID)
}

// ResumeIncompleteJobs re-pends stale inflight segments and restarts every
// non-terminal job. Called once at daemon startup.
func (o *Orchestrator) ResumeIncompleteJobs(ctx context.Context) error {
	reset, err := o.store.ResetStaleInFlight(ctx, time.Now().UTC().Add(-o.staleAfter))
	if err != nil {
		return fmt.Errorf("failed to reset stale segments: %w", err)
	}
	if reset > 0 {
		log.Info("Re-pended %d stale inflight segments", reset)
	}

	all, err := o.store.LoadJobs(ctx)
	if err != nil {
		return err
	}

	resumed := 0
	for _, job := range all {
		if job.State.Terminal() {
			continue
		}
		log.Info("Resuming job %s from state %s", job.ID, job.State)
		o.start(job.ID)
		resumed++
	}
	if resumed > 0 {
		log.Info("Resumed %d incomplete jobs", resumed)
	}
	return nil
}

// SweepStale re-pends inflight segments that stopped making progress. Run
// periodically while the daemon is up.
func (o *Orchestrator) SweepStale(ctx context.Context) {
	reset, err := o.store.ResetStaleInFlight(ctx, time.Now().UTC().Add(-o.staleAfter))
	if err != nil {
		log.Error("Stale segment sweep failed: %v", err)
		return
	}
	if reset > 0 {
		log.Info("Stale sweep re-pended %d segments", reset)
	}
}

// Wait blocks until every background job run started by this orchestrator has
// returned. Used in shutdown and tests.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// start launches the job's run in the background, deduping concurrent runs of
// the same id.
func (o *Orchestrator) start(jobID string) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		_, err, _ := o.runs.Do(jobID, func() (interface{}, error) {
			return nil, o.run(jobID)
		})
		if err != nil {
			log.Error("Job %s run failed: %v", jobID, err)
		}
	}()
}

// run drives one job from its current state to a terminal state. Every phase
// transition is persisted first, so a crash resumes from the last recorded
// phase; segmenting is idempotent and translating picks up pending segments.
func (o *Orchestrator) run(jobID string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	o.mu.Lock()
	o.cancels[jobID] = cancel
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.cancels, jobID)
		o.mu.Unlock()
	}()

	job, err := o.store.LoadJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil || job.State.Terminal() {
		return nil
	}

	if job.State == jobs.StateCreated || job.State == jobs.StateSegmenting {
		if err := o.setState(ctx, job, jobs.StateSegmenting); err != nil {
			return err
		}
		if err := o.segmentPhase(ctx, job); err != nil {
			if ctx.Err() != nil {
				return o.setState(context.Background(), job, jobs.StateCancelled)
			}
			return o.fail(ctx, job, err)
		}
		if err := o.setState(ctx, job, jobs.StateTranslating); err != nil {
			return err
		}
	}

	if job.State == jobs.StateTranslating {
		for {
			// This run owns the job, so any inflight rows are leftovers of an
			// interrupted run; re-pend them without waiting for staleness.
			reset, err := o.store.ResetInFlight(ctx, job.ID)
			if err != nil {
				if ctx.Err() != nil {
					return o.setState(context.Background(), job, jobs.StateCancelled)
				}
				return o.fail(ctx, job, err)
			}
			if reset > 0 {
				log.Info("Job %s: re-pended %d interrupted inflight segments", job.ID, reset)
			}

			if err := o.dispatcher.Run(ctx, job); err != nil {
				if ctx.Err() != nil {
					return o.setState(context.Background(), job, jobs.StateCancelled)
				}
				return o.fail(ctx, job, err)
			}
			if ctx.Err() != nil {
				log.Info("Job %s cancelled", job.ID)
				return o.setState(context.Background(), job, jobs.StateCancelled)
			}

			counts, err := o.store.CountSegments(ctx, job.ID)
			if err != nil {
				return err
			}
			// Reassembly requires every segment resolved.
			if counts.Pending+counts.InFlight == 0 {
				break
			}
		}
		if err := o.setState(ctx, job, jobs.StateReassembling); err != nil {
			return err
		}
	}

	if job.State == jobs.StateReassembling {
		if err := o.reassemblePhase(ctx, job); err != nil {
			if ctx.Err() != nil {
				return o.setState(context.Background(), job, jobs.StateCancelled)
			}
			return o.fail(ctx, job, err)
		}

		counts, err := o.store.CountSegments(ctx, job.ID)
		if err != nil {
			return err
		}
		final := jobs.StateCompleted
		if counts.Failed > 0 {
			final = jobs.StateCompletedWithErrors
		}
		if err := o.setState(ctx, job, final); err != nil {
			return err
		}
		log.Info("Job %s finished: %s (%d/%d segments translated, %d failed)",
			job.ID, final, counts.Done, counts.Total, counts.Failed)
	}

	return nil
}

// segmentPhase parses the input document and persists its segments. Segment
// ids are derived from the job id, ordinal and text, so re-running after a
// crash upserts the same rows and keeps any already-resolved ones.
func (o *Orchestrator) segmentPhase(ctx context.Context, job *jobs.Job) error {
	_, segments, err := o.parseAndSplit(job)
	if err != nil {
		return err
	}
	if err := o.store.UpsertSegments(ctx, segments); err != nil {
		return err
	}
	log.Info("Job %s segmented into %d segments", job.ID, len(segments))
	return nil
}

// reassemblePhase rebuilds the document from resolved segments and writes the
// output file. Failed segments fall back to their source text.
func (o *Orchestrator) reassemblePhase(ctx context.Context, job *jobs.Job) error {
	placeholder, _, err := o.parseAndSplit(job)
	if err != nil {
		return err
	}

	stored, err := o.store.ListSegments(ctx, job.ID)
	if err != nil {
		return err
	}

	resolved, err := o.reassembler.Join(placeholder, stored)
	if err != nil {
		return err
	}

	out, err := o.writer.Serialize(resolved)
	if err != nil {
		return err
	}
	if err := os.WriteFile(job.OutputPath, out, 0o644); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	return nil
}

func (o *Orchestrator) parseAndSplit(job *jobs.Job) (*document.Node, []jobs.Segment, error) {
	data, err := os.ReadFile(job.InputPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read input: %w", err)
	}

	tree, err := o.reader.Parse(data)
	if err != nil {
		return nil, nil, err
	}

	segments, placeholder, err := o.segmenter.Split(tree, job.ID)
	if err != nil {
		return nil, nil, err
	}
	return placeholder, segments, nil
}

// setState persists the transition even when ctx was cancelled mid-phase; a
// lost transition would strand the job in a stale state on resume.
func (o *Orchestrator) setState(ctx context.Context, job *jobs.Job, state jobs.State) error {
	if err := o.store.UpdateJobState(context.WithoutCancel(ctx), job.ID, state, ""); err != nil {
		return err
	}
	job.State = state
	return nil
}

// fail records a fatal job error. Persistence failures while recording are
// logged and returned; there is nothing safer to do with them.
func (o *Orchestrator) fail(ctx context.Context, job *jobs.Job, cause error) error {
	log.Error("Job %s failed: %v", job.ID, cause)

	var persistErr *jobs.PersistenceError
	if errors.As(cause, &persistErr) {
		// Storage itself is unhealthy; the state write may fail too.
		_ = o.store.UpdateJobState(context.Background(), job.ID, jobs.StateFailed, cause.Error())
		return cause
	}
	if err := o.store.UpdateJobState(context.Background(), job.ID, jobs.StateFailed, cause.Error()); err != nil {
		return fmt.Errorf("failed to record job failure %v: %w", cause, err)
	}
	job.State = jobs.StateFailed
	return nil
}

func normalizeLang(s string) (string, error) {
	tag, err := language.Parse(strings.TrimSpace(s))
	if err != nil {
		return "", err
	}
	return tag.String(), nil
}

// detectLang guesses the document's language, falling back to "und" when
// detection fails.
func detectLang(text string) string {
	if code := whatlanggo.DetectLang(text).Iso6391(); code != "" {
		return code
	}
	return "und"
}
