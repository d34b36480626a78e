package dispatch

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/frozenspider/rosetta/internal/jobs"
	"github.com/frozenspider/rosetta/internal/translator"
	"github.com/frozenspider/rosetta/pkg/log"
)

const (
	DefaultWorkers     = 4
	DefaultMaxAttempts = 3
	DefaultCallTimeout = 120 * time.Second
	DefaultBackoffBase = 500 * time.Millisecond
	DefaultBackoffCap  = 30 * time.Second
)

// Config bounds the dispatcher's concurrency and retry behavior.
type Config struct {
	// Workers is the maximum number of concurrent provider calls.
	Workers int
	// MaxAttempts is the total number of provider calls per segment before it
	// is marked failed. Only transient failures are retried.
	MaxAttempts int
	// ClaimBatch is how many pending segments to claim per store round trip.
	// Capped at Workers: a claim marks rows inflight, so claiming more than
	// the pool can run at once would overshoot the concurrency bound.
	ClaimBatch int
	// CallTimeout bounds a single provider call.
	CallTimeout time.Duration
	Backoff     Backoff
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.ClaimBatch <= 0 || c.ClaimBatch > c.Workers {
		c.ClaimBatch = c.Workers
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = DefaultCallTimeout
	}
	if c.Backoff.Base <= 0 {
		c.Backoff = Backoff{Base: DefaultBackoffBase, Cap: DefaultBackoffCap}
	}
	return c
}

// Dispatcher drives a job's pending segments through the translator with
// bounded concurrency. Every terminal result is recorded in the store before
// the segment's worker exits, so a crash mid-run loses at most the segments
// still inflight, which the staleness sweep re-pends.
type Dispatcher struct {
	store      jobs.Store
	translator translator.Translator
	config     Config
}

func New(store jobs.Store, tr translator.Translator, config Config) *Dispatcher {
	return &Dispatcher{
		store:      store,
		translator: tr,
		config:     config.withDefaults(),
	}
}

// Run claims and translates the job's pending segments until none remain or
// ctx is cancelled. Cancellation stops further claims and retries but lets
// calls already in flight finish; their results are still recorded.
// A store failure aborts the run.
func (d *Dispatcher) Run(ctx context.Context, job *jobs.Job) error {
	group := &errgroup.Group{}
	group.SetLimit(d.config.Workers)

	for {
		if ctx.Err() != nil {
			break
		}

		claimed, err := d.store.ClaimNextPending(ctx, job.ID, d.config.ClaimBatch)
		if err != nil {
			return fmt.Errorf("failed to claim segments: %w", err)
		}
		if len(claimed) == 0 {
			break
		}

		for i := range claimed {
			segment := claimed[i]
			group.Go(func() error {
				return d.process(ctx, job, segment)
			})
		}
		// Resolve the batch before claiming more: with the batch capped at
		// the worker count, inflight rows never exceed the pool size.
		if err := group.Wait(); err != nil {
			return err
		}
	}

	return group.Wait()
}

// process drives one claimed segment to a recorded outcome, or leaves it
// inflight when cancelled between retries. Outcome writes use a context
// detached from cancellation: a finished call's result is always recorded.
func (d *Dispatcher) process(ctx context.Context, job *jobs.Job, segment jobs.Segment) error {
	recordCtx := context.WithoutCancel(ctx)

	if cached, ok, err := d.store.LookupTranslation(ctx, segment.SourceText, job.SourceLang, job.TargetLang); err != nil {
		return fmt.Errorf("failed to look up translation memory: %w", err)
	} else if ok {
		log.Debug("Segment %s resolved from translation memory", segment.ID)
		return d.store.RecordResult(recordCtx, segment.ID, jobs.Outcome{
			Status:         jobs.SegmentDone,
			TranslatedText: cached,
		})
	}

	request := translator.Request{
		Text:         segment.SourceText,
		SourceLang:   job.SourceLang,
		TargetLang:   job.TargetLang,
		Subject:      job.Subject,
		Tone:         job.Tone,
		Instructions: job.Instructions,
	}

	attempts := segment.Attempts
	for {
		translated, err := d.translate(ctx, request)
		attempts++
		if err == nil {
			return d.store.RecordResult(recordCtx, segment.ID, jobs.Outcome{
				Status:         jobs.SegmentDone,
				TranslatedText: translated,
			})
		}

		provErr := translator.Classify(err)
		if !provErr.Transient() {
			log.Warn("Segment %s failed permanently: %v", segment.ID, provErr)
			return d.store.RecordResult(recordCtx, segment.ID, jobs.Outcome{
				Status: jobs.SegmentFailed,
				Error:  provErr.Error(),
			})
		}
		if attempts >= d.config.MaxAttempts {
			log.Warn("Segment %s failed after %d attempts: %v", segment.ID, attempts, provErr)
			return d.store.RecordResult(recordCtx, segment.ID, jobs.Outcome{
				Status: jobs.SegmentFailed,
				Error:  provErr.Error(),
			})
		}

		if ctx.Err() != nil {
			// Cancelled; no new retries. The staleness sweep re-pends it.
			return nil
		}
		if err := d.store.IncrementAttempt(recordCtx, segment.ID, provErr.Error()); err != nil {
			return fmt.Errorf("failed to record attempt: %w", err)
		}

		delay := d.config.Backoff.Delay(attempts - 1)
		log.Debug("Segment %s attempt %d failed (%v), retrying in %s", segment.ID, attempts, provErr, delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			// Leave the segment inflight; the staleness sweep re-pends it.
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// translate runs one provider call under the per-call timeout. The call is
// detached from ctx's cancellation so an in-flight call may finish after the
// job is cancelled.
func (d *Dispatcher) translate(ctx context.Context, request translator.Request) (string, error) {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.config.CallTimeout)
	defer cancel()
	return d.translator.Translate(callCtx, request)
}
