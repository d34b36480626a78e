package dispatch

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frozenspider/rosetta/internal/jobs"
	"github.com/frozenspider/rosetta/internal/llm"
	"github.com/frozenspider/rosetta/internal/persistence"
	"github.com/frozenspider/rosetta/internal/translator"
)

type translatorFunc func(ctx context.Context, req translator.Request) (string, error)

func (f translatorFunc) Translate(ctx context.Context, req translator.Request) (string, error) {
	return f(ctx, req)
}

func newTestStore(t *testing.T) *persistence.SQLiteStore {
	t.Helper()
	store, err := persistence.NewSQLiteStore(filepath.Join(t.TempDir(), "rosetta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func seedJob(t *testing.T, store jobs.Store, id string) *jobs.Job {
	t.Helper()
	now := time.Now().UTC()
	job := &jobs.Job{
		ID:         id,
		SourceLang: "en",
		TargetLang: "fr",
		State:      jobs.StateTranslating,
		InputPath:  "/docs/in.md",
		OutputPath: "/docs/out.md",
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	require.NoError(t, store.CreateJob(context.Background(), job))
	return job
}

func seedSegments(t *testing.T, store jobs.Store, jobID string, texts ...string) []jobs.Segment {
	t.Helper()
	now := time.Now().UTC()
	segments := make([]jobs.Segment, len(texts))
	for i, text := range texts {
		segments[i] = jobs.Segment{
			ID:         jobs.SegmentID(jobID, i, text),
			JobID:      jobID,
			Ordinal:    i,
			SourceText: text,
			Status:     jobs.SegmentPending,
			UpdatedAt:  now,
		}
	}
	require.NoError(t, store.UpsertSegments(context.Background(), segments))
	return segments
}

func testConfig() Config {
	return Config{
		Workers:     2,
		MaxAttempts: 3,
		ClaimBatch:  4,
		CallTimeout: time.Second,
		Backoff:     Backoff{Base: time.Millisecond, Cap: 4 * time.Millisecond},
	}
}

func TestConfig_ClaimBatchCappedAtWorkers(t *testing.T) {
	t.Parallel()

	cfg := Config{Workers: 2, ClaimBatch: 8}.withDefaults()
	assert.Equal(t, 2, cfg.ClaimBatch)

	cfg = Config{Workers: 3}.withDefaults()
	assert.Equal(t, 3, cfg.ClaimBatch)
}

func TestDispatcher_InFlightRowsNeverExceedWorkers(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	job := seedJob(t, store, "job-rows")
	seedSegments(t, store, job.ID, "a", "b", "c", "d", "e")

	var peak int64
	d := New(store, translatorFunc(func(ctx context.Context, req translator.Request) (string, error) {
		counts, err := store.CountSegments(context.Background(), "job-rows")
		require.NoError(t, err)
		now := int64(counts.InFlight)
		for {
			prev := atomic.LoadInt64(&peak)
			if now <= prev || atomic.CompareAndSwapInt64(&peak, prev, now) {
				break
			}
		}
		return req.Text, nil
	}), testConfig())

	require.NoError(t, d.Run(context.Background(), job))
	assert.LessOrEqual(t, atomic.LoadInt64(&peak), int64(2))
}

func TestDispatcher_TranslatesAllSegments(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	job := seedJob(t, store, "job-all")
	seedSegments(t, store, job.ID, "one", "two", "three")

	d := New(store, translatorFunc(func(ctx context.Context, req translator.Request) (string, error) {
		return "fr:" + req.Text, nil
	}), testConfig())

	require.NoError(t, d.Run(context.Background(), job))

	counts, err := store.CountSegments(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.Counts{Total: 3, Done: 3}, counts)

	done, err := store.ListSegments(context.Background(), job.ID, jobs.SegmentDone)
	require.NoError(t, err)
	require.Len(t, done, 3)
	assert.Equal(t, "fr:one", done[0].TranslatedText)
}

func TestDispatcher_BoundsConcurrency(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	job := seedJob(t, store, "job-bound")
	seedSegments(t, store, job.ID, "a", "b", "c", "d", "e", "f")

	var inFlight, peak int64
	d := New(store, translatorFunc(func(ctx context.Context, req translator.Request) (string, error) {
		now := atomic.AddInt64(&inFlight, 1)
		for {
			prev := atomic.LoadInt64(&peak)
			if now <= prev || atomic.CompareAndSwapInt64(&peak, prev, now) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt64(&inFlight, -1)
		return req.Text, nil
	}), testConfig())

	require.NoError(t, d.Run(context.Background(), job))
	assert.LessOrEqual(t, atomic.LoadInt64(&peak), int64(2))

	counts, err := store.CountSegments(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, 6, counts.Done)
}

func TestDispatcher_RetriesTransientThenSucceeds(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	job := seedJob(t, store, "job-retry")
	seedSegments(t, store, job.ID, "flaky")

	var calls int64
	d := New(store, translatorFunc(func(ctx context.Context, req translator.Request) (string, error) {
		if atomic.AddInt64(&calls, 1) == 1 {
			return "", &llm.APIError{StatusCode: 429, Message: "slow down"}
		}
		return "ok", nil
	}), testConfig())

	require.NoError(t, d.Run(context.Background(), job))
	assert.EqualValues(t, 2, atomic.LoadInt64(&calls))

	segments, err := store.ListSegments(context.Background(), job.ID, jobs.SegmentDone)
	require.NoError(t, err)
	require.Len(t, segments, 1)
	assert.Equal(t, "ok", segments[0].TranslatedText)
	// One failed call plus the successful one.
	assert.Equal(t, 2, segments[0].Attempts)
}

func TestDispatcher_PermanentErrorFailsImmediately(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	job := seedJob(t, store, "job-perm")
	seedSegments(t, store, job.ID, "rejected")

	var calls int64
	d := New(store, translatorFunc(func(ctx context.Context, req translator.Request) (string, error) {
		atomic.AddInt64(&calls, 1)
		return "", &llm.APIError{StatusCode: 401, Message: "bad key"}
	}), testConfig())

	require.NoError(t, d.Run(context.Background(), job))
	assert.EqualValues(t, 1, atomic.LoadInt64(&calls))

	failed, err := store.ListSegments(context.Background(), job.ID, jobs.SegmentFailed)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Contains(t, failed[0].LastError, "Auth")
}

func TestDispatcher_ExhaustsAttempts(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	job := seedJob(t, store, "job-exhaust")
	seedSegments(t, store, job.ID, "doomed")

	var calls int64
	d := New(store, translatorFunc(func(ctx context.Context, req translator.Request) (string, error) {
		atomic.AddInt64(&calls, 1)
		return "", errors.New("connection reset")
	}), testConfig())

	require.NoError(t, d.Run(context.Background(), job))
	assert.EqualValues(t, 3, atomic.LoadInt64(&calls))

	counts, err := store.CountSegments(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Failed)
}

func TestDispatcher_UsesTranslationMemory(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)

	// An earlier job already translated the same sentence.
	prior := seedJob(t, store, "job-prior")
	priorSegs := seedSegments(t, store, prior.ID, "shared sentence")
	_, err := store.ClaimNextPending(context.Background(), prior.ID, 1)
	require.NoError(t, err)
	require.NoError(t, store.RecordResult(context.Background(), priorSegs[0].ID, jobs.Outcome{
		Status:         jobs.SegmentDone,
		TranslatedText: "phrase partagée",
	}))

	job := seedJob(t, store, "job-memory")
	seedSegments(t, store, job.ID, "shared sentence")

	d := New(store, translatorFunc(func(ctx context.Context, req translator.Request) (string, error) {
		t.Error("provider should not be called on a memory hit")
		return "", errors.New("unexpected call")
	}), testConfig())

	require.NoError(t, d.Run(context.Background(), job))

	done, err := store.ListSegments(context.Background(), job.ID, jobs.SegmentDone)
	require.NoError(t, err)
	require.Len(t, done, 1)
	assert.Equal(t, "phrase partagée", done[0].TranslatedText)
}

func TestDispatcher_CancelledContextStopsClaims(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	job := seedJob(t, store, "job-cancel")
	seedSegments(t, store, job.ID, "x", "y")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var calls int64
	d := New(store, translatorFunc(func(ctx context.Context, req translator.Request) (string, error) {
		atomic.AddInt64(&calls, 1)
		return req.Text, nil
	}), testConfig())

	require.NoError(t, d.Run(ctx, job))
	assert.Zero(t, atomic.LoadInt64(&calls))

	counts, err := store.CountSegments(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, counts.Pending)
}

func TestDispatcher_CancelMidRunFinishesInFlight(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	job := seedJob(t, store, "job-midrun")
	seedSegments(t, store, job.ID, "slow one")

	ctx, cancel := context.WithCancel(context.Background())
	var once sync.Once
	d := New(store, translatorFunc(func(callCtx context.Context, req translator.Request) (string, error) {
		once.Do(cancel)
		// The per-call context must survive job cancellation.
		require.NoError(t, callCtx.Err())
		return "finished", nil
	}), testConfig())

	require.NoError(t, d.Run(ctx, job))

	done, err := store.ListSegments(context.Background(), job.ID, jobs.SegmentDone)
	require.NoError(t, err)
	require.Len(t, done, 1)
	assert.Equal(t, "finished", done[0].TranslatedText)
}
