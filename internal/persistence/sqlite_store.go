package persistence

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/frozenspider/rosetta/internal/jobs"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// SQLiteStore implements jobs.Store on a single sqlite file. A single open
// connection serializes writes; the claim transaction provides the
// check-and-set that keeps concurrent workers from sharing a segment.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("db path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.init(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
		return fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	// Bootstrap schema_migrations table so we can track applied versions.
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		version := migrationVersion(entry.Name())
		if version <= 0 {
			continue
		}
		var exists int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations WHERE version = ?`, version).Scan(&exists); err != nil {
			return fmt.Errorf("check migration %s: %w", entry.Name(), err)
		}
		if exists > 0 {
			continue
		}
		content, err := migrationFiles.ReadFile(filepath.Join("migrations", entry.Name()))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}
		if _, err := s.db.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("apply migration %s: %w", entry.Name(), err)
		}
		if _, err := s.db.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES (?)`, version); err != nil {
			return fmt.Errorf("record migration %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// migrationVersion extracts the leading integer from a migration filename (e.g. "001_init.sql" → 1).
func migrationVersion(name string) int {
	for i, c := range name {
		if c < '0' || c > '9' {
			if i == 0 {
				return 0
			}
			n, _ := strconv.Atoi(name[:i])
			return n
		}
	}
	n, _ := strconv.Atoi(name)
	return n
}

func (s *SQLiteStore) CreateJob(ctx context.Context, job *jobs.Job) error {
	if job == nil {
		return persistErr("create job", fmt.Errorf("job is nil"))
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO jobs (
			id, source_lang, target_lang, state, input_path, output_path,
			subject, tone, instructions, error, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID,
		job.SourceLang,
		job.TargetLang,
		string(job.State),
		job.InputPath,
		job.OutputPath,
		job.Subject,
		job.Tone,
		job.Instructions,
		job.Error,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		return persistErr("create job", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateJobState(ctx context.Context, jobID string, state jobs.State, errMsg string) error {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE jobs SET state = ?, error = ?, updated_at = ? WHERE id = ?`,
		string(state),
		errMsg,
		time.Now().UTC(),
		jobID,
	)
	if err != nil {
		return persistErr("update job state", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return persistErr("update job state", err)
	}
	if affected == 0 {
		return persistErr("update job state", fmt.Errorf("job %s not found", jobID))
	}
	return nil
}

func (s *SQLiteStore) LoadJob(ctx context.Context, jobID string) (*jobs.Job, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT id, source_lang, target_lang, state, input_path, output_path,
		        subject, tone, instructions, error, created_at, updated_at
		 FROM jobs WHERE id = ?`,
		jobID,
	)
	job, err := scanJob(row.Scan)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, persistErr("load job", err)
	}
	return job, nil
}

func (s *SQLiteStore) LoadJobs(ctx context.Context) ([]*jobs.Job, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, source_lang, target_lang, state, input_path, output_path,
		        subject, tone, instructions, error, created_at, updated_at
		 FROM jobs
		 ORDER BY created_at ASC`,
	)
	if err != nil {
		return nil, persistErr("load jobs", err)
	}
	defer rows.Close()

	ret := make([]*jobs.Job, 0)
	for rows.Next() {
		job, err := scanJob(rows.Scan)
		if err != nil {
			return nil, persistErr("load jobs", err)
		}
		ret = append(ret, job)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("load jobs", err)
	}
	return ret, nil
}

func scanJob(scan func(dest ...any) error) (*jobs.Job, error) {
	var item jobs.Job
	var state string
	if err := scan(
		&item.ID,
		&item.SourceLang,
		&item.TargetLang,
		&state,
		&item.InputPath,
		&item.OutputPath,
		&item.Subject,
		&item.Tone,
		&item.Instructions,
		&item.Error,
		&item.CreatedAt,
		&item.UpdatedAt,
	); err != nil {
		return nil, err
	}
	item.State = jobs.State(state)
	return &item, nil
}

func (s *SQLiteStore) DeleteJob(ctx context.Context, jobID string) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return persistErr("delete job", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM segments WHERE job_id = ?`, jobID); err != nil {
		return persistErr("delete job segments", err)
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, jobID); err != nil {
		return persistErr("delete job", err)
	}
	if err = tx.Commit(); err != nil {
		return persistErr("delete job", err)
	}
	return nil
}

func (s *SQLiteStore) UpsertSegments(ctx context.Context, segments []jobs.Segment) (err error) {
	if len(segments) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return persistErr("upsert segments", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	// Existing rows keep their status, attempts and translated text so a
	// resumed job never loses resolved work.
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO segments (
		id, job_id, ordinal, source_text, translated_text, status, attempts, last_error, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO NOTHING`)
	if err != nil {
		return persistErr("upsert segments", err)
	}
	defer stmt.Close()

	for _, seg := range segments {
		if _, err = stmt.ExecContext(
			ctx,
			seg.ID,
			seg.JobID,
			seg.Ordinal,
			seg.SourceText,
			seg.TranslatedText,
			string(seg.Status),
			seg.Attempts,
			seg.LastError,
			seg.UpdatedAt,
		); err != nil {
			return persistErr("upsert segments", err)
		}
	}
	if err = tx.Commit(); err != nil {
		return persistErr("upsert segments", err)
	}
	return nil
}

func (s *SQLiteStore) ClaimNextPending(ctx context.Context, jobID string, limit int) (claimed []jobs.Segment, err error) {
	if limit <= 0 {
		return nil, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, persistErr("claim segments", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	rows, err := tx.QueryContext(
		ctx,
		`SELECT id, job_id, ordinal, source_text, translated_text, status, attempts, last_error, updated_at
		 FROM segments
		 WHERE job_id = ? AND status = ?
		 ORDER BY ordinal ASC
		 LIMIT ?`,
		jobID,
		string(jobs.SegmentPending),
		limit,
	)
	if err != nil {
		return nil, persistErr("claim segments", err)
	}
	candidates, err := scanSegments(rows)
	if err != nil {
		return nil, persistErr("claim segments", err)
	}

	now := time.Now().UTC()
	claimed = make([]jobs.Segment, 0, len(candidates))
	for _, seg := range candidates {
		// Check-and-set on status: a row already taken by a concurrent claim
		// matches zero rows here and is skipped.
		res, execErr := tx.ExecContext(
			ctx,
			`UPDATE segments SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
			string(jobs.SegmentInFlight),
			now,
			seg.ID,
			string(jobs.SegmentPending),
		)
		if execErr != nil {
			err = execErr
			return nil, persistErr("claim segments", err)
		}
		affected, execErr := res.RowsAffected()
		if execErr != nil {
			err = execErr
			return nil, persistErr("claim segments", err)
		}
		if affected == 1 {
			seg.Status = jobs.SegmentInFlight
			seg.UpdatedAt = now
			claimed = append(claimed, seg)
		}
	}
	if err = tx.Commit(); err != nil {
		return nil, persistErr("claim segments", err)
	}
	return claimed, nil
}

func (s *SQLiteStore) IncrementAttempt(ctx context.Context, segmentID string, lastError string) error {
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE segments SET attempts = attempts + 1, last_error = ?, updated_at = ? WHERE id = ?`,
		lastError,
		time.Now().UTC(),
		segmentID,
	)
	if err != nil {
		return persistErr("increment attempt", err)
	}
	return nil
}

func (s *SQLiteStore) RecordResult(ctx context.Context, segmentID string, outcome jobs.Outcome) error {
	switch outcome.Status {
	case jobs.SegmentDone, jobs.SegmentFailed:
	default:
		return persistErr("record result", fmt.Errorf("outcome status must be done or failed, got %q", outcome.Status))
	}
	// The terminal call counts as an attempt too; retries in between are
	// counted by IncrementAttempt.
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE segments SET status = ?, translated_text = ?, last_error = ?, updated_at = ?,
		        attempts = attempts + 1
		 WHERE id = ?`,
		string(outcome.Status),
		outcome.TranslatedText,
		outcome.Error,
		time.Now().UTC(),
		segmentID,
	)
	if err != nil {
		return persistErr("record result", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return persistErr("record result", err)
	}
	if affected == 0 {
		return persistErr("record result", fmt.Errorf("segment %s not found", segmentID))
	}
	return nil
}

func (s *SQLiteStore) ListSegments(ctx context.Context, jobID string, statuses ...jobs.SegmentStatus) ([]jobs.Segment, error) {
	query := `SELECT id, job_id, ordinal, source_text, translated_text, status, attempts, last_error, updated_at
	 FROM segments WHERE job_id = ?`
	args := []any{jobID}
	if len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i, status := range statuses {
			placeholders[i] = "?"
			args = append(args, string(status))
		}
		query += ` AND status IN (` + strings.Join(placeholders, ", ") + `)`
	}
	query += ` ORDER BY ordinal ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, persistErr("list segments", err)
	}
	ret, err := scanSegments(rows)
	if err != nil {
		return nil, persistErr("list segments", err)
	}
	return ret, nil
}

func scanSegments(rows *sql.Rows) ([]jobs.Segment, error) {
	defer rows.Close()

	ret := make([]jobs.Segment, 0)
	for rows.Next() {
		var item jobs.Segment
		var status string
		if err := rows.Scan(
			&item.ID,
			&item.JobID,
			&item.Ordinal,
			&item.SourceText,
			&item.TranslatedText,
			&status,
			&item.Attempts,
			&item.LastError,
			&item.UpdatedAt,
		); err != nil {
			return nil, err
		}
		item.Status = jobs.SegmentStatus(status)
		ret = append(ret, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ret, nil
}

func (s *SQLiteStore) CountSegments(ctx context.Context, jobID string) (jobs.Counts, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT status, COUNT(*) FROM segments WHERE job_id = ? GROUP BY status`,
		jobID,
	)
	if err != nil {
		return jobs.Counts{}, persistErr("count segments", err)
	}
	defer rows.Close()

	var counts jobs.Counts
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return jobs.Counts{}, persistErr("count segments", err)
		}
		counts.Total += n
		switch jobs.SegmentStatus(status) {
		case jobs.SegmentPending:
			counts.Pending = n
		case jobs.SegmentInFlight:
			counts.InFlight = n
		case jobs.SegmentDone:
			counts.Done = n
		case jobs.SegmentFailed:
			counts.Failed = n
		}
	}
	if err := rows.Err(); err != nil {
		return jobs.Counts{}, persistErr("count segments", err)
	}
	return counts, nil
}

func (s *SQLiteStore) ResetInFlight(ctx context.Context, jobID string) (int64, error) {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE segments SET status = ?, updated_at = ? WHERE job_id = ? AND status = ?`,
		string(jobs.SegmentPending),
		time.Now().UTC(),
		jobID,
		string(jobs.SegmentInFlight),
	)
	if err != nil {
		return 0, persistErr("reset inflight", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, persistErr("reset inflight", err)
	}
	return affected, nil
}

func (s *SQLiteStore) ResetStaleInFlight(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE segments SET status = ?, updated_at = ? WHERE status = ? AND updated_at <= ?`,
		string(jobs.SegmentPending),
		time.Now().UTC(),
		string(jobs.SegmentInFlight),
		cutoff.UTC(),
	)
	if err != nil {
		return 0, persistErr("reset stale inflight", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, persistErr("reset stale inflight", err)
	}
	return affected, nil
}

func (s *SQLiteStore) LookupTranslation(ctx context.Context, sourceText, sourceLang, targetLang string) (string, bool, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT s.translated_text
		 FROM segments s
		 JOIN jobs j ON j.id = s.job_id
		 WHERE s.status = ? AND s.source_text = ? AND j.source_lang = ? AND j.target_lang = ?
		 ORDER BY s.updated_at DESC
		 LIMIT 1`,
		string(jobs.SegmentDone),
		sourceText,
		sourceLang,
		targetLang,
	)
	var translated string
	if err := row.Scan(&translated); err != nil {
		if err == sql.ErrNoRows {
			return "", false, nil
		}
		return "", false, persistErr("lookup translation", err)
	}
	return translated, true, nil
}

func persistErr(op string, err error) error {
	return &jobs.PersistenceError{Op: op, Cause: err}
}
