package jobs

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// State is a job lifecycle state. Created and the four terminal states have
// no outgoing transitions other than job deletion.
type State string

const (
	StateCreated             State = "created"
	StateSegmenting          State = "segmenting"
	StateTranslating         State = "translating"
	StateReassembling        State = "reassembling"
	StateCompleted           State = "completed"
	StateCompletedWithErrors State = "completed_with_errors"
	StateCancelled           State = "cancelled"
	StateFailed              State = "failed"
)

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateCompletedWithErrors, StateCancelled, StateFailed:
		return true
	}
	return false
}

// SegmentStatus tracks one segment through dispatch.
type SegmentStatus string

const (
	SegmentPending  SegmentStatus = "pending"
	SegmentInFlight SegmentStatus = "inflight"
	SegmentDone     SegmentStatus = "done"
	SegmentFailed   SegmentStatus = "failed"
)

// Job is one end-to-end translation request for a document.
type Job struct {
	ID         string `json:"id"`
	SourceLang string `json:"source_lang"`
	TargetLang string `json:"target_lang"`
	State      State  `json:"state"`
	InputPath  string `json:"input_path"`
	OutputPath string `json:"output_path"`

	// Subject, Tone and Instructions shape the translation prompt.
	Subject      string `json:"subject,omitempty"`
	Tone         string `json:"tone,omitempty"`
	Instructions string `json:"instructions,omitempty"`

	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Segment is one translatable text unit extracted from a document. Its ID is
// deterministic so re-segmenting an unchanged document yields the same rows.
type Segment struct {
	ID             string        `json:"id"`
	JobID          string        `json:"job_id"`
	Ordinal        int           `json:"ordinal"`
	SourceText     string        `json:"source_text"`
	TranslatedText string        `json:"translated_text,omitempty"`
	Status         SegmentStatus `json:"status"`
	Attempts       int           `json:"attempts"`
	LastError      string        `json:"last_error,omitempty"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// SegmentID derives the stable identifier for a segment from its owning job,
// its ordinal position and a hash of its source text.
func SegmentID(jobID string, ordinal int, sourceText string) string {
	textSum := sha256.Sum256([]byte(sourceText))
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%s", jobID, ordinal, hex.EncodeToString(textSum[:]))))
	return "seg-" + hex.EncodeToString(sum[:12])
}

// Counts is a per-status breakdown of a job's segments.
type Counts struct {
	Total    int `json:"total"`
	Pending  int `json:"pending"`
	InFlight int `json:"inflight"`
	Done     int `json:"done"`
	Failed   int `json:"failed"`
}

// Outcome is the terminal result of dispatching one segment.
type Outcome struct {
	Status         SegmentStatus // SegmentDone or SegmentFailed
	TranslatedText string
	Error          string
}

// PersistenceError reports a storage failure. The orchestrator treats it as
// fatal to the operation attempted rather than risking lost state.
type PersistenceError struct {
	Op    string
	Cause error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence: %s: %v", e.Op, e.Cause)
}

func (e *PersistenceError) Unwrap() error {
	return e.Cause
}
