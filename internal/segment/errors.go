package segment

import "fmt"

// SegmentationError is fatal to a job: the content tree could not be
// decomposed into segments and nothing was persisted.
type SegmentationError struct {
	Message string
	Cause   error
}

func (e *SegmentationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("segmentation: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("segmentation: %s", e.Message)
}

func (e *SegmentationError) Unwrap() error {
	return e.Cause
}

// ReassemblyError indicates a segmenter/store mismatch. It is never expected
// under correct operation and is surfaced as an unrecoverable job error.
type ReassemblyError struct {
	Message string
}

func (e *ReassemblyError) Error() string {
	return fmt.Sprintf("reassembly: %s", e.Message)
}
