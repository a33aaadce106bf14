package errors

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidInput           = errors.New("invalid prioritization input")
	ErrInvalidSubmission      = errors.New("invalid ranking submission")
	ErrIncompleteSubmission   = errors.New("ranking submission does not cover all eligible items")
	ErrWorkgroupNotFound      = errors.New("workgroup not found")
	ErrSnapshotNotFound       = errors.New("ranking snapshot not found")
	ErrUnknownStage           = errors.New("unknown work item stage")
	ErrConcurrentModification = errors.New("eligibility version conflict")
	ErrConflict               = errors.New("prioritization state conflict")
)

// InvalidSubmissionError carries the ids that caused a submission rejection so
// the caller can show the member exactly what to fix. errors.Is matches
// ErrInvalidSubmission.
type InvalidSubmissionError struct {
	DuplicateIDs  []string
	IneligibleIDs []string
}

func (e *InvalidSubmissionError) Error() string {
	parts := make([]string, 0, 2)
	if len(e.DuplicateIDs) > 0 {
		parts = append(parts, fmt.Sprintf("duplicate ids: %s", strings.Join(e.DuplicateIDs, ", ")))
	}
	if len(e.IneligibleIDs) > 0 {
		parts = append(parts, fmt.Sprintf("ineligible ids: %s", strings.Join(e.IneligibleIDs, ", ")))
	}
	if len(parts) == 0 {
		return ErrInvalidSubmission.Error()
	}
	return fmt.Sprintf("%s (%s)", ErrInvalidSubmission.Error(), strings.Join(parts, "; "))
}

func (e *InvalidSubmissionError) Is(target error) bool {
	return target == ErrInvalidSubmission
}
