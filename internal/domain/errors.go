package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrNotCancellable    = errors.New("job not cancellable")
	ErrStageConflict     = errors.New("stage conflict")
	ErrInvalidTransition = errors.New("invalid stage transition")
	ErrValidation        = errors.New("invalid request")
)

// DenialReason enumerates why admission rejected a submission.
type DenialReason string

const (
	DeniedRateLimited           DenialReason = "rate_limited"
	DeniedInsufficientCredits   DenialReason = "insufficient_credits"
	DeniedTooManyConcurrentJobs DenialReason = "too_many_concurrent_jobs"
	DeniedFeatureUnavailable    DenialReason = "feature_unavailable"
)

// AdmissionDenied is returned synchronously before a job exists.
type AdmissionDenied struct {
	Reason DenialReason
	Detail string
}

func (e *AdmissionDenied) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("admission denied: %s", e.Reason)
	}
	return fmt.Sprintf("admission denied: %s: %s", e.Reason, e.Detail)
}

// Denied extracts an AdmissionDenied from err, if present.
func Denied(err error) (*AdmissionDenied, bool) {
	var d *AdmissionDenied
	if errors.As(err, &d) {
		return d, true
	}
	return nil, false
}
