// Package stage holds the pipeline stage clients: image analysis, story
// generation, speech synthesis and music mixing. Each client is a facade over
// one upstream service; when no API key is configured the clients produce
// deterministic synthetic output so the rest of the pipeline stays
// exercisable in local and CI environments.
package stage

import (
	"context"
	"errors"
	"fmt"

	"storytime/internal/domain"
)

// Request carries everything a stage needs: the immutable input plus the
// outputs accumulated by earlier stages.
type Request struct {
	JobID   string
	OwnerID string
	Input   domain.JobInput
	Result  domain.JobResult
}

// Output is the slice of the job result one stage produces. Fields for other
// stages stay zero.
type Output struct {
	Analysis         string
	StoryTitle       string
	StoryText        string
	NarrationSeconds int
	SpeechRef        string
	MixedRef         string
}

// Client invokes one pipeline stage against its upstream service.
type Client interface {
	// Stage identifies which pipeline stage this client serves.
	Stage() domain.Stage

	// Invoke performs the stage's work. Transient upstream failures are
	// returned as a retryable *UpstreamError.
	Invoke(ctx context.Context, req Request) (Output, error)
}

// UpstreamError is a failure reported by (or while reaching) an upstream
// service. Retryable failures may be attempted again; permanent ones fail the
// job immediately.
type UpstreamError struct {
	Status    int
	Message   string
	Retryable bool
}

func (e *UpstreamError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("upstream status %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("upstream: %s", e.Message)
}

// Retryable reports whether err should be retried. Only upstream errors
// marked retryable qualify; everything else fails immediately.
func Retryable(err error) bool {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.Retryable
	}
	return false
}

// statusError classifies an HTTP status into an UpstreamError. 429 and 5xx
// are transient; other client errors are permanent.
func statusError(status int, message string) *UpstreamError {
	return &UpstreamError{
		Status:    status,
		Message:   message,
		Retryable: status == 429 || status >= 500,
	}
}

// transportError wraps a failed round trip; the network may recover.
func transportError(err error) *UpstreamError {
	return &UpstreamError{Message: err.Error(), Retryable: true}
}
