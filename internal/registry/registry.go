// Package registry is the single source of truth for job state. Updates are
// compare-and-set on the current stage so a duplicated operation fails
// loudly instead of applying twice.
package registry

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"storytime/internal/domain"
)

// Filter narrows a List call.
type Filter struct {
	OwnerID string
	Stages  []domain.Stage
}

// Page is one slice of an order-stable listing. NextToken is empty on the
// last page; passing it back resumes the listing exactly where it stopped.
type Page struct {
	Jobs      []*domain.Job
	NextToken string
}

// Registry stores job records. Concurrent updates for the same id serialize;
// updates for different ids never block each other.
type Registry interface {
	// Create inserts a new job record.
	Create(ctx context.Context, job *domain.Job) error

	// Get returns a snapshot of the job, or domain.ErrNotFound.
	Get(ctx context.Context, id string) (*domain.Job, error)

	// Update applies a mutation while the job is exclusively held. The
	// current stage must equal expect or the call fails with
	// domain.ErrStageConflict. A stage change made by apply must be a legal
	// transition. The updated snapshot is returned.
	Update(ctx context.Context, id string, expect domain.Stage, apply func(*domain.Job) error) (*domain.Job, error)

	// List returns jobs matching the filter ordered by (created_at, id),
	// ascending, resumable via the page token.
	List(ctx context.Context, f Filter, limit int, pageToken string) (Page, error)
}

const defaultPageSize = 50

func nowUTC() time.Time { return time.Now().UTC() }

type pageCursor struct {
	CreatedAt time.Time `json:"c"`
	ID        string    `json:"i"`
}

func encodeCursor(j *domain.Job) string {
	raw, _ := json.Marshal(pageCursor{CreatedAt: j.CreatedAt, ID: j.ID})
	return base64.RawURLEncoding.EncodeToString(raw)
}

func decodeCursor(token string) (pageCursor, error) {
	var c pageCursor
	if token == "" {
		return c, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return c, fmt.Errorf("page token: %w", err)
	}
	if err := json.Unmarshal(raw, &c); err != nil {
		return c, fmt.Errorf("page token: %w", err)
	}
	return c, nil
}

func afterCursor(j *domain.Job, c pageCursor) bool {
	if c.ID == "" {
		return true
	}
	if j.CreatedAt.After(c.CreatedAt) {
		return true
	}
	if j.CreatedAt.Equal(c.CreatedAt) {
		return j.ID > c.ID
	}
	return false
}

func matches(j *domain.Job, f Filter) bool {
	if f.OwnerID != "" && j.OwnerID != f.OwnerID {
		return false
	}
	if len(f.Stages) > 0 {
		found := false
		for _, s := range f.Stages {
			if j.Stage == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
