package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"storytime/internal/domain"
)

// Compile-time check that Postgres implements Registry.
var _ Registry = (*Postgres)(nil)

// Postgres persists jobs in the jobs table. Update runs inside a transaction
// with SELECT ... FOR UPDATE, which gives the same per-job serialization the
// in-memory registry gets from its entry locks.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a registry backed by the given pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

type jobRow struct {
	ID            string
	OwnerID       string
	Stage         string
	Input         []byte
	Result        []byte
	Error         []byte
	Attempts      []byte
	ReservationID string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (r jobRow) toDomain() (*domain.Job, error) {
	j := &domain.Job{
		ID:            r.ID,
		OwnerID:       r.OwnerID,
		Stage:         domain.Stage(r.Stage),
		Attempts:      make(map[domain.Stage]int),
		ReservationID: r.ReservationID,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
	if err := json.Unmarshal(r.Input, &j.Input); err != nil {
		return nil, fmt.Errorf("decode job input: %w", err)
	}
	if len(r.Result) > 0 {
		if err := json.Unmarshal(r.Result, &j.Result); err != nil {
			return nil, fmt.Errorf("decode job result: %w", err)
		}
	}
	if len(r.Error) > 0 {
		var je domain.JobError
		if err := json.Unmarshal(r.Error, &je); err != nil {
			return nil, fmt.Errorf("decode job error: %w", err)
		}
		j.Error = &je
	}
	if len(r.Attempts) > 0 {
		if err := json.Unmarshal(r.Attempts, &j.Attempts); err != nil {
			return nil, fmt.Errorf("decode job attempts: %w", err)
		}
	}
	return j, nil
}

func encodeJob(j *domain.Job) (input, result, jobErr, attempts []byte, err error) {
	if input, err = json.Marshal(j.Input); err != nil {
		return
	}
	if result, err = json.Marshal(j.Result); err != nil {
		return
	}
	if j.Error != nil {
		if jobErr, err = json.Marshal(j.Error); err != nil {
			return
		}
	}
	attempts, err = json.Marshal(j.Attempts)
	return
}

const jobColumns = "id, owner_id, stage, input, result, error, attempts, reservation_id, created_at, updated_at"

func scanJob(row pgx.Row) (*domain.Job, error) {
	var r jobRow
	err := row.Scan(&r.ID, &r.OwnerID, &r.Stage, &r.Input, &r.Result, &r.Error, &r.Attempts, &r.ReservationID, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}
	return r.toDomain()
}

func (p *Postgres) Create(ctx context.Context, job *domain.Job) error {
	input, result, jobErr, attempts, err := encodeJob(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO jobs (id, owner_id, stage, input, result, error, attempts, reservation_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		job.ID, job.OwnerID, string(job.Stage), input, result, jobErr, attempts, job.ReservationID, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (p *Postgres) Get(ctx context.Context, id string) (*domain.Job, error) {
	row := p.pool.QueryRow(ctx, "SELECT "+jobColumns+" FROM jobs WHERE id = $1", id)
	return scanJob(row)
}

func (p *Postgres) Update(ctx context.Context, id string, expect domain.Stage, apply func(*domain.Job) error) (*domain.Job, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin update: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, "SELECT "+jobColumns+" FROM jobs WHERE id = $1 FOR UPDATE", id)
	job, err := scanJob(row)
	if err != nil {
		return nil, err
	}
	if job.Stage != expect {
		return nil, domain.ErrStageConflict
	}

	if err := apply(job); err != nil {
		return nil, err
	}
	if job.Stage != expect && !domain.CanTransition(expect, job.Stage) {
		return nil, domain.ErrInvalidTransition
	}
	job.UpdatedAt = nowUTC()

	// Input is immutable after Create, so only the mutable columns are written.
	_, result, jobErr, attempts, err := encodeJob(job)
	if err != nil {
		return nil, fmt.Errorf("encode job: %w", err)
	}
	_, err = tx.Exec(ctx, `
		UPDATE jobs
		SET stage = $2, result = $3, error = $4, attempts = $5, updated_at = $6
		WHERE id = $1`,
		job.ID, string(job.Stage), result, jobErr, attempts, job.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("update job: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit update: %w", err)
	}
	return job, nil
}

func (p *Postgres) List(ctx context.Context, f Filter, limit int, pageToken string) (Page, error) {
	cursor, err := decodeCursor(pageToken)
	if err != nil {
		return Page{}, err
	}
	if limit <= 0 {
		limit = defaultPageSize
	}

	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.OwnerID != "" {
		where = append(where, "owner_id = "+arg(f.OwnerID))
	}
	if len(f.Stages) > 0 {
		stages := make([]string, len(f.Stages))
		for i, s := range f.Stages {
			stages[i] = string(s)
		}
		where = append(where, "stage = ANY("+arg(stages)+")")
	}
	if cursor.ID != "" {
		where = append(where, fmt.Sprintf("(created_at, id) > (%s, %s)", arg(cursor.CreatedAt), arg(cursor.ID)))
	}

	query := "SELECT " + jobColumns + " FROM jobs"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC LIMIT " + arg(limit+1)

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return Page{}, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*domain.Job
	for rows.Next() {
		var r jobRow
		if err := rows.Scan(&r.ID, &r.OwnerID, &r.Stage, &r.Input, &r.Result, &r.Error, &r.Attempts, &r.ReservationID, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return Page{}, fmt.Errorf("scan job: %w", err)
		}
		j, err := r.toDomain()
		if err != nil {
			return Page{}, err
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return Page{}, fmt.Errorf("list jobs: %w", err)
	}

	page := Page{}
	if len(jobs) > limit {
		page.Jobs = jobs[:limit]
		page.NextToken = encodeCursor(jobs[limit-1])
	} else {
		page.Jobs = jobs
	}
	return page, nil
}
