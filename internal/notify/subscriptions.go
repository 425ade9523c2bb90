// Package notify fans stage transitions out to webhook subscribers and live
// websocket listeners. Delivery per job is in-order; webhooks retry with
// backoff, websocket pushes are best effort.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"storytime/internal/domain"
)

// SubscriptionStore holds webhook registrations.
type SubscriptionStore interface {
	// Add registers a subscription.
	Add(ctx context.Context, sub domain.WebhookSubscription) error

	// Remove deletes a subscription by id, scoped to its owner.
	Remove(ctx context.Context, ownerID, id string) error

	// ForJob returns the subscriptions matching a job: job-scoped ones for
	// that job plus the owner's catch-all registrations.
	ForJob(ctx context.Context, ownerID, jobID string) ([]domain.WebhookSubscription, error)

	// ForOwner returns every subscription of the owner.
	ForOwner(ctx context.Context, ownerID string) ([]domain.WebhookSubscription, error)
}

// Compile-time check that MemorySubscriptions implements SubscriptionStore.
var _ SubscriptionStore = (*MemorySubscriptions)(nil)

// MemorySubscriptions is a process-local SubscriptionStore.
type MemorySubscriptions struct {
	mu   sync.RWMutex
	subs map[string]domain.WebhookSubscription
}

// NewMemorySubscriptions creates an empty store.
func NewMemorySubscriptions() *MemorySubscriptions {
	return &MemorySubscriptions{subs: make(map[string]domain.WebhookSubscription)}
}

func (m *MemorySubscriptions) Add(_ context.Context, sub domain.WebhookSubscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.ID] = sub
	return nil
}

func (m *MemorySubscriptions) Remove(_ context.Context, ownerID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[id]
	if !ok || sub.OwnerID != ownerID {
		return domain.ErrNotFound
	}
	delete(m.subs, id)
	return nil
}

func (m *MemorySubscriptions) ForJob(_ context.Context, ownerID, jobID string) ([]domain.WebhookSubscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.WebhookSubscription
	for _, sub := range m.subs {
		if sub.OwnerID == ownerID && (sub.JobID == "" || sub.JobID == jobID) {
			out = append(out, sub)
		}
	}
	return out, nil
}

func (m *MemorySubscriptions) ForOwner(_ context.Context, ownerID string) ([]domain.WebhookSubscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.WebhookSubscription
	for _, sub := range m.subs {
		if sub.OwnerID == ownerID {
			out = append(out, sub)
		}
	}
	return out, nil
}

// Compile-time check that PostgresSubscriptions implements SubscriptionStore.
var _ SubscriptionStore = (*PostgresSubscriptions)(nil)

// PostgresSubscriptions persists registrations in the webhook_subscriptions
// table.
type PostgresSubscriptions struct {
	pool *pgxpool.Pool
}

// NewPostgresSubscriptions creates a store backed by the given pool.
func NewPostgresSubscriptions(pool *pgxpool.Pool) *PostgresSubscriptions {
	return &PostgresSubscriptions{pool: pool}
}

func (p *PostgresSubscriptions) Add(ctx context.Context, sub domain.WebhookSubscription) error {
	var jobID any
	if sub.JobID != "" {
		jobID = sub.JobID
	}
	_, err := p.pool.Exec(ctx, `
		INSERT INTO webhook_subscriptions (id, owner_id, job_id, url, secret, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		sub.ID, sub.OwnerID, jobID, sub.URL, sub.Secret, sub.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert subscription: %w", err)
	}
	return nil
}

func (p *PostgresSubscriptions) Remove(ctx context.Context, ownerID, id string) error {
	tag, err := p.pool.Exec(ctx,
		"DELETE FROM webhook_subscriptions WHERE id = $1 AND owner_id = $2", id, ownerID)
	if err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (p *PostgresSubscriptions) ForJob(ctx context.Context, ownerID, jobID string) ([]domain.WebhookSubscription, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, owner_id, COALESCE(job_id::text, ''), url, secret, created_at
		FROM webhook_subscriptions
		WHERE owner_id = $1 AND (job_id IS NULL OR job_id = $2)`,
		ownerID, jobID)
	if err != nil {
		return nil, fmt.Errorf("query subscriptions: %w", err)
	}
	return scanSubscriptions(rows)
}

func (p *PostgresSubscriptions) ForOwner(ctx context.Context, ownerID string) ([]domain.WebhookSubscription, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, owner_id, COALESCE(job_id::text, ''), url, secret, created_at
		FROM webhook_subscriptions
		WHERE owner_id = $1`,
		ownerID)
	if err != nil {
		return nil, fmt.Errorf("query subscriptions: %w", err)
	}
	return scanSubscriptions(rows)
}

func scanSubscriptions(rows pgx.Rows) ([]domain.WebhookSubscription, error) {
	defer rows.Close()
	var out []domain.WebhookSubscription
	for rows.Next() {
		var sub domain.WebhookSubscription
		if err := rows.Scan(&sub.ID, &sub.OwnerID, &sub.JobID, &sub.URL, &sub.Secret, &sub.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		out = append(out, sub)
	}
	if err := rows.Err(); err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("query subscriptions: %w", err)
	}
	return out, nil
}
