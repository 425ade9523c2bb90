package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// Compile-time check that Postgres implements Ledger.
var _ Ledger = (*Postgres)(nil)

// Postgres persists credit balances and reservations. The balance decrement
// and the hold insert share one transaction so a crash can never lose or
// double-spend a credit.
type Postgres struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewPostgres creates a Postgres-backed ledger.
func NewPostgres(pool *pgxpool.Pool, logger zerolog.Logger) *Postgres {
	return &Postgres{pool: pool, logger: logger}
}

func (p *Postgres) Balance(ctx context.Context, ownerID string) (int, error) {
	var balance int
	err := p.pool.QueryRow(ctx,
		`SELECT balance FROM credit_accounts WHERE owner_id = $1`, ownerID,
	).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrUnknownOwner
	}
	if err != nil {
		return 0, fmt.Errorf("ledger balance: %w", err)
	}
	return balance, nil
}

func (p *Postgres) Grant(ctx context.Context, ownerID string, amount int) error {
	_, err := p.pool.Exec(ctx, `
INSERT INTO credit_accounts (owner_id, balance) VALUES ($1, $2)
ON CONFLICT (owner_id) DO UPDATE SET balance = credit_accounts.balance + $2`,
		ownerID, amount)
	if err != nil {
		return fmt.Errorf("ledger grant: %w", err)
	}
	return nil
}

func (p *Postgres) Reserve(ctx context.Context, ownerID string) (string, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("ledger reserve: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
UPDATE credit_accounts SET balance = balance - 1
WHERE owner_id = $1 AND balance >= 1`, ownerID)
	if err != nil {
		return "", fmt.Errorf("ledger reserve: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return "", ErrInsufficientCredits
	}

	id := uuid.NewString()
	if _, err := tx.Exec(ctx, `
INSERT INTO credit_reservations (id, owner_id, state) VALUES ($1, $2, 'held')`,
		id, ownerID); err != nil {
		return "", fmt.Errorf("ledger reserve: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("ledger reserve: %w", err)
	}
	p.logger.Debug().Str("owner_id", ownerID).Str("reservation_id", id).Msg("credit reserved")
	return id, nil
}

func (p *Postgres) Consume(ctx context.Context, reservationID string) error {
	return p.settle(ctx, reservationID, "consumed", false)
}

func (p *Postgres) Release(ctx context.Context, reservationID string) error {
	return p.settle(ctx, reservationID, "released", true)
}

func (p *Postgres) settle(ctx context.Context, reservationID, state string, refund bool) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("ledger settle: %w", err)
	}
	defer tx.Rollback(ctx)

	var ownerID, current string
	err = tx.QueryRow(ctx, `
SELECT owner_id, state FROM credit_reservations WHERE id = $1 FOR UPDATE`,
		reservationID).Scan(&ownerID, &current)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrUnknownReservation
	}
	if err != nil {
		return fmt.Errorf("ledger settle: %w", err)
	}
	if current != "held" {
		return ErrAlreadySettled
	}

	if _, err := tx.Exec(ctx,
		`UPDATE credit_reservations SET state = $2, settled_at = NOW() WHERE id = $1`,
		reservationID, state); err != nil {
		return fmt.Errorf("ledger settle: %w", err)
	}
	if refund {
		if _, err := tx.Exec(ctx,
			`UPDATE credit_accounts SET balance = balance + 1 WHERE owner_id = $1`,
			ownerID); err != nil {
			return fmt.Errorf("ledger settle: %w", err)
		}
	}
	return tx.Commit(ctx)
}
