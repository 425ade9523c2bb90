// Package ledger tracks story credits. Credits are reserved at admission and
// settled exactly once when the job terminates: consumed on success, released
// back to the balance otherwise.
package ledger

import (
	"context"
	"errors"
)

var (
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrUnknownReservation  = errors.New("unknown reservation")
	ErrAlreadySettled      = errors.New("reservation already settled")
	ErrUnknownOwner        = errors.New("unknown owner")
)

// Ledger is the credit store consulted by the admission controller.
type Ledger interface {
	// Balance returns the spendable credits of an owner, excluding holds.
	Balance(ctx context.Context, ownerID string) (int, error)

	// Grant adds credits to an owner, creating the account if needed.
	Grant(ctx context.Context, ownerID string, amount int) error

	// Reserve places a one-credit hold and returns its id. Fails with
	// ErrInsufficientCredits when the balance is empty.
	Reserve(ctx context.Context, ownerID string) (string, error)

	// Consume settles a reservation permanently.
	Consume(ctx context.Context, reservationID string) error

	// Release settles a reservation by restoring the held credit.
	Release(ctx context.Context, reservationID string) error
}
