package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"storytime/internal/infra"
	"storytime/internal/ledger"
)

// credits grants story credits to an owner or prints the current balance.
//
//	credits -owner user-123            # show balance
//	credits -owner user-123 -grant 20  # add 20 credits
func main() {
	var (
		ownerFlag string
		grantFlag int
	)
	flag.StringVar(&ownerFlag, "owner", "", "owner ID to operate on")
	flag.IntVar(&grantFlag, "grant", 0, "credits to add (omit to only show the balance)")
	flag.Parse()

	ownerID := strings.TrimSpace(ownerFlag)
	if ownerID == "" {
		exitWithError(errors.New("-owner is required"))
	}
	if grantFlag < 0 {
		exitWithError(fmt.Errorf("cannot grant %d credits", grantFlag))
	}

	_ = godotenv.Load()
	dbURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if dbURL == "" {
		exitWithError(errors.New("DATABASE_URL is required"))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		exitWithError(fmt.Errorf("failed to connect database: %w", err))
	}
	defer pool.Close()

	logger := infra.NewLogger("cli").With().Str("cmd", "credits").Logger()
	store := ledger.NewPostgres(pool, logger)

	if grantFlag > 0 {
		if err := store.Grant(ctx, ownerID, grantFlag); err != nil {
			exitWithError(fmt.Errorf("failed to grant credits: %w", err))
		}
	}

	balance, err := store.Balance(ctx, ownerID)
	if err != nil && !errors.Is(err, ledger.ErrUnknownOwner) {
		exitWithError(fmt.Errorf("failed to load balance: %w", err))
	}

	if grantFlag > 0 {
		fmt.Printf("Granted %d credits to %s\n", grantFlag, ownerID)
	}
	fmt.Printf("balance=%d\n", balance)
}

func exitWithError(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
