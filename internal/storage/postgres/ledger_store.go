package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/kb-ingest/internal/ingest"
)

// LedgerStore persists balances in credit_accounts and the append-only log in
// credit_history. Each mutation and its history row share one transaction.
type LedgerStore struct {
	pool Pool
}

// NewLedgerStore constructs a LedgerStore on an existing pool.
func NewLedgerStore(pool Pool) (*LedgerStore, error) {
	if err := requirePool(pool); err != nil {
		return nil, err
	}
	return &LedgerStore{pool: pool}, nil
}

// Balance returns the account balance or ingest.ErrNotFound.
func (s *LedgerStore) Balance(ctx context.Context, accountID string) (int64, error) {
	var balance int64
	err := s.pool.QueryRow(ctx, `SELECT balance FROM credit_accounts WHERE account_id = $1`, accountID).
		Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ingest.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("select balance: %w", err)
	}
	return balance, nil
}

// Deduct subtracts amount with a conditional UPDATE that never overdraws.
func (s *LedgerStore) Deduct(ctx context.Context, accountID string, amount int64, description string) (int64, error) {
	var balance int64
	err := withTx(ctx, s.pool, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
UPDATE credit_accounts SET balance = balance - $2, updated_at = now()
WHERE account_id = $1 AND balance >= $2
RETURNING balance`, accountID, amount).Scan(&balance)
		if errors.Is(err, pgx.ErrNoRows) {
			return ingest.ErrInsufficientCredits
		}
		if err != nil {
			return fmt.Errorf("deduct: %w", err)
		}
		return insertHistory(ctx, tx, accountID, -amount, ingest.CreditTypeUsage, description)
	})
	if err != nil {
		return 0, err
	}
	return balance, nil
}

// Credit adds amount, creating the account row on first use.
func (s *LedgerStore) Credit(
	ctx context.Context,
	accountID string,
	amount int64,
	typ ingest.CreditType,
	description string,
) (int64, error) {
	var balance int64
	err := withTx(ctx, s.pool, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
INSERT INTO credit_accounts (account_id, balance) VALUES ($1, $2)
ON CONFLICT (account_id) DO UPDATE
SET balance = credit_accounts.balance + EXCLUDED.balance, updated_at = now()
RETURNING balance`, accountID, amount).Scan(&balance)
		if err != nil {
			return fmt.Errorf("credit: %w", err)
		}
		return insertHistory(ctx, tx, accountID, amount, typ, description)
	})
	if err != nil {
		return 0, err
	}
	return balance, nil
}

// MeterPage locks the account row, advances the page meter and deducts one
// credit at the first page of each block.
func (s *LedgerStore) MeterPage(
	ctx context.Context,
	accountID string,
	pagesPerCredit int64,
	description string,
) (bool, error) {
	var charged bool
	err := withTx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO credit_accounts (account_id) VALUES ($1) ON CONFLICT (account_id) DO NOTHING`,
			accountID); err != nil {
			return fmt.Errorf("ensure account: %w", err)
		}
		var balance, metered int64
		if err := tx.QueryRow(ctx,
			`SELECT balance, pages_metered FROM credit_accounts WHERE account_id = $1 FOR UPDATE`,
			accountID).Scan(&balance, &metered); err != nil {
			return fmt.Errorf("lock account: %w", err)
		}
		charged = metered%pagesPerCredit == 0
		var cost int64
		if charged {
			if balance < 1 {
				return ingest.ErrInsufficientCredits
			}
			cost = 1
		}
		if _, err := tx.Exec(ctx, `
UPDATE credit_accounts
SET balance = balance - $2, pages_metered = pages_metered + 1, updated_at = now()
WHERE account_id = $1`, accountID, cost); err != nil {
			return fmt.Errorf("advance meter: %w", err)
		}
		if !charged {
			return nil
		}
		return insertHistory(ctx, tx, accountID, -1, ingest.CreditTypeUsage, description)
	})
	if err != nil {
		return false, err
	}
	return charged, nil
}

// History returns up to limit rows, newest first.
func (s *LedgerStore) History(ctx context.Context, accountID string, limit int) ([]ingest.CreditHistory, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, account_id, amount, type, description, created_at
FROM credit_history WHERE account_id = $1
ORDER BY id DESC LIMIT $2`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("credit history: %w", err)
	}
	defer rows.Close()
	var out []ingest.CreditHistory
	for rows.Next() {
		var (
			h   ingest.CreditHistory
			typ string
		)
		if err := rows.Scan(&h.ID, &h.AccountID, &h.Amount, &typ, &h.Description, &h.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan credit history: %w", err)
		}
		h.Type = ingest.CreditType(typ)
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("credit history: %w", err)
	}
	return out, nil
}

func insertHistory(
	ctx context.Context,
	tx pgx.Tx,
	accountID string,
	amount int64,
	typ ingest.CreditType,
	description string,
) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO credit_history (account_id, amount, type, description) VALUES ($1, $2, $3, $4)`,
		accountID, amount, string(typ), description)
	if err != nil {
		return fmt.Errorf("insert credit history: %w", err)
	}
	return nil
}
