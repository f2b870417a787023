// Package ledger implements the prepaid credit ledger: balance lookups,
// atomic no-overdraft deductions, credits and the pricing of billable
// actions.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/kb-ingest/internal/ingest"
)

// Pricing controls what billable actions cost.
type Pricing struct {
	// MessageCost is deducted for every bot reply.
	MessageCost int64
	// PagesPerCredit is how many crawled pages one credit covers.
	PagesPerCredit int64
}

// DefaultPricing returns the standard price list.
func DefaultPricing() Pricing {
	return Pricing{MessageCost: 1, PagesPerCredit: 10}
}

// Ledger applies pricing on top of a LedgerStore.
type Ledger struct {
	store    ingest.LedgerStore
	pricing  Pricing
	accounts map[string]string
	logger   *zap.Logger
}

// New constructs a Ledger. accounts maps bot IDs to the account that pays for
// them; bots without an entry are billed to an account of the same ID.
func New(store ingest.LedgerStore, pricing Pricing, accounts map[string]string, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultPricing()
	if pricing.MessageCost <= 0 {
		pricing.MessageCost = def.MessageCost
	}
	if pricing.PagesPerCredit <= 0 {
		pricing.PagesPerCredit = def.PagesPerCredit
	}
	return &Ledger{
		store:    store,
		pricing:  pricing,
		accounts: accounts,
		logger:   logger,
	}
}

// AccountFor returns the account billed for botID.
func (l *Ledger) AccountFor(botID string) string {
	if acct, ok := l.accounts[botID]; ok && acct != "" {
		return acct
	}
	return botID
}

// Balance returns the current balance, zero when none is recorded.
func (l *Ledger) Balance(ctx context.Context, accountID string) (int64, error) {
	if err := requireAccount(accountID); err != nil {
		return 0, err
	}
	balance, err := l.store.Balance(ctx, accountID)
	if errors.Is(err, ingest.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read balance: %w", err)
	}
	return balance, nil
}

// CheckAndDeduct removes amount from the balance and records a usage row, or
// returns ingest.ErrInsufficientCredits leaving the balance untouched.
func (l *Ledger) CheckAndDeduct(ctx context.Context, accountID string, amount int64, description string) error {
	if err := requireAccount(accountID); err != nil {
		return err
	}
	if amount <= 0 {
		return ingest.NewSetupError("deduction must be positive, got %d", amount)
	}
	balance, err := l.store.Deduct(ctx, accountID, amount, description)
	if err != nil {
		if errors.Is(err, ingest.ErrInsufficientCredits) {
			l.logger.Info("deduction rejected",
				zap.String("account_id", accountID),
				zap.Int64("amount", amount),
			)
			return ingest.ErrInsufficientCredits
		}
		return fmt.Errorf("deduct credits: %w", err)
	}
	l.logger.Debug("credits deducted",
		zap.String("account_id", accountID),
		zap.Int64("amount", amount),
		zap.Int64("balance", balance),
	)
	return nil
}

// Credit adds amount to the balance with a purchase or bonus history row.
func (l *Ledger) Credit(
	ctx context.Context,
	accountID string,
	amount int64,
	typ ingest.CreditType,
	description string,
) (int64, error) {
	if err := requireAccount(accountID); err != nil {
		return 0, err
	}
	if amount <= 0 {
		return 0, ingest.NewSetupError("credit must be positive, got %d", amount)
	}
	if typ != ingest.CreditTypePurchase && typ != ingest.CreditTypeBonus {
		return 0, ingest.NewSetupError("credit type must be purchase or bonus, got %q", typ)
	}
	balance, err := l.store.Credit(ctx, accountID, amount, typ, description)
	if err != nil {
		return 0, fmt.Errorf("credit account: %w", err)
	}
	l.logger.Info("credits added",
		zap.String("account_id", accountID),
		zap.Int64("amount", amount),
		zap.String("type", string(typ)),
		zap.Int64("balance", balance),
	)
	return balance, nil
}

// TopUp is the external entry point for purchases and grants.
func (l *Ledger) TopUp(
	ctx context.Context,
	accountID string,
	amount int64,
	typ ingest.CreditType,
	description string,
) (int64, error) {
	if typ == "" {
		typ = ingest.CreditTypePurchase
	}
	if description == "" {
		description = "top up"
	}
	return l.Credit(ctx, accountID, amount, typ, description)
}

// ChargeForMessage bills one bot reply.
func (l *Ledger) ChargeForMessage(ctx context.Context, accountID string) error {
	return l.CheckAndDeduct(ctx, accountID, l.pricing.MessageCost, "bot reply")
}

// ChargeForCrawledPage bills one crawled page. Pages are priced as a fraction
// of a credit: a whole credit is taken at the start of each block of
// PagesPerCredit pages.
func (l *Ledger) ChargeForCrawledPage(ctx context.Context, accountID string) error {
	if err := requireAccount(accountID); err != nil {
		return err
	}
	desc := fmt.Sprintf("crawled pages (%d per credit)", l.pricing.PagesPerCredit)
	charged, err := l.store.MeterPage(ctx, accountID, l.pricing.PagesPerCredit, desc)
	if err != nil {
		if errors.Is(err, ingest.ErrInsufficientCredits) {
			return ingest.ErrInsufficientCredits
		}
		return fmt.Errorf("meter page: %w", err)
	}
	if charged {
		l.logger.Debug("page block charged", zap.String("account_id", accountID))
	}
	return nil
}

// History returns the newest ledger rows first.
func (l *Ledger) History(ctx context.Context, accountID string, limit int) ([]ingest.CreditHistory, error) {
	if err := requireAccount(accountID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := l.store.History(ctx, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("credit history: %w", err)
	}
	return rows, nil
}

func requireAccount(accountID string) error {
	if strings.TrimSpace(accountID) == "" {
		return ingest.NewSetupError("account id is required")
	}
	return nil
}
