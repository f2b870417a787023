package memory

import (
	"context"
	"sync"
	"time"

	"github.com/JakeFAU/kb-ingest/internal/ingest"
)

type account struct {
	balance      int64
	pagesMetered int64
}

// LedgerStore keeps balances and history under one mutex so every
// check-and-deduct is a single critical section.
type LedgerStore struct {
	mu       sync.Mutex
	accounts map[string]*account
	history  []ingest.CreditHistory
	seq      int64
}

// NewLedgerStore constructs a LedgerStore.
func NewLedgerStore() *LedgerStore {
	return &LedgerStore{accounts: make(map[string]*account)}
}

// Balance returns the account balance or ingest.ErrNotFound.
func (s *LedgerStore) Balance(_ context.Context, accountID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[accountID]
	if !ok {
		return 0, ingest.ErrNotFound
	}
	return acct.balance, nil
}

// Deduct subtracts amount when the balance covers it.
func (s *LedgerStore) Deduct(_ context.Context, accountID string, amount int64, description string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[accountID]
	if !ok || acct.balance < amount {
		return 0, ingest.ErrInsufficientCredits
	}
	acct.balance -= amount
	s.appendLocked(accountID, -amount, ingest.CreditTypeUsage, description)
	return acct.balance, nil
}

// Credit adds amount, creating the account when needed.
func (s *LedgerStore) Credit(
	_ context.Context,
	accountID string,
	amount int64,
	typ ingest.CreditType,
	description string,
) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct := s.accountLocked(accountID)
	acct.balance += amount
	s.appendLocked(accountID, amount, typ, description)
	return acct.balance, nil
}

// MeterPage advances the page meter, charging one credit per block.
func (s *LedgerStore) MeterPage(
	_ context.Context,
	accountID string,
	pagesPerCredit int64,
	description string,
) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[accountID]
	if !ok {
		// A fresh meter starts a block, which an unfunded account cannot pay.
		return false, ingest.ErrInsufficientCredits
	}
	charge := acct.pagesMetered%pagesPerCredit == 0
	if charge {
		if acct.balance < 1 {
			return false, ingest.ErrInsufficientCredits
		}
		acct.balance--
		s.appendLocked(accountID, -1, ingest.CreditTypeUsage, description)
	}
	acct.pagesMetered++
	return charge, nil
}

// History returns up to limit rows, newest first.
func (s *LedgerStore) History(_ context.Context, accountID string, limit int) ([]ingest.CreditHistory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ingest.CreditHistory
	for i := len(s.history) - 1; i >= 0 && len(out) < limit; i-- {
		if s.history[i].AccountID == accountID {
			out = append(out, s.history[i])
		}
	}
	return out, nil
}

func (s *LedgerStore) accountLocked(accountID string) *account {
	acct, ok := s.accounts[accountID]
	if !ok {
		acct = &account{}
		s.accounts[accountID] = acct
	}
	return acct
}

func (s *LedgerStore) appendLocked(accountID string, amount int64, typ ingest.CreditType, description string) {
	s.seq++
	s.history = append(s.history, ingest.CreditHistory{
		ID:          s.seq,
		AccountID:   accountID,
		Amount:      amount,
		Type:        typ,
		Description: description,
		CreatedAt:   time.Now().UTC(),
	})
}
