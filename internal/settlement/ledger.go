package settlement

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Aidin1998/orbit_core/pkg/models"
)

// Ledger is the balance store the transaction manager delegates to. The
// production implementation lives outside the core; MemoryLedger backs
// the default wiring and the tests.
type Ledger interface {
	// ApplyBalanceUpdate applies one signed delta. Implementations must
	// be idempotent per update ID or reject duplicates.
	ApplyBalanceUpdate(ctx context.Context, update *models.BalanceUpdate) error
}

type balanceKey struct {
	UserID uuid.UUID
	Asset  string
}

// MemoryLedger is an in-process ledger keyed by (user, asset).
type MemoryLedger struct {
	mu       sync.RWMutex
	balances map[balanceKey]decimal.Decimal

	// failOn forces an application failure for a specific update ID, used
	// by tests to verify rollback behavior.
	failOn map[uuid.UUID]error
	// failUsers forces the next application touching a user to fail.
	failUsers map[uuid.UUID]struct{}
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		balances:  make(map[balanceKey]decimal.Decimal),
		failOn:    make(map[uuid.UUID]error),
		failUsers: make(map[uuid.UUID]struct{}),
	}
}

// ApplyBalanceUpdate adds the signed amount to the (user, asset) balance.
func (l *MemoryLedger) ApplyBalanceUpdate(ctx context.Context, update *models.BalanceUpdate) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err, ok := l.failOn[update.ID]; ok {
		return err
	}
	if _, ok := l.failUsers[update.UserID]; ok {
		delete(l.failUsers, update.UserID)
		return errors.New("ledger unavailable for user")
	}

	key := balanceKey{UserID: update.UserID, Asset: update.Asset}
	l.balances[key] = l.balances[key].Add(update.Amount)
	return nil
}

// Balance returns the current balance for (user, asset).
func (l *MemoryLedger) Balance(userID uuid.UUID, asset string) decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.balances[balanceKey{UserID: userID, Asset: asset}]
}

// FailOn makes the next application of the given update ID return err.
func (l *MemoryLedger) FailOn(updateID uuid.UUID, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failOn[updateID] = err
}

// FailNextFor makes the next application touching the user fail once.
func (l *MemoryLedger) FailNextFor(userID uuid.UUID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failUsers[userID] = struct{}{}
}
