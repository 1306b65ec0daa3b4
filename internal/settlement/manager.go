// Package settlement implements atomic trade settlement. A transaction
// locks its full (user, asset) set up front, applies every balance update
// on commit, and rolls back wholesale on any individual failure, so no
// partial settlement is ever observable.
package settlement

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	pkgerrors "github.com/Aidin1998/orbit_core/pkg/errors"
	"github.com/Aidin1998/orbit_core/pkg/models"
)

// TransactionState tracks a transaction through its lifecycle.
type TransactionState string

const (
	StateActive     TransactionState = "ACTIVE"
	StateCommitting TransactionState = "COMMITTING"
	StateCommitted  TransactionState = "COMMITTED"
	StateRolledBack TransactionState = "ROLLED_BACK"
)

// DefaultTransactionTimeout bounds how long a transaction may hold its
// locks before the automatic rollback fires.
const DefaultTransactionTimeout = 5 * time.Second

type lockKey struct {
	UserID uuid.UUID
	Asset  string
}

func (k lockKey) String() string {
	return fmt.Sprintf("%s/%s", k.UserID, k.Asset)
}

type transaction struct {
	id      string
	updates []*models.BalanceUpdate
	lockSet []lockKey
	state   TransactionState
	began   time.Time
	timer   *time.Timer
}

// Metrics tracks settlement manager activity.
type Metrics struct {
	Begun      int64
	Committed  int64
	RolledBack int64
	Conflicts  int64
	TimedOut   int64
	mu         sync.Mutex
}

func (m *Metrics) snapshot() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Metrics{
		Begun:      m.Begun,
		Committed:  m.Committed,
		RolledBack: m.RolledBack,
		Conflicts:  m.Conflicts,
		TimedOut:   m.TimedOut,
	}
}

// Manager is the atomic transaction manager. It is the sole path by which
// trade settlement touches balances.
type Manager struct {
	logger *zap.Logger
	ledger Ledger

	mu      sync.Mutex
	locks   map[lockKey]string // lock -> owning transaction ID
	txns    map[string]*transaction
	timeout time.Duration

	journal Journal
	metrics Metrics
}

// NewManager creates a manager applying updates through the given ledger.
// A non-positive timeout falls back to DefaultTransactionTimeout.
func NewManager(logger *zap.Logger, ledger Ledger, timeout time.Duration) *Manager {
	if timeout <= 0 {
		timeout = DefaultTransactionTimeout
	}
	return &Manager{
		logger:  logger,
		ledger:  ledger,
		locks:   make(map[lockKey]string),
		txns:    make(map[string]*transaction),
		timeout: timeout,
	}
}

// SetJournal installs an outcome journal. Call before the first
// transaction; a nil journal disables journaling.
func (m *Manager) SetJournal(j Journal) { m.journal = j }

func (m *Manager) journalize(txn *transaction, state TransactionState, cause error) {
	if m.journal == nil {
		return
	}
	entry := JournalEntry{
		TransactionID: txn.id,
		State:         state,
		Updates:       len(txn.updates),
		Held:          time.Since(txn.began),
		RecordedAt:    time.Now(),
	}
	if cause != nil {
		entry.Error = cause.Error()
	}
	m.journal.Record(entry)
}

// BeginTransaction computes the (user, asset) lock set for the updates
// and acquires it as a whole. If any element is held by another in-flight
// transaction it fails immediately with ConflictError; callers retry the
// whole settlement. A timer schedules automatic rollback should the
// transaction never commit.
func (m *Manager) BeginTransaction(id string, updates []*models.BalanceUpdate) error {
	if len(updates) == 0 {
		return fmt.Errorf("transaction %s: no balance updates", id)
	}
	if err := checkConservation(updates); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.txns[id]; exists {
		return fmt.Errorf("transaction %s already in flight", id)
	}

	lockSet := lockSetFor(updates)
	for _, key := range lockSet {
		if owner, held := m.locks[key]; held && owner != id {
			m.metrics.mu.Lock()
			m.metrics.Conflicts++
			m.metrics.mu.Unlock()
			return &pkgerrors.ConflictError{TransactionID: id, Resource: key.String()}
		}
	}
	// No partial acquisition: only lock once the whole set is free.
	for _, key := range lockSet {
		m.locks[key] = id
	}

	txn := &transaction{
		id:      id,
		updates: updates,
		lockSet: lockSet,
		state:   StateActive,
		began:   time.Now(),
	}
	txn.timer = time.AfterFunc(m.timeout, func() { m.expire(id) })
	m.txns[id] = txn

	m.metrics.mu.Lock()
	m.metrics.Begun++
	m.metrics.mu.Unlock()

	m.logger.Debug("Transaction begun",
		zap.String("transaction_id", id),
		zap.Int("updates", len(updates)),
		zap.Int("locks", len(lockSet)))
	return nil
}

// CommitTransaction applies every balance update in the set. If any
// individual application fails the already-applied updates are reversed,
// all locks are released, and a SettlementError propagates.
func (m *Manager) CommitTransaction(ctx context.Context, id string) error {
	m.mu.Lock()
	txn, ok := m.txns[id]
	if !ok || txn.state != StateActive {
		m.mu.Unlock()
		return fmt.Errorf("transaction %s not active", id)
	}
	// Freeze the transaction before the first ledger touch: once
	// COMMITTING, neither the expiry timer nor a rollback may release
	// the lock set out from under the apply loop.
	txn.state = StateCommitting
	if txn.timer != nil {
		txn.timer.Stop()
	}
	m.mu.Unlock()

	var applied []*models.BalanceUpdate
	for _, update := range txn.updates {
		if err := m.ledger.ApplyBalanceUpdate(ctx, update); err != nil {
			m.compensate(ctx, applied)
			m.release(txn, StateRolledBack)

			m.metrics.mu.Lock()
			m.metrics.RolledBack++
			m.metrics.mu.Unlock()

			m.logger.Error("Settlement failed, transaction rolled back",
				zap.String("transaction_id", id),
				zap.String("update_id", update.ID.String()),
				zap.Error(err))
			m.journalize(txn, StateRolledBack, err)
			return &pkgerrors.SettlementError{
				TransactionID: id,
				UpdateID:      update.ID.String(),
				Cause:         err,
			}
		}
		update.Applied = true
		applied = append(applied, update)
	}

	m.release(txn, StateCommitted)

	m.metrics.mu.Lock()
	m.metrics.Committed++
	m.metrics.mu.Unlock()

	m.logger.Debug("Transaction committed",
		zap.String("transaction_id", id),
		zap.Duration("held", time.Since(txn.began)))
	m.journalize(txn, StateCommitted, nil)
	return nil
}

// RollbackTransaction releases the locks without applying any update.
func (m *Manager) RollbackTransaction(id string) error {
	m.mu.Lock()
	txn, ok := m.txns[id]
	if !ok || txn.state != StateActive {
		m.mu.Unlock()
		return fmt.Errorf("transaction %s not active", id)
	}
	m.mu.Unlock()

	m.release(txn, StateRolledBack)

	m.metrics.mu.Lock()
	m.metrics.RolledBack++
	m.metrics.mu.Unlock()

	m.logger.Debug("Transaction rolled back", zap.String("transaction_id", id))
	m.journalize(txn, StateRolledBack, nil)
	return nil
}

// Metrics returns a copy of the manager's counters.
func (m *Manager) Metrics() Metrics {
	return m.metrics.snapshot()
}

// InFlight returns the number of active transactions.
func (m *Manager) InFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, txn := range m.txns {
		if txn.state == StateActive || txn.state == StateCommitting {
			n++
		}
	}
	return n
}

// compensate reverses already-applied updates with negated amounts.
func (m *Manager) compensate(ctx context.Context, applied []*models.BalanceUpdate) {
	for i := len(applied) - 1; i >= 0; i-- {
		u := applied[i]
		reversal := &models.BalanceUpdate{
			ID:      uuid.New(),
			UserID:  u.UserID,
			Asset:   u.Asset,
			ChainID: u.ChainID,
			Amount:  u.Amount.Neg(),
			Type:    u.Type,
			OrderID: u.OrderID,
			TradeID: u.TradeID,
		}
		if err := m.ledger.ApplyBalanceUpdate(ctx, reversal); err != nil {
			// The ledger failed both ways; nothing left but to surface it.
			m.logger.Error("Compensation failed",
				zap.String("update_id", u.ID.String()),
				zap.Error(err))
		}
		u.Applied = false
	}
}

func (m *Manager) release(txn *transaction, final TransactionState) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if txn.timer != nil {
		txn.timer.Stop()
	}
	for _, key := range txn.lockSet {
		if m.locks[key] == txn.id {
			delete(m.locks, key)
		}
	}
	txn.state = final
	delete(m.txns, txn.id)
}

// expire is the auto-rollback path for transactions that never commit.
func (m *Manager) expire(id string) {
	m.mu.Lock()
	txn, ok := m.txns[id]
	if !ok || txn.state != StateActive {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	m.release(txn, StateRolledBack)

	m.metrics.mu.Lock()
	m.metrics.TimedOut++
	m.metrics.RolledBack++
	m.metrics.mu.Unlock()

	m.logger.Warn("Transaction timed out, locks released",
		zap.String("transaction_id", id),
		zap.Duration("age", time.Since(txn.began)))
	m.journalize(txn, StateRolledBack, context.DeadlineExceeded)
}

func lockSetFor(updates []*models.BalanceUpdate) []lockKey {
	seen := make(map[lockKey]struct{}, len(updates))
	keys := make([]lockKey, 0, len(updates))
	for _, u := range updates {
		key := lockKey{UserID: u.UserID, Asset: u.Asset}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	return keys
}

// checkConservation verifies that TRADE update sets sum to zero per
// asset across both counterparties. Reserve/release sets are one-sided
// and exempt.
func checkConservation(updates []*models.BalanceUpdate) error {
	allTrade := true
	sums := make(map[string]decimal.Decimal)
	for _, u := range updates {
		if u.Type != models.BalanceUpdateTrade {
			allTrade = false
			break
		}
		sums[u.Asset] = sums[u.Asset].Add(u.Amount)
	}
	if !allTrade {
		return nil
	}
	for asset, sum := range sums {
		if !sum.IsZero() {
			return fmt.Errorf("unbalanced trade settlement: asset %s sums to %s", asset, sum)
		}
	}
	return nil
}
