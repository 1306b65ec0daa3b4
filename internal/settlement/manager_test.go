package settlement

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	pkgerrors "github.com/Aidin1998/orbit_core/pkg/errors"
	"github.com/Aidin1998/orbit_core/pkg/models"
)

var pair = &models.TradingPair{Symbol: "BTC-USDT", BaseAsset: "BTC", QuoteAsset: "USDT"}

func sampleTrade(side string, price, qty int64) *models.Trade {
	return &models.Trade{
		ID:           uuid.New(),
		Symbol:       "BTC-USDT",
		Price:        decimal.NewFromInt(price),
		Quantity:     decimal.NewFromInt(qty),
		TakerOrderID: uuid.New(),
		MakerOrderID: uuid.New(),
		TakerUserID:  uuid.New(),
		MakerUserID:  uuid.New(),
		Side:         side,
		CreatedAt:    time.Now(),
	}
}

func TestBuildTradeUpdatesBalanced(t *testing.T) {
	trade := sampleTrade(models.SideBuy, 99, 1)
	updates := BuildTradeUpdates(trade, pair)
	require.Len(t, updates, 4)

	sums := map[string]decimal.Decimal{}
	for _, u := range updates {
		sums[u.Asset] = sums[u.Asset].Add(u.Amount)
	}
	assert.True(t, sums["BTC"].IsZero(), "base leg must conserve, got %s", sums["BTC"])
	assert.True(t, sums["USDT"].IsZero(), "quote leg must conserve, got %s", sums["USDT"])
}

func TestCommitAppliesAllUpdates(t *testing.T) {
	ledger := NewMemoryLedger()
	mgr := NewManager(zap.NewNop(), ledger, time.Second)

	trade := sampleTrade(models.SideBuy, 99, 1)
	updates := BuildTradeUpdates(trade, pair)

	require.NoError(t, mgr.BeginTransaction(trade.ID.String(), updates))
	require.NoError(t, mgr.CommitTransaction(context.Background(), trade.ID.String()))

	assert.True(t, ledger.Balance(trade.TakerUserID, "BTC").Equal(decimal.NewFromInt(1)))
	assert.True(t, ledger.Balance(trade.TakerUserID, "USDT").Equal(decimal.NewFromInt(-99)))
	assert.True(t, ledger.Balance(trade.MakerUserID, "BTC").Equal(decimal.NewFromInt(-1)))
	assert.True(t, ledger.Balance(trade.MakerUserID, "USDT").Equal(decimal.NewFromInt(99)))
	for _, u := range updates {
		assert.True(t, u.Applied)
	}
	assert.Equal(t, 0, mgr.InFlight())
}

func TestLockConflictFailsFast(t *testing.T) {
	ledger := NewMemoryLedger()
	mgr := NewManager(zap.NewNop(), ledger, time.Second)

	trade := sampleTrade(models.SideBuy, 100, 2)
	first := BuildTradeUpdates(trade, pair)
	require.NoError(t, mgr.BeginTransaction("txn-1", first))

	// Second settlement touching the same taker/asset must not wait.
	other := sampleTrade(models.SideSell, 101, 1)
	other.TakerUserID = trade.TakerUserID
	second := BuildTradeUpdates(other, pair)

	err := mgr.BeginTransaction("txn-2", second)
	require.Error(t, err)
	var conflict *pkgerrors.ConflictError
	assert.ErrorAs(t, err, &conflict)
	assert.True(t, pkgerrors.IsRetryable(err))

	// After the first commits, the retry succeeds.
	require.NoError(t, mgr.CommitTransaction(context.Background(), "txn-1"))
	require.NoError(t, mgr.BeginTransaction("txn-2", second))
	require.NoError(t, mgr.CommitTransaction(context.Background(), "txn-2"))
}

func TestMidBatchFailureRollsBackEverything(t *testing.T) {
	ledger := NewMemoryLedger()
	mgr := NewManager(zap.NewNop(), ledger, time.Second)

	trade := sampleTrade(models.SideBuy, 50, 3)
	updates := BuildTradeUpdates(trade, pair)
	// Force the third application to fail mid-batch.
	ledger.FailOn(updates[2].ID, errors.New("ledger unavailable"))

	require.NoError(t, mgr.BeginTransaction(trade.ID.String(), updates))
	err := mgr.CommitTransaction(context.Background(), trade.ID.String())
	require.Error(t, err)

	var settlement *pkgerrors.SettlementError
	require.ErrorAs(t, err, &settlement)
	assert.Equal(t, updates[2].ID.String(), settlement.UpdateID)

	// No partial effect is observable.
	assert.True(t, ledger.Balance(trade.TakerUserID, "BTC").IsZero())
	assert.True(t, ledger.Balance(trade.TakerUserID, "USDT").IsZero())
	assert.True(t, ledger.Balance(trade.MakerUserID, "BTC").IsZero())
	for _, u := range updates {
		assert.False(t, u.Applied)
	}

	// Locks are free again.
	require.NoError(t, mgr.BeginTransaction("retry", BuildTradeUpdates(sampleTrade(models.SideBuy, 50, 1), pair)))
}

func TestRollbackReleasesWithoutApplying(t *testing.T) {
	ledger := NewMemoryLedger()
	mgr := NewManager(zap.NewNop(), ledger, time.Second)

	trade := sampleTrade(models.SideSell, 75, 1)
	updates := BuildTradeUpdates(trade, pair)
	require.NoError(t, mgr.BeginTransaction("txn", updates))
	require.NoError(t, mgr.RollbackTransaction("txn"))

	assert.True(t, ledger.Balance(trade.TakerUserID, "USDT").IsZero())
	assert.Equal(t, 0, mgr.InFlight())
	assert.Error(t, mgr.RollbackTransaction("txn"), "double rollback is rejected")
}

func TestTimeoutAutoRollback(t *testing.T) {
	ledger := NewMemoryLedger()
	mgr := NewManager(zap.NewNop(), ledger, 20*time.Millisecond)

	trade := sampleTrade(models.SideBuy, 10, 1)
	require.NoError(t, mgr.BeginTransaction("stuck", BuildTradeUpdates(trade, pair)))

	assert.Eventually(t, func() bool {
		return mgr.InFlight() == 0
	}, time.Second, 10*time.Millisecond, "abandoned transaction must release its locks")

	metrics := mgr.Metrics()
	assert.EqualValues(t, 1, metrics.TimedOut)
	assert.Error(t, mgr.CommitTransaction(context.Background(), "stuck"))
}

// slowLedger delays every application, stretching the commit window.
type slowLedger struct {
	*MemoryLedger
	delay time.Duration
}

func (l *slowLedger) ApplyBalanceUpdate(ctx context.Context, update *models.BalanceUpdate) error {
	time.Sleep(l.delay)
	return l.MemoryLedger.ApplyBalanceUpdate(ctx, update)
}

func TestCommitOutlastsExpiryTimer(t *testing.T) {
	ledger := &slowLedger{MemoryLedger: NewMemoryLedger(), delay: 40 * time.Millisecond}
	// Four updates at 40ms each, so the apply loop runs far past the
	// 50ms timeout. The timer must not release the locks mid-apply.
	mgr := NewManager(zap.NewNop(), ledger, 50*time.Millisecond)

	trade := sampleTrade(models.SideBuy, 100, 1)
	updates := BuildTradeUpdates(trade, pair)
	require.NoError(t, mgr.BeginTransaction("t1", updates))

	commitDone := make(chan error, 1)
	go func() { commitDone <- mgr.CommitTransaction(context.Background(), "t1") }()

	// Well past the timeout, mid-apply: the lock set must still be held.
	time.Sleep(90 * time.Millisecond)
	other := sampleTrade(models.SideSell, 100, 1)
	other.TakerUserID = trade.TakerUserID
	err := mgr.BeginTransaction("t2", BuildTradeUpdates(other, pair))
	var conflict *pkgerrors.ConflictError
	require.ErrorAs(t, err, &conflict, "lock set must stay held until the commit finishes")

	require.NoError(t, <-commitDone)

	metrics := mgr.Metrics()
	assert.EqualValues(t, 1, metrics.Committed)
	assert.EqualValues(t, 0, metrics.RolledBack)
	assert.EqualValues(t, 0, metrics.TimedOut)

	// The committed balances land exactly once.
	assert.True(t, ledger.Balance(trade.TakerUserID, "BTC").Equal(decimal.NewFromInt(1)))
	assert.True(t, ledger.Balance(trade.TakerUserID, "USDT").Equal(decimal.NewFromInt(-100)))
}

func TestRollbackRefusedMidCommit(t *testing.T) {
	ledger := &slowLedger{MemoryLedger: NewMemoryLedger(), delay: 30 * time.Millisecond}
	mgr := NewManager(zap.NewNop(), ledger, time.Second)

	trade := sampleTrade(models.SideBuy, 10, 1)
	require.NoError(t, mgr.BeginTransaction("txn", BuildTradeUpdates(trade, pair)))

	commitDone := make(chan error, 1)
	go func() { commitDone <- mgr.CommitTransaction(context.Background(), "txn") }()

	time.Sleep(50 * time.Millisecond)
	assert.Error(t, mgr.RollbackTransaction("txn"), "rollback must not interleave with an applying commit")
	assert.Equal(t, 1, mgr.InFlight(), "committing transaction still counts as in flight")

	require.NoError(t, <-commitDone)
	assert.True(t, ledger.Balance(trade.TakerUserID, "BTC").Equal(decimal.NewFromInt(1)))
}

func TestUnbalancedTradeRejected(t *testing.T) {
	mgr := NewManager(zap.NewNop(), NewMemoryLedger(), time.Second)

	updates := []*models.BalanceUpdate{{
		ID:     uuid.New(),
		UserID: uuid.New(),
		Asset:  "BTC",
		Amount: decimal.NewFromInt(1),
		Type:   models.BalanceUpdateTrade,
	}}
	assert.Error(t, mgr.BeginTransaction("bad", updates))
}
