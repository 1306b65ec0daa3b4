package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Aidin1998/orbit_core/internal/orderqueue"
	"github.com/Aidin1998/orbit_core/internal/settlement"
	pkgerrors "github.com/Aidin1998/orbit_core/pkg/errors"
	"github.com/Aidin1998/orbit_core/pkg/models"
)

func newTestEngine(t *testing.T) (*MatchingEngine, *settlement.MemoryLedger) {
	t.Helper()
	ledger := settlement.NewMemoryLedger()
	settler := settlement.NewManager(zap.NewNop(), ledger, time.Second)
	pairs := NewStaticPairRegistry(
		&models.TradingPair{Symbol: "BTC-USDT", BaseAsset: "BTC", QuoteAsset: "USDT"},
		&models.TradingPair{Symbol: "ETH-USDT", BaseAsset: "ETH", QuoteAsset: "USDT"},
	)
	e := NewMatchingEngine(zap.NewNop(), Config{}, settler, pairs, nil, nil)
	return e, ledger
}

func newOrder(symbol, side, price, qty string) *models.Order {
	p, _ := decimal.NewFromString(price)
	q, _ := decimal.NewFromString(qty)
	return &models.Order{
		ID:       uuid.New(),
		UserID:   uuid.New(),
		Symbol:   symbol,
		Side:     side,
		Type:     models.OrderTypeLimit,
		Price:    p,
		Quantity: q,
	}
}

func TestSubmitValidation(t *testing.T) {
	e, _ := newTestEngine(t)

	var validation *pkgerrors.ValidationError

	_, err := e.SubmitOrder(newOrder("UNKNOWN-PAIR", models.SideBuy, "100", "1"), 1)
	require.ErrorAs(t, err, &validation)

	bad := newOrder("BTC-USDT", models.SideBuy, "0", "1")
	_, err = e.SubmitOrder(bad, 1)
	require.ErrorAs(t, err, &validation)
	assert.Equal(t, "price", validation.Field)

	bad = newOrder("BTC-USDT", models.SideBuy, "100", "-1")
	_, err = e.SubmitOrder(bad, 1)
	require.ErrorAs(t, err, &validation)
}

func TestMatchAndSettleScenario(t *testing.T) {
	e, ledger := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, e.Start(ctx))
	defer e.EmergencyStop()

	done := make(chan ProcessedEvent, 2)
	e.OnOrderProcessed(func(ev ProcessedEvent) { done <- ev })

	sell := newOrder("BTC-USDT", models.SideSell, "99", "1.0")
	_, err := e.SubmitOrder(sell, 1)
	require.NoError(t, err)

	buy := newOrder("BTC-USDT", models.SideBuy, "100", "1.0")
	queueID, err := e.SubmitOrder(buy, 1)
	require.NoError(t, err)
	assert.NotEmpty(t, queueID)

	var matched ProcessedEvent
	for i := 0; i < 2; i++ {
		select {
		case ev := <-done:
			if len(ev.Trades) > 0 {
				matched = ev
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for order processing")
		}
	}

	require.Len(t, matched.Trades, 1)
	trade := matched.Trades[0]
	assert.True(t, trade.Price.Equal(decimal.NewFromInt(99)), "execution at maker price")
	assert.True(t, trade.Quantity.Equal(decimal.NewFromInt(1)))

	// Taker: +1 BTC, -99 USDT. Maker: -1 BTC, +99 USDT.
	assert.True(t, ledger.Balance(buy.UserID, "BTC").Equal(decimal.NewFromInt(1)))
	assert.True(t, ledger.Balance(buy.UserID, "USDT").Equal(decimal.NewFromInt(-99)))
	assert.True(t, ledger.Balance(sell.UserID, "BTC").Equal(decimal.NewFromInt(-1)))
	assert.True(t, ledger.Balance(sell.UserID, "USDT").Equal(decimal.NewFromInt(99)))
}

func TestTradeListenersObserveStream(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, e.Start(ctx))
	defer e.EmergencyStop()

	var mu sync.Mutex
	var seen []*models.Trade
	e.OnTrade(func(tr *models.Trade) {
		mu.Lock()
		seen = append(seen, tr)
		mu.Unlock()
	})

	e.SubmitOrder(newOrder("ETH-USDT", models.SideSell, "2000", "1"), 1)
	e.SubmitOrder(newOrder("ETH-USDT", models.SideBuy, "2000", "1"), 1)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPerSymbolSerialization(t *testing.T) {
	e, ledger := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, e.Start(ctx))
	defer e.EmergencyStop()

	processed := make(chan ProcessedEvent, 64)
	e.OnOrderProcessed(func(ev ProcessedEvent) { processed <- ev })

	maker := newOrder("BTC-USDT", models.SideSell, "100", "10")
	_, err := e.SubmitOrder(maker, 1)
	require.NoError(t, err)

	// Ten concurrent takers against the same book; serialized matching
	// must fill exactly the resting quantity, never more.
	taker := uuid.New()
	for i := 0; i < 10; i++ {
		o := newOrder("BTC-USDT", models.SideBuy, "100", "1")
		o.UserID = taker
		_, err := e.SubmitOrder(o, 1)
		require.NoError(t, err)
	}

	for i := 0; i < 11; i++ {
		select {
		case <-processed:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d events", i)
		}
	}

	assert.True(t, ledger.Balance(taker, "BTC").Equal(decimal.NewFromInt(10)))
	assert.True(t, ledger.Balance(maker.UserID, "BTC").Equal(decimal.NewFromInt(-10)))
}

func TestErrorIsolation(t *testing.T) {
	e, ledger := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, e.Start(ctx))
	defer e.EmergencyStop()

	errs := make(chan ErrorEvent, 1)
	done := make(chan ProcessedEvent, 8)
	e.OnOrderError(func(ev ErrorEvent) { errs <- ev })
	e.OnOrderProcessed(func(ev ProcessedEvent) { done <- ev })

	// Poison settlement for the first match by failing its taker leg:
	// unknown symbol cannot happen post-validation, so force a ledger
	// failure through a resting order and a doomed update.
	sell := newOrder("BTC-USDT", models.SideSell, "100", "1")
	_, err := e.SubmitOrder(sell, 1)
	require.NoError(t, err)
	<-done

	buy := newOrder("BTC-USDT", models.SideBuy, "100", "1")
	ledger.FailNextFor(buy.UserID)
	_, err = e.SubmitOrder(buy, 1)
	require.NoError(t, err)

	select {
	case ev := <-errs:
		var settlementErr *pkgerrors.SettlementError
		assert.ErrorAs(t, ev.Err, &settlementErr)
	case <-time.After(2 * time.Second):
		t.Fatal("expected orderError event")
	}

	// The engine keeps processing other orders after the failure.
	ok := newOrder("ETH-USDT", models.SideSell, "2000", "1")
	_, err = e.SubmitOrder(ok, 1)
	require.NoError(t, err)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("engine stopped processing after an order error")
	}
}

func TestSettlementRetriesLockConflicts(t *testing.T) {
	ledger := settlement.NewMemoryLedger()
	settler := settlement.NewManager(zap.NewNop(), ledger, time.Second)
	pairs := NewStaticPairRegistry(
		&models.TradingPair{Symbol: "BTC-USDT", BaseAsset: "BTC", QuoteAsset: "USDT"},
	)
	e := NewMatchingEngine(zap.NewNop(), Config{}, settler, pairs, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, e.Start(ctx))
	defer e.EmergencyStop()

	done := make(chan ProcessedEvent, 4)
	errs := make(chan ErrorEvent, 1)
	e.OnOrderProcessed(func(ev ProcessedEvent) { done <- ev })
	e.OnOrderError(func(ev ErrorEvent) { errs <- ev })

	sell := newOrder("BTC-USDT", models.SideSell, "100", "1")
	_, err := e.SubmitOrder(sell, 1)
	require.NoError(t, err)
	<-done

	// Another in-flight settlement holds the buyer's USDT lock, the way a
	// second symbol owner sharing the quote asset would.
	buy := newOrder("BTC-USDT", models.SideBuy, "100", "1")
	hold := []*models.BalanceUpdate{{
		ID:     uuid.New(),
		UserID: buy.UserID,
		Asset:  "USDT",
		Amount: decimal.NewFromInt(1),
		Type:   models.BalanceUpdateReserve,
	}}
	require.NoError(t, settler.BeginTransaction("hold", hold))

	_, err = e.SubmitOrder(buy, 1)
	require.NoError(t, err)

	// Release the lock while the engine is still retrying.
	time.Sleep(30 * time.Millisecond)
	require.NoError(t, settler.RollbackTransaction("hold"))

	select {
	case ev := <-done:
		require.Len(t, ev.Trades, 1)
	case ev := <-errs:
		t.Fatalf("transient conflict must not fail the order: %v", ev.Err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for settlement retry to succeed")
	}
	assert.True(t, ledger.Balance(buy.UserID, "BTC").Equal(decimal.NewFromInt(1)))
}

func TestTradeListenersPreserveExecutionOrder(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, e.Start(ctx))
	defer e.EmergencyStop()

	var mu sync.Mutex
	var seen []uuid.UUID
	e.OnTrade(func(tr *models.Trade) {
		mu.Lock()
		seen = append(seen, tr.TakerOrderID)
		mu.Unlock()
	})

	maker := newOrder("BTC-USDT", models.SideSell, "100", "10")
	_, err := e.SubmitOrder(maker, 1)
	require.NoError(t, err)

	want := make([]uuid.UUID, 0, 10)
	for i := 0; i < 10; i++ {
		o := newOrder("BTC-USDT", models.SideBuy, "100", "1")
		_, err := e.SubmitOrder(o, 1)
		require.NoError(t, err)
		want = append(want, o.ID)
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 10
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, want, seen, "listeners must observe trades in execution order")
	assert.Zero(t, e.TradeDrops())
}

func TestEmergencyStopDrainsOwnerMailboxes(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, e.Start(ctx))

	// An order routed to an owner but never processed, as when the stop
	// lands between routing and matching.
	stranded := &orderqueue.Item{
		QueueID: "stranded-1",
		Order:   newOrder("ETH-USDT", models.SideBuy, "2000", "1"),
	}
	owner := &symbolOwner{symbol: "ETH-USDT", mailbox: make(chan *orderqueue.Item, 4)}
	owner.mailbox <- stranded
	e.mu.Lock()
	e.owners["ETH-USDT"] = owner
	e.mu.Unlock()

	drained := e.EmergencyStop()
	require.Len(t, drained, 1)
	assert.Equal(t, "stranded-1", drained[0].QueueID)
}

func TestHealthReflectsEngineState(t *testing.T) {
	e, _ := newTestEngine(t)

	h := e.Health()
	assert.False(t, h.Running)
	assert.Zero(t, h.ActiveSymbols)

	_, err := e.SubmitOrder(newOrder("BTC-USDT", models.SideBuy, "100", "1"), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, e.Health().QueueDepth)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, e.Start(ctx))
	defer e.EmergencyStop()

	assert.Eventually(t, func() bool {
		h := e.Health()
		return h.Running && h.QueueDepth == 0 && h.ActiveSymbols == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, e.Health().InFlightSettlements)
	assert.False(t, e.Health().CheckedAt.IsZero())
}

func TestEmergencyStopDrainsQueue(t *testing.T) {
	e, _ := newTestEngine(t)
	// Not started: everything stays queued.
	for i := 0; i < 5; i++ {
		_, err := e.SubmitOrder(newOrder("BTC-USDT", models.SideBuy, "100", "1"), 1)
		require.NoError(t, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, e.Start(ctx))
	drained := e.EmergencyStop()

	assert.Equal(t, 0, e.QueueDepth())
	assert.LessOrEqual(t, len(drained), 5)
}
