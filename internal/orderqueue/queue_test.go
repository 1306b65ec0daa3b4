package orderqueue

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	pkgerrors "github.com/Aidin1998/orbit_core/pkg/errors"
	"github.com/Aidin1998/orbit_core/pkg/models"
)

func testOrder(symbol string) *models.Order {
	return &models.Order{
		ID:       uuid.New(),
		UserID:   uuid.New(),
		Symbol:   symbol,
		Side:     models.SideBuy,
		Type:     models.OrderTypeLimit,
		Price:    decimal.NewFromInt(100),
		Quantity: decimal.NewFromInt(1),
	}
}

func TestPriorityOrdering(t *testing.T) {
	q := New(0)

	require.NoError(t, q.Enqueue(&Item{QueueID: "low", Order: testOrder("BTC-USDT"), Priority: 3}))
	require.NoError(t, q.Enqueue(&Item{QueueID: "high-1", Order: testOrder("BTC-USDT"), Priority: 1}))
	require.NoError(t, q.Enqueue(&Item{QueueID: "medium", Order: testOrder("BTC-USDT"), Priority: 2}))
	require.NoError(t, q.Enqueue(&Item{QueueID: "high-2", Order: testOrder("BTC-USDT"), Priority: 1}))

	var got []string
	for {
		item, ok := q.Dequeue()
		if !ok {
			break
		}
		got = append(got, item.QueueID)
	}

	// FIFO among equal priority.
	assert.Equal(t, []string{"high-1", "high-2", "medium", "low"}, got)
}

func TestCapacityRejection(t *testing.T) {
	q := New(2)

	require.NoError(t, q.Enqueue(&Item{QueueID: "a", Order: testOrder("BTC-USDT"), Priority: 1}))
	require.NoError(t, q.Enqueue(&Item{QueueID: "b", Order: testOrder("BTC-USDT"), Priority: 1}))

	err := q.Enqueue(&Item{QueueID: "c", Order: testOrder("BTC-USDT"), Priority: 1})
	require.Error(t, err)

	var full *pkgerrors.QueueFullError
	assert.ErrorAs(t, err, &full)
	assert.Equal(t, 2, full.Capacity)
	assert.True(t, pkgerrors.IsRetryable(err))
}

func TestDequeueEmpty(t *testing.T) {
	q := New(10)
	item, ok := q.Dequeue()
	assert.False(t, ok)
	assert.Nil(t, item)
}

func TestDrain(t *testing.T) {
	q := New(0)
	for i := 0; i < 5; i++ {
		require.NoError(t, q.Enqueue(&Item{QueueID: "x", Order: testOrder("ETH-USDT"), Priority: i}))
	}

	drained := q.Drain()
	assert.Len(t, drained, 5)
	assert.Equal(t, 0, q.Len())
}

func TestDeadLetterQueue(t *testing.T) {
	dlq, err := NewDeadLetterQueue(t.TempDir(), zap.NewNop().Sugar())
	require.NoError(t, err)
	defer dlq.Close()

	ctx := context.Background()
	order := testOrder("BTC-USDT")
	require.NoError(t, dlq.Add(ctx, order, "settlement failed"))

	count, err := dlq.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)

	entries, err := dlq.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, order.ID, entries[0].Order.ID)
	assert.Equal(t, "settlement failed", entries[0].Reason)
}
