// Package orderbook implements the per-symbol limit order book. Orders
// rest in price levels held in B-trees; matching walks the best opposite
// level oldest-order-first, so fills follow price-time priority and
// always execute at the resting (maker) order's price.
//
// State-changing calls are serialized by the matching engine's per-symbol
// owner goroutine; the internal lock exists for concurrent snapshot
// readers.
package orderbook

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/tidwall/btree"

	"github.com/Aidin1998/orbit_core/pkg/models"
)

// MaxSnapshotDepth caps the number of price levels returned per side.
const MaxSnapshotDepth = 100

// priceLevel holds resting orders at one price, FIFO by arrival.
type priceLevel struct {
	price  decimal.Decimal
	orders []*models.Order
}

func (pl *priceLevel) total() decimal.Decimal {
	sum := decimal.Zero
	for _, o := range pl.orders {
		sum = sum.Add(o.Remaining())
	}
	return sum
}

// OrderBook is a single symbol's book.
type OrderBook struct {
	symbol string

	mu   sync.RWMutex
	bids *btree.BTreeG[*priceLevel]
	asks *btree.BTreeG[*priceLevel]

	// order ID -> resting order, for cancellation
	resting map[uuid.UUID]*models.Order
}

// NewOrderBook creates an empty book for the symbol.
func NewOrderBook(symbol string) *OrderBook {
	byPrice := func(a, b *priceLevel) bool { return a.price.LessThan(b.price) }
	return &OrderBook{
		symbol:  symbol,
		bids:    btree.NewBTreeG(byPrice),
		asks:    btree.NewBTreeG(byPrice),
		resting: make(map[uuid.UUID]*models.Order),
	}
}

// Symbol returns the book's trading symbol.
func (ob *OrderBook) Symbol() string { return ob.symbol }

// AddOrder matches the incoming order against the book and rests any
// unfilled limit remainder. It returns the (possibly updated) order and
// the trades produced, oldest-maker-first.
func (ob *OrderBook) AddOrder(order *models.Order) (*models.Order, []*models.Trade, error) {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	trades := ob.match(order)

	switch {
	case order.Remaining().IsZero():
		order.Status = models.OrderStatusFilled
	case order.Type == models.OrderTypeMarket:
		// Market remainder has no price to rest at.
		if len(trades) > 0 {
			order.Status = models.OrderStatusPartiallyFilled
		} else {
			order.Status = models.OrderStatusCancelled
		}
	default:
		if len(trades) > 0 {
			order.Status = models.OrderStatusPartiallyFilled
		} else {
			order.Status = models.OrderStatusOpen
		}
		ob.rest(order)
	}
	order.UpdatedAt = time.Now()

	return order, trades, nil
}

// match consumes liquidity from the opposite side while the incoming
// order is eligible against the best resting level.
func (ob *OrderBook) match(taker *models.Order) []*models.Trade {
	var trades []*models.Trade

	for taker.Remaining().GreaterThan(decimal.Zero) {
		level, ok := ob.bestOpposite(taker.Side)
		if !ok || !eligible(taker, level.price) {
			break
		}

		for len(level.orders) > 0 && taker.Remaining().GreaterThan(decimal.Zero) {
			maker := level.orders[0]
			qty := decimal.Min(taker.Remaining(), maker.Remaining())

			taker.FilledQuantity = taker.FilledQuantity.Add(qty)
			maker.FilledQuantity = maker.FilledQuantity.Add(qty)
			maker.UpdatedAt = time.Now()

			trades = append(trades, &models.Trade{
				ID:           uuid.New(),
				Symbol:       ob.symbol,
				Price:        maker.Price, // price improvement for the taker
				Quantity:     qty,
				TakerOrderID: taker.ID,
				MakerOrderID: maker.ID,
				TakerUserID:  taker.UserID,
				MakerUserID:  maker.UserID,
				Side:         taker.Side,
				CreatedAt:    time.Now(),
			})

			if maker.Remaining().IsZero() {
				maker.Status = models.OrderStatusFilled
				level.orders = level.orders[1:]
				delete(ob.resting, maker.ID)
			} else {
				maker.Status = models.OrderStatusPartiallyFilled
			}
		}

		if len(level.orders) == 0 {
			ob.removeLevel(opposite(taker.Side), level)
		}
	}

	return trades
}

// eligible reports whether the taker crosses the given resting price.
func eligible(taker *models.Order, restingPrice decimal.Decimal) bool {
	if taker.Type == models.OrderTypeMarket {
		return true
	}
	if taker.IsBuy() {
		return taker.Price.GreaterThanOrEqual(restingPrice)
	}
	return taker.Price.LessThanOrEqual(restingPrice)
}

func opposite(side string) string {
	if side == models.SideBuy {
		return models.SideSell
	}
	return models.SideBuy
}

// bestOpposite returns the best level the given side trades against:
// lowest ask for a buy, highest bid for a sell.
func (ob *OrderBook) bestOpposite(side string) (*priceLevel, bool) {
	if side == models.SideBuy {
		return ob.asks.Min()
	}
	return ob.bids.Max()
}

func (ob *OrderBook) sideTree(side string) *btree.BTreeG[*priceLevel] {
	if side == models.SideBuy {
		return ob.bids
	}
	return ob.asks
}

func (ob *OrderBook) rest(order *models.Order) {
	tree := ob.sideTree(order.Side)
	probe := &priceLevel{price: order.Price}
	level, ok := tree.Get(probe)
	if !ok {
		level = probe
		tree.Set(level)
	}
	level.orders = append(level.orders, order)
	ob.resting[order.ID] = order
}

func (ob *OrderBook) removeLevel(side string, level *priceLevel) {
	ob.sideTree(side).Delete(level)
}

// CancelOrder removes a resting order. Returns false when the order is
// not on the book (already filled or never rested).
func (ob *OrderBook) CancelOrder(orderID uuid.UUID) bool {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	order, ok := ob.resting[orderID]
	if !ok {
		return false
	}
	delete(ob.resting, orderID)

	tree := ob.sideTree(order.Side)
	level, ok := tree.Get(&priceLevel{price: order.Price})
	if !ok {
		return false
	}
	for i, o := range level.orders {
		if o.ID == orderID {
			level.orders = append(level.orders[:i], level.orders[i+1:]...)
			break
		}
	}
	if len(level.orders) == 0 {
		tree.Delete(level)
	}
	order.Status = models.OrderStatusCancelled
	order.UpdatedAt = time.Now()
	return true
}

// PriceLevelSnapshot is one aggregated level of a book snapshot.
type PriceLevelSnapshot struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// Snapshot returns up to depth aggregated levels per side, bids best
// (highest) first and asks best (lowest) first.
func (ob *OrderBook) Snapshot(depth int) (bids, asks []PriceLevelSnapshot) {
	if depth <= 0 || depth > MaxSnapshotDepth {
		depth = MaxSnapshotDepth
	}

	ob.mu.RLock()
	defer ob.mu.RUnlock()

	ob.bids.Reverse(func(level *priceLevel) bool {
		bids = append(bids, PriceLevelSnapshot{Price: level.price, Quantity: level.total()})
		return len(bids) < depth
	})
	ob.asks.Scan(func(level *priceLevel) bool {
		asks = append(asks, PriceLevelSnapshot{Price: level.price, Quantity: level.total()})
		return len(asks) < depth
	})
	return bids, asks
}

// BestBid returns the highest bid price, if any.
func (ob *OrderBook) BestBid() (decimal.Decimal, bool) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	if level, ok := ob.bids.Max(); ok {
		return level.price, true
	}
	return decimal.Zero, false
}

// BestAsk returns the lowest ask price, if any.
func (ob *OrderBook) BestAsk() (decimal.Decimal, bool) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	if level, ok := ob.asks.Min(); ok {
		return level.price, true
	}
	return decimal.Zero, false
}
