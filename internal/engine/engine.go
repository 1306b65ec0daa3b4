// Package engine implements the matching engine. Submission is
// asynchronous: orders are staged in the priority queue and a router
// dispatches them to one owner goroutine per symbol, so processing is
// strictly serialized within a symbol while symbols run in parallel.
// Every trade is settled atomically before the owner considers the next
// order for that book.
package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Aidin1998/orbit_core/internal/orderbook"
	"github.com/Aidin1998/orbit_core/internal/orderqueue"
	"github.com/Aidin1998/orbit_core/internal/settlement"
	pkgerrors "github.com/Aidin1998/orbit_core/pkg/errors"
	"github.com/Aidin1998/orbit_core/pkg/models"
)

// Config controls engine behavior.
type Config struct {
	QueueCapacity int
	MailboxSize   int
	PollInterval  time.Duration
	// Lock conflicts between symbol owners sharing a (user, asset) are
	// transient; settlement retries this many times before giving up.
	SettleRetries    int
	SettleRetryDelay time.Duration
	// ListenerQueue bounds the per-listener trade buffer.
	ListenerQueue int
}

func (c Config) withDefaults() Config {
	if c.MailboxSize <= 0 {
		c.MailboxSize = 4096
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Millisecond
	}
	if c.SettleRetries <= 0 {
		c.SettleRetries = 20
	}
	if c.SettleRetryDelay <= 0 {
		c.SettleRetryDelay = 5 * time.Millisecond
	}
	if c.ListenerQueue <= 0 {
		c.ListenerQueue = 1024
	}
	return c
}

// MatchingEngine drains the order queue, drives the per-symbol books and
// settles resulting trades.
type MatchingEngine struct {
	logger   *zap.Logger
	cfg      Config
	queue    *orderqueue.PriorityQueue
	settler  *settlement.Manager
	pairs    PairRegistry
	validate *validator.Validate
	dlq      *orderqueue.DeadLetterQueue

	mu     sync.RWMutex
	books  map[string]*orderbook.OrderBook
	owners map[string]*symbolOwner

	handlersMu        sync.RWMutex
	processedHandlers []ProcessedHandler
	errorHandlers     []ErrorHandler
	tradeListeners    []*tradeListener
	bookHandlers      []BookHandler

	tradeDrops atomic.Uint64

	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	ordersSubmitted prometheus.Counter
	ordersProcessed prometheus.Counter
	orderErrors     prometheus.Counter
	tradesMatched   prometheus.Counter
	settleLatency   prometheus.Histogram
}

// symbolOwner serializes all matching for one symbol.
type symbolOwner struct {
	symbol  string
	mailbox chan *orderqueue.Item
}

// tradeListener is one registered trade consumer with its ordered buffer.
type tradeListener struct {
	ch chan *models.Trade
}

// NewMatchingEngine wires the engine. dlq may be nil; reg may be nil to
// skip metric registration.
func NewMatchingEngine(
	logger *zap.Logger,
	cfg Config,
	settler *settlement.Manager,
	pairs PairRegistry,
	dlq *orderqueue.DeadLetterQueue,
	reg prometheus.Registerer,
) *MatchingEngine {
	cfg = cfg.withDefaults()
	e := &MatchingEngine{
		logger:   logger,
		cfg:      cfg,
		queue:    orderqueue.New(cfg.QueueCapacity),
		settler:  settler,
		pairs:    pairs,
		validate: validator.New(),
		dlq:      dlq,
		books:    make(map[string]*orderbook.OrderBook),
		owners:   make(map[string]*symbolOwner),
		stopCh:   make(chan struct{}),

		ordersSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tradecore", Subsystem: "engine", Name: "orders_submitted_total",
			Help: "Orders accepted into the staging queue.",
		}),
		ordersProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tradecore", Subsystem: "engine", Name: "orders_processed_total",
			Help: "Orders fully processed (matched and settled).",
		}),
		orderErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tradecore", Subsystem: "engine", Name: "order_errors_total",
			Help: "Orders that failed during matching or settlement.",
		}),
		tradesMatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tradecore", Subsystem: "engine", Name: "trades_matched_total",
			Help: "Trades produced by matching.",
		}),
		settleLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "tradecore", Subsystem: "engine", Name: "settlement_seconds",
			Help:    "Latency of atomic trade settlement.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	if reg != nil {
		reg.MustRegister(e.ordersSubmitted, e.ordersProcessed, e.orderErrors, e.tradesMatched, e.settleLatency, e.queue)
	}
	return e
}

// OnOrderProcessed registers a handler for successful order completion.
func (e *MatchingEngine) OnOrderProcessed(h ProcessedHandler) {
	e.handlersMu.Lock()
	defer e.handlersMu.Unlock()
	e.processedHandlers = append(e.processedHandlers, h)
}

// OnOrderError registers a handler for per-order failures.
func (e *MatchingEngine) OnOrderError(h ErrorHandler) {
	e.handlersMu.Lock()
	defer e.handlersMu.Unlock()
	e.errorHandlers = append(e.errorHandlers, h)
}

// OnTrade registers a trade listener (risk, market data). Each listener
// gets its own bounded buffer drained by a single goroutine, so trades
// arrive in execution order; a listener that falls behind drops events
// rather than stalling matching.
func (e *MatchingEngine) OnTrade(h TradeHandler) {
	l := &tradeListener{ch: make(chan *models.Trade, e.cfg.ListenerQueue)}
	e.handlersMu.Lock()
	e.tradeListeners = append(e.tradeListeners, l)
	e.handlersMu.Unlock()

	go func() {
		for trade := range l.ch {
			h(trade)
		}
	}()
}

// TradeDrops returns the number of trade events dropped on saturated
// listener buffers.
func (e *MatchingEngine) TradeDrops() uint64 { return e.tradeDrops.Load() }

// OnBookChange registers a listener notified when a symbol's book mutates.
func (e *MatchingEngine) OnBookChange(h BookHandler) {
	e.handlersMu.Lock()
	defer e.handlersMu.Unlock()
	e.bookHandlers = append(e.bookHandlers, h)
}

// Start launches the router. It returns immediately.
func (e *MatchingEngine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("matching engine already running")
	}
	e.running = true
	e.stopCh = make(chan struct{})
	e.mu.Unlock()

	e.wg.Add(1)
	go e.route(ctx)

	e.logger.Info("Matching engine started")
	return nil
}

// SubmitOrder validates and enqueues the order, returning a queue
// identifier. Execution happens asynchronously.
func (e *MatchingEngine) SubmitOrder(order *models.Order, priority int) (string, error) {
	if order == nil {
		return "", pkgerrors.NewValidationError("", "order is nil")
	}
	if order.ID == uuid.Nil {
		order.ID = uuid.New()
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now()
	}
	if err := e.validateOrder(order); err != nil {
		return "", err
	}
	order.Status = models.OrderStatusNew
	order.Priority = priority

	queueID := uuid.New().String()
	item := &orderqueue.Item{QueueID: queueID, Order: order, Priority: priority}
	if err := e.queue.Enqueue(item); err != nil {
		return "", err
	}

	e.ordersSubmitted.Inc()
	return queueID, nil
}

// CancelOrder removes a resting order from its book.
func (e *MatchingEngine) CancelOrder(symbol string, orderID uuid.UUID) bool {
	e.mu.RLock()
	book, ok := e.books[symbol]
	e.mu.RUnlock()
	if !ok {
		return false
	}
	if cancelled := book.CancelOrder(orderID); cancelled {
		e.notifyBookChange(symbol)
		return true
	}
	return false
}

// Book returns the order book for a symbol, creating it on first use.
func (e *MatchingEngine) Book(symbol string) *orderbook.OrderBook {
	e.mu.Lock()
	defer e.mu.Unlock()
	book, ok := e.books[symbol]
	if !ok {
		book = orderbook.NewOrderBook(symbol)
		e.books[symbol] = book
	}
	return book
}

// EmergencyStop halts the router and all symbol owners and drains the
// queue without processing. In-flight settlements finish via their own
// timeout-bounded transactions.
func (e *MatchingEngine) EmergencyStop() []*orderqueue.Item {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	close(e.stopCh)
	e.mu.Unlock()

	e.wg.Wait()
	drained := e.queue.Drain()

	// Orders already routed to symbol owners but not yet processed are
	// part of the unprocessed set too.
	e.mu.Lock()
	for _, owner := range e.owners {
	mailbox:
		for {
			select {
			case item := <-owner.mailbox:
				drained = append(drained, item)
			default:
				break mailbox
			}
		}
	}
	e.mu.Unlock()

	e.logger.Warn("Emergency stop: engine halted",
		zap.Int("drained_orders", len(drained)))
	return drained
}

// QueueDepth returns the number of staged orders.
func (e *MatchingEngine) QueueDepth() int { return e.queue.Len() }

// HealthStatus is a point-in-time snapshot of engine liveness, suitable
// for health endpoints and operator dashboards.
type HealthStatus struct {
	Running             bool      `json:"running"`
	QueueDepth          int       `json:"queueDepth"`
	ActiveSymbols       int       `json:"activeSymbols"`
	InFlightSettlements int       `json:"inFlightSettlements"`
	CheckedAt           time.Time `json:"checkedAt"`
}

// Health reports the current engine state.
func (e *MatchingEngine) Health() HealthStatus {
	e.mu.RLock()
	running := e.running
	symbols := len(e.owners)
	e.mu.RUnlock()

	return HealthStatus{
		Running:             running,
		QueueDepth:          e.queue.Len(),
		ActiveSymbols:       symbols,
		InFlightSettlements: e.settler.InFlight(),
		CheckedAt:           time.Now(),
	}
}

// route polls the staging queue and hands items to per-symbol owners.
func (e *MatchingEngine) route(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			for {
				item, ok := e.queue.Dequeue()
				if !ok {
					break
				}
				owner := e.ownerFor(item.Order.Symbol)
				select {
				case owner.mailbox <- item:
				case <-e.stopCh:
					return
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

func (e *MatchingEngine) ownerFor(symbol string) *symbolOwner {
	e.mu.Lock()
	defer e.mu.Unlock()

	owner, ok := e.owners[symbol]
	if !ok {
		owner = &symbolOwner{
			symbol:  symbol,
			mailbox: make(chan *orderqueue.Item, e.cfg.MailboxSize),
		}
		e.owners[symbol] = owner
		if _, exists := e.books[symbol]; !exists {
			e.books[symbol] = orderbook.NewOrderBook(symbol)
		}

		e.wg.Add(1)
		go e.runOwner(owner)
	}
	return owner
}

// runOwner is the single-threaded matching loop for one symbol.
func (e *MatchingEngine) runOwner(owner *symbolOwner) {
	defer e.wg.Done()

	for {
		select {
		case <-e.stopCh:
			return
		case item := <-owner.mailbox:
			e.process(item)
		}
	}
}

// process matches one order and settles its trades. A failure is
// isolated: it emits orderError and the loop continues.
func (e *MatchingEngine) process(item *orderqueue.Item) {
	e.mu.RLock()
	book := e.books[item.Order.Symbol]
	e.mu.RUnlock()

	order, trades, err := book.AddOrder(item.Order)
	if err != nil {
		e.fail(item, fmt.Errorf("matching failed: %w", err))
		return
	}
	e.tradesMatched.Add(float64(len(trades)))
	e.notifyBookChange(order.Symbol)

	for _, trade := range trades {
		if err := e.settleTrade(trade); err != nil {
			// Liquidity already left the book; quarantine for
			// reconciliation rather than guessing a compensation.
			e.fail(item, err)
			return
		}
		e.notifyTrade(trade)
	}

	e.ordersProcessed.Inc()
	e.handlersMu.RLock()
	handlers := e.processedHandlers
	e.handlersMu.RUnlock()
	for _, h := range handlers {
		h(ProcessedEvent{QueueID: item.QueueID, Order: order, Trades: trades})
	}
}

func (e *MatchingEngine) settleTrade(trade *models.Trade) error {
	pair, err := e.pairs.Resolve(trade.Symbol)
	if err != nil {
		return err
	}
	updates := settlement.BuildTradeUpdates(trade, pair)

	start := time.Now()
	txnID := trade.ID.String()
	if err := e.beginWithRetry(txnID, updates); err != nil {
		return err
	}
	if err := e.settler.CommitTransaction(context.Background(), txnID); err != nil {
		return err
	}
	e.settleLatency.Observe(time.Since(start).Seconds())
	return nil
}

// beginWithRetry acquires the settlement lock set, retrying transient
// conflicts. Two symbol owners settling the same user against a shared
// quote asset collide here in normal operation.
func (e *MatchingEngine) beginWithRetry(txnID string, updates []*models.BalanceUpdate) error {
	var err error
	for attempt := 0; attempt < e.cfg.SettleRetries; attempt++ {
		err = e.settler.BeginTransaction(txnID, updates)
		if err == nil {
			return nil
		}
		if !pkgerrors.IsRetryable(err) {
			return err
		}
		select {
		case <-e.stopCh:
			return err
		case <-time.After(e.cfg.SettleRetryDelay):
		}
	}
	return err
}

func (e *MatchingEngine) fail(item *orderqueue.Item, err error) {
	e.orderErrors.Inc()
	e.logger.Error("Order processing failed",
		zap.String("queue_id", item.QueueID),
		zap.String("order_id", item.Order.ID.String()),
		zap.String("symbol", item.Order.Symbol),
		zap.Error(err))

	if e.dlq != nil {
		if dlqErr := e.dlq.Add(context.Background(), item.Order, err.Error()); dlqErr != nil {
			e.logger.Error("Failed to dead-letter order", zap.Error(dlqErr))
		}
	}

	e.handlersMu.RLock()
	handlers := e.errorHandlers
	e.handlersMu.RUnlock()
	for _, h := range handlers {
		h(ErrorEvent{QueueID: item.QueueID, Order: item.Order, Err: err})
	}
}

func (e *MatchingEngine) notifyTrade(trade *models.Trade) {
	e.handlersMu.RLock()
	listeners := e.tradeListeners
	e.handlersMu.RUnlock()
	for _, l := range listeners {
		select {
		case l.ch <- trade:
		default:
			e.tradeDrops.Add(1)
			e.logger.Warn("Trade listener buffer full, event dropped",
				zap.String("trade_id", trade.ID.String()),
				zap.String("symbol", trade.Symbol))
		}
	}
}

func (e *MatchingEngine) notifyBookChange(symbol string) {
	e.handlersMu.RLock()
	handlers := e.bookHandlers
	e.handlersMu.RUnlock()
	for _, h := range handlers {
		go h(symbol)
	}
}

// validateOrder rejects malformed orders before queuing.
func (e *MatchingEngine) validateOrder(order *models.Order) error {
	if order == nil {
		return pkgerrors.NewValidationError("", "order is nil")
	}
	if err := e.validate.Struct(order); err != nil {
		if fieldErrs, ok := err.(validator.ValidationErrors); ok && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return pkgerrors.NewValidationError(fe.Field(), fmt.Sprintf("failed %q constraint", fe.Tag()))
		}
		return pkgerrors.NewValidationError("", err.Error())
	}
	if order.Quantity.LessThanOrEqual(decimal.Zero) {
		return pkgerrors.NewValidationError("quantity", "must be positive")
	}
	if order.Type == models.OrderTypeLimit && order.Price.LessThanOrEqual(decimal.Zero) {
		return pkgerrors.NewValidationError("price", "limit orders require a positive price")
	}
	if _, err := e.pairs.Resolve(order.Symbol); err != nil {
		return pkgerrors.NewValidationError("symbol", err.Error())
	}
	return nil
}
