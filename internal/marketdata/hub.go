package marketdata

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Event types carried on the broadcast stream.
const (
	EventTrade       = "trade"
	EventOrderBook   = "orderBook"
	EventTicker      = "ticker"
	EventTickers     = "tickers"
	EventCandlestick = "candlestick"
	EventVWAP        = "vwap"
	EventOrderUpdate = "orderUpdate"
)

// Event is the broadcast envelope. Data is the typed payload; consumers
// switch on Type.
type Event struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

// Subscription is one consumer's bounded event channel. Close it through
// Unsubscribe, never directly.
type Subscription struct {
	C  <-chan Event
	id uint64
	ch chan Event
}

// Hub fans events out to all subscribers. Filtering belongs to the
// transport layer, not here. A subscriber that cannot keep up loses
// events rather than stalling the publisher.
type Hub struct {
	logger    *zap.Logger
	queueSize int

	mu      sync.RWMutex
	nextID  uint64
	subs    map[uint64]chan Event
	dropped atomic.Uint64
}

// NewHub creates a hub with the given per-subscriber queue size.
func NewHub(logger *zap.Logger, queueSize int) *Hub {
	if queueSize <= 0 {
		queueSize = 256
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		logger:    logger,
		queueSize: queueSize,
		subs:      make(map[uint64]chan Event),
	}
}

// Subscribe registers a new consumer.
func (h *Hub) Subscribe() *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	ch := make(chan Event, h.queueSize)
	h.subs[h.nextID] = ch
	return &Subscription{C: ch, id: h.nextID, ch: ch}
}

// Unsubscribe removes the consumer and closes its channel.
func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.subs[sub.id]; ok {
		delete(h.subs, sub.id)
		close(ch)
	}
}

// Publish delivers the event to every subscriber, dropping it for any
// subscriber whose queue is full.
func (h *Hub) Publish(eventType string, data interface{}) {
	event := Event{Type: eventType, Data: data, Timestamp: time.Now()}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, ch := range h.subs {
		select {
		case ch <- event:
		default:
			h.dropped.Add(1)
			h.logger.Debug("Subscriber queue full, event dropped",
				zap.Uint64("subscriber", id),
				zap.String("type", eventType))
		}
	}
}

// Dropped reports the total events dropped across all subscribers.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

// SubscriberCount reports the active subscriber count.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
