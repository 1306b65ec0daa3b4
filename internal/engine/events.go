package engine

import (
	"github.com/Aidin1998/orbit_core/pkg/models"
)

// ProcessedEvent is emitted after an order has been matched and every
// resulting trade settled.
type ProcessedEvent struct {
	QueueID string
	Order   *models.Order
	Trades  []*models.Trade
}

// ErrorEvent is emitted when one order fails; processing continues for
// other orders.
type ErrorEvent struct {
	QueueID string
	Order   *models.Order
	Err     error
}

// ProcessedHandler receives ProcessedEvents.
type ProcessedHandler func(ProcessedEvent)

// ErrorHandler receives ErrorEvents.
type ErrorHandler func(ErrorEvent)

// TradeHandler receives settled trades in execution order. Each handler
// drains its own bounded buffer, so a slow handler drops events rather
// than stalling matching.
type TradeHandler func(*models.Trade)

// BookHandler receives the symbol whose book changed; consumers pull a
// snapshot at their own pace.
type BookHandler func(symbol string)
