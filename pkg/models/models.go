package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Order sides
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// Order types
const (
	OrderTypeLimit  = "LIMIT"
	OrderTypeMarket = "MARKET"
)

// Order statuses
const (
	OrderStatusNew             = "NEW"
	OrderStatusOpen            = "OPEN"
	OrderStatusPartiallyFilled = "PARTIALLY_FILLED"
	OrderStatusFilled          = "FILLED"
	OrderStatusCancelled       = "CANCELLED"
	OrderStatusRejected        = "REJECTED"
)

// Balance update types
const (
	BalanceUpdateTrade   = "TRADE"
	BalanceUpdateReserve = "RESERVE"
	BalanceUpdateRelease = "RELEASE"
)

// Risk levels
const (
	RiskLevelLow      = "LOW"
	RiskLevelMedium   = "MEDIUM"
	RiskLevelHigh     = "HIGH"
	RiskLevelCritical = "CRITICAL"
)

// Circuit breaker types
const (
	BreakerPriceChange = "PRICE_CHANGE"
	BreakerVolumeSpike = "VOLUME_SPIKE"
	BreakerLargeTrade  = "LARGE_TRADE"
)

// Suspicious activity statuses
const (
	ActivityFlagged   = "FLAGGED"
	ActivityEscalated = "ESCALATED"
	ActivityReviewed  = "REVIEWED"
)

// Order represents a trading order. Once queued it is immutable except for
// FilledQuantity, which the matching engine advances as fills occur.
type Order struct {
	ID             uuid.UUID       `json:"id" validate:"required"`
	UserID         uuid.UUID       `json:"user_id" validate:"required"`
	Symbol         string          `json:"symbol" validate:"required"`
	Side           string          `json:"side" validate:"required,oneof=BUY SELL"`
	Type           string          `json:"type" validate:"required,oneof=LIMIT MARKET"`
	Price          decimal.Decimal `json:"price"`
	Quantity       decimal.Decimal `json:"quantity" validate:"required"`
	FilledQuantity decimal.Decimal `json:"filled_quantity"`
	Status         string          `json:"status"`
	Priority       int             `json:"priority"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Remaining returns the unfilled quantity of the order.
func (o *Order) Remaining() decimal.Decimal {
	return o.Quantity.Sub(o.FilledQuantity)
}

// IsBuy reports whether the order is on the buy side.
func (o *Order) IsBuy() bool { return o.Side == SideBuy }

// Trade represents a single match event. Immutable; the unit of settlement.
type Trade struct {
	ID           uuid.UUID       `json:"id"`
	Symbol       string          `json:"symbol"`
	Price        decimal.Decimal `json:"price"`
	Quantity     decimal.Decimal `json:"quantity"`
	TakerOrderID uuid.UUID       `json:"taker_order_id"`
	MakerOrderID uuid.UUID       `json:"maker_order_id"`
	TakerUserID  uuid.UUID       `json:"taker_user_id"`
	MakerUserID  uuid.UUID       `json:"maker_user_id"`
	Side         string          `json:"side"`
	CreatedAt    time.Time       `json:"created_at"`
}

// QuoteVolume returns price * quantity for the trade.
func (t *Trade) QuoteVolume() decimal.Decimal {
	return t.Price.Mul(t.Quantity)
}

// BalanceUpdate is one signed balance delta of a trade leg. Updates are
// created in matched debit/credit pairs and owned by the settlement
// manager until applied.
type BalanceUpdate struct {
	ID      uuid.UUID       `json:"id"`
	UserID  uuid.UUID       `json:"user_id"`
	Asset   string          `json:"asset"`
	ChainID string          `json:"chain_id,omitempty"`
	Amount  decimal.Decimal `json:"amount"`
	Type    string          `json:"type"`
	OrderID uuid.UUID       `json:"order_id"`
	TradeID uuid.UUID       `json:"trade_id"`
	Applied bool            `json:"applied"`
}

// Position is the per-user per-symbol net position. Quantity is signed:
// positive long, negative short.
type Position struct {
	UserID        uuid.UUID       `json:"user_id"`
	Symbol        string          `json:"symbol"`
	Quantity      decimal.Decimal `json:"quantity"`
	AveragePrice  decimal.Decimal `json:"average_price"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	LastUpdate    time.Time       `json:"last_update"`
}

// UserLimits holds per-user risk limits consulted by pre-trade checks.
type UserLimits struct {
	MaxPositionSize decimal.Decimal `json:"max_position_size"`
	MarginRatio     decimal.Decimal `json:"margin_ratio"`
}

// RiskViolationDetail is a single structured refusal reason inside a
// RiskAssessment.
type RiskViolationDetail struct {
	Code     string `json:"code"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

// RiskAssessment is the verdict of a pre-trade risk check. Ephemeral; the
// core does not persist it.
type RiskAssessment struct {
	ID             uuid.UUID             `json:"id"`
	UserID         uuid.UUID             `json:"user_id"`
	Symbol         string                `json:"symbol"`
	OrderType      string                `json:"order_type"`
	Quantity       decimal.Decimal       `json:"quantity"`
	Price          decimal.Decimal       `json:"price"`
	Side           string                `json:"side"`
	RiskScore      decimal.Decimal       `json:"risk_score"`
	RiskLevel      string                `json:"risk_level"`
	Warnings       []string              `json:"warnings"`
	Violations     []RiskViolationDetail `json:"violations"`
	Approved       bool                  `json:"approved"`
	AssessmentTime time.Duration         `json:"assessment_time"`
	CreatedAt      time.Time             `json:"created_at"`
}

// CircuitBreaker is a time-bounded trading halt for one (symbol, type).
type CircuitBreaker struct {
	ID          uuid.UUID `json:"id"`
	Symbol      string    `json:"symbol"`
	Type        string    `json:"type"`
	Active      bool      `json:"active"`
	Reason      string    `json:"reason"`
	TriggeredAt time.Time `json:"triggered_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// SuspiciousActivity is a flagged trade with its rule scores; mutated only
// through explicit review.
type SuspiciousActivity struct {
	ID             uuid.UUID `json:"id"`
	UserID         uuid.UUID `json:"user_id"`
	Trade          *Trade    `json:"trade"`
	SuspicionScore float64   `json:"suspicion_score"`
	DetectedRules  []string  `json:"detected_rules"`
	Status         string    `json:"status"`
	ReviewedBy     string    `json:"reviewed_by,omitempty"`
	ReviewNotes    string    `json:"review_notes,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Candlestick is one OHLCV bar. The open bar per (symbol, interval) is
// mutable until its close time passes, then sealed.
type Candlestick struct {
	Symbol      string          `json:"symbol"`
	Interval    string          `json:"interval"`
	OpenTime    int64           `json:"open_time"`
	CloseTime   int64           `json:"close_time"`
	Open        decimal.Decimal `json:"open"`
	High        decimal.Decimal `json:"high"`
	Low         decimal.Decimal `json:"low"`
	Close       decimal.Decimal `json:"close"`
	Volume      decimal.Decimal `json:"volume"`
	QuoteVolume decimal.Decimal `json:"quote_volume"`
	Trades      int             `json:"trades"`
	IsComplete  bool            `json:"is_complete"`
}

// Ticker is the live per-symbol market summary.
type Ticker struct {
	Symbol             string          `json:"symbol"`
	LastPrice          decimal.Decimal `json:"last_price"`
	OpenPrice          decimal.Decimal `json:"open_price"`
	High               decimal.Decimal `json:"high"`
	Low                decimal.Decimal `json:"low"`
	Volume             decimal.Decimal `json:"volume"`
	QuoteVolume        decimal.Decimal `json:"quote_volume"`
	PriceChangePercent decimal.Decimal `json:"price_change_percent"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// TradingPair resolves a symbol to its base and quote assets.
type TradingPair struct {
	Symbol     string `json:"symbol"`
	BaseAsset  string `json:"base_asset"`
	QuoteAsset string `json:"quote_asset"`
	ChainID    string `json:"chain_id,omitempty"`
}
