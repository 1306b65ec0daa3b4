// Package risk implements pre-trade risk management: position tracking
// and limits, circuit breakers, and the façade that composes them with
// manipulation detection into a single risk verdict.
package risk

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Aidin1998/orbit_core/pkg/models"
)

// Violation codes raised by position checks.
const (
	CodeMaxPositionSize = "MAX_POSITION_SIZE"
	CodeMarginRequired  = "MARGIN_REQUIREMENT"
)

type positionKey struct {
	UserID uuid.UUID
	Symbol string
}

// MarginService supplies the collateral available to a user. The real
// implementation lives outside the core.
type MarginService interface {
	AvailableMargin(userID uuid.UUID) decimal.Decimal
}

// StaticMarginService grants every user the same fixed margin.
type StaticMarginService struct {
	Margin decimal.Decimal
}

// AvailableMargin implements MarginService.
func (s StaticMarginService) AvailableMargin(uuid.UUID) decimal.Decimal { return s.Margin }

// PositionManager maintains per-user per-symbol net positions and
// enforces configurable limits. Positions are mutated only on trade
// settlement and decay to zero quantity, never deleted.
type PositionManager struct {
	logger *zap.Logger

	mu        sync.RWMutex
	positions map[positionKey]*models.Position
	limits    map[uuid.UUID]models.UserLimits

	defaults models.UserLimits
	margin   MarginService
}

// NewPositionManager creates a manager with the given default limits.
func NewPositionManager(logger *zap.Logger, defaults models.UserLimits, margin MarginService) *PositionManager {
	if margin == nil {
		margin = StaticMarginService{Margin: defaults.MaxPositionSize.Mul(defaults.MarginRatio)}
	}
	return &PositionManager{
		logger:    logger,
		positions: make(map[positionKey]*models.Position),
		limits:    make(map[uuid.UUID]models.UserLimits),
		defaults:  defaults,
		margin:    margin,
	}
}

// ApplyTrade updates both counterparties' positions for a settled trade.
// The taker trades on the trade's side, the maker on the opposite.
func (pm *PositionManager) ApplyTrade(trade *models.Trade) {
	pm.UpdatePosition(trade.TakerUserID, trade.Symbol, trade.Side, trade.Price, trade.Quantity)
	makerSide := models.SideSell
	if trade.Side == models.SideSell {
		makerSide = models.SideBuy
	}
	pm.UpdatePosition(trade.MakerUserID, trade.Symbol, makerSide, trade.Price, trade.Quantity)
}

// UpdatePosition applies one fill. Buys increase the signed quantity with
// a quantity-weighted average price; sells reduce it, realizing P&L at
// (price - averagePrice) per unit; selling through flat flips short at
// the trade price (and symmetrically for covering shorts).
func (pm *PositionManager) UpdatePosition(userID uuid.UUID, symbol, side string, price, quantity decimal.Decimal) *models.Position {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	key := positionKey{UserID: userID, Symbol: symbol}
	pos, ok := pm.positions[key]
	if !ok {
		pos = &models.Position{UserID: userID, Symbol: symbol}
		pm.positions[key] = pos
	}

	signed := quantity
	if side == models.SideSell {
		signed = quantity.Neg()
	}

	switch {
	case pos.Quantity.IsZero() || pos.Quantity.Sign() == signed.Sign():
		// Extending (or opening) in the same direction: weighted average.
		newQty := pos.Quantity.Add(signed)
		notionalOld := pos.AveragePrice.Mul(pos.Quantity.Abs())
		notionalNew := price.Mul(quantity)
		pos.AveragePrice = notionalOld.Add(notionalNew).Div(newQty.Abs())
		pos.Quantity = newQty
	default:
		// Reducing against the existing direction.
		closeQty := decimal.Min(quantity, pos.Quantity.Abs())
		perUnit := price.Sub(pos.AveragePrice)
		if pos.Quantity.Sign() < 0 {
			perUnit = pos.AveragePrice.Sub(price)
		}
		pos.RealizedPnL = pos.RealizedPnL.Add(closeQty.Mul(perUnit))

		remainder := quantity.Sub(closeQty)
		if remainder.IsPositive() {
			// Flipped through flat: the excess opens at the trade price.
			if side == models.SideSell {
				pos.Quantity = remainder.Neg()
			} else {
				pos.Quantity = remainder
			}
			pos.AveragePrice = price
		} else {
			pos.Quantity = pos.Quantity.Add(signed)
			if pos.Quantity.IsZero() {
				pos.AveragePrice = decimal.Zero
			}
		}
	}

	pos.UnrealizedPnL = unrealized(pos, price)
	pos.LastUpdate = time.Now()

	pm.logger.Debug("Position updated",
		zap.String("user_id", userID.String()),
		zap.String("symbol", symbol),
		zap.String("quantity", pos.Quantity.String()),
		zap.String("average_price", pos.AveragePrice.String()))
	return pos
}

// MarkToMarket refreshes unrealized P&L for every position in a symbol.
func (pm *PositionManager) MarkToMarket(symbol string, price decimal.Decimal) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	for key, pos := range pm.positions {
		if key.Symbol == symbol {
			pos.UnrealizedPnL = unrealized(pos, price)
		}
	}
}

func unrealized(pos *models.Position, price decimal.Decimal) decimal.Decimal {
	if pos.Quantity.IsZero() {
		return decimal.Zero
	}
	return pos.Quantity.Mul(price.Sub(pos.AveragePrice))
}

// CheckPositionLimits evaluates the hypothetical position after the
// candidate fill against the user's limits. The result is advisory input
// to risk assessment, never a hard engine gate.
func (pm *PositionManager) CheckPositionLimits(userID uuid.UUID, symbol, side string, price, quantity decimal.Decimal) []models.RiskViolationDetail {
	pm.mu.RLock()
	current := decimal.Zero
	if pos, ok := pm.positions[positionKey{UserID: userID, Symbol: symbol}]; ok {
		current = pos.Quantity
	}
	limits := pm.limitsFor(userID)
	pm.mu.RUnlock()

	signed := quantity
	if side == models.SideSell {
		signed = quantity.Neg()
	}
	resulting := current.Add(signed)
	value := resulting.Abs().Mul(price)

	var violations []models.RiskViolationDetail
	if limits.MaxPositionSize.IsPositive() && value.GreaterThan(limits.MaxPositionSize) {
		violations = append(violations, models.RiskViolationDetail{
			Code:     CodeMaxPositionSize,
			Severity: models.RiskLevelCritical,
			Message:  "resulting position value " + value.String() + " exceeds limit " + limits.MaxPositionSize.String(),
		})
	}

	required := value.Mul(limits.MarginRatio)
	if available := pm.margin.AvailableMargin(userID); required.GreaterThan(available) {
		violations = append(violations, models.RiskViolationDetail{
			Code:     CodeMarginRequired,
			Severity: models.RiskLevelHigh,
			Message:  "required margin " + required.String() + " exceeds available " + available.String(),
		})
	}
	return violations
}

// GetUserPositions returns copies of all positions held by the user.
func (pm *PositionManager) GetUserPositions(userID uuid.UUID) []*models.Position {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	var out []*models.Position
	for key, pos := range pm.positions {
		if key.UserID == userID {
			cp := *pos
			out = append(out, &cp)
		}
	}
	return out
}

// GetPosition returns a copy of one position, or nil when flat and never
// traded.
func (pm *PositionManager) GetPosition(userID uuid.UUID, symbol string) *models.Position {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	if pos, ok := pm.positions[positionKey{UserID: userID, Symbol: symbol}]; ok {
		cp := *pos
		return &cp
	}
	return nil
}

// SetUserLimits overrides the default limits for one user. adminID is
// recorded for audit attribution.
func (pm *PositionManager) SetUserLimits(userID uuid.UUID, limits models.UserLimits, adminID string) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.limits[userID] = limits
	pm.logger.Info("User limits changed",
		zap.String("user_id", userID.String()),
		zap.String("max_position_size", limits.MaxPositionSize.String()),
		zap.String("admin_id", adminID))
}

// Limits returns the effective limits for a user.
func (pm *PositionManager) Limits(userID uuid.UUID) models.UserLimits {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.limitsFor(userID)
}

func (pm *PositionManager) limitsFor(userID uuid.UUID) models.UserLimits {
	if limits, ok := pm.limits[userID]; ok {
		return limits
	}
	return pm.defaults
}

// PositionCount returns the number of tracked positions.
func (pm *PositionManager) PositionCount() int {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return len(pm.positions)
}
