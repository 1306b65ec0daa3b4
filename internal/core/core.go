// Package core exposes the trading core's unified surface: risk-gated
// order submission plus the query operations an outer transport layer
// (HTTP, WebSocket) wraps.
package core

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Aidin1998/orbit_core/internal/engine"
	"github.com/Aidin1998/orbit_core/internal/manipulation"
	"github.com/Aidin1998/orbit_core/internal/marketdata"
	"github.com/Aidin1998/orbit_core/internal/risk"
	"github.com/Aidin1998/orbit_core/internal/settlement"
	pkgerrors "github.com/Aidin1998/orbit_core/pkg/errors"
	"github.com/Aidin1998/orbit_core/pkg/models"
)

// Core ties the subsystems together behind one façade.
type Core struct {
	Matching  *engine.MatchingEngine
	Risk      *risk.Service
	Positions *risk.PositionManager
	Breakers  *risk.BreakerSystem
	Detector  *manipulation.Service
	Market    *marketdata.Engine
	Settler   *settlement.Manager
}

// SubmitOrder assesses the order first and only enqueues it when the
// assessment approves. The assessment is returned either way so callers
// can surface the refusal reasons.
func (c *Core) SubmitOrder(order *models.Order, priority int) (string, *models.RiskAssessment, error) {
	assessment := c.Risk.AssessOrderRisk(order)
	if !assessment.Approved {
		v := assessment.Violations[0]
		if v.Code == risk.CodeCircuitBreaker {
			breakerType, _ := c.Breakers.IsHalted(order.Symbol)
			return "", assessment, pkgerrors.NewCircuitBreakerActive(order.Symbol, breakerType)
		}
		return "", assessment, &pkgerrors.RiskViolation{
			Code:     v.Code,
			Severity: v.Severity,
			Message:  v.Message,
		}
	}
	queueID, err := c.Matching.SubmitOrder(order, priority)
	return queueID, assessment, err
}

// AssessOrderRisk runs the pre-trade checks without submitting.
func (c *Core) AssessOrderRisk(order *models.Order) *models.RiskAssessment {
	return c.Risk.AssessOrderRisk(order)
}

// GetRiskDashboard snapshots the risk subsystems.
func (c *Core) GetRiskDashboard() *risk.Dashboard { return c.Risk.GetRiskDashboard() }

// GetActiveBreakers lists currently active circuit breakers.
func (c *Core) GetActiveBreakers() []*models.CircuitBreaker { return c.Breakers.GetActiveBreakers() }

// ResetBreaker force-clears a symbol's breakers, attributed to adminID.
func (c *Core) ResetBreaker(symbol, adminID string) int {
	return c.Breakers.ResetBreaker(symbol, adminID)
}

// GetSuspiciousActivities lists flagged activity, newest first.
func (c *Core) GetSuspiciousActivities(limit int) []*models.SuspiciousActivity {
	return c.Detector.GetSuspiciousActivities(limit)
}

// ReviewActivity records a manual verdict on a flagged activity.
func (c *Core) ReviewActivity(id uuid.UUID, reviewer, status, notes string) bool {
	return c.Detector.ReviewActivity(id, reviewer, status, notes)
}

// GetUserPositions returns the user's open positions.
func (c *Core) GetUserPositions(userID uuid.UUID) []*models.Position {
	return c.Positions.GetUserPositions(userID)
}

// SetUserLimits overrides the user's risk limits, attributed to adminID.
func (c *Core) SetUserLimits(userID uuid.UUID, limits models.UserLimits, adminID string) {
	c.Positions.SetUserLimits(userID, limits, adminID)
}

// GetCandlesticks returns up to limit candles, oldest first.
func (c *Core) GetCandlesticks(symbol, interval string, limit int) ([]*models.Candlestick, error) {
	return c.Market.GetCandlesticks(symbol, interval, limit)
}

// GetTicker returns the symbol's rolling ticker.
func (c *Core) GetTicker(symbol string) *models.Ticker { return c.Market.GetTicker(symbol) }

// GetVWAP returns the symbol's rolling VWAP.
func (c *Core) GetVWAP(symbol string) decimal.Decimal { return c.Market.GetVWAP(symbol) }

// Health reports engine liveness and settlement backlog.
func (c *Core) Health() engine.HealthStatus { return c.Matching.Health() }

// Subscribe attaches a consumer to the broadcast event stream.
func (c *Core) Subscribe() *marketdata.Subscription { return c.Market.Hub().Subscribe() }

// Unsubscribe detaches a consumer.
func (c *Core) Unsubscribe(sub *marketdata.Subscription) { c.Market.Hub().Unsubscribe(sub) }
