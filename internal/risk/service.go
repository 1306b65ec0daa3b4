package risk

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Aidin1998/orbit_core/pkg/models"
)

// CodeCircuitBreaker is the violation code for orders on a halted symbol.
const CodeCircuitBreaker = "CIRCUIT_BREAKER_ACTIVE"

// CodeAssessmentFailure is the violation code when the assessment itself
// fails. Failures deny by default.
const CodeAssessmentFailure = "ASSESSMENT_FAILURE"

// WarnHighUserRisk is the warning emitted for users near the manipulation
// escalation zone.
const WarnHighUserRisk = "user aggregate risk score is elevated"

// ManipulationScorer supplies per-user aggregate risk scores. Implemented
// by the manipulation service.
type ManipulationScorer interface {
	UserRiskScore(userID uuid.UUID) float64
	FlaggedUserCount() int
	ActivityCount() int
}

// Service composes position limits, circuit breakers and manipulation
// scoring into a single pre-trade gate.
type Service struct {
	positions *PositionManager
	breakers  *BreakerSystem
	scorer    ManipulationScorer
	log       *zap.SugaredLogger

	userRiskWarnLevel float64
}

// NewService wires the risk façade. scorer may be nil early in startup;
// manipulation checks are then skipped.
func NewService(positions *PositionManager, breakers *BreakerSystem, scorer ManipulationScorer, userRiskWarnLevel float64, log *zap.SugaredLogger) *Service {
	if userRiskWarnLevel <= 0 {
		userRiskWarnLevel = 0.7
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Service{
		positions:         positions,
		breakers:          breakers,
		scorer:            scorer,
		userRiskWarnLevel: userRiskWarnLevel,
		log:               log,
	}
}

// AssessOrderRisk runs every pre-trade check against the order. Violations
// reject the order; warnings are advisory only. Any internal failure
// denies the order rather than letting it through unchecked.
func (s *Service) AssessOrderRisk(order *models.Order) (assessment *models.RiskAssessment) {
	start := time.Now()
	assessment = &models.RiskAssessment{
		ID:        uuid.New(),
		CreatedAt: start,
		Approved:  true,
		RiskLevel: models.RiskLevelLow,
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Errorw("risk assessment panicked", "panic", r)
			assessment.Violations = append(assessment.Violations, models.RiskViolationDetail{
				Code:     CodeAssessmentFailure,
				Severity: models.RiskLevelCritical,
				Message:  fmt.Sprintf("risk assessment failed: %v", r),
			})
			assessment.Approved = false
			assessment.RiskLevel = models.RiskLevelCritical
		}
		assessment.AssessmentTime = time.Since(start)
	}()

	if order == nil {
		panic("nil order")
	}
	assessment.UserID = order.UserID
	assessment.Symbol = order.Symbol
	assessment.OrderType = order.Type
	assessment.Side = order.Side
	assessment.Quantity = order.Quantity
	assessment.Price = order.Price

	if reason, halted := s.breakers.IsHalted(order.Symbol); halted {
		assessment.Violations = append(assessment.Violations, models.RiskViolationDetail{
			Code:     CodeCircuitBreaker,
			Severity: models.RiskLevelCritical,
			Message:  fmt.Sprintf("trading halted for %s: %s", order.Symbol, reason),
		})
	}

	assessment.Violations = append(assessment.Violations,
		s.positions.CheckPositionLimits(order.UserID, order.Symbol, order.Side, order.Price, order.Quantity)...)

	var userScore float64
	if s.scorer != nil {
		userScore = s.scorer.UserRiskScore(order.UserID)
		if userScore > s.userRiskWarnLevel {
			assessment.Warnings = append(assessment.Warnings,
				fmt.Sprintf("%s (%.2f)", WarnHighUserRisk, userScore))
		}
	}

	assessment.RiskLevel = worstLevel(assessment)
	assessment.RiskScore = riskScore(assessment, userScore)
	assessment.Approved = len(assessment.Violations) == 0

	if !assessment.Approved {
		s.log.Infow("order rejected by risk",
			"user_id", order.UserID,
			"symbol", order.Symbol,
			"risk_level", assessment.RiskLevel,
			"violations", len(assessment.Violations),
		)
	}
	return assessment
}

// levelRank orders severities for aggregation.
func levelRank(level string) int {
	switch level {
	case models.RiskLevelCritical:
		return 3
	case models.RiskLevelHigh:
		return 2
	case models.RiskLevelMedium:
		return 1
	default:
		return 0
	}
}

func worstLevel(a *models.RiskAssessment) string {
	worst := models.RiskLevelLow
	for _, v := range a.Violations {
		if levelRank(v.Severity) > levelRank(worst) {
			worst = v.Severity
		}
	}
	if worst == models.RiskLevelLow && len(a.Warnings) > 0 {
		worst = models.RiskLevelMedium
	}
	return worst
}

// riskScore maps the outcome to [0, 1]: the worst violation severity
// dominates, the user's manipulation score fills the remainder.
func riskScore(a *models.RiskAssessment, userScore float64) decimal.Decimal {
	base := float64(levelRank(worstLevel(a))) / 4
	score := base + userScore*(1-base)
	if score > 1 {
		score = 1
	}
	return decimal.NewFromFloat(score).Round(4)
}

// Dashboard is a point-in-time summary of the risk subsystems.
type Dashboard struct {
	GeneratedAt     time.Time                `json:"generated_at"`
	OpenPositions   int                      `json:"open_positions"`
	ActiveBreakers  []*models.CircuitBreaker `json:"active_breakers"`
	FlaggedUsers    int                      `json:"flagged_users"`
	SuspiciousCount int                      `json:"suspicious_count"`
}

// GetRiskDashboard snapshots all subsystems for monitoring surfaces.
func (s *Service) GetRiskDashboard() *Dashboard {
	d := &Dashboard{
		GeneratedAt:    time.Now(),
		OpenPositions:  s.positions.PositionCount(),
		ActiveBreakers: s.breakers.GetActiveBreakers(),
	}
	if s.scorer != nil {
		d.FlaggedUsers = s.scorer.FlaggedUserCount()
		d.SuspiciousCount = s.scorer.ActivityCount()
	}
	return d
}
