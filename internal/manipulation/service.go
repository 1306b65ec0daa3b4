package manipulation

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Aidin1998/orbit_core/pkg/models"
)

// ServiceConfig tunes detection thresholds and the background sweep.
type ServiceConfig struct {
	HistorySize       int           `json:"history_size" mapstructure:"history_size"`
	FlagThreshold     float64       `json:"flag_threshold" mapstructure:"flag_threshold"`
	EscalateThreshold float64       `json:"escalate_threshold" mapstructure:"escalate_threshold"`
	UserRiskThreshold float64       `json:"user_risk_threshold" mapstructure:"user_risk_threshold"`
	SweepInterval     time.Duration `json:"sweep_interval" mapstructure:"sweep_interval"`

	WashTradeWindow    time.Duration `json:"wash_trade_window" mapstructure:"wash_trade_window"`
	WashPriceTolerance float64       `json:"wash_price_tolerance" mapstructure:"wash_price_tolerance"`
}

// DefaultServiceConfig returns the production thresholds.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		HistorySize:       1000,
		FlagThreshold:     0.5,
		EscalateThreshold: 0.8,
		UserRiskThreshold: 0.7,
		SweepInterval:     time.Minute,
	}
}

type userHistory struct {
	trades []*models.Trade // oldest first, capped at HistorySize
	scores []float64       // per-trade mean rule score, parallel slice
}

// Service scores every executed trade for each counterparty against a
// pluggable rule set and keeps an audit queue of flagged activity.
type Service struct {
	cfg   ServiceConfig
	rules []Rule
	log   *zap.SugaredLogger

	mu         sync.RWMutex
	histories  map[uuid.UUID]*userHistory
	activities map[uuid.UUID]*models.SuspiciousActivity
	order      []uuid.UUID // activity IDs, oldest first

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewService wires the default rule set. Pass extra rules to extend it.
func NewService(cfg ServiceConfig, log *zap.SugaredLogger, extra ...Rule) *Service {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 1000
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	wash := NewWashTradingRule()
	if cfg.WashTradeWindow > 0 {
		wash.Window = cfg.WashTradeWindow
	}
	if cfg.WashPriceTolerance > 0 {
		wash.PriceTolerance = decimal.NewFromFloat(cfg.WashPriceTolerance)
	}
	rules := []Rule{
		wash,
		NewPumpAndDumpRule(),
		SpoofingRule{},
		LayeringRule{},
	}
	rules = append(rules, extra...)
	return &Service{
		cfg:        cfg,
		rules:      rules,
		log:        log,
		histories:  make(map[uuid.UUID]*userHistory),
		activities: make(map[uuid.UUID]*models.SuspiciousActivity),
		stopCh:     make(chan struct{}),
	}
}

// Start launches the periodic user-score sweep.
func (s *Service) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.sweep()
			case <-s.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the sweep loop.
func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// OnTrade scores the trade for both counterparties. Safe for concurrent use.
func (s *Service) OnTrade(trade *models.Trade) {
	if trade == nil {
		return
	}
	s.scoreFor(trade.TakerUserID, trade)
	if trade.MakerUserID != trade.TakerUserID {
		s.scoreFor(trade.MakerUserID, trade)
	}
}

func (s *Service) scoreFor(userID uuid.UUID, trade *models.Trade) {
	s.mu.Lock()
	defer s.mu.Unlock()

	hist := s.histories[userID]
	if hist == nil {
		hist = &userHistory{}
		s.histories[userID] = hist
	}

	// The trade's suspicion score is the mean over the rules that fired;
	// rules below their activation threshold contribute nothing.
	var sum float64
	var detected []string
	for _, rule := range s.rules {
		score := rule.Score(userID, trade, hist.trades)
		if score >= rule.Threshold() {
			detected = append(detected, rule.Name())
			sum += score
		}
	}
	var mean float64
	if len(detected) > 0 {
		mean = sum / float64(len(detected))
	}

	hist.trades = append(hist.trades, trade)
	hist.scores = append(hist.scores, mean)
	if len(hist.trades) > s.cfg.HistorySize {
		hist.trades = hist.trades[1:]
		hist.scores = hist.scores[1:]
	}

	if mean <= s.cfg.FlagThreshold {
		return
	}
	status := models.ActivityFlagged
	if mean > s.cfg.EscalateThreshold {
		status = models.ActivityEscalated
	}
	activity := &models.SuspiciousActivity{
		ID:             uuid.New(),
		UserID:         userID,
		Trade:          trade,
		SuspicionScore: mean,
		DetectedRules:  detected,
		Status:         status,
		CreatedAt:      time.Now(),
	}
	s.activities[activity.ID] = activity
	s.order = append(s.order, activity.ID)

	s.log.Warnw("suspicious activity detected",
		"user_id", userID,
		"trade_id", trade.ID,
		"symbol", trade.Symbol,
		"score", mean,
		"rules", detected,
		"status", status,
	)
}

// UserRiskScore returns the mean of the user's recorded per-trade scores.
// Users with no history score zero.
func (s *Service) UserRiskScore(userID uuid.UUID) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userScoreLocked(userID)
}

// GetSuspiciousActivities returns the newest activities first, capped at
// limit (0 means all).
func (s *Service) GetSuspiciousActivities(limit int) []*models.SuspiciousActivity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.SuspiciousActivity, 0, len(s.order))
	for i := len(s.order) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		if a, ok := s.activities[s.order[i]]; ok {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out
}

// ReviewActivity records a manual review verdict on a flagged activity.
func (s *Service) ReviewActivity(id uuid.UUID, reviewer, status, notes string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	activity, ok := s.activities[id]
	if !ok {
		return false
	}
	activity.Status = status
	activity.ReviewedBy = reviewer
	activity.ReviewNotes = notes
	s.log.Infow("suspicious activity reviewed",
		"activity_id", id,
		"reviewer", reviewer,
		"status", status,
	)
	return true
}

// FlaggedUserCount reports users whose aggregate score currently exceeds
// the user risk threshold.
func (s *Service) FlaggedUserCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for id := range s.histories {
		if s.userScoreLocked(id) > s.cfg.UserRiskThreshold {
			count++
		}
	}
	return count
}

// ActivityCount reports the number of recorded suspicious activities.
func (s *Service) ActivityCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.activities)
}

func (s *Service) userScoreLocked(userID uuid.UUID) float64 {
	hist := s.histories[userID]
	if hist == nil || len(hist.scores) == 0 {
		return 0
	}
	var sum float64
	for _, sc := range hist.scores {
		sum += sc
	}
	return sum / float64(len(hist.scores))
}

func (s *Service) sweep() {
	s.mu.RLock()
	type flaggedUser struct {
		id    uuid.UUID
		score float64
	}
	var flagged []flaggedUser
	for id := range s.histories {
		if score := s.userScoreLocked(id); score > s.cfg.UserRiskThreshold {
			flagged = append(flagged, flaggedUser{id, score})
		}
	}
	s.mu.RUnlock()
	for _, f := range flagged {
		s.log.Warnw("user exceeds risk threshold", "user_id", f.id, "score", f.score)
	}
}
