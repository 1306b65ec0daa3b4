package manipulation

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Aidin1998/orbit_core/pkg/models"
)

// Rule scores one executed trade against a user's recent history. Scores
// are in [0, 1]; a rule only contributes a detection when its score
// reaches its activation threshold.
type Rule interface {
	Name() string
	Severity() string
	Threshold() float64
	Score(userID uuid.UUID, trade *models.Trade, history []*models.Trade) float64
}

// sideFor returns the side the user traded on for this trade.
func sideFor(userID uuid.UUID, trade *models.Trade) string {
	if trade.TakerUserID == userID {
		return trade.Side
	}
	if trade.Side == models.SideBuy {
		return models.SideSell
	}
	return models.SideBuy
}

// WashTradingRule detects offsetting trades: opposite-side executions at
// near-identical prices within a short window, the classic artificial
// volume pattern.
type WashTradingRule struct {
	Window         time.Duration
	PriceTolerance decimal.Decimal // fraction of price, e.g. 0.001
}

// NewWashTradingRule uses a 5 minute window and 0.1% price tolerance.
func NewWashTradingRule() *WashTradingRule {
	return &WashTradingRule{
		Window:         5 * time.Minute,
		PriceTolerance: decimal.RequireFromString("0.001"),
	}
}

func (r *WashTradingRule) Name() string       { return "wash_trading" }
func (r *WashTradingRule) Severity() string   { return models.RiskLevelHigh }
func (r *WashTradingRule) Threshold() float64 { return 0.5 }

func (r *WashTradingRule) Score(userID uuid.UUID, trade *models.Trade, history []*models.Trade) float64 {
	if len(history) == 0 {
		return 0
	}

	side := sideFor(userID, trade)
	tolerance := trade.Price.Mul(r.PriceTolerance)
	cutoff := trade.CreatedAt.Add(-r.Window)

	recent, offsetting := 0, 0
	for _, prev := range history {
		if prev.ID == trade.ID || prev.Symbol != trade.Symbol || prev.CreatedAt.Before(cutoff) {
			continue
		}
		recent++
		if sideFor(userID, prev) != side && prev.Price.Sub(trade.Price).Abs().LessThanOrEqual(tolerance) {
			offsetting++
		}
	}
	if recent == 0 {
		return 0
	}
	// Self-matching is the strongest signal of all.
	if trade.TakerUserID == trade.MakerUserID {
		return 1
	}
	return float64(offsetting) / float64(recent)
}

// PumpAndDumpRule detects buy-volume concentration followed by a larger
// sell volume whose average timestamp is later than the buys'.
type PumpAndDumpRule struct {
	Window time.Duration
}

// NewPumpAndDumpRule uses a 30 minute window.
func NewPumpAndDumpRule() *PumpAndDumpRule {
	return &PumpAndDumpRule{Window: 30 * time.Minute}
}

func (r *PumpAndDumpRule) Name() string       { return "pump_and_dump" }
func (r *PumpAndDumpRule) Severity() string   { return models.RiskLevelCritical }
func (r *PumpAndDumpRule) Threshold() float64 { return 0.6 }

func (r *PumpAndDumpRule) Score(userID uuid.UUID, trade *models.Trade, history []*models.Trade) float64 {
	cutoff := trade.CreatedAt.Add(-r.Window)

	buyVol, sellVol := decimal.Zero, decimal.Zero
	var buyTimeSum, sellTimeSum int64
	var buys, sells int64
	tally := func(t *models.Trade) {
		if t.Symbol != trade.Symbol || t.CreatedAt.Before(cutoff) {
			return
		}
		if sideFor(userID, t) == models.SideBuy {
			buyVol = buyVol.Add(t.QuoteVolume())
			buyTimeSum += t.CreatedAt.UnixMilli()
			buys++
		} else {
			sellVol = sellVol.Add(t.QuoteVolume())
			sellTimeSum += t.CreatedAt.UnixMilli()
			sells++
		}
	}
	for _, t := range history {
		tally(t)
	}
	tally(trade)
	if buys < 3 || sells == 0 || buyVol.IsZero() {
		return 0
	}
	// Sells must come later than the accumulation on average.
	if sellTimeSum/sells <= buyTimeSum/buys {
		return 0
	}
	ratio, _ := sellVol.Div(buyVol).Float64()
	if ratio <= 1 {
		return 0
	}
	score := (ratio - 1) / 2 // sell volume 3x the buys saturates the score
	if score > 1 {
		score = 1
	}
	return score
}

// SpoofingRule is a placeholder pending order-lifecycle (cancellation
// pattern) data; executed trades alone cannot evidence spoofing.
type SpoofingRule struct{}

func (SpoofingRule) Name() string       { return "spoofing" }
func (SpoofingRule) Severity() string   { return models.RiskLevelHigh }
func (SpoofingRule) Threshold() float64 { return 0.7 }
func (SpoofingRule) Score(uuid.UUID, *models.Trade, []*models.Trade) float64 {
	return 0
}

// LayeringRule is a placeholder pending order-book placement data.
type LayeringRule struct{}

func (LayeringRule) Name() string       { return "layering" }
func (LayeringRule) Severity() string   { return models.RiskLevelHigh }
func (LayeringRule) Threshold() float64 { return 0.7 }
func (LayeringRule) Score(uuid.UUID, *models.Trade, []*models.Trade) float64 {
	return 0
}
