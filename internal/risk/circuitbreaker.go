package risk

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Aidin1998/orbit_core/pkg/models"
)

// BreakerConfig tunes the trigger thresholds.
type BreakerConfig struct {
	// PriceChangeThreshold is the absolute 24h change percent that halts
	// a symbol.
	PriceChangeThreshold decimal.Decimal
	// VolumeThreshold is the absolute quote-volume level required for a
	// spike; the window must also exceed SpikeMultiplier times the
	// trailing average.
	VolumeThreshold decimal.Decimal
	SpikeMultiplier decimal.Decimal
	// LargeTradeFraction of VolumeThreshold that a single trade must
	// reach to halt.
	LargeTradeFraction decimal.Decimal
	Cooldown           time.Duration
	SweepInterval      time.Duration
}

// DefaultBreakerConfig mirrors the standard production thresholds.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		PriceChangeThreshold: decimal.NewFromInt(10),
		VolumeThreshold:      decimal.NewFromInt(1000000),
		SpikeMultiplier:      decimal.NewFromInt(5),
		LargeTradeFraction:   decimal.RequireFromString("0.1"),
		Cooldown:             15 * time.Minute,
		SweepInterval:        30 * time.Second,
	}
}

// VolumeHistory supplies the trailing average window volume used by the
// spike trigger. The default implementation tracks it in-process.
type VolumeHistory interface {
	// Record adds a trade's quote volume for the symbol and returns the
	// current window's running volume and the trailing average of prior
	// windows (zero when no history exists yet).
	Record(symbol string, quoteVolume decimal.Decimal, at time.Time) (window, trailing decimal.Decimal)
}

// rollingVolumes is the built-in VolumeHistory: fixed one-minute windows
// with a trailing average over the last completed windows.
type rollingVolumes struct {
	mu      sync.Mutex
	window  time.Duration
	keep    int
	symbols map[string]*symbolVolumes
}

type symbolVolumes struct {
	windowStart time.Time
	current     decimal.Decimal
	completed   []decimal.Decimal
}

// NewRollingVolumes creates the default volume history (1m windows,
// trailing average over the last 30).
func NewRollingVolumes() VolumeHistory {
	return &rollingVolumes{window: time.Minute, keep: 30, symbols: make(map[string]*symbolVolumes)}
}

func (rv *rollingVolumes) Record(symbol string, quoteVolume decimal.Decimal, at time.Time) (decimal.Decimal, decimal.Decimal) {
	rv.mu.Lock()
	defer rv.mu.Unlock()

	sv, ok := rv.symbols[symbol]
	if !ok {
		sv = &symbolVolumes{windowStart: at.Truncate(rv.window)}
		rv.symbols[symbol] = sv
	}

	start := at.Truncate(rv.window)
	if start.After(sv.windowStart) {
		sv.completed = append(sv.completed, sv.current)
		if len(sv.completed) > rv.keep {
			sv.completed = sv.completed[len(sv.completed)-rv.keep:]
		}
		sv.current = decimal.Zero
		sv.windowStart = start
	}
	sv.current = sv.current.Add(quoteVolume)

	trailing := decimal.Zero
	if len(sv.completed) > 0 {
		sum := decimal.Zero
		for _, v := range sv.completed {
			sum = sum.Add(v)
		}
		trailing = sum.Div(decimal.NewFromInt(int64(len(sv.completed))))
	}
	return sv.current, trailing
}

type breakerKey struct {
	Symbol string
	Type   string
}

// BreakerSystem observes ticker and trade flow and halts a symbol on
// abnormal behavior. It runs independent of the matching engine.
type BreakerSystem struct {
	logger *zap.Logger
	cfg    BreakerConfig

	mu       sync.RWMutex
	breakers map[breakerKey]*models.CircuitBreaker
	volumes  VolumeHistory

	stopCh chan struct{}
	once   sync.Once
}

// NewBreakerSystem creates the system. volumes may be nil to use the
// built-in rolling tracker.
func NewBreakerSystem(logger *zap.Logger, cfg BreakerConfig, volumes VolumeHistory) *BreakerSystem {
	if volumes == nil {
		volumes = NewRollingVolumes()
	}
	return &BreakerSystem{
		logger:   logger,
		cfg:      cfg,
		breakers: make(map[breakerKey]*models.CircuitBreaker),
		volumes:  volumes,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the expiry sweep.
func (bs *BreakerSystem) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(bs.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-bs.stopCh:
				return
			case <-ticker.C:
				bs.expireSweep()
			}
		}
	}()
}

// Stop halts the sweep.
func (bs *BreakerSystem) Stop() {
	bs.once.Do(func() { close(bs.stopCh) })
}

// OnTicker evaluates the price-change trigger.
func (bs *BreakerSystem) OnTicker(ticker *models.Ticker) {
	if ticker.PriceChangePercent.Abs().GreaterThanOrEqual(bs.cfg.PriceChangeThreshold) {
		bs.Trigger(ticker.Symbol, models.BreakerPriceChange,
			"price change "+ticker.PriceChangePercent.StringFixed(2)+"%")
	}
}

// OnTrade evaluates the volume-spike and large-trade triggers.
func (bs *BreakerSystem) OnTrade(trade *models.Trade) {
	value := trade.QuoteVolume()

	window, trailing := bs.volumes.Record(trade.Symbol, value, trade.CreatedAt)
	if window.GreaterThanOrEqual(bs.cfg.VolumeThreshold) &&
		(trailing.IsZero() || window.GreaterThanOrEqual(trailing.Mul(bs.cfg.SpikeMultiplier))) {
		bs.Trigger(trade.Symbol, models.BreakerVolumeSpike,
			"window volume "+window.String()+" vs trailing "+trailing.String())
	}

	if value.GreaterThanOrEqual(bs.cfg.VolumeThreshold.Mul(bs.cfg.LargeTradeFraction)) {
		bs.Trigger(trade.Symbol, models.BreakerLargeTrade, "trade value "+value.String())
	}
}

// Trigger activates the (symbol, type) breaker. Re-triggering while
// active is a no-op: neither a second breaker nor a fresh expiry.
func (bs *BreakerSystem) Trigger(symbol, breakerType, reason string) *models.CircuitBreaker {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	key := breakerKey{Symbol: symbol, Type: breakerType}
	if existing, ok := bs.breakers[key]; ok && existing.Active && time.Now().Before(existing.ExpiresAt) {
		return existing
	}

	now := time.Now()
	breaker := &models.CircuitBreaker{
		ID:          uuid.New(),
		Symbol:      symbol,
		Type:        breakerType,
		Active:      true,
		Reason:      reason,
		TriggeredAt: now,
		ExpiresAt:   now.Add(bs.cfg.Cooldown),
	}
	bs.breakers[key] = breaker

	bs.logger.Warn("Circuit breaker triggered",
		zap.String("symbol", symbol),
		zap.String("type", breakerType),
		zap.String("reason", reason),
		zap.Time("expires_at", breaker.ExpiresAt))
	return breaker
}

// IsHalted reports whether any breaker is active for the symbol.
func (bs *BreakerSystem) IsHalted(symbol string) (string, bool) {
	bs.mu.RLock()
	defer bs.mu.RUnlock()
	now := time.Now()
	for key, b := range bs.breakers {
		if key.Symbol == symbol && b.Active && now.Before(b.ExpiresAt) {
			return b.Type, true
		}
	}
	return "", false
}

// GetActiveBreakers returns copies of every active breaker.
func (bs *BreakerSystem) GetActiveBreakers() []*models.CircuitBreaker {
	bs.mu.RLock()
	defer bs.mu.RUnlock()
	now := time.Now()
	var out []*models.CircuitBreaker
	for _, b := range bs.breakers {
		if b.Active && now.Before(b.ExpiresAt) {
			cp := *b
			out = append(out, &cp)
		}
	}
	return out
}

// ResetBreaker force-clears all active breakers for a symbol. adminID is
// logged for audit attribution.
func (bs *BreakerSystem) ResetBreaker(symbol, adminID string) int {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	cleared := 0
	for key, b := range bs.breakers {
		if key.Symbol == symbol && b.Active {
			b.Active = false
			cleared++
		}
	}
	if cleared > 0 {
		bs.logger.Info("Circuit breakers reset",
			zap.String("symbol", symbol),
			zap.Int("cleared", cleared),
			zap.String("admin_id", adminID))
	}
	return cleared
}

// expireSweep deactivates breakers whose cooldown elapsed.
func (bs *BreakerSystem) expireSweep() {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	now := time.Now()
	for _, b := range bs.breakers {
		if b.Active && now.After(b.ExpiresAt) {
			b.Active = false
			bs.logger.Info("Circuit breaker expired",
				zap.String("symbol", b.Symbol),
				zap.String("type", b.Type))
		}
	}
}
