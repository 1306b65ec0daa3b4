package marketdata

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Aidin1998/orbit_core/pkg/models"
)

type vwapSample struct {
	price    decimal.Decimal
	quantity decimal.Decimal
	at       time.Time
}

// VWAPTracker keeps a rolling window of trade samples per symbol and
// recomputes the volume-weighted average price on every update.
type VWAPTracker struct {
	window time.Duration

	mu      sync.RWMutex
	samples map[string][]vwapSample
	current map[string]decimal.Decimal
}

// NewVWAPTracker uses the given trailing window, defaulting to one hour.
func NewVWAPTracker(window time.Duration) *VWAPTracker {
	if window <= 0 {
		window = time.Hour
	}
	return &VWAPTracker{
		window:  window,
		samples: make(map[string][]vwapSample),
		current: make(map[string]decimal.Decimal),
	}
}

// Apply adds the trade's sample, evicts expired samples and returns the
// recomputed VWAP for the symbol.
func (v *VWAPTracker) Apply(trade *models.Trade) decimal.Decimal {
	v.mu.Lock()
	defer v.mu.Unlock()

	samples := append(v.samples[trade.Symbol], vwapSample{
		price:    trade.Price,
		quantity: trade.Quantity,
		at:       trade.CreatedAt,
	})
	samples = v.evict(samples, trade.CreatedAt)
	v.samples[trade.Symbol] = samples
	vwap := computeVWAP(samples)
	v.current[trade.Symbol] = vwap
	return vwap
}

// GetVWAP returns the latest VWAP for the symbol after evicting anything
// that slid out of the window.
func (v *VWAPTracker) GetVWAP(symbol string) decimal.Decimal {
	v.mu.Lock()
	defer v.mu.Unlock()

	samples := v.evict(v.samples[symbol], time.Now())
	v.samples[symbol] = samples
	vwap := computeVWAP(samples)
	v.current[symbol] = vwap
	return vwap
}

func (v *VWAPTracker) evict(samples []vwapSample, now time.Time) []vwapSample {
	cutoff := now.Add(-v.window)
	cut := 0
	for cut < len(samples) && samples[cut].at.Before(cutoff) {
		cut++
	}
	if cut == 0 {
		return samples
	}
	return append([]vwapSample(nil), samples[cut:]...)
}

func computeVWAP(samples []vwapSample) decimal.Decimal {
	notional, volume := decimal.Zero, decimal.Zero
	for _, s := range samples {
		notional = notional.Add(s.price.Mul(s.quantity))
		volume = volume.Add(s.quantity)
	}
	if volume.IsZero() {
		return decimal.Zero
	}
	return notional.Div(volume)
}
