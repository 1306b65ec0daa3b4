package marketdata

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Aidin1998/orbit_core/pkg/models"
)

// tickerBucket is one minute of aggregated trade flow.
type tickerBucket struct {
	start       int64 // unix minute
	open        decimal.Decimal
	high        decimal.Decimal
	low         decimal.Decimal
	close       decimal.Decimal
	volume      decimal.Decimal
	quoteVolume decimal.Decimal
}

// TickerTracker maintains a trailing 24h rolling ticker per symbol from
// minute buckets.
type TickerTracker struct {
	span time.Duration

	mu      sync.RWMutex
	buckets map[string][]*tickerBucket // oldest first
	last    map[string]decimal.Decimal
}

// NewTickerTracker uses a 24 hour span unless overridden.
func NewTickerTracker(span time.Duration) *TickerTracker {
	if span <= 0 {
		span = 24 * time.Hour
	}
	return &TickerTracker{
		span:    span,
		buckets: make(map[string][]*tickerBucket),
		last:    make(map[string]decimal.Decimal),
	}
}

// Apply folds the trade in and returns the refreshed ticker.
func (tt *TickerTracker) Apply(trade *models.Trade) *models.Ticker {
	tt.mu.Lock()
	defer tt.mu.Unlock()

	minute := trade.CreatedAt.Unix() / 60
	buckets := tt.buckets[trade.Symbol]

	var bucket *tickerBucket
	if n := len(buckets); n > 0 && buckets[n-1].start == minute {
		bucket = buckets[n-1]
	} else {
		bucket = &tickerBucket{
			start: minute,
			open:  trade.Price,
			high:  trade.Price,
			low:   trade.Price,
		}
		buckets = append(buckets, bucket)
		sort.Slice(buckets, func(i, j int) bool { return buckets[i].start < buckets[j].start })
	}

	if trade.Price.GreaterThan(bucket.high) {
		bucket.high = trade.Price
	}
	if trade.Price.LessThan(bucket.low) {
		bucket.low = trade.Price
	}
	bucket.close = trade.Price
	bucket.volume = bucket.volume.Add(trade.Quantity)
	bucket.quoteVolume = bucket.quoteVolume.Add(trade.QuoteVolume())

	tt.buckets[trade.Symbol] = tt.prune(buckets, trade.CreatedAt)
	tt.last[trade.Symbol] = trade.Price
	return tt.buildLocked(trade.Symbol, trade.CreatedAt)
}

// GetTicker returns the current ticker for the symbol, or nil when the
// symbol has not traded within the span.
func (tt *TickerTracker) GetTicker(symbol string) *models.Ticker {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	tt.buckets[symbol] = tt.prune(tt.buckets[symbol], time.Now())
	return tt.buildLocked(symbol, time.Now())
}

// GetAllTickers returns tickers for every symbol seen within the span.
func (tt *TickerTracker) GetAllTickers() []*models.Ticker {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	now := time.Now()
	var out []*models.Ticker
	for symbol := range tt.buckets {
		tt.buckets[symbol] = tt.prune(tt.buckets[symbol], now)
		if t := tt.buildLocked(symbol, now); t != nil {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

func (tt *TickerTracker) prune(buckets []*tickerBucket, now time.Time) []*tickerBucket {
	horizon := now.Add(-tt.span).Unix() / 60
	cut := 0
	for cut < len(buckets) && buckets[cut].start < horizon {
		cut++
	}
	if cut == 0 {
		return buckets
	}
	return append([]*tickerBucket(nil), buckets[cut:]...)
}

func (tt *TickerTracker) buildLocked(symbol string, now time.Time) *models.Ticker {
	buckets := tt.buckets[symbol]
	if len(buckets) == 0 {
		return nil
	}
	t := &models.Ticker{
		Symbol:    symbol,
		OpenPrice: buckets[0].open,
		High:      buckets[0].high,
		Low:       buckets[0].low,
		LastPrice: tt.last[symbol],
		UpdatedAt: now,
	}
	for _, b := range buckets {
		if b.high.GreaterThan(t.High) {
			t.High = b.high
		}
		if b.low.LessThan(t.Low) {
			t.Low = b.low
		}
		t.Volume = t.Volume.Add(b.volume)
		t.QuoteVolume = t.QuoteVolume.Add(b.quoteVolume)
	}
	if t.OpenPrice.IsPositive() {
		t.PriceChangePercent = t.LastPrice.Sub(t.OpenPrice).
			Div(t.OpenPrice).Mul(decimal.NewFromInt(100)).Round(4)
	}
	return t
}
