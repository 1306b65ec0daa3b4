package marketdata

import (
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/Aidin1998/orbit_core/pkg/models"
)

// ParseInterval converts an interval token like "1m", "4h" or "1d" into
// a duration.
func ParseInterval(interval string) (time.Duration, error) {
	if len(interval) < 2 {
		return 0, fmt.Errorf("invalid interval %q", interval)
	}
	n, err := strconv.Atoi(interval[:len(interval)-1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid interval %q", interval)
	}
	switch interval[len(interval)-1] {
	case 'm':
		return time.Duration(n) * time.Minute, nil
	case 'h':
		return time.Duration(n) * time.Hour, nil
	case 'd':
		return time.Duration(n) * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("invalid interval %q", interval)
	}
}

type candleKey struct {
	Symbol   string
	Interval string
}

type candleSeries struct {
	open   *models.Candlestick   // current mutable bar, nil until first trade
	sealed []*models.Candlestick // oldest first
}

// CandleStore maintains one open candle per (symbol, interval) plus its
// sealed history. Sealed candles are immutable.
type CandleStore struct {
	intervals map[string]time.Duration
	retention time.Duration
	onSeal    func(*models.Candlestick)

	mu     sync.RWMutex
	series map[candleKey]*candleSeries
}

// NewCandleStore validates the interval set up front. onSeal is invoked
// for every candle the instant it is sealed; it may be nil.
func NewCandleStore(intervals []string, retention time.Duration, onSeal func(*models.Candlestick)) (*CandleStore, error) {
	parsed := make(map[string]time.Duration, len(intervals))
	for _, iv := range intervals {
		d, err := ParseInterval(iv)
		if err != nil {
			return nil, err
		}
		parsed[iv] = d
	}
	if len(parsed) == 0 {
		return nil, fmt.Errorf("no candle intervals configured")
	}
	return &CandleStore{
		intervals: parsed,
		retention: retention,
		series:    make(map[candleKey]*candleSeries),
	}, nil
}

// SetOnSeal installs the seal callback. Call before the first trade.
func (cs *CandleStore) SetOnSeal(fn func(*models.Candlestick)) { cs.onSeal = fn }

// Apply folds a trade into every interval's current candle, sealing and
// emitting the prior candle whenever the trade crosses an interval
// boundary. Returns the candles the trade touched.
func (cs *CandleStore) Apply(trade *models.Trade) []*models.Candlestick {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	at := trade.CreatedAt.UnixMilli()
	touched := make([]*models.Candlestick, 0, len(cs.intervals))
	for interval, d := range cs.intervals {
		intervalMs := d.Milliseconds()
		openTime := (at / intervalMs) * intervalMs

		key := candleKey{Symbol: trade.Symbol, Interval: interval}
		ser := cs.series[key]
		if ser == nil {
			ser = &candleSeries{}
			cs.series[key] = ser
		}

		if ser.open != nil && ser.open.OpenTime != openTime {
			cs.seal(ser)
		}
		if ser.open == nil {
			ser.open = &models.Candlestick{
				Symbol:    trade.Symbol,
				Interval:  interval,
				OpenTime:  openTime,
				CloseTime: openTime + intervalMs,
				Open:      trade.Price,
				High:      trade.Price,
				Low:       trade.Price,
			}
		}

		c := ser.open
		if trade.Price.GreaterThan(c.High) {
			c.High = trade.Price
		}
		if trade.Price.LessThan(c.Low) {
			c.Low = trade.Price
		}
		c.Close = trade.Price
		c.Volume = c.Volume.Add(trade.Quantity)
		c.QuoteVolume = c.QuoteVolume.Add(trade.QuoteVolume())
		c.Trades++
		touched = append(touched, c)
	}
	return touched
}

func (cs *CandleStore) seal(ser *candleSeries) {
	c := ser.open
	c.IsComplete = true
	ser.sealed = append(ser.sealed, c)
	ser.open = nil
	if cs.onSeal != nil {
		cs.onSeal(c)
	}
}

// Sweep seals every open candle whose close time has passed and prunes
// sealed candles older than the retention horizon.
func (cs *CandleStore) Sweep(now time.Time) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	nowMs := now.UnixMilli()
	horizon := now.Add(-cs.retention).UnixMilli()
	for _, ser := range cs.series {
		if ser.open != nil && ser.open.CloseTime <= nowMs {
			cs.seal(ser)
		}
		if cs.retention > 0 {
			cut := 0
			for cut < len(ser.sealed) && ser.sealed[cut].CloseTime < horizon {
				cut++
			}
			if cut > 0 {
				ser.sealed = append([]*models.Candlestick(nil), ser.sealed[cut:]...)
			}
		}
	}
}

// GetCandlesticks returns up to limit candles for the pair, oldest first,
// including the open candle. Unknown intervals yield an error.
func (cs *CandleStore) GetCandlesticks(symbol, interval string, limit int) ([]*models.Candlestick, error) {
	if _, ok := cs.intervals[interval]; !ok {
		return nil, fmt.Errorf("unknown interval %q", interval)
	}
	cs.mu.RLock()
	defer cs.mu.RUnlock()

	ser := cs.series[candleKey{Symbol: symbol, Interval: interval}]
	if ser == nil {
		return nil, nil
	}
	out := make([]*models.Candlestick, 0, len(ser.sealed)+1)
	for _, c := range ser.sealed {
		cp := *c
		out = append(out, &cp)
	}
	if ser.open != nil {
		cp := *ser.open
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenTime < out[j].OpenTime })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// Intervals returns the configured interval tokens.
func (cs *CandleStore) Intervals() []string {
	out := make([]string, 0, len(cs.intervals))
	for iv := range cs.intervals {
		out = append(out, iv)
	}
	sort.Strings(out)
	return out
}
