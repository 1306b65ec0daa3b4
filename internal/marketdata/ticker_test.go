package marketdata

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTickerAggregates(t *testing.T) {
	tt := NewTickerTracker(24 * time.Hour)
	now := time.Now()

	tt.Apply(tradeAt("100", 2, now.Add(-2*time.Minute)))
	tt.Apply(tradeAt("120", 1, now.Add(-time.Minute)))
	ticker := tt.Apply(tradeAt("90", 3, now))

	require.NotNil(t, ticker)
	assert.True(t, ticker.OpenPrice.Equal(decimal.NewFromInt(100)))
	assert.True(t, ticker.High.Equal(decimal.NewFromInt(120)))
	assert.True(t, ticker.Low.Equal(decimal.NewFromInt(90)))
	assert.True(t, ticker.LastPrice.Equal(decimal.NewFromInt(90)))
	assert.True(t, ticker.Volume.Equal(decimal.NewFromInt(6)))
	// (90 - 100) / 100 * 100 = -10%
	assert.True(t, ticker.PriceChangePercent.Equal(decimal.NewFromInt(-10)),
		"change %s", ticker.PriceChangePercent)
}

func TestTickerUnknownSymbolNil(t *testing.T) {
	tt := NewTickerTracker(24 * time.Hour)
	assert.Nil(t, tt.GetTicker("ETH-USDT"))
}

func TestTickerSpanPrunes(t *testing.T) {
	tt := NewTickerTracker(5 * time.Minute)
	now := time.Now()

	tt.Apply(tradeAt("50", 1, now.Add(-10*time.Minute)))
	ticker := tt.Apply(tradeAt("100", 1, now))

	require.NotNil(t, ticker)
	// The stale bucket was pruned; the window opens at the recent trade.
	assert.True(t, ticker.OpenPrice.Equal(decimal.NewFromInt(100)))
	assert.True(t, ticker.Volume.Equal(decimal.NewFromInt(1)))
}

func TestGetAllTickersSorted(t *testing.T) {
	tt := NewTickerTracker(24 * time.Hour)
	now := time.Now()

	eth := tradeAt("2000", 1, now)
	eth.Symbol = "ETH-USDT"
	tt.Apply(eth)
	tt.Apply(tradeAt("100", 1, now))

	all := tt.GetAllTickers()
	require.Len(t, all, 2)
	assert.Equal(t, "BTC-USDT", all[0].Symbol)
	assert.Equal(t, "ETH-USDT", all[1].Symbol)
}
