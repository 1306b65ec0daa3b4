package risk

import (
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Aidin1998/orbit_core/pkg/models"
)

func newTestPositionManager(maxPosition, marginRatio, available string) *PositionManager {
	defaults := models.UserLimits{
		MaxPositionSize: decimal.RequireFromString(maxPosition),
		MarginRatio:     decimal.RequireFromString(marginRatio),
	}
	margin := StaticMarginService{Margin: decimal.RequireFromString(available)}
	return NewPositionManager(zap.NewNop(), defaults, margin)
}

func TestWeightedAverageOnSameSideAdds(t *testing.T) {
	pm := newTestPositionManager("1000000", "0.1", "1000000")
	userID := uuid.New()

	pm.UpdatePosition(userID, "BTC-USDT", models.SideBuy,
		decimal.NewFromInt(100), decimal.NewFromInt(2))
	pos := pm.UpdatePosition(userID, "BTC-USDT", models.SideBuy,
		decimal.NewFromInt(110), decimal.NewFromInt(2))

	require.NotNil(t, pos)
	assert.True(t, pos.Quantity.Equal(decimal.NewFromInt(4)), "quantity %s", pos.Quantity)
	// (2*100 + 2*110) / 4 = 105
	assert.True(t, pos.AveragePrice.Equal(decimal.NewFromInt(105)), "avg %s", pos.AveragePrice)
	assert.True(t, pos.RealizedPnL.IsZero())
}

func TestReduceRealizesPnL(t *testing.T) {
	pm := newTestPositionManager("1000000", "0.1", "1000000")
	userID := uuid.New()

	pm.UpdatePosition(userID, "BTC-USDT", models.SideBuy,
		decimal.NewFromInt(100), decimal.NewFromInt(4))
	pos := pm.UpdatePosition(userID, "BTC-USDT", models.SideSell,
		decimal.NewFromInt(120), decimal.NewFromInt(3))

	assert.True(t, pos.Quantity.Equal(decimal.NewFromInt(1)))
	// 3 * (120 - 100) = 60
	assert.True(t, pos.RealizedPnL.Equal(decimal.NewFromInt(60)), "realized %s", pos.RealizedPnL)
	// average price of the remainder unchanged
	assert.True(t, pos.AveragePrice.Equal(decimal.NewFromInt(100)))
}

func TestSellThroughFlatFlipsShort(t *testing.T) {
	pm := newTestPositionManager("1000000", "0.1", "1000000")
	userID := uuid.New()

	pm.UpdatePosition(userID, "BTC-USDT", models.SideBuy,
		decimal.NewFromInt(100), decimal.NewFromInt(2))
	pos := pm.UpdatePosition(userID, "BTC-USDT", models.SideSell,
		decimal.NewFromInt(110), decimal.NewFromInt(5))

	// 2 closed at +10 each, 3 open short at 110.
	assert.True(t, pos.Quantity.Equal(decimal.NewFromInt(-3)), "quantity %s", pos.Quantity)
	assert.True(t, pos.AveragePrice.Equal(decimal.NewFromInt(110)), "avg %s", pos.AveragePrice)
	assert.True(t, pos.RealizedPnL.Equal(decimal.NewFromInt(20)), "realized %s", pos.RealizedPnL)
}

func TestCoverShortRealizesInvertedPnL(t *testing.T) {
	pm := newTestPositionManager("1000000", "0.1", "1000000")
	userID := uuid.New()

	pm.UpdatePosition(userID, "BTC-USDT", models.SideSell,
		decimal.NewFromInt(100), decimal.NewFromInt(4))
	pos := pm.UpdatePosition(userID, "BTC-USDT", models.SideBuy,
		decimal.NewFromInt(90), decimal.NewFromInt(4))

	assert.True(t, pos.Quantity.IsZero())
	assert.True(t, pos.AveragePrice.IsZero())
	// short from 100 covered at 90: 4 * 10 = 40 profit
	assert.True(t, pos.RealizedPnL.Equal(decimal.NewFromInt(40)), "realized %s", pos.RealizedPnL)
}

func TestApplyTradeUpdatesBothCounterparties(t *testing.T) {
	pm := newTestPositionManager("1000000", "0.1", "1000000")
	taker, maker := uuid.New(), uuid.New()

	pm.ApplyTrade(&models.Trade{
		ID:          uuid.New(),
		Symbol:      "ETH-USDT",
		Price:       decimal.NewFromInt(2000),
		Quantity:    decimal.NewFromInt(3),
		TakerUserID: taker,
		MakerUserID: maker,
		Side:        models.SideBuy,
	})

	takerPos := pm.GetPosition(taker, "ETH-USDT")
	makerPos := pm.GetPosition(maker, "ETH-USDT")
	require.NotNil(t, takerPos)
	require.NotNil(t, makerPos)
	assert.True(t, takerPos.Quantity.Equal(decimal.NewFromInt(3)))
	assert.True(t, makerPos.Quantity.Equal(decimal.NewFromInt(-3)))
}

func TestMarkToMarketRefreshesUnrealized(t *testing.T) {
	pm := newTestPositionManager("1000000", "0.1", "1000000")
	userID := uuid.New()

	pm.UpdatePosition(userID, "BTC-USDT", models.SideBuy,
		decimal.NewFromInt(100), decimal.NewFromInt(2))
	pm.MarkToMarket("BTC-USDT", decimal.NewFromInt(130))

	pos := pm.GetPosition(userID, "BTC-USDT")
	require.NotNil(t, pos)
	assert.True(t, pos.UnrealizedPnL.Equal(decimal.NewFromInt(60)), "unrealized %s", pos.UnrealizedPnL)
}

func TestCheckPositionLimitsMaxSize(t *testing.T) {
	pm := newTestPositionManager("1000", "0.1", "1000000")
	userID := uuid.New()

	violations := pm.CheckPositionLimits(userID, "BTC-USDT", models.SideBuy,
		decimal.NewFromInt(100), decimal.NewFromInt(20))

	require.Len(t, violations, 1)
	assert.Equal(t, CodeMaxPositionSize, violations[0].Code)
	assert.Equal(t, models.RiskLevelCritical, violations[0].Severity)
}

func TestCheckPositionLimitsMargin(t *testing.T) {
	pm := newTestPositionManager("1000000", "0.5", "100")
	userID := uuid.New()

	violations := pm.CheckPositionLimits(userID, "BTC-USDT", models.SideBuy,
		decimal.NewFromInt(100), decimal.NewFromInt(10))

	// required margin 1000*0.5 = 500 > 100 available
	require.Len(t, violations, 1)
	assert.Equal(t, CodeMarginRequired, violations[0].Code)
	assert.Equal(t, models.RiskLevelHigh, violations[0].Severity)
}

func TestPerUserLimitsOverrideDefaults(t *testing.T) {
	pm := newTestPositionManager("1000000", "0.1", "1000000")
	userID := uuid.New()

	pm.SetUserLimits(userID, models.UserLimits{
		MaxPositionSize: decimal.NewFromInt(500),
		MarginRatio:     decimal.RequireFromString("0.1"),
	}, "admin-1")

	violations := pm.CheckPositionLimits(userID, "BTC-USDT", models.SideBuy,
		decimal.NewFromInt(100), decimal.NewFromInt(10))
	require.Len(t, violations, 1)
	assert.Equal(t, CodeMaxPositionSize, violations[0].Code)

	// Another user keeps the defaults.
	assert.Empty(t, pm.CheckPositionLimits(uuid.New(), "BTC-USDT", models.SideBuy,
		decimal.NewFromInt(100), decimal.NewFromInt(10)))
}
