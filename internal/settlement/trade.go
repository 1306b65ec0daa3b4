package settlement

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Aidin1998/orbit_core/pkg/models"
)

// BuildTradeUpdates expands a trade into its four signed balance updates:
// base and quote legs for both counterparties. The set is balanced per
// asset before external fees.
func BuildTradeUpdates(trade *models.Trade, pair *models.TradingPair) []*models.BalanceUpdate {
	value := trade.Price.Mul(trade.Quantity)

	var baseQty, quoteQty decimal.Decimal
	if trade.Side == models.SideBuy {
		// Taker bought base with quote.
		baseQty = trade.Quantity
		quoteQty = value.Neg()
	} else {
		baseQty = trade.Quantity.Neg()
		quoteQty = value
	}

	mk := func(userID uuid.UUID, orderID uuid.UUID, asset string, amount decimal.Decimal) *models.BalanceUpdate {
		return &models.BalanceUpdate{
			ID:      uuid.New(),
			UserID:  userID,
			Asset:   asset,
			ChainID: pair.ChainID,
			Amount:  amount,
			Type:    models.BalanceUpdateTrade,
			OrderID: orderID,
			TradeID: trade.ID,
		}
	}

	return []*models.BalanceUpdate{
		mk(trade.TakerUserID, trade.TakerOrderID, pair.BaseAsset, baseQty),
		mk(trade.TakerUserID, trade.TakerOrderID, pair.QuoteAsset, quoteQty),
		mk(trade.MakerUserID, trade.MakerOrderID, pair.BaseAsset, baseQty.Neg()),
		mk(trade.MakerUserID, trade.MakerOrderID, pair.QuoteAsset, quoteQty.Neg()),
	}
}
