package marketdata

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Aidin1998/orbit_core/internal/orderbook"
	"github.com/Aidin1998/orbit_core/pkg/models"
)

// EngineConfig tunes aggregation windows and the background sweep.
type EngineConfig struct {
	Intervals       []string      `json:"intervals" mapstructure:"intervals"`
	VWAPWindow      time.Duration `json:"vwap_window" mapstructure:"vwap_window"`
	TickerSpan      time.Duration `json:"ticker_span" mapstructure:"ticker_span"`
	Retention       time.Duration `json:"retention" mapstructure:"retention"`
	SweepInterval   time.Duration `json:"sweep_interval" mapstructure:"sweep_interval"`
	SubscriberQueue int           `json:"subscriber_queue" mapstructure:"subscriber_queue"`
	MirrorChannel   string        `json:"mirror_channel" mapstructure:"mirror_channel"`
}

// DefaultEngineConfig returns the production aggregation settings.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Intervals:       []string{"1m", "5m", "15m", "1h", "4h", "1d"},
		VWAPWindow:      time.Hour,
		TickerSpan:      24 * time.Hour,
		Retention:       7 * 24 * time.Hour,
		SweepInterval:   time.Second,
		SubscriberQueue: 256,
		MirrorChannel:   "marketdata",
	}
}

// VWAPPayload is the vwap event body.
type VWAPPayload struct {
	Symbol string          `json:"symbol"`
	VWAP   decimal.Decimal `json:"vwap"`
}

// OrderBookPayload is the orderBook event body.
type OrderBookPayload struct {
	Symbol string                         `json:"symbol"`
	Bids   []orderbook.PriceLevelSnapshot `json:"bids"`
	Asks   []orderbook.PriceLevelSnapshot `json:"asks"`
}

// Engine consumes the trade and book-change streams and maintains
// candlesticks, VWAP and tickers, broadcasting every update through the
// hub and optionally mirroring it to an external bus.
type Engine struct {
	logger  *zap.Logger
	cfg     EngineConfig
	hub     *Hub
	candles *CandleStore
	vwap    *VWAPTracker
	tickers *TickerTracker
	mirror  PubSubBackend

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewEngine builds the full market data pipeline. mirror may be nil to
// keep events in-process only.
func NewEngine(logger *zap.Logger, cfg EngineConfig, mirror PubSubBackend) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(cfg.Intervals) == 0 {
		cfg.Intervals = DefaultEngineConfig().Intervals
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Second
	}
	candles, err := NewCandleStore(cfg.Intervals, cfg.Retention, nil)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		logger:  logger,
		cfg:     cfg,
		hub:     NewHub(logger, cfg.SubscriberQueue),
		candles: candles,
		vwap:    NewVWAPTracker(cfg.VWAPWindow),
		tickers: NewTickerTracker(cfg.TickerSpan),
		mirror:  mirror,
		stopCh:  make(chan struct{}),
	}
	candles.SetOnSeal(func(c *models.Candlestick) {
		e.broadcast(EventCandlestick, c)
	})
	return e, nil
}

// Hub exposes the broadcast hub for transport layers to subscribe on.
func (e *Engine) Hub() *Hub { return e.hub }

// Start launches the sealing and retention sweep.
func (e *Engine) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(e.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				e.candles.Sweep(time.Now())
			case <-e.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the sweep. The hub stays usable for draining.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
}

// OnTrade folds a settled trade into every aggregate and broadcasts the
// trade, touched candles, vwap and ticker events.
func (e *Engine) OnTrade(trade *models.Trade) {
	if trade == nil {
		return
	}
	e.broadcast(EventTrade, trade)

	for _, c := range e.candles.Apply(trade) {
		e.broadcast(EventCandlestick, c)
	}

	vwap := e.vwap.Apply(trade)
	e.broadcast(EventVWAP, VWAPPayload{Symbol: trade.Symbol, VWAP: vwap})

	if ticker := e.tickers.Apply(trade); ticker != nil {
		e.broadcast(EventTicker, ticker)
	}
}

// PublishBook broadcasts an order book snapshot.
func (e *Engine) PublishBook(symbol string, bids, asks []orderbook.PriceLevelSnapshot) {
	e.broadcast(EventOrderBook, OrderBookPayload{Symbol: symbol, Bids: bids, Asks: asks})
}

// PublishOrderUpdate broadcasts an order status change.
func (e *Engine) PublishOrderUpdate(order *models.Order) {
	e.broadcast(EventOrderUpdate, order)
}

// PublishAllTickers broadcasts the full ticker set, for periodic summary
// pushes.
func (e *Engine) PublishAllTickers() {
	e.broadcast(EventTickers, e.tickers.GetAllTickers())
}

// GetCandlesticks returns up to limit candles, oldest first.
func (e *Engine) GetCandlesticks(symbol, interval string, limit int) ([]*models.Candlestick, error) {
	return e.candles.GetCandlesticks(symbol, interval, limit)
}

// GetTicker returns the symbol's rolling ticker, nil when unseen.
func (e *Engine) GetTicker(symbol string) *models.Ticker {
	return e.tickers.GetTicker(symbol)
}

// GetAllTickers returns every live ticker.
func (e *Engine) GetAllTickers() []*models.Ticker {
	return e.tickers.GetAllTickers()
}

// GetVWAP returns the symbol's current rolling VWAP.
func (e *Engine) GetVWAP(symbol string) decimal.Decimal {
	return e.vwap.GetVWAP(symbol)
}

func (e *Engine) broadcast(eventType string, data interface{}) {
	e.hub.Publish(eventType, data)
	if e.mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := e.mirror.Publish(ctx, e.cfg.MirrorChannel+"."+eventType, Event{
		Type: eventType, Data: data, Timestamp: time.Now(),
	}); err != nil {
		e.logger.Warn("Mirror publish failed",
			zap.String("type", eventType),
			zap.Error(err))
	}
}
