// Command tradecore runs the exchange trading core: matching engine,
// atomic settlement, risk controls and market data aggregation, wired
// together for an outer transport layer to drive.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/shopspring/decimal"

	"github.com/Aidin1998/orbit_core/internal/config"
	"github.com/Aidin1998/orbit_core/internal/core"
	"github.com/Aidin1998/orbit_core/internal/engine"
	"github.com/Aidin1998/orbit_core/internal/manipulation"
	"github.com/Aidin1998/orbit_core/internal/marketdata"
	"github.com/Aidin1998/orbit_core/internal/orderqueue"
	"github.com/Aidin1998/orbit_core/internal/risk"
	"github.com/Aidin1998/orbit_core/internal/settlement"
	"github.com/Aidin1998/orbit_core/pkg/logger"
	"github.com/Aidin1998/orbit_core/pkg/models"
)

func main() {
	configPath := flag.String("config", "", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	zlog, err := logger.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer zlog.Sync()

	if err := run(cfg, zlog); err != nil {
		zlog.Fatal("Trading core exited", zap.Error(err))
	}
}

func run(cfg *config.Config, zlog *zap.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	registry := prometheus.NewRegistry()

	// Settlement.
	ledger := settlement.NewMemoryLedger()
	settler := settlement.NewManager(zlog.Named("settlement"), ledger, cfg.Settlement.TransactionTimeout)
	if cfg.Distribution.Backend == "kafka" {
		journal := settlement.NewKafkaJournal(zlog.Named("journal"),
			cfg.Distribution.KafkaBrokers, cfg.Distribution.KafkaTopic+".settlements")
		defer journal.Close()
		settler.SetJournal(journal)
	}

	// Order intake.
	var dlq *orderqueue.DeadLetterQueue
	if cfg.Engine.DLQEnabled {
		var err error
		dlq, err = orderqueue.NewDeadLetterQueue(cfg.Engine.DLQPath, zlog.Named("dlq").Sugar())
		if err != nil {
			return err
		}
		defer dlq.Close()
	}

	pairs := engine.NewStaticPairRegistry(
		&models.TradingPair{Symbol: "BTC-USDT", BaseAsset: "BTC", QuoteAsset: "USDT"},
		&models.TradingPair{Symbol: "ETH-USDT", BaseAsset: "ETH", QuoteAsset: "USDT"},
		&models.TradingPair{Symbol: "ETH-BTC", BaseAsset: "ETH", QuoteAsset: "BTC"},
	)

	matching := engine.NewMatchingEngine(zlog.Named("engine"), engine.Config{
		QueueCapacity: cfg.Queue.Capacity,
		MailboxSize:   cfg.Engine.MailboxSize,
		PollInterval:  cfg.Engine.PollInterval,
	}, settler, pairs, dlq, registry)

	// Risk stack.
	positions := risk.NewPositionManager(zlog.Named("positions"), models.UserLimits{
		MaxPositionSize: cfg.Risk.MaxPositionDecimal(),
		MarginRatio:     cfg.Risk.MarginRatioDecimal(),
	}, nil)
	breakers := risk.NewBreakerSystem(zlog.Named("breakers"), risk.BreakerConfig{
		PriceChangeThreshold: decimalFrom(cfg.Risk.PriceChangeThreshold),
		VolumeThreshold:      decimalFrom(cfg.Risk.VolumeThreshold),
		SpikeMultiplier:      decimalFrom(cfg.Risk.VolumeSpikeMultiplier),
		LargeTradeFraction:   risk.DefaultBreakerConfig().LargeTradeFraction,
		Cooldown:             cfg.Risk.BreakerCooldown,
		SweepInterval:        cfg.Risk.ExpirySweepInterval,
	}, nil)
	detector := manipulation.NewService(manipulation.ServiceConfig{
		HistorySize:        cfg.Manipulation.HistorySize,
		FlagThreshold:      cfg.Manipulation.FlagThreshold,
		EscalateThreshold:  cfg.Manipulation.EscalateThreshold,
		UserRiskThreshold:  cfg.Manipulation.UserRiskThreshold,
		SweepInterval:      cfg.Manipulation.SweepInterval,
		WashTradeWindow:    cfg.Manipulation.WashTradeWindow,
		WashPriceTolerance: cfg.Manipulation.WashPriceTolerance,
	}, zlog.Named("manipulation").Sugar())
	riskSvc := risk.NewService(positions, breakers, detector,
		cfg.Manipulation.UserRiskThreshold, zlog.Named("risk").Sugar())

	// Market data.
	var mirror marketdata.PubSubBackend
	switch cfg.Distribution.Backend {
	case "redis":
		mirror = marketdata.NewRedisPubSub(cfg.Distribution.RedisAddr)
	case "kafka":
		mirror = marketdata.NewKafkaPubSub(zlog.Named("kafka"),
			cfg.Distribution.KafkaBrokers, cfg.Distribution.KafkaTopic, "")
	}
	if mirror != nil {
		defer mirror.Close()
	}
	market, err := marketdata.NewEngine(zlog.Named("marketdata"), marketdata.EngineConfig{
		Intervals:       cfg.MarketData.Intervals,
		VWAPWindow:      cfg.MarketData.VWAPWindow,
		Retention:       cfg.MarketData.Retention,
		SweepInterval:   cfg.MarketData.SweepInterval,
		SubscriberQueue: cfg.MarketData.SubscriberQueue,
		MirrorChannel:   cfg.Distribution.KafkaTopic,
	}, mirror)
	if err != nil {
		return err
	}

	// Every settled trade flows to positions, breakers, manipulation
	// scoring and market data, all off the matching path.
	matching.OnTrade(func(trade *models.Trade) {
		positions.ApplyTrade(trade)
		positions.MarkToMarket(trade.Symbol, trade.Price)
		breakers.OnTrade(trade)
		detector.OnTrade(trade)
		market.OnTrade(trade)
		if ticker := market.GetTicker(trade.Symbol); ticker != nil {
			breakers.OnTicker(ticker)
		}
	})
	matching.OnBookChange(func(symbol string) {
		if book := matching.Book(symbol); book != nil {
			bids, asks := book.Snapshot(20)
			market.PublishBook(symbol, bids, asks)
		}
	})
	matching.OnOrderProcessed(func(ev engine.ProcessedEvent) {
		market.PublishOrderUpdate(ev.Order)
	})
	matching.OnOrderError(func(ev engine.ErrorEvent) {
		zlog.Warn("Order failed",
			zap.String("queue_id", ev.QueueID),
			zap.Error(ev.Err))
		if ev.Order != nil {
			market.PublishOrderUpdate(ev.Order)
		}
	})

	tradingCore := &core.Core{
		Matching:  matching,
		Risk:      riskSvc,
		Positions: positions,
		Breakers:  breakers,
		Detector:  detector,
		Market:    market,
		Settler:   settler,
	}

	breakers.Start(ctx)
	defer breakers.Stop()
	detector.Start(ctx)
	defer detector.Stop()
	market.Start(ctx)
	defer market.Stop()
	if err := matching.Start(ctx); err != nil {
		return err
	}

	zlog.Info("Trading core started",
		zap.Int("queue_capacity", cfg.Queue.Capacity),
		zap.Strings("intervals", cfg.MarketData.Intervals),
		zap.String("distribution", cfg.Distribution.Backend),
		zap.Int("subscribers", tradingCore.Market.Hub().SubscriberCount()))

	<-ctx.Done()
	zlog.Info("Shutdown signal received")

	drained := matching.EmergencyStop()
	zlog.Info("Matching engine stopped", zap.Int("orders_drained", len(drained)))

	// Let in-flight settlements finish within the transaction timeout.
	deadline := time.Now().Add(cfg.Settlement.TransactionTimeout)
	for settler.InFlight() > 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	return nil
}

func decimalFrom(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }
