package usecase

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vitos/trading_agent/internal/domain"
	"github.com/vitos/trading_agent/internal/infrastructure/metrics"
)

const (
	holdBackPercent = 0.5

	// Consecutive OCO not-found reads tolerated before the watcher gives up.
	maxOcoNotFoundReads = 2
)

// TradeConfig carries the tunables of one trading pair's saga.
type TradeConfig struct {
	HoldAsset               string
	TradeAsset              string
	HoldAssetToTradePercent float64
	Pricing                 PricingConfig

	WatchPriceInterval  time.Duration
	WatchOrderInterval  time.Duration
	BuyFillPollInterval time.Duration
	BuyFillTimeout      time.Duration
	RegisterMaxAge      time.Duration
	RetryMaxAttempts    int
	RetryInitialDelay   time.Duration
	RetryDelayIncrement time.Duration
}

func (c TradeConfig) withDefaults() TradeConfig {
	if c.WatchPriceInterval == 0 {
		c.WatchPriceInterval = 2 * time.Second
	}
	if c.WatchOrderInterval == 0 {
		c.WatchOrderInterval = 30 * time.Second
	}
	if c.BuyFillPollInterval == 0 {
		c.BuyFillPollInterval = 2 * time.Second
	}
	if c.BuyFillTimeout == 0 {
		c.BuyFillTimeout = 35 * time.Second
	}
	if c.RegisterMaxAge == 0 {
		c.RegisterMaxAge = 20 * time.Second
	}
	if c.RetryMaxAttempts == 0 {
		c.RetryMaxAttempts = 15
	}
	if c.RetryInitialDelay == 0 {
		c.RetryInitialDelay = time.Second
	}
	if c.RetryDelayIncrement == 0 {
		c.RetryDelayIncrement = 100 * time.Millisecond
	}
	return c
}

// TradeService drives a registered trade through the saga one persisted step
// at a time. Every step re-reads the row fenced by the runner's process id,
// so a takeover by recovery makes the stale runner fail fast with
// ErrConcurrentUpdate instead of issuing duplicate exchange calls.
type TradeService struct {
	cfg      TradeConfig
	trades   domain.TradeRepository
	risk     domain.RiskRepository
	exchange domain.Exchange
	stream   domain.PriceStreamer
	logger   *zap.Logger
}

// NewTradeService wires the saga driver. stream may be nil; the post-fill
// watcher then polls instead of subscribing.
func NewTradeService(cfg TradeConfig, trades domain.TradeRepository, risk domain.RiskRepository, exchange domain.Exchange, stream domain.PriceStreamer, logger *zap.Logger) *TradeService {
	return &TradeService{
		cfg:      cfg.withDefaults(),
		trades:   trades,
		risk:     risk,
		exchange: exchange,
		stream:   stream,
		logger:   logger,
	}
}

// RegisterNewTrade runs the pre-trade risk checks, inserts the row and drives
// the new trade to completion. Skipped registrations (active trade present,
// stop threshold reached, notional too small) return (0, nil).
func (s *TradeService) RegisterNewTrade(ctx context.Context) (int64, error) {
	processID := uuid.NewString()
	log := s.logger.With(zap.String("process_id", processID), zap.String("hold_asset", s.cfg.HoldAsset))

	active, err := s.trades.AnyActiveTrade(ctx, s.cfg.HoldAsset)
	if err != nil {
		return 0, fmt.Errorf("failed to check active trades: %w", err)
	}
	if active {
		log.Info("trade already in progress, skipping registration")
		return 0, nil
	}

	balance, err := s.exchange.GetBalance(ctx, s.cfg.HoldAsset)
	if err != nil {
		return 0, fmt.Errorf("failed to read balance: %w", err)
	}

	risk, err := s.risk.GetRiskControl(ctx, s.cfg.HoldAsset)
	if err != nil {
		return 0, fmt.Errorf("failed to read risk control: %w", err)
	}
	if minusPercentage(balance, s.cfg.Pricing.StopLossPercent) < risk.StopThreshold {
		log.Warn("balance under stop threshold, trading halted",
			zap.Float64("balance", balance),
			zap.Float64("stop_threshold", risk.StopThreshold))
		return 0, nil
	}

	buyQuoteQty := minusPercentage(balance*s.cfg.HoldAssetToTradePercent/100, holdBackPercent)
	if buyQuoteQty < minTradeNotional() {
		log.Warn("buy amount under minimum notional, skipping registration",
			zap.Float64("buy_quote_qty", buyQuoteQty),
			zap.Float64("min_notional", minTradeNotional()))
		return 0, nil
	}
	if risk.MinimumAmountMode {
		log.Info("minimum amount mode active, trading minimal notional")
		buyQuoteQty = minTradeNotional()
	}

	id, err := s.trades.InsertNewTrade(ctx, s.cfg.HoldAsset, s.cfg.TradeAsset, buyQuoteQty, processID)
	if err != nil {
		if errors.Is(err, domain.ErrAnotherTradeActive) {
			log.Info("lost registration race, another trade is active")
			return 0, nil
		}
		return 0, fmt.Errorf("failed to insert trade: %w", err)
	}

	metrics.IncTradeRegistered()
	log.Info("trade registered", zap.Int64("trading_id", id), zap.Float64("buy_quote_qty", buyQuoteQty))

	return id, s.Run(ctx, processID)
}

// Run advances the process-owned active trade step by step until it reaches a
// terminal stage or an error stops it. It is the single driver for fresh and
// resumed trades alike.
func (s *TradeService) Run(ctx context.Context, processID string) error {
	for {
		proceed, err := s.advance(ctx, processID)
		if err != nil {
			return err
		}
		if !proceed {
			return nil
		}
	}
}

func (s *TradeService) advance(ctx context.Context, processID string) (bool, error) {
	t, err := s.trades.GetActiveTrading(ctx, s.cfg.HoldAsset, nil, processID)
	if err != nil {
		return false, fmt.Errorf("failed to load active trade: %w", err)
	}
	if t == nil {
		s.logger.Debug("no active trade owned by process", zap.String("process_id", processID))
		return false, nil
	}

	log := s.logger.With(
		zap.Int64("trading_id", t.ID),
		zap.String("stage", string(t.Stage)),
		zap.String("process_id", processID))
	log.Info("advancing trade")

	switch t.Stage {
	case domain.StageJustRegistered:
		return s.stepCreateBuyOrder(ctx, t, processID)
	case domain.StageCreatingBuyOrder:
		return s.stepConfirmBuyOrderCreated(ctx, t, processID)
	case domain.StageBuyOrderCreated:
		return s.stepAwaitBuyFill(ctx, t, processID)
	case domain.StageBuyOrderFilled:
		return s.stepCalculateSellParams(ctx, t, processID)
	case domain.StageParametersCalculated, domain.StageRollbackOrUpgradeCancelOcoCancelled:
		return s.stepCreateSellOrder(ctx, t, processID)
	case domain.StageCreatingSellOrder:
		return s.stepConfirmSellOrderCreated(ctx, t, processID)
	case domain.StageSellOrderCreated:
		return s.stepWatchSellOrder(ctx, t, processID)
	case domain.StageRollbackOrUpgradeCancellingOcoOrder:
		return s.stepConfirmCancelExecuted(ctx, t, processID)
	case domain.StageRollbackOrUpgradeCancelOcoExecuted:
		return s.stepAwaitCancelSettled(ctx, t, processID)
	case domain.StageSellOrderFilled, domain.StageCompletedAndNotInitialized:
		return false, nil
	default:
		return false, fmt.Errorf("unknown stage %q for trading %d", t.Stage, t.ID)
	}
}

// Step 2: place the market buy, unless the registration is too old to act on.
func (s *TradeService) stepCreateBuyOrder(ctx context.Context, t *domain.Trading, processID string) (bool, error) {
	if age := time.Since(t.CreatedAt); age > s.cfg.RegisterMaxAge {
		s.logger.Warn("registration too old, abandoning trade",
			zap.Int64("trading_id", t.ID), zap.Duration("age", age))
		reason := fmt.Sprintf("registration older than %s", s.cfg.RegisterMaxAge)
		if err := s.trades.MarkCompletedAndNotInitialized(ctx, t.ID, reason, processID); err != nil {
			return false, err
		}
		metrics.IncTradeAborted()
		return false, nil
	}

	if err := s.trades.MarkCreatingBuyOrder(ctx, t.ID, processID); err != nil {
		return false, err
	}
	err := s.retrySignatureOrTimestamp(ctx, func() error {
		return s.exchange.CreateBuyOrder(ctx, t.ID, t.HoldAsset, t.TradeAsset, t.BuyOrderQuoteQty)
	})
	if err != nil {
		return false, fmt.Errorf("failed to create buy order: %w", err)
	}
	return true, nil
}

// Step 3: record that the buy order exists on the exchange.
func (s *TradeService) stepConfirmBuyOrderCreated(ctx context.Context, t *domain.Trading, processID string) (bool, error) {
	if err := s.trades.MarkBuyOrderCreated(ctx, t.ID, processID); err != nil {
		return false, err
	}
	return true, nil
}

// Step 4: poll the buy order until it fills. A market order that lingers past
// the timeout, or lands canceled, is fatal for the runner and left to the
// supervisor.
func (s *TradeService) stepAwaitBuyFill(ctx context.Context, t *domain.Trading, processID string) (bool, error) {
	deadline := time.Now().Add(s.cfg.BuyFillTimeout)
	for {
		order, err := s.exchange.GetOrder(ctx, t.ID, t.HoldAsset, t.TradeAsset, domain.BuyMarketOrder, "")
		if err != nil {
			return false, fmt.Errorf("failed to read buy order: %w", err)
		}
		if order != nil {
			switch order.Status {
			case "FILLED":
				if err := s.trades.MarkBuyOrderFilled(ctx, order, processID); err != nil {
					return false, err
				}
				s.logger.Info("buy order filled",
					zap.Int64("trading_id", t.ID),
					zap.Float64("price", order.Price()),
					zap.Float64("qty", order.ExecutedQty))
				return true, nil
			case "CANCELED", "REJECTED", "EXPIRED":
				return false, fmt.Errorf("buy order for trading %d ended %s", t.ID, order.Status)
			}
		}

		if time.Now().After(deadline) {
			return false, fmt.Errorf("buy order for trading %d not filled within %s", t.ID, s.cfg.BuyFillTimeout)
		}
		if err := sleepCtx(ctx, s.cfg.BuyFillPollInterval); err != nil {
			return false, err
		}
	}
}

// Step 5: derive the sell thresholds from the realized buy price.
func (s *TradeService) stepCalculateSellParams(ctx context.Context, t *domain.Trading, processID string) (bool, error) {
	if t.BuyPrice == nil {
		return false, fmt.Errorf("trading %d has no buy price at %s", t.ID, t.Stage)
	}
	params := initialSellParams(s.cfg.Pricing, *t.BuyPrice)
	if err := s.trades.MarkParametersCalculated(ctx, t.ID, params, processID); err != nil {
		return false, err
	}
	return true, nil
}

// Step 6: mint a fresh suffix, persist intent, place the OCO. Runs for both
// the first placement and every re-placement after a cancel cycle.
func (s *TradeService) stepCreateSellOrder(ctx context.Context, t *domain.Trading, processID string) (bool, error) {
	if t.TradeAssetQty == nil || t.SellPrice == nil || t.SellStopLimitPrice == nil {
		return false, fmt.Errorf("trading %d missing sell parameters at %s", t.ID, t.Stage)
	}

	suffix := newOrderIDSuffix()
	if err := s.trades.MarkCreatingSellOrder(ctx, t.ID, suffix, processID); err != nil {
		return false, err
	}

	err := s.retrySignatureOrTimestamp(ctx, func() error {
		return s.exchange.CreateOcoSellOrder(ctx, t.ID, t.HoldAsset, t.TradeAsset,
			*t.TradeAssetQty, *t.SellPrice, *t.SellStopLimitPrice, suffix)
	})
	if err != nil {
		return false, fmt.Errorf("failed to create oco sell order: %w", err)
	}
	return true, nil
}

// Step 7: record that the OCO exists on the exchange.
func (s *TradeService) stepConfirmSellOrderCreated(ctx context.Context, t *domain.Trading, processID string) (bool, error) {
	if err := s.trades.MarkSellOrderCreated(ctx, t.ID, processID); err != nil {
		return false, err
	}
	return true, nil
}

// Step 8: the long watch. Between order-status reads the current price is
// sampled, watermarks are persisted, and the rollback/upgrade triggers are
// evaluated. Ends when the OCO completes (fill handling) or a trigger hands
// off to the cancel branch.
func (s *TradeService) stepWatchSellOrder(ctx context.Context, t *domain.Trading, processID string) (bool, error) {
	if t.SellPrice == nil {
		return false, fmt.Errorf("trading %d has no sell price at %s", t.ID, t.Stage)
	}
	log := s.logger.With(zap.Int64("trading_id", t.ID), zap.String("process_id", processID))

	shouldRollback := func(price float64) bool {
		return !t.IsRollback && t.RollbackPrice != nil && price <= *t.RollbackPrice
	}
	shouldUpgrade := func(price float64) bool {
		return !t.IsRollback && t.UpgradePrice != nil &&
			price != math.MaxFloat64 && price >= *t.UpgradePrice
	}

	priceReadsPerOrderRead := int(s.cfg.WatchOrderInterval / s.cfg.WatchPriceInterval)
	if priceReadsPerOrderRead < 1 {
		priceReadsPerOrderRead = 1
	}

	currentPrice := math.MaxFloat64
	notFoundReads := 0
	firstIteration := true

	for {
		if !firstIteration {
			currentPrice = 0
			targetPrice := plusPercentage(*t.SellPrice, s.cfg.Pricing.TargetProfitPercent)
			for i := 0; i < priceReadsPerOrderRead && currentPrice < targetPrice; i++ {
				if err := sleepCtx(ctx, s.cfg.WatchPriceInterval); err != nil {
					return false, err
				}
				price, err := s.readPriceAndUpdateWatermarks(ctx, t, processID)
				if err != nil {
					return false, err
				}
				currentPrice = price
				if shouldRollback(currentPrice) || shouldUpgrade(currentPrice) {
					break
				}
			}
		}
		firstIteration = false

		status, err := s.exchange.GetOcoOrderStatus(ctx, t.ID, t.SellOrderIDSuffix)
		if err != nil {
			return false, fmt.Errorf("failed to read oco status: %w", err)
		}
		if err := s.trades.TouchSellOrderRead(ctx, t.ID, processID); err != nil {
			return false, err
		}

		if status == "" {
			notFoundReads++
			if notFoundReads > maxOcoNotFoundReads {
				return false, fmt.Errorf("oco order for trading %d not found after %d reads", t.ID, notFoundReads)
			}
			log.Warn("oco order not found yet", zap.Int("reads", notFoundReads))
			continue
		}
		notFoundReads = 0

		if status == "REJECTED" {
			return false, fmt.Errorf("oco order for trading %d rejected", t.ID)
		}

		if status != "ALL_DONE" {
			if shouldRollback(currentPrice) {
				log.Info("rollback price reached", zap.Float64("price", currentPrice))
				return true, s.beginRollbackOrUpgrade(ctx, t, processID, true)
			}
			if shouldUpgrade(currentPrice) {
				log.Info("upgrade price reached",
					zap.Float64("price", currentPrice),
					zap.Int("upgrade_count", t.UpgradeCount))
				return true, s.beginRollbackOrUpgrade(ctx, t, processID, false)
			}
			continue
		}

		return false, s.finishFilledSellOrder(ctx, t, processID)
	}
}

// Step 9: persist the new thresholds, then cancel the live OCO. Rollback
// lowers the sell price toward break-even; upgrade widens the bracket by tier.
func (s *TradeService) beginRollbackOrUpgrade(ctx context.Context, t *domain.Trading, processID string, rollback bool) error {
	if rollback {
		newSellPrice := rollbackSellPrice(s.cfg.Pricing, *t.SellPrice)
		if err := s.trades.MarkRollbackCancellingOcoOrder(ctx, t.ID, newSellPrice, processID); err != nil {
			return err
		}
	} else {
		if t.BuyPrice == nil || t.RollbackPrice == nil || t.SellStopLimitPrice == nil || t.UpgradePrice == nil {
			return fmt.Errorf("trading %d missing prices for upgrade", t.ID)
		}
		params := upgradeSellParams(s.cfg.Pricing, t)
		if err := s.trades.MarkUpgradeCancellingOcoOrder(ctx, t.ID, params, processID); err != nil {
			return err
		}
	}

	err := s.retrySignatureOrTimestamp(ctx, func() error {
		return s.exchange.CancelOcoOrder(ctx, t.ID, t.HoldAsset, t.TradeAsset, t.SellOrderIDSuffix)
	})
	if err != nil {
		return fmt.Errorf("failed to cancel oco order: %w", err)
	}
	return nil
}

// Step 10: record that the cancel request went out.
func (s *TradeService) stepConfirmCancelExecuted(ctx context.Context, t *domain.Trading, processID string) (bool, error) {
	if err := s.trades.MarkCancelOcoOrderExecuted(ctx, t.ID, processID); err != nil {
		return false, err
	}
	return true, nil
}

// Step 11: wait for the cancelled OCO to settle. Both legs canceled means the
// cycle continues with a new sell order; a fill that raced the cancel wins and
// the trade completes through the normal fill path.
func (s *TradeService) stepAwaitCancelSettled(ctx context.Context, t *domain.Trading, processID string) (bool, error) {
	notFoundReads := 0
	for {
		status, err := s.exchange.GetOcoOrderStatus(ctx, t.ID, t.SellOrderIDSuffix)
		if err != nil {
			return false, fmt.Errorf("failed to read oco status: %w", err)
		}

		if status == "" {
			notFoundReads++
			if notFoundReads > maxOcoNotFoundReads {
				return false, fmt.Errorf("cancelled oco order for trading %d not found after %d reads", t.ID, notFoundReads)
			}
		} else {
			notFoundReads = 0
			if status == "REJECTED" {
				return false, fmt.Errorf("oco cancel for trading %d rejected", t.ID)
			}
			if status == "ALL_DONE" {
				break
			}
		}

		if err := sleepCtx(ctx, s.cfg.WatchPriceInterval); err != nil {
			return false, err
		}
	}

	limitOrder, err := s.exchange.GetOrder(ctx, t.ID, t.HoldAsset, t.TradeAsset, domain.SellOcoLimitOrder, t.SellOrderIDSuffix)
	if err != nil {
		return false, fmt.Errorf("failed to read limit leg: %w", err)
	}
	stopOrder, err := s.exchange.GetOrder(ctx, t.ID, t.HoldAsset, t.TradeAsset, domain.SellOcoStopLimitOrder, t.SellOrderIDSuffix)
	if err != nil {
		return false, fmt.Errorf("failed to read stop leg: %w", err)
	}
	if limitOrder == nil || stopOrder == nil {
		return false, fmt.Errorf("oco legs for trading %d missing after cancel", t.ID)
	}

	if limitOrder.Status == "CANCELED" && stopOrder.Status == "CANCELED" {
		if err := s.trades.MarkOcoOrderCancelled(ctx, t.ID, processID); err != nil {
			return false, err
		}
		return true, nil
	}

	// A leg filled before the cancel landed; treat it as the completed sell.
	s.logger.Info("oco leg filled while cancelling", zap.Int64("trading_id", t.ID))
	if err := s.trades.MarkSellOrderCreated(ctx, t.ID, processID); err != nil {
		return false, err
	}
	return true, nil
}

// finishFilledSellOrder resolves which OCO leg filled, completes the trade,
// updates the risk record and detaches the best-effort price watcher.
func (s *TradeService) finishFilledSellOrder(ctx context.Context, t *domain.Trading, processID string) error {
	limitKind, stopKind := domain.SellOcoLimitOrder, domain.SellOcoStopLimitOrder
	if t.IsRollback {
		limitKind, stopKind = domain.SellOcoLimitRollbackOrder, domain.SellOcoStopLimitRollbackOrder
	}

	limitOrder, err := s.exchange.GetOrder(ctx, t.ID, t.HoldAsset, t.TradeAsset, limitKind, t.SellOrderIDSuffix)
	if err != nil {
		return fmt.Errorf("failed to read limit leg: %w", err)
	}
	stopOrder, err := s.exchange.GetOrder(ctx, t.ID, t.HoldAsset, t.TradeAsset, stopKind, t.SellOrderIDSuffix)
	if err != nil {
		return fmt.Errorf("failed to read stop leg: %w", err)
	}

	var filled *domain.Order
	switch {
	case limitOrder != nil && limitOrder.Status == "FILLED":
		filled = limitOrder
	case stopOrder != nil && stopOrder.Status == "FILLED":
		filled = stopOrder
	default:
		return fmt.Errorf("oco for trading %d is ALL_DONE but no leg filled", t.ID)
	}

	if err := s.trades.MarkSellOrderFilled(ctx, filled, processID); err != nil {
		return err
	}
	s.logger.Info("sell order filled",
		zap.Int64("trading_id", t.ID),
		zap.String("order_kind", string(filled.OrderKind)),
		zap.Float64("price", filled.Price()))

	if err := s.updateRiskControl(ctx, t.ID, filled); err != nil {
		return err
	}

	go s.keepWatchingPrice(t, processID)
	return nil
}

// updateRiskControl books the trade's outcome: 80% of net gains raise the
// stop threshold, any loss switches minimum amount mode on.
func (s *TradeService) updateRiskControl(ctx context.Context, tradingID int64, filled *domain.Order) error {
	t, err := s.trades.GetTrading(ctx, tradingID)
	if err != nil {
		return fmt.Errorf("failed to reload trading %d: %w", tradingID, err)
	}
	if t.SellOrderExecutedPrice == nil || t.TradeAssetQty == nil {
		return fmt.Errorf("trading %d completed without sell execution data", tradingID)
	}

	earns := *t.SellOrderExecutedPrice**t.TradeAssetQty - t.BuyOrderQuoteQty
	log := s.logger.With(zap.Int64("trading_id", tradingID), zap.Float64("earns", earns))

	if earns <= 0 {
		metrics.IncTradeCompleted(false)
		log.Warn("trade closed with loss, enabling minimum amount mode")
		return s.risk.SetMinimumAmountMode(ctx, t.HoldAsset, true)
	}

	metrics.IncTradeCompleted(true)
	fees := t.BuyOrderQuoteQty * s.cfg.Pricing.EstimatedFeesPercent / 100
	increment := (earns - fees) * 0.8
	if increment <= 0 {
		log.Warn("gains eaten by fees, stop threshold unchanged", zap.Float64("fees", fees))
		return nil
	}
	log.Info("raising stop threshold", zap.Float64("increment", increment))
	return s.risk.IncrementStopThreshold(ctx, t.HoldAsset, increment)
}

// keepWatchingPrice keeps refreshing the completed trade's price watermarks
// until the next trade registers. Best effort: it runs detached from the saga
// and any failure just ends it.
func (s *TradeService) keepWatchingPrice(t *domain.Trading, processID string) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	log := s.logger.With(zap.Int64("trading_id", t.ID))

	go func() {
		for {
			if err := sleepCtx(ctx, s.cfg.WatchPriceInterval); err != nil {
				return
			}
			active, err := s.trades.AnyActiveTrade(ctx, t.HoldAsset)
			if err != nil || active {
				cancel()
				return
			}
		}
	}()

	if s.stream != nil {
		err := s.stream.StreamPrices(ctx, t.HoldAsset, t.TradeAsset, func(price float64) {
			s.applyPriceWatermarks(ctx, t, price, processID, log)
		})
		if ctx.Err() != nil {
			log.Info("post-fill price watch stopped")
			return
		}
		log.Warn("price stream broke, falling back to polling", zap.Error(err))
	}

	for {
		if err := sleepCtx(ctx, s.cfg.WatchPriceInterval); err != nil {
			log.Info("post-fill price watch stopped")
			return
		}
		price, err := s.exchange.GetCurrentPrice(ctx, t.HoldAsset, t.TradeAsset)
		if err != nil {
			log.Warn("post-fill price read failed", zap.Error(err))
			return
		}
		s.applyPriceWatermarks(ctx, t, price, processID, log)
	}
}

// readPriceAndUpdateWatermarks samples the pair price and persists new
// min/max extremes against the in-memory copy.
func (s *TradeService) readPriceAndUpdateWatermarks(ctx context.Context, t *domain.Trading, processID string) (float64, error) {
	price, err := s.exchange.GetCurrentPrice(ctx, t.HoldAsset, t.TradeAsset)
	if err != nil {
		return 0, fmt.Errorf("failed to read current price: %w", err)
	}

	now := time.Now().UTC()
	if t.MaxPriceRead == nil || price > *t.MaxPriceRead {
		if err := s.trades.UpdateMaxPrice(ctx, t.ID, price, now, processID); err != nil {
			return 0, err
		}
		t.MaxPriceRead = &price
	}
	if t.MinPriceRead == nil || price < *t.MinPriceRead {
		if err := s.trades.UpdateMinPrice(ctx, t.ID, price, now, processID); err != nil {
			return 0, err
		}
		t.MinPriceRead = &price
	}

	metrics.SetLastPriceRead(t.TradeAsset+t.HoldAsset, price)
	return price, nil
}

// applyPriceWatermarks is the swallow-errors variant for the detached watcher.
func (s *TradeService) applyPriceWatermarks(ctx context.Context, t *domain.Trading, price float64, processID string, log *zap.Logger) {
	now := time.Now().UTC()
	if t.MaxPriceRead == nil || price > *t.MaxPriceRead {
		if err := s.trades.UpdateMaxPrice(ctx, t.ID, price, now, processID); err != nil {
			log.Warn("failed to update max price", zap.Error(err))
			return
		}
		t.MaxPriceRead = &price
	}
	if t.MinPriceRead == nil || price < *t.MinPriceRead {
		if err := s.trades.UpdateMinPrice(ctx, t.ID, price, now, processID); err != nil {
			log.Warn("failed to update min price", zap.Error(err))
			return
		}
		t.MinPriceRead = &price
	}
	metrics.SetLastPriceRead(t.TradeAsset+t.HoldAsset, price)
}

// retrySignatureOrTimestamp retries an exchange call on signature or
// timestamp failures with a slowly growing delay; anything else fails
// immediately.
func (s *TradeService) retrySignatureOrTimestamp(ctx context.Context, call func() error) error {
	delay := s.cfg.RetryInitialDelay
	for attempt := 0; ; attempt++ {
		err := call()
		if err == nil {
			return nil
		}
		if !errors.Is(err, domain.ErrStaleTimestamp) && !errors.Is(err, domain.ErrBadSignature) {
			return err
		}
		if attempt >= s.cfg.RetryMaxAttempts {
			return fmt.Errorf("%w: %v", domain.ErrMaxRetryAttempts, err)
		}
		s.logger.Warn("retrying exchange call",
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(err))
		if serr := sleepCtx(ctx, delay); serr != nil {
			return serr
		}
		delay += s.cfg.RetryDelayIncrement
	}
}

// newOrderIDSuffix mints the per-attempt exchange order id suffix.
func newOrderIDSuffix() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:20]
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
