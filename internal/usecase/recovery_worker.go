package usecase

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vitos/trading_agent/internal/domain"
	"github.com/vitos/trading_agent/internal/infrastructure/metrics"
)

// RecoveryConfig tunes the supervisor's staleness detection.
type RecoveryConfig struct {
	PollInterval          time.Duration
	StaleAfter            time.Duration
	BuyOrderCreateTimeout time.Duration
	OcoOrderCreateTimeout time.Duration
}

func (c RecoveryConfig) withDefaults() RecoveryConfig {
	if c.PollInterval == 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.StaleAfter == 0 {
		c.StaleAfter = 65 * time.Second
	}
	if c.BuyOrderCreateTimeout == 0 {
		c.BuyOrderCreateTimeout = 180 * time.Second
	}
	if c.OcoOrderCreateTimeout == 0 {
		c.OcoOrderCreateTimeout = 65 * time.Second
	}
	return c
}

// RecoveryWorker watches for an active trade that stopped making progress,
// reconciles its persisted stage against the exchange, and resumes it under a
// fresh process id. The id handoff fences out the presumed-dead runner: its
// next conditional update affects zero rows and it stops.
type RecoveryWorker struct {
	cfg      RecoveryConfig
	trades   domain.TradeRepository
	exchange domain.Exchange
	service  *TradeService
	logger   *zap.Logger
}

func NewRecoveryWorker(cfg RecoveryConfig, trades domain.TradeRepository, exchange domain.Exchange, service *TradeService, logger *zap.Logger) *RecoveryWorker {
	return &RecoveryWorker{
		cfg:      cfg.withDefaults(),
		trades:   trades,
		exchange: exchange,
		service:  service,
		logger:   logger,
	}
}

// Run polls until ctx is cancelled. Individual recovery failures are logged
// and retried on the next tick; they never stop the supervisor.
func (w *RecoveryWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.checkIncompleteTrade(ctx); err != nil {
				w.logger.Warn("recovery pass failed", zap.Error(err))
			}
		}
	}
}

func (w *RecoveryWorker) checkIncompleteTrade(ctx context.Context) error {
	t, err := w.trades.GetActiveTrading(ctx, w.service.cfg.HoldAsset, nil, "")
	if err != nil {
		return fmt.Errorf("failed to load active trade: %w", err)
	}
	if t == nil {
		return nil
	}
	if time.Since(t.UpdatedAt) < w.cfg.StaleAfter {
		return nil
	}

	w.logger.Warn("stale active trade detected",
		zap.Int64("trading_id", t.ID),
		zap.String("stage", string(t.Stage)),
		zap.Time("updated_at", t.UpdatedAt))

	return w.resume(ctx, t)
}

func (w *RecoveryWorker) resume(ctx context.Context, t *domain.Trading) error {
	switch t.Stage {
	case domain.StageJustRegistered, domain.StageSellOrderFilled:
		// JustRegistered goes stale only if the insert's runner died before
		// its first step; SellOrderFilled should never be active. Either way
		// there is nothing safe to resume automatically.
		w.logger.Error("trade stale in unexpected stage, manual intervention required",
			zap.Int64("trading_id", t.ID), zap.String("stage", string(t.Stage)))
		return nil

	case domain.StageCreatingBuyOrder:
		return w.resumeCreatingBuyOrder(ctx, t)

	case domain.StageCreatingSellOrder:
		return w.resumeCreatingSellOrder(ctx, t)

	case domain.StageRollbackOrUpgradeCancellingOcoOrder:
		return w.resumeCancellingOcoOrder(ctx, t)

	case domain.StageBuyOrderCreated, domain.StageBuyOrderFilled,
		domain.StageParametersCalculated, domain.StageSellOrderCreated,
		domain.StageRollbackOrUpgradeCancelOcoExecuted,
		domain.StageRollbackOrUpgradeCancelOcoCancelled:
		// The persisted stage alone is enough to continue from.
		processID, err := w.takeOver(ctx, t)
		if err != nil {
			return err
		}
		return w.service.Run(ctx, processID)

	default:
		return fmt.Errorf("stale trade %d in unknown stage %q", t.ID, t.Stage)
	}
}

// takeOver hands ownership to this supervisor run.
func (w *RecoveryWorker) takeOver(ctx context.Context, t *domain.Trading) (string, error) {
	processID := uuid.NewString() + "-rec"
	if err := w.trades.UpdateProcessID(ctx, t.ID, processID); err != nil {
		return "", fmt.Errorf("failed to take over trade %d: %w", t.ID, err)
	}
	metrics.IncRecoveryResume()
	w.logger.Info("resuming trade",
		zap.Int64("trading_id", t.ID),
		zap.String("stage", string(t.Stage)),
		zap.String("process_id", processID))
	return processID, nil
}

// resumeCreatingBuyOrder checks whether the interrupted buy request reached
// the exchange. Existing order: continue or abandon by its status. No order:
// abandon once the generous creation window is over, since a late replay
// could still make the request appear.
func (w *RecoveryWorker) resumeCreatingBuyOrder(ctx context.Context, t *domain.Trading) error {
	order, err := w.exchange.GetOrder(ctx, t.ID, t.HoldAsset, t.TradeAsset, domain.BuyMarketOrder, "")
	if err != nil {
		return fmt.Errorf("failed to read buy order: %w", err)
	}

	if order == nil {
		if time.Since(t.UpdatedAt) < w.cfg.BuyOrderCreateTimeout {
			w.logger.Info("buy order not visible yet, waiting", zap.Int64("trading_id", t.ID))
			return nil
		}
		processID, err := w.takeOver(ctx, t)
		if err != nil {
			return err
		}
		if err := w.trades.MarkCompletedAndNotInitialized(ctx, t.ID, "buy order never reached the exchange", processID); err != nil {
			return err
		}
		metrics.IncTradeAborted()
		return nil
	}

	switch order.Status {
	case "CANCELED", "REJECTED", "EXPIRED":
		processID, err := w.takeOver(ctx, t)
		if err != nil {
			return err
		}
		if err := w.trades.MarkCompletedAndNotInitialized(ctx, t.ID, "buy order ended "+order.Status, processID); err != nil {
			return err
		}
		metrics.IncTradeAborted()
		return nil
	case "NEW", "PARTIALLY_FILLED", "FILLED":
		processID, err := w.takeOver(ctx, t)
		if err != nil {
			return err
		}
		if err := w.trades.MarkBuyOrderCreated(ctx, t.ID, processID); err != nil {
			return err
		}
		return w.service.Run(ctx, processID)
	default:
		return fmt.Errorf("buy order for trading %d in unexpected status %q", t.ID, order.Status)
	}
}

// resumeCreatingSellOrder checks whether the interrupted OCO request made it.
// Visible and live: continue watching. Rejected or never visible past the
// window: re-place with a fresh suffix via the ParametersCalculated step.
func (w *RecoveryWorker) resumeCreatingSellOrder(ctx context.Context, t *domain.Trading) error {
	status, err := w.exchange.GetOcoOrderStatus(ctx, t.ID, t.SellOrderIDSuffix)
	if err != nil {
		return fmt.Errorf("failed to read oco status: %w", err)
	}

	if status == "" {
		if time.Since(t.UpdatedAt) < w.cfg.OcoOrderCreateTimeout {
			w.logger.Info("oco order not visible yet, waiting", zap.Int64("trading_id", t.ID))
			return nil
		}
		return w.replaceSellOrder(ctx, t)
	}

	switch status {
	case "REJECTED":
		return w.replaceSellOrder(ctx, t)
	case "EXECUTING", "ALL_DONE":
		processID, err := w.takeOver(ctx, t)
		if err != nil {
			return err
		}
		if err := w.trades.MarkSellOrderCreated(ctx, t.ID, processID); err != nil {
			return err
		}
		return w.service.Run(ctx, processID)
	default:
		return fmt.Errorf("oco order for trading %d in unexpected status %q", t.ID, status)
	}
}

// replaceSellOrder rewinds the row to ParametersCalculated with its current
// thresholds so the normal step mints a fresh suffix and places a new OCO.
func (w *RecoveryWorker) replaceSellOrder(ctx context.Context, t *domain.Trading) error {
	if t.SellPrice == nil || t.SellStopLimitPrice == nil || t.RollbackPrice == nil || t.UpgradePrice == nil {
		return fmt.Errorf("trading %d missing sell parameters, cannot replace oco", t.ID)
	}
	params := domain.SellParams{
		SellPrice:          *t.SellPrice,
		SellStopLimitPrice: *t.SellStopLimitPrice,
		RollbackPrice:      *t.RollbackPrice,
		UpgradePrice:       *t.UpgradePrice,
	}

	processID, err := w.takeOver(ctx, t)
	if err != nil {
		return err
	}
	if err := w.trades.MarkParametersCalculated(ctx, t.ID, params, processID); err != nil {
		return err
	}
	return w.service.Run(ctx, processID)
}

// resumeCancellingOcoOrder re-issues the cancel when the OCO is still
// executing, otherwise continues settlement from the persisted stage.
func (w *RecoveryWorker) resumeCancellingOcoOrder(ctx context.Context, t *domain.Trading) error {
	status, err := w.exchange.GetOcoOrderStatus(ctx, t.ID, t.SellOrderIDSuffix)
	if err != nil {
		return fmt.Errorf("failed to read oco status: %w", err)
	}

	switch status {
	case "":
		w.logger.Error("oco order missing while cancelling, manual intervention required",
			zap.Int64("trading_id", t.ID))
		return nil
	case "REJECTED":
		w.logger.Error("oco cancel rejected, manual intervention required",
			zap.Int64("trading_id", t.ID))
		return nil
	case "EXECUTING":
		processID, err := w.takeOver(ctx, t)
		if err != nil {
			return err
		}
		if err := w.exchange.CancelOcoOrder(ctx, t.ID, t.HoldAsset, t.TradeAsset, t.SellOrderIDSuffix); err != nil {
			return fmt.Errorf("failed to re-cancel oco order: %w", err)
		}
		return w.service.Run(ctx, processID)
	case "ALL_DONE":
		processID, err := w.takeOver(ctx, t)
		if err != nil {
			return err
		}
		return w.service.Run(ctx, processID)
	default:
		return fmt.Errorf("oco order for trading %d in unexpected status %q", t.ID, status)
	}
}
