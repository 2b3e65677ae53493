package domain

import (
	"context"
	"time"
)

// Exchange defines the signed trading API surface the saga depends on.
// Not-found reads return (nil, nil) / ("", nil) rather than an error.
type Exchange interface {
	GetBalance(ctx context.Context, asset string) (float64, error)
	GetCurrentPrice(ctx context.Context, holdAsset, tradeAsset string) (float64, error)
	CreateBuyOrder(ctx context.Context, tradingID int64, holdAsset, tradeAsset string, quoteQty float64) error
	CreateOcoSellOrder(ctx context.Context, tradingID int64, holdAsset, tradeAsset string, qty, price, stopPrice float64, suffix string) error
	CancelOcoOrder(ctx context.Context, tradingID int64, holdAsset, tradeAsset, suffix string) error
	GetOrder(ctx context.Context, tradingID int64, holdAsset, tradeAsset string, kind OrderKind, suffix string) (*Order, error)
	GetOcoOrderStatus(ctx context.Context, tradingID int64, suffix string) (string, error)
}

// PriceStreamer is an optional capability of the exchange adapter: a live
// price feed for the best-effort post-fill watcher. Blocks until ctx is done
// or the stream breaks.
type PriceStreamer interface {
	StreamPrices(ctx context.Context, holdAsset, tradeAsset string, onPrice func(price float64)) error
}

// SellParams are the four price thresholds derived from the buy price. They
// are recomputed on each rollback/upgrade cycle.
type SellParams struct {
	SellPrice          float64
	SellStopLimitPrice float64
	RollbackPrice      float64
	UpgradePrice       float64
}

// TradeRepository is the trade store contract. Every Mark* update is fenced
// by (id, processID); affecting zero rows returns ErrConcurrentUpdate.
type TradeRepository interface {
	InsertNewTrade(ctx context.Context, holdAsset, tradeAsset string, buyOrderQuoteQty float64, processID string) (int64, error)
	GetTrading(ctx context.Context, id int64) (*Trading, error)
	// GetActiveTrading returns the single active row for the hold asset,
	// optionally narrowed by stage and/or process id; nil when absent.
	GetActiveTrading(ctx context.Context, holdAsset string, stage *Stage, processID string) (*Trading, error)
	AnyActiveTrade(ctx context.Context, holdAsset string) (bool, error)

	// UpdateProcessID is the fencing handoff: deliberately unconditioned so a
	// resuming runner can take ownership from a presumed-dead one.
	UpdateProcessID(ctx context.Context, id int64, newProcessID string) error

	MarkCreatingBuyOrder(ctx context.Context, id int64, processID string) error
	MarkBuyOrderCreated(ctx context.Context, id int64, processID string) error
	MarkBuyOrderFilled(ctx context.Context, order *Order, processID string) error
	MarkParametersCalculated(ctx context.Context, id int64, params SellParams, processID string) error
	// MarkCreatingSellOrder additionally requires the new suffix to differ
	// from the one already on the row, so each OCO placement carries a fresh
	// exchange-facing identifier.
	MarkCreatingSellOrder(ctx context.Context, id int64, suffix, processID string) error
	MarkSellOrderCreated(ctx context.Context, id int64, processID string) error
	MarkSellOrderFilled(ctx context.Context, order *Order, processID string) error
	MarkCompletedAndNotInitialized(ctx context.Context, id int64, abortReason, processID string) error
	MarkRollbackCancellingOcoOrder(ctx context.Context, id int64, newSellPrice float64, processID string) error
	MarkUpgradeCancellingOcoOrder(ctx context.Context, id int64, params SellParams, processID string) error
	MarkCancelOcoOrderExecuted(ctx context.Context, id int64, processID string) error
	MarkOcoOrderCancelled(ctx context.Context, id int64, processID string) error

	TouchSellOrderRead(ctx context.Context, id int64, processID string) error
	UpdateMaxPrice(ctx context.Context, id int64, price float64, at time.Time, processID string) error
	UpdateMinPrice(ctx context.Context, id int64, price float64, at time.Time, processID string) error

	// DeactivateAll is a maintenance/test reset.
	DeactivateAll(ctx context.Context, holdAsset string) error
}

// RiskRepository stores the per-hold-asset risk control record.
type RiskRepository interface {
	EnsureRiskControl(ctx context.Context, holdAsset string, initialThreshold float64) error
	GetRiskControl(ctx context.Context, holdAsset string) (*RiskControl, error)
	// IncrementStopThreshold raises the floor by amount; the threshold never
	// decreases through this path.
	IncrementStopThreshold(ctx context.Context, holdAsset string, amount float64) error
	SetMinimumAmountMode(ctx context.Context, holdAsset string, active bool) error
}
