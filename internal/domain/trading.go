package domain

import "time"

// Stage is the position of a trade inside the saga. Transitions are strictly
// forward, except for the rollback/upgrade cycle which re-enters the sell leg.
type Stage string

const (
	StageJustRegistered                      Stage = "JustRegistered"
	StageCreatingBuyOrder                    Stage = "CreatingBuyOrder"
	StageBuyOrderCreated                     Stage = "BuyOrderCreated"
	StageBuyOrderFilled                      Stage = "BuyOrderFilled"
	StageParametersCalculated                Stage = "ParametersCalculated"
	StageCreatingSellOrder                   Stage = "CreatingSellOrder"
	StageSellOrderCreated                    Stage = "SellOrderCreated"
	StageSellOrderFilled                     Stage = "SellOrderFilled"
	StageRollbackOrUpgradeCancellingOcoOrder Stage = "RollbackOrUpgradeCancellingOcoOrder"
	StageRollbackOrUpgradeCancelOcoExecuted  Stage = "RollbackOrUpgradeCancelOcoOrderExecuted"
	StageRollbackOrUpgradeCancelOcoCancelled Stage = "RollbackOrUpgradeCancelOcoOrderCancelled"
	StageCompletedAndNotInitialized          Stage = "CompletedAndNotInitialized"
)

// Terminal reports whether no further saga step applies to the stage.
func (s Stage) Terminal() bool {
	return s == StageSellOrderFilled || s == StageCompletedAndNotInitialized
}

// OrderKind tags the individual exchange orders a trade produces. It selects
// the deterministic client order id and, for a completed OCO, which leg
// counts as the executed sell.
type OrderKind string

const (
	BuyMarketOrder                OrderKind = "BuyMarketOrder"
	SellOcoOrder                  OrderKind = "SellOcoOrder"
	SellOcoLimitOrder             OrderKind = "SellOcoLimitOrder"
	SellOcoStopLimitOrder         OrderKind = "SellOcoStopLimitOrder"
	SellOcoRollbackOrder          OrderKind = "SellOcoRollbackOrder"
	SellOcoLimitRollbackOrder     OrderKind = "SellOcoLimitRollbackOrder"
	SellOcoStopLimitRollbackOrder OrderKind = "SellOcoStopLimitRollbackOrder"
)

// Trading is one trade attempt. Rows are append-only lineage; at most one row
// per hold asset is Active at any time (enforced by the store).
type Trading struct {
	ID                     int64
	Stage                  Stage
	CreatedAt              time.Time
	HoldAsset              string
	TradeAsset             string
	BuyOrderQuoteQty       float64
	BuyOrderCreatedAt      *time.Time
	BuyOrderFilledAt       *time.Time
	BuyPrice               *float64
	TradeAssetQty          *float64
	SellPrice              *float64
	SellStopLimitPrice     *float64
	RollbackPrice          *float64
	UpgradePrice           *float64
	UpgradeCount           int
	IsRollback             bool
	SellOrderIDSuffix      string
	SellOrderCreatedAt     *time.Time
	SellOrderLastReadAt    *time.Time
	MinPriceRead           *float64
	MinPriceReadAt         *time.Time
	MaxPriceRead           *float64
	MaxPriceReadAt         *time.Time
	SellOrderFilledAt      *time.Time
	SellOrderExecutedPrice *float64
	SellOrderKind          *OrderKind
	CompletedAt            *time.Time
	UpdatedAt              time.Time
	AbortReason            string
	ProcessID              string
	Active                 bool
}

// Order is an ephemeral read of an exchange order, never persisted as its own
// record.
type Order struct {
	TradingID           int64
	OrderKind           OrderKind
	HoldAsset           string
	TradeAsset          string
	Status              string
	ExecutedQty         float64
	CummulativeQuoteQty float64
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Price is the average execution price, zero while nothing executed.
func (o *Order) Price() float64 {
	if o.ExecutedQty == 0 {
		return 0
	}
	return o.CummulativeQuoteQty / o.ExecutedQty
}

// RiskControl is the per-hold-asset risk record. StopThreshold is a floor
// balance below which new trades are permanently refused; MinimumAmountMode
// shrinks future trades to the minimal notional after a losing trade.
type RiskControl struct {
	HoldAsset         string
	StopThreshold     float64
	MinimumAmountMode bool
	UpdatedAt         time.Time
}
