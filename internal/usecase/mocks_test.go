package usecase

import (
	"context"
	"sync"
	"time"

	"github.com/vitos/trading_agent/internal/domain"
)

// memTradeRepo is an in-memory TradeRepository holding a single trade, with
// the same process-id fencing behavior as the real store.
type memTradeRepo struct {
	mu     sync.Mutex
	nextID int64
	trade  *domain.Trading
}

func newMemTradeRepo() *memTradeRepo { return &memTradeRepo{nextID: 1} }

func (m *memTradeRepo) InsertNewTrade(ctx context.Context, holdAsset, tradeAsset string, buyOrderQuoteQty float64, processID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.trade != nil && m.trade.Active {
		return 0, domain.ErrAnotherTradeActive
	}
	id := m.nextID
	m.nextID++
	now := time.Now().UTC()
	m.trade = &domain.Trading{
		ID:               id,
		Stage:            domain.StageJustRegistered,
		CreatedAt:        now,
		UpdatedAt:        now,
		HoldAsset:        holdAsset,
		TradeAsset:       tradeAsset,
		BuyOrderQuoteQty: buyOrderQuoteQty,
		ProcessID:        processID,
		Active:           true,
	}
	return id, nil
}

func (m *memTradeRepo) GetTrading(ctx context.Context, id int64) (*domain.Trading, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.trade == nil || m.trade.ID != id {
		return nil, domain.ErrConcurrentUpdate
	}
	cp := *m.trade
	return &cp, nil
}

func (m *memTradeRepo) GetActiveTrading(ctx context.Context, holdAsset string, stage *domain.Stage, processID string) (*domain.Trading, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.trade
	if t == nil || !t.Active || t.HoldAsset != holdAsset {
		return nil, nil
	}
	if stage != nil && t.Stage != *stage {
		return nil, nil
	}
	if processID != "" && t.ProcessID != processID {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (m *memTradeRepo) AnyActiveTrade(ctx context.Context, holdAsset string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.trade != nil && m.trade.Active && m.trade.HoldAsset == holdAsset, nil
}

func (m *memTradeRepo) UpdateProcessID(ctx context.Context, id int64, newProcessID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.trade == nil || m.trade.ID != id {
		return domain.ErrConcurrentUpdate
	}
	m.trade.ProcessID = newProcessID
	m.trade.UpdatedAt = time.Now().UTC()
	return nil
}

// fenced applies fn when the (id, processID) fence holds.
func (m *memTradeRepo) fenced(id int64, processID string, fn func(t *domain.Trading)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.trade == nil || m.trade.ID != id || m.trade.ProcessID != processID {
		return domain.ErrConcurrentUpdate
	}
	fn(m.trade)
	m.trade.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *memTradeRepo) MarkCreatingBuyOrder(ctx context.Context, id int64, processID string) error {
	return m.fenced(id, processID, func(t *domain.Trading) {
		t.Stage = domain.StageCreatingBuyOrder
	})
}

func (m *memTradeRepo) MarkBuyOrderCreated(ctx context.Context, id int64, processID string) error {
	return m.fenced(id, processID, func(t *domain.Trading) {
		t.Stage = domain.StageBuyOrderCreated
		now := time.Now().UTC()
		t.BuyOrderCreatedAt = &now
	})
}

func (m *memTradeRepo) MarkBuyOrderFilled(ctx context.Context, order *domain.Order, processID string) error {
	return m.fenced(order.TradingID, processID, func(t *domain.Trading) {
		t.Stage = domain.StageBuyOrderFilled
		price := order.Price()
		qty := order.ExecutedQty
		t.BuyPrice = &price
		t.TradeAssetQty = &qty
		t.BuyOrderFilledAt = &order.UpdatedAt
	})
}

func (m *memTradeRepo) MarkParametersCalculated(ctx context.Context, id int64, p domain.SellParams, processID string) error {
	return m.fenced(id, processID, func(t *domain.Trading) {
		t.Stage = domain.StageParametersCalculated
		t.SellPrice = &p.SellPrice
		t.SellStopLimitPrice = &p.SellStopLimitPrice
		t.RollbackPrice = &p.RollbackPrice
		t.UpgradePrice = &p.UpgradePrice
	})
}

func (m *memTradeRepo) MarkCreatingSellOrder(ctx context.Context, id int64, suffix, processID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.trade
	if t == nil || t.ID != id || t.ProcessID != processID || t.SellOrderIDSuffix == suffix {
		return domain.ErrConcurrentUpdate
	}
	t.Stage = domain.StageCreatingSellOrder
	t.SellOrderIDSuffix = suffix
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *memTradeRepo) MarkSellOrderCreated(ctx context.Context, id int64, processID string) error {
	return m.fenced(id, processID, func(t *domain.Trading) {
		t.Stage = domain.StageSellOrderCreated
		now := time.Now().UTC()
		t.SellOrderCreatedAt = &now
	})
}

func (m *memTradeRepo) MarkSellOrderFilled(ctx context.Context, order *domain.Order, processID string) error {
	return m.fenced(order.TradingID, processID, func(t *domain.Trading) {
		t.Stage = domain.StageSellOrderFilled
		price := order.Price()
		kind := order.OrderKind
		now := time.Now().UTC()
		t.SellOrderExecutedPrice = &price
		t.SellOrderKind = &kind
		t.SellOrderFilledAt = &order.UpdatedAt
		t.CompletedAt = &now
		t.Active = false
	})
}

func (m *memTradeRepo) MarkCompletedAndNotInitialized(ctx context.Context, id int64, abortReason, processID string) error {
	return m.fenced(id, processID, func(t *domain.Trading) {
		t.Stage = domain.StageCompletedAndNotInitialized
		t.AbortReason = abortReason
		now := time.Now().UTC()
		t.CompletedAt = &now
		t.Active = false
	})
}

func (m *memTradeRepo) MarkRollbackCancellingOcoOrder(ctx context.Context, id int64, newSellPrice float64, processID string) error {
	return m.fenced(id, processID, func(t *domain.Trading) {
		t.Stage = domain.StageRollbackOrUpgradeCancellingOcoOrder
		t.SellPrice = &newSellPrice
		t.IsRollback = true
	})
}

func (m *memTradeRepo) MarkUpgradeCancellingOcoOrder(ctx context.Context, id int64, p domain.SellParams, processID string) error {
	return m.fenced(id, processID, func(t *domain.Trading) {
		t.Stage = domain.StageRollbackOrUpgradeCancellingOcoOrder
		t.SellPrice = &p.SellPrice
		t.SellStopLimitPrice = &p.SellStopLimitPrice
		t.RollbackPrice = &p.RollbackPrice
		t.UpgradePrice = &p.UpgradePrice
		t.UpgradeCount++
	})
}

func (m *memTradeRepo) MarkCancelOcoOrderExecuted(ctx context.Context, id int64, processID string) error {
	return m.fenced(id, processID, func(t *domain.Trading) {
		t.Stage = domain.StageRollbackOrUpgradeCancelOcoExecuted
	})
}

func (m *memTradeRepo) MarkOcoOrderCancelled(ctx context.Context, id int64, processID string) error {
	return m.fenced(id, processID, func(t *domain.Trading) {
		t.Stage = domain.StageRollbackOrUpgradeCancelOcoCancelled
	})
}

func (m *memTradeRepo) TouchSellOrderRead(ctx context.Context, id int64, processID string) error {
	return m.fenced(id, processID, func(t *domain.Trading) {
		now := time.Now().UTC()
		t.SellOrderLastReadAt = &now
	})
}

func (m *memTradeRepo) UpdateMaxPrice(ctx context.Context, id int64, price float64, at time.Time, processID string) error {
	return m.fenced(id, processID, func(t *domain.Trading) {
		t.MaxPriceRead = &price
		t.MaxPriceReadAt = &at
	})
}

func (m *memTradeRepo) UpdateMinPrice(ctx context.Context, id int64, price float64, at time.Time, processID string) error {
	return m.fenced(id, processID, func(t *domain.Trading) {
		t.MinPriceRead = &price
		t.MinPriceReadAt = &at
	})
}

func (m *memTradeRepo) DeactivateAll(ctx context.Context, holdAsset string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.trade != nil {
		m.trade.Active = false
	}
	return nil
}

func (m *memTradeRepo) current() domain.Trading {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.trade
}

// memRiskRepo records risk mutations.
type memRiskRepo struct {
	mu            sync.Mutex
	control       domain.RiskControl
	increments    []float64
	minAmountSets []bool
}

func newMemRiskRepo(threshold float64) *memRiskRepo {
	return &memRiskRepo{control: domain.RiskControl{StopThreshold: threshold}}
}

func (m *memRiskRepo) EnsureRiskControl(ctx context.Context, holdAsset string, initialThreshold float64) error {
	return nil
}

func (m *memRiskRepo) GetRiskControl(ctx context.Context, holdAsset string) (*domain.RiskControl, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := m.control
	cp.HoldAsset = holdAsset
	return &cp, nil
}

func (m *memRiskRepo) IncrementStopThreshold(ctx context.Context, holdAsset string, amount float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.control.StopThreshold += amount
	m.increments = append(m.increments, amount)
	return nil
}

func (m *memRiskRepo) SetMinimumAmountMode(ctx context.Context, holdAsset string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.control.MinimumAmountMode = active
	m.minAmountSets = append(m.minAmountSets, active)
	return nil
}

// mockExchange scripts the exchange with optional function fields; the zero
// value answers everything with empty results.
type mockExchange struct {
	mu sync.Mutex

	BalanceFn      func(asset string) (float64, error)
	PriceFn        func() (float64, error)
	CreateBuyFn    func(tradingID int64, quoteQty float64) error
	CreateOcoFn    func(tradingID int64, qty, price, stopPrice float64, suffix string) error
	CancelOcoFn    func(tradingID int64, suffix string) error
	GetOrderFn     func(tradingID int64, kind domain.OrderKind, suffix string) (*domain.Order, error)
	OcoStatusFn    func(tradingID int64, suffix string) (string, error)
	buyCalls       int
	ocoCalls       []string
	cancelCalls    int
	ocoStatusReads int
	priceReads     int
}

func (m *mockExchange) GetBalance(ctx context.Context, asset string) (float64, error) {
	if m.BalanceFn != nil {
		return m.BalanceFn(asset)
	}
	return 0, nil
}

func (m *mockExchange) GetCurrentPrice(ctx context.Context, holdAsset, tradeAsset string) (float64, error) {
	m.mu.Lock()
	m.priceReads++
	m.mu.Unlock()
	if m.PriceFn != nil {
		return m.PriceFn()
	}
	return 0, nil
}

func (m *mockExchange) CreateBuyOrder(ctx context.Context, tradingID int64, holdAsset, tradeAsset string, quoteQty float64) error {
	m.mu.Lock()
	m.buyCalls++
	m.mu.Unlock()
	if m.CreateBuyFn != nil {
		return m.CreateBuyFn(tradingID, quoteQty)
	}
	return nil
}

func (m *mockExchange) CreateOcoSellOrder(ctx context.Context, tradingID int64, holdAsset, tradeAsset string, qty, price, stopPrice float64, suffix string) error {
	m.mu.Lock()
	m.ocoCalls = append(m.ocoCalls, suffix)
	m.mu.Unlock()
	if m.CreateOcoFn != nil {
		return m.CreateOcoFn(tradingID, qty, price, stopPrice, suffix)
	}
	return nil
}

func (m *mockExchange) CancelOcoOrder(ctx context.Context, tradingID int64, holdAsset, tradeAsset, suffix string) error {
	m.mu.Lock()
	m.cancelCalls++
	m.mu.Unlock()
	if m.CancelOcoFn != nil {
		return m.CancelOcoFn(tradingID, suffix)
	}
	return nil
}

func (m *mockExchange) GetOrder(ctx context.Context, tradingID int64, holdAsset, tradeAsset string, kind domain.OrderKind, suffix string) (*domain.Order, error) {
	if m.GetOrderFn != nil {
		return m.GetOrderFn(tradingID, kind, suffix)
	}
	return nil, nil
}

func (m *mockExchange) GetOcoOrderStatus(ctx context.Context, tradingID int64, suffix string) (string, error) {
	m.mu.Lock()
	m.ocoStatusReads++
	m.mu.Unlock()
	if m.OcoStatusFn != nil {
		return m.OcoStatusFn(tradingID, suffix)
	}
	return "", nil
}

func fastTradeConfig() TradeConfig {
	return TradeConfig{
		HoldAsset:               "USDT",
		TradeAsset:              "BTC",
		HoldAssetToTradePercent: 50,
		Pricing: PricingConfig{
			TargetProfitPercent:     1.0,
			StopLossPercent:         2.0,
			RollbackPercent:         1.0,
			UpgradeTriggerPercent:   0.8,
			UpgradeIncrementPercent: 30,
			EstimatedFeesPercent:    0.2,
		},
		WatchPriceInterval:  time.Millisecond,
		WatchOrderInterval:  2 * time.Millisecond,
		BuyFillPollInterval: time.Millisecond,
		BuyFillTimeout:      200 * time.Millisecond,
		RegisterMaxAge:      time.Minute,
		RetryMaxAttempts:    3,
		RetryInitialDelay:   time.Millisecond,
		RetryDelayIncrement: time.Millisecond,
	}
}
