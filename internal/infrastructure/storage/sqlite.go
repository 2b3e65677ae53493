package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/vitos/trading_agent/internal/domain"
)

// SQLiteStore implements domain.TradeRepository and domain.RiskRepository.
// The one-active-trade-per-hold-asset invariant is enforced by a partial
// unique index, and every stage transition is a conditional update fenced by
// (id, process_id).
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS tradings (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			stage TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			hold_asset TEXT NOT NULL,
			trade_asset TEXT NOT NULL,
			buy_order_quote_qty REAL NOT NULL,
			buy_order_created_at DATETIME,
			buy_order_filled_at DATETIME,
			buy_price REAL,
			trade_asset_qty REAL,
			sell_price REAL,
			sell_stop_limit_price REAL,
			rollback_price REAL,
			upgrade_price REAL,
			upgrade_count INTEGER NOT NULL DEFAULT 0,
			is_rollback BOOLEAN NOT NULL DEFAULT 0,
			sell_order_id_suffix TEXT NOT NULL DEFAULT '',
			sell_order_created_at DATETIME,
			sell_order_last_read_at DATETIME,
			min_price_read REAL,
			min_price_read_at DATETIME,
			max_price_read REAL,
			max_price_read_at DATETIME,
			sell_order_filled_at DATETIME,
			sell_order_executed_price REAL,
			sell_order_kind TEXT,
			completed_at DATETIME,
			updated_at DATETIME NOT NULL,
			abort_reason TEXT NOT NULL DEFAULT '',
			process_id TEXT NOT NULL,
			active BOOLEAN NOT NULL DEFAULT 1
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_tradings_active ON tradings(hold_asset) WHERE active = 1;`,
		`CREATE TABLE IF NOT EXISTS risk_controls (
			hold_asset TEXT PRIMARY KEY,
			stop_threshold REAL NOT NULL,
			minimum_amount_mode BOOLEAN NOT NULL DEFAULT 0,
			updated_at DATETIME NOT NULL
		);`,
	}

	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return fmt.Errorf("failed to exec query %s: %w", q, err)
		}
	}

	return nil
}

// --- TradeRepository ---

func (s *SQLiteStore) InsertNewTrade(ctx context.Context, holdAsset, tradeAsset string, buyOrderQuoteQty float64, processID string) (int64, error) {
	query := `INSERT INTO tradings (stage, created_at, hold_asset, trade_asset, buy_order_quote_qty, updated_at, process_id)
			  VALUES (?, ?, ?, ?, ?, ?, ?)`

	now := time.Now()
	res, err := s.db.ExecContext(ctx, query,
		domain.StageJustRegistered, now, holdAsset, tradeAsset, buyOrderQuoteQty, now, processID)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return 0, domain.ErrAnotherTradeActive
		}
		return 0, err
	}
	return res.LastInsertId()
}

const tradingColumns = `id, stage, created_at, hold_asset, trade_asset, buy_order_quote_qty,
	buy_order_created_at, buy_order_filled_at, buy_price, trade_asset_qty,
	sell_price, sell_stop_limit_price, rollback_price, upgrade_price,
	upgrade_count, is_rollback, sell_order_id_suffix, sell_order_created_at,
	sell_order_last_read_at, min_price_read, min_price_read_at, max_price_read,
	max_price_read_at, sell_order_filled_at, sell_order_executed_price,
	sell_order_kind, completed_at, updated_at, abort_reason, process_id, active`

func (s *SQLiteStore) GetTrading(ctx context.Context, id int64) (*domain.Trading, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+tradingColumns+` FROM tradings WHERE id = ?`, id)
	return scanTrading(row)
}

func (s *SQLiteStore) GetActiveTrading(ctx context.Context, holdAsset string, stage *domain.Stage, processID string) (*domain.Trading, error) {
	query := `SELECT ` + tradingColumns + ` FROM tradings WHERE active = 1 AND hold_asset = ?`
	args := []interface{}{holdAsset}

	if stage != nil {
		query += " AND stage = ?"
		args = append(args, *stage)
	}
	if processID != "" {
		query += " AND process_id = ?"
		args = append(args, processID)
	}

	t, err := scanTrading(s.db.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return t, err
}

func (s *SQLiteStore) AnyActiveTrade(ctx context.Context, holdAsset string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM tradings WHERE active = 1 AND hold_asset = ?`, holdAsset).Scan(&n)
	return n > 0, err
}

func (s *SQLiteStore) UpdateProcessID(ctx context.Context, id int64, newProcessID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tradings SET process_id = ?, updated_at = ? WHERE id = ?`,
		newProcessID, time.Now(), id)
	return err
}

func (s *SQLiteStore) MarkCreatingBuyOrder(ctx context.Context, id int64, processID string) error {
	return s.execFenced(ctx,
		`UPDATE tradings SET stage = ?, updated_at = ? WHERE id = ? AND process_id = ?`,
		domain.StageCreatingBuyOrder, time.Now(), id, processID)
}

func (s *SQLiteStore) MarkBuyOrderCreated(ctx context.Context, id int64, processID string) error {
	return s.execFenced(ctx,
		`UPDATE tradings SET stage = ?, buy_order_created_at = ?, updated_at = ? WHERE id = ? AND process_id = ?`,
		domain.StageBuyOrderCreated, time.Now(), time.Now(), id, processID)
}

func (s *SQLiteStore) MarkBuyOrderFilled(ctx context.Context, order *domain.Order, processID string) error {
	return s.execFenced(ctx,
		`UPDATE tradings SET
			stage = ?,
			buy_order_quote_qty = ?,
			buy_order_created_at = ?,
			buy_order_filled_at = ?,
			buy_price = ?,
			trade_asset_qty = ?,
			updated_at = ?
		 WHERE id = ? AND process_id = ?`,
		domain.StageBuyOrderFilled, order.CummulativeQuoteQty, order.CreatedAt, order.UpdatedAt,
		order.Price(), order.ExecutedQty, time.Now(), order.TradingID, processID)
}

func (s *SQLiteStore) MarkParametersCalculated(ctx context.Context, id int64, p domain.SellParams, processID string) error {
	return s.execFenced(ctx,
		`UPDATE tradings SET
			stage = ?,
			sell_price = ?,
			sell_stop_limit_price = ?,
			rollback_price = ?,
			upgrade_price = ?,
			updated_at = ?
		 WHERE id = ? AND process_id = ?`,
		domain.StageParametersCalculated, p.SellPrice, p.SellStopLimitPrice, p.RollbackPrice,
		p.UpgradePrice, time.Now(), id, processID)
}

func (s *SQLiteStore) MarkCreatingSellOrder(ctx context.Context, id int64, suffix, processID string) error {
	// The suffix guard guarantees each OCO placement mints a distinct
	// exchange-facing id even across crash/resume replays.
	return s.execFenced(ctx,
		`UPDATE tradings SET
			stage = ?,
			sell_order_id_suffix = ?,
			sell_order_created_at = ?,
			updated_at = ?
		 WHERE id = ? AND process_id = ? AND sell_order_id_suffix <> ?`,
		domain.StageCreatingSellOrder, suffix, time.Now(), time.Now(), id, processID, suffix)
}

func (s *SQLiteStore) MarkSellOrderCreated(ctx context.Context, id int64, processID string) error {
	return s.execFenced(ctx,
		`UPDATE tradings SET stage = ?, sell_order_created_at = ?, updated_at = ? WHERE id = ? AND process_id = ?`,
		domain.StageSellOrderCreated, time.Now(), time.Now(), id, processID)
}

func (s *SQLiteStore) MarkSellOrderFilled(ctx context.Context, order *domain.Order, processID string) error {
	return s.execFenced(ctx,
		`UPDATE tradings SET
			stage = ?,
			sell_order_filled_at = ?,
			sell_order_executed_price = ?,
			trade_asset_qty = ?,
			sell_order_kind = ?,
			completed_at = ?,
			updated_at = ?,
			active = 0
		 WHERE id = ? AND process_id = ?`,
		domain.StageSellOrderFilled, order.UpdatedAt, order.Price(), order.ExecutedQty,
		order.OrderKind, order.UpdatedAt, time.Now(), order.TradingID, processID)
}

func (s *SQLiteStore) MarkCompletedAndNotInitialized(ctx context.Context, id int64, abortReason, processID string) error {
	return s.execFenced(ctx,
		`UPDATE tradings SET stage = ?, active = 0, updated_at = ?, completed_at = ?, abort_reason = ? WHERE id = ? AND process_id = ?`,
		domain.StageCompletedAndNotInitialized, time.Now(), time.Now(), abortReason, id, processID)
}

func (s *SQLiteStore) MarkRollbackCancellingOcoOrder(ctx context.Context, id int64, newSellPrice float64, processID string) error {
	return s.execFenced(ctx,
		`UPDATE tradings SET stage = ?, is_rollback = 1, sell_price = ?, updated_at = ? WHERE id = ? AND process_id = ?`,
		domain.StageRollbackOrUpgradeCancellingOcoOrder, newSellPrice, time.Now(), id, processID)
}

func (s *SQLiteStore) MarkUpgradeCancellingOcoOrder(ctx context.Context, id int64, p domain.SellParams, processID string) error {
	return s.execFenced(ctx,
		`UPDATE tradings SET
			stage = ?,
			sell_price = ?,
			sell_stop_limit_price = ?,
			rollback_price = ?,
			upgrade_price = ?,
			upgrade_count = upgrade_count + 1,
			updated_at = ?
		 WHERE id = ? AND process_id = ?`,
		domain.StageRollbackOrUpgradeCancellingOcoOrder, p.SellPrice, p.SellStopLimitPrice,
		p.RollbackPrice, p.UpgradePrice, time.Now(), id, processID)
}

func (s *SQLiteStore) MarkCancelOcoOrderExecuted(ctx context.Context, id int64, processID string) error {
	return s.execFenced(ctx,
		`UPDATE tradings SET stage = ?, updated_at = ? WHERE id = ? AND process_id = ?`,
		domain.StageRollbackOrUpgradeCancelOcoExecuted, time.Now(), id, processID)
}

func (s *SQLiteStore) MarkOcoOrderCancelled(ctx context.Context, id int64, processID string) error {
	return s.execFenced(ctx,
		`UPDATE tradings SET stage = ?, updated_at = ? WHERE id = ? AND process_id = ?`,
		domain.StageRollbackOrUpgradeCancelOcoCancelled, time.Now(), id, processID)
}

func (s *SQLiteStore) TouchSellOrderRead(ctx context.Context, id int64, processID string) error {
	// Not fenced-fatal on purpose: a stale runner touching the read watermark
	// is harmless, the row simply stays untouched.
	_, err := s.db.ExecContext(ctx,
		`UPDATE tradings SET sell_order_last_read_at = ?, updated_at = ? WHERE id = ? AND process_id = ?`,
		time.Now(), time.Now(), id, processID)
	return err
}

func (s *SQLiteStore) UpdateMaxPrice(ctx context.Context, id int64, price float64, at time.Time, processID string) error {
	return s.execFenced(ctx,
		`UPDATE tradings SET max_price_read = ?, max_price_read_at = ?, updated_at = ? WHERE id = ? AND process_id = ?`,
		price, at, time.Now(), id, processID)
}

func (s *SQLiteStore) UpdateMinPrice(ctx context.Context, id int64, price float64, at time.Time, processID string) error {
	return s.execFenced(ctx,
		`UPDATE tradings SET min_price_read = ?, min_price_read_at = ?, updated_at = ? WHERE id = ? AND process_id = ?`,
		price, at, time.Now(), id, processID)
}

func (s *SQLiteStore) DeactivateAll(ctx context.Context, holdAsset string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tradings SET active = 0, updated_at = ? WHERE hold_asset = ?`, time.Now(), holdAsset)
	return err
}

func (s *SQLiteStore) execFenced(ctx context.Context, query string, args ...interface{}) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected != 1 {
		return fmt.Errorf("%w: %d rows affected", domain.ErrConcurrentUpdate, affected)
	}
	return nil
}

// --- RiskRepository ---

func (s *SQLiteStore) EnsureRiskControl(ctx context.Context, holdAsset string, initialThreshold float64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO risk_controls (hold_asset, stop_threshold, minimum_amount_mode, updated_at)
		 VALUES (?, ?, 0, ?)
		 ON CONFLICT(hold_asset) DO NOTHING`,
		holdAsset, initialThreshold, time.Now())
	return err
}

func (s *SQLiteStore) GetRiskControl(ctx context.Context, holdAsset string) (*domain.RiskControl, error) {
	var rc domain.RiskControl
	err := s.db.QueryRowContext(ctx,
		`SELECT hold_asset, stop_threshold, minimum_amount_mode, updated_at FROM risk_controls WHERE hold_asset = ?`,
		holdAsset).Scan(&rc.HoldAsset, &rc.StopThreshold, &rc.MinimumAmountMode, &rc.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &rc, nil
}

func (s *SQLiteStore) IncrementStopThreshold(ctx context.Context, holdAsset string, amount float64) error {
	if amount < 0 {
		return fmt.Errorf("stop threshold increment must not be negative: %f", amount)
	}
	return s.execFenced(ctx,
		`UPDATE risk_controls SET stop_threshold = stop_threshold + ?, updated_at = ? WHERE hold_asset = ?`,
		amount, time.Now(), holdAsset)
}

func (s *SQLiteStore) SetMinimumAmountMode(ctx context.Context, holdAsset string, active bool) error {
	return s.execFenced(ctx,
		`UPDATE risk_controls SET minimum_amount_mode = ?, updated_at = ? WHERE hold_asset = ?`,
		active, time.Now(), holdAsset)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTrading(row rowScanner) (*domain.Trading, error) {
	var t domain.Trading
	var buyOrderCreatedAt, buyOrderFilledAt, sellOrderCreatedAt, sellOrderLastReadAt sql.NullTime
	var minPriceReadAt, maxPriceReadAt, sellOrderFilledAt, completedAt sql.NullTime
	var buyPrice, tradeAssetQty, sellPrice, sellStopLimitPrice sql.NullFloat64
	var rollbackPrice, upgradePrice, minPriceRead, maxPriceRead, sellOrderExecutedPrice sql.NullFloat64
	var sellOrderKind sql.NullString

	err := row.Scan(
		&t.ID, &t.Stage, &t.CreatedAt, &t.HoldAsset, &t.TradeAsset, &t.BuyOrderQuoteQty,
		&buyOrderCreatedAt, &buyOrderFilledAt, &buyPrice, &tradeAssetQty,
		&sellPrice, &sellStopLimitPrice, &rollbackPrice, &upgradePrice,
		&t.UpgradeCount, &t.IsRollback, &t.SellOrderIDSuffix, &sellOrderCreatedAt,
		&sellOrderLastReadAt, &minPriceRead, &minPriceReadAt, &maxPriceRead,
		&maxPriceReadAt, &sellOrderFilledAt, &sellOrderExecutedPrice,
		&sellOrderKind, &completedAt, &t.UpdatedAt, &t.AbortReason, &t.ProcessID, &t.Active,
	)
	if err != nil {
		return nil, err
	}

	t.BuyOrderCreatedAt = nullTimePtr(buyOrderCreatedAt)
	t.BuyOrderFilledAt = nullTimePtr(buyOrderFilledAt)
	t.SellOrderCreatedAt = nullTimePtr(sellOrderCreatedAt)
	t.SellOrderLastReadAt = nullTimePtr(sellOrderLastReadAt)
	t.MinPriceReadAt = nullTimePtr(minPriceReadAt)
	t.MaxPriceReadAt = nullTimePtr(maxPriceReadAt)
	t.SellOrderFilledAt = nullTimePtr(sellOrderFilledAt)
	t.CompletedAt = nullTimePtr(completedAt)
	t.BuyPrice = nullFloatPtr(buyPrice)
	t.TradeAssetQty = nullFloatPtr(tradeAssetQty)
	t.SellPrice = nullFloatPtr(sellPrice)
	t.SellStopLimitPrice = nullFloatPtr(sellStopLimitPrice)
	t.RollbackPrice = nullFloatPtr(rollbackPrice)
	t.UpgradePrice = nullFloatPtr(upgradePrice)
	t.MinPriceRead = nullFloatPtr(minPriceRead)
	t.MaxPriceRead = nullFloatPtr(maxPriceRead)
	t.SellOrderExecutedPrice = nullFloatPtr(sellOrderExecutedPrice)
	if sellOrderKind.Valid && sellOrderKind.String != "" {
		kind := domain.OrderKind(sellOrderKind.String)
		t.SellOrderKind = &kind
	}

	return &t, nil
}

func nullTimePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	return &v.Time
}

func nullFloatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	return &v.Float64
}
