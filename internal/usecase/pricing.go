package usecase

import (
	"math"

	"github.com/vitos/trading_agent/internal/domain"
)

const (
	// Exchange-enforced minimum quote notional, padded with a safety margin
	// so rounding never pushes an order below the real floor.
	exchangeMinNotional            = 10.0
	minNotionalSafetyMarginPercent = 20.0
)

// PricingConfig holds the configured percentages the saga derives every price
// threshold from.
type PricingConfig struct {
	TargetProfitPercent     float64 `yaml:"target_profit_percent"`
	StopLossPercent         float64 `yaml:"stop_loss_percent"`
	RollbackPercent         float64 `yaml:"rollback_percent"`
	UpgradeTriggerPercent   float64 `yaml:"upgrade_trigger_percent"`
	UpgradeIncrementPercent float64 `yaml:"upgrade_increment_percent"`
	EstimatedFeesPercent    float64 `yaml:"estimated_fees_percent"`
}

func plusPercentage(value, percent float64) float64  { return value * (1 + percent/100) }
func minusPercentage(value, percent float64) float64 { return value - value*percent/100 }

func minTradeNotional() float64 {
	return plusPercentage(exchangeMinNotional, minNotionalSafetyMarginPercent)
}

// initialSellParams derives the four thresholds from the realized buy price.
func initialSellParams(cfg PricingConfig, buyPrice float64) domain.SellParams {
	return domain.SellParams{
		SellPrice:          plusPercentage(buyPrice, cfg.TargetProfitPercent),
		SellStopLimitPrice: minusPercentage(buyPrice, cfg.StopLossPercent),
		RollbackPrice:      minusPercentage(buyPrice, cfg.RollbackPercent),
		UpgradePrice:       plusPercentage(buyPrice, cfg.UpgradeTriggerPercent),
	}
}

// rollbackSellPrice lowers the profit target toward break-even net of fees.
func rollbackSellPrice(cfg PricingConfig, currentSellPrice float64) float64 {
	return minusPercentage(currentSellPrice, cfg.TargetProfitPercent-cfg.EstimatedFeesPercent)
}

// upgradeSellParams widens the bracket for the next upgrade cycle. The tier
// is the number of upgrades already completed; tiers 0 and 1 have their own
// formulas, every later upgrade reuses the tier-2 one. The rollback price is
// never touched by an upgrade.
func upgradeSellParams(cfg PricingConfig, t *domain.Trading) domain.SellParams {
	buyPrice := *t.BuyPrice
	params := domain.SellParams{RollbackPrice: *t.RollbackPrice}

	switch {
	case t.UpgradeCount == 0:
		params.SellPrice = buyPrice * 2
		params.SellStopLimitPrice = plusPercentage(buyPrice, cfg.TargetProfitPercent-0.2)
		params.UpgradePrice = plusPercentage(buyPrice, cfg.TargetProfitPercent+cfg.UpgradeTriggerPercent)
	case t.UpgradeCount == 1:
		params.SellPrice = buyPrice * 2
		params.SellStopLimitPrice = plusPercentage(buyPrice, cfg.TargetProfitPercent)
		params.UpgradePrice = plusPercentage(params.SellStopLimitPrice, cfg.RollbackPercent)
	default:
		params.SellPrice = buyPrice * 3
		params.SellStopLimitPrice = plusPercentage(*t.SellStopLimitPrice,
			minusPercentage(cfg.UpgradeIncrementPercent, math.Min(float64(t.UpgradeCount), 25)))
		params.UpgradePrice = plusPercentage(*t.UpgradePrice, cfg.UpgradeIncrementPercent)
	}

	return params
}
