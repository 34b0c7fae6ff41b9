// Package ltv 计算基于声誉等级、链配置和市场状况的最大贷款价值比。
//
// 静态版本用于开户时的额度评估，包含抵押规模加成和离散的市场行情调整；
// 动态版本用于每次重算，使用实时波动率作为连续衰减因子。两条路径都必须
// 把结果限制在平台范围 [MinLTV, MaxLTV] 之内。
package ltv

import (
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/life2you_mini/creditvault/internal/models"
	"github.com/life2you_mini/creditvault/internal/scoring"
)

// 平台范围
const (
	MinLTV = 20.0
	MaxLTV = 85.0
)

// 抵押规模加成阈值 (USD)
var collateralBonusSteps = []struct {
	threshold float64
	bonus     float64
}{
	{threshold: 1_000_000, bonus: 3},
	{threshold: 500_000, bonus: 2},
	{threshold: 100_000, bonus: 1},
}

// MarketCondition 离散市场行情
type MarketCondition string

const (
	MarketNormal   MarketCondition = "normal"
	MarketBull     MarketCondition = "bull"
	MarketBear     MarketCondition = "bear"
	MarketVolatile MarketCondition = "volatile"
)

// ParseMarketCondition 解析行情，空字符串视为 normal
func ParseMarketCondition(s string) (MarketCondition, error) {
	switch c := MarketCondition(strings.ToLower(strings.TrimSpace(s))); c {
	case "", MarketNormal:
		return MarketNormal, nil
	case MarketBull, MarketBear, MarketVolatile:
		return c, nil
	default:
		return MarketNormal, fmt.Errorf("未知的市场行情: %q", s)
	}
}

// CollateralBonus 抵押规模加成，按 100k/500k/1M 阶梯递增
func CollateralBonus(collateralUSD float64) float64 {
	collateralUSD = sanitizeNonNegative(collateralUSD)
	for _, step := range collateralBonusSteps {
		if collateralUSD >= step.threshold {
			return step.bonus
		}
	}
	return 0
}

// StaticMaxLTV 开户时使用的最大LTV
func StaticMaxLTV(tier scoring.Tier, score models.ReputationScore, chain models.ChainConfig, collateralUSD float64, condition MarketCondition) float64 {
	info := scoring.Info(tier)

	v := adjustedBase(info, score, chain)
	v += info.Bonus
	v += CollateralBonus(collateralUSD)
	v = applyMarketCondition(v, condition)

	return clampLTV(v)
}

// DynamicMaxLTV 每次重算使用的最大LTV，波动率作为连续衰减因子
func DynamicMaxLTV(tier scoring.Tier, score models.ReputationScore, chain models.ChainConfig, collateralUSD, volatility float64) float64 {
	if sanitizeNonNegative(collateralUSD) == 0 {
		return MinLTV
	}
	info := scoring.Info(tier)

	v := adjustedBase(info, score, chain)
	v *= math.Pow(chain.VolatilityMultiplier, sanitizeNonNegative(volatility))
	v += info.Bonus

	return clampLTV(v)
}

// adjustedBase 等级基础LTV乘以链系数并叠加分数线性调整
func adjustedBase(info scoring.TierInfo, score models.ReputationScore, chain models.ChainConfig) float64 {
	overall := scoring.Clamp(score.Overall)
	return info.MaxLTV*chain.BaseMultiplier + (overall-50)*chain.ScoreMultiplier
}

func applyMarketCondition(v float64, condition MarketCondition) float64 {
	switch condition {
	case MarketBull:
		return math.Min(v+2, MaxLTV)
	case MarketBear:
		return math.Max(v-3, MinLTV)
	case MarketVolatile:
		return math.Max(v-2, 25)
	default:
		return v
	}
}

// clampLTV 平台硬约束，NaN 取下限
func clampLTV(v float64) float64 {
	if math.IsNaN(v) {
		return MinLTV
	}
	v = math.Max(MinLTV, math.Min(MaxLTV, v))
	r, _ := decimal.NewFromFloat(v).Round(2).Float64()
	return r
}

// sanitizeNonNegative 负数、NaN 和无穷大视为 0
func sanitizeNonNegative(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0
	}
	return v
}
