package ltv

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/life2you_mini/creditvault/internal/models"
	"github.com/life2you_mini/creditvault/internal/scoring"
)

var testChain = models.ChainConfig{
	ChainID:              "ethereum",
	BaseMultiplier:       1.0,
	ScoreMultiplier:      0.1,
	VolatilityMultiplier: 0.95,
	MinHealthFactor:      1.1,
	LiquidationPenalty:   5,
	GracePeriodSeconds:   3600,
}

func TestStaticMaxLTV_GoldScenario(t *testing.T) {
	score := models.ReputationScore{Overall: 75}

	got := StaticMaxLTV(scoring.TierGold, score, testChain, 1_000_000, MarketNormal)

	// 60*1.0 + (75-50)*0.1 + 0.75 + 3(>=1M)
	assert.InDelta(t, 66.25, got, 0.001)
	assert.GreaterOrEqual(t, got, MinLTV)
	assert.LessOrEqual(t, got, MaxLTV)

	// 刚好跨过第一档的抵押规模只加1
	got = StaticMaxLTV(scoring.TierGold, score, testChain, 100_000, MarketNormal)
	assert.InDelta(t, 64.25, got, 0.001)
}

func TestStaticMaxLTV_MarketConditions(t *testing.T) {
	score := models.ReputationScore{Overall: 75}
	normal := StaticMaxLTV(scoring.TierGold, score, testChain, 0, MarketNormal)

	tests := []struct {
		name      string
		condition MarketCondition
		expected  float64
	}{
		{name: "牛市", condition: MarketBull, expected: normal + 2},
		{name: "熊市", condition: MarketBear, expected: normal - 3},
		{name: "高波动", condition: MarketVolatile, expected: normal - 2},
		{name: "正常", condition: MarketNormal, expected: normal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := StaticMaxLTV(scoring.TierGold, score, testChain, 0, tt.condition)
			assert.InDelta(t, tt.expected, got, 0.001)
		})
	}
}

func TestStaticMaxLTV_MarketFloors(t *testing.T) {
	low := models.ReputationScore{Overall: 0}
	// 青铜 30 + (0-50)*0.1 = 25, 熊市 -3 -> 22, 高波动下限 25
	assert.InDelta(t, 22.0, StaticMaxLTV(scoring.TierBronze, low, testChain, 0, MarketBear), 0.001)
	assert.InDelta(t, 25.0, StaticMaxLTV(scoring.TierBronze, low, testChain, 0, MarketVolatile), 0.001)

	high := models.ReputationScore{Overall: 100}
	aggressive := testChain
	aggressive.BaseMultiplier = 1.2
	assert.Equal(t, MaxLTV, StaticMaxLTV(scoring.TierDiamond, high, aggressive, 5_000_000, MarketBull))
}

func TestDynamicMaxLTV(t *testing.T) {
	score := models.ReputationScore{Overall: 75}

	calm := DynamicMaxLTV(scoring.TierGold, score, testChain, 50_000, 0)
	// 波动率为0时衰减系数为1: 60 + 2.5 + 0.75
	assert.InDelta(t, 63.25, calm, 0.001)

	stressed := DynamicMaxLTV(scoring.TierGold, score, testChain, 50_000, 1.0)
	// 62.5 * 0.95 + 0.75
	assert.InDelta(t, 60.13, stressed, 0.01)
	assert.Less(t, stressed, calm)

	// 动态路径不使用抵押规模加成
	whale := DynamicMaxLTV(scoring.TierGold, score, testChain, 5_000_000, 1.0)
	assert.Equal(t, stressed, whale)
}

func TestMaxLTV_AlwaysClamped(t *testing.T) {
	scores := []float64{-50, 0, 50, 100, 1e6, math.NaN(), math.Inf(1)}
	collaterals := []float64{-1, 0, 1, 100_000, 1e12, math.NaN(), math.Inf(1)}
	volatilities := []float64{-5, 0, 0.5, 1, 50, math.NaN(), math.Inf(1)}
	conditions := []MarketCondition{MarketNormal, MarketBull, MarketBear, MarketVolatile}

	for _, tier := range scoring.Tiers() {
		for _, s := range scores {
			score := models.ReputationScore{Overall: s}
			for _, c := range collaterals {
				for _, v := range volatilities {
					got := DynamicMaxLTV(tier.Tier, score, testChain, c, v)
					require.False(t, math.IsNaN(got))
					require.GreaterOrEqual(t, got, MinLTV)
					require.LessOrEqual(t, got, MaxLTV)
				}
				for _, cond := range conditions {
					got := StaticMaxLTV(tier.Tier, score, testChain, c, cond)
					require.False(t, math.IsNaN(got))
					require.GreaterOrEqual(t, got, MinLTV)
					require.LessOrEqual(t, got, MaxLTV)
				}
			}
		}
	}
}

func TestDynamicMaxLTV_MonotonicInScore(t *testing.T) {
	prev := 0.0
	for s := 0.0; s <= 100; s++ {
		got := DynamicMaxLTV(scoring.TierGold, models.ReputationScore{Overall: s}, testChain, 10_000, 1.0)
		assert.GreaterOrEqual(t, got, prev, "score=%v", s)
		prev = got
	}
}

func TestDynamicMaxLTV_NoCollateral(t *testing.T) {
	score := models.ReputationScore{Overall: 90}
	assert.Equal(t, MinLTV, DynamicMaxLTV(scoring.TierDiamond, score, testChain, 0, 1))
	assert.Equal(t, MinLTV, DynamicMaxLTV(scoring.TierDiamond, score, testChain, -100, 1))
}

func TestCollateralBonus(t *testing.T) {
	tests := []struct {
		value    float64
		expected float64
	}{
		{value: -1, expected: 0},
		{value: 99_999, expected: 0},
		{value: 100_000, expected: 1},
		{value: 499_999, expected: 1},
		{value: 500_000, expected: 2},
		{value: 1_000_000, expected: 3},
		{value: 1e12, expected: 3},
	}

	prev := 0.0
	for _, tt := range tests {
		got := CollateralBonus(tt.value)
		assert.Equal(t, tt.expected, got, "value=%v", tt.value)
		assert.GreaterOrEqual(t, got, prev)
		prev = got
	}
}

func TestParseMarketCondition(t *testing.T) {
	c, err := ParseMarketCondition("BULL")
	require.NoError(t, err)
	assert.Equal(t, MarketBull, c)

	c, err = ParseMarketCondition("")
	require.NoError(t, err)
	assert.Equal(t, MarketNormal, c)

	_, err = ParseMarketCondition("sideways")
	assert.Error(t, err)
}

func TestChainTable(t *testing.T) {
	table, err := NewChainTable(map[string]models.ChainConfig{"ethereum": testChain})
	require.NoError(t, err)

	cfg, err := table.Lookup("ethereum")
	require.NoError(t, err)
	assert.Equal(t, 1.1, cfg.MinHealthFactor)

	_, err = table.Lookup("solana")
	assert.ErrorIs(t, err, ErrUnknownChain)
	assert.Equal(t, []string{"ethereum"}, table.IDs())
}

func TestValidateChainConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *models.ChainConfig)
	}{
		{name: "基础系数为0", mutate: func(c *models.ChainConfig) { c.BaseMultiplier = 0 }},
		{name: "分数系数为负", mutate: func(c *models.ChainConfig) { c.ScoreMultiplier = -0.1 }},
		{name: "波动系数大于1", mutate: func(c *models.ChainConfig) { c.VolatilityMultiplier = 1.5 }},
		{name: "波动系数为NaN", mutate: func(c *models.ChainConfig) { c.VolatilityMultiplier = math.NaN() }},
		{name: "最小健康因子为0", mutate: func(c *models.ChainConfig) { c.MinHealthFactor = 0 }},
		{name: "清算罚金超过100", mutate: func(c *models.ChainConfig) { c.LiquidationPenalty = 150 }},
		{name: "宽限期为负", mutate: func(c *models.ChainConfig) { c.GracePeriodSeconds = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testChain
			tt.mutate(&cfg)
			assert.ErrorIs(t, ValidateChainConfig(cfg), ErrInvalidChainConfig)
		})
	}

	_, err := NewChainTable(map[string]models.ChainConfig{"polygon": testChain})
	assert.ErrorIs(t, err, ErrInvalidChainConfig, "键与chain_id不一致")
}
