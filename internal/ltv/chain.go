package ltv

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/life2you_mini/creditvault/internal/models"
)

var (
	// ErrUnknownChain 未配置的链，不会回退到默认链
	ErrUnknownChain = errors.New("ltv: unknown chain")
	// ErrInvalidChainConfig 链配置非法
	ErrInvalidChainConfig = errors.New("ltv: invalid chain config")
)

// ChainTable 链ID到链配置的映射，启动后只读
type ChainTable map[string]models.ChainConfig

// NewChainTable 校验并构建链配置表
func NewChainTable(chains map[string]models.ChainConfig) (ChainTable, error) {
	if len(chains) == 0 {
		return nil, fmt.Errorf("%w: no chains configured", ErrInvalidChainConfig)
	}
	table := make(ChainTable, len(chains))
	for id, cfg := range chains {
		if cfg.ChainID == "" {
			cfg.ChainID = id
		}
		if cfg.ChainID != id {
			return nil, fmt.Errorf("%w: key %q does not match chain_id %q", ErrInvalidChainConfig, id, cfg.ChainID)
		}
		if err := ValidateChainConfig(cfg); err != nil {
			return nil, err
		}
		table[id] = cfg
	}
	return table, nil
}

// Lookup 查询链配置
func (t ChainTable) Lookup(chainID string) (models.ChainConfig, error) {
	cfg, ok := t[chainID]
	if !ok {
		return models.ChainConfig{}, fmt.Errorf("%w: %q", ErrUnknownChain, chainID)
	}
	return cfg, nil
}

// IDs 返回排序后的链ID
func (t ChainTable) IDs() []string {
	ids := make([]string, 0, len(t))
	for id := range t {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ValidateChainConfig 校验单条链配置
func ValidateChainConfig(cfg models.ChainConfig) error {
	bad := func(field string, v float64) error {
		return fmt.Errorf("%w: chain %q %s=%v", ErrInvalidChainConfig, cfg.ChainID, field, v)
	}
	finite := func(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }

	switch {
	case !finite(cfg.BaseMultiplier) || cfg.BaseMultiplier <= 0:
		return bad("base_multiplier", cfg.BaseMultiplier)
	case !finite(cfg.ScoreMultiplier) || cfg.ScoreMultiplier < 0:
		return bad("score_multiplier", cfg.ScoreMultiplier)
	case !finite(cfg.VolatilityMultiplier) || cfg.VolatilityMultiplier <= 0 || cfg.VolatilityMultiplier > 1:
		return bad("volatility_multiplier", cfg.VolatilityMultiplier)
	case !finite(cfg.MinHealthFactor) || cfg.MinHealthFactor <= 0:
		return bad("min_health_factor", cfg.MinHealthFactor)
	case !finite(cfg.LiquidationPenalty) || cfg.LiquidationPenalty < 0 || cfg.LiquidationPenalty >= 100:
		return bad("liquidation_penalty", cfg.LiquidationPenalty)
	case cfg.GracePeriodSeconds < 0:
		return bad("grace_period_seconds", float64(cfg.GracePeriodSeconds))
	}
	return nil
}
