package risk

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/life2you_mini/creditvault/internal/ltv"
	"github.com/life2you_mini/creditvault/internal/models"
	"github.com/life2you_mini/creditvault/internal/scoring"
)

// ErrInvalidWeights 风险权重非法
var ErrInvalidWeights = errors.New("risk: weights must be non-negative and sum to 1.0")

// Weights 综合风险分的四个组成部分权重
type Weights struct {
	LTV          float64 `mapstructure:"ltv"`
	HealthFactor float64 `mapstructure:"health_factor"`
	Reputation   float64 `mapstructure:"reputation"`
	Volatility   float64 `mapstructure:"volatility"`
}

// DefaultWeights 默认 40/30/20/10
var DefaultWeights = Weights{
	LTV:          0.4,
	HealthFactor: 0.3,
	Reputation:   0.2,
	Volatility:   0.1,
}

// Validate 校验权重
func (w Weights) Validate() error {
	sum := 0.0
	for _, p := range []float64{w.LTV, w.HealthFactor, w.Reputation, w.Volatility} {
		if p < 0 || math.IsNaN(p) || math.IsInf(p, 0) {
			return ErrInvalidWeights
		}
		sum += p
	}
	if math.Abs(sum-1) > 1e-9 {
		return fmt.Errorf("%w: sum=%.6f", ErrInvalidWeights, sum)
	}
	return nil
}

// Config 风险指标计算配置
type Config struct {
	Weights           Weights `mapstructure:"weights"`
	HistoryWindow     int     `mapstructure:"history_window"`      // 波动率使用的LTV样本数
	LTVWarningRatio   float64 `mapstructure:"ltv_warning_ratio"`   // LTV达到最大LTV的该比例时告警
	HealthFactorAlarm float64 `mapstructure:"health_factor_alarm"` // 健康因子低于该值时告警
	ReputationFloor   float64 `mapstructure:"reputation_floor"`    // 声誉低于该值时告警
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		Weights:           DefaultWeights,
		HistoryWindow:     10,
		LTVWarningRatio:   0.9,
		HealthFactorAlarm: 1.2,
		ReputationFloor:   50,
	}
}

// Calculator 风险指标计算器，无状态，可并发使用
type Calculator struct {
	cfg Config
	now func() time.Time
}

// NewCalculator 创建风险指标计算器
func NewCalculator(cfg Config) (*Calculator, error) {
	if err := cfg.Weights.Validate(); err != nil {
		return nil, err
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = DefaultConfig().HistoryWindow
	}
	if cfg.LTVWarningRatio <= 0 {
		cfg.LTVWarningRatio = DefaultConfig().LTVWarningRatio
	}
	if cfg.HealthFactorAlarm <= 0 {
		cfg.HealthFactorAlarm = DefaultConfig().HealthFactorAlarm
	}
	if cfg.ReputationFloor <= 0 {
		cfg.ReputationFloor = DefaultConfig().ReputationFloor
	}
	return &Calculator{cfg: cfg, now: time.Now}, nil
}

// MaxLTV 按动态路径计算金库的最大LTV
func (c *Calculator) MaxLTV(vault *models.Vault, score models.ReputationScore, chain models.ChainConfig, volatility float64) float64 {
	tier := scoring.TierFor(score.Overall)
	return ltv.DynamicMaxLTV(tier, score, chain, vault.Collateral.ValueUSD, volatility)
}

// Evaluate 对金库进行一次完整的风险评估
// ltvHistory 与 hfHistory 为历史样本（不含本次），结果中会追加本次样本
func (c *Calculator) Evaluate(
	vault *models.Vault,
	score models.ReputationScore,
	chain models.ChainConfig,
	volatility float64,
	ltvHistory []float64,
	hfHistory []models.HealthFactor,
) models.RiskMetrics {
	maxLTV := c.MaxLTV(vault, score, chain, volatility)
	currentLTV := CalculateLTV(vault)
	hf := CalculateHealthFactor(vault, maxLTV)

	samples := append(append([]float64{}, ltvHistory...), currentLTV)
	riskScore := CalculateRiskScore(currentLTV, maxLTV, hf, score.Overall, samples, c.cfg.Weights, c.cfg.HistoryWindow)
	level := EvaluateRiskLevel(currentLTV, hf, riskScore)

	hfSamples := append(append([]models.HealthFactor{}, hfHistory...), models.HealthFactor(hf))

	warnings, recommendations := c.advise(vault, score, currentLTV, maxLTV, hf, level)

	return models.RiskMetrics{
		VaultID:             vault.ID,
		CurrentLTV:          currentLTV,
		MaxLTV:              maxLTV,
		CurrentHealthFactor: models.HealthFactor(hf),
		RiskScore:           riskScore,
		RiskLevel:           level,
		LTVHistory:          samples,
		HealthFactorHistory: hfSamples,
		Warnings:            warnings,
		Recommendations:     recommendations,
		Timestamp:           c.now(),
	}
}

// advise 各项检查相互独立，结果叠加
func (c *Calculator) advise(
	vault *models.Vault,
	score models.ReputationScore,
	currentLTV, maxLTV, hf float64,
	level models.RiskLevel,
) (warnings, recommendations []string) {
	warnings = []string{}
	recommendations = []string{}

	if maxLTV > 0 && currentLTV >= maxLTV*c.cfg.LTVWarningRatio {
		warnings = append(warnings, fmt.Sprintf("LTV %.2f%% 已接近最大LTV %.2f%%", currentLTV, maxLTV))
		recommendations = append(recommendations, "增加抵押品或偿还部分债务以降低LTV")
	}
	if hf <= c.cfg.HealthFactorAlarm {
		warnings = append(warnings, fmt.Sprintf("健康因子 %.2f 低于 %.2f", hf, c.cfg.HealthFactorAlarm))
		recommendations = append(recommendations, "偿还债务以提高健康因子")
	}
	if score.Overall < c.cfg.ReputationFloor {
		warnings = append(warnings, fmt.Sprintf("声誉评分 %.0f 低于 %.0f", score.Overall, c.cfg.ReputationFloor))
		recommendations = append(recommendations, "完成身份验证以提升声誉评分和借贷额度")
	}
	if level == models.RiskLevelCritical {
		warnings = append(warnings, "金库存在清算风险")
	}
	if level.Rank() >= models.RiskLevelHigh.Rank() && !vault.LiquidationProtection.Enabled {
		recommendations = append(recommendations, "启用清算保护")
	}
	return warnings, recommendations
}
