package risk

import (
	"math"

	"github.com/life2you_mini/creditvault/internal/models"
)

// CalculateLTV 计算当前LTV (%)
// 无债务为0；抵押品价值为0但有债务时视为100%
func CalculateLTV(vault *models.Vault) float64 {
	debt := nonNegative(vault.Debt.ValueUSD)
	collateral := nonNegative(vault.Collateral.ValueUSD)
	if debt == 0 {
		return 0
	}
	if collateral == 0 {
		return 100
	}
	ltv := debt / collateral * 100
	if math.IsNaN(ltv) || math.IsInf(ltv, 0) {
		return 100
	}
	return ltv
}

// CalculateHealthFactor 计算健康因子
// 无债务返回 +Inf；债务达到最大可借额度返回0；否则为抵押品价值/债务价值
func CalculateHealthFactor(vault *models.Vault, maxLTV float64) float64 {
	debt := nonNegative(vault.Debt.ValueUSD)
	collateral := nonNegative(vault.Collateral.ValueUSD)
	if debt == 0 {
		return math.Inf(1)
	}
	maxDebt := collateral * nonNegative(maxLTV) / 100
	if debt >= maxDebt {
		return 0
	}
	return collateral / debt
}

// CalculateRiskScore 计算0-100的综合风险分
func CalculateRiskScore(ltv, maxLTV, healthFactor, overallScore float64, ltvHistory []float64, w Weights, window int) float64 {
	ltvRisk := 100.0
	if maxLTV > 0 {
		ltvRisk = math.Min(100, nonNegative(ltv)/maxLTV*100)
	}

	hfRisk := 100.0
	if !math.IsNaN(healthFactor) {
		hfRisk = math.Max(0, 100-healthFactor*50)
	}

	reputationRisk := math.Max(0, 100-clampScore(overallScore))

	volatilityRisk := math.Min(100, LTVVariance(ltvHistory, window)*100)

	score := w.LTV*ltvRisk + w.HealthFactor*hfRisk + w.Reputation*reputationRisk + w.Volatility*volatilityRisk
	return clampScore(score)
}

// LTVVariance 最近 window 个LTV样本(百分比)的总体方差
// 少于2个样本时返回0
func LTVVariance(history []float64, window int) float64 {
	if window > 0 && len(history) > window {
		history = history[len(history)-window:]
	}
	samples := make([]float64, 0, len(history))
	for _, v := range history {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		samples = append(samples, v)
	}
	if len(samples) < 2 {
		return 0
	}

	mean := 0.0
	for _, v := range samples {
		mean += v
	}
	mean /= float64(len(samples))

	variance := 0.0
	for _, v := range samples {
		variance += (v - mean) * (v - mean)
	}
	return variance / float64(len(samples))
}

// EvaluateRiskLevel 评估风险等级，按 CRITICAL -> HIGH -> MEDIUM -> LOW 顺序，首个命中即返回
func EvaluateRiskLevel(ltv, healthFactor, riskScore float64) models.RiskLevel {
	switch {
	case healthFactor <= 1.0 || ltv >= 95 || riskScore >= 80:
		return models.RiskLevelCritical
	case healthFactor <= 1.2 || ltv >= 85 || riskScore >= 60:
		return models.RiskLevelHigh
	case healthFactor <= 1.5 || ltv >= 75 || riskScore >= 40:
		return models.RiskLevelMedium
	default:
		return models.RiskLevelLow
	}
}

func nonNegative(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	return v
}

func clampScore(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(100, v))
}
