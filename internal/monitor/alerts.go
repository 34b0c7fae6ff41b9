package monitor

import (
	"fmt"

	"github.com/life2you_mini/creditvault/internal/models"
)

type alertCandidate struct {
	dimension models.AlertDimension
	severity  models.AlertSeverity
	message   string
}

// evaluateAlerts 三个维度相互独立，每个维度只取突破的最高级别
func evaluateAlerts(t AlertThresholds, m models.RiskMetrics) []alertCandidate {
	out := make([]alertCandidate, 0, 3)

	if sev, limit, ok := ltvSeverity(t, m.CurrentLTV); ok {
		out = append(out, alertCandidate{
			dimension: models.DimensionLTV,
			severity:  sev,
			message:   fmt.Sprintf("LTV %.2f%% 达到%s阈值 %.2f%%", m.CurrentLTV, severityLabel(sev), limit),
		})
	}

	hf := float64(m.CurrentHealthFactor)
	if sev, limit, ok := healthFactorSeverity(t, hf); ok {
		out = append(out, alertCandidate{
			dimension: models.DimensionHealthFactor,
			severity:  sev,
			message:   fmt.Sprintf("健康因子 %.2f 低于%s阈值 %.2f", hf, severityLabel(sev), limit),
		})
	}

	switch m.RiskLevel {
	case models.RiskLevelCritical:
		out = append(out, alertCandidate{
			dimension: models.DimensionRiskLevel,
			severity:  models.SeverityCritical,
			message:   fmt.Sprintf("风险等级为 CRITICAL，风险分 %.2f", m.RiskScore),
		})
	case models.RiskLevelHigh:
		out = append(out, alertCandidate{
			dimension: models.DimensionRiskLevel,
			severity:  models.SeverityAlert,
			message:   fmt.Sprintf("风险等级为 HIGH，风险分 %.2f", m.RiskScore),
		})
	}
	return out
}

func ltvSeverity(t AlertThresholds, ltv float64) (models.AlertSeverity, float64, bool) {
	switch {
	case ltv >= t.LTVCritical:
		return models.SeverityCritical, t.LTVCritical, true
	case ltv >= t.LTVAlert:
		return models.SeverityAlert, t.LTVAlert, true
	case ltv >= t.LTVWarning:
		return models.SeverityWarning, t.LTVWarning, true
	}
	return "", 0, false
}

func healthFactorSeverity(t AlertThresholds, hf float64) (models.AlertSeverity, float64, bool) {
	switch {
	case hf <= t.HealthFactorCritical:
		return models.SeverityCritical, t.HealthFactorCritical, true
	case hf <= t.HealthFactorAlert:
		return models.SeverityAlert, t.HealthFactorAlert, true
	case hf <= t.HealthFactorWarning:
		return models.SeverityWarning, t.HealthFactorWarning, true
	}
	return "", 0, false
}

func severityLabel(s models.AlertSeverity) string {
	switch s {
	case models.SeverityCritical:
		return "严重"
	case models.SeverityAlert:
		return "告警"
	default:
		return "预警"
	}
}
