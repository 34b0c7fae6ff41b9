package models

import (
	"time"
)

// RiskLevel 风险等级
type RiskLevel string

const (
	RiskLevelLow      RiskLevel = "LOW"
	RiskLevelMedium   RiskLevel = "MEDIUM"
	RiskLevelHigh     RiskLevel = "HIGH"
	RiskLevelCritical RiskLevel = "CRITICAL"
)

// Rank 返回等级序号，用于比较
func (l RiskLevel) Rank() int {
	switch l {
	case RiskLevelMedium:
		return 1
	case RiskLevelHigh:
		return 2
	case RiskLevelCritical:
		return 3
	default:
		return 0
	}
}

// RiskMetrics 单次风险评估快照，由调用方持有
type RiskMetrics struct {
	VaultID             string         `json:"vault_id"`
	CurrentLTV          float64        `json:"current_ltv"`
	MaxLTV              float64        `json:"max_ltv"`
	CurrentHealthFactor HealthFactor   `json:"current_health_factor"`
	RiskScore           float64        `json:"risk_score"` // 0-100
	RiskLevel           RiskLevel      `json:"risk_level"`
	LTVHistory          []float64      `json:"ltv_history"`
	HealthFactorHistory []HealthFactor `json:"health_factor_history"`
	Warnings            []string       `json:"warnings"`
	Recommendations     []string       `json:"recommendations"`
	Timestamp           time.Time      `json:"timestamp"`
}

// AlertSeverity 告警严重程度
type AlertSeverity string

const (
	SeverityWarning  AlertSeverity = "WARNING"
	SeverityAlert    AlertSeverity = "ALERT"
	SeverityCritical AlertSeverity = "CRITICAL"
)

// AlertDimension 告警维度，每个维度独立生成告警
type AlertDimension string

const (
	DimensionLTV          AlertDimension = "LTV"
	DimensionHealthFactor AlertDimension = "HEALTH_FACTOR"
	DimensionRiskLevel    AlertDimension = "RISK_LEVEL"
)

// Alert 风险告警
type Alert struct {
	ID             string         `json:"id"`
	VaultID        string         `json:"vault_id"`
	Dimension      AlertDimension `json:"dimension"`
	Severity       AlertSeverity  `json:"severity"`
	Message        string         `json:"message"`
	Timestamp      time.Time      `json:"timestamp"`
	Acknowledged   bool           `json:"acknowledged"`
	AcknowledgedBy string         `json:"acknowledged_by,omitempty"`
	AcknowledgedAt *time.Time     `json:"acknowledged_at,omitempty"`
}

// MarketData 单链市场数据快照
type MarketData struct {
	ChainID     string             `json:"chain_id"`
	Volatility  float64            `json:"volatility"`
	GasPrice    float64            `json:"gas_price"`
	BlockNumber uint64             `json:"block_number"`
	PriceFeeds  map[string]float64 `json:"price_feeds"` // 代币 -> 美元价格
	Timestamp   time.Time          `json:"timestamp"`
}

// MarketDataUpdate 市场数据的部分更新，nil 字段保持不变
type MarketDataUpdate struct {
	Volatility  *float64
	GasPrice    *float64
	BlockNumber *uint64
	PriceFeeds  map[string]float64 // 按代币合并
}
