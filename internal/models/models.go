package models

import (
	"encoding/json"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// VaultStatus 金库状态
type VaultStatus string

const (
	VaultStatusActive     VaultStatus = "ACTIVE"
	VaultStatusLiquidated VaultStatus = "LIQUIDATED"
	VaultStatusClosed     VaultStatus = "CLOSED"
	VaultStatusSuspended  VaultStatus = "SUSPENDED"
)

// IsTerminal 清算和关闭为终态
func (s VaultStatus) IsTerminal() bool {
	return s == VaultStatusLiquidated || s == VaultStatusClosed
}

// HealthFactor 健康因子，无债务时为 +Inf
// JSON 无法表示无穷大，序列化时使用字符串 "inf"
type HealthFactor float64

// Infinite 返回无债务时的健康因子
func Infinite() HealthFactor {
	return HealthFactor(math.Inf(1))
}

// IsInf 是否为无穷大
func (h HealthFactor) IsInf() bool {
	return math.IsInf(float64(h), 1)
}

// MarshalJSON 实现 json.Marshaler
func (h HealthFactor) MarshalJSON() ([]byte, error) {
	if h.IsInf() {
		return []byte(`"inf"`), nil
	}
	return json.Marshal(float64(h))
}

// UnmarshalJSON 实现 json.Unmarshaler
func (h *HealthFactor) UnmarshalJSON(data []byte) error {
	if strings.Trim(string(data), `"`) == "inf" {
		*h = Infinite()
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*h = HealthFactor(v)
	return nil
}

// Asset 抵押品或债务头寸
type Asset struct {
	Token       string          `json:"token"`        // 代币符号
	Amount      decimal.Decimal `json:"amount"`       // 代币数量
	ValueUSD    float64         `json:"value_usd"`    // 美元价值
	LastUpdated time.Time       `json:"last_updated"` // 最后估值时间
}

// Revalue 按价格源重新计算美元价值，价格缺失时保持原值
func (a *Asset) Revalue(prices map[string]float64, now time.Time) bool {
	price, ok := prices[a.Token]
	if !ok || price <= 0 || math.IsNaN(price) || math.IsInf(price, 0) {
		return false
	}
	value, _ := a.Amount.Mul(decimal.NewFromFloat(price)).Round(2).Float64()
	if value < 0 {
		value = 0
	}
	a.ValueUSD = value
	a.LastUpdated = now
	return true
}

// LiquidationProtection 清算保护设置
type LiquidationProtection struct {
	Enabled         bool       `json:"enabled"`
	ThresholdLTV    float64    `json:"threshold_ltv"`            // 触发保护的LTV (%)
	CooldownSeconds int64      `json:"cooldown_seconds"`         // 冷却时间(秒)
	LastTriggered   *time.Time `json:"last_triggered,omitempty"` // 上次触发时间
}

// Vault 信用金库
type Vault struct {
	ID                    string                `json:"id"`
	OwnerID               string                `json:"owner_id"`
	ChainID               string                `json:"chain_id"`
	Status                VaultStatus           `json:"status"`
	Collateral            Asset                 `json:"collateral"`
	Debt                  Asset                 `json:"debt"`
	LTV                   float64               `json:"ltv"`           // 当前LTV (%)
	HealthFactor          HealthFactor          `json:"health_factor"` // 健康因子
	MaxLTV                float64               `json:"max_ltv"`       // 只能由LTV计算器写入
	LiquidationProtection LiquidationProtection `json:"liquidation_protection"`
	CreatedAt             time.Time             `json:"created_at"`
	UpdatedAt             time.Time             `json:"updated_at"`
	LastRiskCheck         time.Time             `json:"last_risk_check"`
}

// Clone 返回深拷贝
func (v *Vault) Clone() *Vault {
	if v == nil {
		return nil
	}
	c := *v
	if v.LiquidationProtection.LastTriggered != nil {
		t := *v.LiquidationProtection.LastTriggered
		c.LiquidationProtection.LastTriggered = &t
	}
	return &c
}

// ReputationScore 声誉评分，所有字段位于 [0,100]
type ReputationScore struct {
	Overall      float64   `json:"overall"`
	Provenance   float64   `json:"provenance"`
	Performance  float64   `json:"performance"`
	Perception   float64   `json:"perception"`
	Verification float64   `json:"verification"`
	Confidence   float64   `json:"confidence"`
	LastUpdated  time.Time `json:"last_updated"`
}

// Agent 借款实体
type Agent struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Score ReputationScore `json:"score"`
	Tier  string          `json:"tier"`
}

// ChainConfig 链配置，启动时加载后不可变
type ChainConfig struct {
	ChainID              string  `mapstructure:"chain_id" json:"chain_id" yaml:"chain_id"`
	BaseMultiplier       float64 `mapstructure:"base_multiplier" json:"base_multiplier" yaml:"base_multiplier"`
	ScoreMultiplier      float64 `mapstructure:"score_multiplier" json:"score_multiplier" yaml:"score_multiplier"`
	VolatilityMultiplier float64 `mapstructure:"volatility_multiplier" json:"volatility_multiplier" yaml:"volatility_multiplier"`
	MinHealthFactor      float64 `mapstructure:"min_health_factor" json:"min_health_factor" yaml:"min_health_factor"`
	LiquidationPenalty   float64 `mapstructure:"liquidation_penalty" json:"liquidation_penalty" yaml:"liquidation_penalty"` // (%)
	GracePeriodSeconds   int64   `mapstructure:"grace_period_seconds" json:"grace_period_seconds" yaml:"grace_period_seconds"`
}
