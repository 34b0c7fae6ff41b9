package models

import (
	"fmt"
	"strings"
	"time"
)

// ActionType 保护动作类型，封闭枚举
type ActionType int

const (
	ActionNotify ActionType = iota + 1
	ActionAutoRepay
	ActionCollateralIncrease
	ActionDebtReduction
)

var actionNames = map[ActionType]string{
	ActionNotify:             "NOTIFY",
	ActionAutoRepay:          "AUTO_REPAY",
	ActionCollateralIncrease: "COLLATERAL_INCREASE",
	ActionDebtReduction:      "DEBT_REDUCTION",
}

func (a ActionType) String() string {
	if name, ok := actionNames[a]; ok {
		return name
	}
	return fmt.Sprintf("ActionType(%d)", int(a))
}

// ParseActionType 解析动作名称
func ParseActionType(s string) (ActionType, error) {
	name := strings.ToUpper(strings.TrimSpace(s))
	for a, n := range actionNames {
		if n == name {
			return a, nil
		}
	}
	return 0, fmt.Errorf("未知的保护动作类型: %q", s)
}

// MarshalText 实现 encoding.TextMarshaler，JSON 和 YAML 共用
func (a ActionType) MarshalText() ([]byte, error) {
	if _, ok := actionNames[a]; !ok {
		return nil, fmt.Errorf("未知的保护动作类型: %d", int(a))
	}
	return []byte(a.String()), nil
}

// UnmarshalText 实现 encoding.TextUnmarshaler
func (a *ActionType) UnmarshalText(text []byte) error {
	parsed, err := ParseActionType(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// RuleConditions 规则条件，任意一个阈值被突破即满足
type RuleConditions struct {
	LTVThreshold          *float64 `json:"ltv_threshold,omitempty" yaml:"ltv_threshold,omitempty"`
	HealthFactorThreshold *float64 `json:"health_factor_threshold,omitempty" yaml:"health_factor_threshold,omitempty"`
	ScoreThreshold        *float64 `json:"score_threshold,omitempty" yaml:"score_threshold,omitempty"`
	TimeWindowSeconds     *int64   `json:"time_window_seconds,omitempty" yaml:"time_window_seconds,omitempty"` // 金库数据的最大陈旧时间
}

// RuleAction 单个保护动作
type RuleAction struct {
	Type       ActionType         `json:"type" yaml:"type"`
	Parameters map[string]float64 `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

// ProtectionRule 保护规则，引擎只读，仅更新 LastExecuted
type ProtectionRule struct {
	ID              string         `json:"id" yaml:"id"`
	VaultID         string         `json:"vault_id" yaml:"vault_id"`
	Name            string         `json:"name" yaml:"name"`
	Description     string         `json:"description,omitempty" yaml:"description,omitempty"`
	Conditions      RuleConditions `json:"conditions" yaml:"conditions"`
	Actions         []RuleAction   `json:"actions" yaml:"actions"`
	Enabled         bool           `json:"enabled" yaml:"enabled"`
	Priority        int            `json:"priority" yaml:"priority"` // 越大越先执行
	CooldownSeconds int64          `json:"cooldown_seconds" yaml:"cooldown_seconds"`
	LastExecuted    *time.Time     `json:"last_executed,omitempty" yaml:"last_executed,omitempty"`
}

// ExecutionResult 规则执行结果，供审计记录
type ExecutionResult struct {
	ID              string       `json:"id"`
	RuleID          string       `json:"rule_id"`
	VaultID         string       `json:"vault_id"`
	Executed        bool         `json:"executed"`
	SkipReason      string       `json:"skip_reason,omitempty"`
	Message         string       `json:"message,omitempty"`
	ActionsExecuted []ActionType `json:"actions_executed,omitempty"`
	Timestamp       time.Time    `json:"timestamp"`
}
