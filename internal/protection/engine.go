// Package protection 实现清算保护规则引擎。
//
// 引擎本身不持有规则，规则由 RuleStore 或外部存储提供；引擎只负责判断
// 是否触发、按优先级执行动作，并在成功后更新规则的 LastExecuted。
package protection

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/life2you_mini/creditvault/internal/ltv"
	"github.com/life2you_mini/creditvault/internal/models"
	"github.com/life2you_mini/creditvault/internal/risk"
	"github.com/life2you_mini/creditvault/internal/scoring"
)

// 跳过原因
const (
	SkipCooldown      = "cooldown"
	SkipConditions    = "conditions not met"
	SkipStaleVault    = "stale vault data"
	SkipVaultInactive = "vault not active"
)

// ActionExecutor 保护动作的外部执行方
type ActionExecutor interface {
	Notify(ctx context.Context, vault *models.Vault, params map[string]float64) error
	AutoRepay(ctx context.Context, vault *models.Vault, params map[string]float64) error
	IncreaseCollateral(ctx context.Context, vault *models.Vault, params map[string]float64) error
	ReduceDebt(ctx context.Context, vault *models.Vault, params map[string]float64) error
}

// Engine 保护规则引擎
type Engine struct {
	chains   ltv.ChainTable
	executor ActionExecutor
	logger   *zap.Logger
	now      func() time.Time
}

// Option 引擎选项
type Option func(*Engine)

// WithClock 替换时间源，测试使用
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine 创建保护规则引擎
func NewEngine(chains ltv.ChainTable, executor ActionExecutor, logger *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		chains:   chains,
		executor: executor,
		logger:   logger.With(zap.String("component", "protection_engine")),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// position 单次评估使用的金库状态
type position struct {
	chain        models.ChainConfig
	ltv          float64
	healthFactor float64
}

func (e *Engine) assess(vault *models.Vault, score models.ReputationScore, volatility float64) (position, error) {
	chain, err := e.chains.Lookup(vault.ChainID)
	if err != nil {
		return position{}, err
	}
	maxLTV := ltv.DynamicMaxLTV(scoring.TierFor(score.Overall), score, chain, vault.Collateral.ValueUSD, volatility)
	return position{
		chain:        chain,
		ltv:          risk.CalculateLTV(vault),
		healthFactor: risk.CalculateHealthFactor(vault, maxLTV),
	}, nil
}

// ShouldTriggerProtection 判断金库是否需要触发清算保护
// 保护未开启或仍在冷却期时直接返回 false；未知链返回错误
func (e *Engine) ShouldTriggerProtection(vault *models.Vault, score models.ReputationScore, volatility float64) (bool, error) {
	lp := vault.LiquidationProtection
	if !lp.Enabled {
		return false, nil
	}
	if inCooldown(lp.LastTriggered, lp.CooldownSeconds, e.now()) {
		return false, nil
	}

	pos, err := e.assess(vault, score, volatility)
	if err != nil {
		return false, err
	}

	if lp.ThresholdLTV > 0 && pos.ltv >= lp.ThresholdLTV {
		return true, nil
	}
	return pos.healthFactor <= pos.chain.MinHealthFactor, nil
}

// ExecuteRules 按优先级执行金库的保护规则
// 单条规则失败只记录在结果中，不影响后续规则
func (e *Engine) ExecuteRules(
	ctx context.Context,
	vault *models.Vault,
	rules []*models.ProtectionRule,
	score models.ReputationScore,
	volatility float64,
) ([]models.ExecutionResult, error) {
	pos, err := e.assess(vault, score, volatility)
	if err != nil {
		return nil, fmt.Errorf("评估金库 %s 失败: %w", vault.ID, err)
	}

	ordered := make([]*models.ProtectionRule, 0, len(rules))
	for _, r := range rules {
		if r != nil && r.Enabled {
			ordered = append(ordered, r)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority > ordered[j].Priority
	})

	results := make([]models.ExecutionResult, 0, len(ordered))
	for _, rule := range ordered {
		if ctx.Err() != nil {
			return results, ctx.Err()
		}
		results = append(results, e.executeRule(ctx, vault, rule, score, pos))
	}
	return results, nil
}

func (e *Engine) executeRule(
	ctx context.Context,
	vault *models.Vault,
	rule *models.ProtectionRule,
	score models.ReputationScore,
	pos position,
) (result models.ExecutionResult) {
	now := e.now()
	result = models.ExecutionResult{
		ID:        uuid.NewString(),
		RuleID:    rule.ID,
		VaultID:   vault.ID,
		Timestamp: now,
	}
	logger := e.logger.With(zap.String("vault_id", vault.ID), zap.String("rule_id", rule.ID))

	defer func() {
		if r := recover(); r != nil {
			logger.Error("执行保护规则发生panic", zap.Any("panic", r))
			result.Executed = false
			result.Message = fmt.Sprintf("panic: %v", r)
		}
	}()

	if vault.Status != models.VaultStatusActive {
		result.SkipReason = SkipVaultInactive
		return result
	}
	if inCooldown(rule.LastExecuted, rule.CooldownSeconds, now) {
		result.SkipReason = SkipCooldown
		return result
	}
	if w := rule.Conditions.TimeWindowSeconds; w != nil && *w > 0 {
		if now.Sub(vault.UpdatedAt) > time.Duration(*w)*time.Second {
			result.SkipReason = SkipStaleVault
			return result
		}
	}
	if !conditionsMet(rule.Conditions, pos, score) {
		result.SkipReason = SkipConditions
		return result
	}

	for _, action := range rule.Actions {
		if err := e.dispatch(ctx, vault, action); err != nil {
			logger.Error("保护动作执行失败",
				zap.String("action", action.Type.String()),
				zap.Error(err))
			result.Message = fmt.Sprintf("%s: %v", action.Type, err)
			return result
		}
		result.ActionsExecuted = append(result.ActionsExecuted, action.Type)
	}

	executedAt := now
	rule.LastExecuted = &executedAt
	result.Executed = true
	result.Message = fmt.Sprintf("执行了 %d 个动作", len(result.ActionsExecuted))

	logger.Info("保护规则已执行",
		zap.String("rule", rule.Name),
		zap.Int("priority", rule.Priority),
		zap.Float64("ltv", pos.ltv),
		zap.Float64("health_factor", pos.healthFactor))
	return result
}

func (e *Engine) dispatch(ctx context.Context, vault *models.Vault, action models.RuleAction) error {
	switch action.Type {
	case models.ActionNotify:
		return e.executor.Notify(ctx, vault, action.Parameters)
	case models.ActionAutoRepay:
		return e.executor.AutoRepay(ctx, vault, action.Parameters)
	case models.ActionCollateralIncrease:
		return e.executor.IncreaseCollateral(ctx, vault, action.Parameters)
	case models.ActionDebtReduction:
		return e.executor.ReduceDebt(ctx, vault, action.Parameters)
	default:
		return fmt.Errorf("未知的保护动作类型: %s", action.Type)
	}
}

// conditionsMet 任意一个已配置的阈值被突破即满足
func conditionsMet(c models.RuleConditions, pos position, score models.ReputationScore) bool {
	if c.LTVThreshold != nil && pos.ltv >= *c.LTVThreshold {
		return true
	}
	if c.HealthFactorThreshold != nil && pos.healthFactor <= *c.HealthFactorThreshold {
		return true
	}
	if c.ScoreThreshold != nil && score.Overall < *c.ScoreThreshold {
		return true
	}
	return false
}

func inCooldown(last *time.Time, cooldownSeconds int64, now time.Time) bool {
	if last == nil || cooldownSeconds <= 0 {
		return false
	}
	return now.Sub(*last) < time.Duration(cooldownSeconds)*time.Second
}
