// Package vault 管理金库和借款实体的生命周期，数据存储在 Redis 中。
package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/life2you_mini/creditvault/internal/ltv"
	"github.com/life2you_mini/creditvault/internal/models"
	"github.com/life2you_mini/creditvault/internal/monitor"
	"github.com/life2you_mini/creditvault/internal/risk"
	"github.com/life2you_mini/creditvault/internal/scoring"
)

var (
	ErrVaultNotFound     = errors.New("vault: not found")
	ErrAgentNotFound     = errors.New("vault: agent not found")
	ErrVaultFinal        = errors.New("vault: vault is closed or liquidated")
	ErrExceedsMaxLTV     = errors.New("vault: borrowing would exceed max ltv")
	ErrInvalidTransition = errors.New("vault: invalid status transition")
	ErrInvalidAmount     = errors.New("vault: invalid asset amount")
	ErrNoScorer          = errors.New("vault: score calculator not configured")
)

const maxTxRetries = 5

// CreateRequest 开户请求
type CreateRequest struct {
	OwnerID    string
	ChainID    string
	Collateral models.Asset
	Protection models.LiquidationProtection
	Condition  ltv.MarketCondition
}

// SubScores 借款实体的四个子评分
type SubScores struct {
	Provenance   float64 `json:"provenance"`
	Performance  float64 `json:"performance"`
	Perception   float64 `json:"perception"`
	Verification float64 `json:"verification"`
}

// Scorer 由子评分计算声誉评分
type Scorer interface {
	ComputeScore(provenance, performance, perception, verification float64) models.ReputationScore
}

// Manager 负责管理金库
type Manager struct {
	logger      *zap.Logger
	redisClient *redis.Client
	keyPrefix   string
	chains      ltv.ChainTable
	volatility  func(chainID string) float64
	scorer      Scorer
	now         func() time.Time
}

// NewManager 创建新的金库管理器
func NewManager(logger *zap.Logger, redisClient *redis.Client, keyPrefix string, chains ltv.ChainTable) *Manager {
	return &Manager{
		logger:      logger.With(zap.String("component", "vault_manager")),
		redisClient: redisClient,
		keyPrefix:   keyPrefix,
		chains:      chains,
		volatility:  func(string) float64 { return monitor.DefaultVolatility },
		now:         time.Now,
	}
}

// SetVolatilitySource 设置重算最大LTV时使用的波动率来源
func (m *Manager) SetVolatilitySource(fn func(chainID string) float64) {
	if fn != nil {
		m.volatility = fn
	}
}

// SetScorer 设置评分计算器
func (m *Manager) SetScorer(s Scorer) {
	m.scorer = s
}

// ScoreAgent 按子评分重新计算借款实体的评分并保存，实体不存在时创建
// 已有金库的最大LTV在下一次重算时生效
func (m *Manager) ScoreAgent(ctx context.Context, agentID, name string, sub SubScores) (*models.Agent, error) {
	if m.scorer == nil {
		return nil, ErrNoScorer
	}

	agent := models.Agent{ID: agentID, Name: name}
	existing, err := m.GetAgent(ctx, agentID)
	switch {
	case err == nil:
		agent = *existing
		if name != "" {
			agent.Name = name
		}
	case !errors.Is(err, ErrAgentNotFound):
		return nil, err
	}

	agent.Score = m.scorer.ComputeScore(sub.Provenance, sub.Performance, sub.Perception, sub.Verification)
	if err := m.PutAgent(ctx, agent); err != nil {
		return nil, err
	}

	m.logger.Info("借款实体评分已更新",
		zap.String("agent_id", agentID),
		zap.Float64("overall", agent.Score.Overall),
		zap.Float64("confidence", agent.Score.Confidence))
	return m.GetAgent(ctx, agentID)
}

// PutAgent 保存借款实体，等级由评分推导
func (m *Manager) PutAgent(ctx context.Context, agent models.Agent) error {
	if agent.ID == "" {
		return fmt.Errorf("借款实体缺少id")
	}
	agent.Score.Overall = scoring.Clamp(agent.Score.Overall)
	agent.Tier = scoring.TierFor(agent.Score.Overall).String()

	data, err := json.Marshal(agent)
	if err != nil {
		return fmt.Errorf("序列化借款实体失败: %w", err)
	}
	return m.redisClient.Set(ctx, m.agentKey(agent.ID), data, 0).Err()
}

// GetAgent 获取借款实体
func (m *Manager) GetAgent(ctx context.Context, agentID string) (*models.Agent, error) {
	data, err := m.redisClient.Get(ctx, m.agentKey(agentID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	if err != nil {
		return nil, err
	}
	var agent models.Agent
	if err := json.Unmarshal(data, &agent); err != nil {
		return nil, fmt.Errorf("解析借款实体失败: %w", err)
	}
	return &agent, nil
}

// CreateVault 创建金库，最大LTV使用开户时的静态算法
func (m *Manager) CreateVault(ctx context.Context, req CreateRequest) (*models.Vault, error) {
	agent, err := m.GetAgent(ctx, req.OwnerID)
	if err != nil {
		return nil, err
	}
	chain, err := m.chains.Lookup(req.ChainID)
	if err != nil {
		return nil, err
	}
	if err := validateAsset(req.Collateral); err != nil {
		return nil, err
	}

	now := m.now()
	tier := scoring.TierFor(agent.Score.Overall)
	collateral := req.Collateral
	collateral.LastUpdated = now

	v := &models.Vault{
		ID:                    uuid.NewString(),
		OwnerID:               agent.ID,
		ChainID:               chain.ChainID,
		Status:                models.VaultStatusActive,
		Collateral:            collateral,
		Debt:                  models.Asset{LastUpdated: now},
		HealthFactor:          models.Infinite(),
		MaxLTV:                ltv.StaticMaxLTV(tier, agent.Score, chain, collateral.ValueUSD, req.Condition),
		LiquidationProtection: req.Protection,
		CreatedAt:             now,
		UpdatedAt:             now,
	}

	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("序列化金库失败: %w", err)
	}

	pipe := m.redisClient.TxPipeline()
	pipe.Set(ctx, m.vaultKey(v.ID), data, 0)
	pipe.SAdd(ctx, m.activeKey(), v.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("保存金库失败: %w", err)
	}

	m.logger.Info("创建金库",
		zap.String("vault_id", v.ID),
		zap.String("owner_id", v.OwnerID),
		zap.String("chain_id", v.ChainID),
		zap.String("tier", tier.String()),
		zap.Float64("max_ltv", v.MaxLTV))
	return v, nil
}

// GetVault 获取金库
func (m *Manager) GetVault(ctx context.Context, vaultID string) (*models.Vault, error) {
	return m.load(ctx, m.redisClient, vaultID)
}

// UpdateCollateral 更新抵押品并重算风险字段
func (m *Manager) UpdateCollateral(ctx context.Context, vaultID string, collateral models.Asset) (*models.Vault, error) {
	if err := validateAsset(collateral); err != nil {
		return nil, err
	}
	return m.update(ctx, vaultID, true, func(v *models.Vault, score models.ReputationScore) error {
		if v.Status.IsTerminal() {
			return ErrVaultFinal
		}
		collateral.LastUpdated = m.now()
		v.Collateral = collateral
		return m.recompute(v, score)
	})
}

// UpdateDebt 更新债务，新增借款后LTV不得超过最大LTV
func (m *Manager) UpdateDebt(ctx context.Context, vaultID string, debt models.Asset) (*models.Vault, error) {
	if err := validateAsset(debt); err != nil {
		return nil, err
	}
	return m.update(ctx, vaultID, true, func(v *models.Vault, score models.ReputationScore) error {
		if v.Status.IsTerminal() {
			return ErrVaultFinal
		}
		borrowing := debt.ValueUSD > v.Debt.ValueUSD
		if borrowing && v.Status != models.VaultStatusActive {
			return fmt.Errorf("%w: vault is %s", ErrInvalidTransition, v.Status)
		}

		debt.LastUpdated = m.now()
		v.Debt = debt
		if err := m.recompute(v, score); err != nil {
			return err
		}
		if borrowing && v.LTV > v.MaxLTV {
			return fmt.Errorf("%w: ltv %.2f > max %.2f", ErrExceedsMaxLTV, v.LTV, v.MaxLTV)
		}
		return nil
	})
}

// SetStatus 管理状态变更，清算和关闭为终态
func (m *Manager) SetStatus(ctx context.Context, vaultID string, status models.VaultStatus) (*models.Vault, error) {
	switch status {
	case models.VaultStatusActive, models.VaultStatusSuspended, models.VaultStatusClosed, models.VaultStatusLiquidated:
	default:
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, status)
	}

	v, err := m.update(ctx, vaultID, true, func(v *models.Vault, _ models.ReputationScore) error {
		if v.Status.IsTerminal() {
			return ErrVaultFinal
		}
		if status == models.VaultStatusClosed && v.Debt.ValueUSD > 0 {
			return fmt.Errorf("%w: outstanding debt %.2f", ErrInvalidTransition, v.Debt.ValueUSD)
		}
		v.Status = status
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info("金库状态变更", zap.String("vault_id", vaultID), zap.String("status", string(status)))
	return v, nil
}

// RecordRiskCheck 回写最近一次风险评估的结果
func (m *Manager) RecordRiskCheck(ctx context.Context, metrics models.RiskMetrics) error {
	_, err := m.update(ctx, metrics.VaultID, false, func(v *models.Vault, _ models.ReputationScore) error {
		v.LTV = metrics.CurrentLTV
		v.HealthFactor = metrics.CurrentHealthFactor
		v.MaxLTV = metrics.MaxLTV
		v.LastRiskCheck = metrics.Timestamp
		return nil
	})
	return err
}

// MarkProtectionTriggered 记录清算保护的触发时间
func (m *Manager) MarkProtectionTriggered(ctx context.Context, vaultID string, at time.Time) error {
	_, err := m.update(ctx, vaultID, false, func(v *models.Vault, _ models.ReputationScore) error {
		t := at
		v.LiquidationProtection.LastTriggered = &t
		return nil
	})
	return err
}

// Revalue 按链的价格源重估该链上所有活跃金库
func (m *Manager) Revalue(ctx context.Context, chainID string, prices map[string]float64) (int, error) {
	ids, err := m.redisClient.SMembers(ctx, m.activeKey()).Result()
	if err != nil {
		return 0, err
	}

	updated := 0
	for _, id := range ids {
		_, err := m.update(ctx, id, true, func(v *models.Vault, score models.ReputationScore) error {
			if v.ChainID != chainID {
				return errSkip
			}
			now := m.now()
			c := v.Collateral.Revalue(prices, now)
			d := v.Debt.Revalue(prices, now)
			if !c && !d {
				return errSkip
			}
			return m.recompute(v, score)
		})
		switch {
		case errors.Is(err, errSkip):
		case err != nil:
			m.logger.Warn("重估金库失败", zap.String("vault_id", id), zap.Error(err))
		default:
			updated++
		}
	}
	return updated, nil
}

// ActiveVaults 所有未终结的金库及其所有者评分
func (m *Manager) ActiveVaults(ctx context.Context) ([]monitor.MonitoredVault, error) {
	ids, err := m.redisClient.SMembers(ctx, m.activeKey()).Result()
	if err != nil {
		return nil, err
	}

	out := make([]monitor.MonitoredVault, 0, len(ids))
	for _, id := range ids {
		v, err := m.load(ctx, m.redisClient, id)
		if err != nil {
			m.logger.Warn("获取金库详情失败", zap.String("vault_id", id), zap.Error(err))
			continue
		}
		agent, err := m.GetAgent(ctx, v.OwnerID)
		if err != nil {
			m.logger.Warn("获取借款实体失败", zap.String("vault_id", id), zap.Error(err))
			continue
		}
		out = append(out, monitor.MonitoredVault{Vault: v, Score: agent.Score})
	}
	return out, nil
}

var errSkip = errors.New("skip")

// recompute 用动态算法重算最大LTV、LTV和健康因子
func (m *Manager) recompute(v *models.Vault, score models.ReputationScore) error {
	chain, err := m.chains.Lookup(v.ChainID)
	if err != nil {
		return err
	}
	v.MaxLTV = ltv.DynamicMaxLTV(scoring.TierFor(score.Overall), score, chain, v.Collateral.ValueUSD, m.volatility(v.ChainID))
	v.LTV = risk.CalculateLTV(v)
	v.HealthFactor = models.HealthFactor(risk.CalculateHealthFactor(v, v.MaxLTV))
	return nil
}

// update 使用 WATCH 乐观锁完成读-改-写，touch 为 false 时不更新 UpdatedAt
func (m *Manager) update(ctx context.Context, vaultID string, touch bool, fn func(v *models.Vault, score models.ReputationScore) error) (*models.Vault, error) {
	key := m.vaultKey(vaultID)
	var result *models.Vault

	txf := func(tx *redis.Tx) error {
		v, err := m.load(ctx, tx, vaultID)
		if err != nil {
			return err
		}
		agent, err := m.GetAgent(ctx, v.OwnerID)
		if err != nil {
			return err
		}
		if err := fn(v, agent.Score); err != nil {
			return err
		}
		if touch {
			v.UpdatedAt = m.now()
		}

		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("序列化金库失败: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			if v.Status.IsTerminal() {
				pipe.SRem(ctx, m.activeKey(), v.ID)
			}
			return nil
		})
		if err == nil {
			result = v
		}
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := m.redisClient.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return result, nil
	}
	return nil, fmt.Errorf("更新金库 %s 冲突次数过多", vaultID)
}

func (m *Manager) load(ctx context.Context, c redis.Cmdable, vaultID string) (*models.Vault, error) {
	data, err := c.Get(ctx, m.vaultKey(vaultID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrVaultNotFound, vaultID)
	}
	if err != nil {
		return nil, err
	}
	var v models.Vault
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("解析金库失败: %w", err)
	}
	return &v, nil
}

func validateAsset(a models.Asset) error {
	if a.Amount.IsNegative() || a.ValueUSD < 0 || math.IsNaN(a.ValueUSD) || math.IsInf(a.ValueUSD, 0) {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, a.Token)
	}
	return nil
}

func (m *Manager) vaultKey(id string) string {
	return fmt.Sprintf("%svault:%s", m.keyPrefix, id)
}

func (m *Manager) agentKey(id string) string {
	return fmt.Sprintf("%sagent:%s", m.keyPrefix, id)
}

func (m *Manager) activeKey() string {
	return fmt.Sprintf("%sactive_vaults", m.keyPrefix)
}
