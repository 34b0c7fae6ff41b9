package services

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/life2you_mini/creditvault/internal/models"
	"github.com/life2you_mini/creditvault/internal/protection"
	"github.com/life2you_mini/creditvault/internal/redis"
)

// ActionRequest 交给外部执行方的动作请求
type ActionRequest struct {
	Action      models.ActionType  `json:"action"`
	VaultID     string             `json:"vault_id"`
	OwnerID     string             `json:"owner_id"`
	ChainID     string             `json:"chain_id"`
	LTV         float64            `json:"ltv"`
	DebtUSD     float64            `json:"debt_usd"`
	Parameters  map[string]float64 `json:"parameters,omitempty"`
	RequestedAt time.Time          `json:"requested_at"`
}

// Pusher 推送任务
type Pusher interface {
	PushTask(ctx context.Context, queue string, task interface{}) error
}

// QueueActionExecutor 把保护动作写入通知队列，由外部执行方消费
// 本服务不签名也不提交链上交易
type QueueActionExecutor struct {
	queue  Pusher
	logger *zap.Logger
	now    func() time.Time
}

// NewQueueActionExecutor 创建动作执行方
func NewQueueActionExecutor(queue Pusher, logger *zap.Logger) *QueueActionExecutor {
	return &QueueActionExecutor{
		queue:  queue,
		logger: logger.With(zap.String("component", "action_executor")),
		now:    time.Now,
	}
}

var _ protection.ActionExecutor = (*QueueActionExecutor)(nil)

// Notify 通知金库所有者
func (e *QueueActionExecutor) Notify(ctx context.Context, vault *models.Vault, params map[string]float64) error {
	return e.push(ctx, models.ActionNotify, vault, params)
}

// AutoRepay 请求自动还款
func (e *QueueActionExecutor) AutoRepay(ctx context.Context, vault *models.Vault, params map[string]float64) error {
	return e.push(ctx, models.ActionAutoRepay, vault, params)
}

// IncreaseCollateral 请求追加抵押品
func (e *QueueActionExecutor) IncreaseCollateral(ctx context.Context, vault *models.Vault, params map[string]float64) error {
	return e.push(ctx, models.ActionCollateralIncrease, vault, params)
}

// ReduceDebt 请求减少债务
func (e *QueueActionExecutor) ReduceDebt(ctx context.Context, vault *models.Vault, params map[string]float64) error {
	if pct, ok := params["percentage"]; ok && (pct <= 0 || pct > 100) {
		return fmt.Errorf("减债比例非法: %v", pct)
	}
	return e.push(ctx, models.ActionDebtReduction, vault, params)
}

func (e *QueueActionExecutor) push(ctx context.Context, action models.ActionType, vault *models.Vault, params map[string]float64) error {
	req := ActionRequest{
		Action:      action,
		VaultID:     vault.ID,
		OwnerID:     vault.OwnerID,
		ChainID:     vault.ChainID,
		LTV:         vault.LTV,
		DebtUSD:     vault.Debt.ValueUSD,
		Parameters:  params,
		RequestedAt: e.now(),
	}
	if err := e.queue.PushTask(ctx, redis.QueueNotifications, req); err != nil {
		return fmt.Errorf("推送%s请求失败: %w", action, err)
	}
	e.logger.Info("已提交保护动作",
		zap.String("action", action.String()),
		zap.String("vault_id", vault.ID),
		zap.Float64("ltv", vault.LTV))
	return nil
}
