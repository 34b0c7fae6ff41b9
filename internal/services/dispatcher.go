package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/life2you_mini/creditvault/internal/models"
	"github.com/life2you_mini/creditvault/internal/monitor"
	"github.com/life2you_mini/creditvault/internal/redis"
)

// 分发结果
const (
	OutcomeQueued    = "queued"
	OutcomeThrottled = "throttled"
	OutcomeFailed    = "failed"
	OutcomeRetried   = "retried"
	OutcomeDropped   = "dropped"
)

// ProtectionRequest 队列中的保护请求
type ProtectionRequest struct {
	ID           string              `json:"id"`
	VaultID      string              `json:"vault_id"`
	ChainID      string              `json:"chain_id"`
	LTV          float64             `json:"ltv"`
	HealthFactor models.HealthFactor `json:"health_factor"`
	RiskLevel    models.RiskLevel    `json:"risk_level"`
	Attempt      int                 `json:"attempt"`
	RequestedAt  time.Time           `json:"requested_at"`
}

// TaskQueue 保护请求队列
type TaskQueue interface {
	PushTask(ctx context.Context, queue string, task interface{}) error
	PopTask(ctx context.Context, queue string, timeout time.Duration) ([]byte, error)
	PushDelayedTask(ctx context.Context, queue string, task interface{}, delay time.Duration) error
	MoveReadyTasks(ctx context.Context, queue string) (int, error)
}

// TriggerCounter 窗口内的触发计数
type TriggerCounter interface {
	IncrTriggerCount(ctx context.Context, vaultID string, window time.Duration) (int64, error)
}

// RequestMetrics 分发指标
type RequestMetrics interface {
	ProtectionRequest(outcome string)
}

// Dispatcher 监控报告需要保护时把请求放入队列
// 单个金库在 ProtectionCooldown 内最多分发 MaxProtectionTriggers 次
type Dispatcher struct {
	cfg     monitor.AutoProtection
	queue   TaskQueue
	counter TriggerCounter
	metrics RequestMetrics
	logger  *zap.Logger
	now     func() time.Time
}

// NewDispatcher 创建保护请求分发器，metrics 可以为空
func NewDispatcher(cfg monitor.AutoProtection, queue TaskQueue, counter TriggerCounter, metrics RequestMetrics, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		cfg:     cfg,
		queue:   queue,
		counter: counter,
		metrics: metrics,
		logger:  logger.With(zap.String("component", "protection_dispatcher")),
		now:     time.Now,
	}
}

var _ monitor.Observer = (*Dispatcher)(nil)

// OnResult 实现 monitor.Observer
func (d *Dispatcher) OnResult(ctx context.Context, vault *models.Vault, _ models.ReputationScore, result *monitor.MonitorResult) error {
	if !d.cfg.Enabled || result == nil || !result.ProtectionTriggered {
		return nil
	}

	n, err := d.counter.IncrTriggerCount(ctx, vault.ID, d.cfg.ProtectionCooldown)
	if err != nil {
		d.observe(OutcomeFailed)
		return err
	}
	if n > int64(d.cfg.MaxProtectionTriggers) {
		d.observe(OutcomeThrottled)
		d.logger.Debug("保护触发次数已达上限",
			zap.String("vault_id", vault.ID),
			zap.Int64("count", n),
			zap.Int("max", d.cfg.MaxProtectionTriggers))
		return nil
	}

	req := ProtectionRequest{
		ID:           uuid.NewString(),
		VaultID:      vault.ID,
		ChainID:      vault.ChainID,
		LTV:          result.RiskMetrics.CurrentLTV,
		HealthFactor: result.RiskMetrics.CurrentHealthFactor,
		RiskLevel:    result.RiskMetrics.RiskLevel,
		RequestedAt:  d.now(),
	}
	if err := d.queue.PushTask(ctx, redis.QueueProtectionRequests, req); err != nil {
		d.observe(OutcomeFailed)
		return fmt.Errorf("推送保护请求失败: %w", err)
	}

	d.observe(OutcomeQueued)
	d.logger.Info("已分发保护请求",
		zap.String("vault_id", vault.ID),
		zap.String("request_id", req.ID),
		zap.Int64("count", n))
	return nil
}

func (d *Dispatcher) observe(outcome string) {
	if d.metrics != nil {
		d.metrics.ProtectionRequest(outcome)
	}
}
