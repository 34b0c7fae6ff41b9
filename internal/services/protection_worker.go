package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/life2you_mini/creditvault/internal/models"
	"github.com/life2you_mini/creditvault/internal/redis"
	"github.com/life2you_mini/creditvault/internal/vault"
)

const (
	// 单个请求的处理超时
	requestProcessTimeout = 30 * time.Second
	// 失败请求最多重试次数
	maxRequestAttempts = 3
)

// VaultStore 处理保护请求需要的金库操作
type VaultStore interface {
	GetVault(ctx context.Context, vaultID string) (*models.Vault, error)
	GetAgent(ctx context.Context, agentID string) (*models.Agent, error)
	MarkProtectionTriggered(ctx context.Context, vaultID string, at time.Time) error
}

// RuleSource 金库的保护规则
type RuleSource interface {
	ForVault(vaultID string) []*models.ProtectionRule
	MarkExecuted(vaultID, ruleID string, at time.Time) bool
}

// RuleExecutor 执行保护规则
type RuleExecutor interface {
	ExecuteRules(ctx context.Context, vault *models.Vault, rules []*models.ProtectionRule, score models.ReputationScore, volatility float64) ([]models.ExecutionResult, error)
}

// ExecutionAuditor 执行结果审计
type ExecutionAuditor interface {
	RecordExecution(ctx context.Context, r models.ExecutionResult) error
}

// ExecutionLog 最近执行结果
type ExecutionLog interface {
	SaveExecutionResult(ctx context.Context, r models.ExecutionResult) error
}

// WorkerMetrics 执行指标
type WorkerMetrics interface {
	RequestMetrics
	ObserveExecution(r models.ExecutionResult)
}

// WorkerConfig 保护执行器配置
type WorkerConfig struct {
	Workers    int
	PopTimeout time.Duration
	RetryDelay time.Duration
}

// WorkerDeps 保护执行器依赖，Audit、Log 和 Metrics 可以为空
type WorkerDeps struct {
	Queue      TaskQueue
	Vaults     VaultStore
	Rules      RuleSource
	Engine     RuleExecutor
	Volatility func(chainID string) float64
	Audit      ExecutionAuditor
	Log        ExecutionLog
	Metrics    WorkerMetrics
}

// ProtectionWorker 从队列取出保护请求并执行规则
type ProtectionWorker struct {
	cfg    WorkerConfig
	deps   WorkerDeps
	logger *zap.Logger
	now    func() time.Time

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	isRunning bool
	mutex     sync.Mutex
}

// NewProtectionWorker 创建保护执行器
func NewProtectionWorker(cfg WorkerConfig, deps WorkerDeps, logger *zap.Logger) *ProtectionWorker {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.PopTimeout <= 0 {
		cfg.PopTimeout = 5 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 30 * time.Second
	}
	if deps.Volatility == nil {
		deps.Volatility = func(string) float64 { return 1.0 }
	}
	return &ProtectionWorker{
		cfg:    cfg,
		deps:   deps,
		logger: logger.With(zap.String("component", "protection_worker")),
		now:    time.Now,
	}
}

// Start 启动执行器
func (w *ProtectionWorker) Start(parent context.Context) error {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if w.isRunning {
		return fmt.Errorf("保护执行器已在运行")
	}

	w.ctx, w.cancel = context.WithCancel(parent)
	w.isRunning = true
	w.logger.Info("启动保护执行器", zap.Int("workers", w.cfg.Workers))

	for i := 0; i < w.cfg.Workers; i++ {
		w.wg.Add(1)
		go w.processRequests(i)
	}
	w.wg.Add(1)
	go w.moveDelayedRequests()
	return nil
}

// Stop 停止执行器
func (w *ProtectionWorker) Stop() error {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if !w.isRunning {
		return nil
	}

	w.logger.Info("停止保护执行器")
	w.cancel()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("保护执行器已停止")
	case <-time.After(w.cfg.PopTimeout + 5*time.Second):
		w.logger.Warn("保护执行器停止超时")
	}

	w.isRunning = false
	return nil
}

// processRequests 处理保护请求队列
func (w *ProtectionWorker) processRequests(id int) {
	defer w.wg.Done()
	logger := w.logger.With(zap.Int("worker", id))

	for {
		select {
		case <-w.ctx.Done():
			return
		default:
		}

		data, err := w.deps.Queue.PopTask(w.ctx, redis.QueueProtectionRequests, w.cfg.PopTimeout)
		if err != nil {
			if w.ctx.Err() != nil {
				return
			}
			logger.Error("从保护队列获取请求失败", zap.Error(err))
			time.Sleep(100 * time.Millisecond)
			continue
		}
		if data == nil {
			continue
		}

		var req ProtectionRequest
		if err := json.Unmarshal(data, &req); err != nil {
			logger.Error("解析保护请求失败", zap.Error(err), zap.String("data", string(data)))
			continue
		}

		// 已取出的请求处理完成后再退出
		processCtx, cancel := context.WithTimeout(context.WithoutCancel(w.ctx), requestProcessTimeout)
		if err := w.Handle(processCtx, req); err != nil {
			logger.Error("处理保护请求失败", zap.String("vault_id", req.VaultID), zap.Error(err))
			w.retry(processCtx, req)
		}
		cancel()
	}
}

// moveDelayedRequests 把到期的重试请求移回队列
func (w *ProtectionWorker) moveDelayedRequests() {
	defer w.wg.Done()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.deps.Queue.MoveReadyTasks(w.ctx, redis.QueueProtectionRequests); err != nil && w.ctx.Err() == nil {
				w.logger.Warn("移动重试请求失败", zap.Error(err))
			}
		}
	}
}

// Handle 处理单个保护请求
func (w *ProtectionWorker) Handle(ctx context.Context, req ProtectionRequest) error {
	v, err := w.deps.Vaults.GetVault(ctx, req.VaultID)
	if errors.Is(err, vault.ErrVaultNotFound) {
		w.logger.Warn("保护请求对应的金库不存在", zap.String("vault_id", req.VaultID))
		w.observe(OutcomeDropped)
		return nil
	}
	if err != nil {
		return err
	}
	if v.Status.IsTerminal() {
		w.logger.Info("金库已终结，忽略保护请求", zap.String("vault_id", v.ID), zap.String("status", string(v.Status)))
		w.observe(OutcomeDropped)
		return nil
	}

	agent, err := w.deps.Vaults.GetAgent(ctx, v.OwnerID)
	if err != nil {
		return err
	}

	rules := w.deps.Rules.ForVault(v.ID)
	results, err := w.deps.Engine.ExecuteRules(ctx, v, rules, agent.Score, w.deps.Volatility(v.ChainID))
	if err != nil {
		return err
	}

	executed := 0
	for _, r := range results {
		if r.Executed {
			executed++
			w.deps.Rules.MarkExecuted(r.VaultID, r.RuleID, r.Timestamp)
		}
		w.record(ctx, r)
	}

	if err := w.deps.Vaults.MarkProtectionTriggered(ctx, v.ID, w.now()); err != nil {
		w.logger.Warn("记录保护触发时间失败", zap.String("vault_id", v.ID), zap.Error(err))
	}

	w.logger.Info("保护请求处理完成",
		zap.String("vault_id", v.ID),
		zap.String("request_id", req.ID),
		zap.Int("rules", len(rules)),
		zap.Int("executed", executed))
	return nil
}

func (w *ProtectionWorker) record(ctx context.Context, r models.ExecutionResult) {
	if w.deps.Metrics != nil {
		w.deps.Metrics.ObserveExecution(r)
	}
	if w.deps.Audit != nil {
		if err := w.deps.Audit.RecordExecution(ctx, r); err != nil {
			w.logger.Warn("写入审计记录失败", zap.String("rule_id", r.RuleID), zap.Error(err))
		}
	}
	if w.deps.Log != nil {
		if err := w.deps.Log.SaveExecutionResult(ctx, r); err != nil {
			w.logger.Warn("保存执行结果失败", zap.String("rule_id", r.RuleID), zap.Error(err))
		}
	}
}

// retry 延迟重试，超过次数后丢弃
func (w *ProtectionWorker) retry(ctx context.Context, req ProtectionRequest) {
	req.Attempt++
	if req.Attempt >= maxRequestAttempts {
		w.logger.Error("保护请求重试次数过多，已丢弃", zap.String("vault_id", req.VaultID), zap.String("request_id", req.ID))
		w.observe(OutcomeDropped)
		return
	}
	if err := w.deps.Queue.PushDelayedTask(ctx, redis.QueueProtectionRequests, req, w.cfg.RetryDelay); err != nil {
		w.logger.Error("推送重试请求失败", zap.String("vault_id", req.VaultID), zap.Error(err))
		return
	}
	w.observe(OutcomeRetried)
}

func (w *ProtectionWorker) observe(outcome string) {
	if w.deps.Metrics != nil {
		w.deps.Metrics.ProtectionRequest(outcome)
	}
}
