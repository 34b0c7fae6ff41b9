package services

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/life2you_mini/creditvault/internal/models"
	"github.com/life2you_mini/creditvault/internal/monitor"
)

// RiskHistoryStore 风险快照的持久化
type RiskHistoryStore interface {
	SaveRiskMetrics(ctx context.Context, m models.RiskMetrics) error
}

// RiskCheckRecorder 回写金库上的风险字段
type RiskCheckRecorder interface {
	RecordRiskCheck(ctx context.Context, m models.RiskMetrics) error
}

// AlertAuditor 告警审计
type AlertAuditor interface {
	RecordAlert(ctx context.Context, a models.Alert) error
}

// RiskRecorder 把监控结果写入 Redis 和审计库
type RiskRecorder struct {
	history RiskHistoryStore
	vaults  RiskCheckRecorder
	audit   AlertAuditor
	logger  *zap.Logger
}

// NewRiskRecorder 创建监控结果记录器，audit 可以为空
func NewRiskRecorder(history RiskHistoryStore, vaults RiskCheckRecorder, audit AlertAuditor, logger *zap.Logger) *RiskRecorder {
	return &RiskRecorder{
		history: history,
		vaults:  vaults,
		audit:   audit,
		logger:  logger.With(zap.String("component", "risk_recorder")),
	}
}

var _ monitor.Observer = (*RiskRecorder)(nil)

// OnResult 实现 monitor.Observer
func (r *RiskRecorder) OnResult(ctx context.Context, vault *models.Vault, _ models.ReputationScore, result *monitor.MonitorResult) error {
	if result == nil {
		return nil
	}
	m := result.RiskMetrics

	var errs []error
	if err := r.history.SaveRiskMetrics(ctx, m); err != nil {
		errs = append(errs, fmt.Errorf("保存风险历史失败: %w", err))
	}
	if err := r.vaults.RecordRiskCheck(ctx, m); err != nil {
		errs = append(errs, fmt.Errorf("回写金库风险字段失败: %w", err))
	}
	if r.audit != nil {
		// 重复的告警id在审计库中被忽略
		for _, a := range result.Alerts {
			if err := r.audit.RecordAlert(ctx, a); err != nil {
				errs = append(errs, fmt.Errorf("记录告警失败: %w", err))
				break
			}
		}
	}

	if len(errs) > 0 {
		r.logger.Warn("记录监控结果失败", zap.String("vault_id", vault.ID), zap.Errors("errors", errs))
	}
	return errors.Join(errs...)
}
