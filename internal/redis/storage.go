package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/life2you_mini/creditvault/internal/models"
)

// 业务键
const (
	riskHistoryKey     = "risk:history:"     // + vaultID，有序集合
	executionLogKey    = "protection:log"    // 列表
	triggerCounterKey  = "protection:count:" // + vaultID
	defaultExecLogSize = 1000
)

// StorageClient Redis存储客户端封装
type StorageClient struct {
	client           *redis.Client
	queueService     *QueueService
	keyPrefix        string
	historyRetention time.Duration
	execLogSize      int64
}

// NewStorageClient 基于已有连接创建存储客户端
func NewStorageClient(client *redis.Client, keyPrefix string, historyRetention time.Duration) *StorageClient {
	if historyRetention <= 0 {
		historyRetention = 7 * 24 * time.Hour
	}
	return &StorageClient{
		client:           client,
		queueService:     NewQueueService(client, keyPrefix),
		keyPrefix:        keyPrefix,
		historyRetention: historyRetention,
		execLogSize:      defaultExecLogSize,
	}
}

// GetClient 返回原始的Redis客户端
func (s *StorageClient) GetClient() *redis.Client {
	return s.client
}

// GetQueueService 返回队列服务
func (s *StorageClient) GetQueueService() *QueueService {
	return s.queueService
}

// Close 关闭Redis连接
func (s *StorageClient) Close() error {
	return s.client.Close()
}

// SaveRiskMetrics 保存风险评估快照，并清理超过保留期的数据
func (s *StorageClient) SaveRiskMetrics(ctx context.Context, m models.RiskMetrics) error {
	// 历史序列在快照之外单独存储
	snapshot := m
	snapshot.LTVHistory = nil
	snapshot.HealthFactorHistory = nil

	jsonData, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("序列化风险指标失败: %w", err)
	}

	key := s.keyPrefix + riskHistoryKey + m.VaultID
	score := float64(m.Timestamp.UnixMilli())

	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: score, Member: string(jsonData)})
	oldScore := float64(m.Timestamp.Add(-s.historyRetention).UnixMilli())
	pipe.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("(%f", oldScore))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("保存风险指标到Redis失败: %w", err)
	}
	return nil
}

// GetRiskHistory 获取时间范围内的风险评估快照，按时间升序
func (s *StorageClient) GetRiskHistory(ctx context.Context, vaultID string, start, end time.Time) ([]models.RiskMetrics, error) {
	results, err := s.client.ZRangeByScore(ctx, s.keyPrefix+riskHistoryKey+vaultID, &redis.ZRangeBy{
		Min: fmt.Sprintf("%d", start.UnixMilli()),
		Max: fmt.Sprintf("%d", end.UnixMilli()),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("获取风险历史失败: %w", err)
	}

	history := make([]models.RiskMetrics, 0, len(results))
	for _, jsonStr := range results {
		var m models.RiskMetrics
		if err := json.Unmarshal([]byte(jsonStr), &m); err != nil {
			return nil, fmt.Errorf("解析风险历史失败: %w", err)
		}
		history = append(history, m)
	}
	return history, nil
}

// RecentLTV 最近 n 个LTV样本，按时间升序
func (s *StorageClient) RecentLTV(ctx context.Context, vaultID string, n int64) ([]float64, error) {
	results, err := s.client.ZRevRange(ctx, s.keyPrefix+riskHistoryKey+vaultID, 0, n-1).Result()
	if err != nil {
		return nil, fmt.Errorf("获取LTV样本失败: %w", err)
	}

	out := make([]float64, len(results))
	for i, jsonStr := range results {
		var m models.RiskMetrics
		if err := json.Unmarshal([]byte(jsonStr), &m); err != nil {
			return nil, fmt.Errorf("解析风险历史失败: %w", err)
		}
		out[len(results)-1-i] = m.CurrentLTV
	}
	return out, nil
}

// SaveExecutionResult 保存规则执行结果，只保留最近的记录
func (s *StorageClient) SaveExecutionResult(ctx context.Context, r models.ExecutionResult) error {
	jsonData, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("序列化执行结果失败: %w", err)
	}

	key := s.keyPrefix + executionLogKey
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, key, string(jsonData))
	pipe.LTrim(ctx, key, 0, s.execLogSize-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("保存执行结果失败: %w", err)
	}
	return nil
}

// RecentExecutions 最近的执行结果，最新的在前
func (s *StorageClient) RecentExecutions(ctx context.Context, limit int64) ([]models.ExecutionResult, error) {
	results, err := s.client.LRange(ctx, s.keyPrefix+executionLogKey, 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("获取执行结果失败: %w", err)
	}

	out := make([]models.ExecutionResult, 0, len(results))
	for _, jsonStr := range results {
		var r models.ExecutionResult
		if err := json.Unmarshal([]byte(jsonStr), &r); err != nil {
			return nil, fmt.Errorf("解析执行结果失败: %w", err)
		}
		out = append(out, r)
	}
	return out, nil
}

// IncrTriggerCount 增加金库在窗口内的保护触发次数，返回增加后的次数
// 计数在第一次触发时开始计时，窗口结束后自动清零
func (s *StorageClient) IncrTriggerCount(ctx context.Context, vaultID string, window time.Duration) (int64, error) {
	key := s.keyPrefix + triggerCounterKey + vaultID

	n, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("更新保护触发次数失败: %w", err)
	}
	if n == 1 {
		if err := s.client.Expire(ctx, key, window).Err(); err != nil {
			return n, fmt.Errorf("设置保护触发窗口失败: %w", err)
		}
	}
	return n, nil
}
