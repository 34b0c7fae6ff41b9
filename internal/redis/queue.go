package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// 队列常量
const (
	QueueProtectionRequests = "protection_requests"
	QueueNotifications      = "notifications"

	DelayedQueuePrefix = "delayed_"
)

// QueueService Redis队列服务
type QueueService struct {
	client    *redis.Client
	keyPrefix string
	now       func() time.Time
}

// NewQueueService 创建新的队列服务
func NewQueueService(client *redis.Client, keyPrefix string) *QueueService {
	return &QueueService{
		client:    client,
		keyPrefix: keyPrefix,
		now:       time.Now,
	}
}

// 获取完整的队列名称
func (q *QueueService) getQueueKey(queue string) string {
	return fmt.Sprintf("%s%s", q.keyPrefix, queue)
}

// 获取延迟队列名称
func (q *QueueService) getDelayedQueueKey(queue string) string {
	return fmt.Sprintf("%s%s%s", q.keyPrefix, DelayedQueuePrefix, queue)
}

// PushTask 将任务推送到队列
func (q *QueueService) PushTask(ctx context.Context, queue string, task interface{}) error {
	taskData, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("序列化任务失败: %w", err)
	}
	return q.client.LPush(ctx, q.getQueueKey(queue), taskData).Err()
}

// PopTask 从队列中弹出任务（阻塞方式），超时返回 nil
func (q *QueueService) PopTask(ctx context.Context, queue string, timeout time.Duration) ([]byte, error) {
	result, err := q.client.BRPop(ctx, timeout, q.getQueueKey(queue)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	// BRPop返回一个包含两个元素的数组：[queueName, value]
	if len(result) < 2 {
		return nil, fmt.Errorf("从队列获取的数据结构不正确")
	}
	return []byte(result[1]), nil
}

// GetQueueLength 获取队列长度
func (q *QueueService) GetQueueLength(ctx context.Context, queue string) (int64, error) {
	return q.client.LLen(ctx, q.getQueueKey(queue)).Result()
}

// ClearQueue 清空队列
func (q *QueueService) ClearQueue(ctx context.Context, queue string) error {
	return q.client.Del(ctx, q.getQueueKey(queue), q.getDelayedQueueKey(queue)).Err()
}

// PushDelayedTask 推送延迟任务，用于失败重试
func (q *QueueService) PushDelayedTask(ctx context.Context, queue string, task interface{}, delay time.Duration) error {
	taskData, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("序列化任务失败: %w", err)
	}

	executeAt := float64(q.now().Add(delay).UnixMilli())
	return q.client.ZAdd(ctx, q.getDelayedQueueKey(queue), redis.Z{
		Score:  executeAt,
		Member: taskData,
	}).Err()
}

// MoveReadyTasks 把到期的延迟任务移动到常规队列
func (q *QueueService) MoveReadyTasks(ctx context.Context, queue string) (int, error) {
	delayedKey := q.getDelayedQueueKey(queue)
	max := fmt.Sprintf("%d", q.now().UnixMilli())

	tasks, err := q.client.ZRangeByScore(ctx, delayedKey, &redis.ZRangeBy{Min: "-inf", Max: max}).Result()
	if err != nil {
		return 0, err
	}
	if len(tasks) == 0 {
		return 0, nil
	}

	queueKey := q.getQueueKey(queue)
	moved := 0
	for _, task := range tasks {
		// ZRem 成功才入队，多个实例并发移动时同一任务只会入队一次
		removed, err := q.client.ZRem(ctx, delayedKey, task).Result()
		if err != nil {
			return moved, err
		}
		if removed == 0 {
			continue
		}
		if err := q.client.LPush(ctx, queueKey, task).Err(); err != nil {
			return moved, err
		}
		moved++
	}
	return moved, nil
}
