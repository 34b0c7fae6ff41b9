package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ClientOptions Redis客户端配置选项
type ClientOptions struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

// NewRedisClient 创建新的Redis客户端并测试连接
func NewRedisClient(ctx context.Context, opts ClientOptions) (*redis.Client, error) {
	if opts.Addr == "" {
		opts.Addr = "localhost:6379"
	}
	if opts.PoolSize <= 0 {
		opts.PoolSize = 10
	}

	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		PoolSize:     opts.PoolSize,
		MinIdleConns: 2,
		MaxRetries:   3,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("无法连接到Redis %s: %w", opts.Addr, err)
	}
	return client, nil
}

// 只有持有者才能释放锁
const releaseLockScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`

// Locker 基于 SET NX 的分布式锁，锁值为本实例的id
type Locker struct {
	client    *redis.Client
	keyPrefix string
	owner     string
}

// NewLocker 创建分布式锁
func NewLocker(client *redis.Client, keyPrefix string) *Locker {
	return &Locker{
		client:    client,
		keyPrefix: keyPrefix,
		owner:     uuid.NewString(),
	}
}

// Owner 锁持有者标识
func (l *Locker) Owner() string {
	return l.owner
}

// SetLock 尝试加锁
func (l *Locker) SetLock(ctx context.Context, key string, expiration time.Duration) (bool, error) {
	return l.client.SetNX(ctx, l.keyPrefix+key, l.owner, expiration).Result()
}

// ReleaseLock 释放锁，锁已过期或被其他实例持有时不做任何操作
func (l *Locker) ReleaseLock(ctx context.Context, key string) error {
	err := l.client.Eval(ctx, releaseLockScript, []string{l.keyPrefix + key}, l.owner).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("释放锁失败: %w", err)
	}
	return nil
}
