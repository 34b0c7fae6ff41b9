package services

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/life2you_mini/creditvault/internal/models"
	"github.com/life2you_mini/creditvault/internal/monitor"
	"github.com/life2you_mini/creditvault/internal/redis"
)

func triggeredResult(vaultID string) *monitor.MonitorResult {
	return &monitor.MonitorResult{
		RiskMetrics: models.RiskMetrics{
			VaultID:             vaultID,
			CurrentLTV:          88,
			CurrentHealthFactor: 1.02,
			RiskLevel:           models.RiskLevelCritical,
		},
		ProtectionTriggered: true,
	}
}

func TestDispatcher_QueuesAndThrottles(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	rec := newOutcomeRecorder()

	d := NewDispatcher(monitor.AutoProtection{
		Enabled:               true,
		MaxProtectionTriggers: 2,
		ProtectionCooldown:    time.Hour,
	}, env.queue, env.storage, rec, zaptest.NewLogger(t))

	v := &models.Vault{ID: "v1", ChainID: "ethereum"}
	for i := 0; i < 3; i++ {
		require.NoError(t, d.OnResult(ctx, v, models.ReputationScore{}, triggeredResult("v1")))
	}

	n, err := env.queue.GetQueueLength(ctx, redis.QueueProtectionRequests)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n, "窗口内最多分发两次")
	assert.Equal(t, 2, rec.count(OutcomeQueued))
	assert.Equal(t, 1, rec.count(OutcomeThrottled))

	data, err := env.queue.PopTask(ctx, redis.QueueProtectionRequests, time.Second)
	require.NoError(t, err)
	var req ProtectionRequest
	require.NoError(t, json.Unmarshal(data, &req))
	assert.Equal(t, "v1", req.VaultID)
	assert.Equal(t, "ethereum", req.ChainID)
	assert.Equal(t, models.RiskLevelCritical, req.RiskLevel)
	assert.NotEmpty(t, req.ID)

	// 窗口结束后重新计数
	env.mr.FastForward(time.Hour + time.Second)
	require.NoError(t, d.OnResult(ctx, v, models.ReputationScore{}, triggeredResult("v1")))
	assert.Equal(t, 3, rec.count(OutcomeQueued))
}

func TestDispatcher_Ignored(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	v := &models.Vault{ID: "v1", ChainID: "ethereum"}

	disabled := NewDispatcher(monitor.AutoProtection{Enabled: false, MaxProtectionTriggers: 3, ProtectionCooldown: time.Hour},
		env.queue, env.storage, nil, zaptest.NewLogger(t))
	require.NoError(t, disabled.OnResult(ctx, v, models.ReputationScore{}, triggeredResult("v1")))

	enabled := NewDispatcher(monitor.AutoProtection{Enabled: true, MaxProtectionTriggers: 3, ProtectionCooldown: time.Hour},
		env.queue, env.storage, nil, zaptest.NewLogger(t))
	notTriggered := triggeredResult("v1")
	notTriggered.ProtectionTriggered = false
	require.NoError(t, enabled.OnResult(ctx, v, models.ReputationScore{}, notTriggered))
	require.NoError(t, enabled.OnResult(ctx, v, models.ReputationScore{}, nil))

	n, err := env.queue.GetQueueLength(ctx, redis.QueueProtectionRequests)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDispatcher_RedisDown(t *testing.T) {
	env := newTestEnv(t)
	rec := newOutcomeRecorder()
	d := NewDispatcher(monitor.AutoProtection{Enabled: true, MaxProtectionTriggers: 3, ProtectionCooldown: time.Hour},
		env.queue, env.storage, rec, zaptest.NewLogger(t))

	env.mr.Close()
	err := d.OnResult(context.Background(), &models.Vault{ID: "v1"}, models.ReputationScore{}, triggeredResult("v1"))
	assert.Error(t, err)
	assert.Equal(t, 1, rec.count(OutcomeFailed))
}
