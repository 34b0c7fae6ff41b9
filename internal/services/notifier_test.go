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
	"github.com/life2you_mini/creditvault/internal/redis"
)

func TestQueueActionExecutor(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	e := NewQueueActionExecutor(env.queue, zaptest.NewLogger(t))
	fixed := time.Date(2026, 4, 2, 8, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return fixed }

	v := &models.Vault{ID: "v1", OwnerID: "agent-1", ChainID: "base", LTV: 72.5, Debt: models.Asset{ValueUSD: 7250}}

	require.NoError(t, e.Notify(ctx, v, nil))
	require.NoError(t, e.ReduceDebt(ctx, v, map[string]float64{"percentage": 25}))

	data, err := env.queue.PopTask(ctx, redis.QueueNotifications, time.Second)
	require.NoError(t, err)
	var req ActionRequest
	require.NoError(t, json.Unmarshal(data, &req))
	assert.Equal(t, models.ActionNotify, req.Action)
	assert.Equal(t, "agent-1", req.OwnerID)
	assert.Equal(t, 72.5, req.LTV)
	assert.Equal(t, fixed, req.RequestedAt)

	data, err = env.queue.PopTask(ctx, redis.QueueNotifications, time.Second)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &req))
	assert.Equal(t, models.ActionDebtReduction, req.Action)
	assert.Equal(t, 25.0, req.Parameters["percentage"])
}

func TestQueueActionExecutor_InvalidPercentage(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	e := NewQueueActionExecutor(env.queue, zaptest.NewLogger(t))
	v := &models.Vault{ID: "v1"}

	for _, pct := range []float64{0, -5, 150} {
		assert.Error(t, e.ReduceDebt(ctx, v, map[string]float64{"percentage": pct}))
	}

	n, err := env.queue.GetQueueLength(ctx, redis.QueueNotifications)
	require.NoError(t, err)
	assert.Zero(t, n)
}
