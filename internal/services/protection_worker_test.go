package services

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/life2you_mini/creditvault/internal/audit"
	"github.com/life2you_mini/creditvault/internal/mocks"
	"github.com/life2you_mini/creditvault/internal/models"
	"github.com/life2you_mini/creditvault/internal/protection"
	"github.com/life2you_mini/creditvault/internal/redis"
)

func floatPtr(v float64) *float64 { return &v }

func notifyRule(vaultID string) models.ProtectionRule {
	return models.ProtectionRule{
		ID:              "notify-high-ltv",
		VaultID:         vaultID,
		Name:            "LTV超过40%通知",
		Conditions:      models.RuleConditions{LTVThreshold: floatPtr(40)},
		Actions:         []models.RuleAction{{Type: models.ActionNotify}},
		Enabled:         true,
		Priority:        10,
		CooldownSeconds: 300,
	}
}

type workerFixture struct {
	env      *testEnv
	worker   *ProtectionWorker
	executor *mocks.MockActionExecutor
	rules    *protection.RuleStore
	audit    *audit.Store
	metrics  *outcomeRecorder
}

func newWorkerFixture(t *testing.T) (*workerFixture, *models.Vault) {
	env := newTestEnv(t)
	v := env.createVault(t)

	store, err := audit.NewStore(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	executor := &mocks.MockActionExecutor{}
	rules := protection.NewRuleStore(notifyRule(v.ID))
	metrics := newOutcomeRecorder()
	logger := zaptest.NewLogger(t)

	worker := NewProtectionWorker(WorkerConfig{Workers: 1, PopTimeout: time.Second, RetryDelay: time.Minute}, WorkerDeps{
		Queue:   env.queue,
		Vaults:  env.vaults,
		Rules:   rules,
		Engine:  protection.NewEngine(testChains, executor, logger),
		Audit:   store,
		Log:     env.storage,
		Metrics: metrics,
	}, logger)

	return &workerFixture{env: env, worker: worker, executor: executor, rules: rules, audit: store, metrics: metrics}, v
}

func TestProtectionWorker_Handle(t *testing.T) {
	f, v := newWorkerFixture(t)
	ctx := context.Background()
	f.executor.On("Notify", mock.Anything, mock.Anything, mock.Anything).Return(nil).Once()

	require.NoError(t, f.worker.Handle(ctx, ProtectionRequest{ID: "req-1", VaultID: v.ID}))
	f.executor.AssertExpectations(t)

	rules := f.rules.ForVault(v.ID)
	require.Len(t, rules, 1)
	assert.NotNil(t, rules[0].LastExecuted, "执行时间回写到规则")

	logged, err := f.env.storage.RecentExecutions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, logged, 1)
	assert.True(t, logged[0].Executed)
	assert.Equal(t, []models.ActionType{models.ActionNotify}, logged[0].ActionsExecuted)

	audited, err := f.audit.ListExecutions(ctx, v.ID, 10)
	require.NoError(t, err)
	assert.Len(t, audited, 1)
	assert.Len(t, f.metrics.executions, 1)

	got, err := f.env.vaults.GetVault(ctx, v.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.LiquidationProtection.LastTriggered)

	// 冷却期内再次处理不会重复执行
	require.NoError(t, f.worker.Handle(ctx, ProtectionRequest{ID: "req-2", VaultID: v.ID}))
	logged, err = f.env.storage.RecentExecutions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, logged, 2)
	assert.False(t, logged[0].Executed)
	assert.Equal(t, protection.SkipCooldown, logged[0].SkipReason)
	f.executor.AssertNumberOfCalls(t, "Notify", 1)
}

func TestProtectionWorker_HandleDropped(t *testing.T) {
	f, v := newWorkerFixture(t)
	ctx := context.Background()

	require.NoError(t, f.worker.Handle(ctx, ProtectionRequest{VaultID: "missing"}))

	_, err := f.env.vaults.UpdateDebt(ctx, v.ID, models.Asset{Token: "USDC"})
	require.NoError(t, err)
	_, err = f.env.vaults.SetStatus(ctx, v.ID, models.VaultStatusClosed)
	require.NoError(t, err)
	require.NoError(t, f.worker.Handle(ctx, ProtectionRequest{VaultID: v.ID}))

	assert.Equal(t, 2, f.metrics.count(OutcomeDropped))
	f.executor.AssertNotCalled(t, "Notify", mock.Anything, mock.Anything, mock.Anything)
}

type stubQueue struct {
	TaskQueue
	delayed []ProtectionRequest
}

func (q *stubQueue) PushDelayedTask(_ context.Context, _ string, task interface{}, _ time.Duration) error {
	q.delayed = append(q.delayed, task.(ProtectionRequest))
	return nil
}

type failingVaults struct{ VaultStore }

func (failingVaults) GetVault(context.Context, string) (*models.Vault, error) {
	return nil, errors.New("redis timeout")
}

func TestProtectionWorker_Retry(t *testing.T) {
	queue := &stubQueue{}
	metrics := newOutcomeRecorder()
	w := NewProtectionWorker(WorkerConfig{}, WorkerDeps{Queue: queue, Vaults: failingVaults{}, Metrics: metrics}, zaptest.NewLogger(t))
	ctx := context.Background()

	req := ProtectionRequest{ID: "req-1", VaultID: "v1"}
	require.Error(t, w.Handle(ctx, req))

	w.retry(ctx, req)
	require.Len(t, queue.delayed, 1)
	assert.Equal(t, 1, queue.delayed[0].Attempt)

	w.retry(ctx, queue.delayed[0])
	require.Len(t, queue.delayed, 2)

	// 第三次失败后丢弃
	w.retry(ctx, queue.delayed[1])
	assert.Len(t, queue.delayed, 2)
	assert.Equal(t, 2, metrics.count(OutcomeRetried))
	assert.Equal(t, 1, metrics.count(OutcomeDropped))
}

func TestProtectionWorker_StartStop(t *testing.T) {
	f, v := newWorkerFixture(t)
	ctx := context.Background()
	f.executor.On("Notify", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	require.NoError(t, f.env.queue.PushTask(ctx, redis.QueueProtectionRequests, ProtectionRequest{ID: "req-1", VaultID: v.ID}))

	require.NoError(t, f.worker.Start(ctx))
	assert.Error(t, f.worker.Start(ctx), "重复启动返回错误")

	assert.Eventually(t, func() bool {
		got, err := f.env.vaults.GetVault(ctx, v.ID)
		return err == nil && got.LiquidationProtection.LastTriggered != nil
	}, 5*time.Second, 50*time.Millisecond)

	require.NoError(t, f.worker.Stop())
	require.NoError(t, f.worker.Stop())
}
