package protection

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/life2you_mini/creditvault/internal/ltv"
	"github.com/life2you_mini/creditvault/internal/mocks"
	"github.com/life2you_mini/creditvault/internal/models"
)

var (
	testNow   = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	testScore = models.ReputationScore{Overall: 75}
)

func newTestEngine(t *testing.T, executor ActionExecutor, now time.Time) *Engine {
	chains, err := ltv.NewChainTable(map[string]models.ChainConfig{
		"ethereum": {
			BaseMultiplier:       1.0,
			ScoreMultiplier:      0.1,
			VolatilityMultiplier: 0.95,
			MinHealthFactor:      1.1,
			LiquidationPenalty:   5,
			GracePeriodSeconds:   3600,
		},
	})
	require.NoError(t, err)
	return NewEngine(chains, executor, zaptest.NewLogger(t), WithClock(func() time.Time { return now }))
}

// riskyVault LTV 90%，超过动态最大LTV，健康因子为0
func riskyVault() *models.Vault {
	return &models.Vault{
		ID:         "vault-risky",
		ChainID:    "ethereum",
		Status:     models.VaultStatusActive,
		Collateral: models.Asset{Token: "ETH", ValueUSD: 10_000},
		Debt:       models.Asset{Token: "USDC", ValueUSD: 9_000},
		LiquidationProtection: models.LiquidationProtection{
			Enabled:         true,
			ThresholdLTV:    95,
			CooldownSeconds: 3600,
		},
		UpdatedAt: testNow,
	}
}

// healthyVault LTV 20%，健康因子5
func healthyVault() *models.Vault {
	return &models.Vault{
		ID:         "vault-healthy",
		ChainID:    "ethereum",
		Status:     models.VaultStatusActive,
		Collateral: models.Asset{Token: "ETH", ValueUSD: 100_000},
		Debt:       models.Asset{Token: "USDC", ValueUSD: 20_000},
		LiquidationProtection: models.LiquidationProtection{
			Enabled:      true,
			ThresholdLTV: 80,
		},
		UpdatedAt: testNow,
	}
}

func ptr[T any](v T) *T { return &v }

func notifyRule(id string, priority int) *models.ProtectionRule {
	return &models.ProtectionRule{
		ID:         id,
		VaultID:    "vault-risky",
		Name:       id,
		Enabled:    true,
		Priority:   priority,
		Conditions: models.RuleConditions{LTVThreshold: ptr(50.0)},
		Actions:    []models.RuleAction{{Type: models.ActionNotify}},
	}
}

func resultRuleIDs(results []models.ExecutionResult) []string {
	ids := make([]string, 0, len(results))
	for _, r := range results {
		ids = append(ids, r.RuleID)
	}
	return ids
}

func TestShouldTriggerProtection(t *testing.T) {
	engine := newTestEngine(t, &mocks.MockActionExecutor{}, testNow)

	t.Run("健康因子低于链最小值时触发", func(t *testing.T) {
		// LTV 90 低于保护阈值 95，但健康因子为0
		ok, err := engine.ShouldTriggerProtection(riskyVault(), testScore, 1.0)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("LTV达到阈值时触发", func(t *testing.T) {
		v := healthyVault()
		v.LiquidationProtection.ThresholdLTV = 20
		ok, err := engine.ShouldTriggerProtection(v, models.ReputationScore{Overall: 85}, 0)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("健康金库不触发", func(t *testing.T) {
		ok, err := engine.ShouldTriggerProtection(healthyVault(), models.ReputationScore{Overall: 85}, 0)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("未开启保护", func(t *testing.T) {
		v := riskyVault()
		v.LiquidationProtection.Enabled = false
		ok, err := engine.ShouldTriggerProtection(v, testScore, 1.0)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("冷却期内", func(t *testing.T) {
		v := riskyVault()
		v.LiquidationProtection.LastTriggered = ptr(testNow.Add(-10 * time.Second))
		ok, err := engine.ShouldTriggerProtection(v, testScore, 1.0)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("冷却期已过", func(t *testing.T) {
		v := riskyVault()
		v.LiquidationProtection.LastTriggered = ptr(testNow.Add(-2 * time.Hour))
		ok, err := engine.ShouldTriggerProtection(v, testScore, 1.0)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("未知链返回错误", func(t *testing.T) {
		v := riskyVault()
		v.ChainID = "solana"
		_, err := engine.ShouldTriggerProtection(v, testScore, 1.0)
		assert.ErrorIs(t, err, ltv.ErrUnknownChain)
	})
}

func TestExecuteRules_PriorityOrder(t *testing.T) {
	executor := &mocks.MockActionExecutor{}
	executor.On("Notify", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	engine := newTestEngine(t, executor, testNow)

	rules := []*models.ProtectionRule{
		notifyRule("p1", 1),
		notifyRule("p5", 5),
		notifyRule("p3", 3),
	}

	results, err := engine.ExecuteRules(context.Background(), riskyVault(), rules, testScore, 1.0)
	require.NoError(t, err)

	assert.Equal(t, []string{"p5", "p3", "p1"}, resultRuleIDs(results))
	for _, r := range results {
		assert.True(t, r.Executed)
		assert.Equal(t, []models.ActionType{models.ActionNotify}, r.ActionsExecuted)
		assert.NotEmpty(t, r.ID)
	}
	for _, r := range rules {
		require.NotNil(t, r.LastExecuted)
		assert.Equal(t, testNow, *r.LastExecuted)
	}
	executor.AssertNumberOfCalls(t, "Notify", 3)
}

func TestExecuteRules_StableForEqualPriority(t *testing.T) {
	executor := &mocks.MockActionExecutor{}
	executor.On("Notify", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	engine := newTestEngine(t, executor, testNow)

	rules := []*models.ProtectionRule{
		notifyRule("b", 2),
		notifyRule("a", 2),
		notifyRule("c", 7),
		notifyRule("d", 2),
	}

	results, err := engine.ExecuteRules(context.Background(), riskyVault(), rules, testScore, 1.0)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "b", "a", "d"}, resultRuleIDs(results))
}

func TestExecuteRules_Cooldown(t *testing.T) {
	executor := &mocks.MockActionExecutor{}
	// 上次执行后1000毫秒再次评估
	engine := newTestEngine(t, executor, testNow.Add(1000*time.Millisecond))

	rule := notifyRule("cooldown", 1)
	rule.CooldownSeconds = 3600
	rule.LastExecuted = ptr(testNow)

	results, err := engine.ExecuteRules(context.Background(), riskyVault(), []*models.ProtectionRule{rule}, testScore, 1.0)
	require.NoError(t, err)
	require.Len(t, results, 1)

	assert.False(t, results[0].Executed)
	assert.Equal(t, SkipCooldown, results[0].SkipReason)
	assert.Equal(t, testNow, *rule.LastExecuted)
	executor.AssertNotCalled(t, "Notify", mock.Anything, mock.Anything, mock.Anything)
}

func TestExecuteRules_Conditions(t *testing.T) {
	executor := &mocks.MockActionExecutor{}
	executor.On("Notify", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	engine := newTestEngine(t, executor, testNow)
	score := models.ReputationScore{Overall: 85}

	tests := []struct {
		name       string
		conditions models.RuleConditions
		executed   bool
	}{
		{name: "没有配置条件", conditions: models.RuleConditions{}, executed: false},
		{name: "LTV未突破", conditions: models.RuleConditions{LTVThreshold: ptr(50.0)}, executed: false},
		{name: "LTV突破", conditions: models.RuleConditions{LTVThreshold: ptr(20.0)}, executed: true},
		{name: "健康因子突破", conditions: models.RuleConditions{HealthFactorThreshold: ptr(5.0)}, executed: true},
		{name: "只有分数突破", conditions: models.RuleConditions{
			LTVThreshold:          ptr(50.0),
			HealthFactorThreshold: ptr(1.5),
			ScoreThreshold:        ptr(90.0),
		}, executed: true},
		{name: "全部未突破", conditions: models.RuleConditions{
			LTVThreshold:          ptr(50.0),
			HealthFactorThreshold: ptr(1.5),
			ScoreThreshold:        ptr(60.0),
		}, executed: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule := notifyRule("r", 1)
			rule.Conditions = tt.conditions

			results, err := engine.ExecuteRules(context.Background(), healthyVault(), []*models.ProtectionRule{rule}, score, 0)
			require.NoError(t, err)
			require.Len(t, results, 1)

			assert.Equal(t, tt.executed, results[0].Executed)
			if !tt.executed {
				assert.Equal(t, SkipConditions, results[0].SkipReason)
				assert.Nil(t, rule.LastExecuted)
			}
		})
	}
}

func TestExecuteRules_FailureIsolation(t *testing.T) {
	executor := &mocks.MockActionExecutor{}
	executor.On("AutoRepay", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("insufficient balance"))
	executor.On("IncreaseCollateral", mock.Anything, mock.Anything, mock.Anything).Run(func(mock.Arguments) {
		panic("collateral adapter crashed")
	})
	executor.On("Notify", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	executor.On("ReduceDebt", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	engine := newTestEngine(t, executor, testNow)

	failing := notifyRule("failing", 10)
	failing.Actions = []models.RuleAction{
		{Type: models.ActionNotify},
		{Type: models.ActionAutoRepay, Parameters: map[string]float64{"amount_usd": 1000}},
		{Type: models.ActionDebtReduction},
	}
	panicking := notifyRule("panicking", 5)
	panicking.Actions = []models.RuleAction{{Type: models.ActionCollateralIncrease}}
	healthy := notifyRule("healthy", 1)
	healthy.Actions = []models.RuleAction{{Type: models.ActionDebtReduction}}

	rules := []*models.ProtectionRule{healthy, panicking, failing}
	results, err := engine.ExecuteRules(context.Background(), riskyVault(), rules, testScore, 1.0)
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, "failing", results[0].RuleID)
	assert.False(t, results[0].Executed)
	assert.Contains(t, results[0].Message, "insufficient balance")
	assert.Equal(t, []models.ActionType{models.ActionNotify}, results[0].ActionsExecuted)
	assert.Nil(t, failing.LastExecuted)

	assert.Equal(t, "panicking", results[1].RuleID)
	assert.False(t, results[1].Executed)
	assert.Contains(t, results[1].Message, "panic")
	assert.Nil(t, panicking.LastExecuted)

	assert.Equal(t, "healthy", results[2].RuleID)
	assert.True(t, results[2].Executed)
	assert.NotNil(t, healthy.LastExecuted)

	executor.AssertNumberOfCalls(t, "ReduceDebt", 1)
}

func TestExecuteRules_Filtering(t *testing.T) {
	executor := &mocks.MockActionExecutor{}
	executor.On("Notify", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	engine := newTestEngine(t, executor, testNow)

	disabled := notifyRule("disabled", 9)
	disabled.Enabled = false
	stale := notifyRule("stale", 5)
	stale.Conditions.TimeWindowSeconds = ptr(int64(60))

	vault := riskyVault()
	vault.UpdatedAt = testNow.Add(-2 * time.Hour)

	results, err := engine.ExecuteRules(context.Background(), vault, []*models.ProtectionRule{disabled, stale, nil}, testScore, 1.0)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "stale", results[0].RuleID)
	assert.Equal(t, SkipStaleVault, results[0].SkipReason)

	vault.Status = models.VaultStatusLiquidated
	results, err = engine.ExecuteRules(context.Background(), vault, []*models.ProtectionRule{notifyRule("x", 1)}, testScore, 1.0)
	require.NoError(t, err)
	assert.Equal(t, SkipVaultInactive, results[0].SkipReason)
	executor.AssertNotCalled(t, "Notify", mock.Anything, mock.Anything, mock.Anything)
}

func TestExecuteRules_UnknownChain(t *testing.T) {
	engine := newTestEngine(t, &mocks.MockActionExecutor{}, testNow)
	vault := riskyVault()
	vault.ChainID = "solana"

	_, err := engine.ExecuteRules(context.Background(), vault, []*models.ProtectionRule{notifyRule("x", 1)}, testScore, 1.0)
	assert.ErrorIs(t, err, ltv.ErrUnknownChain)
}
