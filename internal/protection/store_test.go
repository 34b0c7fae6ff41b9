package protection

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/life2you_mini/creditvault/internal/models"
)

const sampleRules = `
rules:
  - id: notify-high-ltv
    vault_id: vault-1
    name: 高LTV通知
    enabled: true
    priority: 10
    cooldown_seconds: 600
    conditions:
      ltv_threshold: 70
    actions:
      - type: NOTIFY
  - id: repay-low-hf
    vault_id: vault-1
    name: 低健康因子自动还款
    enabled: true
    priority: 20
    cooldown_seconds: 3600
    conditions:
      health_factor_threshold: 1.2
      time_window_seconds: 300
    actions:
      - type: auto_repay
        parameters:
          repay_ratio: 0.25
      - type: NOTIFY
`

func TestLoadRules(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleRules), 0o600))

	rules, err := LoadRules(path)
	require.NoError(t, err)
	require.Len(t, rules, 2)

	repay := rules[1]
	assert.Equal(t, "repay-low-hf", repay.ID)
	assert.Equal(t, 20, repay.Priority)
	require.NotNil(t, repay.Conditions.HealthFactorThreshold)
	assert.Equal(t, 1.2, *repay.Conditions.HealthFactorThreshold)
	require.NotNil(t, repay.Conditions.TimeWindowSeconds)
	assert.Equal(t, int64(300), *repay.Conditions.TimeWindowSeconds)
	assert.Nil(t, repay.Conditions.LTVThreshold)
	assert.Equal(t, []models.RuleAction{
		{Type: models.ActionAutoRepay, Parameters: map[string]float64{"repay_ratio": 0.25}},
		{Type: models.ActionNotify},
	}, repay.Actions)

	_, err = LoadRules(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestParseRules_Invalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{name: "未知动作", data: "rules:\n  - id: a\n    vault_id: v\n    actions:\n      - type: LIQUIDATE\n"},
		{name: "缺少id", data: "rules:\n  - vault_id: v\n    actions:\n      - type: NOTIFY\n"},
		{name: "缺少金库", data: "rules:\n  - id: a\n    actions:\n      - type: NOTIFY\n"},
		{name: "没有动作", data: "rules:\n  - id: a\n    vault_id: v\n"},
		{name: "id重复", data: "rules:\n  - id: a\n    vault_id: v\n    actions: [{type: NOTIFY}]\n  - id: a\n    vault_id: v\n    actions: [{type: NOTIFY}]\n"},
		{name: "冷却为负", data: "rules:\n  - id: a\n    vault_id: v\n    cooldown_seconds: -5\n    actions: [{type: NOTIFY}]\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRules([]byte(tt.data))
			assert.Error(t, err)
		})
	}
}

func TestRuleStore(t *testing.T) {
	store := NewRuleStore(
		models.ProtectionRule{ID: "b", VaultID: "v1", Priority: 1},
		models.ProtectionRule{ID: "a", VaultID: "v1", Priority: 2},
		models.ProtectionRule{ID: "c", VaultID: "v2"},
	)
	assert.Equal(t, 3, store.Count())

	rules := store.ForVault("v1")
	require.Len(t, rules, 2)
	assert.Equal(t, "a", rules[0].ID)
	assert.Equal(t, "b", rules[1].ID)

	// 返回的是副本
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rules[0].LastExecuted = &now
	assert.Nil(t, store.ForVault("v1")[0].LastExecuted)

	assert.True(t, store.MarkExecuted("v1", "a", now))
	assert.Equal(t, now, *store.ForVault("v1")[0].LastExecuted)
	assert.False(t, store.MarkExecuted("v1", "missing", now))

	assert.True(t, store.Delete("v2", "c"))
	assert.False(t, store.Delete("v2", "c"))
	assert.Empty(t, store.ForVault("v2"))
	assert.Empty(t, store.ForVault("unknown"))
}
