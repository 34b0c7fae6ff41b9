package services

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/life2you_mini/creditvault/internal/audit"
	"github.com/life2you_mini/creditvault/internal/models"
	"github.com/life2you_mini/creditvault/internal/monitor"
	"github.com/life2you_mini/creditvault/internal/vault"
)

func TestRiskRecorder_OnResult(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	v := env.createVault(t)

	store, err := audit.NewStore(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	r := NewRiskRecorder(env.storage, env.vaults, store, zaptest.NewLogger(t))

	now := time.Now()
	result := &monitor.MonitorResult{
		RiskMetrics: models.RiskMetrics{
			VaultID:             v.ID,
			CurrentLTV:          50,
			MaxLTV:              60.13,
			CurrentHealthFactor: 2,
			RiskLevel:           models.RiskLevelLow,
			Timestamp:           now,
		},
		Alerts: []models.Alert{
			{ID: "alert-1", VaultID: v.ID, Dimension: models.DimensionLTV, Severity: models.SeverityWarning, Timestamp: now},
		},
	}
	require.NoError(t, r.OnResult(ctx, v, models.ReputationScore{Overall: 75}, result))
	// 重复告警在审计库中只记录一次
	require.NoError(t, r.OnResult(ctx, v, models.ReputationScore{Overall: 75}, result))

	history, err := env.storage.GetRiskHistory(ctx, v.ID, now.Add(-time.Minute), now.Add(time.Minute))
	require.NoError(t, err)
	assert.NotEmpty(t, history)

	got, err := env.vaults.GetVault(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, 60.13, got.MaxLTV)
	assert.True(t, now.Equal(got.LastRiskCheck))

	counts, err := store.CountAlerts(ctx, now.Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, counts[models.SeverityWarning])

	require.NoError(t, r.OnResult(ctx, v, models.ReputationScore{}, nil))
}

func TestRiskRecorder_MissingVault(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	r := NewRiskRecorder(env.storage, env.vaults, nil, zaptest.NewLogger(t))

	now := time.Now()
	err := r.OnResult(ctx, &models.Vault{ID: "gone"}, models.ReputationScore{}, &monitor.MonitorResult{
		RiskMetrics: models.RiskMetrics{VaultID: "gone", Timestamp: now},
	})
	assert.ErrorIs(t, err, vault.ErrVaultNotFound)

	// 历史仍然写入
	history, err := env.storage.GetRiskHistory(ctx, "gone", now.Add(-time.Minute), now.Add(time.Minute))
	require.NoError(t, err)
	assert.Len(t, history, 1)
}
