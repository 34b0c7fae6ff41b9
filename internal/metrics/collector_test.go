package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/life2you_mini/creditvault/internal/models"
)

func TestCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewCollector(reg)
	require.NoError(t, err)

	c.ObserveTick(200*time.Millisecond, 12, nil)
	c.ObserveTick(time.Second, 0, errors.New("redis down"))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.ticks.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.ticks.WithLabelValues("error")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.vaultsChecked))

	c.AlertRaised(models.DimensionLTV, models.SeverityAlert)
	c.AlertRaised(models.DimensionLTV, models.SeverityAlert)
	assert.Equal(t, 2.0, testutil.ToFloat64(c.alertsRaised.WithLabelValues("LTV", "ALERT")))

	c.ObserveRisk(models.RiskMetrics{VaultID: "v1", RiskLevel: models.RiskLevelHigh, RiskScore: 65, CurrentLTV: 82})
	c.ObserveRisk(models.RiskMetrics{VaultID: "v1", RiskLevel: models.RiskLevelLow, RiskScore: 12, CurrentLTV: 30})
	assert.Equal(t, 1, testutil.CollectAndCount(c.riskScore), "等级变化后只保留一条")
	assert.Equal(t, 12.0, testutil.ToFloat64(c.riskScore.WithLabelValues("v1", "LOW")))
	assert.Equal(t, 30.0, testutil.ToFloat64(c.vaultLTV.WithLabelValues("v1")))

	c.ObserveExecution(models.ExecutionResult{Executed: true})
	c.ObserveExecution(models.ExecutionResult{SkipReason: "cooldown"})
	c.ObserveExecution(models.ExecutionResult{Message: "boom"})
	assert.Equal(t, 1.0, testutil.ToFloat64(c.executions.WithLabelValues("failed")))

	// 重复注册失败
	_, err = NewCollector(reg)
	assert.Error(t, err)
}
