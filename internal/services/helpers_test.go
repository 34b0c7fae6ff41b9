package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/life2you_mini/creditvault/internal/ltv"
	"github.com/life2you_mini/creditvault/internal/models"
	"github.com/life2you_mini/creditvault/internal/redis"
	"github.com/life2you_mini/creditvault/internal/vault"
)

const testPrefix = "cv:"

var testChains = ltv.ChainTable{
	"ethereum": {
		ChainID:              "ethereum",
		BaseMultiplier:       1.0,
		ScoreMultiplier:      0.1,
		VolatilityMultiplier: 0.95,
		MinHealthFactor:      1.1,
		LiquidationPenalty:   5,
		GracePeriodSeconds:   3600,
	},
}

type testEnv struct {
	mr      *miniredis.Miniredis
	client  *goredis.Client
	storage *redis.StorageClient
	queue   *redis.QueueService
	vaults  *vault.Manager
}

func newTestEnv(t *testing.T) *testEnv {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	storage := redis.NewStorageClient(client, testPrefix, time.Hour)
	return &testEnv{
		mr:      mr,
		client:  client,
		storage: storage,
		queue:   storage.GetQueueService(),
		vaults:  vault.NewManager(zaptest.NewLogger(t), client, testPrefix, testChains),
	}
}

// createVault 创建 GOLD 等级借款实体的金库：100万抵押，50万债务
func (e *testEnv) createVault(t *testing.T) *models.Vault {
	ctx := context.Background()
	require.NoError(t, e.vaults.PutAgent(ctx, models.Agent{ID: "agent-1", Score: models.ReputationScore{Overall: 75}}))

	v, err := e.vaults.CreateVault(ctx, vault.CreateRequest{
		OwnerID: "agent-1",
		ChainID: "ethereum",
		Collateral: models.Asset{
			Token:    "ETH",
			Amount:   decimal.NewFromInt(500),
			ValueUSD: 1_000_000,
		},
		Protection: models.LiquidationProtection{Enabled: true, ThresholdLTV: 45, CooldownSeconds: 600},
		Condition:  ltv.MarketNormal,
	})
	require.NoError(t, err)

	v, err = e.vaults.UpdateDebt(ctx, v.ID, models.Asset{
		Token:    "USDC",
		Amount:   decimal.NewFromInt(500_000),
		ValueUSD: 500_000,
	})
	require.NoError(t, err)
	return v
}

type outcomeRecorder struct {
	mu         sync.Mutex
	outcomes   map[string]int
	executions []models.ExecutionResult
}

func newOutcomeRecorder() *outcomeRecorder {
	return &outcomeRecorder{outcomes: map[string]int{}}
}

func (r *outcomeRecorder) ProtectionRequest(outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes[outcome]++
}

func (r *outcomeRecorder) ObserveExecution(res models.ExecutionResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executions = append(r.executions, res)
}

func (r *outcomeRecorder) count(outcome string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outcomes[outcome]
}
