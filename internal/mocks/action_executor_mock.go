package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/life2you_mini/creditvault/internal/models"
)

// MockActionExecutor 保护动作执行方的模拟实现
type MockActionExecutor struct {
	mock.Mock
}

// Notify 通知的模拟实现
func (m *MockActionExecutor) Notify(ctx context.Context, vault *models.Vault, params map[string]float64) error {
	args := m.Called(ctx, vault, params)
	return args.Error(0)
}

// AutoRepay 自动还款的模拟实现
func (m *MockActionExecutor) AutoRepay(ctx context.Context, vault *models.Vault, params map[string]float64) error {
	args := m.Called(ctx, vault, params)
	return args.Error(0)
}

// IncreaseCollateral 追加抵押品的模拟实现
func (m *MockActionExecutor) IncreaseCollateral(ctx context.Context, vault *models.Vault, params map[string]float64) error {
	args := m.Called(ctx, vault, params)
	return args.Error(0)
}

// ReduceDebt 减少债务的模拟实现
func (m *MockActionExecutor) ReduceDebt(ctx context.Context, vault *models.Vault, params map[string]float64) error {
	args := m.Called(ctx, vault, params)
	return args.Error(0)
}
