package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/life2you_mini/creditvault/internal/models"
)

// MockMarketClient 行情客户端的模拟实现
type MockMarketClient struct {
	mock.Mock
	ExchangeName string
}

// Name 交易所名称
func (m *MockMarketClient) Name() string {
	return m.ExchangeName
}

// FetchPrice 获取价格的模拟实现
func (m *MockMarketClient) FetchPrice(ctx context.Context, symbol string) (float64, error) {
	args := m.Called(ctx, symbol)
	return args.Get(0).(float64), args.Error(1)
}

// FetchCloses 获取收盘价的模拟实现
func (m *MockMarketClient) FetchCloses(ctx context.Context, symbol, timeframe string, limit int) ([]float64, error) {
	args := m.Called(ctx, symbol, timeframe, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]float64), args.Error(1)
}

// MockMarketUpdater 市场数据接收方的模拟实现
type MockMarketUpdater struct {
	mock.Mock
}

// UpdateMarketData 合并市场数据的模拟实现
func (m *MockMarketUpdater) UpdateMarketData(chainID string, update models.MarketDataUpdate) models.MarketData {
	args := m.Called(chainID, update)
	return args.Get(0).(models.MarketData)
}

// MockRevaluer 金库重估的模拟实现
type MockRevaluer struct {
	mock.Mock
}

// Revalue 重估金库的模拟实现
func (m *MockRevaluer) Revalue(ctx context.Context, chainID string, prices map[string]float64) (int, error) {
	args := m.Called(ctx, chainID, prices)
	return args.Int(0), args.Error(1)
}
