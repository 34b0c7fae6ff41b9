// Package exchange 通过交易所行情接口为各条链提供代币价格和波动率。
package exchange

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MarketClient 只读行情客户端
type MarketClient interface {
	// Name 交易所名称
	Name() string

	// FetchPrice 最新成交价
	FetchPrice(ctx context.Context, symbol string) (float64, error)

	// FetchCloses 按时间升序返回最近 limit 根K线的收盘价
	FetchCloses(ctx context.Context, symbol, timeframe string, limit int) ([]float64, error)
}

// ClientFactory 行情客户端注册表
type ClientFactory struct {
	mu      sync.RWMutex
	clients map[string]MarketClient
}

// NewClientFactory 创建行情客户端注册表
func NewClientFactory() *ClientFactory {
	return &ClientFactory{
		clients: make(map[string]MarketClient),
	}
}

// Register 注册客户端，同名覆盖
func (f *ClientFactory) Register(client MarketClient) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clients[client.Name()] = client
}

// Get 根据交易所名称获取客户端
func (f *ClientFactory) Get(name string) (MarketClient, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	client, ok := f.clients[name]
	if !ok {
		return nil, fmt.Errorf("未注册的交易所: %s", name)
	}
	return client, nil
}

// Names 已注册的交易所名称
func (f *ClientFactory) Names() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	names := make([]string, 0, len(f.clients))
	for name := range f.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
