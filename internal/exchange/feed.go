package exchange

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/life2you_mini/creditvault/internal/models"
)

// ChainFeed 单条链的行情来源
type ChainFeed struct {
	Exchange         string             `mapstructure:"exchange"`
	Symbols          map[string]string  `mapstructure:"symbols"`           // 代币 -> 交易对
	StaticPrices     map[string]float64 `mapstructure:"static_prices"`     // 稳定币等固定价格
	VolatilitySymbol string             `mapstructure:"volatility_symbol"` // 计算波动率使用的交易对
}

// FeedConfig 行情轮询配置
type FeedConfig struct {
	Enabled   bool                 `mapstructure:"enabled"`
	Interval  time.Duration        `mapstructure:"interval"`
	Timeframe string               `mapstructure:"timeframe"`
	Candles   int                  `mapstructure:"candles"`
	Exchanges []ClientConfig       `mapstructure:"exchanges"`
	Chains    map[string]ChainFeed `mapstructure:"chains"`
}

// MarketUpdater 接收合并后的市场数据
type MarketUpdater interface {
	UpdateMarketData(chainID string, update models.MarketDataUpdate) models.MarketData
}

// Revaluer 按最新价格重估金库
type Revaluer interface {
	Revalue(ctx context.Context, chainID string, prices map[string]float64) (int, error)
}

// ErrorSink 记录行情错误
type ErrorSink interface {
	FeedError(chainID string)
}

// Feed 定时拉取各链价格和波动率
type Feed struct {
	cfg      FeedConfig
	clients  *ClientFactory
	markets  MarketUpdater
	revaluer Revaluer
	errors   ErrorSink
	logger   *zap.Logger

	mutex     sync.Mutex
	isRunning bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewFeed 创建行情轮询，revaluer 和 errs 可以为空
func NewFeed(cfg FeedConfig, clients *ClientFactory, markets MarketUpdater, revaluer Revaluer, errs ErrorSink, logger *zap.Logger) (*Feed, error) {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Timeframe == "" {
		cfg.Timeframe = "1h"
	}
	if cfg.Candles < 3 {
		cfg.Candles = 24
	}
	for chainID, cf := range cfg.Chains {
		if _, err := clients.Get(cf.Exchange); err != nil {
			return nil, fmt.Errorf("链 %s: %w", chainID, err)
		}
	}
	return &Feed{
		cfg:      cfg,
		clients:  clients,
		markets:  markets,
		revaluer: revaluer,
		errors:   errs,
		logger:   logger.With(zap.String("component", "market_feed")),
	}, nil
}

// Start 启动轮询，先同步拉取一次
func (f *Feed) Start(parent context.Context) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if f.isRunning {
		return nil
	}

	ctx, cancel := context.WithCancel(parent)
	f.cancel = cancel
	f.isRunning = true

	f.logger.Info("启动行情轮询",
		zap.Duration("间隔", f.cfg.Interval),
		zap.Int("链数量", len(f.cfg.Chains)))

	if err := f.PollOnce(ctx); err != nil {
		f.logger.Warn("首次拉取行情失败", zap.Error(err))
	}

	f.wg.Add(1)
	go f.loop(ctx)
	return nil
}

// Stop 停止轮询
func (f *Feed) Stop() error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if !f.isRunning {
		return nil
	}
	f.cancel()

	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		f.logger.Info("行情轮询已停止")
	case <-time.After(5 * time.Second):
		f.logger.Warn("行情轮询停止超时")
	}

	f.isRunning = false
	return nil
}

func (f *Feed) loop(ctx context.Context) {
	defer f.wg.Done()

	ticker := time.NewTicker(f.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.PollOnce(ctx); err != nil {
				f.logger.Warn("拉取行情失败", zap.Error(err))
			}
		}
	}
}

// PollOnce 拉取所有链的行情，单条链失败不影响其他链
func (f *Feed) PollOnce(ctx context.Context) error {
	chainIDs := make([]string, 0, len(f.cfg.Chains))
	for id := range f.cfg.Chains {
		chainIDs = append(chainIDs, id)
	}
	sort.Strings(chainIDs)

	var errs []error
	for _, chainID := range chainIDs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := f.pollChain(ctx, chainID, f.cfg.Chains[chainID]); err != nil {
			if f.errors != nil {
				f.errors.FeedError(chainID)
			}
			errs = append(errs, fmt.Errorf("%s: %w", chainID, err))
		}
	}
	return errors.Join(errs...)
}

func (f *Feed) pollChain(ctx context.Context, chainID string, cf ChainFeed) error {
	client, err := f.clients.Get(cf.Exchange)
	if err != nil {
		return err
	}

	// 配置中的代币名可能被转成小写
	prices := make(map[string]float64, len(cf.Symbols)+len(cf.StaticPrices))
	for token, price := range cf.StaticPrices {
		prices[strings.ToUpper(token)] = price
	}

	var errs []error
	for token, symbol := range cf.Symbols {
		price, err := client.FetchPrice(ctx, symbol)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		prices[strings.ToUpper(token)] = price
	}

	update := models.MarketDataUpdate{PriceFeeds: prices}
	if cf.VolatilitySymbol != "" {
		closes, err := client.FetchCloses(ctx, cf.VolatilitySymbol, f.cfg.Timeframe, f.cfg.Candles)
		if err != nil {
			errs = append(errs, err)
		} else if len(closes) >= 3 {
			vol := RealizedVolatility(closes)
			update.Volatility = &vol
		}
	}

	md := f.markets.UpdateMarketData(chainID, update)

	if f.revaluer != nil && len(prices) > 0 {
		n, err := f.revaluer.Revalue(ctx, chainID, md.PriceFeeds)
		if err != nil {
			errs = append(errs, fmt.Errorf("重估金库失败: %w", err))
		} else if n > 0 {
			f.logger.Debug("重估金库", zap.String("chain_id", chainID), zap.Int("count", n))
		}
	}
	return errors.Join(errs...)
}
