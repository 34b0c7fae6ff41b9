package exchange

import (
	"context"
	"fmt"
	"strings"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// 支持的交易所
const (
	Binance = "binance"
	OKX     = "okx"
	Bitget  = "bitget"
)

// ccxtMarket ccxt 交易所实例中用到的行情方法
type ccxtMarket interface {
	FetchTicker(symbol string, options ...ccxt.FetchTickerOptions) (ccxt.Ticker, error)
	FetchOHLCV(symbol string, options ...ccxt.FetchOHLCVOptions) ([]ccxt.OHLCV, error)
}

// ClientConfig 交易所连接配置，行情接口不需要密钥
type ClientConfig struct {
	Name              string  `mapstructure:"name"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Proxy             string  `mapstructure:"proxy"`
}

// CCXTClient 基于 ccxt 的行情客户端
type CCXTClient struct {
	name    string
	market  ccxtMarket
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewCCXTClient 创建行情客户端
func NewCCXTClient(cfg ClientConfig, logger *zap.Logger) (*CCXTClient, error) {
	userConfig := map[string]interface{}{
		"enableRateLimit": true,
	}
	if cfg.Proxy != "" {
		userConfig["httpsProxy"] = cfg.Proxy
	}

	name := strings.ToLower(cfg.Name)
	var market ccxtMarket
	switch name {
	case Binance:
		market = ccxt.NewBinance(userConfig)
	case OKX:
		market = ccxt.NewOkx(userConfig)
	case Bitget:
		market = ccxt.NewBitget(userConfig)
	default:
		return nil, fmt.Errorf("不支持的交易所: %s", cfg.Name)
	}

	return newClient(name, market, cfg.RequestsPerSecond, logger), nil
}

func newClient(name string, market ccxtMarket, rps float64, logger *zap.Logger) *CCXTClient {
	if rps <= 0 {
		rps = 5
	}
	return &CCXTClient{
		name:    name,
		market:  market,
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
		logger:  logger.With(zap.String("component", "exchange"), zap.String("exchange", name)),
	}
}

// Name 交易所名称
func (c *CCXTClient) Name() string {
	return c.name
}

// FetchPrice 获取最新价格
func (c *CCXTClient) FetchPrice(ctx context.Context, symbol string) (float64, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, err
	}

	ticker, err := c.market.FetchTicker(symbol)
	if err != nil {
		c.logger.Error("获取价格失败", zap.String("symbol", symbol), zap.Error(err))
		return 0, fmt.Errorf("获取%s价格失败: %w", c.name, err)
	}
	if ticker.Last == nil || *ticker.Last <= 0 {
		return 0, fmt.Errorf("%s %s 价格数据格式错误", c.name, symbol)
	}
	return *ticker.Last, nil
}

// FetchCloses 获取K线收盘价
func (c *CCXTClient) FetchCloses(ctx context.Context, symbol, timeframe string, limit int) ([]float64, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	candles, err := c.market.FetchOHLCV(symbol,
		ccxt.WithFetchOHLCVTimeframe(timeframe),
		ccxt.WithFetchOHLCVLimit(int64(limit)))
	if err != nil {
		c.logger.Error("获取K线失败", zap.String("symbol", symbol), zap.Error(err))
		return nil, fmt.Errorf("获取%s K线失败: %w", c.name, err)
	}

	closes := make([]float64, 0, len(candles))
	for _, k := range candles {
		closes = append(closes, k.Close)
	}
	return closes, nil
}
