package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/life2you_mini/creditvault/internal/api"
	"github.com/life2you_mini/creditvault/internal/audit"
	"github.com/life2you_mini/creditvault/internal/config"
	"github.com/life2you_mini/creditvault/internal/exchange"
	"github.com/life2you_mini/creditvault/internal/ltv"
	"github.com/life2you_mini/creditvault/internal/metrics"
	"github.com/life2you_mini/creditvault/internal/models"
	"github.com/life2you_mini/creditvault/internal/monitor"
	"github.com/life2you_mini/creditvault/internal/protection"
	_redisClient "github.com/life2you_mini/creditvault/internal/redis"
	"github.com/life2you_mini/creditvault/internal/risk"
	"github.com/life2you_mini/creditvault/internal/scoring"
	"github.com/life2you_mini/creditvault/internal/vault"
)

// CreditVaultService 信用金库风险服务
type CreditVaultService struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger

	redisClient *goredis.Client
	storage     *_redisClient.StorageClient
	vaults      *vault.Manager
	rules       *protection.RuleStore
	monitor     *monitor.RiskMonitor
	worker      *ProtectionWorker
	feed        *exchange.Feed
	audit       *audit.Store
	server      *api.Server
}

// NewCreditVaultService 创建信用金库风险服务
func NewCreditVaultService(
	parentCtx context.Context,
	cfg *config.Config,
	logger *zap.Logger,
) (*CreditVaultService, error) {
	ctx, cancel := context.WithCancel(parentCtx)
	s := &CreditVaultService{ctx: ctx, cancel: cancel, logger: logger}

	if err := s.init(cfg); err != nil {
		s.closeResources()
		cancel()
		return nil, err
	}
	return s, nil
}

func (s *CreditVaultService) init(cfg *config.Config) error {
	logger := s.logger

	chains, err := ltv.NewChainTable(cfg.Chains)
	if err != nil {
		return fmt.Errorf("初始化链配置失败: %w", err)
	}
	scorer, err := scoring.NewCalculator(cfg.Scoring.Weights)
	if err != nil {
		return fmt.Errorf("初始化评分计算器失败: %w", err)
	}
	riskCalc, err := risk.NewCalculator(cfg.Risk)
	if err != nil {
		return fmt.Errorf("初始化风险计算器失败: %w", err)
	}

	// 初始化Redis
	s.redisClient, err = _redisClient.NewRedisClient(s.ctx, _redisClient.ClientOptions{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
	if err != nil {
		return fmt.Errorf("初始化Redis客户端失败: %w", err)
	}
	s.storage = _redisClient.NewStorageClient(s.redisClient, cfg.Redis.KeyPrefix, cfg.Redis.HistoryRetention)
	queue := s.storage.GetQueueService()

	// Prometheus 指标
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector, err := metrics.NewCollector(registry)
	if err != nil {
		return fmt.Errorf("注册监控指标失败: %w", err)
	}

	// 审计库
	var (
		alertAudit AlertAuditor
		execAudit  ExecutionAuditor
	)
	if cfg.Audit.Enabled {
		if err := os.MkdirAll(filepath.Dir(cfg.Audit.Path), 0o755); err != nil {
			return fmt.Errorf("创建审计目录失败: %w", err)
		}
		s.audit, err = audit.NewStore(cfg.Audit.Path)
		if err != nil {
			return err
		}
		alertAudit, execAudit = s.audit, s.audit
	}

	// 保护规则
	var rules []models.ProtectionRule
	if cfg.Protection.RulesFile != "" {
		rules, err = protection.LoadRules(cfg.Protection.RulesFile)
		if err != nil {
			return fmt.Errorf("加载保护规则失败: %w", err)
		}
	}
	s.rules = protection.NewRuleStore(rules...)
	engine := protection.NewEngine(chains, NewQueueActionExecutor(queue, logger), logger)
	logger.Info("保护规则已加载", zap.Int("rules", s.rules.Count()))

	s.vaults = vault.NewManager(logger, s.redisClient, cfg.Redis.KeyPrefix, chains)
	s.vaults.SetScorer(scorer)

	// 风险监控
	s.monitor, err = monitor.New(cfg.Monitor, monitor.Deps{
		Chains:     chains,
		Calculator: riskCalc,
		Protection: engine,
		Vaults:     s.vaults,
		History:    s.storage,
		Observers: []monitor.Observer{
			NewRiskRecorder(s.storage, s.vaults, alertAudit, logger),
			NewDispatcher(cfg.Monitor.AutoProtection, queue, s.storage, collector, logger),
		},
		Locker:  _redisClient.NewLocker(s.redisClient, cfg.Redis.KeyPrefix),
		Metrics: collector,
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("创建风险监控器失败: %w", err)
	}
	s.vaults.SetVolatilitySource(s.monitor.Volatility)

	s.worker = NewProtectionWorker(WorkerConfig{
		Workers:    cfg.Protection.Workers,
		PopTimeout: cfg.Protection.PopTimeout,
		RetryDelay: cfg.Protection.RetryDelay,
	}, WorkerDeps{
		Queue:      queue,
		Vaults:     s.vaults,
		Rules:      s.rules,
		Engine:     engine,
		Volatility: s.monitor.Volatility,
		Audit:      execAudit,
		Log:        s.storage,
		Metrics:    collector,
	}, logger)

	// 行情
	if cfg.Feed.Enabled {
		factory := exchange.NewClientFactory()
		for _, ec := range cfg.Feed.Exchanges {
			client, err := exchange.NewCCXTClient(ec, logger)
			if err != nil {
				return fmt.Errorf("创建交易所客户端失败: %w", err)
			}
			factory.Register(client)
		}
		s.feed, err = exchange.NewFeed(cfg.Feed, factory, s.monitor, s.vaults, collector, logger)
		if err != nil {
			return fmt.Errorf("创建行情服务失败: %w", err)
		}
	}

	// 运维接口
	if cfg.Metrics.Enabled {
		redisClient := s.redisClient
		s.server = api.NewServer(cfg.Metrics.ListenAddr, api.Deps{
			Risk:    s.monitor,
			Vaults:  s.vaults,
			Agents:  s.vaults,
			History: s.storage,
			Checks: map[string]api.HealthCheck{
				"redis": func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
			},
			Gatherer: registry,
			Logger:   logger,
		})
	}
	return nil
}

// Vaults 金库管理器
func (s *CreditVaultService) Vaults() *vault.Manager {
	return s.vaults
}

// Monitor 风险监控器
func (s *CreditVaultService) Monitor() *monitor.RiskMonitor {
	return s.monitor
}

// Start 启动服务
func (s *CreditVaultService) Start() error {
	s.logger.Info("启动信用金库风险服务")

	if s.server != nil {
		s.server.Start()
	}
	// 先拉取一次行情，首轮检查使用最新价格
	if s.feed != nil {
		if err := s.feed.Start(s.ctx); err != nil {
			return fmt.Errorf("启动行情服务失败: %w", err)
		}
	}
	if err := s.worker.Start(s.ctx); err != nil {
		return fmt.Errorf("启动保护执行器失败: %w", err)
	}
	if err := s.monitor.Start(s.ctx); err != nil {
		return fmt.Errorf("启动风险监控失败: %w", err)
	}
	return nil
}

// Stop 停止服务
func (s *CreditVaultService) Stop(ctx context.Context) error {
	s.logger.Info("停止信用金库风险服务")

	var errs []error
	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("关闭运维接口失败: %w", err))
		}
	}
	if err := s.monitor.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("停止风险监控失败: %w", err))
	}
	if s.feed != nil {
		if err := s.feed.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("停止行情服务失败: %w", err))
		}
	}
	if err := s.worker.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("停止保护执行器失败: %w", err))
	}

	// 取消服务上下文
	s.cancel()
	s.closeResources()

	if err := ctx.Err(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (s *CreditVaultService) closeResources() {
	if s.audit != nil {
		if err := s.audit.Close(); err != nil {
			s.logger.Error("关闭审计库失败", zap.Error(err))
		}
	}
	if s.redisClient != nil {
		if err := s.redisClient.Close(); err != nil {
			s.logger.Error("关闭Redis连接失败", zap.Error(err))
		}
	}
}
