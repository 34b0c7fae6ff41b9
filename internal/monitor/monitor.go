package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/life2you_mini/creditvault/internal/ltv"
	"github.com/life2you_mini/creditvault/internal/models"
	"github.com/life2you_mini/creditvault/internal/risk"
)

// ErrCheckInProgress 上一轮检查尚未结束
var ErrCheckInProgress = errors.New("monitor: check already in progress")

// MonitoredVault 周期检查的对象：金库及其所有者的声誉评分
type MonitoredVault struct {
	Vault *models.Vault
	Score models.ReputationScore
}

// VaultSource 周期检查使用的金库来源
type VaultSource interface {
	ActiveVaults(ctx context.Context) ([]MonitoredVault, error)
}

// ProtectionChecker 判断是否需要触发保护
type ProtectionChecker interface {
	ShouldTriggerProtection(vault *models.Vault, score models.ReputationScore, volatility float64) (bool, error)
}

// Observer 接收每个金库的监控结果，例如持久化历史或分发保护请求
type Observer interface {
	OnResult(ctx context.Context, vault *models.Vault, score models.ReputationScore, result *MonitorResult) error
}

// TickLocker 多实例部署时保证同一时刻只有一个实例执行周期检查
type TickLocker interface {
	SetLock(ctx context.Context, key string, expiration time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key string) error
}

// MetricsSink 监控指标
type MetricsSink interface {
	ObserveTick(d time.Duration, vaults int, err error)
	AlertRaised(dim models.AlertDimension, sev models.AlertSeverity)
	ObserveRisk(m models.RiskMetrics)
	ActiveAlerts(n int)
}

// HistorySource 持久化的LTV样本，重启后用于恢复方差计算所需的历史
type HistorySource interface {
	RecentLTV(ctx context.Context, vaultID string, n int64) ([]float64, error)
}

// Deps 监控依赖，Vaults、History、Observers、Locker、Metrics 和 Now 可以为空
type Deps struct {
	Chains     ltv.ChainTable
	Calculator *risk.Calculator
	Protection ProtectionChecker
	Vaults     VaultSource
	History    HistorySource
	Observers  []Observer
	Locker     TickLocker
	Metrics    MetricsSink
	Logger     *zap.Logger
	Now        func() time.Time
}

// MonitorResult 单个金库的监控结果
type MonitorResult struct {
	RiskMetrics         models.RiskMetrics `json:"risk_metrics"`
	Alerts              []models.Alert     `json:"alerts"`
	ProtectionTriggered bool               `json:"protection_triggered"`
}

// CheckReport 一轮周期检查的汇总
type CheckReport struct {
	Checked   int           `json:"checked"`
	Failed    int           `json:"failed"`
	NewAlerts int           `json:"new_alerts"`
	Triggered int           `json:"triggered"`
	Pruned    int           `json:"pruned"`
	Duration  time.Duration `json:"duration"`
}

// RiskSummary 告警和风险等级的汇总
type RiskSummary struct {
	TotalAlerts     int                           `json:"total_alerts"`
	ActiveAlerts    int                           `json:"active_alerts"`
	BySeverity      map[models.AlertSeverity]int  `json:"by_severity"`
	ByDimension     map[models.AlertDimension]int `json:"by_dimension"`
	VaultsWithAlert int                           `json:"vaults_with_alert"`
	CriticalVaults  []string                      `json:"critical_vaults"`
	RiskLevels      map[models.RiskLevel]int      `json:"risk_levels"`
	MonitoredVaults int                           `json:"monitored_vaults"`
	LastCheck       time.Time                     `json:"last_check"`
}

// RiskMonitor 风险监控器
type RiskMonitor struct {
	cfg  Config
	deps Deps

	logger  *zap.Logger
	now     func() time.Time
	alerts  *AlertStore
	markets *MarketStore
	history *historyStore

	ticking atomic.Bool

	mutex     sync.Mutex
	isRunning bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New 创建风险监控器
func New(cfg Config, deps Deps) (*RiskMonitor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Calculator == nil {
		return nil, fmt.Errorf("%w: risk calculator is required", ErrInvalidConfig)
	}
	if deps.Protection == nil {
		return nil, fmt.Errorf("%w: protection checker is required", ErrInvalidConfig)
	}
	if len(deps.Chains) == 0 {
		return nil, fmt.Errorf("%w: chain table is empty", ErrInvalidConfig)
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	if cfg.TickTimeout <= 0 {
		cfg.TickTimeout = cfg.CheckInterval
	}

	return &RiskMonitor{
		cfg:     cfg,
		deps:    deps,
		logger:  deps.Logger.With(zap.String("component", "risk_monitor")),
		now:     now,
		alerts:  NewAlertStore(),
		markets: NewMarketStore(),
		history: newHistoryStore(cfg.MaxHistory),
	}, nil
}

// Config 当前配置
func (m *RiskMonitor) Config() Config {
	return m.cfg
}

// Start 启动周期检查，重复启动无操作
func (m *RiskMonitor) Start(parent context.Context) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.isRunning {
		m.logger.Debug("风险监控器已在运行")
		return nil
	}

	ctx, cancel := context.WithCancel(parent)
	m.cancel = cancel
	m.isRunning = true

	m.logger.Info("启动风险监控器",
		zap.Duration("检查间隔", m.cfg.CheckInterval),
		zap.Bool("自动保护", m.cfg.AutoProtection.Enabled))

	m.wg.Add(1)
	go m.loop(ctx)
	return nil
}

// Stop 停止周期检查，不会中断正在执行的检查
func (m *RiskMonitor) Stop() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if !m.isRunning {
		return nil
	}

	m.logger.Info("停止风险监控器")
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("风险监控器已停止")
	case <-time.After(m.cfg.TickTimeout + 5*time.Second):
		m.logger.Warn("风险监控器停止超时")
	}

	m.isRunning = false
	return nil
}

// IsRunning 是否在运行
func (m *RiskMonitor) IsRunning() bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.isRunning
}

func (m *RiskMonitor) loop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// 停止后不再开始新的检查
			if ctx.Err() != nil {
				return
			}
			m.tick(ctx)
		}
	}
}

// tick 单轮检查，错误和panic都在这里兜住
func (m *RiskMonitor) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("周期检查发生panic", zap.Any("panic", r))
		}
	}()

	// 检查开始后不受 Stop 影响，只受超时约束
	tickCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.TickTimeout)
	defer cancel()

	report, err := m.CheckAll(tickCtx)
	switch {
	case errors.Is(err, ErrCheckInProgress):
		m.logger.Warn("上一轮检查尚未结束，跳过本轮")
	case err != nil:
		m.logger.Error("周期检查失败", zap.Error(err))
	case report != nil:
		m.logger.Debug("周期检查完成",
			zap.Int("checked", report.Checked),
			zap.Int("failed", report.Failed),
			zap.Int("new_alerts", report.NewAlerts),
			zap.Int("triggered", report.Triggered),
			zap.Duration("duration", report.Duration))
	}
}

// CheckAll 检查所有活跃金库，与正在进行的检查重叠时返回 ErrCheckInProgress
func (m *RiskMonitor) CheckAll(ctx context.Context) (report *CheckReport, err error) {
	if !m.ticking.CompareAndSwap(false, true) {
		return nil, ErrCheckInProgress
	}
	defer m.ticking.Store(false)

	start := m.now()
	report = &CheckReport{}
	defer func() {
		report.Duration = m.now().Sub(start)
		if m.deps.Metrics != nil {
			m.deps.Metrics.ObserveTick(report.Duration, report.Checked, err)
			m.deps.Metrics.ActiveAlerts(len(m.alerts.Active()))
		}
	}()

	if m.deps.Locker != nil {
		ok, lockErr := m.deps.Locker.SetLock(ctx, m.cfg.LockKey, m.cfg.TickTimeout)
		if lockErr != nil {
			return report, fmt.Errorf("获取检查锁失败: %w", lockErr)
		}
		if !ok {
			m.logger.Debug("其他实例正在执行检查")
			return report, nil
		}
		defer func() {
			if err := m.deps.Locker.ReleaseLock(context.WithoutCancel(ctx), m.cfg.LockKey); err != nil {
				m.logger.Warn("释放检查锁失败", zap.Error(err))
			}
		}()
	}

	if m.cfg.AlertRetention > 0 {
		report.Pruned = m.alerts.Prune(start.Add(-m.cfg.AlertRetention))
	}

	if m.deps.Vaults == nil {
		return report, nil
	}
	vaults, err := m.deps.Vaults.ActiveVaults(ctx)
	if err != nil {
		return report, fmt.Errorf("获取活跃金库失败: %w", err)
	}

	for _, mv := range vaults {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		result, created, err := m.checkOne(ctx, mv)
		if err != nil {
			report.Failed++
			m.logger.Error("检查金库失败", zap.String("vault_id", vaultID(mv.Vault)), zap.Error(err))
			continue
		}
		report.Checked++
		report.NewAlerts += created
		if result.ProtectionTriggered {
			report.Triggered++
		}
	}
	return report, nil
}

func (m *RiskMonitor) checkOne(ctx context.Context, mv MonitoredVault) (result *MonitorResult, created int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	if mv.Vault == nil {
		return nil, 0, errors.New("金库为空")
	}
	if mv.Vault.Status != models.VaultStatusActive {
		m.history.forget(mv.Vault.ID)
		return &MonitorResult{}, 0, nil
	}
	return m.monitor(ctx, mv.Vault, mv.Score, nil)
}

// MonitorVault 重新评估单个金库，生成告警并报告是否需要触发保护
// 不会执行保护规则；history 为空时使用监控器保存的历史
func (m *RiskMonitor) MonitorVault(ctx context.Context, vault *models.Vault, score models.ReputationScore, history []float64) (*MonitorResult, error) {
	result, _, err := m.monitor(ctx, vault, score, history)
	return result, err
}

func (m *RiskMonitor) monitor(ctx context.Context, vault *models.Vault, score models.ReputationScore, history []float64) (*MonitorResult, int, error) {
	chain, err := m.deps.Chains.Lookup(vault.ChainID)
	if err != nil {
		return nil, 0, err
	}
	volatility := m.markets.Volatility(vault.ChainID)

	storedLTV, storedHF := m.history.ltv(vault.ID)
	if storedLTV == nil {
		storedLTV = m.warmStart(ctx, vault.ID)
	}
	if history == nil {
		history = storedLTV
	}

	metrics := m.deps.Calculator.Evaluate(vault, score, chain, volatility, history, storedHF)
	metrics.Timestamp = m.now()
	m.history.record(metrics)

	alerts, created := m.raiseAlerts(vault.ID, metrics)

	triggered, err := m.deps.Protection.ShouldTriggerProtection(vault, score, volatility)
	if err != nil {
		return nil, created, fmt.Errorf("判断保护触发失败: %w", err)
	}

	result := &MonitorResult{
		RiskMetrics:         metrics,
		Alerts:              alerts,
		ProtectionTriggered: triggered,
	}

	if m.deps.Metrics != nil {
		m.deps.Metrics.ObserveRisk(metrics)
	}
	if triggered {
		m.logger.Warn("金库需要触发清算保护",
			zap.String("vault_id", vault.ID),
			zap.Float64("ltv", metrics.CurrentLTV),
			zap.Float64("health_factor", float64(metrics.CurrentHealthFactor)),
			zap.String("risk_level", string(metrics.RiskLevel)))
	}

	for _, o := range m.deps.Observers {
		if err := o.OnResult(ctx, vault, score, result); err != nil {
			m.logger.Warn("处理监控结果失败", zap.String("vault_id", vault.ID), zap.Error(err))
		}
	}
	return result, created, nil
}

// warmStart 内存中没有历史时从持久化存储加载
func (m *RiskMonitor) warmStart(ctx context.Context, vaultID string) []float64 {
	if m.deps.History == nil {
		return nil
	}
	n := int64(m.cfg.MaxHistory)
	if n <= 0 {
		n = int64(DefaultConfig().MaxHistory)
	}
	samples, err := m.deps.History.RecentLTV(ctx, vaultID, n)
	if err != nil {
		m.logger.Warn("加载LTV历史失败", zap.String("vault_id", vaultID), zap.Error(err))
		return nil
	}
	if len(samples) > 0 {
		m.history.seed(vaultID, samples)
	}
	return samples
}

// Volatility 链的当前波动率
func (m *RiskMonitor) Volatility(chainID string) float64 {
	return m.markets.Volatility(chainID)
}

// raiseAlerts 每个维度至多一条告警，取最高严重程度
func (m *RiskMonitor) raiseAlerts(vaultID string, metrics models.RiskMetrics) ([]models.Alert, int) {
	now := metrics.Timestamp
	alerts := make([]models.Alert, 0, 3)
	created := 0

	for _, c := range evaluateAlerts(m.cfg.AlertThresholds, metrics) {
		alert, isNew := m.alerts.Raise(vaultID, c.dimension, c.severity, c.message, now)
		alerts = append(alerts, alert)
		if isNew {
			created++
			if m.deps.Metrics != nil {
				m.deps.Metrics.AlertRaised(c.dimension, c.severity)
			}
			m.logger.Info("生成风险告警",
				zap.String("vault_id", vaultID),
				zap.String("dimension", string(c.dimension)),
				zap.String("severity", string(c.severity)),
				zap.String("message", c.message))
		}
	}
	return alerts, created
}

// UpdateMarketData 合并链的市场数据
func (m *RiskMonitor) UpdateMarketData(chainID string, update models.MarketDataUpdate) models.MarketData {
	md := m.markets.Merge(chainID, update, m.now())
	m.logger.Debug("更新市场数据",
		zap.String("chain_id", chainID),
		zap.Float64("volatility", md.Volatility),
		zap.Int("price_feeds", len(md.PriceFeeds)))
	return md
}

// MarketData 查询链的市场数据
func (m *RiskMonitor) MarketData(chainID string) (models.MarketData, bool) {
	return m.markets.Get(chainID)
}

// AcknowledgeAlert 确认告警，告警不存在时返回 false
func (m *RiskMonitor) AcknowledgeAlert(id, by string) bool {
	ok := m.alerts.Acknowledge(id, by, m.now())
	if ok {
		m.logger.Info("告警已确认", zap.String("alert_id", id), zap.String("by", by))
	}
	return ok
}

// GetActiveAlerts 未确认的告警
func (m *RiskMonitor) GetActiveAlerts() []models.Alert {
	return m.alerts.Active()
}

// GetVaultAlerts 金库的全部告警
func (m *RiskMonitor) GetVaultAlerts(vaultID string) []models.Alert {
	return m.alerts.ForVault(vaultID)
}

// GetRiskSummary 汇总告警和最近的风险等级
func (m *RiskMonitor) GetRiskSummary() RiskSummary {
	all := m.alerts.All()
	summary := RiskSummary{
		TotalAlerts:    len(all),
		BySeverity:     make(map[models.AlertSeverity]int),
		ByDimension:    make(map[models.AlertDimension]int),
		CriticalVaults: []string{},
		RiskLevels:     make(map[models.RiskLevel]int),
	}

	vaults := make(map[string]bool)
	critical := make(map[string]bool)
	for _, a := range all {
		if a.Acknowledged {
			continue
		}
		summary.ActiveAlerts++
		summary.BySeverity[a.Severity]++
		summary.ByDimension[a.Dimension]++
		vaults[a.VaultID] = true
		if a.Severity == models.SeverityCritical && !critical[a.VaultID] {
			critical[a.VaultID] = true
			summary.CriticalVaults = append(summary.CriticalVaults, a.VaultID)
		}
	}
	summary.VaultsWithAlert = len(vaults)

	levels, last := m.history.levels()
	for _, level := range levels {
		summary.RiskLevels[level]++
	}
	summary.MonitoredVaults = len(levels)
	summary.LastCheck = last
	return summary
}

func vaultID(v *models.Vault) string {
	if v == nil {
		return ""
	}
	return v.ID
}
