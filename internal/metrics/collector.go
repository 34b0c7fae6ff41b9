package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/life2you_mini/creditvault/internal/models"
)

const namespace = "creditvault"

// Collector 风险引擎的 Prometheus 指标
type Collector struct {
	ticks          *prometheus.CounterVec
	tickDuration   prometheus.Histogram
	vaultsChecked  prometheus.Gauge
	alertsRaised   *prometheus.CounterVec
	activeAlerts   prometheus.Gauge
	riskScore      *prometheus.GaugeVec
	vaultLTV       *prometheus.GaugeVec
	executions     *prometheus.CounterVec
	queuedRequests *prometheus.CounterVec
	feedErrors     *prometheus.CounterVec
}

// NewCollector 创建并注册指标，reg 为空时使用默认注册表
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "ticks_total",
			Help:      "Risk monitor check rounds by outcome.",
		}, []string{"outcome"}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "tick_duration_seconds",
			Help:      "Duration of a risk monitor check round.",
			Buckets:   prometheus.DefBuckets,
		}),
		vaultsChecked: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "vaults_checked",
			Help:      "Vaults evaluated in the most recent check round.",
		}),
		alertsRaised: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "alerts_raised_total",
			Help:      "Alerts raised by dimension and severity.",
		}, []string{"dimension", "severity"}),
		activeAlerts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "active_alerts",
			Help:      "Alerts not yet acknowledged.",
		}),
		riskScore: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "vault",
			Name:      "risk_score",
			Help:      "Latest composite risk score per vault.",
		}, []string{"vault_id", "level"}),
		vaultLTV: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "vault",
			Name:      "ltv_percent",
			Help:      "Latest loan-to-value per vault.",
		}, []string{"vault_id"}),
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "protection",
			Name:      "rule_results_total",
			Help:      "Protection rule evaluations by outcome.",
		}, []string{"outcome"}),
		queuedRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "protection",
			Name:      "requests_total",
			Help:      "Auto protection requests by dispatch outcome.",
		}, []string{"outcome"}),
		feedErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "errors_total",
			Help:      "Market feed errors by chain.",
		}, []string{"chain_id"}),
	}

	for _, col := range []prometheus.Collector{
		c.ticks, c.tickDuration, c.vaultsChecked, c.alertsRaised, c.activeAlerts,
		c.riskScore, c.vaultLTV, c.executions, c.queuedRequests, c.feedErrors,
	} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// ObserveTick 记录一轮检查
func (c *Collector) ObserveTick(d time.Duration, vaults int, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.ticks.WithLabelValues(outcome).Inc()
	c.tickDuration.Observe(d.Seconds())
	c.vaultsChecked.Set(float64(vaults))
}

// AlertRaised 记录新告警
func (c *Collector) AlertRaised(dim models.AlertDimension, sev models.AlertSeverity) {
	c.alertsRaised.WithLabelValues(string(dim), string(sev)).Inc()
}

// ActiveAlerts 未确认告警数
func (c *Collector) ActiveAlerts(n int) {
	c.activeAlerts.Set(float64(n))
}

// ObserveRisk 记录金库的最新风险指标，风险等级变化时旧标签被删除
func (c *Collector) ObserveRisk(m models.RiskMetrics) {
	for _, level := range []models.RiskLevel{
		models.RiskLevelLow, models.RiskLevelMedium, models.RiskLevelHigh, models.RiskLevelCritical,
	} {
		if level != m.RiskLevel {
			c.riskScore.DeleteLabelValues(m.VaultID, string(level))
		}
	}
	c.riskScore.WithLabelValues(m.VaultID, string(m.RiskLevel)).Set(m.RiskScore)
	c.vaultLTV.WithLabelValues(m.VaultID).Set(m.CurrentLTV)
}

// ObserveExecution 记录规则执行结果
func (c *Collector) ObserveExecution(r models.ExecutionResult) {
	switch {
	case r.Executed:
		c.executions.WithLabelValues("executed").Inc()
	case r.SkipReason != "":
		c.executions.WithLabelValues("skipped").Inc()
	default:
		c.executions.WithLabelValues("failed").Inc()
	}
}

// ProtectionRequest 记录保护请求的分发结果
func (c *Collector) ProtectionRequest(outcome string) {
	c.queuedRequests.WithLabelValues(outcome).Inc()
}

// FeedError 记录行情源错误
func (c *Collector) FeedError(chainID string) {
	c.feedErrors.WithLabelValues(chainID).Inc()
}
