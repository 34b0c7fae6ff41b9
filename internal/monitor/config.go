package monitor

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidConfig 监控配置非法
var ErrInvalidConfig = errors.New("monitor: invalid config")

// AlertThresholds 告警阈值
// LTV 按 >= 比较，健康因子按 <= 比较
type AlertThresholds struct {
	LTVWarning           float64 `mapstructure:"ltv_warning" json:"ltv_warning"`
	LTVAlert             float64 `mapstructure:"ltv_alert" json:"ltv_alert"`
	LTVCritical          float64 `mapstructure:"ltv_critical" json:"ltv_critical"`
	HealthFactorWarning  float64 `mapstructure:"health_factor_warning" json:"health_factor_warning"`
	HealthFactorAlert    float64 `mapstructure:"health_factor_alert" json:"health_factor_alert"`
	HealthFactorCritical float64 `mapstructure:"health_factor_critical" json:"health_factor_critical"`
}

// AutoProtection 自动保护配置，由服务层的分发器执行
type AutoProtection struct {
	Enabled               bool          `mapstructure:"enabled" json:"enabled"`
	MaxProtectionTriggers int           `mapstructure:"max_protection_triggers" json:"max_protection_triggers"` // 冷却窗口内单个金库最多触发次数
	ProtectionCooldown    time.Duration `mapstructure:"protection_cooldown" json:"protection_cooldown"`
}

// Config 风险监控配置
type Config struct {
	CheckInterval   time.Duration   `mapstructure:"check_interval"`
	AlertThresholds AlertThresholds `mapstructure:"alert_thresholds"`
	AutoProtection  AutoProtection  `mapstructure:"auto_protection"`
	AlertRetention  time.Duration   `mapstructure:"alert_retention"` // 已确认告警保留时长
	MaxHistory      int             `mapstructure:"max_history"`     // 每个金库保留的历史样本数
	TickTimeout     time.Duration   `mapstructure:"tick_timeout"`
	LockKey         string          `mapstructure:"lock_key"`       // 不含 Redis 键前缀
}

// DefaultThresholds 默认告警阈值
var DefaultThresholds = AlertThresholds{
	LTVWarning:           70,
	LTVAlert:             80,
	LTVCritical:          90,
	HealthFactorWarning:  1.5,
	HealthFactorAlert:    1.2,
	HealthFactorCritical: 1.05,
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		CheckInterval:   30 * time.Second,
		AlertThresholds: DefaultThresholds,
		AutoProtection: AutoProtection{
			Enabled:               false,
			MaxProtectionTriggers: 3,
			ProtectionCooldown:    time.Hour,
		},
		AlertRetention: 24 * time.Hour,
		MaxHistory:     100,
		TickTimeout:    20 * time.Second,
		LockKey:        "lock:monitor_tick",
	}
}

// Validate 校验配置
func (c Config) Validate() error {
	t := c.AlertThresholds
	switch {
	case c.CheckInterval <= 0:
		return fmt.Errorf("%w: check_interval must be positive", ErrInvalidConfig)
	case !(t.LTVWarning <= t.LTVAlert && t.LTVAlert <= t.LTVCritical):
		return fmt.Errorf("%w: ltv thresholds must satisfy warning <= alert <= critical", ErrInvalidConfig)
	case !(t.HealthFactorWarning >= t.HealthFactorAlert && t.HealthFactorAlert >= t.HealthFactorCritical):
		return fmt.Errorf("%w: health factor thresholds must satisfy warning >= alert >= critical", ErrInvalidConfig)
	case t.LTVWarning <= 0 || t.HealthFactorCritical <= 0:
		return fmt.Errorf("%w: thresholds must be positive", ErrInvalidConfig)
	case c.AutoProtection.Enabled && c.AutoProtection.MaxProtectionTriggers <= 0:
		return fmt.Errorf("%w: max_protection_triggers must be positive", ErrInvalidConfig)
	case c.AutoProtection.Enabled && c.AutoProtection.ProtectionCooldown < 0:
		return fmt.Errorf("%w: protection_cooldown must not be negative", ErrInvalidConfig)
	case c.MaxHistory < 0:
		return fmt.Errorf("%w: max_history must not be negative", ErrInvalidConfig)
	}
	return nil
}
