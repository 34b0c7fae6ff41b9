package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/life2you_mini/creditvault/internal/exchange"
	"github.com/life2you_mini/creditvault/internal/ltv"
	"github.com/life2you_mini/creditvault/internal/models"
	"github.com/life2you_mini/creditvault/internal/monitor"
	"github.com/life2you_mini/creditvault/internal/risk"
	"github.com/life2you_mini/creditvault/internal/scoring"
)

// 环境变量前缀，如 CREDITVAULT_REDIS_PASSWORD
const envPrefix = "CREDITVAULT"

// Config 应用配置结构
type Config struct {
	Chains     map[string]models.ChainConfig `mapstructure:"chains"`
	Scoring    ScoringConfig                 `mapstructure:"scoring"`
	LTV        LTVConfig                     `mapstructure:"ltv"`
	Risk       risk.Config                   `mapstructure:"risk"`
	Monitor    monitor.Config                `mapstructure:"monitor"`
	Protection ProtectionConfig              `mapstructure:"protection"`
	Redis      RedisConfig                   `mapstructure:"redis"`
	Feed       exchange.FeedConfig           `mapstructure:"feed"`
	Audit      AuditConfig                   `mapstructure:"audit"`
	Metrics    MetricsConfig                 `mapstructure:"metrics"`
	System     SystemConfig                  `mapstructure:"system"`
}

// ScoringConfig 声誉评分配置
type ScoringConfig struct {
	Weights scoring.Weights `mapstructure:"weights"`
}

// LTVConfig 开户时的市场状况
type LTVConfig struct {
	MarketCondition string `mapstructure:"market_condition"`
}

// ProtectionConfig 保护规则与执行配置
type ProtectionConfig struct {
	RulesFile  string        `mapstructure:"rules_file"`
	Workers    int           `mapstructure:"workers"`
	PopTimeout time.Duration `mapstructure:"pop_timeout"`
	RetryDelay time.Duration `mapstructure:"retry_delay"`
}

// RedisConfig Redis配置
type RedisConfig struct {
	Addr             string        `mapstructure:"addr"`
	Password         string        `mapstructure:"password"`
	DB               int           `mapstructure:"db"`
	PoolSize         int           `mapstructure:"pool_size"`
	KeyPrefix        string        `mapstructure:"key_prefix"`
	HistoryRetention time.Duration `mapstructure:"history_retention"`
}

// AuditConfig 审计库配置
type AuditConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// MetricsConfig 运维接口配置
type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
}

// SystemConfig 系统配置
type SystemConfig struct {
	LogLevel      string `mapstructure:"log_level"`
	LogDir        string `mapstructure:"log_dir"`
	LogMaxSizeMB  int    `mapstructure:"log_max_size_mb"`
	LogMaxBackups int    `mapstructure:"log_max_backups"`
	LogMaxAgeDays int    `mapstructure:"log_max_age_days"`
}

// LoadConfig 从文件加载配置，环境变量优先
func LoadConfig(filePath string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(filePath)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}
	return decode(v)
}

// LoadConfigFromYAML 用 yaml.v3 解析文件后合并到默认配置，不读取环境变量
func LoadConfigFromYAML(filePath string) (*Config, error) {
	yamlFile, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var raw map[string]interface{}
	if err := yaml.Unmarshal(yamlFile, &raw); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	if err := v.MergeConfigMap(raw); err != nil {
		return nil, fmt.Errorf("合并配置失败: %w", err)
	}
	return decode(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	// 未配置链时使用默认链
	if len(config.Chains) == 0 {
		config.Chains = GetDefaultConfig().Chains
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}
	return &config, nil
}

// setDefaults 标量默认值，保证环境变量可以覆盖任意已知键
func setDefaults(v *viper.Viper) {
	d := GetDefaultConfig()

	v.SetDefault("scoring.weights.provenance", d.Scoring.Weights.Provenance)
	v.SetDefault("scoring.weights.performance", d.Scoring.Weights.Performance)
	v.SetDefault("scoring.weights.perception", d.Scoring.Weights.Perception)
	v.SetDefault("scoring.weights.verification", d.Scoring.Weights.Verification)

	v.SetDefault("ltv.market_condition", d.LTV.MarketCondition)

	v.SetDefault("risk.weights.ltv", d.Risk.Weights.LTV)
	v.SetDefault("risk.weights.health_factor", d.Risk.Weights.HealthFactor)
	v.SetDefault("risk.weights.reputation", d.Risk.Weights.Reputation)
	v.SetDefault("risk.weights.volatility", d.Risk.Weights.Volatility)
	v.SetDefault("risk.history_window", d.Risk.HistoryWindow)
	v.SetDefault("risk.ltv_warning_ratio", d.Risk.LTVWarningRatio)
	v.SetDefault("risk.health_factor_alarm", d.Risk.HealthFactorAlarm)
	v.SetDefault("risk.reputation_floor", d.Risk.ReputationFloor)

	m := d.Monitor
	v.SetDefault("monitor.check_interval", m.CheckInterval)
	v.SetDefault("monitor.alert_thresholds.ltv_warning", m.AlertThresholds.LTVWarning)
	v.SetDefault("monitor.alert_thresholds.ltv_alert", m.AlertThresholds.LTVAlert)
	v.SetDefault("monitor.alert_thresholds.ltv_critical", m.AlertThresholds.LTVCritical)
	v.SetDefault("monitor.alert_thresholds.health_factor_warning", m.AlertThresholds.HealthFactorWarning)
	v.SetDefault("monitor.alert_thresholds.health_factor_alert", m.AlertThresholds.HealthFactorAlert)
	v.SetDefault("monitor.alert_thresholds.health_factor_critical", m.AlertThresholds.HealthFactorCritical)
	v.SetDefault("monitor.auto_protection.enabled", m.AutoProtection.Enabled)
	v.SetDefault("monitor.auto_protection.max_protection_triggers", m.AutoProtection.MaxProtectionTriggers)
	v.SetDefault("monitor.auto_protection.protection_cooldown", m.AutoProtection.ProtectionCooldown)
	v.SetDefault("monitor.alert_retention", m.AlertRetention)
	v.SetDefault("monitor.max_history", m.MaxHistory)
	v.SetDefault("monitor.tick_timeout", m.TickTimeout)
	v.SetDefault("monitor.lock_key", m.LockKey)

	v.SetDefault("protection.rules_file", d.Protection.RulesFile)
	v.SetDefault("protection.workers", d.Protection.Workers)
	v.SetDefault("protection.pop_timeout", d.Protection.PopTimeout)
	v.SetDefault("protection.retry_delay", d.Protection.RetryDelay)

	v.SetDefault("redis.addr", d.Redis.Addr)
	v.SetDefault("redis.password", d.Redis.Password)
	v.SetDefault("redis.db", d.Redis.DB)
	v.SetDefault("redis.pool_size", d.Redis.PoolSize)
	v.SetDefault("redis.key_prefix", d.Redis.KeyPrefix)
	v.SetDefault("redis.history_retention", d.Redis.HistoryRetention)

	v.SetDefault("feed.enabled", d.Feed.Enabled)
	v.SetDefault("feed.interval", d.Feed.Interval)
	v.SetDefault("feed.timeframe", d.Feed.Timeframe)
	v.SetDefault("feed.candles", d.Feed.Candles)

	v.SetDefault("audit.enabled", d.Audit.Enabled)
	v.SetDefault("audit.path", d.Audit.Path)

	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.listen_addr", d.Metrics.ListenAddr)

	v.SetDefault("system.log_level", d.System.LogLevel)
	v.SetDefault("system.log_dir", d.System.LogDir)
	v.SetDefault("system.log_max_size_mb", d.System.LogMaxSizeMB)
	v.SetDefault("system.log_max_backups", d.System.LogMaxBackups)
	v.SetDefault("system.log_max_age_days", d.System.LogMaxAgeDays)
}

// validateConfig 验证配置有效性
func validateConfig(config *Config) error {
	chains, err := ltv.NewChainTable(config.Chains)
	if err != nil {
		return err
	}

	if err := config.Scoring.Weights.Validate(); err != nil {
		return err
	}
	if err := config.Risk.Weights.Validate(); err != nil {
		return err
	}
	if config.Risk.HistoryWindow <= 0 {
		return fmt.Errorf("risk.history_window 必须大于0")
	}
	if _, err := ltv.ParseMarketCondition(config.LTV.MarketCondition); err != nil {
		return err
	}
	if err := config.Monitor.Validate(); err != nil {
		return err
	}

	if config.Protection.Workers <= 0 {
		return fmt.Errorf("protection.workers 必须大于0")
	}
	if config.Protection.PopTimeout <= 0 {
		return fmt.Errorf("protection.pop_timeout 必须大于0")
	}

	if config.Redis.Addr == "" {
		return fmt.Errorf("Redis地址不能为空")
	}

	if config.Feed.Enabled {
		exchanges := make(map[string]bool, len(config.Feed.Exchanges))
		for _, ex := range config.Feed.Exchanges {
			exchanges[strings.ToLower(ex.Name)] = true
		}
		for chainID, cf := range config.Feed.Chains {
			if _, err := chains.Lookup(chainID); err != nil {
				return fmt.Errorf("行情配置: %w", err)
			}
			if !exchanges[strings.ToLower(cf.Exchange)] {
				return fmt.Errorf("链 %s 使用的交易所 %s 未配置", chainID, cf.Exchange)
			}
		}
	}

	if config.Audit.Enabled && config.Audit.Path == "" {
		return fmt.Errorf("审计库已启用，但路径未配置")
	}
	if config.Metrics.Enabled && config.Metrics.ListenAddr == "" {
		return fmt.Errorf("运维接口已启用，但监听地址未配置")
	}

	return nil
}

// GetDefaultConfig 获取默认配置
func GetDefaultConfig() *Config {
	return &Config{
		Chains: map[string]models.ChainConfig{
			"ethereum": {
				ChainID:              "ethereum",
				BaseMultiplier:       1.0,
				ScoreMultiplier:      0.1,
				VolatilityMultiplier: 0.95,
				MinHealthFactor:      1.1,
				LiquidationPenalty:   5,
				GracePeriodSeconds:   3600,
			},
			"arbitrum": {
				ChainID:              "arbitrum",
				BaseMultiplier:       0.95,
				ScoreMultiplier:      0.1,
				VolatilityMultiplier: 0.93,
				MinHealthFactor:      1.15,
				LiquidationPenalty:   7.5,
				GracePeriodSeconds:   1800,
			},
			"base": {
				ChainID:              "base",
				BaseMultiplier:       0.9,
				ScoreMultiplier:      0.12,
				VolatilityMultiplier: 0.9,
				MinHealthFactor:      1.2,
				LiquidationPenalty:   10,
				GracePeriodSeconds:   900,
			},
		},
		Scoring: ScoringConfig{Weights: scoring.DefaultWeights},
		LTV:     LTVConfig{MarketCondition: string(ltv.MarketNormal)},
		Risk:    risk.DefaultConfig(),
		Monitor: monitor.DefaultConfig(),
		Protection: ProtectionConfig{
			RulesFile:  "",
			Workers:    2,
			PopTimeout: 5 * time.Second,
			RetryDelay: 30 * time.Second,
		},
		Redis: RedisConfig{
			Addr:             "localhost:6379",
			PoolSize:         10,
			KeyPrefix:        "creditvault:",
			HistoryRetention: 7 * 24 * time.Hour,
		},
		Feed: exchange.FeedConfig{
			Enabled:   false,
			Interval:  time.Minute,
			Timeframe: "1h",
			Candles:   24,
		},
		Audit: AuditConfig{
			Enabled: true,
			Path:    "data/audit.db",
		},
		Metrics: MetricsConfig{
			Enabled:    true,
			ListenAddr: ":9090",
		},
		System: SystemConfig{
			LogLevel:      "info",
			LogDir:        "logs",
			LogMaxSizeMB:  100,
			LogMaxBackups: 7,
			LogMaxAgeDays: 30,
		},
	}
}
