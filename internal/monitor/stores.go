package monitor

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/life2you_mini/creditvault/internal/models"
)

// AlertStore 告警集合，按告警id索引
type AlertStore struct {
	mu     sync.RWMutex
	alerts map[string]*models.Alert
}

// NewAlertStore 创建告警集合
func NewAlertStore() *AlertStore {
	return &AlertStore{alerts: make(map[string]*models.Alert)}
}

// Raise 新增告警
// 同一金库、维度、严重程度已有未确认告警时返回已有告警，created 为 false
func (s *AlertStore) Raise(vaultID string, dim models.AlertDimension, sev models.AlertSeverity, message string, now time.Time) (models.Alert, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range s.alerts {
		if !a.Acknowledged && a.VaultID == vaultID && a.Dimension == dim && a.Severity == sev {
			return copyAlert(a), false
		}
	}

	a := &models.Alert{
		ID:        uuid.NewString(),
		VaultID:   vaultID,
		Dimension: dim,
		Severity:  sev,
		Message:   message,
		Timestamp: now,
	}
	s.alerts[a.ID] = a
	return copyAlert(a), true
}

// Acknowledge 确认告警，重复确认保留第一次的确认人
func (s *AlertStore) Acknowledge(id, by string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.alerts[id]
	if !ok {
		return false
	}
	if a.Acknowledged {
		return true
	}
	at := now
	a.Acknowledged = true
	a.AcknowledgedBy = by
	a.AcknowledgedAt = &at
	return true
}

// Get 查询告警
func (s *AlertStore) Get(id string) (models.Alert, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.alerts[id]
	if !ok {
		return models.Alert{}, false
	}
	return copyAlert(a), true
}

// Active 未确认告警，按时间排序
func (s *AlertStore) Active() []models.Alert {
	return s.filter(func(a *models.Alert) bool { return !a.Acknowledged })
}

// ForVault 金库的全部告警
func (s *AlertStore) ForVault(vaultID string) []models.Alert {
	return s.filter(func(a *models.Alert) bool { return a.VaultID == vaultID })
}

// All 全部告警
func (s *AlertStore) All() []models.Alert {
	return s.filter(func(*models.Alert) bool { return true })
}

// Prune 删除确认时间早于 before 的告警，返回删除数量
func (s *AlertStore) Prune(before time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, a := range s.alerts {
		if a.Acknowledged && a.AcknowledgedAt != nil && a.AcknowledgedAt.Before(before) {
			delete(s.alerts, id)
			n++
		}
	}
	return n
}

func (s *AlertStore) filter(keep func(*models.Alert) bool) []models.Alert {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Alert, 0)
	for _, a := range s.alerts {
		if keep(a) {
			out = append(out, copyAlert(a))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID < out[j].ID
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

func copyAlert(a *models.Alert) models.Alert {
	c := *a
	if a.AcknowledgedAt != nil {
		t := *a.AcknowledgedAt
		c.AcknowledgedAt = &t
	}
	return c
}

// DefaultVolatility 链没有市场数据时使用的波动率
const DefaultVolatility = 1.0

// MarketStore 按链存储市场数据
type MarketStore struct {
	mu   sync.RWMutex
	data map[string]*models.MarketData
}

// NewMarketStore 创建市场数据集合
func NewMarketStore() *MarketStore {
	return &MarketStore{data: make(map[string]*models.MarketData)}
}

// Merge 合并部分更新，不存在时按默认值创建
func (s *MarketStore) Merge(chainID string, update models.MarketDataUpdate, now time.Time) models.MarketData {
	s.mu.Lock()
	defer s.mu.Unlock()

	md, ok := s.data[chainID]
	if !ok {
		md = &models.MarketData{
			ChainID:    chainID,
			Volatility: DefaultVolatility,
			PriceFeeds: make(map[string]float64),
		}
		s.data[chainID] = md
	}
	if update.Volatility != nil {
		md.Volatility = *update.Volatility
	}
	if update.GasPrice != nil {
		md.GasPrice = *update.GasPrice
	}
	if update.BlockNumber != nil {
		md.BlockNumber = *update.BlockNumber
	}
	for token, price := range update.PriceFeeds {
		md.PriceFeeds[token] = price
	}
	md.Timestamp = now
	return copyMarket(md)
}

// Get 查询链的市场数据
func (s *MarketStore) Get(chainID string) (models.MarketData, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	md, ok := s.data[chainID]
	if !ok {
		return models.MarketData{}, false
	}
	return copyMarket(md), true
}

// Volatility 链的当前波动率，缺失时为 DefaultVolatility
func (s *MarketStore) Volatility(chainID string) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if md, ok := s.data[chainID]; ok {
		return md.Volatility
	}
	return DefaultVolatility
}

func copyMarket(md *models.MarketData) models.MarketData {
	c := *md
	c.PriceFeeds = make(map[string]float64, len(md.PriceFeeds))
	for k, v := range md.PriceFeeds {
		c.PriceFeeds[k] = v
	}
	return c
}

// vaultHistory 单个金库的历史样本和最近一次评估
type vaultHistory struct {
	ltv       []float64
	hf        []models.HealthFactor
	lastLevel models.RiskLevel
	lastCheck time.Time
}

// historyStore 每个金库的有界历史
type historyStore struct {
	mu    sync.RWMutex
	limit int
	data  map[string]*vaultHistory
}

func newHistoryStore(limit int) *historyStore {
	return &historyStore{limit: limit, data: make(map[string]*vaultHistory)}
}

func (s *historyStore) ltv(vaultID string) ([]float64, []models.HealthFactor) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h, ok := s.data[vaultID]
	if !ok {
		return nil, nil
	}
	return append([]float64(nil), h.ltv...), append([]models.HealthFactor(nil), h.hf...)
}

func (s *historyStore) record(m models.RiskMetrics) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.data[m.VaultID]
	if !ok {
		h = &vaultHistory{}
		s.data[m.VaultID] = h
	}
	h.ltv = trimTail(append(h.ltv, m.CurrentLTV), s.limit)
	h.hf = trimTail(append(h.hf, m.CurrentHealthFactor), s.limit)
	h.lastLevel = m.RiskLevel
	h.lastCheck = m.Timestamp
}

// seed 用持久化的LTV样本初始化金库历史，已有历史时不覆盖
func (s *historyStore) seed(vaultID string, ltv []float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data[vaultID]; ok {
		return
	}
	s.data[vaultID] = &vaultHistory{ltv: trimTail(append([]float64(nil), ltv...), s.limit)}
}

func trimTail[T any](v []T, limit int) []T {
	if limit > 0 && len(v) > limit {
		return v[len(v)-limit:]
	}
	return v
}

// levels 每个金库最近一次的风险等级
func (s *historyStore) levels() (map[string]models.RiskLevel, time.Time) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]models.RiskLevel, len(s.data))
	var last time.Time
	for id, h := range s.data {
		out[id] = h.lastLevel
		if h.lastCheck.After(last) {
			last = h.lastCheck
		}
	}
	return out, last
}

func (s *historyStore) forget(vaultID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, vaultID)
}
