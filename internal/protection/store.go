package protection

import (
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/life2you_mini/creditvault/internal/models"
)

// ruleFile 规则文件格式
type ruleFile struct {
	Rules []models.ProtectionRule `yaml:"rules"`
}

// LoadRules 从YAML文件加载保护规则
func LoadRules(path string) ([]models.ProtectionRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取规则文件失败: %w", err)
	}
	return ParseRules(data)
}

// ParseRules 解析YAML格式的保护规则
func ParseRules(data []byte) ([]models.ProtectionRule, error) {
	var file ruleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("解析规则文件失败: %w", err)
	}

	seen := make(map[string]bool, len(file.Rules))
	for i, r := range file.Rules {
		if r.ID == "" {
			return nil, fmt.Errorf("第 %d 条规则缺少id", i+1)
		}
		if r.VaultID == "" {
			return nil, fmt.Errorf("规则 %s 缺少vault_id", r.ID)
		}
		if seen[r.ID] {
			return nil, fmt.Errorf("规则id重复: %s", r.ID)
		}
		if len(r.Actions) == 0 {
			return nil, fmt.Errorf("规则 %s 没有配置动作", r.ID)
		}
		if r.CooldownSeconds < 0 {
			return nil, fmt.Errorf("规则 %s 冷却时间为负", r.ID)
		}
		seen[r.ID] = true
	}
	return file.Rules, nil
}

// RuleStore 内存中的规则集合，按金库分组
type RuleStore struct {
	mu    sync.RWMutex
	rules map[string]map[string]*models.ProtectionRule // vaultID -> ruleID -> rule
}

// NewRuleStore 创建规则集合
func NewRuleStore(rules ...models.ProtectionRule) *RuleStore {
	s := &RuleStore{rules: make(map[string]map[string]*models.ProtectionRule)}
	for _, r := range rules {
		s.Put(r)
	}
	return s
}

// Put 新增或覆盖规则
func (s *RuleStore) Put(rule models.ProtectionRule) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byVault, ok := s.rules[rule.VaultID]
	if !ok {
		byVault = make(map[string]*models.ProtectionRule)
		s.rules[rule.VaultID] = byVault
	}
	r := rule
	byVault[rule.ID] = &r
}

// Delete 删除规则
func (s *RuleStore) Delete(vaultID, ruleID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	byVault, ok := s.rules[vaultID]
	if !ok {
		return false
	}
	if _, ok := byVault[ruleID]; !ok {
		return false
	}
	delete(byVault, ruleID)
	return true
}

// ForVault 返回金库规则的副本，按规则id排序保证顺序稳定
func (s *RuleStore) ForVault(vaultID string) []*models.ProtectionRule {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byVault := s.rules[vaultID]
	out := make([]*models.ProtectionRule, 0, len(byVault))
	for _, r := range byVault {
		c := *r
		if r.LastExecuted != nil {
			t := *r.LastExecuted
			c.LastExecuted = &t
		}
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// MarkExecuted 回写规则的最后执行时间
func (s *RuleStore) MarkExecuted(vaultID, ruleID string, at time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rules[vaultID][ruleID]
	if !ok {
		return false
	}
	t := at
	r.LastExecuted = &t
	return true
}

// Count 规则总数
func (s *RuleStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, byVault := range s.rules {
		n += len(byVault)
	}
	return n
}
