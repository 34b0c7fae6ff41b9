package scoring

import (
	"fmt"
	"math"
	"strings"
)

// Tier 声誉等级，按顺序排列
type Tier int

const (
	TierBronze Tier = iota
	TierSilver
	TierGold
	TierPlatinum
	TierDiamond
)

// TierInfo 等级的分数区间与借贷上限
type TierInfo struct {
	Tier     Tier
	Name     string
	MinScore float64 // 含
	MaxScore float64 // 含
	MaxLTV   float64 // 基础最大LTV (%)
	Bonus    float64 // 等级加成 (%)
}

// 分数区间连续且不重叠，MaxLTV 与 Bonus 严格递增
var tierTable = []TierInfo{
	{Tier: TierBronze, Name: "BRONZE", MinScore: 0, MaxScore: 49, MaxLTV: 30, Bonus: 0},
	{Tier: TierSilver, Name: "SILVER", MinScore: 50, MaxScore: 69, MaxLTV: 45, Bonus: 0.5},
	{Tier: TierGold, Name: "GOLD", MinScore: 70, MaxScore: 79, MaxLTV: 60, Bonus: 0.75},
	{Tier: TierPlatinum, Name: "PLATINUM", MinScore: 80, MaxScore: 89, MaxLTV: 70, Bonus: 1.0},
	{Tier: TierDiamond, Name: "DIAMOND", MinScore: 90, MaxScore: 100, MaxLTV: 80, Bonus: 1.5},
}

func (t Tier) String() string {
	if t.valid() {
		return tierTable[t].Name
	}
	return fmt.Sprintf("Tier(%d)", int(t))
}

func (t Tier) valid() bool {
	return t >= TierBronze && t <= TierDiamond
}

// Info 返回等级信息，非法等级按最低等级处理
func Info(t Tier) TierInfo {
	if !t.valid() {
		return tierTable[TierBronze]
	}
	return tierTable[t]
}

// Tiers 返回全部等级信息的副本
func Tiers() []TierInfo {
	out := make([]TierInfo, len(tierTable))
	copy(out, tierTable)
	return out
}

// TierFor 返回分数所在的等级，超出范围时取最低或最高等级
func TierFor(score float64) Tier {
	if math.IsNaN(score) {
		return TierBronze
	}
	for i := len(tierTable) - 1; i >= 0; i-- {
		if score >= tierTable[i].MinScore {
			return tierTable[i].Tier
		}
	}
	return TierBronze
}

// NextTier 返回下一个等级，最高等级返回 false
func NextTier(t Tier) (Tier, bool) {
	if !t.valid() || t == TierDiamond {
		return t, false
	}
	return t + 1, true
}

// ParseTier 解析等级名称
func ParseTier(s string) (Tier, error) {
	name := strings.ToUpper(strings.TrimSpace(s))
	for _, info := range tierTable {
		if info.Name == name {
			return info.Tier, nil
		}
	}
	return TierBronze, fmt.Errorf("未知的声誉等级: %q", s)
}
