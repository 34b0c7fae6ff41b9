package scoring

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/life2you_mini/creditvault/internal/models"
)

// ErrInvalidWeights 权重非法
var ErrInvalidWeights = errors.New("scoring: weights must be non-negative and sum to 1.0")

const weightTolerance = 1e-9

// 置信度各组成部分的权重
const (
	completenessWeight = 0.4
	dispersionWeight   = 0.3
	coverageWeight     = 0.3
)

// Weights 四个子评分的权重
type Weights struct {
	Provenance   float64 `mapstructure:"provenance"`
	Performance  float64 `mapstructure:"performance"`
	Perception   float64 `mapstructure:"perception"`
	Verification float64 `mapstructure:"verification"`
}

// DefaultWeights 默认偏向来源与表现
var DefaultWeights = Weights{
	Provenance:   0.35,
	Performance:  0.30,
	Perception:   0.15,
	Verification: 0.20,
}

// Validate 校验权重
func (w Weights) Validate() error {
	parts := []float64{w.Provenance, w.Performance, w.Perception, w.Verification}
	sum := 0.0
	for _, p := range parts {
		if p < 0 || math.IsNaN(p) || math.IsInf(p, 0) {
			return fmt.Errorf("%w: got %v", ErrInvalidWeights, parts)
		}
		sum += p
	}
	if math.Abs(sum-1.0) > weightTolerance {
		return fmt.Errorf("%w: sum=%.6f", ErrInvalidWeights, sum)
	}
	return nil
}

// Calculator 声誉评分计算器，无状态
type Calculator struct {
	weights Weights
	now     func() time.Time
}

// NewCalculator 创建评分计算器，权重非法时返回错误
func NewCalculator(w Weights) (*Calculator, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}
	return &Calculator{weights: w, now: time.Now}, nil
}

// Weights 返回当前权重
func (c *Calculator) Weights() Weights {
	return c.weights
}

// ComputeScore 根据四个子评分计算总分和置信度
func (c *Calculator) ComputeScore(provenance, performance, perception, verification float64) models.ReputationScore {
	provenance = Clamp(provenance)
	performance = Clamp(performance)
	perception = Clamp(perception)
	verification = Clamp(verification)

	overall := c.weights.Provenance*provenance +
		c.weights.Performance*performance +
		c.weights.Perception*perception +
		c.weights.Verification*verification

	return models.ReputationScore{
		Overall:      Clamp(round(overall, 0)),
		Provenance:   provenance,
		Performance:  performance,
		Perception:   perception,
		Verification: verification,
		Confidence:   Clamp(round(confidence(provenance, performance, perception, verification), 0)),
		LastUpdated:  c.now(),
	}
}

// confidence 由完整度、离散度和验证覆盖度组成
func confidence(inputs ...float64) float64 {
	coverage := inputs[len(inputs)-1]

	present := 0
	sum := 0.0
	for _, v := range inputs {
		if v > 0 {
			present++
		}
		sum += v
	}
	completeness := 100 * float64(present) / float64(len(inputs))

	mean := sum / float64(len(inputs))
	cv := 1.0
	if mean > 0 {
		variance := 0.0
		for _, v := range inputs {
			variance += (v - mean) * (v - mean)
		}
		variance /= float64(len(inputs))
		cv = math.Sqrt(variance) / mean
	}
	dispersion := 100 * math.Max(0, 1-cv)

	return completenessWeight*completeness + dispersionWeight*dispersion + coverageWeight*coverage
}

// Clamp 将分数限制在 [0,100]，NaN 视为 0
func Clamp(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(100, v))
}

func round(v float64, places int32) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return v
	}
	r, _ := decimal.NewFromFloat(v).Round(places).Float64()
	return r
}
