package exchange

import "math"

// RealizedVolatility 收盘价对数收益率的样本标准差，以百分比表示
// 少于三个有效价格时返回 0
func RealizedVolatility(closes []float64) float64 {
	returns := make([]float64, 0, len(closes))
	for i := 1; i < len(closes); i++ {
		prev, cur := closes[i-1], closes[i]
		if prev <= 0 || cur <= 0 {
			continue
		}
		returns = append(returns, math.Log(cur/prev))
	}
	if len(returns) < 2 {
		return 0
	}

	var sum float64
	for _, r := range returns {
		sum += r
	}
	mean := sum / float64(len(returns))

	var sq float64
	for _, r := range returns {
		sq += (r - mean) * (r - mean)
	}
	return math.Sqrt(sq/float64(len(returns)-1)) * 100
}
