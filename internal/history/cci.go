package history

import (
	"math"

	"intraday_trader/internal/models"
)

// CCI computes the commodity channel index over period days, the last of
// which is today's partial bar built from q. It needs period-1 completed
// bars; ok is false when history is too short or the window is flat.
func CCI(bars []models.Bar, q models.Quote, period int) (value float64, ok bool) {
	if period < 2 || len(bars) < period-1 || !q.LastPrice.IsPositive() {
		return 0, false
	}

	tp := make([]float64, 0, period)
	for _, b := range bars[len(bars)-(period-1):] {
		tp = append(tp, typical(b.High.InexactFloat64(), b.Low.InexactFloat64(), b.Close.InexactFloat64()))
	}
	last := q.LastPrice.InexactFloat64()
	high, low := q.High.InexactFloat64(), q.Low.InexactFloat64()
	if high < last {
		high = last
	}
	if low <= 0 || low > last {
		low = last
	}
	tp = append(tp, typical(high, low, last))

	var mean float64
	for _, v := range tp {
		mean += v
	}
	mean /= float64(len(tp))

	var dev float64
	for _, v := range tp {
		dev += math.Abs(v - mean)
	}
	dev /= float64(len(tp))
	if dev == 0 {
		return 0, false
	}
	return (tp[len(tp)-1] - mean) / (0.015 * dev), true
}

// CloseCCI is the index as of the newest bar's close, the reference point
// for detecting a band cross today.
func CloseCCI(bars []models.Bar, period int) (float64, bool) {
	if len(bars) == 0 {
		return 0, false
	}
	last := bars[len(bars)-1]
	return CCI(bars[:len(bars)-1], models.Quote{LastPrice: last.Close, High: last.High, Low: last.Low}, period)
}

func typical(high, low, close float64) float64 {
	return (high + low + close) / 3
}
