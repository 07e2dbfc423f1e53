package seller

import (
	"testing"
	"time"

	"intraday_trader/internal/config"
	"intraday_trader/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func f(v float64) *float64 { return &v }

// at builds a market-local timestamp on a fixed trading day.
func at(hhmm string) time.Time {
	t, err := time.ParseInLocation("2006-01-02 15:04", "2024-03-04 "+hhmm, config.MarketLoc)
	if err != nil {
		panic(err)
	}
	return t
}

// quiet disables every rule except the hard limits, so each test turns on
// only what it exercises.
func quiet() config.SellParameters {
	return config.SellParameters{
		OrderPremium:        0.06,
		RiskLimit:           0.94,
		RiskTight:           0.002,
		EarnLimit:           9.999,
		CCIUpper:            310,
		CCILower:            -1e9,
		OpenLowRate:         0.99,
		OpenVolRate:         0.60,
		TailVolTime:         "",
		SwitchHoldDays:      5,
		SwitchDemandDailyUp: 0.003,
		SwitchBeginTime:     "",
	}
}

func input(open, last string, held int) Input {
	return Input{
		Quote:    models.Quote{Code: "000001.SZ", LastPrice: d(last)},
		Position: models.Position{Code: "000001.SZ", Volume: 500, AvailableVolume: 500, OpenPrice: d(open)},
		HeldDays: held,
		Now:      at("10:00"),
	}
}

func closes(values ...string) []models.Bar {
	bars := make([]models.Bar, len(values))
	day := time.Date(2024, 1, 2, 0, 0, 0, 0, config.MarketLoc)
	for i, v := range values {
		bars[i] = models.Bar{Time: day.AddDate(0, 0, i), Open: d(v), High: d(v), Low: d(v), Close: d(v), Volume: 1000}
	}
	return bars
}

func TestStopLossThresholdExample(t *testing.T) {
	m := StopLossThreshold(d("0.94"), d("0.002"), 5)
	assert.True(t, d("10").Mul(m).Equal(d("9.50")), "threshold = %s", d("10").Mul(m))

	e := New(quiet(), nil, nil)

	intent, ok := e.Evaluate(input("10", "9.49", 5))
	require.True(t, ok)
	assert.Equal(t, models.ReasonStopLoss, intent.Reason)
	assert.True(t, intent.Price.Equal(d("9.43")))
	assert.Equal(t, int64(500), intent.Volume)
	assert.Equal(t, "000001.SZ", intent.Code)

	_, ok = e.Evaluate(input("10", "9.51", 5))
	assert.False(t, ok)
}

func TestStopLossAtThresholdFires(t *testing.T) {
	e := New(quiet(), nil, nil)
	intent, ok := e.Evaluate(input("10", "9.50", 5))
	require.True(t, ok)
	assert.Equal(t, models.ReasonStopLoss, intent.Reason)
}

func TestStopLossThresholdMonotoneAndCapped(t *testing.T) {
	limit, tight := d("0.94"), d("0.002")
	prev := StopLossThreshold(limit, tight, 0)
	one := decimal.NewFromInt(1)
	for held := 1; held <= 200; held++ {
		cur := StopLossThreshold(limit, tight, held)
		assert.True(t, cur.GreaterThanOrEqual(prev), "held=%d", held)
		assert.True(t, cur.LessThanOrEqual(one), "held=%d", held)
		prev = cur
	}
	assert.True(t, StopLossThreshold(limit, tight, 30).Equal(one))
}

func TestTakeProfitExample(t *testing.T) {
	e := New(quiet(), nil, nil)

	intent, ok := e.Evaluate(input("10", "100", 0))
	require.True(t, ok)
	assert.Equal(t, models.ReasonTakeProfit, intent.Reason)
	assert.True(t, intent.Price.Equal(d("99.94")))

	_, ok = e.Evaluate(input("10", "99.98", 0))
	assert.False(t, ok)
}

func TestStopLossWinsTieBreak(t *testing.T) {
	p := quiet()
	p.EarnLimit = 0.5 // take-profit predicate true for any last >= 5

	e := New(p, nil, nil)
	intent, ok := e.Evaluate(input("10", "9", 0))
	require.True(t, ok)
	assert.Equal(t, models.ReasonStopLoss, intent.Reason)
}

func TestGiveBackFloorExample(t *testing.T) {
	assert.True(t, GiveBackFloor(d("10"), d("12"), d("0.66")).Equal(d("10.68")))
}

func TestProfitProtection(t *testing.T) {
	p := quiet()
	p.ReturnOfProfit = []config.ProfitTier{{Lower: 1.03, Upper: 9.99, GiveBack: 0.66}}
	e := New(p, nil, nil)

	in := input("10", "10.5", 1)
	in.MaxPrice = d("12")
	intent, ok := e.Evaluate(in)
	require.True(t, ok)
	assert.Equal(t, models.ReasonProfitProtection, intent.Reason)
	assert.True(t, intent.Price.Equal(d("10.44")))

	in.Quote.LastPrice = d("10.8")
	_, ok = e.Evaluate(in)
	assert.False(t, ok)

	in.Quote.LastPrice = d("10.68")
	_, ok = e.Evaluate(in)
	assert.True(t, ok, "floor itself fires")
}

func TestProfitProtectionFirstTierWins(t *testing.T) {
	p := quiet()
	p.ReturnOfProfit = []config.ProfitTier{
		{Lower: 1.07, Upper: 9.99, GiveBack: 0.33},
		{Lower: 1.03, Upper: 1.07, GiveBack: 0.66},
	}
	e := New(p, nil, nil)

	// max/open = 1.2 sits in the first tier: floor = 12 - 2*0.33 = 11.34.
	in := input("10", "11.3", 1)
	in.MaxPrice = d("12")
	intent, ok := e.Evaluate(in)
	require.True(t, ok)
	assert.Equal(t, models.ReasonProfitProtection, intent.Reason)

	in.Quote.LastPrice = d("11.4")
	_, ok = e.Evaluate(in)
	assert.False(t, ok)

	// max/open = 1.05 sits in the second tier: floor = 10.5 - 0.5*0.66 = 10.17.
	in.MaxPrice = d("10.5")
	in.Quote.LastPrice = d("10.17")
	_, ok = e.Evaluate(in)
	assert.True(t, ok)
	in.Quote.LastPrice = d("10.2")
	_, ok = e.Evaluate(in)
	assert.False(t, ok)
}

func TestProfitProtectionBelowLowestTier(t *testing.T) {
	p := quiet()
	p.ReturnOfProfit = []config.ProfitTier{{Lower: 1.03, Upper: 1.07, GiveBack: 0.66}}
	e := New(p, nil, nil)

	// max/open = 1.02: not enough gain to protect.
	in := input("10", "9.9", 1)
	in.MaxPrice = d("10.2")
	_, ok := e.Evaluate(in)
	assert.False(t, ok)
}

func TestProfitProtectionUpperBoundExclusive(t *testing.T) {
	p := quiet()
	p.ReturnOfProfit = []config.ProfitTier{{Lower: 1.03, Upper: 1.07, GiveBack: 0.66}}
	e := New(p, nil, nil)

	in := input("10", "10.0", 1)
	in.MaxPrice = d("10.7")
	_, ok := e.Evaluate(in)
	assert.False(t, ok)
}

func TestMaxPriceBelowOpenIsRaised(t *testing.T) {
	p := quiet()
	p.ReturnOfProfit = []config.ProfitTier{{Lower: 1.0, Upper: 2.0, GiveBack: 0.5}}
	e := New(p, nil, nil)

	// With max raised to open the floor equals open, so 9.99 fires and 10.01 does not.
	in := input("10", "9.99", 0)
	in.MaxPrice = decimal.Zero
	intent, ok := e.Evaluate(in)
	require.True(t, ok)
	assert.Equal(t, models.ReasonProfitProtection, intent.Reason)

	in.Quote.LastPrice = d("10.01")
	_, ok = e.Evaluate(in)
	assert.False(t, ok)
}

func TestTrendExit(t *testing.T) {
	p := quiet()
	p.CCILower = 10
	e := New(p, nil, nil)

	in := input("10", "10.2", 1)
	_, ok := e.Evaluate(in)
	assert.False(t, ok, "no indicator, rule skipped")

	tests := []struct {
		name      string
		prev, cur *float64
		fires     bool
	}{
		{"falls back through upper band", f(330), f(300), true},
		{"still overbought", f(330), f(320), false},
		{"rising into overbought", f(300), f(320), false},
		{"breaks below lower band", f(12), f(9.5), true},
		{"already below lower band", f(9), f(8), false},
		{"no previous value", nil, f(300), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := input("10", "10.2", 1)
			in.PrevIndicator, in.Indicator = tt.prev, tt.cur
			intent, ok := e.Evaluate(in)
			require.Equal(t, tt.fires, ok)
			if ok {
				assert.Equal(t, models.ReasonTrendExit, intent.Reason)
			}
		})
	}
}

func TestMABreak(t *testing.T) {
	p := quiet()
	p.MAAbove = 3
	e := New(p, nil, nil)

	in := input("10", "10.9", 1)
	in.Bars = closes("1", "10", "11", "12") // SMA3 = 11
	intent, ok := e.Evaluate(in)
	require.True(t, ok)
	assert.Equal(t, models.ReasonMABreak, intent.Reason)

	in.Quote.LastPrice = d("11")
	_, ok = e.Evaluate(in)
	assert.False(t, ok, "equal to the average does not break it")
}

func TestMABreakSkippedOnShortHistory(t *testing.T) {
	p := quiet()
	p.MAAbove = 5
	e := New(p, nil, nil)

	in := input("10", "10.1", 1)
	in.Bars = closes("20", "20", "20", "20")
	_, ok := e.Evaluate(in)
	assert.False(t, ok)

	in.Bars = nil
	_, ok = e.Evaluate(in)
	assert.False(t, ok)
}

func TestRegressionExit(t *testing.T) {
	p := quiet()
	p.TailVolTime = "14:45"
	e := New(p, nil, nil)

	bars := closes("10", "10", "10")
	bars[2].Low = d("10")
	bars[2].Volume = 1000

	in := input("10", "9.8", 1) // opened yesterday: bars[2]
	in.Bars = bars
	in.Quote.Volume = 5000

	in.Now = at("14:44")
	_, ok := e.Evaluate(in)
	assert.False(t, ok, "before the cutoff")

	in.Now = at("14:45")
	intent, ok := e.Evaluate(in)
	require.True(t, ok)
	assert.Equal(t, models.ReasonRegressionExit, intent.Reason)
}

func TestRegressionComparesSameTimeVolume(t *testing.T) {
	p := quiet()
	p.TailVolTime = "14:45"
	e := New(p, nil, nil)

	in := input("10", "10.2", 1) // price holds above the open-day low
	in.Bars = closes("10", "10", "10")
	in.Now = at("14:45")

	// The open day traded 1000 in total but only 590 by 14:45. Matching that
	// pace is not a fade even though it is below 60% of the whole day.
	in.OpenDayVolume = func(v int64) *int64 { return &v }(590)
	in.Quote.Volume = 590
	_, ok := e.Evaluate(in)
	assert.False(t, ok)

	in.Quote.Volume = 354 // 590 * 0.6
	_, ok = e.Evaluate(in)
	assert.False(t, ok)

	in.Quote.Volume = 353
	intent, ok := e.Evaluate(in)
	require.True(t, ok)
	assert.Equal(t, models.ReasonRegressionExit, intent.Reason)

	in.OpenDayVolume = nil
	_, ok = e.Evaluate(in)
	assert.False(t, ok, "no intraday curve, volume check skipped")
}

func TestRegressionSkippedWithoutOpenDayBar(t *testing.T) {
	p := quiet()
	p.TailVolTime = "14:45"
	e := New(p, nil, nil)

	in := input("10", "9.5", 0) // bought today
	in.Quote.LastPrice = d("9.8")
	in.Bars = closes("10", "10")
	in.Now = at("14:50")
	_, ok := e.Evaluate(in)
	assert.False(t, ok)
}

func TestOpenDayBarByDate(t *testing.T) {
	bars := closes("10", "11", "12")
	bar, ok := OpenDayBar(bars, bars[1].Time.Add(10*time.Hour), 0, config.MarketLoc)
	require.True(t, ok)
	assert.True(t, bar.Close.Equal(d("11")))

	_, ok = OpenDayBar(bars, bars[2].Time.AddDate(0, 0, 5), 0, config.MarketLoc)
	assert.False(t, ok)

	bar, ok = OpenDayBar(bars, time.Time{}, 3, config.MarketLoc)
	require.True(t, ok)
	assert.True(t, bar.Close.Equal(d("10")))

	_, ok = OpenDayBar(bars, time.Time{}, 4, config.MarketLoc)
	assert.False(t, ok)
}

func TestRotation(t *testing.T) {
	p := quiet()
	p.SwitchBeginTime = "14:30"
	e := New(p, nil, nil)

	// held 5: demand = 10 * (1 + 0.015) = 10.15
	in := input("10", "10.1", 5)
	in.Now = at("14:29")
	_, ok := e.Evaluate(in)
	assert.False(t, ok, "before switch time")

	in.Now = at("14:30")
	intent, ok := e.Evaluate(in)
	require.True(t, ok)
	assert.Equal(t, models.ReasonRotation, intent.Reason)

	in.Quote.LastPrice = d("10.15")
	_, ok = e.Evaluate(in)
	assert.False(t, ok, "met the demand")

	in.Quote.LastPrice = d("10.1")
	in.HeldDays = 4
	_, ok = e.Evaluate(in)
	assert.False(t, ok, "not held long enough")
}

func TestRulePriorityOrder(t *testing.T) {
	p := quiet()
	p.MAAbove = 2
	p.SwitchBeginTime = "14:30"
	p.TailVolTime = "14:45"
	e := New(p, nil, nil)

	// Trend, MA break, regression and rotation all hold; trend is first.
	in := input("10", "9.9", 6)
	in.Bars = closes("12", "12", "12", "12", "12", "12")
	in.PrevIndicator = f(500)
	in.Indicator = f(300)
	in.Now = at("14:50")
	intent, ok := e.Evaluate(in)
	require.True(t, ok)
	assert.Equal(t, models.ReasonTrendExit, intent.Reason)

	in.Indicator = nil
	intent, ok = e.Evaluate(in)
	require.True(t, ok)
	assert.Equal(t, models.ReasonMABreak, intent.Reason)
}

func TestSellPriceNeverBelowTick(t *testing.T) {
	e := New(quiet(), nil, nil)
	intent, ok := e.Evaluate(input("0.5", "0.05", 0))
	require.True(t, ok)
	assert.True(t, intent.Price.Equal(d("0.01")))
}

func TestInvalidInputsNeverSell(t *testing.T) {
	e := New(quiet(), nil, nil)
	_, ok := e.Evaluate(input("0", "1", 0))
	assert.False(t, ok)

	in := input("10", "1", 0)
	in.Position.Volume = 0
	_, ok = e.Evaluate(in)
	assert.False(t, ok)
}
