// Package seller decides, one position and one tick at a time, whether an
// open position should be closed. The engine is a pure function of its input:
// it reads no clock, files or network, so every decision can be replayed.
package seller

import (
	"time"

	"intraday_trader/internal/config"
	"intraday_trader/internal/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// minPrice is the lowest limit price the engine will emit.
var minPrice = decimal.New(1, -2)

// Input is everything one evaluation needs.
type Input struct {
	Quote    models.Quote
	Position models.Position
	HeldDays int
	// MaxPrice is the peak since entry. Values below the open price (including
	// the zero value) are raised to the open price.
	MaxPrice decimal.Decimal
	// Bars are daily bars up to yesterday, oldest first. May be empty.
	Bars []models.Bar
	// Indicator is the trend indicator (CCI) value, nil when unavailable.
	Indicator *float64
	// PrevIndicator is the indicator as of yesterday's close.
	PrevIndicator *float64
	// OpenDayVolume is what the opening day had traded by the same clock
	// time as Now. Nil skips the volume half of the regression rule.
	OpenDayVolume *int64
	Now           time.Time
}

type tier struct {
	lower, upper, giveBack decimal.Decimal
}

type rule struct {
	reason models.ExitReason
	fires  func(e *Engine, in *Input) bool
}

// Engine evaluates the exit rules in priority order. The first rule that
// fires decides the reason; later rules are not consulted.
type Engine struct {
	premium             decimal.Decimal
	riskLimit           decimal.Decimal
	riskTight           decimal.Decimal
	earnLimit           decimal.Decimal
	tiers               []tier
	cciUpper, cciLower  float64
	maAbove             int
	openLowRate         decimal.Decimal
	openVolRate         decimal.Decimal
	tailVolTime         string
	switchHoldDays      int
	switchDemandDailyUp decimal.Decimal
	switchBeginTime     string

	loc   *time.Location
	rules []rule
	log   *zap.Logger
}

// New converts the configured parameters once. Clock-based rules read Now in
// loc; a nil loc means config.MarketLoc.
func New(p config.SellParameters, loc *time.Location, log *zap.Logger) *Engine {
	if loc == nil {
		loc = config.MarketLoc
	}
	if log == nil {
		log = zap.NewNop()
	}
	e := &Engine{
		premium:             decimal.NewFromFloat(p.OrderPremium),
		riskLimit:           decimal.NewFromFloat(p.RiskLimit),
		riskTight:           decimal.NewFromFloat(p.RiskTight),
		earnLimit:           decimal.NewFromFloat(p.EarnLimit),
		cciUpper:            p.CCIUpper,
		cciLower:            p.CCILower,
		maAbove:             p.MAAbove,
		openLowRate:         decimal.NewFromFloat(p.OpenLowRate),
		openVolRate:         decimal.NewFromFloat(p.OpenVolRate),
		tailVolTime:         p.TailVolTime,
		switchHoldDays:      p.SwitchHoldDays,
		switchDemandDailyUp: decimal.NewFromFloat(p.SwitchDemandDailyUp),
		switchBeginTime:     p.SwitchBeginTime,
		loc:                 loc,
		log:                 log,
	}
	for _, t := range p.ReturnOfProfit {
		e.tiers = append(e.tiers, tier{
			lower:    decimal.NewFromFloat(t.Lower),
			upper:    decimal.NewFromFloat(t.Upper),
			giveBack: decimal.NewFromFloat(t.GiveBack),
		})
	}
	e.rules = []rule{
		{models.ReasonStopLoss, (*Engine).stopLoss},
		{models.ReasonTakeProfit, (*Engine).takeProfit},
		{models.ReasonProfitProtection, (*Engine).profitProtection},
		{models.ReasonTrendExit, (*Engine).trendExit},
		{models.ReasonMABreak, (*Engine).maBreak},
		{models.ReasonRegressionExit, (*Engine).regressionExit},
		{models.ReasonRotation, (*Engine).rotation},
	}
	return e
}

// Evaluate returns a sell intent for the first rule that fires. The caller
// guarantees a positive open price and only calls inside a sell window.
func (e *Engine) Evaluate(in Input) (models.SellIntent, bool) {
	if !in.Position.OpenPrice.IsPositive() || !in.Quote.LastPrice.IsPositive() || in.Position.Volume <= 0 {
		return models.SellIntent{}, false
	}
	in.MaxPrice = decimal.Max(in.MaxPrice, in.Position.OpenPrice)

	for _, r := range e.rules {
		if !r.fires(e, &in) {
			continue
		}
		intent := models.SellIntent{
			Code:   in.Position.Code,
			Price:  e.orderPrice(in.Quote.LastPrice),
			Volume: in.Position.Volume,
			Reason: r.reason,
		}
		e.log.Debug("sell rule fired",
			zap.String("code", intent.Code),
			zap.String("reason", string(intent.Reason)),
			zap.String("last", in.Quote.LastPrice.String()),
			zap.String("open", in.Position.OpenPrice.String()),
			zap.String("max", in.MaxPrice.String()),
			zap.Int("held_days", in.HeldDays),
		)
		return intent, true
	}
	return models.SellIntent{}, false
}

func (e *Engine) orderPrice(last decimal.Decimal) decimal.Decimal {
	return decimal.Max(last.Sub(e.premium), minPrice)
}

// StopLossThreshold is the open-price multiplier below which a position is
// cut: risk_limit + risk_tight*held, never above 1.
func StopLossThreshold(riskLimit, riskTight decimal.Decimal, heldDays int) decimal.Decimal {
	m := riskLimit.Add(riskTight.Mul(decimal.NewFromInt(int64(heldDays))))
	return decimal.Min(m, decimal.NewFromInt(1))
}

// GiveBackFloor is the price at which a retracement from peak has handed back
// giveBack of the gain from open.
func GiveBackFloor(open, peak, giveBack decimal.Decimal) decimal.Decimal {
	return peak.Sub(peak.Sub(open).Mul(giveBack))
}

func (e *Engine) stopLoss(in *Input) bool {
	threshold := in.Position.OpenPrice.Mul(StopLossThreshold(e.riskLimit, e.riskTight, in.HeldDays))
	return in.Quote.LastPrice.LessThanOrEqual(threshold)
}

func (e *Engine) takeProfit(in *Input) bool {
	return in.Quote.LastPrice.GreaterThanOrEqual(in.Position.OpenPrice.Mul(e.earnLimit))
}

// profitProtection picks the first tier whose [lower, upper) band holds
// max/open. The band test is done as max >= open*lower && max < open*upper
// to stay exact.
func (e *Engine) profitProtection(in *Input) bool {
	open, peak := in.Position.OpenPrice, in.MaxPrice
	for _, t := range e.tiers {
		if peak.LessThan(open.Mul(t.lower)) || peak.GreaterThanOrEqual(open.Mul(t.upper)) {
			continue
		}
		return in.Quote.LastPrice.LessThanOrEqual(GiveBackFloor(open, peak, t.giveBack))
	}
	return false
}

// trendExit fires when the indicator crosses a band against a long
// position: falling back through the upper band after an overbought run, or
// breaking down through the lower band.
func (e *Engine) trendExit(in *Input) bool {
	if in.Indicator == nil || in.PrevIndicator == nil {
		return false
	}
	cur, prev := *in.Indicator, *in.PrevIndicator
	if prev > e.cciUpper && cur <= e.cciUpper {
		return true
	}
	return prev >= e.cciLower && cur < e.cciLower
}

// maBreak compares last against the mean of the last ma_above closes,
// multiplied out as last*n < sum.
func (e *Engine) maBreak(in *Input) bool {
	n := e.maAbove
	if n <= 0 || len(in.Bars) < n {
		return false
	}
	sum := decimal.Zero
	for _, b := range in.Bars[len(in.Bars)-n:] {
		sum = sum.Add(b.Close)
	}
	return in.Quote.LastPrice.Mul(decimal.NewFromInt(int64(n))).LessThan(sum)
}

func (e *Engine) regressionExit(in *Input) bool {
	if e.tailVolTime == "" || config.Clock(in.Now, e.loc) < e.tailVolTime {
		return false
	}
	if bar, ok := OpenDayBar(in.Bars, in.Position.OpenDate, in.HeldDays, e.loc); ok &&
		in.Quote.LastPrice.LessThan(bar.Low.Mul(e.openLowRate)) {
		return true
	}
	if in.OpenDayVolume == nil || *in.OpenDayVolume <= 0 {
		return false
	}
	today := decimal.NewFromInt(in.Quote.Volume)
	return today.LessThan(decimal.NewFromInt(*in.OpenDayVolume).Mul(e.openVolRate))
}

func (e *Engine) rotation(in *Input) bool {
	if e.switchBeginTime == "" || config.Clock(in.Now, e.loc) < e.switchBeginTime {
		return false
	}
	if in.HeldDays < e.switchHoldDays {
		return false
	}
	demand := decimal.NewFromInt(1).Add(e.switchDemandDailyUp.Mul(decimal.NewFromInt(int64(in.HeldDays))))
	return in.Quote.LastPrice.LessThan(in.Position.OpenPrice.Mul(demand))
}

// OpenDayBar finds the bar of the day the position was opened. With a known
// open date the bar is matched by calendar day in loc; otherwise held days
// count back from the newest bar (held 1 means opened yesterday). Positions
// opened today have no bar yet.
func OpenDayBar(bars []models.Bar, openDate time.Time, heldDays int, loc *time.Location) (models.Bar, bool) {
	if len(bars) == 0 {
		return models.Bar{}, false
	}
	if !openDate.IsZero() {
		want := openDate.In(loc).Format("2006-01-02")
		for i := len(bars) - 1; i >= 0; i-- {
			if bars[i].Time.In(loc).Format("2006-01-02") == want {
				return bars[i], true
			}
		}
		return models.Bar{}, false
	}
	if heldDays < 1 || heldDays > len(bars) {
		return models.Bar{}, false
	}
	return bars[len(bars)-heldDays], true
}
