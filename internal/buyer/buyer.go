// Package buyer picks which recommended codes to open positions in and how
// many shares of each, given the free slots and cash.
package buyer

import (
	"sort"

	"intraday_trader/internal/config"
	"intraday_trader/internal/market"
	"intraday_trader/internal/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Buyer turns a candidate list into buy intents.
type Buyer struct {
	premium      decimal.Decimal
	slotCapacity decimal.Decimal
	minPrice     decimal.Decimal
	slotCount    int
	onceLimit    int

	pool    *Pool
	history *History
	log     *zap.Logger
}

// New returns a buyer over pool and history; both are owned by the caller.
func New(p config.BuyParameters, pool *Pool, history *History, log *zap.Logger) *Buyer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Buyer{
		premium:      decimal.NewFromFloat(p.OrderPremium),
		slotCapacity: decimal.NewFromFloat(p.SlotCapacity),
		minPrice:     decimal.NewFromFloat(p.MinPrice),
		slotCount:    p.SlotCount,
		onceLimit:    p.OnceBuyLimit,
		pool:         pool,
		history:      history,
		log:          log,
	}
}

type candidate struct {
	code  string
	price decimal.Decimal
}

// Plan filters codes to tradable candidates, ranks them by price and sizes
// as many as slots, cash and the per-scan limit allow. Every candidate that
// passed the filter is recorded as selected for date, bought or not, so it
// is not reconsidered later the same day.
func (b *Buyer) Plan(date string, codes []string, quotes map[string]models.Quote, positions []models.Position, cash decimal.Decimal) []models.BuyIntent {
	candidates := b.filter(codes, quotes)
	if len(candidates) == 0 {
		return nil
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].price.LessThan(candidates[j].price)
	})

	held := map[string]struct{}{}
	for _, p := range positions {
		if p.Volume > 0 {
			held[p.Code] = struct{}{}
		}
	}

	buyCount := b.slotCount - len(held)
	if slots := int(cash.Div(b.slotCapacity).Floor().IntPart()); slots < buyCount {
		buyCount = slots
	}
	if len(candidates) < buyCount {
		buyCount = len(candidates)
	}
	if b.onceLimit < buyCount {
		buyCount = b.onceLimit
	}

	var intents []models.BuyIntent
	for _, c := range candidates {
		if buyCount <= 0 {
			break
		}
		volume := market.LotVolume(b.slotCapacity, c.price)
		switch {
		case volume <= 0:
			b.log.Debug("candidate skipped: under one lot", zap.String("code", c.code))
		case contains(held, c.code):
			b.log.Debug("candidate skipped: already held", zap.String("code", c.code))
		case b.history.Selected(date, c.code):
			b.log.Debug("candidate skipped: selected earlier today", zap.String("code", c.code))
		default:
			buyCount--
			intents = append(intents, models.BuyIntent{
				Code:   c.code,
				Price:  market.RoundPrice(c.price.Add(b.premium)),
				Volume: volume,
			})
		}
	}

	selected := make([]string, len(candidates))
	for i, c := range candidates {
		selected[i] = c.code
	}
	for _, code := range b.history.Record(date, selected) {
		b.log.Info("candidate recorded", zap.String("date", date), zap.String("code", code))
	}
	return intents
}

func (b *Buyer) filter(codes []string, quotes map[string]models.Quote) []candidate {
	var out []candidate
	for _, code := range codes {
		q, ok := quotes[code]
		if !ok {
			b.log.Debug("candidate skipped: no quote", zap.String("code", code))
			continue
		}
		if !b.pool.Allowed(code) {
			b.log.Debug("candidate skipped: outside pool", zap.String("code", code))
			continue
		}
		if !q.LastPrice.GreaterThan(b.minPrice) {
			b.log.Debug("candidate skipped: below min price", zap.String("code", code), zap.String("price", q.LastPrice.String()))
			continue
		}
		out = append(out, candidate{code: code, price: q.LastPrice})
	}
	return out
}

func contains(set map[string]struct{}, code string) bool {
	_, ok := set[code]
	return ok
}
