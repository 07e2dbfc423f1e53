package market

import (
	"fmt"

	"intraday_trader/internal/models"

	"github.com/shopspring/decimal"
)

// LotSize is the share multiple orders are placed in.
const LotSize = 100

// PriceTick is the minimum price increment.
var PriceTick = decimal.New(1, -2)

// LotVolume returns the largest whole-lot volume that capacity buys at price:
// floor(capacity / price / 100) * 100.
func LotVolume(capacity, price decimal.Decimal) int64 {
	if !price.IsPositive() || !capacity.IsPositive() {
		return 0
	}
	lots := capacity.Div(price).Div(decimal.NewFromInt(LotSize)).Floor()
	return lots.IntPart() * LotSize
}

// RoundPrice rounds to the exchange tick.
func RoundPrice(p decimal.Decimal) decimal.Decimal {
	return p.Round(2)
}

// ValidateOrder rejects requests no broker would accept.
func ValidateOrder(req models.OrderRequest) error {
	if req.Code == "" {
		return fmt.Errorf("order without code")
	}
	if req.Side != models.SideBuy && req.Side != models.SideSell {
		return fmt.Errorf("order %s: unknown side %q", req.Code, req.Side)
	}
	if req.Volume <= 0 {
		return fmt.Errorf("order %s: volume %d must be positive", req.Code, req.Volume)
	}
	if req.Price.LessThan(PriceTick) {
		return fmt.Errorf("order %s: price %s below tick", req.Code, req.Price)
	}
	return nil
}
