package market

import (
	"context"
	"errors"
	"time"

	"intraday_trader/internal/models"
)

// ErrNoQuote is returned when a source has nothing for a requested code.
var ErrNoQuote = errors.New("no quote available")

// Broker is the gateway the trader submits orders through. Any struct with
// these methods satisfies it, so Alpaca, the paper broker and test fakes are
// interchangeable.
type Broker interface {
	CheckPositions(ctx context.Context) ([]models.Position, error)
	CheckAsset(ctx context.Context) (models.Asset, error)
	// SubmitOrder is fire-and-forget: the ack only says the broker accepted
	// the order. Fills and rejections arrive through a FillStream.
	SubmitOrder(ctx context.Context, req models.OrderRequest) (models.OrderAck, error)
}

// QuoteSource returns the latest quote for each requested code. Codes the
// source knows nothing about are absent from the result.
type QuoteSource interface {
	Quotes(ctx context.Context, codes []string) (map[string]models.Quote, error)
}

// BarSource returns daily bars for one code, oldest first.
type BarSource interface {
	DailyBars(ctx context.Context, code string, start, end time.Time) ([]models.Bar, error)
}

// MinuteBarSource returns one-minute bars for one code, oldest first. Sources
// that implement it let the regression rule compare volume at the same time
// of day.
type MinuteBarSource interface {
	MinuteBars(ctx context.Context, code string, start, end time.Time) ([]models.Bar, error)
}

// Calendar answers whether the exchange trades on a given day.
type Calendar interface {
	IsTradingDay(ctx context.Context, day time.Time) (bool, error)
}

// FillHandler receives asynchronous order outcomes.
type FillHandler interface {
	OnTrade(t models.Trade)
	OnOrderError(e models.OrderError)
}

// FillStream delivers order outcomes until ctx is cancelled.
type FillStream interface {
	StreamFills(ctx context.Context, h FillHandler) error
}

// WeekdayCalendar treats Monday to Friday as trading days. It is the fallback
// when the broker has no calendar endpoint.
type WeekdayCalendar struct{}

func (WeekdayCalendar) IsTradingDay(_ context.Context, day time.Time) (bool, error) {
	switch day.Weekday() {
	case time.Saturday, time.Sunday:
		return false, nil
	}
	return true, nil
}
