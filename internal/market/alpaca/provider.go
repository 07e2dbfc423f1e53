package alpaca

import (
	"context"
	"fmt"
	"time"

	"intraday_trader/internal/market"
	"intraday_trader/internal/models"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Provider is the Alpaca implementation of every market interface the trader
// consumes: broker gateway, quote snapshots, daily bars, calendar and fills.
type Provider struct {
	mdClient    *marketdata.Client
	tradeClient *alpaca.Client
	feed        marketdata.Feed
	log         *zap.Logger
}

var (
	_ market.Broker          = (*Provider)(nil)
	_ market.QuoteSource     = (*Provider)(nil)
	_ market.BarSource       = (*Provider)(nil)
	_ market.MinuteBarSource = (*Provider)(nil)
	_ market.Calendar        = (*Provider)(nil)
	_ market.FillStream      = (*Provider)(nil)
)

// NewProvider returns a provider authenticated with key and secret. An empty
// baseURL lets the SDK pick its default endpoint.
func NewProvider(key, secret, baseURL, feed string, log *zap.Logger) *Provider {
	if log == nil {
		log = zap.NewNop()
	}
	return &Provider{
		mdClient: marketdata.NewClient(marketdata.ClientOpts{
			APIKey:    key,
			APISecret: secret,
		}),
		tradeClient: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:    key,
			APISecret: secret,
			BaseURL:   baseURL,
		}),
		feed: market.ParseFeed(feed),
		log:  log,
	}
}

// --- Broker ---

func (p *Provider) CheckPositions(_ context.Context) ([]models.Position, error) {
	alpacaPositions, err := p.tradeClient.GetPositions()
	if err != nil {
		return nil, fmt.Errorf("get positions: %w", err)
	}

	result := make([]models.Position, 0, len(alpacaPositions))
	for _, x := range alpacaPositions {
		result = append(result, mapPosition(x))
	}
	return result, nil
}

func (p *Provider) CheckAsset(_ context.Context) (models.Asset, error) {
	a, err := p.tradeClient.GetAccount()
	if err != nil {
		return models.Asset{}, fmt.Errorf("get account: %w", err)
	}
	return models.Asset{
		AccountID:   a.ID,
		Cash:        a.Cash,
		MarketValue: a.Equity.Sub(a.Cash),
		TotalAsset:  a.Equity,
	}, nil
}

// SubmitOrder places a day limit order.
func (p *Provider) SubmitOrder(_ context.Context, req models.OrderRequest) (models.OrderAck, error) {
	if err := market.ValidateOrder(req); err != nil {
		return models.OrderAck{}, err
	}
	qty := decimal.NewFromInt(req.Volume)
	limit := market.RoundPrice(req.Price)

	o, err := p.tradeClient.PlaceOrder(alpaca.PlaceOrderRequest{
		Symbol:        req.Code,
		Qty:           &qty,
		Side:          alpaca.Side(req.Side),
		Type:          alpaca.Limit,
		TimeInForce:   alpaca.Day,
		LimitPrice:    &limit,
		ClientOrderID: req.ClientOrderID,
	})
	if err != nil {
		return models.OrderAck{}, fmt.Errorf("place %s order %s: %w", req.Side, req.Code, err)
	}
	return models.OrderAck{OrderID: o.ID, ClientOrderID: o.ClientOrderID, Status: o.Status}, nil
}

// --- Market data ---

// Quotes pulls snapshots: latest trade for the price, daily bars for the
// session's open, range and cumulative volume.
func (p *Provider) Quotes(_ context.Context, codes []string) (map[string]models.Quote, error) {
	snaps, err := p.mdClient.GetSnapshots(codes, marketdata.GetSnapshotRequest{Feed: p.feed})
	if err != nil {
		return nil, fmt.Errorf("get snapshots: %w", err)
	}

	out := make(map[string]models.Quote, len(snaps))
	for code, s := range snaps {
		if s == nil || s.LatestTrade == nil {
			continue
		}
		q := models.Quote{
			Code:      code,
			LastPrice: decimal.NewFromFloat(s.LatestTrade.Price),
			Time:      s.LatestTrade.Timestamp,
		}
		if s.DailyBar != nil {
			q.Open = decimal.NewFromFloat(s.DailyBar.Open)
			q.High = decimal.NewFromFloat(s.DailyBar.High)
			q.Low = decimal.NewFromFloat(s.DailyBar.Low)
			q.Volume = int64(s.DailyBar.Volume)
		}
		if s.PrevDailyBar != nil {
			q.PrevClose = decimal.NewFromFloat(s.PrevDailyBar.Close)
		}
		out[code] = q
	}
	return out, nil
}

func (p *Provider) DailyBars(_ context.Context, code string, start, end time.Time) ([]models.Bar, error) {
	return p.bars(code, marketdata.OneDay, start, end)
}

func (p *Provider) MinuteBars(_ context.Context, code string, start, end time.Time) ([]models.Bar, error) {
	return p.bars(code, marketdata.OneMin, start, end)
}

func (p *Provider) bars(code string, tf marketdata.TimeFrame, start, end time.Time) ([]models.Bar, error) {
	bars, err := p.mdClient.GetBars(code, marketdata.GetBarsRequest{
		TimeFrame: tf,
		Start:     start,
		End:       end,
		Feed:      p.feed,
	})
	if err != nil {
		return nil, fmt.Errorf("get %s bars %s: %w", tf, code, err)
	}

	result := make([]models.Bar, 0, len(bars))
	for _, b := range bars {
		result = append(result, mapBar(b))
	}
	return result, nil
}

func (p *Provider) IsTradingDay(_ context.Context, day time.Time) (bool, error) {
	days, err := p.tradeClient.GetCalendar(alpaca.GetCalendarRequest{Start: day, End: day})
	if err != nil {
		return false, fmt.Errorf("get calendar: %w", err)
	}
	want := day.Format("2006-01-02")
	for _, d := range days {
		if d.Date == want {
			return true, nil
		}
	}
	return false, nil
}

// --- Fills ---

// StreamFills forwards trade updates until ctx is cancelled. The SDK keeps
// the websocket alive and reconnects on its own.
func (p *Provider) StreamFills(ctx context.Context, h market.FillHandler) error {
	p.tradeClient.StreamTradeUpdatesInBackground(ctx, func(u alpaca.TradeUpdate) {
		if trade, ok := mapFill(u); ok {
			h.OnTrade(trade)
			return
		}
		if fail, ok := mapFailure(u); ok {
			h.OnOrderError(fail)
			return
		}
		p.log.Debug("trade update ignored", zap.String("event", u.Event), zap.String("code", u.Order.Symbol))
	})
	<-ctx.Done()
	return nil
}

// --- Helpers ---

func mapPosition(x alpaca.Position) models.Position {
	return models.Position{
		Code:            x.Symbol,
		Volume:          x.Qty.IntPart(),
		AvailableVolume: x.QtyAvailable.IntPart(),
		OpenPrice:       x.AvgEntryPrice,
	}
}

func mapBar(b marketdata.Bar) models.Bar {
	return models.Bar{
		Time:   b.Timestamp,
		Open:   decimal.NewFromFloat(b.Open),
		High:   decimal.NewFromFloat(b.High),
		Low:    decimal.NewFromFloat(b.Low),
		Close:  decimal.NewFromFloat(b.Close),
		Volume: int64(b.Volume),
	}
}

func mapFill(u alpaca.TradeUpdate) (models.Trade, bool) {
	if u.Event != "fill" && u.Event != "partial_fill" {
		return models.Trade{}, false
	}
	if u.Price == nil || u.Qty == nil {
		return models.Trade{}, false
	}
	return models.Trade{
		OrderID:       u.Order.ID,
		ClientOrderID: u.Order.ClientOrderID,
		Code:          u.Order.Symbol,
		Side:          models.Side(u.Order.Side),
		Price:         *u.Price,
		Volume:        u.Qty.IntPart(),
		Remark:        u.Event,
		Time:          u.At,
		Final:         u.Event == "fill",
	}, true
}

func mapFailure(u alpaca.TradeUpdate) (models.OrderError, bool) {
	switch u.Event {
	case "rejected", "canceled", "expired":
	default:
		return models.OrderError{}, false
	}
	return models.OrderError{
		OrderID:       u.Order.ID,
		ClientOrderID: u.Order.ClientOrderID,
		Code:          u.Order.Symbol,
		Message:       u.Event,
	}, true
}
