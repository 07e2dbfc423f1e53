package market

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"intraday_trader/internal/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type paperEvent struct {
	trade *models.Trade
	fail  *models.OrderError
}

// PaperBroker simulates execution in memory. Limit orders fill in full at
// their limit price as soon as they are accepted; shares bought today only
// become sellable after the next calendar day starts (T+1).
type PaperBroker struct {
	mu        sync.Mutex
	cash      decimal.Decimal
	positions map[string]*models.Position
	settledOn string
	events    chan paperEvent
	now       func() time.Time
	loc       *time.Location
	log       *zap.Logger
}

// NewPaperBroker starts with cash and no positions.
func NewPaperBroker(cash decimal.Decimal, loc *time.Location, log *zap.Logger) *PaperBroker {
	if log == nil {
		log = zap.NewNop()
	}
	if loc == nil {
		loc = time.UTC
	}
	return &PaperBroker{
		cash:      cash,
		positions: map[string]*models.Position{},
		events:    make(chan paperEvent, 1024),
		now:       time.Now,
		loc:       loc,
		log:       log,
	}
}

// SetClock replaces the time source; used by tests and replays.
func (p *PaperBroker) SetClock(now func() time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.now = now
}

// Seed adds a settled position, e.g. to mirror an existing account.
func (p *PaperBroker) Seed(pos models.Position) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pos.AvailableVolume = pos.Volume
	p.positions[pos.Code] = &pos
}

func (p *PaperBroker) CheckPositions(_ context.Context) ([]models.Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.settle()

	out := make([]models.Position, 0, len(p.positions))
	for _, pos := range p.positions {
		out = append(out, *pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (p *PaperBroker) CheckAsset(_ context.Context) (models.Asset, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	value := decimal.Zero
	for _, pos := range p.positions {
		value = value.Add(pos.OpenPrice.Mul(decimal.NewFromInt(pos.Volume)))
	}
	return models.Asset{
		AccountID:   "paper",
		Cash:        p.cash,
		MarketValue: value,
		TotalAsset:  p.cash.Add(value),
	}, nil
}

// SubmitOrder accepts a well-formed order and reports its outcome through
// the fill stream, the way a live gateway does.
func (p *PaperBroker) SubmitOrder(_ context.Context, req models.OrderRequest) (models.OrderAck, error) {
	if err := ValidateOrder(req); err != nil {
		return models.OrderAck{}, err
	}

	p.mu.Lock()
	p.settle()
	ack := models.OrderAck{OrderID: uuid.New().String(), ClientOrderID: req.ClientOrderID, Status: "accepted"}
	ev := p.execute(ack.OrderID, req)
	p.mu.Unlock()

	select {
	case p.events <- ev:
	default:
		p.log.Error("paper fill queue full, outcome dropped", zap.String("order_id", ack.OrderID))
	}
	return ack, nil
}

// execute applies req; callers hold mu.
func (p *PaperBroker) execute(orderID string, req models.OrderRequest) paperEvent {
	reject := func(msg string) paperEvent {
		return paperEvent{fail: &models.OrderError{
			OrderID: orderID, ClientOrderID: req.ClientOrderID, Code: req.Code, Message: msg,
		}}
	}

	vol := decimal.NewFromInt(req.Volume)
	amount := req.Price.Mul(vol)
	pos := p.positions[req.Code]

	switch req.Side {
	case models.SideBuy:
		if amount.GreaterThan(p.cash) {
			return reject(fmt.Sprintf("insufficient cash: need %s, have %s", amount, p.cash))
		}
		p.cash = p.cash.Sub(amount)
		if pos == nil {
			pos = &models.Position{Code: req.Code, OpenDate: p.now().In(p.loc)}
			p.positions[req.Code] = pos
		}
		held := decimal.NewFromInt(pos.Volume)
		pos.OpenPrice = pos.OpenPrice.Mul(held).Add(amount).Div(held.Add(vol))
		pos.Volume += req.Volume
	case models.SideSell:
		if pos == nil || pos.AvailableVolume < req.Volume {
			return reject(fmt.Sprintf("insufficient available volume for %s", req.Code))
		}
		p.cash = p.cash.Add(amount)
		pos.Volume -= req.Volume
		pos.AvailableVolume -= req.Volume
		if pos.Volume == 0 {
			delete(p.positions, req.Code)
		}
	}

	return paperEvent{trade: &models.Trade{
		OrderID:       orderID,
		ClientOrderID: req.ClientOrderID,
		Code:          req.Code,
		Side:          req.Side,
		Price:         req.Price,
		Volume:        req.Volume,
		Remark:        req.Remark,
		Time:          p.now(),
		Final:         true,
	}}
}

// settle releases yesterday's purchases once the date rolls over.
func (p *PaperBroker) settle() {
	today := p.now().In(p.loc).Format("2006-01-02")
	if p.settledOn == today {
		return
	}
	p.settledOn = today
	for _, pos := range p.positions {
		pos.AvailableVolume = pos.Volume
	}
}

// StreamFills delivers outcomes to h until ctx is cancelled.
func (p *PaperBroker) StreamFills(ctx context.Context, h FillHandler) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-p.events:
			if ev.trade != nil {
				h.OnTrade(*ev.trade)
			}
			if ev.fail != nil {
				h.OnOrderError(*ev.fail)
			}
		}
	}
}

// Quotes implements QuoteSource from the entry prices of held positions, so
// a fully offline run still has something to evaluate against.
func (p *PaperBroker) Quotes(_ context.Context, codes []string) (map[string]models.Quote, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]models.Quote, len(codes))
	for _, code := range codes {
		if pos, ok := p.positions[code]; ok {
			out[code] = models.Quote{Code: code, LastPrice: pos.OpenPrice, Time: p.now()}
		}
	}
	return out, nil
}

// DailyBars implements BarSource. An offline run has no history, so the
// bar-based sell rules stay inactive.
func (p *PaperBroker) DailyBars(_ context.Context, _ string, _, _ time.Time) ([]models.Bar, error) {
	return nil, nil
}
