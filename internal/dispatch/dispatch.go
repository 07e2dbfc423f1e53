// Package dispatch turns buy and sell intents into broker orders. It is the
// only place orders are submitted, and it holds back a repeat of the same
// intent while the first order is still outstanding.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"intraday_trader/internal/market"
	"intraday_trader/internal/metrics"
	"intraday_trader/internal/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrSuppressed is returned when an identical intent was submitted within the
// suppression window and has not been resolved yet.
var ErrSuppressed = errors.New("order suppressed: previous order still pending")

type pendingOrder struct {
	at            time.Time
	clientOrderID string
}

// Dispatcher submits orders and tracks the ones in flight per code and side.
type Dispatcher struct {
	broker   market.Broker
	window   time.Duration
	strategy string
	now      func() time.Time
	log      *zap.Logger

	mu       sync.Mutex
	pending  map[string]pendingOrder
	byClient map[string]string
}

// New returns a dispatcher. A zero window disables suppression.
func New(broker market.Broker, window time.Duration, strategy string, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		broker:   broker,
		window:   window,
		strategy: strategy,
		now:      time.Now,
		log:      log,
		pending:  map[string]pendingOrder{},
		byClient: map[string]string{},
	}
}

// Sell submits a limit sell for the intent.
func (d *Dispatcher) Sell(ctx context.Context, intent models.SellIntent) error {
	return d.submit(ctx, models.SideSell, intent.Code, intent.Price, intent.Volume, string(intent.Reason))
}

// Buy submits a limit buy for the intent.
func (d *Dispatcher) Buy(ctx context.Context, intent models.BuyIntent) error {
	return d.submit(ctx, models.SideBuy, intent.Code, intent.Price, intent.Volume, "selection")
}

func (d *Dispatcher) submit(ctx context.Context, side models.Side, code string, price decimal.Decimal, volume int64, reason string) error {
	key := pendingKey(side, code)
	now := d.now()

	d.mu.Lock()
	if p, ok := d.pending[key]; ok && d.window > 0 && now.Sub(p.at) < d.window {
		d.mu.Unlock()
		metrics.Orders.WithLabelValues(string(side), "suppressed").Inc()
		d.log.Debug("order suppressed", zap.String("code", code), zap.String("side", string(side)), zap.String("reason", reason))
		return ErrSuppressed
	}
	clientID := uuid.New().String()
	d.pending[key] = pendingOrder{at: now, clientOrderID: clientID}
	d.byClient[clientID] = key
	d.mu.Unlock()

	req := models.OrderRequest{
		Code:          code,
		Side:          side,
		Price:         market.RoundPrice(price),
		Volume:        volume,
		Remark:        fmt.Sprintf("%s:%s", d.strategy, reason),
		ClientOrderID: clientID,
	}
	ack, err := d.broker.SubmitOrder(ctx, req)
	if err != nil {
		d.clear(clientID)
		metrics.Orders.WithLabelValues(string(side), "failed").Inc()
		d.log.Error("order submission failed",
			zap.String("code", code),
			zap.String("side", string(side)),
			zap.String("reason", reason),
			zap.Error(err),
		)
		return fmt.Errorf("submit %s %s: %w", side, code, err)
	}

	metrics.Orders.WithLabelValues(string(side), "accepted").Inc()
	d.log.Info("order submitted",
		zap.String("code", code),
		zap.String("side", string(side)),
		zap.String("reason", reason),
		zap.String("price", req.Price.String()),
		zap.Int64("volume", volume),
		zap.String("order_id", ack.OrderID),
		zap.String("client_order_id", clientID),
	)
	return nil
}

// OnOrderError releases the suppression held by a rejected or cancelled
// order so the next scan can fire again.
func (d *Dispatcher) OnOrderError(e models.OrderError) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if key, ok := d.byClient[e.ClientOrderID]; ok {
		delete(d.byClient, e.ClientOrderID)
		if p, ok := d.pending[key]; ok && p.clientOrderID == e.ClientOrderID {
			delete(d.pending, key)
		}
		return
	}
	// Orders placed by another session carry unknown ids; release by code.
	delete(d.pending, pendingKey(models.SideBuy, e.Code))
	delete(d.pending, pendingKey(models.SideSell, e.Code))
}

// OnTrade releases the suppression once the order has filled completely.
// Partial fills leave the remainder working, so the order stays pending.
func (d *Dispatcher) OnTrade(t models.Trade) {
	if !t.Final {
		return
	}
	d.clear(t.ClientOrderID)
}

// Pending reports whether an order for code and side is in flight.
func (d *Dispatcher) Pending(side models.Side, code string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.pending[pendingKey(side, code)]
	return ok
}

func (d *Dispatcher) clear(clientID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	key, ok := d.byClient[clientID]
	if !ok {
		return
	}
	delete(d.byClient, clientID)
	if p, ok := d.pending[key]; ok && p.clientOrderID == clientID {
		delete(d.pending, key)
	}
}

func pendingKey(side models.Side, code string) string {
	return string(side) + ":" + code
}
