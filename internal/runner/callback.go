package runner

import (
	"context"
	"fmt"
	"time"

	"intraday_trader/internal/metrics"
	"intraday_trader/internal/models"

	"go.uber.org/zap"
)

// callbackTimeout bounds the broker and notifier calls made from a fill
// callback, which has no caller context of its own.
const callbackTimeout = 10 * time.Second

// OnTrade records a fill and updates the tracked state. A sell that leaves
// part of the position open keeps the tracking for the remainder.
func (r *Runner) OnTrade(t models.Trade) {
	ctx, cancel := context.WithTimeout(context.Background(), callbackTimeout)
	defer cancel()

	if r.deals != nil {
		if err := r.deals.Append(t); err != nil {
			r.log.Error("deal not recorded", zap.String("order_id", t.OrderID), zap.Error(err))
		}
	}

	switch t.Side {
	case models.SideBuy:
		_ = r.tracker.OnBuyFill(t.Code, t.Price)
	case models.SideSell:
		if r.stillHeld(ctx, t.Code) {
			r.log.Info("partial sell, position still tracked", zap.String("code", t.Code))
		} else {
			_ = r.tracker.OnSellFill(t.Code)
		}
	}
	r.dispatch.OnTrade(t)
	metrics.Fills.WithLabelValues(string(t.Side)).Inc()

	r.log.Info("fill",
		zap.String("code", t.Code),
		zap.String("side", string(t.Side)),
		zap.String("price", t.Price.String()),
		zap.Int64("volume", t.Volume),
		zap.String("remark", t.Remark),
		zap.String("order_id", t.OrderID),
	)

	icon := "🟢"
	if t.Side == models.SideSell {
		icon = "🔴"
	}
	r.notify.Notify(ctx, fmt.Sprintf("%s *%s %s*\n%d @ %s = %s\n%s",
		icon, t.Side, t.Code, t.Volume, t.Price.StringFixed(2), amount(t.Price, t.Volume).StringFixed(2), t.Remark))
}

// OnOrderError releases the dispatcher so the next scan can re-evaluate.
func (r *Runner) OnOrderError(e models.OrderError) {
	ctx, cancel := context.WithTimeout(context.Background(), callbackTimeout)
	defer cancel()

	r.log.Warn("order failed",
		zap.String("code", e.Code),
		zap.String("order_id", e.OrderID),
		zap.String("client_order_id", e.ClientOrderID),
		zap.String("message", e.Message),
	)
	r.dispatch.OnOrderError(e)
	r.notify.Notify(ctx, fmt.Sprintf("⚠️ *order failed* %s\n%s", e.Code, e.Message))
}

// stillHeld reports whether the broker still shows volume for code. When
// positions cannot be read it assumes the position is gone, matching the
// usual full-size sell.
func (r *Runner) stillHeld(ctx context.Context, code string) bool {
	positions, err := r.broker.CheckPositions(ctx)
	if err != nil {
		r.log.Warn("positions unavailable after sell fill", zap.String("code", code), zap.Error(err))
		return false
	}
	for _, p := range positions {
		if p.Code == code && p.Volume > 0 {
			return true
		}
	}
	return false
}

// SendStartupNotification reports the account when the process comes up.
func (r *Runner) SendStartupNotification(ctx context.Context) {
	asset, err := r.broker.CheckAsset(ctx)
	if err != nil {
		r.log.Warn("startup: asset unavailable", zap.Error(err))
	}
	msg := fmt.Sprintf("🚀 *%s %s online*\nCash: %s | Total: %s",
		r.cfg.StrategyName, r.cfg.Version, asset.Cash.StringFixed(2), asset.TotalAsset.StringFixed(2))
	r.notify.Notify(ctx, msg)
}

func (r *Runner) SendShutdownNotification(ctx context.Context) {
	r.notify.Notify(ctx, fmt.Sprintf("🛑 *%s* stopped. State is saved on every change.", r.cfg.StrategyName))
}
