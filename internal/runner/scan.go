package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"intraday_trader/internal/config"
	"intraday_trader/internal/dispatch"
	"intraday_trader/internal/history"
	"intraday_trader/internal/metrics"
	"intraday_trader/internal/models"
	"intraday_trader/internal/recommend"
	"intraday_trader/internal/seller"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// morning runs the once-per-day start: held days advance by one and the
// stock pool is reloaded.
func (r *Runner) morning(ctx context.Context, date string) error {
	positions, err := r.broker.CheckPositions(ctx)
	if err != nil {
		r.log.Error("morning job: positions unavailable", zap.Error(err))
		return err
	}

	ran, snap, err := r.tracker.BeginDay(date, positions)
	if err != nil && !ran {
		return err
	}

	if err := r.pool.Refresh(r.cfg.Pool.WhiteCodes, r.cfg.Pool.BlackCodes, r.cfg.Pool.WhiteCodesFile); err != nil {
		r.log.Error("stock pool refresh failed, keeping previous pool", zap.Error(err))
	}
	white, black := r.pool.Sizes()
	r.log.Info("morning job done",
		zap.String("date", date),
		zap.Bool("held_days_advanced", ran),
		zap.Int("positions", len(snap.HeldDays)),
		zap.Int("white_codes", white),
		zap.Int("black_codes", black),
	)
	r.notify.Notify(ctx, fmt.Sprintf("☀️ *%s* holding %d positions, pool %d white / %d black", date, len(snap.HeldDays), white, black))
	return nil
}

// prepareHistory loads the daily bars the sell rules need for every held
// code, then the intraday volume curve of each position's opening day.
// Codes that failed to load simply run without the rules needing them.
func (r *Runner) prepareHistory(ctx context.Context, local time.Time) error {
	positions, err := r.broker.CheckPositions(ctx)
	if err != nil {
		r.log.Error("history job: positions unavailable", zap.Error(err))
		return err
	}
	held := make([]models.Position, 0, len(positions))
	codes := make([]string, 0, len(positions))
	for _, p := range positions {
		if p.Volume > 0 {
			held = append(held, p)
			codes = append(codes, p.Code)
		}
	}
	if err := r.history.Prepare(ctx, local, codes, r.cfg.Pool.DayCount); err != nil {
		r.log.Warn("history prepared with gaps", zap.Error(err))
	}

	snap := r.tracker.Snapshot()
	openDays := make(map[string]time.Time, len(held))
	for _, p := range held {
		heldDays, ok := snap.HeldDays[p.Code]
		if !ok {
			continue
		}
		if bar, ok := seller.OpenDayBar(r.history.Bars(p.Code), p.OpenDate, heldDays, r.cfg.Loc); ok {
			openDays[p.Code] = bar.Time
		}
	}
	if err := r.history.PrepareVolumeCurves(ctx, local, openDays); err != nil {
		r.log.Warn("volume curves prepared with gaps", zap.Error(err))
	}
	return nil
}

// scanSell refreshes the tracked state from the latest quotes and asks the
// sell engine about every held position.
func (r *Runner) scanSell(ctx context.Context) {
	mark := r.tracker.Mark()
	positions, err := r.broker.CheckPositions(ctx)
	if err != nil {
		r.log.Error("sell scan: positions unavailable", zap.Error(err))
		return
	}

	held := make([]models.Position, 0, len(positions))
	codes := make([]string, 0, len(positions))
	for _, p := range positions {
		if p.Volume > 0 {
			held = append(held, p)
			codes = append(codes, p.Code)
		}
	}
	metrics.PositionsOpen.Set(float64(len(held)))

	var quotes map[string]models.Quote
	if len(codes) > 0 {
		quotes, err = r.quotes.Quotes(ctx, codes)
		if err != nil {
			r.log.Warn("sell scan: quotes unavailable", zap.Error(err))
		}
	}
	// The snapshot is usable even when it could not be saved.
	snap, _ := r.tracker.RefreshSince(mark, held, quotes)

	now := r.now()
	clock := config.Clock(now, r.cfg.Loc)
	for _, p := range held {
		if !p.OpenPrice.IsPositive() {
			r.log.Error("position without a positive open price, skipped",
				zap.String("code", p.Code), zap.String("open_price", p.OpenPrice.String()))
			continue
		}
		q, ok := quotes[p.Code]
		if !ok {
			r.log.Debug("no quote, skipped", zap.String("code", p.Code))
			continue
		}
		heldDays, ok := snap.HeldDays[p.Code]
		if !ok {
			r.log.Error("held position missing from held days, skipped", zap.String("code", p.Code))
			continue
		}
		if r.cfg.TPlusOne && p.AvailableVolume <= 0 {
			r.log.Debug("nothing sellable today, skipped", zap.String("code", p.Code))
			continue
		}

		bars := r.history.Bars(p.Code)
		in := seller.Input{
			Quote:    q,
			Position: p,
			HeldDays: heldDays,
			MaxPrice: snap.MaxPrices[p.Code],
			Bars:     bars,
			Now:      now,
		}
		if v, ok := history.CCI(bars, q, r.cfg.Sell.CCIPeriod); ok {
			in.Indicator = &v
		}
		if v, ok := history.CloseCCI(bars, r.cfg.Sell.CCIPeriod); ok {
			in.PrevIndicator = &v
		}
		if v, ok := r.history.VolumeAt(p.Code, clock); ok {
			in.OpenDayVolume = &v
		}

		intent, ok := r.seller.Evaluate(in)
		if !ok {
			continue
		}
		if r.cfg.TPlusOne && intent.Volume > p.AvailableVolume {
			intent.Volume = p.AvailableVolume
		}

		err := r.dispatch.Sell(ctx, intent)
		if errors.Is(err, dispatch.ErrSuppressed) {
			continue
		}
		metrics.Decisions.WithLabelValues(string(models.SideSell), string(intent.Reason)).Inc()
		r.log.Info("sell decision",
			zap.String("code", intent.Code),
			zap.String("reason", string(intent.Reason)),
			zap.String("last", q.LastPrice.String()),
			zap.String("price", intent.Price.String()),
			zap.Int64("volume", intent.Volume),
			zap.Int("held_days", heldDays),
			zap.Bool("submitted", err == nil),
		)
	}
}

// scanBuy pulls the remote candidate list and buys into free slots.
func (r *Runner) scanBuy(ctx context.Context, date string) {
	if r.recommend == nil {
		return
	}
	codes, err := r.recommend.PullCodes(ctx, r.cfg.Buy.SelectionID)
	if err != nil {
		if errors.Is(err, recommend.ErrNotConfigured) {
			r.log.Debug("buy scan: recommendation source not configured")
		} else {
			r.log.Warn("buy scan: candidates unavailable", zap.Error(err))
		}
		return
	}
	if len(codes) == 0 {
		return
	}

	quotes, err := r.quotes.Quotes(ctx, codes)
	if err != nil && len(quotes) == 0 {
		r.log.Warn("buy scan: quotes unavailable", zap.Error(err))
		return
	}
	positions, err := r.broker.CheckPositions(ctx)
	if err != nil {
		r.log.Error("buy scan: positions unavailable", zap.Error(err))
		return
	}
	asset, err := r.broker.CheckAsset(ctx)
	if err != nil {
		r.log.Error("buy scan: asset unavailable", zap.Error(err))
		return
	}

	for _, intent := range r.buyer.Plan(date, codes, quotes, positions, asset.Cash) {
		err := r.dispatch.Buy(ctx, intent)
		if errors.Is(err, dispatch.ErrSuppressed) {
			continue
		}
		metrics.Decisions.WithLabelValues(string(models.SideBuy), "selection").Inc()
		r.log.Info("buy decision",
			zap.String("code", intent.Code),
			zap.String("price", intent.Price.String()),
			zap.Int64("volume", intent.Volume),
			zap.String("cash", asset.Cash.StringFixed(2)),
			zap.Bool("submitted", err == nil),
		)
	}
}

// closingSummary reports the account once the session is over.
func (r *Runner) closingSummary(ctx context.Context, date string) error {
	asset, err := r.broker.CheckAsset(ctx)
	if err != nil {
		r.log.Warn("closing summary: asset unavailable", zap.Error(err))
		return err
	}
	positions, err := r.broker.CheckPositions(ctx)
	if err != nil {
		r.log.Warn("closing summary: positions unavailable", zap.Error(err))
		return err
	}
	count := 0
	for _, p := range positions {
		if p.Volume > 0 {
			count++
		}
	}
	r.log.Info("session closed",
		zap.String("date", date),
		zap.Int("positions", count),
		zap.String("cash", asset.Cash.StringFixed(2)),
		zap.String("total", asset.TotalAsset.StringFixed(2)),
	)
	r.notify.Notify(ctx, fmt.Sprintf("🌙 *%s closed*\nPositions: %d\nCash: %s | Total: %s",
		date, count, asset.Cash.StringFixed(2), asset.TotalAsset.StringFixed(2)))
	return nil
}

func amount(price decimal.Decimal, volume int64) decimal.Decimal {
	return price.Mul(decimal.NewFromInt(volume))
}
